package machine

import (
	"context"
	"testing"

	"github.com/hyperfleet-run/hyperfleet/internal/handlerchain"
	"github.com/hyperfleet-run/hyperfleet/internal/model"
)

func TestHypervisorChainStepNames(t *testing.T) {
	s := newTestService(t)
	chain := s.buildStartChain(&CreateSpec{RuntimeType: model.RuntimeFirecracker})

	want := []string{
		"CreateLogFiles", "BootstrapLogging", "CreateMachine", "CreateBootSource",
		"ResolveImage", "AttachDrives", "CreateNetworkInterfaces", "AddVsock",
		"SetupBalloon", "ConfigMmds", "StartVMM", "RegisterHandle",
	}
	got := chain.Names()
	if len(got) != len(want) {
		t.Fatalf("Names() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Names()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestContainerChainStepNames(t *testing.T) {
	s := newTestService(t)
	chain := s.buildStartChain(&CreateSpec{RuntimeType: model.RuntimeDocker})

	want := []string{"PullImage", "CreateContainer", "StartContainer", "RegisterHandle"}
	got := chain.Names()
	if len(got) != len(want) {
		t.Fatalf("Names() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Names()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

// TestChainStepsAreIndividuallyRemovable exercises the insertion/removal
// contract handlerchain advertises: a caller can drop a single named step
// (here, the balloon device) without disturbing the rest of the sequence.
func TestChainStepsAreIndividuallyRemovable(t *testing.T) {
	s := newTestService(t)
	chain := s.buildStartChain(&CreateSpec{RuntimeType: model.RuntimeCloudHypervisor})

	if err := chain.Remove("SetupBalloon"); err != nil {
		t.Fatalf("Remove(SetupBalloon): %v", err)
	}
	for _, name := range chain.Names() {
		if name == "SetupBalloon" {
			t.Fatal("SetupBalloon still present after Remove")
		}
	}

	var ran []string
	if err := chain.InsertAfter("CreateMachine", handlerchain.Step{
		Name: "AuditCreateMachine",
		Fn: func(ctx context.Context, c *handlerchain.Context) error {
			ran = append(ran, "AuditCreateMachine")
			return nil
		},
	}); err != nil {
		t.Fatalf("InsertAfter: %v", err)
	}
	names := chain.Names()
	for i, n := range names {
		if n == "AuditCreateMachine" {
			if i == 0 || names[i-1] != "CreateMachine" {
				t.Errorf("AuditCreateMachine inserted at %d, want immediately after CreateMachine", i)
			}
		}
	}
}
