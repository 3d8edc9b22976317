package machine

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/hyperfleet-run/hyperfleet/internal/guestchannel"
	"github.com/hyperfleet-run/hyperfleet/internal/model"
	"github.com/hyperfleet-run/hyperfleet/internal/registry"
	"github.com/hyperfleet-run/hyperfleet/internal/store"
)

// fakeDockerCLI stands in for the docker binary so Start/Stop/Exec exercise
// the real docker.Driver without a real container runtime present.
func fakeDockerCLI(t *testing.T) string {
	t.Helper()
	if runtime.GOOS != "linux" && runtime.GOOS != "darwin" {
		t.Skip("requires a POSIX shell")
	}
	script := `#!/bin/sh
case "$1" in
  pull|start)
    ;;
  create)
    echo "deadbeef0001"
    ;;
  inspect)
    echo '[{"State":{"Running":true,"Pid":4242},"NetworkSettings":{"IPAddress":"172.16.0.5"}}]'
    ;;
  exec)
    shift 2
    echo "exec-ok: $@"
    ;;
  stop|kill|pause|unpause)
    ;;
  *)
    echo "unknown command: $1" >&2
    exit 1
    ;;
esac
`
	dir := t.TempDir()
	path := filepath.Join(dir, "docker")
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("write fake docker: %v", err)
	}
	return path
}

func newTestService(t *testing.T) *Service {
	t.Helper()
	bin := fakeDockerCLI(t)
	t.Setenv("HYPERFLEET_DOCKER_BIN", bin)

	st, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	return New(Config{
		Store:    st,
		Registry: registry.New(),
		RunDir:   t.TempDir(),
	})
}

func dockerSpec(name string) CreateSpec {
	return CreateSpec{
		Name:        name,
		RuntimeType: model.RuntimeDocker,
		Image:       "alpine:3.19",
	}
}

func TestCreateValidatesAndPersists(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	m, err := s.Create(ctx, dockerSpec("web"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if m.Status != model.StatusPending {
		t.Errorf("Status = %q, want pending", m.Status)
	}
	if m.SocketPath != "" {
		t.Errorf("SocketPath = %q, want empty for docker runtime", m.SocketPath)
	}

	got, err := s.Get(ctx, m.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Name != "web" {
		t.Errorf("Name = %q, want web", got.Name)
	}
}

func TestCreateRejectsInvalidSpec(t *testing.T) {
	s := newTestService(t)
	if _, err := s.Create(context.Background(), CreateSpec{RuntimeType: model.RuntimeDocker}); err == nil {
		t.Fatal("Create() = nil error, want validation failure for missing name")
	}
}

func TestStartTransitionsToRunningAndRegistersHandle(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	m, err := s.Create(ctx, dockerSpec("web"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	started, err := s.Start(ctx, m.ID)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if started.Status != model.StatusRunning {
		t.Errorf("Status = %q, want running", started.Status)
	}
	if started.PID == nil || *started.PID != 4242 {
		t.Errorf("PID = %v, want 4242", started.PID)
	}
	if s.registry.Len() != 1 {
		t.Errorf("registry.Len() = %d, want 1", s.registry.Len())
	}
}

func TestStartFromRunningIsNoop(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	m, _ := s.Create(ctx, dockerSpec("web"))
	if _, err := s.Start(ctx, m.ID); err != nil {
		t.Fatalf("first Start: %v", err)
	}

	again, err := s.Start(ctx, m.ID)
	if err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if again.Status != model.StatusRunning {
		t.Errorf("Status = %q, want running", again.Status)
	}
	if s.registry.Len() != 1 {
		t.Errorf("registry.Len() = %d, want 1 (no duplicate registration)", s.registry.Len())
	}
}

func TestStartRejectsFromFailedStatus(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	m, _ := s.Create(ctx, dockerSpec("web"))

	// Force the record into a failed state directly, bypassing a real failed start.
	got, err := s.store.GetMachine(ctx, m.ID)
	if err != nil {
		t.Fatalf("GetMachine: %v", err)
	}
	got.Status = model.StatusFailed
	if err := s.store.UpdateMachine(ctx, got); err != nil {
		t.Fatalf("UpdateMachine: %v", err)
	}

	if _, err := s.Start(ctx, m.ID); err == nil {
		t.Fatal("Start() = nil error, want rejection from failed status")
	}
}

func TestStopFromStoppedIsNoop(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	m, _ := s.Create(ctx, dockerSpec("web"))

	stopped, err := s.Stop(ctx, m.ID)
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if stopped.Status != model.StatusStopped {
		t.Errorf("Status = %q, want stopped", stopped.Status)
	}

	again, err := s.Stop(ctx, m.ID)
	if err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	if again.Status != model.StatusStopped {
		t.Errorf("second Stop Status = %q, want stopped", again.Status)
	}
}

func TestStopDeregistersHandle(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	m, _ := s.Create(ctx, dockerSpec("web"))
	if _, err := s.Start(ctx, m.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}

	stopped, err := s.Stop(ctx, m.ID)
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if stopped.Status != model.StatusStopped {
		t.Errorf("Status = %q, want stopped", stopped.Status)
	}
	if stopped.PID != nil {
		t.Errorf("PID = %v, want nil after stop", stopped.PID)
	}
	if s.registry.Len() != 0 {
		t.Errorf("registry.Len() = %d, want 0", s.registry.Len())
	}
}

func TestRestartStopsThenStarts(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	m, _ := s.Create(ctx, dockerSpec("web"))
	if _, err := s.Start(ctx, m.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}

	restarted, err := s.Restart(ctx, m.ID)
	if err != nil {
		t.Fatalf("Restart: %v", err)
	}
	if restarted.Status != model.StatusRunning {
		t.Errorf("Status = %q, want running", restarted.Status)
	}
}

func TestPauseResumeRoundTrip(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	m, _ := s.Create(ctx, dockerSpec("web"))
	if _, err := s.Start(ctx, m.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}

	paused, err := s.Pause(ctx, m.ID)
	if err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if paused.Status != model.StatusPaused {
		t.Errorf("Status = %q, want paused", paused.Status)
	}
	if s.registry.Len() != 1 {
		t.Errorf("registry.Len() = %d, want 1 (pause keeps the handle registered)", s.registry.Len())
	}

	resumed, err := s.Resume(ctx, m.ID)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if resumed.Status != model.StatusRunning {
		t.Errorf("Status = %q, want running", resumed.Status)
	}
}

func TestPauseRejectsNonRunningMachine(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	m, _ := s.Create(ctx, dockerSpec("web"))

	if _, err := s.Pause(ctx, m.ID); err == nil {
		t.Fatal("Pause() = nil error, want rejection for pending machine")
	}
}

func TestResumeRejectsNonPausedMachine(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	m, _ := s.Create(ctx, dockerSpec("web"))
	if _, err := s.Start(ctx, m.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if _, err := s.Resume(ctx, m.ID); err == nil {
		t.Fatal("Resume() = nil error, want rejection for already-running machine")
	}
}

func TestExecRequiresRunningMachine(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	m, _ := s.Create(ctx, dockerSpec("web"))

	if _, _, _, err := s.Exec(ctx, m.ID, []string{"echo", "hi"}, time.Second); err == nil {
		t.Fatal("Exec() = nil error, want rejection for pending machine")
	}
}

func TestExecRunsAgainstRegisteredHandle(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	m, _ := s.Create(ctx, dockerSpec("web"))
	if _, err := s.Start(ctx, m.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}

	stdout, _, exitCode, err := s.Exec(ctx, m.ID, []string{"echo", "hi"}, time.Second)
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if exitCode != 0 {
		t.Errorf("exitCode = %d, want 0", exitCode)
	}
	if stdout == "" {
		t.Error("stdout is empty, want fake CLI echo output")
	}
}

func TestFileOpRejectsDockerRuntime(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	m, _ := s.Create(ctx, dockerSpec("web"))
	if _, err := s.Start(ctx, m.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if _, err := s.FileOp(ctx, m.ID, guestchannel.FileStat, "/etc/hostname", ""); err == nil {
		t.Fatal("FileOp() = nil error, want rejection on docker runtime")
	}
}

func TestFileOpRequiresRunningMachine(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	m, _ := s.Create(ctx, dockerSpec("web"))

	if _, err := s.FileOp(ctx, m.ID, guestchannel.FileStat, "/etc/hostname", ""); err == nil {
		t.Fatal("FileOp() = nil error, want rejection for non-running machine")
	}
}

func TestDeleteStopsRunningMachineFirst(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	m, _ := s.Create(ctx, dockerSpec("web"))
	if _, err := s.Start(ctx, m.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := s.Delete(ctx, m.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get(ctx, m.ID); err == nil {
		t.Fatal("Get() = nil error, want not-found after delete")
	}
	if s.registry.Len() != 0 {
		t.Errorf("registry.Len() = %d, want 0 after delete", s.registry.Len())
	}
}

func TestListReturnsCreatedMachines(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := s.Create(ctx, dockerSpec("web")); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}

	list, total, err := s.List(ctx, 10, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if total != 3 || len(list) != 3 {
		t.Errorf("total=%d len=%d, want 3 and 3", total, len(list))
	}
}
