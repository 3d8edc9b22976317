package machine

import (
	"testing"

	"github.com/hyperfleet-run/hyperfleet/internal/model"
)

func TestBootArgsForAppendsGuestIPParameter(t *testing.T) {
	nw := &model.Network{GuestIP: "10.42.0.5", TapIP: "10.42.0.1", Mask: "255.255.255.0"}

	got := bootArgsFor("console=ttyS0", nw)
	want := "console=ttyS0 ip=10.42.0.5::10.42.0.1:255.255.255.0::eth0:off"
	if got != want {
		t.Errorf("bootArgsFor() = %q, want %q", got, want)
	}
}

func TestBootArgsForWithNoExistingArgs(t *testing.T) {
	nw := &model.Network{GuestIP: "10.42.0.5", TapIP: "10.42.0.1", Mask: "255.255.255.0"}

	got := bootArgsFor("", nw)
	want := "ip=10.42.0.5::10.42.0.1:255.255.255.0::eth0:off"
	if got != want {
		t.Errorf("bootArgsFor() = %q, want %q", got, want)
	}
}

func TestBootArgsForUnnetworkedMachineIsUnchanged(t *testing.T) {
	if got := bootArgsFor("console=ttyS0", nil); got != "console=ttyS0" {
		t.Errorf("bootArgsFor() = %q, want unchanged", got)
	}
	if got := bootArgsFor("console=ttyS0", &model.Network{}); got != "console=ttyS0" {
		t.Errorf("bootArgsFor() with empty GuestIP = %q, want unchanged", got)
	}
}
