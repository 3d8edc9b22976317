package registry_test

import (
	"context"
	"testing"
	"time"

	"github.com/hyperfleet-run/hyperfleet/internal/registry"
	"github.com/hyperfleet-run/hyperfleet/internal/runtimedriver"
)

type stubDriver struct{}

func (stubDriver) Start(ctx context.Context) error { return nil }
func (stubDriver) Pause(ctx context.Context) error  { return nil }
func (stubDriver) Resume(ctx context.Context) error { return nil }
func (stubDriver) Shutdown(ctx context.Context, timeout time.Duration) error { return nil }
func (stubDriver) Stop(ctx context.Context) error { return nil }
func (stubDriver) GetInfo(ctx context.Context) (runtimedriver.Info, error) {
	return runtimedriver.Info{}, nil
}
func (stubDriver) Exec(ctx context.Context, cmd []string, timeout time.Duration) (runtimedriver.ExecResult, error) {
	return runtimedriver.ExecResult{}, nil
}
func (stubDriver) GetPID() *int     { return nil }
func (stubDriver) IsRunning() bool { return true }

func TestRegisterLookupDeregister(t *testing.T) {
	r := registry.New()
	if _, ok := r.Lookup("m1"); ok {
		t.Fatal("Lookup() on empty registry found something")
	}

	r.Register("m1", stubDriver{})
	if r.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", r.Len())
	}
	d, ok := r.Lookup("m1")
	if !ok || d == nil {
		t.Fatal("Lookup() did not find registered driver")
	}

	r.Deregister("m1")
	if _, ok := r.Lookup("m1"); ok {
		t.Fatal("Lookup() found driver after Deregister")
	}
	if r.Len() != 0 {
		t.Fatalf("Len() = %d, want 0 after deregister", r.Len())
	}
}
