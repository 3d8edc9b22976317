package firecracker_test

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	fc "github.com/hyperfleet-run/hyperfleet/internal/runtimedriver/firecracker"
)

// fakeControlSocket starts an HTTP-over-UDS fake server at a temporary
// socket path that answers the machine-config/boot-source/drives/actions
// REST surface well enough to drive the Start() sequence to completion,
// recording each call. It runs *before* Start is called, and the tests point
// the driver's FirecrackerBin at a no-op binary ("true"), so the spawned
// subprocess does nothing and the driver's own WaitReady finds the socket
// already listening.
func fakeControlSocket(t *testing.T) (socketPath string, requests *[]string) {
	t.Helper()
	dir := t.TempDir()
	socketPath = filepath.Join(dir, "fc.sock")

	seen := []string{}
	l, err := net.Listen("unix", socketPath)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/machine-config", func(w http.ResponseWriter, r *http.Request) {
		seen = append(seen, "machine-config")
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("/boot-source", func(w http.ResponseWriter, r *http.Request) {
		seen = append(seen, "boot-source")
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("/drives/rootfs", func(w http.ResponseWriter, r *http.Request) {
		seen = append(seen, "drives")
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("/actions", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		seen = append(seen, "actions:"+body["action_type"])
		w.WriteHeader(http.StatusNoContent)
	})

	srv := &http.Server{Handler: mux}
	go srv.Serve(l)
	t.Cleanup(func() { srv.Close(); os.Remove(socketPath) })

	return socketPath, &seen
}

func noopBinaryPath(t *testing.T) string {
	t.Helper()
	if runtime.GOOS != "linux" && runtime.GOOS != "darwin" {
		t.Skip("requires a POSIX shell")
	}
	path, err := exec.LookPath("true")
	if err != nil {
		t.Skip("no 'true' binary available")
	}
	return path
}

func TestDriverStartRunsInitSequence(t *testing.T) {
	sock, seen := fakeControlSocket(t)
	bin := noopBinaryPath(t)

	cfg := fc.Config{FirecrackerBin: bin, ReadyIntervalMS: 5, ReadyDeadlineS: 1}
	spec := fc.Spec{
		ID:              "m1",
		SocketPath:      sock,
		VCPUCount:       1,
		MemSizeMiB:      128,
		KernelImagePath: "/boot/vmlinux",
		RootfsPath:      "/images/rootfs.ext4",
	}

	d := fc.New(cfg, spec)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := d.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	want := []string{"machine-config", "boot-source", "drives", "actions:InstanceStart"}
	if len(*seen) != len(want) {
		t.Fatalf("seen = %v, want %v", *seen, want)
	}
	for i := range want {
		if (*seen)[i] != want[i] {
			t.Errorf("seen[%d] = %q, want %q", i, (*seen)[i], want[i])
		}
	}

	if !d.IsRunning() {
		t.Error("IsRunning() = false, want true after Start")
	}
}

func TestDriverStartRejectsInvalidSpec(t *testing.T) {
	d := fc.New(fc.Config{FirecrackerBin: "true"}, fc.Spec{ID: "m1", VCPUCount: 0})
	if err := d.Start(context.Background()); err == nil {
		t.Fatal("Start() = nil, want validation error")
	}
}
