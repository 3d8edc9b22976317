package api

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/hyperfleet-run/hyperfleet/internal/machine"
	"github.com/hyperfleet-run/hyperfleet/internal/model"
	"github.com/hyperfleet-run/hyperfleet/internal/proxy"
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

func newTestServer(t *testing.T) *Server {
	t.Helper()
	bin := fakeDockerCLI(t)
	t.Setenv("HYPERFLEET_DOCKER_BIN", bin)

	st, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	svc := machine.New(machine.Config{
		Store:    st,
		Registry: registry.New(),
		RunDir:   t.TempDir(),
	})

	px := proxy.New(svc, proxy.Config{HostSuffix: "hyperfleet.local"})
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	return NewServer(":0", svc, px, "", logger)
}

func doJSON(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r *http.Request
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		r = httptest.NewRequest(method, path, bytes.NewReader(b))
	} else {
		r = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, r)
	return rec
}

func TestCreateMachineReturns201(t *testing.T) {
	s := newTestServer(t)

	rec := doJSON(t, s, http.MethodPost, "/machines/", map[string]any{
		"name":         "web",
		"runtime_type": model.RuntimeDocker,
		"image":        "alpine:3.19",
		"cmd":          []string{"sleep", "300"},
	})

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", rec.Code, rec.Body.String())
	}

	var m model.Machine
	if err := json.Unmarshal(rec.Body.Bytes(), &m); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if m.Name != "web" {
		t.Errorf("Name = %q, want web", m.Name)
	}
	if m.Status != model.StatusPending {
		t.Errorf("Status = %q, want pending", m.Status)
	}
}

func TestCreateMachineRejectsInvalidSpec(t *testing.T) {
	s := newTestServer(t)

	rec := doJSON(t, s, http.MethodPost, "/machines/", map[string]any{
		"runtime_type": model.RuntimeDocker,
	})

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400: %s", rec.Code, rec.Body.String())
	}
	var body errorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal error body: %v", err)
	}
	if body.Error == "" {
		t.Error("error field is empty")
	}
}

func TestGetMachineUnknownID404(t *testing.T) {
	s := newTestServer(t)

	rec := doJSON(t, s, http.MethodGet, "/machines/does-not-exist", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404: %s", rec.Code, rec.Body.String())
	}
}

func TestCreateStartExecLifecycle(t *testing.T) {
	s := newTestServer(t)

	createRec := doJSON(t, s, http.MethodPost, "/machines/", map[string]any{
		"name":         "web",
		"runtime_type": model.RuntimeDocker,
		"image":        "alpine:3.19",
		"cmd":          []string{"sleep", "300"},
	})
	var created model.Machine
	if err := json.Unmarshal(createRec.Body.Bytes(), &created); err != nil {
		t.Fatalf("unmarshal create response: %v", err)
	}

	startRec := doJSON(t, s, http.MethodPost, "/machines/"+created.ID+"/start", nil)
	if startRec.Code != http.StatusOK {
		t.Fatalf("start status = %d, want 200: %s", startRec.Code, startRec.Body.String())
	}
	var started model.Machine
	if err := json.Unmarshal(startRec.Body.Bytes(), &started); err != nil {
		t.Fatalf("unmarshal start response: %v", err)
	}
	if started.Status != model.StatusRunning {
		t.Fatalf("Status = %q, want running", started.Status)
	}

	execRec := doJSON(t, s, http.MethodPost, "/machines/"+created.ID+"/exec", map[string]any{
		"cmd": []string{"echo", "hi"},
	})
	if execRec.Code != http.StatusOK {
		t.Fatalf("exec status = %d, want 200: %s", execRec.Code, execRec.Body.String())
	}
	var execResp execResponse
	if err := json.Unmarshal(execRec.Body.Bytes(), &execResp); err != nil {
		t.Fatalf("unmarshal exec response: %v", err)
	}
	if execResp.ExitCode != 0 {
		t.Errorf("ExitCode = %d, want 0", execResp.ExitCode)
	}

	pauseRec := doJSON(t, s, http.MethodPost, "/machines/"+created.ID+"/pause", nil)
	if pauseRec.Code != http.StatusOK {
		t.Fatalf("pause status = %d, want 200: %s", pauseRec.Code, pauseRec.Body.String())
	}
	var paused model.Machine
	if err := json.Unmarshal(pauseRec.Body.Bytes(), &paused); err != nil {
		t.Fatalf("unmarshal pause response: %v", err)
	}
	if paused.Status != model.StatusPaused {
		t.Fatalf("Status = %q, want paused", paused.Status)
	}

	resumeRec := doJSON(t, s, http.MethodPost, "/machines/"+created.ID+"/resume", nil)
	if resumeRec.Code != http.StatusOK {
		t.Fatalf("resume status = %d, want 200: %s", resumeRec.Code, resumeRec.Body.String())
	}
	var resumed model.Machine
	if err := json.Unmarshal(resumeRec.Body.Bytes(), &resumed); err != nil {
		t.Fatalf("unmarshal resume response: %v", err)
	}
	if resumed.Status != model.StatusRunning {
		t.Fatalf("Status = %q, want running", resumed.Status)
	}

	listRec := doJSON(t, s, http.MethodGet, "/machines/?status=running", nil)
	if listRec.Code != http.StatusOK {
		t.Fatalf("list status = %d, want 200: %s", listRec.Code, listRec.Body.String())
	}
	var listResp listMachinesResponse
	if err := json.Unmarshal(listRec.Body.Bytes(), &listResp); err != nil {
		t.Fatalf("unmarshal list response: %v", err)
	}
	if listResp.Total != 1 {
		t.Errorf("Total = %d, want 1", listResp.Total)
	}

	deleteRec := doJSON(t, s, http.MethodDelete, "/machines/"+created.ID, nil)
	if deleteRec.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d, want 204: %s", deleteRec.Code, deleteRec.Body.String())
	}
}

func TestBearerAuthRejectsMissingToken(t *testing.T) {
	bin := fakeDockerCLI(t)
	_ = bin

	st, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	svc := machine.New(machine.Config{Store: st, Registry: registry.New(), RunDir: t.TempDir()})
	px := proxy.New(svc, proxy.Config{HostSuffix: "hyperfleet.local"})
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	s := NewServer(":0", svc, px, "supersecret", logger)

	rec := doJSON(t, s, http.MethodGet, "/machines/", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401: %s", rec.Code, rec.Body.String())
	}

	req := httptest.NewRequest(http.MethodGet, "/machines/", nil)
	req.Header.Set("Authorization", "Bearer supersecret")
	rec2 := httptest.NewRecorder()
	s.Router().ServeHTTP(rec2, req)
	if rec2.Code != http.StatusOK {
		t.Fatalf("status with token = %d, want 200: %s", rec2.Code, rec2.Body.String())
	}
}

func TestHealthAndProxyBypassAuth(t *testing.T) {
	st, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	svc := machine.New(machine.Config{Store: st, Registry: registry.New(), RunDir: t.TempDir()})
	px := proxy.New(svc, proxy.Config{HostSuffix: "hyperfleet.local"})
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	s := NewServer(":0", svc, px, "supersecret", logger)

	rec := doJSON(t, s, http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("health status = %d, want 200", rec.Code)
	}

	rec2 := doJSON(t, s, http.MethodGet, "/proxy/does-not-exist/hello", nil)
	if rec2.Code != http.StatusNotFound {
		t.Fatalf("proxy status = %d, want 404 (not 401): %s", rec2.Code, rec2.Body.String())
	}
}
