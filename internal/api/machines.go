package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hyperfleet-run/hyperfleet/internal/apierr"
	"github.com/hyperfleet-run/hyperfleet/internal/guestchannel"
	"github.com/hyperfleet-run/hyperfleet/internal/machine"
	"github.com/hyperfleet-run/hyperfleet/internal/model"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
	maxBodySize      = 1 << 20 // 1 MB
)

type listMachinesResponse struct {
	Machines []*model.Machine `json:"machines"`
	Total    int              `json:"total"`
}

func (s *Server) handleCreateMachine(w http.ResponseWriter, r *http.Request) {
	var spec machine.CreateSpec
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		writeError(w, apierr.New(apierr.Validation, "invalid JSON body"))
		return
	}

	m, err := s.svc.Create(r.Context(), spec)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

func (s *Server) handleListMachines(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)
	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	status := r.URL.Query().Get("status")
	runtimeType := r.URL.Query().Get("runtime_type")

	machines, _, err := s.svc.List(r.Context(), maxListLimit, 0)
	if err != nil {
		writeError(w, err)
		return
	}

	filtered := make([]*model.Machine, 0, len(machines))
	for _, m := range machines {
		if status != "" && m.Status != status {
			continue
		}
		if runtimeType != "" && m.RuntimeType != runtimeType {
			continue
		}
		filtered = append(filtered, m)
	}

	total := len(filtered)
	if offset >= total {
		filtered = []*model.Machine{}
	} else {
		end := offset + limit
		if end > total {
			end = total
		}
		filtered = filtered[offset:end]
	}

	writeJSON(w, http.StatusOK, listMachinesResponse{Machines: filtered, Total: total})
}

func (s *Server) handleGetMachine(w http.ResponseWriter, r *http.Request) {
	m, err := s.svc.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleDeleteMachine(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStartMachine(w http.ResponseWriter, r *http.Request) {
	m, err := s.svc.Start(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleStopMachine(w http.ResponseWriter, r *http.Request) {
	m, err := s.svc.Stop(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleRestartMachine(w http.ResponseWriter, r *http.Request) {
	m, err := s.svc.Restart(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handlePauseMachine(w http.ResponseWriter, r *http.Request) {
	m, err := s.svc.Pause(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleResumeMachine(w http.ResponseWriter, r *http.Request) {
	m, err := s.svc.Resume(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

type execRequest struct {
	Cmd     []string `json:"cmd"`
	Timeout int      `json:"timeout"`
}

type execResponse struct {
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
}

func (s *Server) handleExec(w http.ResponseWriter, r *http.Request) {
	var req execRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apierr.New(apierr.Validation, "invalid JSON body"))
		return
	}
	if len(req.Cmd) == 0 {
		writeError(w, apierr.New(apierr.Validation, "cmd must not be empty"))
		return
	}

	timeout := machineExecDefaultTimeout
	if req.Timeout > 0 {
		timeout = time.Duration(req.Timeout) * time.Second
	}

	stdout, stderr, exitCode, err := s.svc.Exec(r.Context(), chi.URLParam(r, "id"), req.Cmd, timeout)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, execResponse{ExitCode: exitCode, Stdout: stdout, Stderr: stderr})
}

const machineExecDefaultTimeout = 30 * time.Second

type fileUploadRequest struct {
	Path          string `json:"path"`
	ContentBase64 string `json:"content_base64"`
}

func (s *Server) handleFileUpload(w http.ResponseWriter, r *http.Request) {
	var req fileUploadRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apierr.New(apierr.Validation, "invalid JSON body"))
		return
	}
	if req.Path == "" {
		writeError(w, apierr.New(apierr.Validation, "path is required"))
		return
	}

	resp, err := s.svc.FileOp(r.Context(), chi.URLParam(r, "id"), guestchannel.FileUpload, req.Path, req.ContentBase64)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleFileDownload(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		writeError(w, apierr.New(apierr.Validation, "path is required"))
		return
	}

	resp, err := s.svc.FileOp(r.Context(), chi.URLParam(r, "id"), guestchannel.FileDownload, path, "")
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleFileStat(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		writeError(w, apierr.New(apierr.Validation, "path is required"))
		return
	}

	resp, err := s.svc.FileOp(r.Context(), chi.URLParam(r, "id"), guestchannel.FileStat, path, "")
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleFileDelete(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		writeError(w, apierr.New(apierr.Validation, "path is required"))
		return
	}

	resp, err := s.svc.FileOp(r.Context(), chi.URLParam(r, "id"), guestchannel.FileDelete, path, "")
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return defaultVal
	}
	return v
}
