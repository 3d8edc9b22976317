// Package guestagent implements the guest side of the vsock exec/file
// channel: it listens on an AF_VSOCK port inside the microVM, accepts the
// host's one-shot connections, and serves the request frame C10 writes.
//
// A request is told apart by shape rather than an explicit type tag, since
// neither request body the host sends carries one: an exec request has a
// "cmd" array, a file request has an "operation" string.
package guestagent

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os/exec"
	"time"

	"github.com/hyperfleet-run/hyperfleet/internal/guestchannel"
)

// DefaultFileMaxBytes bounds the size of file content accepted over the
// channel, matching the host-side service's default ceiling.
const DefaultFileMaxBytes = 100 * 1024 * 1024

// Agent serves exec and file requests arriving over a vsock listener.
type Agent struct {
	listener     net.Listener
	log          *slog.Logger
	fileMaxBytes int64
}

// Config bundles the agent's optional settings.
type Config struct {
	Logger       *slog.Logger
	FileMaxBytes int64
}

// New builds an Agent serving l, which the caller is expected to have
// opened via vsock.Listen on the fixed guest port.
func New(l net.Listener, cfg Config) *Agent {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.FileMaxBytes == 0 {
		cfg.FileMaxBytes = DefaultFileMaxBytes
	}
	return &Agent{listener: l, log: cfg.Logger, fileMaxBytes: cfg.FileMaxBytes}
}

// Serve accepts connections until the listener is closed or Accept returns
// an unrecoverable error.
func (a *Agent) Serve() error {
	for {
		conn, err := a.listener.Accept()
		if err != nil {
			return fmt.Errorf("accept: %w", err)
		}
		go a.handleConn(conn)
	}
}

// handleConn reads exactly one request frame from conn, dispatches it, and
// writes exactly one response frame back, per the channel's one-shot
// connection contract.
func (a *Agent) handleConn(conn net.Conn) {
	defer conn.Close()

	var raw json.RawMessage
	if err := guestchannel.ReadFrame(conn, &raw); err != nil {
		a.log.Warn("read request frame", "error", err)
		return
	}

	var shape struct {
		Cmd       []string `json:"cmd"`
		Operation string   `json:"operation"`
	}
	if err := json.Unmarshal(raw, &shape); err != nil {
		writeErrorResponse(a.log, conn, "malformed request frame")
		return
	}

	switch {
	case shape.Operation != "":
		a.handleFile(conn, raw)
	case shape.Cmd != nil:
		a.handleExec(conn, raw)
	default:
		writeErrorResponse(a.log, conn, "request frame matches neither exec nor file shape")
	}
}

func (a *Agent) handleExec(conn net.Conn, raw json.RawMessage) {
	var req guestchannel.ExecRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		writeErrorResponse(a.log, conn, "malformed exec request")
		return
	}

	timeout := time.Duration(req.Timeout) * time.Second
	if timeout <= 0 {
		timeout = guestchannel.DefaultExecTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	resp := runExec(ctx, req, timeout)
	if err := guestchannel.WriteFrame(conn, resp); err != nil {
		a.log.Warn("write exec response frame", "error", err)
	}
}

func runExec(ctx context.Context, req guestchannel.ExecRequest, timeout time.Duration) guestchannel.ExecResponse {
	if len(req.Cmd) == 0 {
		return guestchannel.ExecResponse{ExitCode: 1, Stderr: "cmd is empty"}
	}

	cmd := exec.CommandContext(ctx, req.Cmd[0], req.Cmd[1:]...)
	stdout, err1 := cmd.StdoutPipe()
	stderr, err2 := cmd.StderrPipe()
	if err1 != nil || err2 != nil {
		return guestchannel.ExecResponse{ExitCode: 1, Stderr: "failed to attach output pipes"}
	}

	if err := cmd.Start(); err != nil {
		return guestchannel.ExecResponse{ExitCode: 1, Stderr: fmt.Sprintf("start command: %v", err)}
	}

	outBytes := readAllBounded(stdout)
	errBytes := readAllBounded(stderr)
	waitErr := cmd.Wait()

	exitCode := 0
	if waitErr != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return guestchannel.ExecResponse{
				ExitCode: -1,
				Stdout:   string(outBytes),
				Stderr:   fmt.Sprintf("timeout after %s", timeout),
			}
		}
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = 1
		}
	}

	return guestchannel.ExecResponse{ExitCode: exitCode, Stdout: string(outBytes), Stderr: string(errBytes)}
}

func writeErrorResponse(log *slog.Logger, conn net.Conn, msg string) {
	resp := guestchannel.FileResponse{Success: false, Error: msg}
	if err := guestchannel.WriteFrame(conn, resp); err != nil {
		log.Warn("write error response frame", "error", err)
	}
}

// execOutputCap bounds how much stdout/stderr an exec call accumulates in
// memory; beyond this the remainder is silently dropped rather than risking
// an unbounded guest-side buffer for a runaway command.
const execOutputCap = 10 * 1024 * 1024

func readAllBounded(r io.Reader) []byte {
	b, _ := io.ReadAll(io.LimitReader(r, execOutputCap))
	return b
}
