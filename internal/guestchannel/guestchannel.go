// Package guestchannel implements the host side of the vsock exec/file
// protocol: a UDS handshake against the hypervisor's vsock mux followed by a
// single newline-delimited JSON request/response exchange.
package guestchannel

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/hyperfleet-run/hyperfleet/internal/apierr"
)

// Default end-to-end timeouts for exec and file operations over the channel.
const (
	DefaultExecTimeout = 30 * time.Second
	DefaultFileTimeout = 60 * time.Second
)

// ExecRequest is the frame sent for a command execution.
type ExecRequest struct {
	Cmd     []string `json:"cmd"`
	Timeout int      `json:"timeout"`
}

// ExecResponse is the frame returned for a command execution.
type ExecResponse struct {
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
}

// FileOperation names the supported file envelope operations.
type FileOperation string

const (
	FileUpload   FileOperation = "upload"
	FileDownload FileOperation = "download"
	FileStat     FileOperation = "stat"
	FileDelete   FileOperation = "delete"
)

// FileRequest is the frame sent for a file operation. Content is base64 for
// uploads and omitted otherwise.
type FileRequest struct {
	Operation FileOperation `json:"operation"`
	Path      string        `json:"path"`
	Content   string        `json:"content,omitempty"`
}

// FileResponse is the frame returned for a file operation.
type FileResponse struct {
	Success bool            `json:"success"`
	Error   string          `json:"error,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Dial opens a UDS connection to the hypervisor's vsock mux at udsPath,
// performs the "CONNECT <port>\n" handshake, and returns a connection
// positioned to exchange exactly one JSON request/response pair.
//
// Implementers must keep the pre-handshake and post-handshake read
// disciplines separate: attempting to parse JSON before observing "OK " is
// a recurring bug class in vsock client code.
func Dial(ctx context.Context, udsPath string, guestPort uint32) (net.Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", udsPath)
	if err != nil {
		return nil, apierr.Wrap(apierr.Vsock, "dial vsock mux", err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	if _, err := fmt.Fprintf(conn, "CONNECT %d\n", guestPort); err != nil {
		conn.Close()
		return nil, apierr.Wrap(apierr.Vsock, "write CONNECT line", err)
	}

	reader := bufio.NewReader(conn)
	line, err := reader.ReadString('\n')
	if err != nil {
		conn.Close()
		return nil, apierr.Wrap(apierr.Vsock, "read CONNECT response", err)
	}

	if !strings.HasPrefix(line, "OK ") {
		conn.Close()
		return nil, apierr.New(apierr.Vsock, "vsock handshake rejected: "+strings.TrimSpace(line))
	}

	return &handshakenConn{Conn: conn, reader: reader}, nil
}

// handshakenConn wraps a net.Conn whose first bytes may already have been
// buffered past the handshake line, so later reads must go through the same
// bufio.Reader rather than conn.Read directly.
type handshakenConn struct {
	net.Conn
	reader *bufio.Reader
}

func (h *handshakenConn) Read(p []byte) (int, error) {
	return h.reader.Read(p)
}

// ExecRemote performs one exec request/response round trip over conn
// (obtained from Dial), closing conn on return per the protocol's one-shot
// connection semantics.
func ExecRemote(ctx context.Context, conn net.Conn, req ExecRequest) (*ExecResponse, error) {
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	if err := WriteFrame(conn, req); err != nil {
		return nil, apierr.Wrap(apierr.Vsock, "write exec request frame", err)
	}

	var resp ExecResponse
	if err := ReadFrame(conn, &resp); err != nil {
		return nil, apierr.Wrap(apierr.Vsock, "read exec response frame", err)
	}
	return &resp, nil
}

// FileRemote performs one file-operation request/response round trip over
// conn, closing conn on return.
func FileRemote(ctx context.Context, conn net.Conn, req FileRequest) (*FileResponse, error) {
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	if err := WriteFrame(conn, req); err != nil {
		return nil, apierr.Wrap(apierr.Vsock, "write file request frame", err)
	}

	var resp FileResponse
	if err := ReadFrame(conn, &resp); err != nil {
		return nil, apierr.Wrap(apierr.Vsock, "read file response frame", err)
	}
	return &resp, nil
}

// WriteFrame marshals v as JSON and writes exactly one newline-terminated
// line. Shared by the host-side client and the guest-side agent, since both
// ends of the channel speak the identical framing.
func WriteFrame(w interface{ Write([]byte) (int, error) }, v any) error {
	encoded, err := json.Marshal(v)
	if err != nil {
		return err
	}
	encoded = append(encoded, '\n')
	_, err = w.Write(encoded)
	return err
}

// ReadFrame reads lines from r until a complete JSON object has been
// accumulated and unmarshals it into v: read lines until the first complete
// JSON object is obtained. Shared by both channel ends.
func ReadFrame(r net.Conn, v any) error {
	reader := bufio.NewReader(r)
	var buf strings.Builder

	for {
		line, err := reader.ReadString('\n')
		buf.WriteString(line)
		if err == nil {
			if json.Valid([]byte(strings.TrimSpace(buf.String()))) {
				return json.Unmarshal([]byte(strings.TrimSpace(buf.String())), v)
			}
			continue
		}
		// EOF with a trailing partial line: try what we have.
		if buf.Len() > 0 && json.Valid([]byte(strings.TrimSpace(buf.String()))) {
			return json.Unmarshal([]byte(strings.TrimSpace(buf.String())), v)
		}
		return err
	}
}
