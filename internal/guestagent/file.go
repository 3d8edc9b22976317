package guestagent

import (
	"encoding/base64"
	"encoding/json"
	"net"
	"os"

	"github.com/hyperfleet-run/hyperfleet/internal/guestchannel"
	"github.com/hyperfleet-run/hyperfleet/internal/pathsanitize"
)

func (a *Agent) handleFile(conn net.Conn, raw json.RawMessage) {
	var req guestchannel.FileRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		writeErrorResponse(a.log, conn, "malformed file request")
		return
	}

	resp := a.runFileOp(req)
	if err := guestchannel.WriteFrame(conn, resp); err != nil {
		a.log.Warn("write file response frame", "error", err)
	}
}

func (a *Agent) runFileOp(req guestchannel.FileRequest) guestchannel.FileResponse {
	path, err := pathsanitize.Clean(req.Path)
	if err != nil {
		return guestchannel.FileResponse{Success: false, Error: err.Error()}
	}

	switch req.Operation {
	case guestchannel.FileUpload:
		return a.upload(path, req.Content)
	case guestchannel.FileDownload:
		return a.download(path)
	case guestchannel.FileStat:
		return a.stat(path)
	case guestchannel.FileDelete:
		return a.delete(path)
	default:
		return guestchannel.FileResponse{Success: false, Error: "unknown file operation " + string(req.Operation)}
	}
}

func (a *Agent) upload(path, contentB64 string) guestchannel.FileResponse {
	if int64(len(contentB64)) > a.fileMaxBytes {
		return guestchannel.FileResponse{Success: false, Error: "content exceeds size ceiling"}
	}
	data, err := base64.StdEncoding.DecodeString(contentB64)
	if err != nil {
		return guestchannel.FileResponse{Success: false, Error: "invalid base64 content"}
	}
	if int64(len(data)) > a.fileMaxBytes {
		return guestchannel.FileResponse{Success: false, Error: "decoded content exceeds size ceiling"}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return guestchannel.FileResponse{Success: false, Error: err.Error()}
	}
	return guestchannel.FileResponse{Success: true}
}

func (a *Agent) download(path string) guestchannel.FileResponse {
	info, err := os.Stat(path)
	if err != nil {
		return guestchannel.FileResponse{Success: false, Error: err.Error()}
	}
	if info.Size() > a.fileMaxBytes {
		return guestchannel.FileResponse{Success: false, Error: "file exceeds size ceiling"}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return guestchannel.FileResponse{Success: false, Error: err.Error()}
	}
	encoded, err := json.Marshal(downloadPayload{Content: base64.StdEncoding.EncodeToString(data)})
	if err != nil {
		return guestchannel.FileResponse{Success: false, Error: err.Error()}
	}
	return guestchannel.FileResponse{Success: true, Data: encoded}
}

type downloadPayload struct {
	Content string `json:"content"`
}

type statPayload struct {
	SizeBytes int64  `json:"size_bytes"`
	IsDir     bool   `json:"is_dir"`
	ModeBits  uint32 `json:"mode_bits"`
}

func (a *Agent) stat(path string) guestchannel.FileResponse {
	info, err := os.Stat(path)
	if err != nil {
		return guestchannel.FileResponse{Success: false, Error: err.Error()}
	}
	encoded, err := json.Marshal(statPayload{
		SizeBytes: info.Size(),
		IsDir:     info.IsDir(),
		ModeBits:  uint32(info.Mode().Perm()),
	})
	if err != nil {
		return guestchannel.FileResponse{Success: false, Error: err.Error()}
	}
	return guestchannel.FileResponse{Success: true, Data: encoded}
}

func (a *Agent) delete(path string) guestchannel.FileResponse {
	if err := os.Remove(path); err != nil {
		return guestchannel.FileResponse{Success: false, Error: err.Error()}
	}
	return guestchannel.FileResponse{Success: true}
}
