// Command hyperfleet-guestagent runs inside the microVM and serves the
// host's exec/file requests over the vsock channel opened by the machine
// lifecycle controller on the host side.
//
// Build with: CGO_ENABLED=0 GOOS=linux GOARCH=amd64 go build -o hyperfleet-guestagent ./cmd/hyperfleet-guestagent
package main

import (
	"log"
	"log/slog"
	"os"

	"github.com/mdlayher/vsock"

	"github.com/hyperfleet-run/hyperfleet/internal/guestagent"
)

// guestVsockPort is the fixed port the guest agent listens on inside every
// microVM, matching the host-side driver's connection target.
const guestVsockPort = 1024

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	guestagent.SetupInit(logger)

	l, err := vsock.Listen(guestVsockPort, nil)
	if err != nil {
		log.Fatalf("vsock listen on port %d: %v", guestVsockPort, err)
	}
	defer l.Close()

	logger.Info("hyperfleet-guestagent listening", "vsock_port", guestVsockPort)

	agent := guestagent.New(l, guestagent.Config{Logger: logger})
	if err := agent.Serve(); err != nil {
		log.Fatalf("serve: %v", err)
	}
}
