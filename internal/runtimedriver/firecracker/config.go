// Package firecracker drives a Firecracker-class microVM through its
// UNIX-socket REST API, re-implemented directly against the documented
// endpoints rather than through firecracker-go-sdk so that every call
// passes through internal/restclient's retry/circuit-breaker wrapping.
package firecracker

import (
	"os"
	"strconv"
)

// Environment variable names for Firecracker driver configuration.
const (
	envBin           = "HYPERFLEET_FC_BIN"
	envJailer        = "HYPERFLEET_FC_JAILER"
	envReadyInterval = "HYPERFLEET_FC_READY_INTERVAL_MS"
	envReadyDeadline = "HYPERFLEET_FC_READY_DEADLINE_S"
)

// Default readiness busy-wait bounds: poll every 75ms for up to 10s.
const (
	DefaultReadyInterval = 75
	DefaultReadyDeadline = 10
)

// DefaultVsockPort is the port the guest agent listens on inside the microVM.
const DefaultVsockPort uint32 = 1024

// MinCID is the minimum context ID for vsock; CIDs 0-2 are reserved.
const MinCID uint32 = 3

// Config holds configuration for the Firecracker driver.
type Config struct {
	// FirecrackerBin is the path to the firecracker binary.
	FirecrackerBin string
	// JailerEnabled controls whether the firecracker jailer wraps the binary.
	JailerEnabled bool
	// ReadyIntervalMS is the busy-wait poll interval while waiting for the
	// control socket.
	ReadyIntervalMS int
	// ReadyDeadlineS bounds the total readiness busy-wait.
	ReadyDeadlineS int
}

// LoadConfig reads Firecracker driver configuration from environment
// variables, applying sensible defaults for values not set.
func LoadConfig() Config {
	cfg := Config{
		FirecrackerBin:  "firecracker",
		ReadyIntervalMS: DefaultReadyInterval,
		ReadyDeadlineS:  DefaultReadyDeadline,
	}

	if v := os.Getenv(envBin); v != "" {
		cfg.FirecrackerBin = v
	}
	if v := os.Getenv(envJailer); v == "1" || v == "true" {
		cfg.JailerEnabled = true
	}
	if v := os.Getenv(envReadyInterval); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.ReadyIntervalMS = n
		}
	}
	if v := os.Getenv(envReadyDeadline); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.ReadyDeadlineS = n
		}
	}

	return cfg
}
