// Package cloudhypervisor drives a Cloud-Hypervisor-class microVM, the
// richer-device-model counterpart to the firecracker package: a single
// /vm.create call carries the full machine description, followed by
// /vm.boot, with /vm.pause, /vm.resume, and /vm.shutdown matching the
// Firecracker driver's shape closely enough that both satisfy
// runtimedriver.Driver uniformly.
package cloudhypervisor

import "os"

const envBin = "HYPERFLEET_CH_BIN"

// DefaultReadyIntervalMS/DefaultReadyDeadlineS mirror the firecracker package's
// busy-wait bounds.
const (
	DefaultReadyIntervalMS = 75
	DefaultReadyDeadlineS  = 10
)

// Config holds configuration for the Cloud-Hypervisor driver.
type Config struct {
	CloudHypervisorBin string
	ReadyIntervalMS    int
	ReadyDeadlineS     int
}

// LoadConfig reads Cloud-Hypervisor driver configuration from the environment.
func LoadConfig() Config {
	cfg := Config{
		CloudHypervisorBin: "cloud-hypervisor",
		ReadyIntervalMS:    DefaultReadyIntervalMS,
		ReadyDeadlineS:     DefaultReadyDeadlineS,
	}
	if v := os.Getenv(envBin); v != "" {
		cfg.CloudHypervisorBin = v
	}
	return cfg
}
