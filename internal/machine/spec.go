// Package machine implements the lifecycle controller: the state machine,
// handler chain composition, and runtime/network/vsock wiring behind the
// create/list/get/delete/start/stop/restart/exec/file operations.
package machine

import (
	"encoding/json"
	"fmt"

	"github.com/hyperfleet-run/hyperfleet/internal/apierr"
	"github.com/hyperfleet-run/hyperfleet/internal/model"
	"github.com/hyperfleet-run/hyperfleet/internal/pathsanitize"
)

// CreateSpec is the client-supplied description of a machine to create.
type CreateSpec struct {
	Name            string              `json:"name"`
	RuntimeType     string              `json:"runtime_type"`
	VCPUCount       int                 `json:"vcpu_count"`
	MemSizeMiB      int                 `json:"mem_size_mib"`
	KernelImagePath string              `json:"kernel_image_path,omitempty"`
	RootfsPath      string              `json:"rootfs_path,omitempty"`
	BootArgs        string              `json:"boot_args,omitempty"`
	Image           string              `json:"image,omitempty"`
	Cmd             []string            `json:"cmd,omitempty"`
	Env             map[string]string   `json:"env,omitempty"`
	ExposedPorts    []int               `json:"exposed_ports,omitempty"`
	Ports           []model.PortMapping `json:"ports,omitempty"`
	Networked       bool                `json:"networked"`
}

// validate enforces §3's per-field invariants and runs host paths through
// the traversal/escape sanitizer.
func (s *CreateSpec) validate() error {
	if s.Name == "" {
		return apierr.New(apierr.Validation, "name is required")
	}
	switch s.RuntimeType {
	case model.RuntimeFirecracker, model.RuntimeCloudHypervisor:
		if s.VCPUCount < 1 {
			return apierr.New(apierr.Validation, "vcpu_count must be >= 1")
		}
		if s.MemSizeMiB < 4 {
			return apierr.New(apierr.Validation, "mem_size_mib must be >= 4")
		}
		if s.KernelImagePath == "" {
			return apierr.New(apierr.Validation, "kernel_image_path is required for hypervisor runtimes")
		}
		if _, err := pathsanitize.Clean(s.KernelImagePath); err != nil {
			return err
		}
		if s.RootfsPath != "" {
			if _, err := pathsanitize.Clean(s.RootfsPath); err != nil {
				return err
			}
		}
	case model.RuntimeDocker:
		if s.Image == "" {
			return apierr.New(apierr.Validation, "image is required for docker runtime")
		}
		for _, p := range s.Ports {
			if p.HostPort < 1 || p.HostPort > 65535 || p.ContainerPort < 1 || p.ContainerPort > 65535 {
				return apierr.New(apierr.Validation, "port mapping values must be in 1..65535")
			}
		}
	default:
		return apierr.New(apierr.Validation, fmt.Sprintf("unknown runtime_type %q", s.RuntimeType))
	}
	return nil
}

// encode marshals the spec as the machine record's config_json, the source
// of truth a respawn would read back.
func (s *CreateSpec) encode() (string, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return "", apierr.Wrap(apierr.Internal, "encode config_json", err)
	}
	return string(b), nil
}

// decodeSpec reverses encode, used when a stored machine must be resolved
// back into the spec that produced it (driver construction, restart).
func decodeSpec(configJSON string) (*CreateSpec, error) {
	var s CreateSpec
	if err := json.Unmarshal([]byte(configJSON), &s); err != nil {
		return nil, apierr.Wrap(apierr.Internal, "decode config_json", err)
	}
	return &s, nil
}

// PortsFor decodes a docker-runtime machine's host<->container port mapping
// from its persisted config_json, for the reverse proxy's path-mode
// container-port-to-host-port translation.
func PortsFor(m *model.Machine) ([]model.PortMapping, error) {
	spec, err := decodeSpec(m.ConfigJSON)
	if err != nil {
		return nil, err
	}
	return spec.Ports, nil
}
