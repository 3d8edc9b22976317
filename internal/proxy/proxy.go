// Package proxy implements the reverse proxy that exposes guest TCP ports to
// external clients: path-mode routing under /proxy/{id}/... on the control
// listener, and host-mode routing via dynamically opened per-port listeners
// bound to <id>.<suffix> hostnames. Both modes resolve to the same upstream
// address and share the same request-forwarding code.
package proxy

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"

	"github.com/hyperfleet-run/hyperfleet/internal/apierr"
	"github.com/hyperfleet-run/hyperfleet/internal/machine"
	"github.com/hyperfleet-run/hyperfleet/internal/model"
)

// listAllLimit is passed to MachineSource.List when the caller wants every
// record; the store has no dedicated "all" sentinel, so reconciliation asks
// for a limit well above any host's expected machine count.
const listAllLimit = 100000

// MachineSource is the subset of machine.Service the proxy depends on:
// looking up one machine by id, and listing every machine for host-mode
// listener reconciliation.
type MachineSource interface {
	Get(ctx context.Context, id string) (*model.Machine, error)
	List(ctx context.Context, limit, offset int) ([]*model.Machine, int, error)
}

var _ MachineSource = (*machine.Service)(nil)

// Config configures a Proxy.
type Config struct {
	// HostSuffix is the DNS suffix host-mode hostnames are matched against
	// (e.g. "palmframe.com" for "<id>.palmframe.com").
	HostSuffix string
	// ControlPort is the port the main API/path-mode listener runs on; it is
	// excluded from host-mode dynamic listener reconciliation.
	ControlPort int
	Logger      *slog.Logger
}

// Proxy resolves machine ids and ports to upstream addresses and forwards
// HTTP requests to them.
type Proxy struct {
	src     MachineSource
	suffix  string
	ctlPort int
	log     *slog.Logger
}

// New builds a Proxy over src.
func New(src MachineSource, cfg Config) *Proxy {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Proxy{src: src, suffix: cfg.HostSuffix, ctlPort: cfg.ControlPort, log: cfg.Logger}
}

// target is a resolved upstream to forward a request to.
type target struct {
	host string
	port int
}

func (t target) addr() string {
	return t.host + ":" + strconv.Itoa(t.port)
}

// resolveTarget validates m is running and networked/published on port, and
// returns the concrete upstream address to forward to. For docker machines,
// port is a container port translated through the persisted host<->container
// mapping; for hypervisor machines, port is forwarded to the guest directly.
func resolveTarget(m *model.Machine, port int) (target, error) {
	if m.Status != model.StatusRunning {
		return target{}, apierr.New(apierr.Validation, "machine is not running")
	}

	if m.RuntimeType == model.RuntimeDocker {
		ports, err := machine.PortsFor(m)
		if err != nil {
			return target{}, err
		}
		for _, pm := range ports {
			if pm.ContainerPort == port {
				return target{host: "127.0.0.1", port: pm.HostPort}, nil
			}
		}
		return target{}, apierr.New(apierr.Validation, "port is not a published container port")
	}

	if m.Network == nil || m.Network.GuestIP == "" {
		return target{}, apierr.New(apierr.Validation, "machine has no guest ip")
	}
	if len(m.ExposedPorts) > 0 && !m.HasExposedPort(port) {
		return target{}, apierr.New(apierr.Validation, "port is not exposed")
	}
	return target{host: m.Network.GuestIP, port: port}, nil
}

// resolvePort picks the port to forward to: the explicit query/URL value, or
// the machine's sole exposed port when none was given.
func resolvePort(raw string, m *model.Machine) (int, error) {
	if raw == "" {
		if len(m.ExposedPorts) == 1 {
			return m.ExposedPorts[0], nil
		}
		return 0, apierr.New(apierr.Validation, "port is required when a machine exposes more than one")
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 || n > 65535 {
		return 0, apierr.New(apierr.Validation, "invalid port")
	}
	return n, nil
}

// forward builds a one-shot reverse proxy to upstream and serves req/w
// through it, stripping Host and Content-Length per the forwarding contract
// and rewriting the path to restPath with port removed from the query.
func forward(w http.ResponseWriter, r *http.Request, upstream target, restPath string, query url.Values) {
	query = cloneValues(query)
	query.Del("port")

	rp := &httputil.ReverseProxy{
		Director: func(req *http.Request) {
			req.URL.Scheme = "http"
			req.URL.Host = upstream.addr()
			req.URL.Path = restPath
			req.URL.RawQuery = query.Encode()
			req.Host = ""
			req.Header.Del("Content-Length")
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			writeProxyError(w, apierr.Wrap(apierr.Runtime, "upstream request failed", err))
		},
	}
	rp.ServeHTTP(w, r)
}

func cloneValues(v url.Values) url.Values {
	out := make(url.Values, len(v))
	for k, vs := range v {
		cp := make([]string, len(vs))
		copy(cp, vs)
		out[k] = cp
	}
	return out
}

// writeProxyError writes {error, message} with the status mapped from err's tag.
func writeProxyError(w http.ResponseWriter, err error) {
	tag := apierr.TagOf(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(tag.Status())
	w.Write([]byte(`{"error":"` + string(tag) + `","message":"` + jsonEscape(apierr.MessageOf(err)) + `"}`))
}

func jsonEscape(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return s
}
