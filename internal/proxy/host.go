package proxy

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hyperfleet-run/hyperfleet/internal/apierr"
)

// DefaultReconcileInterval is how often host-mode listeners are reconciled
// against the current set of running hypervisor machines' exposed ports.
const DefaultReconcileInterval = 10 * time.Second

// hostListener is one dynamically managed port listener serving host-mode
// routing for every machine exposing that port.
type hostListener struct {
	port   int
	ln     net.Listener
	server *http.Server
}

// HostListeners owns the dynamic per-port listener set for host-mode
// routing and reconciles it on a timer against live machine state.
type HostListeners struct {
	p        *Proxy
	interval time.Duration

	mu        sync.Mutex
	listeners map[int]*hostListener

	stop chan struct{}
	done chan struct{}
}

// NewHostListeners builds an unstarted listener manager for p.
func NewHostListeners(p *Proxy, interval time.Duration) *HostListeners {
	if interval <= 0 {
		interval = DefaultReconcileInterval
	}
	return &HostListeners{
		p:         p,
		interval:  interval,
		listeners: make(map[int]*hostListener),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start runs the reconciliation loop until Stop is called, reconciling once
// immediately before returning so the first batch of listeners is live.
func (h *HostListeners) Start(ctx context.Context) {
	h.reconcile(ctx)
	go h.loop(ctx)
}

func (h *HostListeners) loop(ctx context.Context) {
	defer close(h.done)
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-h.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.reconcile(ctx)
		}
	}
}

// Stop halts reconciliation and closes every open listener.
func (h *HostListeners) Stop() {
	close(h.stop)
	<-h.done

	h.mu.Lock()
	defer h.mu.Unlock()
	for port, l := range h.listeners {
		l.server.Close()
		delete(h.listeners, port)
	}
}

// reconcile computes the desired port set from every running hypervisor
// machine's exposed ports, starts listeners for new ports, and stops
// listeners no longer desired. Bind failures are logged, not fatal.
func (h *HostListeners) reconcile(ctx context.Context) {
	desired := h.desiredPorts(ctx)

	h.mu.Lock()
	defer h.mu.Unlock()

	for port := range desired {
		if _, ok := h.listeners[port]; ok {
			continue
		}
		l, err := h.startListener(port)
		if err != nil {
			h.p.log.Warn("proxy: failed to bind host-mode listener", "port", port, "error", err)
			continue
		}
		h.listeners[port] = l
	}

	for port, l := range h.listeners {
		if desired[port] {
			continue
		}
		l.server.Close()
		delete(h.listeners, port)
	}
}

func (h *HostListeners) desiredPorts(ctx context.Context) map[int]bool {
	desired := make(map[int]bool)
	machines, _, err := h.p.src.List(ctx, listAllLimit, 0)
	if err != nil {
		h.p.log.Warn("proxy: failed to list machines for reconciliation", "error", err)
		return desired
	}
	for _, m := range machines {
		if m.Status != "running" || m.RuntimeType == "docker" {
			continue
		}
		for _, port := range m.ExposedPorts {
			if port == h.p.ctlPort {
				continue
			}
			desired[port] = true
		}
	}
	return desired
}

func (h *HostListeners) startListener(port int) (*hostListener, error) {
	ln, err := net.Listen("tcp", ":"+strconv.Itoa(port))
	if err != nil {
		return nil, err
	}
	srv := &http.Server{Handler: h.p.hostHandler(port)}
	go srv.Serve(ln)
	return &hostListener{port: port, ln: ln, server: srv}, nil
}

// hostHandler serves host-mode requests for port: it extracts the machine id
// from the "<id>.<suffix>" hostname, validates the port against the
// machine's exposed ports, and forwards to the guest.
func (p *Proxy) hostHandler(port int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := p.machineIDFromHost(r.Host)
		if err != nil {
			writeProxyError(w, err)
			return
		}

		m, err := p.src.Get(r.Context(), id)
		if err != nil {
			writeProxyError(w, err)
			return
		}

		upstream, err := resolveTarget(m, port)
		if err != nil {
			writeProxyError(w, err)
			return
		}

		path := r.URL.Path
		if path == "" {
			path = "/"
		}
		forward(w, r, upstream, path, r.URL.Query())
	}
}

func (p *Proxy) machineIDFromHost(host string) (string, error) {
	h := host
	if i := strings.LastIndex(h, ":"); i >= 0 {
		h = h[:i]
	}
	suffix := "." + p.suffix
	if !strings.HasSuffix(h, suffix) {
		return "", badHostErr(h)
	}
	id := strings.TrimSuffix(h, suffix)
	if id == "" {
		return "", badHostErr(h)
	}
	return id, nil
}

func badHostErr(host string) error {
	return apierr.New(apierr.Validation, fmt.Sprintf("host %q does not match the configured proxy suffix", host))
}
