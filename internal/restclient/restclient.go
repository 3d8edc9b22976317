// Package restclient implements the UNIX-socket HTTP/1.1 client base that
// every runtime driver's REST calls go through: a fixed UDS path carries an
// ordinary net/http transport, wrapped end-to-end with the timeout/retry/
// circuit-breaker policy from internal/resilience.
package restclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/hyperfleet-run/hyperfleet/internal/resilience"
)

// Client issues HTTP requests over a UNIX domain socket, following the
// Firecracker/Cloud-Hypervisor convention of a control socket per machine.
type Client struct {
	socketPath string
	httpClient *http.Client
	executor   *resilience.Executor
}

// New builds a Client bound to socketPath. name identifies this client's
// circuit breaker (typically the machine id) for diagnostics.
func New(socketPath, name string) *Client {
	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socketPath)
		},
		// A control socket serves one machine; there's no benefit to a large pool.
		MaxIdleConnsPerHost: 1,
	}

	return &Client{
		socketPath: socketPath,
		httpClient: &http.Client{Transport: transport},
		executor:   resilience.NewExecutor(resilience.DefaultPolicy(name)),
	}
}

// Do issues method against path (e.g. "/boot-source") with body marshaled as
// JSON (nil for no body), retrying through the resilience executor.
// Responses are JSON-decoded into out (nil to discard the body). A non-2xx
// response becomes a *resilience.StatusError carrying the status and raw body.
func (c *Client) Do(ctx context.Context, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		payload = encoded
	}

	return c.executor.Do(ctx, func(ctx context.Context) error {
		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}

		req, err := http.NewRequestWithContext(ctx, method, "http://unix"+path, reader)
		if err != nil {
			return fmt.Errorf("build request: %w", err)
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			// Connection-level failures are retryable; 2xx/4xx responses are not.
			return fmt.Errorf("do request: %w", err)
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read response body: %w", err)
		}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return resilience.StatusErrorFromResponse(resp, string(respBody))
		}

		if out != nil && len(respBody) > 0 {
			if err := json.Unmarshal(respBody, out); err != nil {
				return fmt.Errorf("decode response body: %w", err)
			}
		}
		return nil
	})
}

// Probe issues a single bare GET against path with no retry and no circuit
// breaker involvement: readiness polling during VMM startup is expected to
// fail repeatedly by design (the control socket isn't listening yet) and
// must not trip the same breaker that guards steady-state traffic.
func (c *Client) Probe(ctx context.Context, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://unix"+path, nil)
	if err != nil {
		return fmt.Errorf("build probe request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resilience.StatusErrorFromResponse(resp, "")
	}
	return nil
}

// WaitReady busy-waits for the control socket to answer a readiness probe
// (GET path): attempt every interval, succeed on the first 2xx, give up
// after deadline.
func WaitReady(ctx context.Context, c *Client, path string, interval, deadline time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := c.Probe(ctx, path); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("control socket not ready after %s: %w", deadline, ctx.Err())
		case <-ticker.C:
		}
	}
}
