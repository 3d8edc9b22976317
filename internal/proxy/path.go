package proxy

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// PathHandler serves path-mode routing: "/proxy/{id}/{rest...}?port=N&...".
// Mount it under "/proxy" on the main API router.
func (p *Proxy) PathHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		rest := chi.URLParam(r, "*")

		m, err := p.src.Get(r.Context(), id)
		if err != nil {
			writeProxyError(w, err)
			return
		}

		port, err := resolvePort(r.URL.Query().Get("port"), m)
		if err != nil {
			writeProxyError(w, err)
			return
		}

		upstream, err := resolveTarget(m, port)
		if err != nil {
			writeProxyError(w, err)
			return
		}

		if rest == "" {
			rest = "/"
		} else if rest[0] != '/' {
			rest = "/" + rest
		}

		forward(w, r, upstream, rest, r.URL.Query())
	}
}
