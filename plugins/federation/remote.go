// ABOUTME: Serves a remote entry and its bridged sources over HTTP.
// ABOUTME: Lets the host publish the plugins compiled into it in the same format it loads.

package federation

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/2389/plughost/internal/errors"
	"github.com/2389/plughost/plugins/core"
)

// EntryFile is the file name remote entries are published under.
const EntryFile = "remoteEntry.json"

// Exposed describes one module of a remote entry.
type Exposed struct {
	Type    core.PluginType `json:"type"`
	Factory string          `json:"factory,omitempty"`
	Source  string          `json:"source,omitempty"`
}

// Remote is a remote entry plus the bridged source files it references.
type Remote struct {
	Name    string             `json:"name"`
	Exposes map[string]Exposed `json:"exposes"`
	Sources map[string]string  `json:"-"`
}

// Handler serves GET /remoteEntry.json and GET /{file} for each source.
func (rm Remote) Handler() http.Handler {
	r := chi.NewRouter()
	r.NotFound(apierrors.NotFoundHandler)
	r.MethodNotAllowed(apierrors.MethodNotAllowedHandler)

	r.Get("/"+EntryFile, func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(rm)
	})

	r.Get("/{file}", func(w http.ResponseWriter, req *http.Request) {
		src, ok := rm.Sources[chi.URLParam(req, "file")]
		if !ok {
			apierrors.NotFoundHandler(w, req)
			return
		}
		w.Header().Set("Content-Type", "text/x-lua; charset=utf-8")
		w.Write([]byte(src))
	})

	return r
}
