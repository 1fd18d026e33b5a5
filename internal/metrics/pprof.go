package metrics

import (
	"net/http"
	hpprof "net/http/pprof"
	"strings"
)

const pprofPrefix = "/debug/pprof/"

// mountPprof registers the pprof handlers under prefix. The index handler
// serves named profiles (heap, goroutine, block, mutex, ...) by path suffix.
func mountPprof(mux *http.ServeMux, prefix string) {
	prefix = "/" + strings.Trim(prefix, "/") + "/"
	mux.HandleFunc(prefix, func(w http.ResponseWriter, r *http.Request) {
		// pprof.Index expects the stdlib /debug/pprof/ layout.
		name := strings.TrimPrefix(r.URL.Path, prefix)
		if name == "" {
			hpprof.Index(w, r)
			return
		}
		hpprof.Handler(name).ServeHTTP(w, r)
	})
	mux.HandleFunc(prefix+"cmdline", hpprof.Cmdline)
	mux.HandleFunc(prefix+"profile", hpprof.Profile)
	mux.HandleFunc(prefix+"symbol", hpprof.Symbol)
	mux.HandleFunc(prefix+"trace", hpprof.Trace)
}
