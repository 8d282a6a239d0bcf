// Package debughttp wires net/http/pprof onto the internal listener. The
// endpoints never appear on the public listener.
package debughttp

import (
	httppprof "net/http/pprof"

	"github.com/gorilla/mux"
)

// Register mounts the pprof handlers on a router subtree. The router's
// prefix is expected to be /debug/pprof.
func Register(r *mux.Router) {
	r.HandleFunc("/cmdline", httppprof.Cmdline)
	r.HandleFunc("/profile", httppprof.Profile)
	r.HandleFunc("/symbol", httppprof.Symbol)
	r.HandleFunc("/trace", httppprof.Trace)
	r.PathPrefix("/").HandlerFunc(httppprof.Index)
}
