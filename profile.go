/*
Copyright © 2025 Seednode <seednode@seedno.de>
*/

package main

import (
	"net/http"
	"net/http/pprof"

	"github.com/julienschmidt/httprouter"
)

var profiles = []string{"allocs", "block", "goroutine", "heap", "mutex", "threadcreate"}

// registerProfileHandlers mounts net/http/pprof under <prefix>/debug/pprof.
func registerProfileHandlers(cfg *Config, mux *httprouter.Router) {
	base := cfg.prefix + "/debug/pprof"

	for _, name := range profiles {
		mux.Handler(http.MethodGet, base+"/"+name, traced(cfg, pprof.Handler(name)))
	}

	mux.Handler(http.MethodGet, base+"/cmdline", traced(cfg, http.HandlerFunc(pprof.Cmdline)))
	mux.Handler(http.MethodGet, base+"/profile", traced(cfg, http.HandlerFunc(pprof.Profile)))
	mux.Handler(http.MethodGet, base+"/symbol", traced(cfg, http.HandlerFunc(pprof.Symbol)))
	mux.Handler(http.MethodGet, base+"/trace", traced(cfg, http.HandlerFunc(pprof.Trace)))

	logf(cfg, "START: Profiling endpoints enabled at %s/", base)
}

func traced(cfg *Config, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logf(cfg, "PROFILE: %s requested by %s", r.URL.Path, realIP(r))

		next.ServeHTTP(w, r)
	})
}
