// Debug tooling. Dumps named profile in response to HTTP request at
// 		http(s)://<host-name>/<configured-path>/<profile-name>
// The path itself lists available profiles.

package main

import (
	"fmt"
	"net/http"
	"path"
	"runtime/pprof"
	"strings"

	"github.com/tinode/livesync/server/logs"
)

// Expose debug profiling at the given URL path.
func servePprof(mux *http.ServeMux, serveAt string) {
	if serveAt == "" || serveAt == "-" {
		return
	}

	root := path.Clean("/"+serveAt) + "/"
	mux.HandleFunc(root, func(wrt http.ResponseWriter, req *http.Request) {
		profileHandler(wrt, req, root)
	})

	logs.Info.Printf("pprof: profiling info exposed at '%s'", root)
}

func profileHandler(wrt http.ResponseWriter, req *http.Request, root string) {
	wrt.Header().Set("X-Content-Type-Options", "nosniff")
	wrt.Header().Set("Content-Type", "text/plain; charset=utf-8")

	profileName := strings.TrimPrefix(req.URL.Path, root)
	if profileName == "" {
		for _, p := range pprof.Profiles() {
			fmt.Fprintf(wrt, "%s\t%d\n", p.Name(), p.Count())
		}
		return
	}

	profile := pprof.Lookup(profileName)
	if profile == nil {
		wrt.WriteHeader(http.StatusNotFound)
		fmt.Fprintln(wrt, "Unknown profile '"+profileName+"'")
		return
	}

	// Respond with the requested profile.
	profile.WriteTo(wrt, 2)
}
