/******************************************************************************
 *
 *  Description :
 *
 *  Web server initialization and shutdown.
 *
 *****************************************************************************/

package main

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tinode/livesync/server/entity"
	"github.com/tinode/livesync/server/logs"
	"golang.org/x/crypto/acme/autocert"
)

// How long to wait for active connections to finish on shutdown.
const shutdownTimeout = 10 * time.Second

type tlsConfig struct {
	// Flag enabling TLS
	Enabled bool `json:"enabled"`
	// Listen on port 80 and redirect plain HTTP to HTTPS
	RedirectHTTP string `json:"http_redirect"`
	// Enable Strict-Transport-Security by setting max_age > 0
	StrictMaxAge int `json:"strict_max_age"`
	// ACME autocert config, e.g. letsencrypt.org
	Autocert *tlsAutocertConfig `json:"autocert"`
	// If Autocert is not defined, provide file names of static certificate and key
	CertFile string `json:"cert_file"`
	KeyFile  string `json:"key_file"`
}

type tlsAutocertConfig struct {
	// Domains to support by autocert
	Domains []string `json:"domains"`
	// Name of directory where auto-certificates are cached, e.g. /etc/letsencrypt/live/your-domain-here
	CertCache string `json:"cache"`
	// Contact email for letsencrypt
	Email string `json:"email"`
}

func listenAndServe(addr string, handler http.Handler, tlsConf json.RawMessage, stop <-chan bool) error {
	var config tlsConfig

	if len(tlsConf) > 0 {
		if err := json.Unmarshal(tlsConf, &config); err != nil {
			return errors.New("http: failed to parse tls_config: " + err.Error() + "(" + string(tlsConf) + ")")
		}
	}

	shuttingDown := false

	httpdone := make(chan bool)

	server := &http.Server{Addr: addr}
	if config.Enabled {
		if config.StrictMaxAge > 0 {
			globals.tlsStrictMaxAge = strconv.Itoa(config.StrictMaxAge)
		}

		// If port is not specified, use default https port (443),
		// otherwise it will default to 80
		if server.Addr == "" {
			server.Addr = ":https"
		}

		server.TLSConfig = &tls.Config{}
		if config.Autocert != nil {
			certManager := autocert.Manager{
				Prompt:     autocert.AcceptTOS,
				HostPolicy: autocert.HostWhitelist(config.Autocert.Domains...),
				Cache:      autocert.DirCache(config.Autocert.CertCache),
				Email:      config.Autocert.Email,
			}

			server.TLSConfig.GetCertificate = certManager.GetCertificate
			if config.CertFile != "" || config.KeyFile != "" {
				logs.Warn.Printf("HTTP server: using autocert, static cert and key files are ignored")
				config.CertFile = ""
				config.KeyFile = ""
			}
		} else if config.CertFile == "" || config.KeyFile == "" {
			return errors.New("HTTP server: missing certificate or key file names")
		}
	}
	server.Handler = hstsHandler(handler)

	go func() {
		var err error
		if config.Enabled {
			if config.RedirectHTTP != "" {
				logs.Info.Printf("Redirecting connections from HTTP at [%s] to HTTPS at [%s]",
					config.RedirectHTTP, server.Addr)
				go http.ListenAndServe(config.RedirectHTTP, tlsRedirect(addr))
			}

			logs.Info.Printf("Listening for client HTTPS connections on [%s]", server.Addr)
			err = server.ListenAndServeTLS(config.CertFile, config.KeyFile)
		} else {
			logs.Info.Printf("Listening for client HTTP connections on [%s]", server.Addr)
			err = server.ListenAndServe()
		}
		if err != nil {
			if shuttingDown {
				logs.Info.Printf("HTTP server: stopped")
			} else {
				logs.Err.Println("HTTP server: failed", err)
			}
		}
		httpdone <- true
	}()

	// Wait for either a termination signal or an error
loop:
	for {
		select {
		case <-stop:
			// Flip the flag that we are terminating and close the Accept-ing socket, so no new connections are possible
			shuttingDown = true
			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			err := server.Shutdown(ctx)
			cancel()
			if err != nil {
				// failure/timeout shutting down the server gracefully
				return err
			}

			// Wait for http server to stop Accept()-ing connections
			<-httpdone

			shutdownServer()

			break loop

		case <-httpdone:
			break loop
		}
	}
	return nil
}

// Wrapper for http.Handler which optionally adds a Strict-Transport-Security to the response
func hstsHandler(handler http.Handler) http.Handler {
	if globals.tlsStrictMaxAge != "" {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Strict-Transport-Security", "max-age="+globals.tlsStrictMaxAge)
			handler.ServeHTTP(w, r)
		})
	}
	return handler
}

func serve404(wrt http.ResponseWriter, req *http.Request) {
	wrt.Header().Set("Content-Type", "application/json; charset=utf-8")
	wrt.WriteHeader(http.StatusNotFound)
	json.NewEncoder(wrt).Encode(Ack("", entity.ErrNotFoundResp()))
}

// Redirect HTTP requests to HTTPS
func tlsRedirect(toPort string) http.HandlerFunc {
	if toPort == ":443" || toPort == ":https" {
		toPort = ""
	}
	return func(wrt http.ResponseWriter, req *http.Request) {
		target := "https://" + strings.Split(req.Host, ":")[0] + toPort + req.URL.Path
		if req.URL.RawQuery != "" {
			target += "?" + req.URL.RawQuery
		}
		http.Redirect(wrt, req, target, http.StatusTemporaryRedirect)
	}
}

type statusResponse struct {
	Version  string   `json:"version"`
	Build    string   `json:"build,omitempty"`
	Node     string   `json:"node,omitempty"`
	Sessions int      `json:"sessions"`
	Groups   int      `json:"groups"`
	Events   []string `json:"events"`
}

// serveStatus reports the server version, load and the list of routable events.
func serveStatus(wrt http.ResponseWriter, req *http.Request) {
	wrt.Header().Set("Content-Type", "application/json; charset=utf-8")
	json.NewEncoder(wrt).Encode(&statusResponse{
		Version:  currentVersion,
		Build:    buildstamp,
		Node:     globals.nodeName,
		Sessions: globals.sessionStore.Len(),
		Groups:   globals.hub.groups.Len(),
		Events:   globals.hub.dispatcher.Events(),
	})
}
