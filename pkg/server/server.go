// Package server wires together the HTTP server, the explicit Jellyfin
// route table, and the generic forwarding handler.
package server

import (
	"encoding/json"
	"net"
	"net/http"

	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"
	"github.com/sirupsen/logrus"

	"jellyswarrm/pkg/proxy"
)

// Server is the proxy's HTTP front.
type Server struct {
	app    *proxy.App
	router *httprouter.Router
	log    logrus.FieldLogger
}

// handlerFunc is an explicit route handler. A non-nil result is
// serialized as JSON; handlers that already wrote the response return
// (nil, nil).
type handlerFunc func(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error)

// New creates a Server routing the explicit Jellyfin surface to app's
// handlers and everything else to the generic forward.
func New(app *proxy.App, log logrus.FieldLogger) *Server {
	s := &Server{
		app:    app,
		router: httprouter.New(),
		log:    log,
	}

	s.router.POST("/Users/AuthenticateByName", s.makeHandler(app.HandleAuthenticateByName))
	s.router.POST("/Sessions/Logout", s.makeHandler(app.HandleLogout))

	s.router.GET("/System/Info", s.makeHandler(app.HandleSystemInfo))
	s.router.GET("/System/Info/Public", s.makeHandler(app.HandleSystemInfoPublic))
	s.router.GET("/Branding/Configuration", s.makeHandler(app.HandleBranding))

	s.router.POST("/Items/:id/PlaybackInfo", s.makeHandler(app.HandlePlaybackInfo))
	s.router.POST("/LiveStreams/Open", s.makeHandler(app.HandleLiveStreamOpen))

	s.router.POST("/Sessions/Playing", s.makeHandler(app.HandlePlaying))
	s.router.POST("/Sessions/Playing/Progress", s.makeHandler(app.HandlePlayingProgress))
	s.router.POST("/Sessions/Playing/Stopped", s.makeHandler(app.HandlePlayingStopped))

	// Everything else is a generic forward through the rewrite
	// pipeline. Method mismatches fall through as well: the explicit
	// table only covers the verbs above.
	s.router.HandleMethodNotAllowed = false
	s.router.NotFound = app

	return s
}

// makeHandler adapts a handlerFunc: errors map to their HTTP status,
// results are emitted as JSON.
func (s *Server) makeHandler(handler handlerFunc) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		result, err := handler(w, r, p)
		if err != nil {
			if trace.IsAccessDenied(err) {
				s.log.WithError(err).WithField("path", r.URL.Path).Warn("Request denied.")
			} else {
				s.log.WithError(err).WithField("path", r.URL.Path).Debug("Request failed.")
			}
			proxy.WriteError(w, err)
			return
		}
		if result == nil {
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(result); err != nil {
			s.log.WithError(err).Warn("Failed to encode response.")
		}
	}
}

// Run starts the server on the given address. TLS is used when both
// cert and key paths are set.
func (s *Server) Run(addr, tlsCert, tlsKey string) error {
	s.log.WithField("addr", addr).Info("Jellyswarrm listening.")
	if tlsCert != "" && tlsKey != "" {
		return http.ListenAndServeTLS(addr, tlsCert, tlsKey, s.router)
	}
	return http.ListenAndServe(addr, s.router)
}

// RunWithListener starts the server using the provided listener.
func (s *Server) RunWithListener(l net.Listener) error {
	s.log.WithField("addr", l.Addr().String()).Info("Jellyswarrm listening.")
	return http.Serve(l, s.router)
}

// Handler returns the underlying http.Handler for testing.
func (s *Server) Handler() http.Handler {
	return s.router
}
