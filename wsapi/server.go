package wsapi

import (
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/pipedal/pipedal-host/model"
)

// Server upgrades inbound HTTP requests to the control-protocol websocket
// and hands each connection its own Session (spec.md §4.7 C8/C9). It is
// mounted by cmd/pipedald at /api/v1/ws with stdlib net/http — no router
// package is pulled in for one fixed path (see DESIGN.md).
type Server struct {
	Model *model.Model
	Log   zerolog.Logger

	// OnShutdown/OnRestart back the control protocol's shutdown/restart
	// requests (spec.md §9); left nil, those requests fail with a
	// StateError instead of silently doing nothing.
	OnShutdown func()
	OnRestart  func()

	upgrader websocket.Upgrader
}

// NewServer constructs a Server ready to mount. The upgrader accepts any
// Origin: pipedal's control UI is routinely served from a different port
// or host than the device during development, and the control protocol
// carries no cookie/session credential an origin check would protect
// (streamspace's handlers, by contrast, gate on CheckOrigin because their
// websocket sits behind normal browser cookie auth).
func NewServer(m *model.Model, log zerolog.Logger) *Server {
	return &Server{
		Model: m,
		Log:   log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// ServeHTTP implements http.Handler. Grounded on streamspace's
// ServeClientWithOrg: upgrade, construct the per-connection object, run it
// on the calling goroutine until the connection closes.
func (srv *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := srv.upgrader.Upgrade(w, r, nil)
	if err != nil {
		srv.Log.Warn().Err(err).Msg("wsapi: websocket upgrade failed")
		return
	}

	sess := NewSession(conn, srv.Model, srv.Log)
	sess.SetSystemActions(srv.OnShutdown, srv.OnRestart)
	sess.Run()
}
