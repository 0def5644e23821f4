package proxy

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const dialTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Endpoints resolves a session id to the CDP websocket URL of its engine.
type Endpoints interface {
	DebugURL(id string) (string, error)
}

// Server bridges a client websocket to a session's CDP endpoint
type Server struct {
	endpoints Endpoints
	dialer    *websocket.Dialer
	logger    *zap.Logger
}

func NewServer(endpoints Endpoints, logger *zap.Logger) *Server {
	return &Server{
		endpoints: endpoints,
		dialer:    websocket.DefaultDialer,
		logger:    logger.Named("proxy"),
	}
}

// HandleDebugConnection upgrades the request and relays frames both ways
// until either side closes.
func (s *Server) HandleDebugConnection(w http.ResponseWriter, r *http.Request, sessionID string) {
	engineURL, err := s.endpoints.DebugURL(sessionID)
	if err != nil {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}
	log := s.logger.With(zap.String("session_id", sessionID))

	// Dial the engine first so a dead engine is reported as a plain HTTP error.
	ctx, cancel := context.WithTimeout(r.Context(), dialTimeout)
	defer cancel()

	engineConn, _, err := s.dialer.DialContext(ctx, engineURL, nil)
	if err != nil {
		log.Warn("Failed to connect to engine", zap.String("url", engineURL), zap.Error(err))
		http.Error(w, "Engine unavailable", http.StatusBadGateway)
		return
	}
	defer engineConn.Close()

	clientConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("Failed to upgrade connection", zap.Error(err))
		return
	}
	defer clientConn.Close()

	log.Info("Debug client connected")

	errChan := make(chan error, 2)
	go func() {
		errChan <- relay(clientConn, engineConn)
	}()
	go func() {
		errChan <- relay(engineConn, clientConn)
	}()

	// Wait for either direction to close; the deferred closes end the other.
	err = <-errChan
	if err != nil && websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) &&
		!errors.Is(err, websocket.ErrCloseSent) {
		log.Warn("Debug relay ended", zap.Error(err))
	}

	log.Info("Debug client disconnected")
}

func relay(src, dst *websocket.Conn) error {
	for {
		messageType, message, err := src.ReadMessage()
		if err != nil {
			if ce, ok := err.(*websocket.CloseError); ok {
				_ = dst.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(ce.Code, ce.Text), time.Now().Add(time.Second))
			}
			return err
		}

		if err := dst.WriteMessage(messageType, message); err != nil {
			return err
		}
	}
}
