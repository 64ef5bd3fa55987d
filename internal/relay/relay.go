package relay

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	appconfig "github.com/jugogpt/speech-2-speech-o4-tutor-chatbot/internal/config"
	"github.com/jugogpt/speech-2-speech-o4-tutor-chatbot/internal/realtime"
)

const controlWriteTimeout = 5 * time.Second

// Handler accepts client stream connections and pairs each with one
// credentialed upstream connection. Payloads are forwarded verbatim in both
// directions; the handler never interprets message contents and the
// credential never touches the inbound leg.
type Handler struct {
	logger   *zap.Logger
	upgrader websocket.Upgrader
	config   appconfig.Config

	mu       sync.Mutex
	sessions map[string]*session
}

type session struct {
	id       string
	logger   *zap.Logger
	inbound  *websocket.Conn
	outbound *websocket.Conn

	inboundWriteMu  sync.Mutex
	outboundWriteMu sync.Mutex
	closeOnce       sync.Once
}

// NewHandler executes the newHandler function.
func NewHandler(logger *zap.Logger, cfg appconfig.Config) *Handler {
	return &Handler{
		logger:   logger,
		config:   cfg,
		sessions: make(map[string]*session),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// Handle upgrades one inbound connection and relays it until either leg ends.
func (h *Handler) Handle(w http.ResponseWriter, r *http.Request) {
	inbound, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("relay upgrade failed", zap.Error(err))
		return
	}
	defer inbound.Close()

	sessionID := uuid.NewString()
	logger := h.logger.With(zap.String("session_id", sessionID))

	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+h.config.Upstream.APIKey)
	headers.Set(realtime.ProtocolVersionHeader, realtime.ProtocolVersionValue)

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	outbound, _, err := dialer.DialContext(r.Context(), h.config.Upstream.Endpoint(), headers)
	if err != nil {
		logger.Warn("relay upstream dial failed", zap.Error(err))
		msg := websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "upstream unavailable")
		_ = inbound.WriteControl(websocket.CloseMessage, msg, time.Now().Add(controlWriteTimeout))
		return
	}
	defer outbound.Close()

	sess := &session{
		id:       sessionID,
		logger:   logger,
		inbound:  inbound,
		outbound: outbound,
	}
	h.register(sess)
	defer h.unregister(sessionID)

	sess.forwardPings()
	logger.Info("relay session opened", zap.String("upstream", h.config.Upstream.URL))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		sess.pump(inbound, outbound, &sess.outboundWriteMu, "client")
	}()
	go func() {
		defer wg.Done()
		sess.pump(outbound, inbound, &sess.inboundWriteMu, "upstream")
	}()
	wg.Wait()

	logger.Info("relay session closed")
}

// SessionCount reports the number of live relay sessions.
func (h *Handler) SessionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// pump copies frames from src to dst until src fails, then closes dst with a
// status mirroring the reason. Payload bytes are never inspected or altered.
func (s *session) pump(src, dst *websocket.Conn, dstWriteMu *sync.Mutex, from string) {
	for {
		msgType, data, err := src.ReadMessage()
		if err != nil {
			s.closeBoth(closeMessageFor(err), from, err)
			return
		}
		dstWriteMu.Lock()
		writeErr := dst.WriteMessage(msgType, data)
		dstWriteMu.Unlock()
		if writeErr != nil {
			s.closeBoth(closeMessageFor(writeErr), from, writeErr)
			return
		}
	}
}

// forwardPings passes transport-level ping/pong frames through to the other
// leg instead of answering them locally.
func (s *session) forwardPings() {
	deadline := func() time.Time { return time.Now().Add(controlWriteTimeout) }

	s.inbound.SetPingHandler(func(appData string) error {
		s.outboundWriteMu.Lock()
		defer s.outboundWriteMu.Unlock()
		return s.outbound.WriteControl(websocket.PingMessage, []byte(appData), deadline())
	})
	s.inbound.SetPongHandler(func(appData string) error {
		s.outboundWriteMu.Lock()
		defer s.outboundWriteMu.Unlock()
		return s.outbound.WriteControl(websocket.PongMessage, []byte(appData), deadline())
	})
	s.outbound.SetPingHandler(func(appData string) error {
		s.inboundWriteMu.Lock()
		defer s.inboundWriteMu.Unlock()
		return s.inbound.WriteControl(websocket.PingMessage, []byte(appData), deadline())
	})
	s.outbound.SetPongHandler(func(appData string) error {
		s.inboundWriteMu.Lock()
		defer s.inboundWriteMu.Unlock()
		return s.inbound.WriteControl(websocket.PongMessage, []byte(appData), deadline())
	})
}

func (s *session) closeBoth(closeMsg []byte, from string, cause error) {
	s.closeOnce.Do(func() {
		s.logger.Debug("relay leg ended", zap.String("from", from), zap.Error(cause))
		deadline := time.Now().Add(controlWriteTimeout)

		s.inboundWriteMu.Lock()
		_ = s.inbound.WriteControl(websocket.CloseMessage, closeMsg, deadline)
		s.inboundWriteMu.Unlock()
		s.outboundWriteMu.Lock()
		_ = s.outbound.WriteControl(websocket.CloseMessage, closeMsg, deadline)
		s.outboundWriteMu.Unlock()

		_ = s.inbound.Close()
		_ = s.outbound.Close()
	})
}

// closeMessageFor mirrors a peer's close status; transport faults map to a
// normal-closure-with-reason so the surviving leg sees a clean shutdown.
func closeMessageFor(err error) []byte {
	if ce, ok := err.(*websocket.CloseError); ok {
		code := ce.Code
		if code == websocket.CloseNoStatusReceived || code == websocket.CloseAbnormalClosure {
			code = websocket.CloseNormalClosure
		}
		return websocket.FormatCloseMessage(code, ce.Text)
	}
	return websocket.FormatCloseMessage(websocket.CloseGoingAway, "peer connection lost")
}

func (h *Handler) register(sess *session) {
	h.mu.Lock()
	h.sessions[sess.id] = sess
	h.mu.Unlock()
}

func (h *Handler) unregister(sessionID string) {
	h.mu.Lock()
	delete(h.sessions, sessionID)
	h.mu.Unlock()
}
