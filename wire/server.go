package wire

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"golang.org/x/time/rate"

	"github.com/workmesh/escrow/stream"
)

// DefaultRateLimit is the per-connection request rate applied when no
// explicit limit is configured.
const DefaultRateLimit rate.Limit = 100

// DefaultRateBurst is the default per-connection burst size.
const DefaultRateBurst = 200

// Server handles WebSocket, SSE, and HTTP RPC connections. It
// integrates with the marketplace via the method handler and streams
// bus events to subscribers through the broker.
type Server struct {
	broker       *stream.Broker
	handler      *Handler
	auth         Authenticator
	defaultCodec Codec
	conns        *ConnectionManager
	logger       *slog.Logger
	basePath     string
	rateLimit    rate.Limit
	rateBurst    int
}

// Option configures a Server.
type Option func(*Server)

// WithAuth sets the authenticator. If not set, NoopAuthenticator is
// used (development mode).
func WithAuth(auth Authenticator) Option {
	return func(s *Server) { s.auth = auth }
}

// WithCodec sets the default codec. Clients can override via the auth
// frame's format field.
func WithCodec(codec Codec) Option {
	return func(s *Server) { s.defaultCodec = codec }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithPath sets the base path for wire endpoints. Default is "/wire".
func WithPath(path string) Option {
	return func(s *Server) { s.basePath = path }
}

// WithRateLimit sets the per-connection request rate limit and burst.
// A zero limit disables rate limiting.
func WithRateLimit(limit rate.Limit, burst int) Option {
	return func(s *Server) {
		s.rateLimit = limit
		s.rateBurst = burst
	}
}

// NewServer creates a new wire server.
func NewServer(broker *stream.Broker, handler *Handler, opts ...Option) *Server {
	s := &Server{
		broker:       broker,
		handler:      handler,
		defaultCodec: &JSONCodec{},
		conns:        NewConnectionManager(),
		logger:       slog.Default(),
		basePath:     "/wire",
		rateLimit:    DefaultRateLimit,
		rateBurst:    DefaultRateBurst,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.auth == nil {
		s.auth = &NoopAuthenticator{}
	}
	return s
}

// Broker returns the underlying stream broker.
func (s *Server) Broker() *stream.Broker { return s.broker }

// Connections returns the connection manager.
func (s *Server) Connections() *ConnectionManager { return s.conns }

// HTTPHandler returns an http.Handler serving the wire endpoints:
// WebSocket at the base path, SSE at <base>/sse, and one-shot RPC at
// <base>/rpc.
func (s *Server) HTTPHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.basePath, s.handleWebSocket)
	mux.HandleFunc(s.basePath+"/sse", s.handleSSE)
	mux.HandleFunc(s.basePath+"/rpc", s.handleHTTPRPC)
	return mux
}

func (s *Server) newLimiter() *rate.Limiter {
	if s.rateLimit <= 0 {
		return nil
	}
	return rate.NewLimiter(s.rateLimit, s.rateBurst)
}

// handleWebSocket is the main WebSocket connection handler.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close()

	if serveErr := s.serveWebSocket(r, conn); serveErr != nil {
		s.logger.Warn("websocket session ended", slog.String("error", serveErr.Error()))
	}
}

func (s *Server) serveWebSocket(r *http.Request, conn net.Conn) error {
	connID := "ws-" + generateFrameID()
	s.logger.Info("wire WebSocket connected", slog.String("conn_id", connID))

	// Wait for auth frame.
	authData, _, readErr := wsutil.ReadClientData(conn)
	if readErr != nil {
		return fmt.Errorf("wire: read auth frame: %w", readErr)
	}

	// Auth frames are always JSON (before codec negotiation).
	var authFrame Frame
	if err := json.Unmarshal(authData, &authFrame); err != nil {
		//nolint:errcheck // best-effort error response before disconnect
		s.writeServerJSON(conn, NewErrorFrame("", ErrCodeBadRequest, "invalid auth frame"))
		return fmt.Errorf("wire: unmarshal auth frame: %w", err)
	}

	if authFrame.Method != MethodAuth {
		//nolint:errcheck // best-effort error response before disconnect
		s.writeServerJSON(conn, NewErrorFrame(authFrame.ID, ErrCodeBadRequest, "first frame must be auth"))
		return fmt.Errorf("wire: expected auth frame, got %q", authFrame.Method)
	}

	// Parse auth request.
	var authReq AuthRequest
	if len(authFrame.Data) > 0 {
		if err := json.Unmarshal(authFrame.Data, &authReq); err != nil {
			//nolint:errcheck // best-effort error response before disconnect
			s.writeServerJSON(conn, NewErrorFrame(authFrame.ID, ErrCodeBadRequest, "invalid auth data"))
			return err
		}
	}

	// Authenticate.
	token := authReq.Token
	if token == "" {
		token = authFrame.Token
	}
	identity, authErr := s.auth.Authenticate(r.Context(), token)
	if authErr != nil {
		//nolint:errcheck // best-effort error response before disconnect
		s.writeServerJSON(conn, NewErrorFrame(authFrame.ID, ErrCodeUnauthorized, "authentication failed"))
		return fmt.Errorf("wire: auth failed: %w", authErr)
	}

	// Negotiate codec.
	codec := s.defaultCodec
	if authReq.Format != "" {
		codec = GetCodec(authReq.Format)
	}

	// Create connection state.
	wconn := NewConnection(connID, identity, codec, s.newLimiter())
	s.conns.Add(wconn)
	defer func() {
		s.broker.RemoveSubscriber(connID)
		s.conns.Remove(connID)
		s.logger.Info("wire WebSocket disconnected", slog.String("conn_id", connID))
	}()

	// Send auth response.
	resp, respErr := NewResponseFrame(authFrame.ID, AuthResponse{
		Format:    codec.Name(),
		SessionID: connID,
		Account:   identity.Account.String(),
	})
	if respErr != nil {
		return fmt.Errorf("wire: marshal auth response: %w", respErr)
	}
	if err := s.writeFrame(conn, codec, resp); err != nil {
		return err
	}

	s.logger.Info("wire authenticated",
		slog.String("conn_id", connID),
		slog.String("account", identity.Account.String()),
		slog.String("codec", codec.Name()),
	)

	// Create a subscriber for this connection and start a goroutine
	// to forward broker events to the WebSocket.
	sub := s.broker.Subscribe(connID)
	go s.forwardEvents(conn, codec, sub)

	// Frame processing loop.
	for {
		data, _, err := wsutil.ReadClientData(conn)
		if err != nil {
			return nil // Connection closed.
		}

		wconn.Touch()

		frame, decErr := codec.Decode(data)
		if decErr != nil {
			errFrame := NewErrorFrame("", ErrCodeBadRequest, "invalid frame: "+decErr.Error())
			if writeErr := s.writeFrame(conn, codec, errFrame); writeErr != nil {
				s.logger.Warn("failed to write error frame", slog.String("error", writeErr.Error()))
			}
			continue
		}

		// Handle ping/pong.
		if frame.Type == FramePing {
			pong := &Frame{
				ID:        generateFrameID(),
				Type:      FramePong,
				CorrelID:  frame.ID,
				Timestamp: frame.Timestamp,
			}
			if writeErr := s.writeFrame(conn, codec, pong); writeErr != nil {
				s.logger.Warn("failed to write pong frame", slog.String("error", writeErr.Error()))
			}
			continue
		}

		// Handle credits replenishment.
		if frame.Credits > 0 {
			sub.AddCredits(int64(frame.Credits))
			continue
		}

		// Throttle request frames.
		if !wconn.Allow() {
			errFrame := NewErrorFrame(frame.ID, ErrCodeTooManyReqs, "rate limit exceeded")
			if writeErr := s.writeFrame(conn, codec, errFrame); writeErr != nil {
				s.logger.Warn("failed to write throttle frame", slog.String("error", writeErr.Error()))
			}
			continue
		}

		// Check authorization for the method.
		if frame.Method != "" {
			reqScope := RequiredScope(frame.Method)
			if reqScope != "" && !identity.HasScope(reqScope) {
				errFrame := NewErrorFrame(frame.ID, ErrCodeForbidden, "insufficient permissions")
				if writeErr := s.writeFrame(conn, codec, errFrame); writeErr != nil {
					s.logger.Warn("failed to write forbidden frame", slog.String("error", writeErr.Error()))
				}
				continue
			}
		}

		// Dispatch to handler.
		respFrame := s.handler.Handle(r.Context(), frame, wconn)
		if respFrame != nil {
			// Handle subscribe/unsubscribe side effects.
			if frame.Method == MethodSubscribe && respFrame.Type == FrameResponse {
				var subReq SubscribeRequest
				if json.Unmarshal(frame.Data, &subReq) == nil {
					s.broker.SubscribeTo(connID, subReq.Channel)
					wconn.AddSubscription(subReq.Channel)
					if subReq.Credits > 0 {
						sub.AddCredits(int64(subReq.Credits))
					}
				}
			} else if frame.Method == MethodUnsubscribe && respFrame.Type == FrameResponse {
				var unsubReq UnsubscribeRequest
				if json.Unmarshal(frame.Data, &unsubReq) == nil {
					s.broker.Unsubscribe(connID, unsubReq.Channel)
					wconn.RemoveSubscription(unsubReq.Channel)
				}
			}

			if writeErr := s.writeFrame(conn, codec, respFrame); writeErr != nil {
				s.logger.Warn("failed to write response frame", slog.String("error", writeErr.Error()))
			}
		}
	}
}

// forwardEvents reads from the subscriber channel and writes events
// to the WebSocket connection.
func (s *Server) forwardEvents(conn net.Conn, codec Codec, sub *stream.Subscriber) {
	for evt := range sub.C() {
		evtFrame, err := NewEventFrame(evt.Topic, evt)
		if err != nil {
			continue
		}
		if writeErr := s.writeFrame(conn, codec, evtFrame); writeErr != nil {
			return // Connection gone.
		}
	}
}

// writeFrame encodes and writes a frame to a WebSocket connection.
// JSON frames go out as text messages, binary codecs as binary.
func (s *Server) writeFrame(conn net.Conn, codec Codec, frame *Frame) error {
	data, err := codec.Encode(frame)
	if err != nil {
		return err
	}
	op := ws.OpBinary
	if codec.Name() == CodecNameJSON {
		op = ws.OpText
	}
	return wsutil.WriteServerMessage(conn, op, data)
}

func (s *Server) writeServerJSON(conn net.Conn, frame *Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	return wsutil.WriteServerText(conn, data)
}

// handleSSE serves read-only Server-Sent Events for clients that
// cannot establish WebSocket connections.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	// Get token from query parameter.
	token := r.URL.Query().Get("token")
	identity, err := s.auth.Authenticate(r.Context(), token)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	// Get channel from query parameter.
	channel := r.URL.Query().Get("channel")
	if channel == "" {
		http.Error(w, "channel parameter required", http.StatusBadRequest)
		return
	}
	if validateErr := stream.ValidateTopic(channel); validateErr != nil {
		http.Error(w, validateErr.Error(), http.StatusBadRequest)
		return
	}

	// Check subscribe permission.
	if !identity.HasScope(ScopeSubscribe) && !identity.HasScope(ScopeAll) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	connID := "sse-" + generateFrameID()
	sub := s.broker.Subscribe(connID, channel)
	defer s.broker.RemoveSubscriber(connID)

	for {
		select {
		case evt, chOk := <-sub.C():
			if !chOk {
				return
			}
			payload, marshalErr := json.Marshal(evt)
			if marshalErr != nil {
				continue
			}
			if _, writeErr := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Type, payload); writeErr != nil {
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

// handleHTTPRPC handles one-shot HTTP RPC requests for simple operations.
func (s *Server) handleHTTPRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// Parse the frame from the request body.
	var frame Frame
	if err := json.NewDecoder(r.Body).Decode(&frame); err != nil {
		s.writeRPC(w, http.StatusBadRequest, NewErrorFrame("", ErrCodeBadRequest, "invalid request body"))
		return
	}

	// Authenticate.
	token := frame.Token
	if token == "" {
		token = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	}
	identity, err := s.auth.Authenticate(r.Context(), token)
	if err != nil {
		s.writeRPC(w, http.StatusUnauthorized, NewErrorFrame(frame.ID, ErrCodeUnauthorized, "unauthorized"))
		return
	}

	// Check authorization.
	reqScope := RequiredScope(frame.Method)
	if reqScope != "" && !identity.HasScope(reqScope) {
		s.writeRPC(w, http.StatusForbidden, NewErrorFrame(frame.ID, ErrCodeForbidden, "forbidden"))
		return
	}

	// Create a temporary connection for the dispatch.
	conn := NewConnection("rpc-"+generateFrameID(), identity, &JSONCodec{}, nil)

	// Dispatch.
	resp := s.handler.Handle(r.Context(), &frame, conn)
	if resp == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	status := http.StatusOK
	if resp.Type == FrameErr && resp.Error != nil {
		status = resp.Error.Code
		if status < 100 || status > 599 {
			status = http.StatusInternalServerError
		}
	}

	s.writeRPC(w, status, resp)
}

func (s *Server) writeRPC(w http.ResponseWriter, status int, frame *Frame) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(frame); err != nil {
		s.logger.Warn("failed to write RPC response", slog.String("error", err.Error()))
	}
}
