// Package realtime contains Parley's chat core: session registry, presence
// tracking, room membership, the serialized message pipeline, and the
// WebSocket gateway that hosts them.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/go-playground/validator/v10"
	"github.com/samber/lo"

	v1 "parley/contracts/chat/v1"
	"parley/internal/auth"
	"parley/internal/ids"
)

// GatewayConfig carries the gateway's tunables. The zero value is valid and
// secure: Origin stays required, TLS verification stays on, and zeroed
// limits/timeouts fall back to the defaults in limits.go.
type GatewayConfig struct {
	// DevInsecure skips TLS verification inside the websocket accept.
	// Dev-only; it is not an origin policy.
	DevInsecure bool

	// OriginOptional admits requests without an Origin header. Zero value
	// keeps the header mandatory.
	OriginOptional bool

	AllowedOrigins []string

	WriteTimeout    time.Duration
	ReadIdleTimeout time.Duration
	HelloWindow     time.Duration
	SendQueueSize   int

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	RateEvents int
	RateWindow time.Duration
}

func (c GatewayConfig) withDefaults() GatewayConfig {
	if len(c.AllowedOrigins) == 0 {
		c.AllowedOrigins = append([]string(nil), wsDefaultAllowedOrigins...)
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = wsDefaultWriteTimeout
	}
	if c.ReadIdleTimeout <= 0 {
		c.ReadIdleTimeout = wsDefaultReadIdle
	}
	if c.HelloWindow <= 0 {
		c.HelloWindow = wsDefaultHelloWindow
	}
	if c.SendQueueSize < wsMinSendQueueSize {
		c.SendQueueSize = wsDefaultSendQueueSize
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = heartbeatInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = heartbeatTimeout
	}
	if c.RateEvents <= 0 {
		c.RateEvents = rateLimitEvents
	}
	if c.RateWindow <= 0 {
		c.RateWindow = rateLimitWindow
	}
	return c
}

// WSGateway is the WebSocket entrypoint for the chat core.
//
// It enforces origin policy, subprotocol selection, the authenticated hello
// handshake, rate limits, and heartbeats, and routes validated envelopes to
// the core's components. It also owns the disconnect signal: a dead or closed
// connection is unregistered and leaves all its rooms.
type WSGateway struct {
	log     *slog.Logger
	svc     *Service
	authn   auth.Authenticator
	metrics *Metrics

	validate *validator.Validate

	devInsecure    bool
	originRequired bool
	allowedOrigins []string

	// Derived for websocket.Accept origin checks.
	// Accept() authorizes same-host origins by default, but for cross-origin it requires OriginPatterns.
	originPatterns []string

	writeTimeout    time.Duration
	readIdleTimeout time.Duration
	helloWindow     time.Duration
	sendQueueSize   int

	heartbeatEvery   time.Duration
	heartbeatTimeout time.Duration

	rateEvents int
	rateWindow time.Duration
}

// NewWSGateway constructs a gateway from cfg. metrics may be nil.
func NewWSGateway(log *slog.Logger, svc *Service, authn auth.Authenticator, metrics *Metrics, cfg GatewayConfig) *WSGateway {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	cfg = cfg.withDefaults()

	return &WSGateway{
		log:      log,
		svc:      svc,
		authn:    authn,
		metrics:  metrics,
		validate: validator.New(),

		devInsecure:    cfg.DevInsecure,
		originRequired: !cfg.OriginOptional,
		allowedOrigins: cfg.AllowedOrigins,
		originPatterns: deriveOriginPatternsFromAllowedOrigins(cfg.AllowedOrigins),

		writeTimeout:    cfg.WriteTimeout,
		readIdleTimeout: cfg.ReadIdleTimeout,
		helloWindow:     cfg.HelloWindow,
		sendQueueSize:   cfg.SendQueueSize,

		heartbeatEvery:   cfg.HeartbeatInterval,
		heartbeatTimeout: cfg.HeartbeatTimeout,

		rateEvents: cfg.RateEvents,
		rateWindow: cfg.RateWindow,
	}
}

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS upgrades an HTTP request to a WebSocket session and runs the chat loop.
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{wsSubprotocolV1},

		// Authorize allowed origin hosts (e.g. localhost) for cross-origin requests.
		OriginPatterns: g.originPatterns,

		// Dev-only escape hatch.
		InsecureSkipVerify: g.devInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != wsSubprotocolV1 {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", wsSubprotocolV1)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(maxFrameBytes)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// The first envelope must be an authenticated hello. A bad credential
	// refuses the connection entirely; it is never silently degraded.
	identity, err := g.handshake(ctx, conn)
	if err != nil {
		g.log.Info("ws.reject.auth", "remote", r.RemoteAddr, "err", err)
		g.writeErrorDirect(ctx, conn, "auth_failed", "authentication failed")
		_ = conn.Close(websocket.StatusPolicyViolation, "auth failed")
		return
	}

	connID := ids.MustULID(time.Now().UTC())
	client := NewClient(identity.UserID, connID, g.sendQueueSize)

	g.svc.Sessions.Register(client)
	g.metrics.connOpened()

	var closeOnce sync.Once

	// shutdown is idempotent. It does NOT close client.Send.
	// Disconnect closes the client before draining its rooms, so a join
	// racing this shutdown is refused instead of re-wiring the connection.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			g.svc.Disconnect(client)
			g.metrics.connClosed()
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	joined := g.svc.Rooms.JoinRooms(ctx, client)
	ack := newEnvelope(v1.TypeHelloAck, v1.HelloAckPayload{
		ConnID: connID,
		UserID: identity.UserID,
		Conversations: lo.Map(joined, func(j JoinedRoom, _ int) v1.ConversationSnapshot {
			return v1.ConversationSnapshot{
				ConversationID: j.ConversationID,
				Kind:           j.Kind,
				Online:         j.Online,
			}
		}),
	}, time.Now().UTC())
	if !g.enqueue(ctx, client, ack) {
		shutdown(websocket.StatusPolicyViolation, "backpressure: hello ack")
		return
	}

	g.log.Info("ws.session.start", "conn_id", connID, "user_id", identity.UserID, "rooms", len(joined))

	rl := NewRateLimiter(g.rateEvents, g.rateWindow)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case env := <-client.Send:
				if err := writeEnvelope(ctx, conn, env, g.writeTimeout); err != nil {
					g.log.Info("ws.write.fail", "conn_id", connID, "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.heartbeatEvery)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.heartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					g.log.Info("ws.ping.fail", "conn_id", connID, "failures", failures, "err", err)
					if failures >= wsMaxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.readIdleTimeout)
		env, err := readEnvelope(readCtx, conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				g.trySendError(ctx, client, "bad_json", "invalid JSON")
				continue readLoop
			default:
				g.log.Info("ws.read.fail", "conn_id", connID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		now := time.Now().UTC()
		if !rl.Allow(now) {
			g.trySendError(ctx, client, "rate_limited", "too many events")
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if err := env.Validate(); err != nil {
			g.trySendError(ctx, client, "bad_envelope", err.Error())
			continue readLoop
		}

		g.metrics.eventIn(env.Type)
		g.dispatch(ctx, client, env, now)
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
}

// handshake reads the hello envelope and verifies its credential token.
func (g *WSGateway) handshake(ctx context.Context, conn *websocket.Conn) (auth.Identity, error) {
	helloCtx, cancel := context.WithTimeout(ctx, g.helloWindow)
	defer cancel()

	env, err := readEnvelope(helloCtx, conn)
	if err != nil {
		return auth.Identity{}, fmt.Errorf("hello read: %w", err)
	}
	if err := env.Validate(); err != nil {
		return auth.Identity{}, fmt.Errorf("hello envelope: %w", err)
	}
	if env.Type != v1.TypeHello {
		return auth.Identity{}, fmt.Errorf("expected %s, got %s", v1.TypeHello, env.Type)
	}

	var p v1.HelloPayload
	if err := g.decodePayload(env.Payload, &p); err != nil {
		return auth.Identity{}, err
	}

	identity, err := g.authn.Verify(helloCtx, p.Token)
	if err != nil {
		return auth.Identity{}, opErr("ws.handshake", ErrAuth, err)
	}
	return identity, nil
}

// ---- dispatch ----

func (g *WSGateway) dispatch(ctx context.Context, client *Client, env v1.Envelope, now time.Time) {
	switch env.Type {
	case v1.TypeMessageSend:
		g.onMessageSend(ctx, client, env, now)
	case v1.TypeMessageEdit:
		g.onMessageEdit(ctx, client, env, now)
	case v1.TypeMessageDelete:
		g.onMessageDelete(ctx, client, env, now)
	case v1.TypeTypingStart, v1.TypeTypingStop:
		g.onTyping(ctx, client, env, now)
	case v1.TypeReadMark:
		g.onReadMark(ctx, client, env, now)
	case v1.TypeConversationJoin:
		g.onConversationJoin(ctx, client, env, now)
	default:
		g.trySendError(ctx, client, "unsupported", fmt.Sprintf("unsupported type: %s", env.Type))
	}
}

func (g *WSGateway) onMessageSend(ctx context.Context, client *Client, env v1.Envelope, now time.Time) {
	var p v1.MessageSendPayload
	if err := g.decodePayload(env.Payload, &p); err != nil {
		g.trySendError(ctx, client, "bad_payload", err.Error())
		return
	}
	if len([]rune(p.Body)) > maxMessageChars {
		g.trySendError(ctx, client, "bad_payload", fmt.Sprintf("message too long: max=%d chars", maxMessageChars))
		return
	}

	stored, duplicated, err := g.svc.Pipeline.Send(ctx, SendInput{
		ConversationID: p.ConversationID,
		SenderID:       client.UserID,
		ClientMsgID:    p.ClientMsgID,
		Kind:           p.Kind,
		Body:           p.Body,
	})
	if err != nil {
		g.sendOpError(ctx, client, err)
		return
	}

	// A duplicate is acked but never re-broadcast, so it must not count as one.
	if !duplicated {
		g.metrics.broadcast(v1.TypeMessageNew)
	}
	ack := newEnvelope(v1.TypeMessageAck, v1.MessageAckPayload{
		ConversationID: stored.ConversationID,
		ClientMsgID:    stored.ClientMsgID,
		MessageID:      stored.ID,
		Seq:            stored.Seq,
	}, now)
	_ = g.enqueue(ctx, client, ack)
}

func (g *WSGateway) onMessageEdit(ctx context.Context, client *Client, env v1.Envelope, now time.Time) {
	var p v1.MessageEditPayload
	if err := g.decodePayload(env.Payload, &p); err != nil {
		g.trySendError(ctx, client, "bad_payload", err.Error())
		return
	}
	if len([]rune(p.Body)) > maxMessageChars {
		g.trySendError(ctx, client, "bad_payload", fmt.Sprintf("message too long: max=%d chars", maxMessageChars))
		return
	}

	updated, err := g.svc.Pipeline.Edit(ctx, p.MessageID, p.Body, client.UserID)
	if err != nil {
		g.sendOpError(ctx, client, err)
		return
	}

	g.metrics.broadcast(v1.TypeMessageEdited)
	ack := newEnvelope(v1.TypeMessageEdit, v1.MessageEditedPayload{
		ConversationID: updated.ConversationID,
		MessageID:      updated.ID,
		Seq:            updated.Seq,
		Sender:         updated.SenderID,
		Body:           updated.Body,
		Edited:         updated.Edited,
		ServerTS:       now,
	}, now)
	_ = g.enqueue(ctx, client, ack)
}

func (g *WSGateway) onMessageDelete(ctx context.Context, client *Client, env v1.Envelope, now time.Time) {
	var p v1.MessageDeletePayload
	if err := g.decodePayload(env.Payload, &p); err != nil {
		g.trySendError(ctx, client, "bad_payload", err.Error())
		return
	}

	tombstoned, err := g.svc.Pipeline.Delete(ctx, p.MessageID, client.UserID)
	if err != nil {
		g.sendOpError(ctx, client, err)
		return
	}

	g.metrics.broadcast(v1.TypeMessageDeleted)
	ack := newEnvelope(v1.TypeMessageDelete, v1.MessageDeletedPayload{
		ConversationID: tombstoned.ConversationID,
		MessageID:      tombstoned.ID,
	}, now)
	_ = g.enqueue(ctx, client, ack)
}

func (g *WSGateway) onTyping(ctx context.Context, client *Client, env v1.Envelope, now time.Time) {
	var p v1.TypingPayload
	if err := g.decodePayload(env.Payload, &p); err != nil {
		g.trySendError(ctx, client, "bad_payload", err.Error())
		return
	}

	var err error
	if env.Type == v1.TypeTypingStart {
		err = g.svc.Typing.StartTyping(ctx, p.ConversationID, client.UserID)
	} else {
		err = g.svc.Typing.StopTyping(ctx, p.ConversationID, client.UserID)
	}
	if err != nil {
		g.sendOpError(ctx, client, err)
		return
	}

	// Best-effort: no ack. The relay itself never reaches the originator.
	g.metrics.broadcast(env.Type)
}

func (g *WSGateway) onReadMark(ctx context.Context, client *Client, env v1.Envelope, now time.Time) {
	var p v1.ReadMarkPayload
	if err := g.decodePayload(env.Payload, &p); err != nil {
		g.trySendError(ctx, client, "bad_payload", err.Error())
		return
	}

	at, err := g.svc.Pipeline.MarkRead(ctx, p.ConversationID, client.UserID)
	if err != nil {
		g.sendOpError(ctx, client, err)
		return
	}

	g.metrics.broadcast(v1.TypeReadReceipt)
	ack := newEnvelope(v1.TypeReadMark, v1.ReadReceiptPayload{
		ConversationID: p.ConversationID,
		UserID:         client.UserID,
		At:             at,
	}, now)
	_ = g.enqueue(ctx, client, ack)
}

func (g *WSGateway) onConversationJoin(ctx context.Context, client *Client, env v1.Envelope, now time.Time) {
	var p v1.ConversationJoinPayload
	if err := g.decodePayload(env.Payload, &p); err != nil {
		g.trySendError(ctx, client, "bad_payload", err.Error())
		return
	}

	room, err := g.svc.Rooms.JoinRoom(ctx, client, p.ConversationID)
	if err != nil {
		g.sendOpError(ctx, client, err)
		return
	}

	ack := newEnvelope(v1.TypeConversationJoined, v1.ConversationJoinedPayload{
		ConversationID: room.ConversationID,
		Kind:           room.Kind,
		Online:         room.Online,
	}, now)
	_ = g.enqueue(ctx, client, ack)
}

// decodePayload unmarshals and structurally validates an inbound payload.
func (g *WSGateway) decodePayload(raw json.RawMessage, out any) error {
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	if err := g.validate.Struct(out); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	return nil
}

// ---- send helpers ----

// sendOpError maps a core error onto a failure acknowledgment for the caller
// alone. Failures are never broadcast to other participants.
func (g *WSGateway) sendOpError(ctx context.Context, client *Client, err error) {
	code := errCode(err)
	g.metrics.eventRejected(code)
	g.trySendError(ctx, client, code, err.Error())
}

func errCode(err error) string {
	switch {
	case IsForbidden(err):
		return "forbidden"
	case IsNotFound(err):
		return "not_found"
	case IsPersistence(err):
		return "persist_failed"
	case IsAuth(err):
		return "auth_failed"
	default:
		return "internal"
	}
}

func (g *WSGateway) trySendError(ctx context.Context, client *Client, code, msg string) {
	env := newEnvelope(v1.TypeError, v1.ErrorPayload{Code: code, Message: msg}, time.Now().UTC())
	_ = g.enqueue(ctx, client, env)
}

// writeErrorDirect is used before a client writer exists (handshake failures).
func (g *WSGateway) writeErrorDirect(ctx context.Context, conn *websocket.Conn, code, msg string) {
	env := newEnvelope(v1.TypeError, v1.ErrorPayload{Code: code, Message: msg}, time.Now().UTC())
	_ = writeEnvelope(ctx, conn, env, g.writeTimeout)
}

func (g *WSGateway) enqueue(ctx context.Context, client *Client, env v1.Envelope) bool {
	select {
	case <-ctx.Done():
		return false
	case <-client.Done():
		return false
	case client.Send <- env:
		return true
	default:
		return false
	}
}

// ---- envelope IO ----

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, err
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}

	// JSON decode errors are typically returned by json.Unmarshal, not conn.Read.
	// This fallback exists for robustness when error strings are propagated.
	s := err.Error()
	if strings.Contains(s, "unexpected end of JSON input") || strings.Contains(s, "invalid character") {
		return readErrBadJSON
	}
	return readErrUnknown
}

// ---- origin policy ----

func (g *WSGateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.originRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(g.allowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)

	for _, a := range g.allowedOrigins {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if a == "*" {
			// Strongly discouraged, but honored if explicitly configured.
			return nil
		}

		// Full origin match (scheme + host + optional port).
		if origin == a {
			return nil
		}

		// Host match fallback (ignores port/scheme).
		if originHost != "" && originHost == originHostOnly(a) {
			return nil
		}
	}

	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	// URL form.
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		h := strings.TrimSpace(u.Host)
		if h == "" {
			return ""
		}
		if host, _, err := net.SplitHostPort(h); err == nil {
			return strings.ToLower(host)
		}
		return strings.ToLower(h)
	}

	// host[:port] form.
	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

func deriveOriginPatternsFromAllowedOrigins(allowed []string) []string {
	// websocket.Accept matches OriginPatterns against the origin host using filepath.Match patterns.
	// We keep this strict: only hosts extracted from the allowlist are accepted.
	seen := make(map[string]struct{}, len(allowed))

	for _, a := range allowed {
		h := originHostOnly(a)
		if h == "" || h == "*" {
			continue
		}
		seen[h] = struct{}{}
	}

	out := lo.Keys(seen)
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j] < out[i] {
				out[i], out[j] = out[j], out[i]
			}
		}
	}

	return out
}
