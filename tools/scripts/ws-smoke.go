// Package main provides a CI-friendly WebSocket smoke test for the Parley
// chat server.
//
// It validates:
//   - handshake + subprotocol selection
//   - authenticated hello/ack session establishment
//   - conversation join acknowledgment
//   - send -> ack
//   - fanout message_new to another participant
//   - idempotent dedupe by client_msg_id
//   - typing relay without echo to the originator
//
// The target conversation must already exist with both -user-a and -user-b as
// participants (dev servers seed one; production membership comes from the
// host system).
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/coder/websocket"

	v1 "parley/contracts/chat/v1"
	"parley/internal/auth"
)

const (
	defaultSubprotocol = "parley.chat.v1"
	maxReadBytes       = 1 << 20 // 1MiB
)

type smokeClient struct {
	name   string
	userID string
	conn   *websocket.Conn
	connID string

	inbox chan v1.Envelope
	errCh chan error
}

func main() {
	var (
		wsURL   = flag.String("url", "ws://127.0.0.1:8080/ws", "WebSocket URL")
		origin  = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		secret  = flag.String("secret", "", "JWT signing secret (must match PARLEY_JWT_SECRET)")
		issuer  = flag.String("issuer", "", "JWT issuer (must match PARLEY_JWT_ISSUER when set)")
		userA   = flag.String("user-a", "smoke-alice", "User id for client A")
		userB   = flag.String("user-b", "smoke-bob", "User id for client B")
		convID  = flag.String("conv", "dev-room-1", "Conversation ID both users participate in")
		text    = flag.String("text", "hello parley 👋", "Message text to send")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}
	if strings.TrimSpace(*secret) == "" {
		fatalf("-secret is required")
	}

	root := context.Background()

	a := mustConnect(root, "A", *wsURL, *origin, *secret, *issuer, *userA, *timeout)
	defer closeWS(a.conn)

	b := mustConnect(root, "B", *wsURL, *origin, *secret, *issuer, *userB, *timeout)
	defer closeWS(b.conn)

	if *verbose {
		fmt.Printf("connected: A=%s B=%s origin=%q\n", a.connID, b.connID, *origin)
	}

	mustJoin(root, a, *convID, *timeout)
	mustJoin(root, b, *convID, *timeout)

	clientMsgID := fmt.Sprintf("cmsg-%d", time.Now().UnixNano())

	messageID, seq := mustSendAndAssertAck(root, a, *convID, clientMsgID, *text, *timeout)

	mustAssertNew(root, b, *convID, clientMsgID, messageID, seq, *userA, *text, *timeout)

	_ = drainOptionalNew(root, a, 750*time.Millisecond)

	// Replayed send: same ack, no second fanout.
	_, seq2 := mustSendAndAssertAck(root, a, *convID, clientMsgID, *text, *timeout)
	if seq2 != seq {
		fatalf("dedupe: seq mismatch: first=%d second=%d", seq, seq2)
	}
	mustAssertNoType(root, b, v1.TypeMessageNew, 1200*time.Millisecond)
	mustAssertNoType(root, a, v1.TypeMessageNew, 1200*time.Millisecond)

	// Typing relays to the peer but never echoes back.
	mustStartTyping(root, a, *convID, *timeout)
	mustReadType(root, b, v1.TypeTypingStart, *timeout)
	mustAssertNoType(root, a, v1.TypeTypingStart, 1200*time.Millisecond)

	fmt.Printf("OK: A=%s B=%s conv_id=%s seq=%d message_id=%s\n", a.connID, b.connID, *convID, seq, messageID)
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	if strings.TrimSpace(u.Path) == "" {
		return errors.New("missing path")
	}
	return nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func mustConnect(parent context.Context, name, wsURL, origin, secret, issuer, userID string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{defaultSubprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	if err != nil {
		fatalf("connect %s: %v", name, err)
	}

	assertSubprotocol(resp, defaultSubprotocol)

	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:   name,
		userID: userID,
		conn:   conn,
		inbox:  make(chan v1.Envelope, 512),
		errCh:  make(chan error, 1),
	}
	c.startReadLoop()

	token, err := auth.GenerateToken([]byte(secret), issuer, auth.Identity{UserID: userID}, 10*time.Minute)
	if err != nil {
		fatalf("generate token (%s): %v", name, err)
	}

	hello := v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeHello,
		ID:      fmt.Sprintf("%s-hello", name),
		TS:      time.Now().UTC(),
		Payload: mustJSON(v1.HelloPayload{Token: token}),
	}
	mustWriteWithTimeout(parent, conn, hello, stepTimeout)

	ack := c.mustReadUntilType(parent, v1.TypeHelloAck, stepTimeout, nil)

	var p v1.HelloAckPayload
	if err := json.Unmarshal(ack.Payload, &p); err != nil {
		fatalf("unmarshal hello_ack payload (%s): %v", name, err)
	}
	if strings.TrimSpace(p.ConnID) == "" {
		fatalf("hello_ack missing conn_id (%s)", name)
	}
	if p.UserID != userID {
		fatalf("hello_ack user_id mismatch (%s): got=%q want=%q", name, p.UserID, userID)
	}
	c.connID = p.ConnID

	return c
}

func assertSubprotocol(resp *http.Response, want string) {
	if resp == nil {
		return
	}
	got := strings.TrimSpace(resp.Header.Get("Sec-WebSocket-Protocol"))
	if got == "" {
		return
	}
	if got != want {
		fatalf("subprotocol mismatch: got=%q want=%q", got, want)
	}
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			mt, data, err := c.conn.Read(context.Background())
			if err != nil {
				select {
				case c.errCh <- err:
				default:
				}
				return
			}

			if mt != websocket.MessageText && mt != websocket.MessageBinary {
				select {
				case c.errCh <- fmt.Errorf("unsupported message type: %v", mt):
				default:
				}
				return
			}

			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad json: %w", err):
				default:
				}
				return
			}
			if err := env.Validate(); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad envelope: %w", err):
				default:
				}
				return
			}

			select {
			case c.inbox <- env:
			default:
				select {
				case c.errCh <- errors.New("inbox overflow: consumer too slow"):
				default:
				}
				return
			}
		}
	}()
}

func mustJoin(parent context.Context, c *smokeClient, convID string, stepTimeout time.Duration) {
	env := v1.Envelope{
		V:    v1.Version,
		Type: v1.TypeConversationJoin,
		ID:   fmt.Sprintf("%s-join", c.name),
		TS:   time.Now().UTC(),
		Payload: mustJSON(v1.ConversationJoinPayload{
			ConversationID: convID,
		}),
	}
	mustWriteWithTimeout(parent, c.conn, env, stepTimeout)

	// Presence fanout may arrive before the join ack.
	skip := map[string]struct{}{v1.TypePresenceOnline: {}, v1.TypePresenceOffline: {}}
	joined := c.mustReadUntilType(parent, v1.TypeConversationJoined, stepTimeout, skip)

	var p v1.ConversationJoinedPayload
	if err := json.Unmarshal(joined.Payload, &p); err != nil {
		fatalf("unmarshal conversation_joined payload (%s): %v", c.name, err)
	}
	if p.ConversationID != convID {
		fatalf("join ack conv_id mismatch (%s): got=%q want=%q", c.name, p.ConversationID, convID)
	}
	if strings.TrimSpace(p.Kind) == "" {
		fatalf("join ack missing kind (%s)", c.name)
	}
}

func mustSendAndAssertAck(parent context.Context, c *smokeClient, convID, clientMsgID, text string, stepTimeout time.Duration) (messageID string, seq int64) {
	env := v1.Envelope{
		V:    v1.Version,
		Type: v1.TypeMessageSend,
		ID:   fmt.Sprintf("%s-send-%s", c.name, clientMsgID),
		TS:   time.Now().UTC(),
		Payload: mustJSON(v1.MessageSendPayload{
			ConversationID: convID,
			ClientMsgID:    clientMsgID,
			Kind:           v1.KindText,
			Body:           text,
		}),
	}
	mustWriteWithTimeout(parent, c.conn, env, stepTimeout)

	skip := map[string]struct{}{v1.TypeMessageNew: {}, v1.TypePresenceOnline: {}, v1.TypePresenceOffline: {}}
	ack := c.mustReadUntilType(parent, v1.TypeMessageAck, stepTimeout, skip)

	var p v1.MessageAckPayload
	if err := json.Unmarshal(ack.Payload, &p); err != nil {
		fatalf("unmarshal message_ack payload (%s): %v", c.name, err)
	}
	if p.ConversationID != convID {
		fatalf("ack conv_id mismatch (%s): got=%q want=%q", c.name, p.ConversationID, convID)
	}
	if p.ClientMsgID != clientMsgID {
		fatalf("ack client_msg_id mismatch (%s): got=%q want=%q", c.name, p.ClientMsgID, clientMsgID)
	}
	if strings.TrimSpace(p.MessageID) == "" {
		fatalf("ack missing message_id (%s)", c.name)
	}
	if p.Seq <= 0 {
		fatalf("ack invalid seq (%s): %d", c.name, p.Seq)
	}
	return p.MessageID, p.Seq
}

func mustAssertNew(parent context.Context, c *smokeClient, convID, clientMsgID, messageID string, seq int64, senderID, text string, stepTimeout time.Duration) {
	skip := map[string]struct{}{v1.TypePresenceOnline: {}, v1.TypePresenceOffline: {}}
	env := c.mustReadUntilType(parent, v1.TypeMessageNew, stepTimeout, skip)

	var p v1.MessageNewPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		fatalf("unmarshal message_new payload (%s): %v", c.name, err)
	}

	if p.ConversationID != convID {
		fatalf("new conv_id mismatch (%s): got=%q want=%q", c.name, p.ConversationID, convID)
	}
	if p.ClientMsgID != clientMsgID {
		fatalf("new client_msg_id mismatch (%s): got=%q want=%q", c.name, p.ClientMsgID, clientMsgID)
	}
	if p.MessageID != messageID {
		fatalf("new message_id mismatch (%s): got=%q want=%q", c.name, p.MessageID, messageID)
	}
	if p.Seq != seq {
		fatalf("new seq mismatch (%s): got=%d want=%d", c.name, p.Seq, seq)
	}
	if p.Sender != senderID {
		fatalf("new sender mismatch (%s): got=%q want=%q", c.name, p.Sender, senderID)
	}
	if p.Body != text {
		fatalf("new body mismatch (%s): got=%q want=%q", c.name, p.Body, text)
	}
	if p.ServerTS.IsZero() {
		fatalf("new server_ts missing/zero (%s)", c.name)
	}
}

func mustStartTyping(parent context.Context, c *smokeClient, convID string, stepTimeout time.Duration) {
	env := v1.Envelope{
		V:    v1.Version,
		Type: v1.TypeTypingStart,
		ID:   fmt.Sprintf("%s-typing", c.name),
		TS:   time.Now().UTC(),
		Payload: mustJSON(v1.TypingPayload{
			ConversationID: convID,
		}),
	}
	mustWriteWithTimeout(parent, c.conn, env, stepTimeout)
}

func mustReadType(parent context.Context, c *smokeClient, wantType string, stepTimeout time.Duration) {
	skip := map[string]struct{}{v1.TypePresenceOnline: {}, v1.TypePresenceOffline: {}}
	_ = c.mustReadUntilType(parent, wantType, stepTimeout, skip)
}

func drainOptionalNew(parent context.Context, c *smokeClient, wait time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, wait)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-c.errCh:
			if err != nil {
				return err
			}
			return errors.New("connection closed while draining")
		case env, ok := <-c.inbox:
			if !ok {
				return errors.New("connection closed while draining")
			}
			if env.Type == v1.TypeMessageNew {
				return nil
			}
		}
	}
}

func mustAssertNoType(parent context.Context, c *smokeClient, forbiddenType string, wait time.Duration) {
	ctx, cancel := context.WithTimeout(parent, wait)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-c.errCh:
			if err == nil {
				fatalf("connection closed unexpectedly (%s)", c.name)
			}
			fatalf("connection closed unexpectedly (%s): %v", c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed unexpectedly (%s)", c.name)
			}
			if env.Type == v1.TypeError {
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
			}
			if env.Type == forbiddenType {
				fatalf("unexpected %s received (%s)", forbiddenType, c.name)
			}
		}
	}
}

func (c *smokeClient) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration, skipTypes map[string]struct{}) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q (%s): %v", wantType, c.name, ctx.Err())
		case err := <-c.errCh:
			if err == nil {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			fatalf("connection error while waiting for %q (%s): %v", wantType, c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			if env.Type == wantType {
				return env
			}
			if env.Type == v1.TypeError {
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
			}
			if skipTypes != nil {
				if _, ok := skipTypes[env.Type]; ok {
					continue
				}
			}
			fatalf("unexpected envelope type (%s): got=%q want=%q", c.name, env.Type, wantType)
		}
	}
}

func mustWriteWithTimeout(parent context.Context, conn *websocket.Conn, env v1.Envelope, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		fatalf("marshal envelope: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed: %v", err)
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
