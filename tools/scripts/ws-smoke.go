// Package main provides a CI-friendly WebSocket smoke test for the chat relay.
//
// It validates:
//   - handshake + subprotocol selection
//   - session + chat history on join
//   - send -> broadcast to every client, sender included
//   - history for a late joiner
//   - connection state recovery after a short disconnect
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
	"strconv"
	"strings"
	"time"

	v1 "github.com/j0rgev0/chat-socket/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
)

const (
	defaultSubprotocol = "chat.realtime.v1"
	maxReadBytes       = 1 << 20 // 1MiB
)

type smokeClient struct {
	name      string
	conn      *websocket.Conn
	sessionID string
	recovered bool

	inbox chan v1.Envelope
	errCh chan error
}

func main() {
	var (
		wsURL   = flag.String("url", "ws://127.0.0.1:3000/ws", "WebSocket URL")
		origin  = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		text    = flag.String("text", "hello chat 👋", "Message text to send")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		settle  = flag.Duration("settle", 300*time.Millisecond, "Wait after a disconnect before the server is expected to have released the session")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}

	root := context.Background()

	a := mustConnect(root, "A", *wsURL, *origin, url.Values{"username": {"smoke-a"}}, *timeout)
	defer closeWS(a.conn)
	a.mustConsumeHistory(root, *timeout)

	b := mustConnect(root, "B", *wsURL, *origin, url.Values{"username": {"smoke-b"}}, *timeout)
	b.mustConsumeHistory(root, *timeout)

	if *verbose {
		fmt.Printf("connected: A=%s B=%s origin=%q\n", a.sessionID, b.sessionID, *origin)
	}

	mustSendChat(root, a, *text, *timeout)

	fromA := a.mustReadChat(root, *timeout)
	fromB := b.mustReadChat(root, *timeout)
	for _, got := range []v1.ChatMessagePayload{fromA, fromB} {
		if got.Content != *text || got.Username != "smoke-a" || got.ID != fromA.ID {
			fatalf("broadcast mismatch: got=%+v want content=%q username=%q id=%d", got, *text, "smoke-a", fromA.ID)
		}
	}

	c := mustConnect(root, "C", *wsURL, *origin, nil, *timeout)
	defer closeWS(c.conn)
	history := c.mustConsumeHistory(root, *timeout)
	if n := len(history); n == 0 || history[n-1].ID != fromA.ID || history[n-1].Content != *text {
		fatalf("late joiner history does not end with the sent message (id=%d)", fromA.ID)
	}

	// Recovery: B drops, misses one message, and resumes from its last id.
	closeWS(b.conn)
	time.Sleep(*settle)

	missedText := *text + " (missed)"
	mustSendChat(root, a, missedText, *timeout)
	missed := a.mustReadChat(root, *timeout)

	b2 := mustConnect(root, "B2", *wsURL, *origin, url.Values{
		"username":   {"smoke-b"},
		"session_id": {b.sessionID},
		"offset":     {strconv.FormatInt(fromB.ID, 10)},
	}, *timeout)
	defer closeWS(b2.conn)

	if !b2.recovered || b2.sessionID != b.sessionID {
		fatalf("expected recovered session %s, got id=%s recovered=%v", b.sessionID, b2.sessionID, b2.recovered)
	}
	replayed := b2.mustReadChat(root, *timeout)
	if replayed.ID != missed.ID || replayed.Content != missedText {
		fatalf("recovery replay mismatch: got=%+v want id=%d", replayed, missed.ID)
	}

	if *verbose {
		fmt.Printf("message id=%d history=%d recovered replay id=%d\n", fromA.ID, len(history), replayed.ID)
	}
	fmt.Println("OK")
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

func mustConnect(parent context.Context, name, wsURL, origin string, q url.Values, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	target := wsURL
	if len(q) > 0 {
		target += "?" + q.Encode()
	}

	conn, resp, err := websocket.Dial(ctx, target, &websocket.DialOptions{
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
		name:  name,
		conn:  conn,
		inbox: make(chan v1.Envelope, 512),
		errCh: make(chan error, 1),
	}
	c.startReadLoop()

	env := c.mustReadUntilType(parent, v1.TypeSession, stepTimeout, nil)

	var p v1.SessionPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		fatalf("unmarshal session payload (%s): %v", name, err)
	}
	if strings.TrimSpace(p.SessionID) == "" {
		fatalf("session envelope missing session_id (%s)", name)
	}
	c.sessionID = p.SessionID
	c.recovered = p.Recovered

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

// mustConsumeHistory reads the history batch and the per-row chat messages that follow it.
func (c *smokeClient) mustConsumeHistory(parent context.Context, stepTimeout time.Duration) []v1.HistoryMessage {
	env := c.mustReadUntilType(parent, v1.TypeChatHistory, stepTimeout, nil)

	var batch []v1.HistoryMessage
	if err := json.Unmarshal(env.Payload, &batch); err != nil {
		fatalf("unmarshal chat history (%s): %v", c.name, err)
	}
	for i, m := range batch {
		got := c.mustReadChat(parent, stepTimeout)
		if got.ID != m.ID {
			fatalf("history replay out of order (%s): row %d got id=%d want %d", c.name, i, got.ID, m.ID)
		}
	}
	return batch
}

func (c *smokeClient) mustReadChat(parent context.Context, stepTimeout time.Duration) v1.ChatMessagePayload {
	env := c.mustReadUntilType(parent, v1.TypeChatMessage, stepTimeout, nil)

	var p v1.ChatMessagePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		fatalf("unmarshal chat message (%s): %v", c.name, err)
	}
	return p
}

func mustSendChat(parent context.Context, c *smokeClient, text string, stepTimeout time.Duration) {
	env := v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeChatMessage,
		ID:      fmt.Sprintf("%s-%d", c.name, time.Now().UnixNano()),
		TS:      time.Now().UTC(),
		Payload: mustJSON(text),
	}
	mustWriteWithTimeout(parent, c.conn, env, stepTimeout)
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
