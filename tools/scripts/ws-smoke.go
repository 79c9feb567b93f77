// Package main provides a CI-friendly WebSocket smoke test for the dstake registry.
//
// It validates:
//   - handshake + subprotocol selection
//   - add_or_update_user -> confirmation message, correlated by reply_to
//   - get_all_users from a second session sees the record
//   - a second upsert for the same identity replaces the record in place
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

	v1 "dstake/contracts/registry/v1"

	"github.com/coder/websocket"
)

const (
	maxReadBytes = 1 << 20 // 1MiB
)

type smokeClient struct {
	name string
	conn *websocket.Conn
	seq  int

	inbox chan v1.Envelope
	errCh chan error
}

func main() {
	var (
		wsURL    = flag.String("url", "ws://127.0.0.1:8080/ws", "WebSocket URL")
		origin   = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		identity = flag.String("identity", "", "Identity to upsert (default: generated per run)")
		account  = flag.String("account", "smoke-account", "Account id to store")
		balance  = flag.Uint64("balance", 100_000_000, "Balance to store")
		timeout  = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose  = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}
	if strings.TrimSpace(*identity) == "" {
		*identity = fmt.Sprintf("smoke-%d", time.Now().UnixNano())
	}

	root := context.Background()

	a := mustConnect(root, "A", *wsURL, *origin, *timeout)
	defer closeWS(a.conn)

	b := mustConnect(root, "B", *wsURL, *origin, *timeout)
	defer closeWS(b.conn)

	if *verbose {
		fmt.Printf("connected: A B origin=%q identity=%q\n", *origin, *identity)
	}

	first := v1.User{Identity: *identity, AccountID: *account, Balance: *balance}
	mustUpsert(root, a, first, *timeout)
	mustListContains(root, b, first, *timeout)

	second := v1.User{Identity: *identity, AccountID: *account + "-2", Balance: *balance + 1}
	mustUpsert(root, a, second, *timeout)
	n := mustListContains(root, b, second, *timeout)

	fmt.Printf("OK: identity=%s account_id=%s balance=%d users=%d\n", second.Identity, second.AccountID, second.Balance, n)
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

func mustConnect(parent context.Context, name, wsURL, origin string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	if err != nil {
		fatalf("connect %s: %v", name, err)
	}

	assertSubprotocol(resp, v1.Subprotocol)

	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:  name,
		conn:  conn,
		inbox: make(chan v1.Envelope, 512),
		errCh: make(chan error, 1),
	}
	c.startReadLoop()
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

func (c *smokeClient) nextID(op string) string {
	c.seq++
	return fmt.Sprintf("%s-%s-%d", c.name, op, c.seq)
}

func mustUpsert(parent context.Context, c *smokeClient, u v1.User, stepTimeout time.Duration) {
	env := v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeAddOrUpdateUser,
		ID:      c.nextID("upsert"),
		TS:      time.Now().UTC(),
		Payload: mustJSON(v1.AddOrUpdateUserPayload(u)),
	}
	mustWriteWithTimeout(parent, c.conn, env, stepTimeout)

	res := c.mustReadUntilType(parent, v1.TypeAddOrUpdateUserResult, stepTimeout, nil)
	if res.ReplyTo != env.ID {
		fatalf("upsert reply_to mismatch (%s): got=%q want=%q", c.name, res.ReplyTo, env.ID)
	}

	var p v1.AddOrUpdateUserResultPayload
	if err := json.Unmarshal(res.Payload, &p); err != nil {
		fatalf("unmarshal add_or_update_user_result payload (%s): %v", c.name, err)
	}
	if want := "User " + u.Identity + " stored successfully"; p.Message != want {
		fatalf("confirmation mismatch (%s): got=%q want=%q", c.name, p.Message, want)
	}
}

func mustListContains(parent context.Context, c *smokeClient, want v1.User, stepTimeout time.Duration) int {
	env := v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeGetAllUsers,
		ID:      c.nextID("list"),
		TS:      time.Now().UTC(),
		Payload: mustJSON(v1.GetAllUsersPayload{}),
	}
	mustWriteWithTimeout(parent, c.conn, env, stepTimeout)

	res := c.mustReadUntilType(parent, v1.TypeGetAllUsersResult, stepTimeout, nil)
	if res.ReplyTo != env.ID {
		fatalf("list reply_to mismatch (%s): got=%q want=%q", c.name, res.ReplyTo, env.ID)
	}

	var p v1.GetAllUsersResultPayload
	if err := json.Unmarshal(res.Payload, &p); err != nil {
		fatalf("unmarshal get_all_users_result payload (%s): %v", c.name, err)
	}

	matches := 0
	for _, u := range p.Users {
		if u.Identity != want.Identity {
			continue
		}
		matches++
		if u != want {
			fatalf("stored user mismatch (%s): got=%+v want=%+v", c.name, u, want)
		}
	}
	if matches != 1 {
		fatalf("expected exactly one record for %q (%s), got=%d", want.Identity, c.name, matches)
	}
	return len(p.Users)
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
