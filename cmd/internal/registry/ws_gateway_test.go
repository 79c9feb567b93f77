package registry

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"dstake/cmd/internal/ids"
	v1 "dstake/contracts/registry/v1"

	"github.com/coder/websocket"
)

const testOrigin = "http://localhost"

func newTestGateway(t *testing.T, reg *Registry, cfg GatewayConfig) *WSGateway {
	t.Helper()

	if cfg.AllowedOrigins == nil {
		cfg.AllowedOrigins = []string{testOrigin}
	}
	gw, err := NewWSGateway(slog.New(slog.NewTextHandler(io.Discard, nil)), reg, cfg)
	if err != nil {
		t.Fatalf("NewWSGateway: %v", err)
	}
	return gw
}

func startWSTestServer(t *testing.T, gw *WSGateway) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.Handle("/ws", gw)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

func dialWS(t *testing.T, baseHTTPURL, origin string, subprotocols ...string) (*websocket.Conn, *http.Response, error) {
	t.Helper()

	u, err := url.Parse(baseHTTPURL)
	if err != nil {
		t.Fatalf("url.Parse: %v", err)
	}
	u.Scheme = "ws"
	u.Path = "/ws"

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}
	if len(subprotocols) == 0 {
		subprotocols = []string{v1.Subprotocol}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		Subprotocols: subprotocols,
		HTTPHeader:   h,
	})
}

func mustDialWS(t *testing.T, baseHTTPURL string) *websocket.Conn {
	t.Helper()

	conn, resp, err := dialWS(t, baseHTTPURL, testOrigin)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") })
	return conn
}

func writeEnvelopeWS(t *testing.T, conn *websocket.Conn, env v1.Envelope) {
	t.Helper()
	b, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	writeRawWS(t, conn, b)
}

func writeRawWS(t *testing.T, conn *websocket.Conn, b []byte) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		t.Fatalf("conn.Write: %v", err)
	}
}

func readEnvelopeWS(t *testing.T, conn *websocket.Conn) v1.Envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, b, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("conn.Read: %v", err)
	}
	var env v1.Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	return env
}

func mustJSONRaw(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("json.Marshal: %v", err)
	}
	return b
}

func newRequest(t *testing.T, typ string, payload any) v1.Envelope {
	t.Helper()
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      ids.MustULID(time.Now().UTC()),
		TS:      time.Now().UTC(),
		Payload: mustJSONRaw(t, payload),
	}
}

func decodePayload[T any](t *testing.T, env v1.Envelope) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(env.Payload, &out); err != nil {
		t.Fatalf("unmarshal %s payload: %v", env.Type, err)
	}
	return out
}

func TestWSGateway_UpsertThenList(t *testing.T) {
	t.Parallel()

	ts := startWSTestServer(t, newTestGateway(t, newTestRegistry(t), GatewayConfig{}))
	conn := mustDialWS(t, ts.URL)

	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		t.Fatalf("subprotocol=%q want=%q", sp, v1.Subprotocol)
	}

	up := newRequest(t, v1.TypeAddOrUpdateUser, v1.AddOrUpdateUserPayload{
		Identity:  "aaaaa-aa",
		AccountID: "acc-1",
		Balance:   math.MaxUint64,
	})
	writeEnvelopeWS(t, conn, up)

	res := readEnvelopeWS(t, conn)
	if res.Type != v1.TypeAddOrUpdateUserResult {
		t.Fatalf("type=%q payload=%s", res.Type, res.Payload)
	}
	if res.ReplyTo != up.ID {
		t.Fatalf("reply_to=%q want=%q", res.ReplyTo, up.ID)
	}
	if !ids.IsULID(res.ID) {
		t.Fatalf("reply id %q is not a ULID", res.ID)
	}
	if msg := decodePayload[v1.AddOrUpdateUserResultPayload](t, res).Message; msg != "User aaaaa-aa stored successfully" {
		t.Fatalf("message=%q", msg)
	}

	list := newRequest(t, v1.TypeGetAllUsers, v1.GetAllUsersPayload{})
	writeEnvelopeWS(t, conn, list)

	res = readEnvelopeWS(t, conn)
	if res.Type != v1.TypeGetAllUsersResult || res.ReplyTo != list.ID {
		t.Fatalf("type=%q reply_to=%q", res.Type, res.ReplyTo)
	}
	users := decodePayload[v1.GetAllUsersResultPayload](t, res).Users
	if len(users) != 1 || users[0] != (v1.User{Identity: "aaaaa-aa", AccountID: "acc-1", Balance: math.MaxUint64}) {
		t.Fatalf("users=%+v", users)
	}
}

func TestWSGateway_RequestErrors(t *testing.T) {
	t.Parallel()

	ts := startWSTestServer(t, newTestGateway(t, newTestRegistry(t), GatewayConfig{}))
	conn := mustDialWS(t, ts.URL)

	writeRawWS(t, conn, []byte(`{not json`))
	res := readEnvelopeWS(t, conn)
	if res.Type != v1.TypeError || decodePayload[v1.ErrorPayload](t, res).Code != "bad_json" {
		t.Fatalf("bad json: got %s %s", res.Type, res.Payload)
	}

	bad := v1.Envelope{V: "v0", Type: v1.TypeGetAllUsers, ID: "req-1"}
	writeEnvelopeWS(t, conn, bad)
	res = readEnvelopeWS(t, conn)
	if res.Type != v1.TypeError || res.ReplyTo != "req-1" || decodePayload[v1.ErrorPayload](t, res).Code != "bad_envelope" {
		t.Fatalf("bad envelope: got %s reply_to=%q %s", res.Type, res.ReplyTo, res.Payload)
	}

	// Result types are valid envelopes but not requests.
	writeEnvelopeWS(t, conn, v1.Envelope{V: v1.Version, Type: v1.TypeGetAllUsersResult, ID: "req-2"})
	res = readEnvelopeWS(t, conn)
	if res.Type != v1.TypeError || decodePayload[v1.ErrorPayload](t, res).Code != "unsupported" {
		t.Fatalf("unsupported: got %s %s", res.Type, res.Payload)
	}

	payloadCases := []struct {
		name    string
		payload any
		code    string
	}{
		{name: "missing fields", payload: map[string]any{"identity": "a"}, code: "invalid_request"},
		{name: "unknown field", payload: map[string]any{"identity": "a", "account_id": "b", "balance": 1, "extra": true}, code: "invalid_json"},
		{name: "negative balance", payload: map[string]any{"identity": "a", "account_id": "b", "balance": -1}, code: "invalid_json"},
	}
	for _, pc := range payloadCases {
		req := newRequest(t, v1.TypeAddOrUpdateUser, pc.payload)
		writeEnvelopeWS(t, conn, req)
		res = readEnvelopeWS(t, conn)
		if res.Type != v1.TypeError || res.ReplyTo != req.ID || decodePayload[v1.ErrorPayload](t, res).Code != pc.code {
			t.Fatalf("%s: got %s reply_to=%q %s", pc.name, res.Type, res.ReplyTo, res.Payload)
		}
	}

	// The session survives request errors.
	ok := newRequest(t, v1.TypeGetAllUsers, v1.GetAllUsersPayload{})
	writeEnvelopeWS(t, conn, ok)
	res = readEnvelopeWS(t, conn)
	if res.Type != v1.TypeGetAllUsersResult {
		t.Fatalf("after errors: got %s %s", res.Type, res.Payload)
	}
	if users := decodePayload[v1.GetAllUsersResultPayload](t, res).Users; users == nil || len(users) != 0 {
		t.Fatalf("users=%#v want empty non-nil", users)
	}
}

func TestWSGateway_RejectsDisallowedOrigin(t *testing.T) {
	t.Parallel()

	ts := startWSTestServer(t, newTestGateway(t, newTestRegistry(t), GatewayConfig{OriginRequired: true}))

	for _, origin := range []string{"", "https://evil.example"} {
		conn, resp, err := dialWS(t, ts.URL, origin)
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if err == nil {
			_ = conn.Close(websocket.StatusNormalClosure, "")
			t.Fatalf("origin %q: expected dial failure", origin)
		}
		if resp == nil || resp.StatusCode != http.StatusForbidden {
			t.Fatalf("origin %q: expected 403, got resp=%v", origin, resp)
		}
	}
}

func TestWSGateway_RequiresSubprotocol(t *testing.T) {
	t.Parallel()

	ts := startWSTestServer(t, newTestGateway(t, newTestRegistry(t), GatewayConfig{}))

	conn, resp, err := dialWS(t, ts.URL, testOrigin, "something.else")
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err = conn.Read(ctx)
	if got := websocket.CloseStatus(err); got != websocket.StatusProtocolError {
		t.Fatalf("close status=%v err=%v want protocol error", got, err)
	}
}

func TestWSGateway_RateLimitClosesSession(t *testing.T) {
	t.Parallel()

	ts := startWSTestServer(t, newTestGateway(t, newTestRegistry(t), GatewayConfig{
		RateEvents: 2,
		RateWindow: time.Minute,
	}))
	conn := mustDialWS(t, ts.URL)

	for i := 0; i < 2; i++ {
		writeEnvelopeWS(t, conn, newRequest(t, v1.TypeGetAllUsers, v1.GetAllUsersPayload{}))
		if res := readEnvelopeWS(t, conn); res.Type != v1.TypeGetAllUsersResult {
			t.Fatalf("request %d: got %s", i, res.Type)
		}
	}

	writeEnvelopeWS(t, conn, newRequest(t, v1.TypeGetAllUsers, v1.GetAllUsersPayload{}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		_, b, err := conn.Read(ctx)
		if err != nil {
			if got := websocket.CloseStatus(err); got != websocket.StatusPolicyViolation {
				t.Fatalf("close status=%v err=%v want policy violation", got, err)
			}
			return
		}
		var env v1.Envelope
		if err := json.Unmarshal(b, &env); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if env.Type == v1.TypeError && decodePayload[v1.ErrorPayload](t, env).Code != "rate_limited" {
			t.Fatalf("unexpected error payload: %s", env.Payload)
		}
	}
}

func TestEnforceOrigin(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		required bool
		allowed  []string
		origin   string
		ok       bool
	}{
		{name: "missing not required", origin: "", ok: true},
		{name: "missing required", required: true, origin: "", ok: false},
		{name: "exact", allowed: []string{"https://app.example"}, origin: "https://app.example", ok: true},
		{name: "host match ignores port", allowed: []string{"http://localhost"}, origin: "http://localhost:5173", ok: true},
		{name: "wildcard", allowed: []string{"*"}, origin: "https://anything.example", ok: true},
		{name: "no allowlist", origin: "https://app.example", ok: false},
		{name: "other host", allowed: []string{"https://app.example"}, origin: "https://evil.example", ok: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			g := &WSGateway{cfg: GatewayConfig{OriginRequired: tc.required, AllowedOrigins: tc.allowed}}
			r := httptest.NewRequest(http.MethodGet, "/ws", nil)
			if tc.origin != "" {
				r.Header.Set("Origin", tc.origin)
			}
			err := g.enforceOrigin(r)
			if (err == nil) != tc.ok {
				t.Fatalf("enforceOrigin(%q) err=%v want ok=%v", tc.origin, err, tc.ok)
			}
		})
	}
}

func TestDeriveOriginPatterns(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		allowed []string
		want    []string
	}{
		{name: "hosts", allowed: []string{"http://localhost:3000", "https://LOCALHOST", "", "app.example:443"}, want: []string{"app.example", "localhost"}},
		{name: "wildcard wins", allowed: []string{"http://localhost", " * "}, want: []string{"*"}},
		{name: "empty", allowed: nil, want: []string{}},
	}

	for _, tc := range cases {
		got := deriveOriginPatterns(tc.allowed)
		if strings.Join(got, ",") != strings.Join(tc.want, ",") {
			t.Fatalf("%s: deriveOriginPatterns(%v)=%v want=%v", tc.name, tc.allowed, got, tc.want)
		}
	}
}

func TestWSGateway_WildcardOrigin(t *testing.T) {
	t.Parallel()

	ts := startWSTestServer(t, newTestGateway(t, newTestRegistry(t), GatewayConfig{
		OriginRequired: true,
		AllowedOrigins: []string{"*"},
	}))

	for _, origin := range []string{"http://example.com", "https://app.example:8443"} {
		conn, resp, err := dialWS(t, ts.URL, origin)
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if err != nil {
			t.Fatalf("origin %q: dial failed: %v", origin, err)
		}

		req := newRequest(t, v1.TypeGetAllUsers, v1.GetAllUsersPayload{})
		writeEnvelopeWS(t, conn, req)
		if res := readEnvelopeWS(t, conn); res.Type != v1.TypeGetAllUsersResult || res.ReplyTo != req.ID {
			t.Fatalf("origin %q: got %s reply_to=%q", origin, res.Type, res.ReplyTo)
		}
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}

	// Wildcard does not lift the missing-origin rule.
	conn, resp, err := dialWS(t, ts.URL, "")
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err == nil {
		_ = conn.Close(websocket.StatusNormalClosure, "")
		t.Fatalf("missing origin: expected dial failure")
	}
}

func TestGatewayConfig_Defaults(t *testing.T) {
	t.Parallel()

	c := GatewayConfig{SendQueueSize: 2}.withDefaults()
	if c.SendQueueSize != wsMinSendQueueSize {
		t.Fatalf("SendQueueSize=%d want=%d", c.SendQueueSize, wsMinSendQueueSize)
	}
	if c.RateEvents != rateLimitEvents || c.RateWindow != rateLimitWindow {
		t.Fatalf("rate defaults=%d/%v", c.RateEvents, c.RateWindow)
	}
	if c.HeartbeatInterval != heartbeatInterval || c.WriteTimeout != wsDefaultWriteTimeout {
		t.Fatalf("timing defaults=%v/%v", c.HeartbeatInterval, c.WriteTimeout)
	}
}
