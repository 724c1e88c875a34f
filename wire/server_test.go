package wire

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/time/rate"

	"github.com/workmesh/escrow/id"
	"github.com/workmesh/escrow/stream"
)

// ── Test helpers ────────────────────────────────────

// newTestServer builds a full wire server over an in-memory
// marketplace and returns the fixture, the running httptest server,
// and the accounts behind the "full-token" and "read-token" API keys.
func newTestServer(t *testing.T, opts ...Option) (*handlerFixture, *httptest.Server, id.AccountID, id.AccountID) {
	t.Helper()

	f := newHandlerFixture(t)

	full := id.NewAccountID()
	readOnly := id.NewAccountID()

	auth := NewAPIKeyAuthenticator(
		APIKeyEntry{
			Token:    "full-token",
			Identity: Identity{Account: full, Subject: "full-user", Scopes: []string{ScopeAll}},
		},
		APIKeyEntry{
			Token:    "read-token",
			Identity: Identity{Account: readOnly, Subject: "read-user", Scopes: []string{ScopeJobRead}},
		},
	)

	srv := NewServer(f.broker, f.handler, append([]Option{
		WithAuth(auth),
		WithLogger(testLogger()),
	}, opts...)...)

	ts := httptest.NewServer(srv.HTTPHandler())
	t.Cleanup(ts.Close)

	return f, ts, full, readOnly
}

func wsURL(ts *httptest.Server) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/wire"
}

// dialAndAuth opens a WebSocket connection and completes the auth
// handshake, returning the connection and the decoded auth response.
func dialAndAuth(t *testing.T, ts *httptest.Server, token, format string) (net.Conn, *AuthResponse) {
	t.Helper()

	conn, _, _, err := ws.Dial(context.Background(), wsURL(ts))
	if err != nil {
		t.Fatalf("ws.Dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	authFrame, err := NewRequestFrame(GenerateFrameID(), MethodAuth, AuthRequest{Token: token, Format: format})
	if err != nil {
		t.Fatalf("NewRequestFrame: %v", err)
	}
	writeClientFrame(t, conn, &JSONCodec{}, authFrame)

	codec := GetCodec(format)
	resp := readServerFrame(t, conn, codec)
	if resp.Type == FrameErr {
		t.Fatalf("auth failed: %+v", resp.Error)
	}

	// Frame payloads stay JSON-encoded under both codecs: msgpack
	// carries the RawMessage bytes through as binary.
	var authResp AuthResponse
	if err := json.Unmarshal(resp.Data, &authResp); err != nil {
		t.Fatalf("unmarshal auth response: %v", err)
	}
	return conn, &authResp
}

func writeClientFrame(t *testing.T, conn net.Conn, codec Codec, frame *Frame) {
	t.Helper()
	data, err := codec.Encode(frame)
	if err != nil {
		t.Fatalf("encode frame: %v", err)
	}
	op := ws.OpBinary
	if codec.Name() == CodecNameJSON {
		op = ws.OpText
	}
	if err := wsutil.WriteClientMessage(conn, op, data); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func readServerFrame(t *testing.T, conn net.Conn, codec Codec) *Frame {
	t.Helper()
	if err := conn.SetReadDeadline(time.Now().Add(5 * time.Second)); err != nil {
		t.Fatalf("set deadline: %v", err)
	}
	data, _, err := wsutil.ReadServerData(conn)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	frame, err := codec.Decode(data)
	if err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	return frame
}

// roundTrip sends one request frame and reads the matching response,
// skipping any event frames that arrive in between.
func roundTrip(t *testing.T, conn net.Conn, codec Codec, frame *Frame) *Frame {
	t.Helper()
	writeClientFrame(t, conn, codec, frame)
	for {
		resp := readServerFrame(t, conn, codec)
		if resp.Type != FrameEvent {
			return resp
		}
	}
}

// ── Server unit tests ───────────────────────────────

func TestServerDefaults(t *testing.T) {
	t.Parallel()

	broker := stream.NewBroker(testLogger())
	srv := NewServer(broker, &Handler{logger: testLogger()})

	if srv.basePath != "/wire" {
		t.Errorf("basePath = %q, want /wire", srv.basePath)
	}
	if srv.defaultCodec.Name() != CodecNameJSON {
		t.Errorf("codec = %q, want json", srv.defaultCodec.Name())
	}
	if srv.auth == nil {
		t.Error("auth should default to NoopAuthenticator")
	}
	if srv.conns == nil {
		t.Error("connection manager not created")
	}
	if srv.rateLimit != DefaultRateLimit {
		t.Errorf("rateLimit = %v, want %v", srv.rateLimit, DefaultRateLimit)
	}
}

func TestServerOptions(t *testing.T) {
	t.Parallel()

	broker := stream.NewBroker(testLogger())
	srv := NewServer(broker, &Handler{logger: testLogger()},
		WithPath("/custom"),
		WithCodec(&MsgpackCodec{}),
		WithRateLimit(10, 20),
	)

	if srv.basePath != "/custom" {
		t.Errorf("basePath = %q, want /custom", srv.basePath)
	}
	if srv.defaultCodec.Name() != CodecNameMsgpack {
		t.Errorf("codec = %q, want msgpack", srv.defaultCodec.Name())
	}
	if srv.rateLimit != 10 || srv.rateBurst != 20 {
		t.Errorf("rate = %v/%d, want 10/20", srv.rateLimit, srv.rateBurst)
	}
}

// ── WebSocket integration tests ─────────────────────

func TestWebSocketAuthAndRequest(t *testing.T) {
	t.Parallel()

	f, ts, full, _ := newTestServer(t)

	tok := id.NewTokenID()
	f.tokens.Mint(tok, full, 2_000)

	conn, authResp := dialAndAuth(t, ts, "full-token", "")
	if authResp.Format != CodecNameJSON {
		t.Errorf("Format = %q, want json", authResp.Format)
	}
	if authResp.Account != full.String() {
		t.Errorf("Account = %q, want %q", authResp.Account, full.String())
	}

	codec := &JSONCodec{}
	frame, err := NewRequestFrame(GenerateFrameID(), MethodJobCreate, JobCreateRequest{
		Token:           tok.String(),
		Quantity:        1_600,
		DurationSeconds: 1_000,
	})
	if err != nil {
		t.Fatalf("NewRequestFrame: %v", err)
	}

	resp := roundTrip(t, conn, codec, frame)
	if resp.Type != FrameResponse {
		t.Fatalf("resp = %+v, want response", resp.Error)
	}
	if resp.CorrelID != frame.ID {
		t.Errorf("CorrelID = %q, want %q", resp.CorrelID, frame.ID)
	}

	var created JobCreateResponse
	if err := json.Unmarshal(resp.Data, &created); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if created.JobID != 1 {
		t.Errorf("JobID = %d, want 1", created.JobID)
	}
}

func TestWebSocketRejectsBadFirstFrame(t *testing.T) {
	t.Parallel()

	_, ts, _, _ := newTestServer(t)

	conn, _, _, err := ws.Dial(context.Background(), wsURL(ts))
	if err != nil {
		t.Fatalf("ws.Dial: %v", err)
	}
	defer conn.Close()

	frame, _ := NewRequestFrame(GenerateFrameID(), MethodJobList, nil)
	writeClientFrame(t, conn, &JSONCodec{}, frame)

	resp := readServerFrame(t, conn, &JSONCodec{})
	if resp.Type != FrameErr || resp.Error.Code != ErrCodeBadRequest {
		t.Fatalf("resp = %+v, want bad-request error", resp)
	}
}

func TestWebSocketRejectsBadToken(t *testing.T) {
	t.Parallel()

	_, ts, _, _ := newTestServer(t)

	conn, _, _, err := ws.Dial(context.Background(), wsURL(ts))
	if err != nil {
		t.Fatalf("ws.Dial: %v", err)
	}
	defer conn.Close()

	frame, _ := NewRequestFrame(GenerateFrameID(), MethodAuth, AuthRequest{Token: "nope"})
	writeClientFrame(t, conn, &JSONCodec{}, frame)

	resp := readServerFrame(t, conn, &JSONCodec{})
	if resp.Type != FrameErr || resp.Error.Code != ErrCodeUnauthorized {
		t.Fatalf("resp = %+v, want unauthorized error", resp)
	}
}

func TestWebSocketScopeEnforcement(t *testing.T) {
	t.Parallel()

	f, ts, _, readOnly := newTestServer(t)

	tok := id.NewTokenID()
	f.tokens.Mint(tok, readOnly, 1_000)

	conn, _ := dialAndAuth(t, ts, "read-token", "")

	// job.list is allowed with job:read.
	list, _ := NewRequestFrame(GenerateFrameID(), MethodJobList, nil)
	resp := roundTrip(t, conn, &JSONCodec{}, list)
	if resp.Type != FrameResponse {
		t.Fatalf("list resp = %+v, want response", resp.Error)
	}

	// job.create is not.
	create, _ := NewRequestFrame(GenerateFrameID(), MethodJobCreate, JobCreateRequest{
		Token: tok.String(), Quantity: 100, DurationSeconds: 10,
	})
	resp = roundTrip(t, conn, &JSONCodec{}, create)
	if resp.Type != FrameErr || resp.Error.Code != ErrCodeForbidden {
		t.Fatalf("create resp = %+v, want forbidden", resp)
	}
}

func TestWebSocketSubscribeStreamsEvents(t *testing.T) {
	t.Parallel()

	f, ts, full, _ := newTestServer(t)

	tok := id.NewTokenID()
	f.tokens.Mint(tok, full, 1_000)

	conn, _ := dialAndAuth(t, ts, "full-token", "")
	codec := &JSONCodec{}

	sub, _ := NewRequestFrame(GenerateFrameID(), MethodSubscribe, SubscribeRequest{Channel: stream.TopicJobs})
	resp := roundTrip(t, conn, codec, sub)
	if resp.Type != FrameResponse {
		t.Fatalf("subscribe resp = %+v, want response", resp.Error)
	}

	// Trigger a job event server-side.
	if _, err := f.board.Create(context.Background(), full, "", "", tok, 500, 100*time.Second); err != nil {
		t.Fatalf("Create: %v", err)
	}

	evtFrame := readServerFrame(t, conn, codec)
	if evtFrame.Type != FrameEvent {
		t.Fatalf("frame type = %q, want event", evtFrame.Type)
	}

	var evt stream.Event
	if err := json.Unmarshal(evtFrame.Data, &evt); err != nil {
		t.Fatalf("unmarshal event: %v", err)
	}
	if evt.Type != stream.EventJobCreated {
		t.Errorf("event type = %q, want %q", evt.Type, stream.EventJobCreated)
	}
}

func TestWebSocketMsgpackNegotiation(t *testing.T) {
	t.Parallel()

	_, ts, _, _ := newTestServer(t)

	conn, _, _, err := ws.Dial(context.Background(), wsURL(ts))
	if err != nil {
		t.Fatalf("ws.Dial: %v", err)
	}
	defer conn.Close()

	// Auth is always JSON; the response arrives in the negotiated codec.
	authFrame, _ := NewRequestFrame(GenerateFrameID(), MethodAuth, AuthRequest{
		Token: "full-token", Format: CodecNameMsgpack,
	})
	writeClientFrame(t, conn, &JSONCodec{}, authFrame)

	if err := conn.SetReadDeadline(time.Now().Add(5 * time.Second)); err != nil {
		t.Fatalf("set deadline: %v", err)
	}
	data, op, err := wsutil.ReadServerData(conn)
	if err != nil {
		t.Fatalf("read auth response: %v", err)
	}
	if op != ws.OpBinary {
		t.Errorf("opcode = %v, want binary", op)
	}

	var resp Frame
	if err := msgpack.Unmarshal(data, &resp); err != nil {
		t.Fatalf("msgpack unmarshal: %v", err)
	}
	if resp.Type != FrameResponse {
		t.Fatalf("resp = %+v, want response", resp.Error)
	}

	// Ping/pong over the negotiated codec.
	codec := &MsgpackCodec{}
	ping := &Frame{ID: "ping-1", Type: FramePing, Timestamp: time.Now().UTC()}
	writeClientFrame(t, conn, codec, ping)

	pong := readServerFrame(t, conn, codec)
	if pong.Type != FramePong || pong.CorrelID != "ping-1" {
		t.Fatalf("pong = %+v, want pong correlated to ping-1", pong)
	}
}

func TestWebSocketRateLimit(t *testing.T) {
	t.Parallel()

	_, ts, _, _ := newTestServer(t, WithRateLimit(rate.Limit(0.001), 1))

	conn, _ := dialAndAuth(t, ts, "full-token", "")
	codec := &JSONCodec{}

	// First request consumes the single burst slot.
	first, _ := NewRequestFrame(GenerateFrameID(), MethodJobList, nil)
	resp := roundTrip(t, conn, codec, first)
	if resp.Type != FrameResponse {
		t.Fatalf("first resp = %+v, want response", resp.Error)
	}

	// Second is throttled.
	second, _ := NewRequestFrame(GenerateFrameID(), MethodJobList, nil)
	resp = roundTrip(t, conn, codec, second)
	if resp.Type != FrameErr || resp.Error.Code != ErrCodeTooManyReqs {
		t.Fatalf("second resp = %+v, want rate-limit error", resp)
	}
}

// ── HTTP RPC tests ──────────────────────────────────

func TestHTTPRPC(t *testing.T) {
	t.Parallel()

	f, ts, full, _ := newTestServer(t)

	tok := id.NewTokenID()
	f.tokens.Mint(tok, full, 1_000)

	post := func(frame *Frame) (*http.Response, *Frame) {
		t.Helper()
		body, err := json.Marshal(frame)
		if err != nil {
			t.Fatalf("marshal frame: %v", err)
		}
		resp, err := http.Post(ts.URL+"/wire/rpc", "application/json", strings.NewReader(string(body)))
		if err != nil {
			t.Fatalf("POST: %v", err)
		}
		defer resp.Body.Close()
		var out Frame
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			t.Fatalf("decode response: %v", err)
		}
		return resp, &out
	}

	// Authenticated request.
	frame, _ := NewRequestFrame(GenerateFrameID(), MethodJobCreate, JobCreateRequest{
		Token: tok.String(), Quantity: 500, DurationSeconds: 100,
	})
	frame.Token = "full-token"
	httpResp, out := post(frame)
	if httpResp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", httpResp.StatusCode)
	}
	if out.Type != FrameResponse {
		t.Fatalf("out = %+v, want response", out.Error)
	}

	// Bad token.
	frame, _ = NewRequestFrame(GenerateFrameID(), MethodJobList, nil)
	frame.Token = "nope"
	httpResp, _ = post(frame)
	if httpResp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", httpResp.StatusCode)
	}

	// Insufficient scope.
	frame, _ = NewRequestFrame(GenerateFrameID(), MethodJobCreate, JobCreateRequest{
		Token: tok.String(), Quantity: 1, DurationSeconds: 1,
	})
	frame.Token = "read-token"
	httpResp, _ = post(frame)
	if httpResp.StatusCode != http.StatusForbidden {
		t.Errorf("status = %d, want 403", httpResp.StatusCode)
	}

	// Domain errors surface as their mapped status.
	frame, _ = NewRequestFrame(GenerateFrameID(), MethodJobGet, JobIDRequest{JobID: 99})
	frame.Token = "full-token"
	httpResp, out = post(frame)
	if httpResp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404 (%+v)", httpResp.StatusCode, out.Error)
	}
}

// ── SSE tests ───────────────────────────────────────

func TestSSEStreamsEvents(t *testing.T) {
	t.Parallel()

	f, ts, full, _ := newTestServer(t)

	tok := id.NewTokenID()
	f.tokens.Mint(tok, full, 1_000)

	resp, err := http.Get(ts.URL + "/wire/sse?token=full-token&channel=jobs")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q, want text/event-stream", ct)
	}

	// Give the server loop a moment to register the subscription,
	// then trigger an event.
	time.Sleep(100 * time.Millisecond)
	if _, err := f.board.Create(context.Background(), full, "", "", tok, 500, 100*time.Second); err != nil {
		t.Fatalf("Create: %v", err)
	}

	reader := bufio.NewReader(resp.Body)
	deadline := time.After(5 * time.Second)
	lines := make(chan string, 8)
	go func() {
		for {
			line, readErr := reader.ReadString('\n')
			if readErr != nil {
				close(lines)
				return
			}
			lines <- strings.TrimSpace(line)
		}
	}()

	for {
		select {
		case line, ok := <-lines:
			if !ok {
				t.Fatal("stream closed before event arrived")
			}
			if strings.HasPrefix(line, "event: ") {
				if got := strings.TrimPrefix(line, "event: "); got != string(stream.EventJobCreated) {
					t.Fatalf("event = %q, want %q", got, stream.EventJobCreated)
				}
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for SSE event")
		}
	}
}

func TestSSERequiresChannel(t *testing.T) {
	t.Parallel()

	_, ts, _, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/wire/sse?token=full-token")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}
