package http

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/rs/zerolog"

	"github.com/iccanobif/gikopoi2-sub001/internal/auth"
	"github.com/iccanobif/gikopoi2-sub001/internal/config"
	"github.com/iccanobif/gikopoi2-sub001/internal/core"
	"github.com/iccanobif/gikopoi2-sub001/internal/presence"
	"github.com/iccanobif/gikopoi2-sub001/internal/proto"
	"github.com/iccanobif/gikopoi2-sub001/internal/relay"
	"github.com/iccanobif/gikopoi2-sub001/internal/relay/relaytest"
	"github.com/iccanobif/gikopoi2-sub001/internal/reputation"
	"github.com/iccanobif/gikopoi2-sub001/internal/rooms"
	"github.com/iccanobif/gikopoi2-sub001/internal/world"
)

const testAdminPassword = "s3cret"

type fakeSaver struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeSaver) Save(context.Context) error {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return nil
}

func (f *fakeSaver) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type testServer struct {
	ts    *httptest.Server
	hub   *core.Hub
	gate  *reputation.Gate
	saver *fakeSaver
}

func newTestServer(t *testing.T, mutate ...func(*config.Config)) *testServer {
	t.Helper()

	catalog, err := world.Default()
	if err != nil {
		t.Fatalf("load catalog: %v", err)
	}
	logger := zerolog.Nop()

	server := relay.NewServer("test", relaytest.New())
	if err := server.Connect(context.Background()); err != nil {
		t.Fatalf("connect fake relay: %v", err)
	}
	gate, err := reputation.New(reputation.DefaultConfig(), nil, nil, &logger)
	if err != nil {
		t.Fatalf("create gate: %v", err)
	}

	hubCfg := core.DefaultConfig()
	hubCfg.ReaperInterval = 0
	hub := core.NewHub(hubCfg, core.Deps{
		Catalog: catalog,
		Users:   presence.NewStore(presence.DefaultConfig()),
		Rooms:   rooms.NewStore(catalog),
		Relays:  relay.NewPool(&logger, server),
		Gate:    gate,
		Logger:  &logger,
	})
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	hash, err := auth.HashPassword(testAdminPassword)
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	authService := auth.NewService(hash, &auth.JWTConfig{
		Secret:   []byte("test-secret"),
		Issuer:   "test",
		Audience: "test",
		TTL:      time.Hour,
	})

	cfg := config.Default()
	for _, m := range mutate {
		m(&cfg)
	}
	saver := &fakeSaver{}
	srv := NewServer(Deps{Hub: hub, Gate: gate, Auth: authService, Snapshots: saver}, &cfg, &logger)
	ts := httptest.NewServer(srv.Handler)

	t.Cleanup(func() {
		cancel()
		<-hub.Stopped()
		ts.Close()
	})

	return &testServer{ts: ts, hub: hub, gate: gate, saver: saver}
}

func (s *testServer) do(t *testing.T, method, path string, body any, token string) (int, []byte) {
	t.Helper()

	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = strings.NewReader(b)
	default:
		data, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, s.ts.URL+path, reader)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := s.ts.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp.StatusCode, data
}

func (s *testServer) login(t *testing.T, name, room string) core.LoginResult {
	t.Helper()

	status, body := s.do(t, http.MethodPost, "/api/login", LoginRequest{
		Name:        name,
		CharacterID: "giko",
		AreaID:      "for",
		RoomID:      room,
	}, "")
	if status != http.StatusOK {
		t.Fatalf("login %s: status %d: %s", name, status, body)
	}
	var res core.LoginResult
	if err := json.Unmarshal(body, &res); err != nil {
		t.Fatalf("decode login result: %v", err)
	}
	return res
}

func (s *testServer) adminToken(t *testing.T) string {
	t.Helper()

	status, body := s.do(t, http.MethodPost, "/api/admin/login", AdminLoginRequest{Password: testAdminPassword}, "")
	if status != http.StatusOK {
		t.Fatalf("admin login: status %d: %s", status, body)
	}
	var resp AuthResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		t.Fatalf("decode token: %v", err)
	}
	return resp.Token
}

func (s *testServer) dial(t *testing.T, privateID string) *websocket.Conn {
	t.Helper()

	wsURL := strings.Replace(s.ts.URL, "http", "ws", 1) + "/ws?private_user_id=" + url.QueryEscape(privateID)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.CloseNow() })
	return conn
}

type outbound struct {
	Type  string          `json:"type"`
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
	Error *proto.Error    `json:"error"`
}

// readUntil reads frames until match accepts one.
func readUntil(t *testing.T, conn *websocket.Conn, what string, match func(outbound) bool) outbound {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	for {
		var out outbound
		if err := wsjson.Read(ctx, conn, &out); err != nil {
			t.Fatalf("waiting for %s: %v", what, err)
		}
		if match(out) {
			return out
		}
	}
}

func readEvent(t *testing.T, conn *websocket.Conn, name string) outbound {
	t.Helper()
	return readUntil(t, conn, name, func(o outbound) bool {
		return o.Type == proto.OutboundTypeEvent && o.Event == name
	})
}

func readError(t *testing.T, conn *websocket.Conn) *proto.Error {
	t.Helper()
	out := readUntil(t, conn, "error frame", func(o outbound) bool {
		return o.Type == proto.OutboundTypeError
	})
	if out.Error == nil {
		t.Fatalf("error frame without error body")
	}
	return out.Error
}

func send(t *testing.T, conn *websocket.Conn, typ string, data any) {
	t.Helper()

	inbound := proto.Inbound{Type: typ}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			t.Fatalf("marshal %s: %v", typ, err)
		}
		inbound.Data = raw
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := wsjson.Write(ctx, conn, inbound); err != nil {
		t.Fatalf("write %s: %v", typ, err)
	}
}
