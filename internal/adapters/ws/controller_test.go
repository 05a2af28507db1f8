package ws

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/dmarkov/huddle/internal/app"
	"github.com/dmarkov/huddle/internal/config"
	"github.com/dmarkov/huddle/internal/proto"
)

func newTestServer(t *testing.T) string {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := &config.Config{
		ReadLimit:       32768,
		PingPeriod:      time.Second,
		WriteTimeout:    time.Second,
		SendBuffer:      16,
		MaxEventsPerSec: 200,
		OfferTimeout:    5 * time.Second,
	}
	dispatch := app.NewDispatcher(app.NewCallManager(app.NewRegistry(), cfg.OfferTimeout))
	ctl := NewController(dispatch, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	r := gin.New()
	r.GET("/ws", func(c *gin.Context) {
		ctl.Handle(ctx, c)
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

type wsClient struct {
	t    *testing.T
	conn *websocket.Conn
}

func dialClient(t *testing.T, url string) *wsClient {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return &wsClient{t: t, conn: conn}
}

func (c *wsClient) send(e proto.Envelope) {
	c.t.Helper()
	frame, err := proto.Encode(e)
	if err != nil {
		c.t.Fatalf("encode: %v", err)
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		c.t.Fatalf("write: %v", err)
	}
}

func (c *wsClient) sendRaw(data string) {
	c.t.Helper()
	if err := c.conn.WriteMessage(websocket.TextMessage, []byte(data)); err != nil {
		c.t.Fatalf("write raw: %v", err)
	}
}

// expect reads frames until one of the wanted type arrives, skipping
// interleaved pushes like roster updates.
func (c *wsClient) expect(typ proto.EventType) proto.Envelope {
	c.t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for i := 0; i < 50; i++ {
		_ = c.conn.SetReadDeadline(deadline)
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.t.Fatalf("read while expecting %s: %v", typ, err)
		}
		e, err := proto.Parse(data)
		if err != nil {
			c.t.Fatalf("relay sent unparseable frame %q: %v", data, err)
		}
		if e.Type == typ {
			return e
		}
	}
	c.t.Fatalf("never received %s", typ)
	return proto.Envelope{}
}

func (c *wsClient) login(name string) string {
	c.t.Helper()
	c.send(proto.Envelope{Type: proto.EventLogin, Name: name})
	ack := c.expect(proto.EventLoggedIn)
	if ack.UserID == "" {
		c.t.Fatal("logged_in without userId")
	}
	return ack.UserID
}

// rosterWithUsers waits for a user_list push containing exactly the given
// usernames and returns username -> userId.
func (c *wsClient) rosterWithUsers(names ...string) map[string]string {
	c.t.Helper()
	for i := 0; i < 10; i++ {
		list := c.expect(proto.EventUserList)
		got := map[string]string{}
		for _, u := range list.Users {
			got[u.Username] = u.UserID
		}
		if len(got) != len(names) {
			continue
		}
		ok := true
		for _, n := range names {
			if _, found := got[n]; !found {
				ok = false
				break
			}
		}
		if ok {
			return got
		}
	}
	c.t.Fatalf("never saw roster %v", names)
	return nil
}

func TestLoginAndPingOverWire(t *testing.T) {
	url := newTestServer(t)
	c := dialClient(t, url)

	userID := c.login("alice")
	roster := c.rosterWithUsers("alice")
	if roster["alice"] != userID {
		t.Fatalf("roster id %q != ack id %q", roster["alice"], userID)
	}

	c.send(proto.Envelope{Type: proto.EventPing})
	c.expect(proto.EventPong)
}

func TestMalformedFramesAreRejectedNotFatal(t *testing.T) {
	url := newTestServer(t)
	c := dialClient(t, url)

	for _, raw := range []string{
		"not json at all",
		`{"type":"login","name":"x","extra":1}`,
		`{"type":"pong"}`,
	} {
		c.sendRaw(raw)
		e := c.expect(proto.EventError)
		if e.Code != "bad_payload" {
			t.Fatalf("code for %q = %q, want bad_payload", raw, e.Code)
		}
	}

	// The connection survives every rejection.
	c.login("alice")
}

func TestOperationsBeforeLoginOverWire(t *testing.T) {
	url := newTestServer(t)
	c := dialClient(t, url)

	c.send(proto.Envelope{Type: proto.EventPrivateMessage, To: "u1", Msg: "hi"})
	if e := c.expect(proto.EventError); e.Code != "not_logged_in" {
		t.Fatalf("code = %q, want not_logged_in", e.Code)
	}
}

func TestCallFlowOverWire(t *testing.T) {
	url := newTestServer(t)
	alice := dialClient(t, url)
	bob := dialClient(t, url)

	aliceID := alice.login("alice")
	bobID := bob.login("bob")
	if roster := alice.rosterWithUsers("alice", "bob"); roster["bob"] != bobID {
		t.Fatalf("roster id %q != bob's ack id %q", roster["bob"], bobID)
	}

	offer := `{"type":"offer","sdp":"v=0"}`
	alice.send(proto.Envelope{Type: proto.EventCallUser, UserToCall: bobID, SignalData: []byte(offer)})
	made := bob.expect(proto.EventCallMade)
	if made.From != aliceID || string(made.Signal) != offer {
		t.Fatalf("call-made = %+v", made)
	}

	answer := `{"type":"answer","sdp":"v=0"}`
	bob.send(proto.Envelope{Type: proto.EventAnswerCall, To: aliceID, Signal: []byte(answer)})
	accepted := alice.expect(proto.EventCallAccepted)
	if accepted.From != bobID || string(accepted.Signal) != answer {
		t.Fatalf("call-accepted = %+v", accepted)
	}

	cand := `{"candidate":"candidate:1 1 udp 1 127.0.0.1 1 typ host"}`
	alice.send(proto.Envelope{Type: proto.EventICECandidate, To: bobID, Candidate: []byte(cand)})
	relayed := bob.expect(proto.EventICECandidate)
	if relayed.From != aliceID || string(relayed.Candidate) != cand {
		t.Fatalf("ice-candidate = %+v", relayed)
	}

	alice.send(proto.Envelope{Type: proto.EventEndCall, To: bobID})
	ended := bob.expect(proto.EventCallEnded)
	if ended.From != aliceID || ended.Reason != "hangup" {
		t.Fatalf("call-ended = %+v", ended)
	}
}

func TestDisconnectUpdatesRosterAndEndsCalls(t *testing.T) {
	url := newTestServer(t)
	alice := dialClient(t, url)
	bob := dialClient(t, url)

	aliceID := alice.login("alice")
	bobID := bob.login("bob")
	alice.rosterWithUsers("alice", "bob")

	alice.send(proto.Envelope{Type: proto.EventCallUser, UserToCall: bobID, SignalData: []byte(`{"type":"offer","sdp":"v=0"}`)})
	bob.expect(proto.EventCallMade)
	bob.send(proto.Envelope{Type: proto.EventAnswerCall, To: aliceID, Signal: []byte(`{"type":"answer","sdp":"v=0"}`)})
	alice.expect(proto.EventCallAccepted)

	_ = alice.conn.Close()

	ended := bob.expect(proto.EventCallEnded)
	if ended.From != aliceID || ended.Reason != app.ReasonPeerDisconnected {
		t.Fatalf("call-ended = %+v", ended)
	}
	bob.rosterWithUsers("bob")
}

func TestRateLimitOverWire(t *testing.T) {
	gin.SetMode(gin.TestMode)

	cfg := &config.Config{
		ReadLimit:       32768,
		PingPeriod:      time.Second,
		WriteTimeout:    time.Second,
		SendBuffer:      64,
		MaxEventsPerSec: 3,
		OfferTimeout:    5 * time.Second,
	}
	dispatch := app.NewDispatcher(app.NewCallManager(app.NewRegistry(), cfg.OfferTimeout))
	ctl := NewController(dispatch, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r := gin.New()
	r.GET("/ws", func(c *gin.Context) { ctl.Handle(ctx, c) })
	srv := httptest.NewServer(r)
	defer srv.Close()

	c := dialClient(t, "ws"+strings.TrimPrefix(srv.URL, "http")+"/ws")
	for i := 0; i < 10; i++ {
		c.send(proto.Envelope{Type: proto.EventPing})
	}
	if e := c.expect(proto.EventError); e.Code != "rate_limited" {
		t.Fatalf("code = %q, want rate_limited", e.Code)
	}
}
