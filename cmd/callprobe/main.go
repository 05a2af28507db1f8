// Command callprobe is a smoke-test client for the relay. It logs in twice,
// verifies presence and a round-trip chat message, then drives a full
// offer/answer/trickle-ICE handshake through the relay with real pion
// PeerConnections and reports when the data channel opens end to end.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dmarkov/huddle/internal/proto"
)

func main() {
	addr := flag.String("addr", "ws://127.0.0.1:5000/api/ws", "relay WebSocket URL")
	timeout := flag.Duration("timeout", 30*time.Second, "overall probe deadline")
	flag.Parse()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	alice, err := dial(*addr, "alice")
	if err != nil {
		log.Fatal().Err(err).Msg("dial alice")
	}
	defer alice.close()

	bob, err := dial(*addr, "bob")
	if err != nil {
		log.Fatal().Err(err).Msg("dial bob")
	}
	defer bob.close()

	deadline := time.After(*timeout)

	waitClosed(deadline, alice.loggedIn, "alice login")
	waitClosed(deadline, bob.loggedIn, "bob login")
	log.Info().Str("alice", alice.userID).Str("bob", bob.userID).Msg("both logged in")

	bobID := alice.waitForUser("bob", deadline)
	aliceID := bob.waitForUser("alice", deadline)
	if bobID != bob.userID || aliceID != alice.userID {
		log.Fatal().Msg("roster IDs do not match login acks")
	}

	alice.send(proto.Envelope{Type: proto.EventPrivateMessage, To: bobID, Msg: "ping"})
	select {
	case env := <-bob.gotMsg:
		if env.From != aliceID || env.Msg != "ping" {
			log.Fatal().Str("from", env.From).Str("msg", env.Msg).Msg("unexpected chat message")
		}
	case <-deadline:
		log.Fatal().Msg("timed out waiting for chat message")
	}
	log.Info().Msg("chat round-trip ok")

	aliceOpen := make(chan struct{})
	bobOpen := make(chan struct{})

	if err := alice.startCall(bobID, aliceOpen); err != nil {
		log.Fatal().Err(err).Msg("start call")
	}

	select {
	case env := <-bob.callMade:
		if err := bob.answerCall(env, bobOpen); err != nil {
			log.Fatal().Err(err).Msg("answer call")
		}
	case <-deadline:
		log.Fatal().Msg("timed out waiting for call-made")
	}

	select {
	case env := <-alice.callAccepted:
		var answer webrtc.SessionDescription
		if err := json.Unmarshal(env.Signal, &answer); err != nil {
			log.Fatal().Err(err).Msg("decode answer")
		}
		if err := alice.pc.SetRemoteDescription(answer); err != nil {
			log.Fatal().Err(err).Msg("set remote answer")
		}
	case <-deadline:
		log.Fatal().Msg("timed out waiting for call-accepted")
	}

	waitClosed(deadline, aliceOpen, "alice data channel")
	waitClosed(deadline, bobOpen, "bob data channel")
	log.Info().Msg("peer-to-peer data channel open on both sides")

	alice.send(proto.Envelope{Type: proto.EventEndCall, To: bobID})
	select {
	case <-bob.callEnded:
	case <-deadline:
		log.Fatal().Msg("timed out waiting for call-ended")
	}

	log.Info().Msg("probe passed")
}

func waitClosed(deadline <-chan time.Time, ch <-chan struct{}, what string) {
	select {
	case <-ch:
	case <-deadline:
		log.Fatal().Str("step", what).Msg("probe timed out")
	}
}

type client struct {
	name string
	ws   *websocket.Conn

	sendMu sync.Mutex

	userID   string
	loggedIn chan struct{}

	rosterMu sync.Mutex
	roster   map[string]string // username -> userId
	rosterCh chan struct{}

	gotMsg       chan proto.Envelope
	callMade     chan proto.Envelope
	callAccepted chan proto.Envelope
	callEnded    chan struct{}

	pcMu sync.Mutex
	pc   *webrtc.PeerConnection
}

func dial(addr, name string) (*client, error) {
	wsc, _, err := websocket.DefaultDialer.Dial(addr, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	c := &client{
		name:         name,
		ws:           wsc,
		loggedIn:     make(chan struct{}),
		roster:       make(map[string]string),
		rosterCh:     make(chan struct{}, 1),
		gotMsg:       make(chan proto.Envelope, 8),
		callMade:     make(chan proto.Envelope, 1),
		callAccepted: make(chan proto.Envelope, 1),
		callEnded:    make(chan struct{}, 1),
	}
	go c.loop()
	c.send(proto.Envelope{Type: proto.EventLogin, Name: name})
	return c, nil
}

func (c *client) close() {
	c.pcMu.Lock()
	if c.pc != nil {
		_ = c.pc.Close()
	}
	c.pcMu.Unlock()
	_ = c.ws.Close()
}

func (c *client) send(e proto.Envelope) {
	frame, err := proto.Encode(e)
	if err != nil {
		log.Fatal().Err(err).Str("client", c.name).Msg("encode")
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
		log.Fatal().Err(err).Str("client", c.name).Msg("write")
	}
}

func (c *client) loop() {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		env, err := proto.Parse(data)
		if err != nil {
			log.Warn().Err(err).Str("client", c.name).Msg("bad frame from relay")
			continue
		}
		switch env.Type {
		case proto.EventLoggedIn:
			c.userID = env.UserID
			close(c.loggedIn)
		case proto.EventUserList:
			c.rosterMu.Lock()
			c.roster = make(map[string]string, len(env.Users))
			for _, u := range env.Users {
				c.roster[u.Username] = u.UserID
			}
			c.rosterMu.Unlock()
			select {
			case c.rosterCh <- struct{}{}:
			default:
			}
		case proto.EventPrivateMessage:
			c.gotMsg <- env
		case proto.EventCallMade:
			c.callMade <- env
		case proto.EventCallAccepted:
			c.callAccepted <- env
		case proto.EventICECandidate:
			c.addRemoteCandidate(env.Candidate)
		case proto.EventCallEnded:
			select {
			case c.callEnded <- struct{}{}:
			default:
			}
		case proto.EventError:
			log.Warn().Str("client", c.name).Str("code", env.Code).Str("message", env.Message).Msg("relay error")
		}
	}
}

func (c *client) waitForUser(name string, deadline <-chan time.Time) string {
	for {
		c.rosterMu.Lock()
		id, ok := c.roster[name]
		c.rosterMu.Unlock()
		if ok {
			return id
		}
		select {
		case <-c.rosterCh:
		case <-deadline:
			log.Fatal().Str("client", c.name).Str("user", name).Msg("timed out waiting for roster entry")
		}
	}
}

func (c *client) newPeerConnection(to string) (*webrtc.PeerConnection, error) {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		return nil, err
	}
	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		raw, err := json.Marshal(cand.ToJSON())
		if err != nil {
			log.Warn().Err(err).Str("client", c.name).Msg("marshal candidate")
			return
		}
		c.send(proto.Envelope{Type: proto.EventICECandidate, To: to, Candidate: raw})
	})
	c.pcMu.Lock()
	c.pc = pc
	c.pcMu.Unlock()
	return pc, nil
}

func (c *client) startCall(to string, open chan struct{}) error {
	pc, err := c.newPeerConnection(to)
	if err != nil {
		return err
	}

	dc, err := pc.CreateDataChannel("probe", nil)
	if err != nil {
		return err
	}
	dc.OnOpen(func() { close(open) })

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return err
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return err
	}
	raw, err := json.Marshal(offer)
	if err != nil {
		return err
	}
	c.send(proto.Envelope{Type: proto.EventCallUser, UserToCall: to, SignalData: raw})
	return nil
}

func (c *client) answerCall(env proto.Envelope, open chan struct{}) error {
	var offer webrtc.SessionDescription
	if err := json.Unmarshal(env.Signal, &offer); err != nil {
		return err
	}

	pc, err := c.newPeerConnection(env.From)
	if err != nil {
		return err
	}
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		dc.OnOpen(func() { close(open) })
	})

	if err := pc.SetRemoteDescription(offer); err != nil {
		return err
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return err
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		return err
	}
	raw, err := json.Marshal(answer)
	if err != nil {
		return err
	}
	c.send(proto.Envelope{Type: proto.EventAnswerCall, To: env.From, Signal: raw})
	return nil
}

func (c *client) addRemoteCandidate(raw json.RawMessage) {
	c.pcMu.Lock()
	pc := c.pc
	c.pcMu.Unlock()
	if pc == nil {
		log.Warn().Str("client", c.name).Msg("candidate before peer connection, dropping")
		return
	}
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal(raw, &init); err != nil {
		log.Warn().Err(err).Str("client", c.name).Msg("decode candidate")
		return
	}
	if err := pc.AddICECandidate(init); err != nil {
		log.Warn().Err(err).Str("client", c.name).Msg("add candidate")
	}
}
