// Package transporttest provides an in-process Cobra endpoint for tests.
package transporttest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/gorilla/websocket"

	"github.com/cobra-client-platform/internal/auth"
)

// Nonce is the handshake nonce every connection receives
const Nonce = "MTIzNDU2Nzg5MGFiY2RlZg=="

// NodeHeader is set on every upgrade response
const NodeHeader = "X-Cobra-Node"

const (
	handshake         = "auth/handshake"
	handshakeOK       = "auth/handshake/ok"
	handshakeError    = "auth/handshake/error"
	authenticate      = "auth/authenticate"
	authenticateOK    = "auth/authenticate/ok"
	authenticateError = "auth/authenticate/error"
	publish           = "rtm/publish"
	publishOK         = "rtm/publish/ok"
	subscribe         = "rtm/subscribe"
	subscribeOK       = "rtm/subscribe/ok"
	unsubscribe       = "rtm/unsubscribe"
	unsubscribeOK     = "rtm/unsubscribe/ok"
	subscriptionData  = "rtm/subscription/data"
)

// Published is a message received through rtm/publish
type Published struct {
	Channel string
	Message json.RawMessage
}

// Option configures a Server
type Option func(*Server)

// RejectHandshake answers every handshake with an error
func RejectHandshake() Option {
	return func(s *Server) { s.rejectHandshake = true }
}

// WithBatch sends the given messages to every new subscription right after
// it is acknowledged, at position "1:<len(messages)>".
func WithBatch(messages ...string) Option {
	return func(s *Server) {
		for _, m := range messages {
			s.batch = append(s.batch, json.RawMessage(m))
		}
	}
}

// Server speaks the subset of the Cobra protocol the client uses. Published
// messages are recorded and fanned out to every subscription on the channel.
type Server struct {
	secret          string
	rejectHandshake bool
	batch           []json.RawMessage

	accepted atomic.Int32

	mu        sync.Mutex
	peers     []*peer
	published []Published
	seq       int

	server *httptest.Server
}

type peer struct {
	conn *websocket.Conn

	mu   sync.Mutex
	subs map[string]string // subscription id -> channel
}

// NewServer starts a server that authenticates roles holding secret
func NewServer(t testing.TB, secret string, opts ...Option) *Server {
	t.Helper()
	s := &Server{secret: secret}
	for _, opt := range opts {
		opt(s)
	}
	s.seq = len(s.batch)
	s.server = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.server.Close)
	return s
}

// Endpoint returns the ws:// URL of the server
func (s *Server) Endpoint() string {
	return "ws" + strings.TrimPrefix(s.server.URL, "http")
}

// Accepted returns the number of upgraded connections so far
func (s *Server) Accepted() int32 {
	return s.accepted.Load()
}

// Published returns a copy of every message received so far
func (s *Server) Published() []Published {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Published(nil), s.published...)
}

// DropAll closes every server side socket
func (s *Server) DropAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.peers {
		p.conn.Close()
	}
	s.peers = nil
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	header := http.Header{}
	header.Set(NodeHeader, "test-node")
	conn, err := upgrader.Upgrade(w, r, header)
	if err != nil {
		return
	}
	defer conn.Close()

	p := &peer{conn: conn, subs: make(map[string]string)}
	s.accepted.Add(1)
	s.mu.Lock()
	s.peers = append(s.peers, p)
	s.mu.Unlock()
	defer s.remove(p)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var req struct {
			Action string          `json:"action"`
			ID     uint64          `json:"id"`
			Body   json.RawMessage `json:"body"`
		}
		if err := json.Unmarshal(data, &req); err != nil {
			return
		}
		s.serve(p, req.Action, req.ID, req.Body)
	}
}

func (s *Server) serve(p *peer, action string, id uint64, body json.RawMessage) {
	switch action {
	case handshake:
		if s.rejectHandshake {
			p.reply(handshakeError, id, map[string]any{"error": "invalid_role", "reason": "unknown role"})
			return
		}
		p.reply(handshakeOK, id, map[string]any{
			"data": map[string]any{"nonce": Nonce, "connection_id": "c1", "version": "v2", "node": "n1"},
		})

	case authenticate:
		var req struct {
			Credentials struct {
				Hash string `json:"hash"`
			} `json:"credentials"`
		}
		_ = json.Unmarshal(body, &req)
		if !auth.Verify(Nonce, s.secret, req.Credentials.Hash) {
			p.reply(authenticateError, id, map[string]any{"error": "authentication_failed", "reason": "bad hash"})
			return
		}
		p.reply(authenticateOK, id, map[string]any{})

	case publish:
		var req struct {
			Channels []string        `json:"channels"`
			Message  json.RawMessage `json:"message"`
		}
		_ = json.Unmarshal(body, &req)
		position := s.record(req.Channels, req.Message)
		p.reply(publishOK, id, map[string]any{"position": position})
		s.fanOut(req.Channels, req.Message, position)

	case subscribe:
		var req struct {
			Channel        string `json:"channel"`
			SubscriptionID string `json:"subscription_id"`
		}
		_ = json.Unmarshal(body, &req)
		channel := req.Channel
		if channel == "" {
			channel = req.SubscriptionID
		}
		p.mu.Lock()
		p.subs[req.SubscriptionID] = channel
		p.mu.Unlock()

		p.reply(subscribeOK, id, map[string]any{"subscription_id": req.SubscriptionID, "position": "1:0"})
		if len(s.batch) > 0 {
			p.reply(subscriptionData, 0, map[string]any{
				"subscription_id": req.SubscriptionID,
				"messages":        s.batch,
				"position":        fmt.Sprintf("1:%d", len(s.batch)),
			})
		}

	case unsubscribe:
		var req struct {
			SubscriptionID string `json:"subscription_id"`
		}
		_ = json.Unmarshal(body, &req)
		p.mu.Lock()
		delete(p.subs, req.SubscriptionID)
		p.mu.Unlock()
		p.reply(unsubscribeOK, id, map[string]any{"subscription_id": req.SubscriptionID})
	}
}

func (s *Server) record(channels []string, message json.RawMessage) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range channels {
		s.published = append(s.published, Published{Channel: ch, Message: message})
	}
	s.seq++
	return fmt.Sprintf("1:%d", s.seq)
}

func (s *Server) fanOut(channels []string, message json.RawMessage, position string) {
	s.mu.Lock()
	peers := append([]*peer(nil), s.peers...)
	s.mu.Unlock()

	for _, p := range peers {
		for _, subID := range p.subscribed(channels) {
			p.reply(subscriptionData, 0, map[string]any{
				"subscription_id": subID,
				"messages":        []json.RawMessage{message},
				"position":        position,
			})
		}
	}
}

func (s *Server) remove(p *peer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, other := range s.peers {
		if other == p {
			s.peers = append(s.peers[:i], s.peers[i+1:]...)
			return
		}
	}
}

func (p *peer) subscribed(channels []string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var ids []string
	for id, ch := range p.subs {
		for _, c := range channels {
			if c == ch {
				ids = append(ids, id)
			}
		}
	}
	return ids
}

func (p *peer) reply(action string, id uint64, body any) {
	data, _ := json.Marshal(map[string]any{"action": action, "id": id, "body": body})
	p.mu.Lock()
	defer p.mu.Unlock()
	_ = p.conn.WriteMessage(websocket.TextMessage, data)
}
