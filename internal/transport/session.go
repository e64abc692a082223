package transport

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// closeGracePeriod bounds the wait for the peer's close frame once ours
// is sent
const closeGracePeriod = 2 * time.Second

// outbound is a queued PDU. msgID is set for publishes only.
type outbound struct {
	data  []byte
	msgID uint64
}

// session is one websocket connection. Only writePump writes data frames.
type session struct {
	conn   *websocket.Conn
	logger *slog.Logger

	// Buffered channel of outbound PDUs
	out chan outbound

	// mu orders send against stop: nothing is queued once stopped is set
	mu       sync.RWMutex
	stopped  bool
	stopping chan struct{}

	// finished is closed when writePump returns; lost is final by then
	finished chan struct{}
	lost     []uint64
}

func newSession(conn *websocket.Conn, logger *slog.Logger) *session {
	return &session{
		conn:     conn,
		logger:   logger,
		out:      make(chan outbound, sendBufferSize),
		stopping: make(chan struct{}),
		finished: make(chan struct{}),
	}
}

// send marshals req and queues it for the write pump
func (s *session) send(req request) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", req.Action, err)
	}
	o := outbound{data: data}
	if req.Action == actionPublish {
		o.msgID = req.ID
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		return ErrSessionClosed
	}
	select {
	case s.out <- o:
		pdusTotal.WithLabelValues("out", req.Action).Inc()
		return nil
	case <-s.finished:
		return ErrSessionClosed
	}
}

// stop asks the write pump to flush the queue and send a close frame. The
// socket is closed once the peer answers or closeGracePeriod elapses. Safe
// to call more than once and from any goroutine.
func (s *session) stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.stopped {
		s.stopped = true
		close(s.stopping)
	}
}

// undelivered stops the session, waits for the write pump and returns the
// ids of the publishes that never reached the socket
func (s *session) undelivered() []uint64 {
	s.stop()
	<-s.finished

	ids := s.lost
	for {
		select {
		case o := <-s.out:
			if o.msgID != 0 {
				ids = append(ids, o.msgID)
			}
		default:
			return ids
		}
	}
}

func (s *session) write(o outbound) error {
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(websocket.TextMessage, o.data)
}

func (s *session) abandon(o outbound) {
	if o.msgID != 0 {
		s.lost = append(s.lost, o.msgID)
	}
}

// flush writes every queued PDU. After a failed write the rest is
// abandoned.
func (s *session) flush() error {
	var failed error
	for {
		select {
		case o := <-s.out:
			if failed != nil {
				s.abandon(o)
				continue
			}
			if err := s.write(o); err != nil {
				failed = err
				s.abandon(o)
			}
		default:
			return failed
		}
	}
}

// writePump pumps queued PDUs to the websocket connection
func (s *session) writePump(pingInterval time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		close(s.finished)
	}()

	for {
		select {
		case <-s.stopping:
			if err := s.flush(); err != nil {
				s.logger.Error("failed to flush pdus", slog.String("error", err.Error()))
				s.conn.Close()
				return
			}
			s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			// The read pump ends on the peer's close frame; this covers a
			// peer that never answers.
			time.AfterFunc(closeGracePeriod, func() { s.conn.Close() })
			return

		case o := <-s.out:
			if err := s.write(o); err != nil {
				s.logger.Error("failed to write pdu", slog.String("error", err.Error()))
				s.abandon(o)
				s.conn.Close()
				return
			}

		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.conn.Close()
				return
			}
		}
	}
}
