// Package relayws is a websocket relay transport. It speaks the plain
// JSON array framing relays expect (EVENT, REQ, CLOSE outbound; EVENT,
// EOSE, OK, NOTICE inbound) and adapts it to the pool's connection
// interface.
package relayws

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/quailyquaily/strait/strait"
)

const (
	writeTimeout     = 10 * time.Second
	handshakeTimeout = 10 * time.Second
)

// Conn is one live websocket connection to a relay.
type Conn struct {
	url  string
	ws   *websocket.Conn
	log  *slog.Logger
	done chan struct{}

	writeMu sync.Mutex

	subMu  sync.Mutex
	subSeq int
	subs   map[string]*subscription

	ackMu sync.Mutex
	acks  map[string]chan okFrame

	closed atomic.Bool
}

type subscription struct {
	conn    *Conn
	id      string
	onEvent func(strait.Event)
	eose    chan struct{}
	eoseOne sync.Once

	collectMu sync.Mutex
	collect   []strait.Event
	collects  bool
}

type okFrame struct {
	accepted bool
	message  string
}

// Dialer returns a pool-compatible dialer backed by this transport.
func Dialer(log *slog.Logger) strait.Dialer {
	if log == nil {
		log = slog.Default()
	}
	return func(ctx context.Context, url string) (strait.RelayConn, error) {
		return Dial(ctx, url, log)
	}
}

func Dial(ctx context.Context, url string, log *slog.Logger) (*Conn, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, fmt.Errorf("empty relay url")
	}
	if log == nil {
		log = slog.Default()
	}

	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	ws, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial relay %s: %w", url, err)
	}

	c := &Conn{
		url:  url,
		ws:   ws,
		log:  log,
		done: make(chan struct{}),
		subs: map[string]*subscription{},
		acks: map[string]chan okFrame{},
	}
	go c.readLoop()
	return c, nil
}

func (c *Conn) URL() string { return c.url }

func (c *Conn) Status() strait.ConnectionStatus {
	select {
	case <-c.done:
		return strait.StatusDisconnected
	default:
		return strait.StatusConnected
	}
}

func (c *Conn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := c.ws.Close()
	<-c.done
	return err
}

func (c *Conn) writeJSON(frame []any) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// Publish sends the event and waits for the relay's OK acknowledgement.
func (c *Conn) Publish(ctx context.Context, event strait.Event) error {
	ack := make(chan okFrame, 1)
	c.ackMu.Lock()
	c.acks[event.ID] = ack
	c.ackMu.Unlock()
	defer func() {
		c.ackMu.Lock()
		delete(c.acks, event.ID)
		c.ackMu.Unlock()
	}()

	if err := c.writeJSON([]any{"EVENT", event}); err != nil {
		return err
	}

	select {
	case frame := <-ack:
		if !frame.accepted {
			return fmt.Errorf("relay %s refused event: %s", c.url, frame.message)
		}
		return nil
	case <-c.done:
		return fmt.Errorf("relay %s connection closed", c.url)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Conn) newSubscription(onEvent func(strait.Event), collects bool) *subscription {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	c.subSeq++
	sub := &subscription{
		conn:     c,
		id:       fmt.Sprintf("sub-%d", c.subSeq),
		onEvent:  onEvent,
		eose:     make(chan struct{}),
		collects: collects,
	}
	c.subs[sub.id] = sub
	return sub
}

// Subscribe opens a long-lived subscription for one filter.
func (c *Conn) Subscribe(ctx context.Context, filter strait.Filter, onEvent func(strait.Event)) (strait.RelaySubscription, error) {
	if onEvent == nil {
		return nil, fmt.Errorf("nil event handler")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sub := c.newSubscription(onEvent, false)
	if err := c.writeJSON([]any{"REQ", sub.id, filter}); err != nil {
		sub.drop()
		return nil, err
	}
	return sub, nil
}

// Query opens a one-shot subscription and collects stored events until
// the relay signals end-of-stored-events or maxWait elapses.
func (c *Conn) Query(ctx context.Context, filter strait.Filter, maxWait time.Duration) ([]strait.Event, error) {
	sub := c.newSubscription(nil, true)
	defer sub.Close()

	if err := c.writeJSON([]any{"REQ", sub.id, filter}); err != nil {
		return nil, err
	}

	timer := time.NewTimer(maxWait)
	defer timer.Stop()
	select {
	case <-sub.eose:
	case <-timer.C:
	case <-c.done:
		return nil, fmt.Errorf("relay %s connection closed", c.url)
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	sub.collectMu.Lock()
	out := make([]strait.Event, len(sub.collect))
	copy(out, sub.collect)
	sub.collectMu.Unlock()
	return out, nil
}

func (s *subscription) Close() error {
	s.drop()
	if s.conn.closed.Load() {
		return nil
	}
	return s.conn.writeJSON([]any{"CLOSE", s.id})
}

func (s *subscription) drop() {
	s.conn.subMu.Lock()
	delete(s.conn.subs, s.id)
	s.conn.subMu.Unlock()
}

func (s *subscription) deliver(event strait.Event) {
	if s.collects {
		s.collectMu.Lock()
		s.collect = append(s.collect, event)
		s.collectMu.Unlock()
		return
	}
	s.onEvent(event)
}

func (c *Conn) readLoop() {
	defer close(c.done)
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if !c.closed.Load() {
				c.log.Debug("relay read loop ended", "url", c.url, "err", err)
			}
			return
		}
		c.handleFrame(data)
	}
}

func (c *Conn) handleFrame(data []byte) {
	var frame []json.RawMessage
	if err := json.Unmarshal(data, &frame); err != nil || len(frame) == 0 {
		c.log.Debug("relay sent malformed frame", "url", c.url)
		return
	}
	var label string
	if err := json.Unmarshal(frame[0], &label); err != nil {
		return
	}

	switch label {
	case "EVENT":
		if len(frame) < 3 {
			return
		}
		var subID string
		var event strait.Event
		if json.Unmarshal(frame[1], &subID) != nil || json.Unmarshal(frame[2], &event) != nil {
			return
		}
		c.subMu.Lock()
		sub := c.subs[subID]
		c.subMu.Unlock()
		if sub != nil {
			sub.deliver(event)
		}
	case "EOSE":
		if len(frame) < 2 {
			return
		}
		var subID string
		if json.Unmarshal(frame[1], &subID) != nil {
			return
		}
		c.subMu.Lock()
		sub := c.subs[subID]
		c.subMu.Unlock()
		if sub != nil {
			sub.eoseOne.Do(func() { close(sub.eose) })
		}
	case "OK":
		if len(frame) < 3 {
			return
		}
		var eventID string
		var accepted bool
		if json.Unmarshal(frame[1], &eventID) != nil || json.Unmarshal(frame[2], &accepted) != nil {
			return
		}
		var message string
		if len(frame) >= 4 {
			_ = json.Unmarshal(frame[3], &message)
		}
		c.ackMu.Lock()
		ack := c.acks[eventID]
		c.ackMu.Unlock()
		if ack != nil {
			select {
			case ack <- okFrame{accepted: accepted, message: message}:
			default:
			}
		}
	case "NOTICE":
		var message string
		if len(frame) >= 2 {
			_ = json.Unmarshal(frame[1], &message)
		}
		c.log.Info("relay notice", "url", c.url, "message", message)
	default:
		c.log.Debug("relay sent unknown frame label", "url", c.url, "label", label)
	}
}
