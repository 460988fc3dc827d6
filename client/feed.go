package client

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/CrowderSoup/kanban-sync/models"
	"github.com/CrowderSoup/kanban-sync/realtime"
)

const writeWait = 10 * time.Second

// FeedOptions tunes a Feed. Zero values pick the defaults.
type FeedOptions struct {
	// JoinTimeout bounds the wait for a join acknowledgement before the
	// channel reports TIMED_OUT. Defaults to 10s.
	JoinTimeout time.Duration
	// PingPeriod is the interval of application-level heartbeats. Defaults to 25s.
	PingPeriod time.Duration
	Dialer     *websocket.Dialer
	Logger     zerolog.Logger
}

// Feed is a realtime.ChangeFeed over one shared websocket. The socket is
// dialled on the first Subscribe and again after it drops.
type Feed struct {
	url  string
	opts FeedOptions

	mu       sync.Mutex
	conn     *websocket.Conn
	stop     chan struct{}
	channels map[string]*channel
	seq      int

	writeMu sync.Mutex
}

type channel struct {
	feed     *Feed
	ref      string
	topic    realtime.Topic
	onEvent  func(realtime.Event)
	onStatus func(realtime.ChannelStatus)

	// cb serializes callbacks from the read loop and the join timer.
	cb     sync.Mutex
	timer  *time.Timer
	acked  bool
	closed bool
}

func (c *channel) Topic() realtime.Topic { return c.topic }

// NewFeed returns a feed for the websocket at url.
func NewFeed(url string, opts FeedOptions) *Feed {
	if opts.JoinTimeout <= 0 {
		opts.JoinTimeout = 10 * time.Second
	}
	if opts.PingPeriod <= 0 {
		opts.PingPeriod = 25 * time.Second
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	return &Feed{url: url, opts: opts, channels: make(map[string]*channel)}
}

// Subscribe joins topic. The join is acknowledged asynchronously through
// onStatus; no acknowledgement within JoinTimeout reports TIMED_OUT.
func (f *Feed) Subscribe(topic realtime.Topic, onEvent func(realtime.Event), onStatus func(realtime.ChannelStatus)) (realtime.Channel, error) {
	f.mu.Lock()
	conn, err := f.connectLocked()
	if err != nil {
		f.mu.Unlock()
		return nil, err
	}
	f.seq++
	ch := &channel{
		feed:     f,
		ref:      strconv.Itoa(f.seq),
		topic:    topic,
		onEvent:  onEvent,
		onStatus: onStatus,
	}
	f.channels[ch.ref] = ch
	ch.timer = time.AfterFunc(f.opts.JoinTimeout, ch.joinTimedOut)
	f.mu.Unlock()

	err = f.write(conn, models.FeedMessage{Type: models.MessageJoin, Ref: ch.ref, Topic: topic.Table, Filter: topic.Filter})
	if err != nil {
		f.forget(ch)
		return nil, fmt.Errorf("failed to join %s: %w", topic.Table, err)
	}
	return ch, nil
}

// Unsubscribe leaves the channel. Channels of a dropped socket are released
// without a round trip.
func (f *Feed) Unsubscribe(handle realtime.Channel) error {
	ch, ok := handle.(*channel)
	if !ok || ch.feed != f {
		return errors.New("channel does not belong to this feed")
	}
	f.mu.Lock()
	_, live := f.channels[ch.ref]
	conn := f.conn
	f.mu.Unlock()

	f.forget(ch)
	if !live || conn == nil {
		return nil
	}
	if err := f.write(conn, models.FeedMessage{Type: models.MessageLeave, Ref: ch.ref}); err != nil {
		return fmt.Errorf("failed to leave %s: %w", ch.topic.Table, err)
	}
	return nil
}

// Close drops the socket. Open channels report CLOSED.
func (f *Feed) Close() error {
	f.mu.Lock()
	conn := f.conn
	f.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}

func (f *Feed) forget(ch *channel) {
	f.mu.Lock()
	delete(f.channels, ch.ref)
	f.mu.Unlock()

	ch.cb.Lock()
	ch.closed = true
	if ch.timer != nil {
		ch.timer.Stop()
	}
	ch.cb.Unlock()
}

func (f *Feed) connectLocked() (*websocket.Conn, error) {
	if f.conn != nil {
		return f.conn, nil
	}
	conn, _, err := f.opts.Dialer.Dial(f.url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", f.url, err)
	}
	f.conn = conn
	f.stop = make(chan struct{})
	go f.readLoop(conn)
	go f.heartbeat(conn, f.stop)
	f.opts.Logger.Debug().Str("url", f.url).Msg("feed connected")
	return conn, nil
}

func (f *Feed) write(conn *websocket.Conn, msg models.FeedMessage) error {
	f.writeMu.Lock()
	defer f.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(msg)
}

func (f *Feed) heartbeat(conn *websocket.Conn, stop chan struct{}) {
	ticker := time.NewTicker(f.opts.PingPeriod)
	defer ticker.Stop()
	n := 0
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			n++
			if err := f.write(conn, models.FeedMessage{Type: models.MessagePing, Ref: "hb-" + strconv.Itoa(n)}); err != nil {
				conn.Close()
				return
			}
		}
	}
}

func (f *Feed) readLoop(conn *websocket.Conn) {
	defer f.dropped(conn)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				f.opts.Logger.Warn().Err(err).Msg("feed connection lost")
			}
			return
		}
		// the server may batch several messages into one frame
		dec := json.NewDecoder(bytes.NewReader(data))
		for {
			var msg models.FeedMessage
			if err := dec.Decode(&msg); err != nil {
				if !errors.Is(err, io.EOF) {
					f.opts.Logger.Warn().Err(err).Msg("failed to decode feed message")
				}
				break
			}
			f.dispatch(msg)
		}
	}
}

func (f *Feed) dispatch(msg models.FeedMessage) {
	f.mu.Lock()
	ch := f.channels[msg.Ref]
	f.mu.Unlock()
	if ch == nil {
		return
	}

	switch msg.Type {
	case models.MessageStatus:
		switch msg.Status {
		case models.StatusSubscribed:
			ch.status(realtime.ChannelSubscribed, true)
		case models.StatusClosed:
			f.forget(ch)
			ch.report(realtime.ChannelClosed)
		default:
			f.opts.Logger.Warn().Str("topic", string(ch.topic.Table)).Str("error", msg.Error).Msg("channel error")
			f.forget(ch)
			ch.report(realtime.ChannelError)
		}
	case models.MessageChange:
		if msg.Change == nil {
			return
		}
		ev, err := realtime.DecodeChange(*msg.Change)
		if err != nil {
			f.opts.Logger.Warn().Err(err).Msg("dropping undecodable change")
			return
		}
		ch.event(ev)
	}
}

// dropped runs when the read loop ends. Every channel of conn reports CLOSED.
func (f *Feed) dropped(conn *websocket.Conn) {
	conn.Close()
	f.mu.Lock()
	if f.conn != conn {
		f.mu.Unlock()
		return
	}
	f.conn = nil
	close(f.stop)
	channels := make([]*channel, 0, len(f.channels))
	for _, ch := range f.channels {
		channels = append(channels, ch)
	}
	f.channels = make(map[string]*channel)
	f.mu.Unlock()

	f.opts.Logger.Info().Int("channels", len(channels)).Msg("feed disconnected")
	for _, ch := range channels {
		ch.cb.Lock()
		ch.closed = true
		if ch.timer != nil {
			ch.timer.Stop()
		}
		ch.cb.Unlock()
		ch.report(realtime.ChannelClosed)
	}
}

func (c *channel) joinTimedOut() {
	c.cb.Lock()
	defer c.cb.Unlock()
	if c.acked || c.closed {
		return
	}
	c.closed = true
	c.onStatus(realtime.ChannelTimedOut)
}

func (c *channel) status(st realtime.ChannelStatus, ack bool) {
	c.cb.Lock()
	defer c.cb.Unlock()
	if c.closed {
		return
	}
	if ack {
		c.acked = true
		c.timer.Stop()
	}
	c.onStatus(st)
}

// report delivers a terminal status even after the channel was forgotten.
func (c *channel) report(st realtime.ChannelStatus) {
	c.cb.Lock()
	defer c.cb.Unlock()
	c.onStatus(st)
}

func (c *channel) event(ev realtime.Event) {
	c.cb.Lock()
	defer c.cb.Unlock()
	if !c.closed {
		c.onEvent(ev)
	}
}
