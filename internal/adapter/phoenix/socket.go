package phoenix

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"synapsis/internal/domain"
)

const (
	defaultHeartbeat  = 30 * time.Second
	defaultSendBuffer = 256
	defaultReadLimit  = 8 << 20
	writeTimeout      = 5 * time.Second
)

// ErrHeartbeatTimeout is recorded when the server misses a heartbeat reply.
var ErrHeartbeatTimeout = errors.New("phoenix heartbeat timeout")

// Options configures Dial.
type Options struct {
	Token             string
	Params            map[string]string
	HeartbeatInterval time.Duration
	SendBuffer        int
	ReadLimit         int64
	Logger            *slog.Logger
}

// Socket is one WebSocket connection carrying any number of channels.
type Socket struct {
	conn   *websocket.Conn
	logger *slog.Logger

	sendCh    chan Message
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	ref       atomic.Uint64
	heartbeat atomic.Pointer[string]

	mu       sync.Mutex
	channels map[string]*Channel
	pending  map[string]chan Message
	err      error
}

// Dial connects to a Phoenix socket endpoint such as ws://host/socket. The
// /websocket suffix and the vsn, token and extra params are added to the URL.
func Dial(ctx context.Context, endpoint string, opts Options) (*Socket, error) {
	u, err := socketURL(endpoint, opts)
	if err != nil {
		return nil, err
	}

	conn, _, err := websocket.Dial(ctx, u, nil)
	if err != nil {
		return nil, fmt.Errorf("phoenix dial: %w", err)
	}
	readLimit := opts.ReadLimit
	if readLimit <= 0 {
		readLimit = defaultReadLimit
	}
	conn.SetReadLimit(readLimit)

	s := newSocket(conn, opts)
	interval := opts.HeartbeatInterval
	if interval <= 0 {
		interval = defaultHeartbeat
	}

	s.wg.Add(3)
	go s.writeLoop()
	go s.readLoop()
	go s.heartbeatLoop(interval)

	s.logger.Info("phoenix socket connected", "url", redact(u))
	return s, nil
}

func newSocket(conn *websocket.Conn, opts Options) *Socket {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	buf := opts.SendBuffer
	if buf <= 0 {
		buf = defaultSendBuffer
	}
	return &Socket{
		conn:     conn,
		logger:   logger.With("component", "phoenix"),
		sendCh:   make(chan Message, buf),
		done:     make(chan struct{}),
		channels: make(map[string]*Channel),
		pending:  make(map[string]chan Message),
	}
}

func socketURL(endpoint string, opts Options) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("phoenix url: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("phoenix url: unsupported scheme %q", u.Scheme)
	}
	if !strings.HasSuffix(u.Path, "/websocket") {
		u.Path = strings.TrimSuffix(u.Path, "/") + "/websocket"
	}
	q := u.Query()
	for k, v := range opts.Params {
		q.Set(k, v)
	}
	if opts.Token != "" {
		q.Set("token", opts.Token)
	}
	q.Set("vsn", Version)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func redact(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	q := u.Query()
	if q.Has("token") {
		q.Set("token", "REDACTED")
		u.RawQuery = q.Encode()
	}
	return u.String()
}

// Channel returns the channel for topic, creating it on first use.
func (s *Socket) Channel(topic string) *Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.channels[topic]; ok {
		return ch
	}
	ch := newChannel(s, topic)
	s.channels[topic] = ch
	return ch
}

// SessionChannel implements domain.ChannelFactory for "session:<id>" topics.
func (s *Socket) SessionChannel(sessionID string) domain.Channel {
	return s.Channel("session:" + sessionID)
}

// Done is closed when the socket stops.
func (s *Socket) Done() <-chan struct{} { return s.done }

// Err returns the error that stopped the socket, if any.
func (s *Socket) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close stops the socket and waits for its goroutines.
func (s *Socket) Close() error {
	s.shutdown(nil, websocket.StatusNormalClosure, "client closing")
	s.wg.Wait()
	return nil
}

func (s *Socket) shutdown(err error, code websocket.StatusCode, reason string) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.done)
		if s.conn != nil {
			_ = s.conn.Close(code, reason)
		}
		if err != nil {
			s.logger.Warn("phoenix socket stopped", "error", err)
		}
	})
}

func (s *Socket) nextRef() string {
	return strconv.FormatUint(s.ref.Add(1), 10)
}

// send queues a frame for the writer. It fails with ErrChannelClosed once the
// socket stops and with ErrPushTimeout if ctx ends while the queue is full.
func (s *Socket) send(ctx context.Context, msg Message) error {
	select {
	case <-s.done:
		return domain.ErrChannelClosed
	default:
	}
	select {
	case s.sendCh <- msg:
		return nil
	case <-s.done:
		return domain.ErrChannelClosed
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", domain.ErrPushTimeout, ctx.Err())
	}
}

// request sends msg and waits for the phx_reply carrying the same ref.
func (s *Socket) request(ctx context.Context, msg Message) (Message, error) {
	replyCh := make(chan Message, 1)
	s.mu.Lock()
	s.pending[msg.Ref] = replyCh
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pending, msg.Ref)
		s.mu.Unlock()
	}()

	if err := s.send(ctx, msg); err != nil {
		return Message{}, err
	}
	select {
	case reply := <-replyCh:
		return reply, nil
	case <-s.done:
		return Message{}, domain.ErrChannelClosed
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

func (s *Socket) forget(topic string, ch *Channel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.channels[topic] == ch {
		delete(s.channels, topic)
	}
}

func (s *Socket) writeLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case msg := <-s.sendCh:
			ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
			err := wsjson.Write(ctx, s.conn, msg)
			cancel()
			if err != nil {
				s.shutdown(fmt.Errorf("phoenix write: %w", err), websocket.StatusInternalError, "write failed")
				return
			}
		}
	}
}

// readLoop routes frames until the transport fails. Frames that do not
// decode are logged and dropped; only transport errors end the socket.
func (s *Socket) readLoop() {
	defer s.wg.Done()
	for {
		typ, data, err := s.conn.Read(context.Background())
		if err != nil {
			select {
			case <-s.done:
			default:
				if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
					s.shutdown(nil, websocket.StatusNormalClosure, "")
				} else {
					s.shutdown(fmt.Errorf("phoenix read: %w", err), websocket.StatusInternalError, "read failed")
				}
			}
			return
		}
		if typ != websocket.MessageText {
			s.logger.Warn("non-text frame dropped", "type", typ.String())
			continue
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Warn("malformed frame dropped", "error", err, "bytes", len(data))
			continue
		}
		s.route(msg)
	}
}

// route hands a frame to a waiting request, the heartbeat tracker or the
// channel for its topic. It runs on the reader goroutine, so frames for one
// topic reach handlers in arrival order.
func (s *Socket) route(msg Message) {
	if msg.Event == EventReply && msg.Ref != "" {
		s.mu.Lock()
		replyCh, ok := s.pending[msg.Ref]
		s.mu.Unlock()
		if ok {
			select {
			case replyCh <- msg:
			default:
			}
			return
		}
	}
	if msg.Topic == topicPhoenix {
		if hb := s.heartbeat.Load(); hb != nil && *hb == msg.Ref {
			s.heartbeat.CompareAndSwap(hb, nil)
		}
		return
	}

	s.mu.Lock()
	ch := s.channels[msg.Topic]
	s.mu.Unlock()
	if ch == nil {
		s.logger.Debug("frame for unknown topic", "topic", msg.Topic, "event", msg.Event)
		return
	}
	ch.dispatch(msg)
}

func (s *Socket) heartbeatLoop(interval time.Duration) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if s.heartbeat.Load() != nil {
				s.shutdown(ErrHeartbeatTimeout, websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
			ref := s.nextRef()
			s.heartbeat.Store(&ref)
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			err := s.send(ctx, Message{Ref: ref, Topic: topicPhoenix, Event: EventHeartbeat})
			cancel()
			if err != nil && !errors.Is(err, domain.ErrChannelClosed) {
				s.logger.Warn("heartbeat not sent", "error", err)
			}
		}
	}
}
