package channel

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const relaySendBuffer = 64

// RelayChannelOptions configures a websocket connection to a relay server.
type RelayChannelOptions struct {
	// URL is the relay endpoint, e.g. "ws://host:port/relay".
	URL string
	// Logger defaults to a JSON logger at warn level.
	Logger *slog.Logger
	// DialTimeout bounds the websocket handshake. Defaults to 5s.
	DialTimeout time.Duration
	// WriteTimeout bounds each outgoing frame. Defaults to 5s.
	WriteTimeout time.Duration
	// ReadTimeout is reset by server pings; a connection silent for this
	// long is considered dead. Defaults to 60s.
	ReadTimeout time.Duration
	// ReconnectDelay is the pause between connection attempts. Defaults to 2s.
	ReconnectDelay time.Duration
	// Header is passed to the websocket handshake, for auth tokens and the
	// like. Optional.
	Header map[string][]string
}

// RelayChannel is a Channel carried over a websocket to a relay server,
// linking contexts in different processes or on different machines. The
// connection is maintained in the background: it reconnects with a fixed
// delay and drops the oldest queued message when the peer is slow, since
// only the newest revision matters to receivers.
type RelayChannel struct {
	opts   RelayChannelOptions
	logger *slog.Logger
	dialer *websocket.Dialer

	ctx    context.Context
	cancel context.CancelFunc

	send     chan Message
	isClosed atomic.Bool

	mu          sync.RWMutex
	subscribers map[uint64]func(Message)
	nextSubID   uint64

	wg sync.WaitGroup
}

var _ Channel = (*RelayChannel)(nil)

// NewRelayChannel connects to a relay server in the background and returns
// immediately. Publishes made before the first connection succeeds are
// queued up to the send buffer.
func NewRelayChannel(opts RelayChannelOptions) (*RelayChannel, error) {
	if opts.URL == "" {
		return nil, ErrRelayURLRequired
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelWarn}))
	}
	if opts.DialTimeout == 0 {
		opts.DialTimeout = 5 * time.Second
	}
	if opts.WriteTimeout == 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	if opts.ReadTimeout == 0 {
		opts.ReadTimeout = 60 * time.Second
	}
	if opts.ReconnectDelay == 0 {
		opts.ReconnectDelay = 2 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &RelayChannel{
		opts:        opts,
		logger:      opts.Logger.With("component", "RelayChannel"),
		dialer:      &websocket.Dialer{HandshakeTimeout: opts.DialTimeout},
		ctx:         ctx,
		cancel:      cancel,
		send:        make(chan Message, relaySendBuffer),
		subscribers: make(map[uint64]func(Message)),
	}
	r.wg.Add(1)
	go r.run()
	return r, nil
}

// Publish queues a message for the relay. It never blocks: when the buffer
// is full the oldest queued message is dropped to make room.
func (r *RelayChannel) Publish(ctx context.Context, msg Message) error {
	if r.isClosed.Load() {
		return ErrChannelClosed
	}
	select {
	case r.send <- msg:
		return nil
	default:
	}
	select {
	case <-r.send:
	default:
	}
	select {
	case r.send <- msg:
	default:
	}
	return nil
}

// Subscribe registers fn for incoming messages. The returned function
// removes the subscription.
func (r *RelayChannel) Subscribe(fn func(Message)) func() {
	r.mu.Lock()
	r.nextSubID++
	id := r.nextSubID
	r.subscribers[id] = fn
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		delete(r.subscribers, id)
		r.mu.Unlock()
	}
}

// Close tears down the connection and stops reconnecting. Idempotent.
func (r *RelayChannel) Close() error {
	if !r.isClosed.CompareAndSwap(false, true) {
		return nil
	}
	r.cancel()
	r.wg.Wait()
	return nil
}

func (r *RelayChannel) deliver(msg Message) {
	r.mu.RLock()
	fns := make([]func(Message), 0, len(r.subscribers))
	for _, fn := range r.subscribers {
		fns = append(fns, fn)
	}
	r.mu.RUnlock()
	for _, fn := range fns {
		fn(msg)
	}
}

// run dials and serves sessions until Close. A broken session is retried
// after ReconnectDelay; missed broadcasts are harmless because receivers
// compare revisions and resync from the store.
func (r *RelayChannel) run() {
	defer r.wg.Done()

	for {
		ws, _, err := r.dialer.DialContext(r.ctx, r.opts.URL, r.opts.Header)
		if err != nil {
			if r.ctx.Err() != nil {
				return
			}
			r.logger.Warn("Relay connection failed; will retry.", "url", r.opts.URL, "error", err)
			select {
			case <-r.ctx.Done():
				return
			case <-time.After(r.opts.ReconnectDelay):
				continue
			}
		}

		r.logger.Info("Connected to relay.", "url", r.opts.URL)
		r.session(ws)

		select {
		case <-r.ctx.Done():
			return
		case <-time.After(r.opts.ReconnectDelay):
		}
	}
}

// session runs one connection until either side fails.
func (r *RelayChannel) session(ws *websocket.Conn) {
	sessionCtx, sessionCancel := context.WithCancel(r.ctx)
	defer sessionCancel()

	// Closing the conn is what unblocks a pending ReadMessage, so Close
	// does not have to wait out the read deadline.
	go func() {
		<-sessionCtx.Done()
		ws.Close()
	}()

	var writerDone sync.WaitGroup
	writerDone.Add(1)
	go func() {
		defer writerDone.Done()
		for {
			select {
			case <-sessionCtx.Done():
				return
			case msg := <-r.send:
				data, err := msg.Encode()
				if err != nil {
					r.logger.Warn("Dropping unencodable message.", "error", err)
					continue
				}
				ws.SetWriteDeadline(time.Now().Add(r.opts.WriteTimeout))
				if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
					r.logger.Warn("Relay write failed.", "error", err)
					sessionCancel()
					return
				}
			}
		}
	}()

	ws.SetReadDeadline(time.Now().Add(r.opts.ReadTimeout))
	ws.SetPingHandler(func(appData string) error {
		ws.SetReadDeadline(time.Now().Add(r.opts.ReadTimeout))
		return ws.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(r.opts.WriteTimeout))
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if r.ctx.Err() == nil {
				r.logger.Warn("Relay read failed; reconnecting.", "error", err)
			}
			break
		}
		msg, err := DecodeMessage(data)
		if err != nil {
			r.logger.Warn("Ignoring malformed relay frame.", "error", err)
			continue
		}
		r.deliver(msg)
	}

	sessionCancel()
	writerDone.Wait()
}
