package relay

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	"golang.org/x/xerrors"

	"sealchat/internal/protocol"
)

const (
	writeWait     = 10 * time.Second
	subBufferSize = 64
)

type WebsocketOptions struct {
	HandshakeTimeout time.Duration
	// InsecureTLS skips certificate checks, for dev relays with self-signed certs.
	InsecureTLS bool
}

// WebsocketTransport keeps one connection per relay URL and multiplexes
// publishes and subscriptions over it. Redials are paced per relay.
type WebsocketTransport struct {
	dialer websocket.Dialer

	mu      sync.Mutex
	conns   map[string]*wsConn
	pacing  map[string]*redial
	closing bool
}

type redial struct {
	b    *backoff.Backoff
	next time.Time
}

func NewWebsocketTransport(opts WebsocketOptions) *WebsocketTransport {
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}
	d := websocket.Dialer{
		HandshakeTimeout: opts.HandshakeTimeout,
		Proxy:            websocket.DefaultDialer.Proxy,
	}
	if opts.InsecureTLS {
		d.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return &WebsocketTransport{
		dialer: d,
		conns:  make(map[string]*wsConn),
		pacing: make(map[string]*redial),
	}
}

func (t *WebsocketTransport) Publish(ctx context.Context, url string, e *protocol.Event) error {
	c, err := t.conn(ctx, url)
	if err != nil {
		return err
	}
	ok := c.expectOK(e.ID)
	defer c.forgetOK(e.ID)

	if err := c.send([]any{"EVENT", e}); err != nil {
		return err
	}
	select {
	case res := <-ok:
		if !res.accepted {
			return xerrors.Errorf("rejected: %s", res.message)
		}
		return nil
	case <-c.closed:
		return c.closeErr()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *WebsocketTransport) Subscribe(ctx context.Context, url, id string, filters []protocol.Filter) (<-chan Incoming, error) {
	c, err := t.conn(ctx, url)
	if err != nil {
		return nil, err
	}
	s := newWSSub(subBufferSize)
	c.mu.Lock()
	c.subs[id] = s
	c.mu.Unlock()

	req := []any{"REQ", id}
	for _, f := range filters {
		req = append(req, f)
	}
	if err := c.send(req); err != nil {
		c.dropSub(id)
		return nil, err
	}

	out := make(chan Incoming)
	go func() {
		defer close(out)
		defer close(s.quit)
		defer c.dropSub(id)
		for {
			select {
			case msg := <-s.in:
				select {
				case out <- msg:
				case <-ctx.Done():
					_ = c.send([]any{"CLOSE", id})
					return
				}
				if msg.Closed != "" {
					return
				}
			case <-s.overflow:
				log.Warnf("%s: subscription %s fell behind, closing it", c.url, id)
				_ = c.send([]any{"CLOSE", id})
				select {
				case out <- Incoming{Relay: c.url, Closed: overflowReason}:
				case <-ctx.Done():
				}
				return
			case <-c.closed:
				return
			case <-ctx.Done():
				_ = c.send([]any{"CLOSE", id})
				return
			}
		}
	}()
	return out, nil
}

// Close drops every connection. The transport cannot be reused.
func (t *WebsocketTransport) Close() error {
	t.mu.Lock()
	t.closing = true
	conns := t.conns
	t.conns = make(map[string]*wsConn)
	t.mu.Unlock()
	for _, c := range conns {
		c.shutdown(xerrors.New("transport closed"))
	}
	return nil
}

// conn returns the live connection for url, dialing if needed. A relay
// that failed to dial recently is retried only after its backoff.
func (t *WebsocketTransport) conn(ctx context.Context, url string) (*wsConn, error) {
	t.mu.Lock()
	if t.closing {
		t.mu.Unlock()
		return nil, xerrors.New("transport closed")
	}
	if c, ok := t.conns[url]; ok {
		t.mu.Unlock()
		return c, nil
	}
	pace, ok := t.pacing[url]
	if !ok {
		pace = &redial{b: &backoff.Backoff{Min: 500 * time.Millisecond, Max: 30 * time.Second, Factor: 2, Jitter: true}}
		t.pacing[url] = pace
	}
	wait := time.Until(pace.next)
	t.mu.Unlock()

	if wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	ws, _, err := t.dialer.DialContext(ctx, url, nil)

	t.mu.Lock()
	defer t.mu.Unlock()
	if err != nil {
		pace.next = time.Now().Add(pace.b.Duration())
		return nil, xerrors.Errorf("dial %s: %w", url, err)
	}
	pace.b.Reset()
	pace.next = time.Time{}
	if existing, ok := t.conns[url]; ok {
		// lost a dial race
		_ = ws.Close()
		return existing, nil
	}
	c := newWSConn(url, ws)
	t.conns[url] = c
	go func() {
		c.readLoop()
		t.mu.Lock()
		if t.conns[url] == c {
			delete(t.conns, url)
		}
		t.mu.Unlock()
	}()
	return c, nil
}

type okResult struct {
	accepted bool
	message  string
}

// overflowReason ends a subscription whose reader fell a full buffer behind.
const overflowReason = "subscription buffer overflow"

type wsSub struct {
	in       chan Incoming
	quit     chan struct{}
	overflow chan struct{}
	once     sync.Once
}

func newWSSub(size int) *wsSub {
	return &wsSub{
		in:       make(chan Incoming, size),
		quit:     make(chan struct{}),
		overflow: make(chan struct{}),
	}
}

type wsConn struct {
	url string
	ws  *websocket.Conn

	writeMu sync.Mutex

	mu   sync.Mutex
	subs map[string]*wsSub
	oks  map[string]chan okResult
	err  error

	closed    chan struct{}
	closeOnce sync.Once
}

func newWSConn(url string, ws *websocket.Conn) *wsConn {
	return &wsConn{
		url:    url,
		ws:     ws,
		subs:   make(map[string]*wsSub),
		oks:    make(map[string]chan okResult),
		closed: make(chan struct{}),
	}
}

func (c *wsConn) send(frame []any) error {
	b, err := json.Marshal(frame)
	if err != nil {
		return xerrors.Errorf("encode frame: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	select {
	case <-c.closed:
		return c.closeErr()
	default:
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.ws.WriteMessage(websocket.TextMessage, b); err != nil {
		c.shutdown(err)
		return xerrors.Errorf("write %s: %w", c.url, err)
	}
	return nil
}

func (c *wsConn) expectOK(id string) <-chan okResult {
	ch := make(chan okResult, 1)
	c.mu.Lock()
	c.oks[id] = ch
	c.mu.Unlock()
	return ch
}

func (c *wsConn) forgetOK(id string) {
	c.mu.Lock()
	delete(c.oks, id)
	c.mu.Unlock()
}

func (c *wsConn) dropSub(id string) {
	c.mu.Lock()
	delete(c.subs, id)
	c.mu.Unlock()
}

func (c *wsConn) closeErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err == nil {
		return xerrors.Errorf("connection to %s closed", c.url)
	}
	return c.err
}

func (c *wsConn) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.err = xerrors.Errorf("connection to %s lost: %w", c.url, err)
		c.mu.Unlock()
		close(c.closed)
		_ = c.ws.Close()
	})
}

func (c *wsConn) readLoop() {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.shutdown(err)
			return
		}
		c.dispatch(data)
	}
}

// dispatch routes one relay frame. Malformed frames are dropped.
func (c *wsConn) dispatch(data []byte) {
	var frame []json.RawMessage
	if err := json.Unmarshal(data, &frame); err != nil || len(frame) < 2 {
		log.Debugf("%s: malformed frame", c.url)
		return
	}
	var label, first string
	if json.Unmarshal(frame[0], &label) != nil || json.Unmarshal(frame[1], &first) != nil {
		log.Debugf("%s: malformed frame header", c.url)
		return
	}

	switch label {
	case "EVENT":
		if len(frame) < 3 {
			return
		}
		var e protocol.Event
		if err := json.Unmarshal(frame[2], &e); err != nil {
			log.Debugf("%s: bad event: %v", c.url, err)
			return
		}
		c.deliver(first, Incoming{Relay: c.url, Event: &e})
	case "EOSE":
		c.deliver(first, Incoming{Relay: c.url, EOSE: true})
	case "CLOSED":
		reason := "closed by relay"
		if len(frame) > 2 {
			var msg string
			if json.Unmarshal(frame[2], &msg) == nil && msg != "" {
				reason = msg
			}
		}
		c.deliver(first, Incoming{Relay: c.url, Closed: reason})
	case "OK":
		if len(frame) < 3 {
			return
		}
		var res okResult
		if json.Unmarshal(frame[2], &res.accepted) != nil {
			return
		}
		if len(frame) > 3 {
			_ = json.Unmarshal(frame[3], &res.message)
		}
		c.mu.Lock()
		ch, ok := c.oks[first]
		c.mu.Unlock()
		if ok {
			select {
			case ch <- res:
			default:
			}
		}
	case "NOTICE":
		log.Debugf("%s notice: %s", c.url, first)
	default:
		log.Debugf("%s: unknown frame %q", c.url, label)
	}
}

// deliver never blocks the read loop. A subscription whose buffer is
// full is detached and told to close; its reader resubscribes.
func (c *wsConn) deliver(id string, msg Incoming) {
	c.mu.Lock()
	s, ok := c.subs[id]
	c.mu.Unlock()
	if !ok {
		return
	}
	select {
	case s.in <- msg:
		return
	case <-s.quit:
		return
	default:
	}
	c.dropSub(id)
	s.once.Do(func() { close(s.overflow) })
}
