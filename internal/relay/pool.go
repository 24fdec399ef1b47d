package relay

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/multierr"
	"golang.org/x/xerrors"

	"sealchat/internal/metrics"
	"sealchat/internal/protocol"
)

// ErrPublishExhausted means no batch reached the required number of acks.
var ErrPublishExhausted = xerrors.New("publish failed on every relay")

const (
	DefaultPublishTimeout = 8 * time.Second
	DefaultQueryTimeout   = 10 * time.Second

	seenCacheSize = 4096
)

// DefaultRelays is the public fallback set.
var DefaultRelays = []string{
	"wss://relay.damus.io",
	"wss://relay.nostr.band",
	"wss://nos.lol",
	"wss://relay.snort.social",
	"wss://nostr.wine",
}

type Options struct {
	Defaults       []string
	PublishTimeout time.Duration
	QueryTimeout   time.Duration
}

// Pool selects relays by health and runs publish and subscribe over a
// Transport, feeding every outcome back into the Registry.
type Pool struct {
	reg       *Registry
	transport Transport
	opts      Options
}

func NewPool(reg *Registry, t Transport, opts Options) *Pool {
	if len(opts.Defaults) == 0 {
		opts.Defaults = DefaultRelays
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = DefaultPublishTimeout
	}
	if opts.QueryTimeout <= 0 {
		opts.QueryTimeout = DefaultQueryTimeout
	}
	return &Pool{reg: reg, transport: t, opts: opts}
}

func (p *Pool) Registry() *Registry { return p.reg }

func (p *Pool) Defaults() []string { return append([]string(nil), p.opts.Defaults...) }

func (p *Pool) Close() error { return p.transport.Close() }

// HealthyRelays drops candidates in cooldown. If that would leave
// nothing, every candidate is returned so traffic is never blocked on
// local health alone. No candidates means the default set.
func (p *Pool) HealthyRelays(candidates []string) []string {
	if len(candidates) == 0 {
		candidates = p.opts.Defaults
	}
	all := normalizeAll(candidates)
	healthy := make([]string, 0, len(all))
	for _, u := range all {
		if !p.reg.InCooldown(u) {
			healthy = append(healthy, u)
		}
	}
	if len(healthy) == 0 {
		return all
	}
	return healthy
}

// PublishResult is the outcome of PublishWithRetry.
type PublishResult struct {
	Success   bool
	Acks      int
	Attempted []string
	Failed    []string
	LastError error

	errs error
}

// Err is nil on success, otherwise ErrPublishExhausted carrying every relay error.
func (r PublishResult) Err() error {
	if r.Success {
		return nil
	}
	if r.errs == nil {
		return ErrPublishExhausted
	}
	return xerrors.Errorf("%w: %v", ErrPublishExhausted, r.errs)
}

// PublishWithRetry sends e to the healthy subset of urls and, only if
// that yields fewer than minSuccess acks, to a second batch drawn from
// urls plus the defaults that the first batch did not cover.
func (p *Pool) PublishWithRetry(ctx context.Context, e *protocol.Event, urls []string, minSuccess int) PublishResult {
	if minSuccess < 1 {
		minSuccess = 1
	}
	first := p.HealthyRelays(urls)
	tried := make(map[string]bool, len(first))
	for _, u := range first {
		tried[u] = true
	}
	var second []string
	for _, u := range p.HealthyRelays(append(append([]string(nil), urls...), p.opts.Defaults...)) {
		if !tried[u] {
			second = append(second, u)
		}
	}

	var res PublishResult
	for _, batch := range [][]string{first, second} {
		if len(batch) == 0 || res.Acks >= minSuccess {
			continue
		}
		if ctx.Err() != nil {
			res.errs = multierr.Append(res.errs, ctx.Err())
			res.LastError = ctx.Err()
			break
		}
		p.publishBatch(ctx, e, batch, &res)
	}
	res.Success = res.Acks >= minSuccess
	if !res.Success {
		metrics.Relay.Exhausted.Inc()
		if res.LastError == nil {
			res.LastError = ErrPublishExhausted
		}
	}
	return res
}

type publishOutcome struct {
	url     string
	err     error
	latency time.Duration
}

func (p *Pool) publishBatch(ctx context.Context, e *protocol.Event, batch []string, res *PublishResult) {
	ctx, cancel := context.WithTimeout(ctx, p.opts.PublishTimeout)
	defer cancel()

	start := time.Now()
	outcomes := make(chan publishOutcome, len(batch))
	for _, u := range batch {
		p.reg.MarkConnecting(u)
		go func(u string) {
			err := p.transport.Publish(ctx, u, e)
			outcomes <- publishOutcome{url: u, err: err, latency: time.Since(start)}
		}(u)
	}

	for range batch {
		o := <-outcomes
		res.Attempted = append(res.Attempted, o.url)
		if o.err == nil {
			res.Acks++
			p.reg.RecordPublish(o.url, true, o.latency, "")
			metrics.Relay.Publishes.WithLabelValues(o.url, "ok").Inc()
			metrics.Relay.PublishLatency.WithLabelValues(o.url).Observe(o.latency.Seconds())
			continue
		}
		err := xerrors.Errorf("%s: %w", o.url, o.err)
		res.Failed = append(res.Failed, o.url)
		res.LastError = err
		res.errs = multierr.Append(res.errs, err)
		p.reg.RecordPublish(o.url, false, o.latency, o.err.Error())
		metrics.Relay.Publishes.WithLabelValues(o.url, "error").Inc()
		log.Debugf("publish %s to %s failed: %v", e.ID, o.url, o.err)
	}
}

// Subscription is a live multi-relay REQ. Events are deduplicated by id
// and only signed events with a matching id are delivered.
type Subscription struct {
	ID     string
	Relays []string
	Events <-chan *protocol.Event

	eose   chan struct{}
	done   chan struct{}
	cancel context.CancelFunc
}

// EndOfStored is closed once every relay has sent EOSE or ended.
func (s *Subscription) EndOfStored() <-chan struct{} { return s.eose }

// Done is closed after all relay streams have ended and Events is closed.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Close cancels the subscription on every relay and waits for the
// streams to wind down.
func (s *Subscription) Close() {
	s.cancel()
	<-s.done
}

// SubscribeWithFailover opens filters on the healthy subset of urls.
// The first event or EOSE from any relay marks every selected relay
// connected; a relay that sends CLOSED or drops is marked failed.
func (p *Pool) SubscribeWithFailover(ctx context.Context, filters []protocol.Filter, urls []string) *Subscription {
	ctx, cancel := context.WithCancel(ctx)
	relays := p.HealthyRelays(urls)
	events := make(chan *protocol.Event, 64)
	sub := &Subscription{
		ID:     uuid.NewString(),
		Relays: relays,
		Events: events,
		eose:   make(chan struct{}),
		done:   make(chan struct{}),
		cancel: cancel,
	}
	seen, _ := lru.New[string, struct{}](seenCacheSize)

	start := time.Now()
	var (
		firstSignal sync.Once
		eoseOnce    sync.Once
		pending     atomic.Int32
		wg          sync.WaitGroup
	)
	pending.Store(int32(len(relays)))
	relayDone := func() {
		if pending.Add(-1) == 0 {
			eoseOnce.Do(func() { close(sub.eose) })
		}
	}
	var (
		failedMu sync.Mutex
		failed   = map[string]bool{}
	)
	markFailed := func(u, reason string) {
		failedMu.Lock()
		failed[u] = true
		failedMu.Unlock()
		p.reg.MarkFailure(u, reason)
	}
	signal := func() {
		firstSignal.Do(func() {
			latency := time.Since(start)
			failedMu.Lock()
			defer failedMu.Unlock()
			for _, u := range relays {
				if !failed[u] {
					p.reg.MarkConnected(u, latency)
				}
			}
		})
	}

	metrics.Relay.Subscriptions.Inc()
	for _, u := range relays {
		p.reg.MarkConnecting(u)
		wg.Add(1)
		go func(u string) {
			defer wg.Done()
			p.stream(ctx, sub.ID, u, filters, events, seen, signal, relayDone, markFailed)
		}(u)
	}
	if len(relays) == 0 {
		eoseOnce.Do(func() { close(sub.eose) })
	}

	go func() {
		wg.Wait()
		close(events)
		metrics.Relay.Subscriptions.Dec()
		cancel()
		close(sub.done)
	}()
	return sub
}

func (p *Pool) stream(ctx context.Context, id, u string, filters []protocol.Filter, out chan<- *protocol.Event,
	seen *lru.Cache[string, struct{}], signal, relayDone func(), markFailed func(u, reason string)) {
	counted := false
	finish := func() {
		if !counted {
			counted = true
			relayDone()
		}
	}
	defer finish()

	in, err := p.transport.Subscribe(ctx, u, id, filters)
	if err != nil {
		if ctx.Err() == nil {
			markFailed(u, err.Error())
			log.Debugf("subscribe %s: %v", u, err)
		}
		return
	}

	closedReason := ""
	for msg := range in {
		switch {
		case msg.Event != nil:
			signal()
			if !msg.Event.CheckSignature() {
				log.Debugf("dropping event with bad id or signature from %s", u)
				continue
			}
			if ok, _ := seen.ContainsOrAdd(msg.Event.ID, struct{}{}); ok {
				continue
			}
			select {
			case out <- msg.Event:
			case <-ctx.Done():
				return
			}
		case msg.EOSE:
			signal()
			finish()
		case msg.Closed != "":
			closedReason = msg.Closed
		}
	}

	if ctx.Err() != nil {
		return
	}
	if closedReason == "" {
		closedReason = "connection lost"
	}
	markFailed(u, closedReason)
	log.Debugf("subscription %s on %s ended: %s", id, u, closedReason)
}

// Query collects stored events matching filters from the healthy subset
// of urls and returns once every relay reached EOSE or the query timeout
// passed.
func (p *Pool) Query(ctx context.Context, filters []protocol.Filter, urls []string) ([]*protocol.Event, error) {
	ctx, cancel := context.WithTimeout(ctx, p.opts.QueryTimeout)
	defer cancel()

	sub := p.SubscribeWithFailover(ctx, filters, urls)
	defer sub.Close()

	var out []*protocol.Event
	for {
		select {
		case e, ok := <-sub.Events:
			if !ok {
				return out, nil
			}
			out = append(out, e)
		case <-sub.EndOfStored():
			for {
				select {
				case e, ok := <-sub.Events:
					if !ok {
						return out, nil
					}
					out = append(out, e)
				default:
					return out, nil
				}
			}
		case <-ctx.Done():
			if len(out) > 0 || errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return out, nil
			}
			return out, ctx.Err()
		}
	}
}

func normalizeAll(urls []string) []string {
	seen := make(map[string]bool, len(urls))
	out := make([]string, 0, len(urls))
	for _, raw := range urls {
		u, err := NormalizeURL(raw)
		if err != nil {
			log.Debugf("skipping relay %q: %v", raw, err)
			continue
		}
		if seen[u] {
			continue
		}
		seen[u] = true
		out = append(out, u)
	}
	return out
}
