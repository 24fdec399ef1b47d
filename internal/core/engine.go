package core

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/jpillora/backoff"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"sealchat/internal/crypto"
	"sealchat/internal/keys"
	"sealchat/internal/logging"
	"sealchat/internal/metrics"
	"sealchat/internal/nip05"
	"sealchat/internal/protocol"
	"sealchat/internal/relay"
	"sealchat/internal/store"
)

var log = logging.Logger("core")

var (
	ErrNoInboxRelays    = xerrors.New("recipient has no inbox relays")
	ErrEmptyMessage     = xerrors.New("message is empty")
	ErrMessageTooLong   = xerrors.New("message too long")
	ErrUnknownMessage   = xerrors.New("unknown message")
	ErrNotRetryable     = xerrors.New("only own undelivered messages can be retried")
	ErrProfileNotFound  = xerrors.New("profile not found")
	ErrIdentityRequired = xerrors.New("engine needs a key pair with a secret")
)

const (
	DefaultBackfillWindow = 72 * time.Hour
	DefaultProfileTTL     = 24 * time.Hour

	inboxTTL   = 10 * time.Minute
	lruEntries = 512
	// wraps are backdated up to two days, the live filter has to reach that far
	liveLookback = 48 * time.Hour
)

// Cache is the persistence the engine writes through to. Local read
// errors are returned to the caller; write errors are logged.
type Cache interface {
	Put(m protocol.Message) error
	Get(id string) (protocol.Message, bool, error)
	QueryByConversation(convID string) ([]protocol.Message, error)
	UpdateStatus(id string, status protocol.Status) error
	PutProfile(p protocol.Profile) error
	GetProfile(pubkey string) (protocol.Profile, bool, error)
}

type Options struct {
	Identity keys.KeyPair
	Pool     *relay.Pool
	Store    *store.Store
	// Cache may be nil; the engine then keeps history in memory only.
	Cache    Cache
	Resolver *nip05.Resolver
	// Relays are this identity's own inbox and archive relays.
	Relays         []string
	BackfillWindow time.Duration
	ProfileTTL     time.Duration
}

// Engine runs sending, receiving and lookups for one identity.
type Engine struct {
	me       keys.KeyPair
	pool     *relay.Pool
	store    *store.Store
	cache    Cache
	resolver *nip05.Resolver
	relays   []string
	backfill time.Duration

	profiles *expirable.LRU[string, protocol.Profile]
	inboxes  *expirable.LRU[string, []string]

	// listenMu serializes Listen and StopListening
	listenMu sync.Mutex

	mu         sync.Mutex
	sub        *relay.Subscription
	stopListen context.CancelFunc
	listenDone chan struct{}

	OnNewMessage func(protocol.Message)
	OnStatus     func(string, bool)
}

func New(opts Options) (*Engine, error) {
	if opts.Identity.PrivateKey() == nil {
		return nil, ErrIdentityRequired
	}
	if opts.Pool == nil {
		return nil, xerrors.New("engine needs a relay pool")
	}
	if opts.Store == nil {
		opts.Store = store.New()
	}
	if opts.Resolver == nil {
		opts.Resolver = nip05.NewResolver()
	}
	if opts.BackfillWindow <= 0 {
		opts.BackfillWindow = DefaultBackfillWindow
	}
	if opts.ProfileTTL <= 0 {
		opts.ProfileTTL = DefaultProfileTTL
	}
	return &Engine{
		me:       opts.Identity,
		pool:     opts.Pool,
		store:    opts.Store,
		cache:    opts.Cache,
		resolver: opts.Resolver,
		relays:   append([]string(nil), opts.Relays...),
		backfill: opts.BackfillWindow,
		profiles: expirable.NewLRU[string, protocol.Profile](lruEntries, nil, opts.ProfileTTL),
		inboxes:  expirable.NewLRU[string, []string](lruEntries, nil, inboxTTL),
	}, nil
}

// Close stops listening. The pool and cache belong to the caller.
func (e *Engine) Close() {
	e.StopListening()
}

func (e *Engine) Identity() keys.KeyPair { return e.me.PublicOnly() }

func (e *Engine) Store() *store.Store { return e.store }

// Relays returns this identity's own relays.
func (e *Engine) Relays() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.relays...)
}

// SetRelays replaces this identity's own relays. A running listener
// picks them up on its next resubscribe; PublishInboxRelays announces them.
func (e *Engine) SetRelays(urls []string) {
	e.mu.Lock()
	e.relays = append([]string(nil), urls...)
	e.mu.Unlock()
	e.inboxes.Remove(e.me.Public)
}

// SendResult reports both deliveries of one message.
type SendResult struct {
	Message     protocol.Message
	InboxRelays []string
	Recipient   relay.PublishResult
	Self        relay.PublishResult
}

// Send delivers text to recipient (hex or npub). The message is recorded
// as sending before any network call and ends as sent or failed.
func (e *Engine) Send(ctx context.Context, recipient, text string) (SendResult, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return SendResult{}, ErrEmptyMessage
	}
	if len(text) > protocol.MaxContentLength {
		return SendResult{}, xerrors.Errorf("%w: %d bytes", ErrMessageTooLong, len(text))
	}
	to, err := keys.NormalizePublic(recipient)
	if err != nil {
		return SendResult{}, err
	}

	rumor := protocol.CreateRumor(text, e.me, to, nil)
	toRecipient, toSelf, err := e.wrap(rumor, to)
	if err != nil {
		return SendResult{}, err
	}
	msg := protocol.MessageFromRumor(rumor, to, protocol.StatusSending)
	e.store.AddMessage(msg)
	e.cachePut(msg)
	return e.deliver(ctx, msg, toRecipient, toSelf)
}

// wrap builds both gift wraps. Content that fits MaxContentLength can
// still outgrow the encryption limit once sealed and wrapped; that is
// reported as ErrMessageTooLong.
func (e *Engine) wrap(rumor protocol.Event, to string) (toRecipient, toSelf protocol.Event, err error) {
	toRecipient, toSelf, err = protocol.WrapPair(rumor, e.me, to)
	if errors.Is(err, crypto.ErrPlaintextSize) {
		err = xerrors.Errorf("%w: %d bytes do not fit a gift wrap", ErrMessageTooLong, len(rumor.Content))
	}
	return
}

// Retry sends an own failed or stuck message again with the same id.
func (e *Engine) Retry(ctx context.Context, id string) (SendResult, error) {
	msg, ok := e.store.MessageByID(id)
	if !ok && e.cache != nil {
		var err error
		if msg, ok, err = e.cache.Get(id); err != nil {
			return SendResult{}, err
		}
		if ok {
			e.store.AddMessage(msg)
		}
	}
	if !ok {
		return SendResult{}, xerrors.Errorf("%w: %s", ErrUnknownMessage, id)
	}
	if !msg.Mine || msg.Status == protocol.StatusSent {
		return SendResult{}, ErrNotRetryable
	}

	rumor := protocol.RumorFromMessage(msg)
	if rumor.ID != msg.ID {
		return SendResult{}, xerrors.Errorf("%w: rebuilt rumor does not match %s", ErrNotRetryable, id)
	}
	toRecipient, toSelf, err := e.wrap(rumor, msg.Recipient)
	if err != nil {
		return SendResult{Message: msg}, err
	}
	e.setStatus(msg.ID, protocol.StatusSending)
	msg.Status = protocol.StatusSending
	return e.deliver(ctx, msg, toRecipient, toSelf)
}

func (e *Engine) deliver(ctx context.Context, msg protocol.Message, toRecipient, toSelf protocol.Event) (SendResult, error) {
	res := SendResult{Message: msg}

	inbox, err := e.FetchInboxRelays(ctx, msg.Recipient)
	if err != nil {
		e.fail(&res)
		return res, err
	}
	res.InboxRelays = inbox
	own := e.Relays()

	var g errgroup.Group
	g.Go(func() error {
		res.Recipient = e.pool.PublishWithRetry(ctx, &toRecipient, inbox, 1)
		return res.Recipient.Err()
	})
	g.Go(func() error {
		res.Self = e.pool.PublishWithRetry(ctx, &toSelf, own, 1)
		if err := res.Self.Err(); err != nil {
			log.Warnf("self copy of %s not archived: %v", msg.ID, err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		e.fail(&res)
		return res, err
	}

	e.setStatus(msg.ID, protocol.StatusSent)
	res.Message.Status = protocol.StatusSent
	metrics.Messages.Sent.WithLabelValues(string(protocol.StatusSent)).Inc()
	log.Debugf("sent %s to %s via %d relays", msg.ID, msg.Recipient, res.Recipient.Acks)
	return res, nil
}

func (e *Engine) fail(res *SendResult) {
	e.setStatus(res.Message.ID, protocol.StatusFailed)
	res.Message.Status = protocol.StatusFailed
	metrics.Messages.Sent.WithLabelValues(string(protocol.StatusFailed)).Inc()
}

func (e *Engine) setStatus(id string, status protocol.Status) {
	e.store.UpdateMessageStatus(id, status)
	if e.cache != nil {
		if err := e.cache.UpdateStatus(id, status); err != nil {
			log.Warnf("cache status %s: %v", id, err)
		}
	}
}

func (e *Engine) cachePut(m protocol.Message) {
	if e.cache == nil {
		return
	}
	if err := e.cache.Put(m); err != nil {
		log.Warnf("cache message %s: %v", m.ID, err)
	}
}

// Ingest verifies and unwraps one incoming gift wrap. Anything that does
// not verify is dropped; the return reports whether a new message was stored.
func (e *Engine) Ingest(ev *protocol.Event) (protocol.Message, bool) {
	msg, err := protocol.ParseWrap(ev, e.me)
	if err != nil {
		reason := "invalid"
		var rej *protocol.RejectError
		if errors.As(err, &rej) {
			reason = rej.Reason
		}
		metrics.Messages.Rejected.WithLabelValues(reason).Inc()
		log.Debugf("dropping wrap %s: %v", ev.ID, err)
		return protocol.Message{}, false
	}

	if e.seenBefore(msg) {
		return msg, false
	}
	added := e.store.AddMessage(msg)
	e.cachePut(msg)
	if !added {
		return msg, false
	}
	metrics.Messages.Received.Inc()
	if e.OnNewMessage != nil {
		e.OnNewMessage(msg)
	}
	return msg, true
}

// seenBefore reports whether msg was received in an earlier session.
// Such a message goes back into the store without counting as new or unread.
func (e *Engine) seenBefore(msg protocol.Message) bool {
	if e.cache == nil {
		return false
	}
	if _, ok := e.store.MessageByID(msg.ID); ok {
		return false
	}
	cached, ok, err := e.cache.Get(msg.ID)
	if err != nil {
		log.Debugf("cached copy of %s: %v", msg.ID, err)
		return false
	}
	if !ok {
		return false
	}
	if cached.Status != msg.Status {
		if err := e.cache.UpdateStatus(msg.ID, msg.Status); err != nil {
			log.Warnf("cache status %s: %v", msg.ID, err)
		}
	}
	e.store.MergeCached(msg.ConversationID, []protocol.Message{msg})
	return true
}

func (e *Engine) wrapFilter(since time.Time) []protocol.Filter {
	return []protocol.Filter{{
		Kinds: []int{protocol.KindGiftWrap},
		PTags: []string{e.me.Public},
		Since: since.Unix(),
	}}
}

// PublishInboxRelays announces our relays as a kind 10050 list on them.
func (e *Engine) PublishInboxRelays(ctx context.Context) (relay.PublishResult, error) {
	own := e.Relays()
	if len(own) == 0 {
		return relay.PublishResult{}, ErrNoInboxRelays
	}
	list, err := protocol.NewInboxRelayList(own, e.me)
	if err != nil {
		return relay.PublishResult{}, err
	}
	res := e.pool.PublishWithRetry(ctx, &list, own, 1)
	return res, res.Err()
}

// Listen announces the inbox relay list, backfills wraps from the
// backfill window and then follows new ones until ctx ends or Listen is
// called again. It returns the number of backfilled messages that were
// not seen before. Concurrent calls run one after the other, and only
// the last one keeps a live subscription.
func (e *Engine) Listen(ctx context.Context) (int, error) {
	e.listenMu.Lock()
	defer e.listenMu.Unlock()
	e.stopListening()

	if _, err := e.PublishInboxRelays(ctx); err != nil && !errors.Is(err, ErrNoInboxRelays) {
		log.Warnf("inbox relay list not published: %v", err)
	}

	stored, err := e.pool.Query(ctx, e.wrapFilter(time.Now().Add(-e.backfill)), e.Relays())
	if err != nil {
		return 0, err
	}
	count := 0
	for _, ev := range stored {
		if _, added := e.Ingest(ev); added {
			count++
		}
	}
	log.Infof("backfilled %d messages from %d wraps", count, len(stored))

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	e.mu.Lock()
	e.stopListen = cancel
	e.listenDone = done
	e.mu.Unlock()

	go e.listenLoop(ctx, done)
	return count, nil
}

// StopListening closes the live subscription and waits for it to end.
func (e *Engine) StopListening() {
	e.listenMu.Lock()
	defer e.listenMu.Unlock()
	e.stopListening()
}

func (e *Engine) stopListening() {
	e.mu.Lock()
	cancel, done := e.stopListen, e.listenDone
	e.stopListen, e.listenDone = nil, nil
	e.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

// SubscribedRelays lists the relays of the current live subscription.
func (e *Engine) SubscribedRelays() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sub == nil {
		return nil
	}
	return append([]string(nil), e.sub.Relays...)
}

// Listening reports whether a live subscription loop is running.
func (e *Engine) Listening() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stopListen != nil
}

func (e *Engine) listenLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	b := &backoff.Backoff{Min: time.Second, Max: time.Minute, Factor: 2, Jitter: true}

	for {
		started := time.Now()
		sub := e.pool.SubscribeWithFailover(ctx, e.wrapFilter(time.Now().Add(-liveLookback)), e.Relays())
		e.mu.Lock()
		e.sub = sub
		e.mu.Unlock()
		e.status("online", true)

		for ev := range sub.Events {
			e.Ingest(ev)
		}
		sub.Close()

		e.mu.Lock()
		e.sub = nil
		e.mu.Unlock()

		if ctx.Err() != nil {
			e.status("stopped", false)
			return
		}
		if time.Since(started) > b.Max {
			b.Reset()
		}
		wait := b.Duration()
		e.status("offline, retrying in "+wait.Round(time.Second).String(), false)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			e.status("stopped", false)
			return
		}
	}
}

func (e *Engine) status(s string, online bool) {
	log.Debugf("listener %s", s)
	if e.OnStatus != nil {
		e.OnStatus(s, online)
	}
}

// LoadConversation merges cached history with peer into the store and
// returns the conversation.
func (e *Engine) LoadConversation(peer string) ([]protocol.Message, error) {
	pk, err := keys.NormalizePublic(peer)
	if err != nil {
		return nil, err
	}
	convID := protocol.ConversationID(e.me.Public, pk)
	if e.cache != nil {
		cached, err := e.cache.QueryByConversation(convID)
		if err != nil {
			return nil, err
		}
		e.store.MergeCached(convID, cached)
	}
	return e.store.Messages(convID), nil
}

func (e *Engine) Conversations() []store.Conversation {
	return e.store.Conversations()
}

func (e *Engine) MarkRead(peer string) {
	if pk, err := keys.NormalizePublic(peer); err == nil {
		e.store.MarkRead(pk)
	}
}

// lookupRelays is where other keys' lists and profiles are searched.
func (e *Engine) lookupRelays() []string {
	return append(e.Relays(), e.pool.Defaults()...)
}

// FetchInboxRelays resolves where pubkey receives direct messages: its
// kind 10050 list, else the read relays of its kind 10002 list, else our
// own relays.
func (e *Engine) FetchInboxRelays(ctx context.Context, pubkey string) ([]string, error) {
	pubkey, err := keys.NormalizePublic(pubkey)
	if err != nil {
		return nil, err
	}
	if urls, ok := e.inboxes.Get(pubkey); ok {
		return urls, nil
	}

	events, err := e.pool.Query(ctx, []protocol.Filter{
		{Kinds: []int{protocol.KindInboxRelays}, Authors: []string{pubkey}, Limit: 1},
		{Kinds: []int{protocol.KindRelayList}, Authors: []string{pubkey}, Limit: 1},
	}, e.lookupRelays())
	if err != nil {
		log.Debugf("inbox lookup for %s: %v", pubkey, err)
	}

	for _, kind := range []int{protocol.KindInboxRelays, protocol.KindRelayList} {
		ev := latest(events, pubkey, kind)
		if ev == nil {
			continue
		}
		list, err := protocol.ParseRelayList(ev)
		if err != nil {
			continue
		}
		if urls := validRelays(list.Read); len(urls) > 0 {
			e.inboxes.Add(pubkey, urls)
			return urls, nil
		}
	}

	if own := e.Relays(); len(own) > 0 {
		return own, nil
	}
	return nil, ErrNoInboxRelays
}

// FetchProfile returns pubkey's metadata from memory, the cache or relays.
func (e *Engine) FetchProfile(ctx context.Context, pubkey string) (protocol.Profile, error) {
	pk, err := keys.NormalizePublic(pubkey)
	if err != nil {
		return protocol.Profile{}, err
	}
	if p, ok := e.profiles.Get(pk); ok {
		return p, nil
	}
	if e.cache != nil {
		p, ok, err := e.cache.GetProfile(pk)
		if err != nil {
			log.Warnf("cached profile %s: %v", pk, err)
		} else if ok {
			e.profiles.Add(pk, p)
			return p, nil
		}
	}

	events, err := e.pool.Query(ctx, []protocol.Filter{
		{Kinds: []int{protocol.KindMetadata}, Authors: []string{pk}, Limit: 1},
	}, e.lookupRelays())
	if err != nil {
		return protocol.Profile{}, err
	}
	ev := latest(events, pk, protocol.KindMetadata)
	if ev == nil {
		return protocol.Profile{}, xerrors.Errorf("%w: %s", ErrProfileNotFound, pk)
	}
	p, err := protocol.ParseProfile(ev)
	if err != nil {
		return protocol.Profile{}, xerrors.Errorf("%w: %v", ErrProfileNotFound, err)
	}
	e.rememberProfile(p)
	return p, nil
}

// PublishProfile signs p as our metadata and publishes it to our relays.
func (e *Engine) PublishProfile(ctx context.Context, p protocol.Profile) (relay.PublishResult, error) {
	ev, err := protocol.NewProfileEvent(p, e.me)
	if err != nil {
		return relay.PublishResult{}, err
	}
	res := e.pool.PublishWithRetry(ctx, &ev, e.Relays(), 1)
	if err := res.Err(); err != nil {
		return res, err
	}
	p.PubKey = e.me.Public
	p.CreatedAt = ev.CreatedAt
	e.rememberProfile(p)
	return res, nil
}

func (e *Engine) rememberProfile(p protocol.Profile) {
	e.profiles.Add(p.PubKey, p)
	if e.cache != nil {
		if err := e.cache.PutProfile(p); err != nil {
			log.Warnf("cache profile %s: %v", p.PubKey, err)
		}
	}
}

// VerifyIdentity checks a user@domain claim for pubkey (hex or npub).
func (e *Engine) VerifyIdentity(ctx context.Context, identifier, pubkey string) (bool, error) {
	pk, err := keys.NormalizePublic(pubkey)
	if err != nil {
		return false, err
	}
	return e.resolver.Verify(ctx, identifier, pk)
}

// latest picks the newest event of kind by author.
func latest(events []*protocol.Event, author string, kind int) *protocol.Event {
	var found []*protocol.Event
	for _, ev := range events {
		if ev.Kind == kind && strings.EqualFold(ev.PubKey, author) {
			found = append(found, ev)
		}
	}
	if len(found) == 0 {
		return nil
	}
	sort.Slice(found, func(i, j int) bool { return found[i].CreatedAt > found[j].CreatedAt })
	return found[0]
}

func validRelays(urls []string) []string {
	var out []string
	for _, raw := range urls {
		if u, err := relay.NormalizeURL(raw); err == nil {
			out = append(out, u)
		}
	}
	return out
}
