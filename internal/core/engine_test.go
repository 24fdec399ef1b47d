package core

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sealchat/internal/keys"
	"sealchat/internal/nip05"
	"sealchat/internal/protocol"
	"sealchat/internal/relay"
	"sealchat/internal/store"
)

// memNet is an in-process set of relays speaking the Transport interface.
type memNet struct {
	mu     sync.Mutex
	events map[string][]*protocol.Event
	subs   map[string]map[*memSub]bool
	down   map[string]bool
}

type memSub struct {
	filters []protocol.Filter
	ch      chan relay.Incoming
}

func newMemNet() *memNet {
	return &memNet{
		events: map[string][]*protocol.Event{},
		subs:   map[string]map[*memSub]bool{},
		down:   map[string]bool{},
	}
}

func (n *memNet) setDown(url string, down bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.down[url] = down
}

func (n *memNet) put(url string, e *protocol.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events[url] = append(n.events[url], e)
	for s := range n.subs[url] {
		if protocol.MatchesAny(s.filters, e) {
			select {
			case s.ch <- relay.Incoming{Relay: url, Event: e}:
			default:
			}
		}
	}
}

func (n *memNet) stored(url string, kind int) []*protocol.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []*protocol.Event
	for _, e := range n.events[url] {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

func (n *memNet) liveSubs(url string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.subs[url])
}

func (n *memNet) Publish(ctx context.Context, url string, e *protocol.Event) error {
	n.mu.Lock()
	down := n.down[url]
	n.mu.Unlock()
	if down {
		return fmt.Errorf("%s unreachable", url)
	}
	n.put(url, e)
	return nil
}

func (n *memNet) Subscribe(ctx context.Context, url, id string, filters []protocol.Filter) (<-chan relay.Incoming, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.down[url] {
		return nil, fmt.Errorf("%s unreachable", url)
	}
	s := &memSub{filters: filters, ch: make(chan relay.Incoming, 256)}
	for _, e := range n.events[url] {
		if protocol.MatchesAny(filters, e) {
			s.ch <- relay.Incoming{Relay: url, Event: e}
		}
	}
	s.ch <- relay.Incoming{Relay: url, EOSE: true}
	if n.subs[url] == nil {
		n.subs[url] = map[*memSub]bool{}
	}
	n.subs[url][s] = true

	go func() {
		<-ctx.Done()
		n.mu.Lock()
		delete(n.subs[url], s)
		close(s.ch)
		n.mu.Unlock()
	}()
	return s.ch, nil
}

func (n *memNet) Close() error { return nil }

type memCache struct {
	mu       sync.Mutex
	messages map[string]protocol.Message
	profiles map[string]protocol.Profile
}

func newMemCache() *memCache {
	return &memCache{messages: map[string]protocol.Message{}, profiles: map[string]protocol.Profile{}}
}

func (c *memCache) Put(m protocol.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if old, ok := c.messages[m.ID]; ok {
		old.Status = m.Status
		c.messages[m.ID] = old
		return nil
	}
	c.messages[m.ID] = m
	return nil
}

func (c *memCache) Get(id string) (protocol.Message, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.messages[id]
	return m, ok, nil
}

func (c *memCache) QueryByConversation(convID string) ([]protocol.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []protocol.Message
	for _, m := range c.messages {
		if m.ConversationID == convID {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out, nil
}

func (c *memCache) UpdateStatus(id string, status protocol.Status) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if m, ok := c.messages[id]; ok {
		m.Status = status
		c.messages[id] = m
	}
	return nil
}

func (c *memCache) PutProfile(p protocol.Profile) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.profiles[p.PubKey] = p
	return nil
}

func (c *memCache) GetProfile(pubkey string) (protocol.Profile, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.profiles[pubkey]
	return p, ok, nil
}

const (
	relayA   = "wss://a.example"
	relayB   = "wss://b.example"
	fallback = "wss://fallback.example"
)

func newEngine(t *testing.T, net *memNet, kp keys.KeyPair, relays []string, cache Cache) *Engine {
	t.Helper()
	pool := relay.NewPool(relay.NewRegistry(), net, relay.Options{
		Defaults:       []string{fallback},
		PublishTimeout: 2 * time.Second,
		QueryTimeout:   2 * time.Second,
	})
	e, err := New(Options{Identity: kp, Pool: pool, Relays: relays, Cache: cache})
	require.NoError(t, err)
	t.Cleanup(e.Close)
	return e
}

func publishInboxList(t *testing.T, net *memNet, kp keys.KeyPair, on string, relays ...string) {
	t.Helper()
	list, err := protocol.NewInboxRelayList(relays, kp)
	require.NoError(t, err)
	net.put(on, &list)
}

func TestSendWithoutAnyRelays(t *testing.T) {
	net := newMemNet()
	alice := newEngine(t, net, keys.Generate(), nil, nil)
	bob := keys.Generate()

	res, err := alice.Send(context.Background(), bob.Npub, "hello?")
	assert.True(t, errors.Is(err, ErrNoInboxRelays), "got %v", err)
	assert.Equal(t, protocol.StatusFailed, res.Message.Status)

	got, ok := alice.Store().MessageByID(res.Message.ID)
	require.True(t, ok)
	assert.Equal(t, protocol.StatusFailed, got.Status)
}

func TestSendValidation(t *testing.T) {
	net := newMemNet()
	alice := newEngine(t, net, keys.Generate(), []string{relayA}, nil)
	bob := keys.Generate()

	_, err := alice.Send(context.Background(), bob.Public, "   ")
	assert.True(t, errors.Is(err, ErrEmptyMessage))
	_, err = alice.Send(context.Background(), bob.Public, strings.Repeat("x", protocol.MaxContentLength+1))
	assert.True(t, errors.Is(err, ErrMessageTooLong))
	_, err = alice.Send(context.Background(), "npub1nope", "hi")
	assert.True(t, errors.Is(err, keys.ErrInvalidKeyEncoding))
	assert.Empty(t, alice.Conversations())

	_, err = New(Options{Identity: bob.PublicOnly(), Pool: alice.pool})
	assert.True(t, errors.Is(err, ErrIdentityRequired))
}

func TestSendAndReceive(t *testing.T) {
	net := newMemNet()
	aliceKey, bobKey := keys.Generate(), keys.Generate()
	alice := newEngine(t, net, aliceKey, []string{relayA}, newMemCache())
	bob := newEngine(t, net, bobKey, []string{relayB, fallback}, nil)

	received := make(chan protocol.Message, 4)
	bob.OnNewMessage = func(m protocol.Message) { received <- m }
	_, err := bob.Listen(context.Background())
	require.NoError(t, err)
	require.Len(t, net.stored(relayB, protocol.KindInboxRelays), 1)
	require.Eventually(t, func() bool { return net.liveSubs(relayB) == 1 }, time.Second, 5*time.Millisecond)

	res, err := alice.Send(context.Background(), bobKey.Public, "  hi bob  ")
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusSent, res.Message.Status)
	assert.Equal(t, "hi bob", res.Message.Content)
	assert.Equal(t, []string{relayB, fallback}, res.InboxRelays)
	assert.True(t, res.Recipient.Success)
	assert.True(t, res.Self.Success)
	assert.Len(t, net.stored(relayA, protocol.KindGiftWrap), 1, "self copy goes to own relays")

	select {
	case m := <-received:
		assert.Equal(t, res.Message.ID, m.ID)
		assert.Equal(t, "hi bob", m.Content)
		assert.Equal(t, aliceKey.Public, m.Peer)
		assert.False(t, m.Mine)
	case <-time.After(2 * time.Second):
		t.Fatal("bob got nothing")
	}

	conv, ok := bob.Store().Conversation(aliceKey.Public)
	require.True(t, ok)
	assert.Equal(t, 1, conv.UnreadCount)
	bob.MarkRead(aliceKey.Npub)
	conv, _ = bob.Store().Conversation(aliceKey.Public)
	assert.Zero(t, conv.UnreadCount)

	stored, ok := alice.Store().MessageByID(res.Message.ID)
	require.True(t, ok)
	assert.Equal(t, protocol.StatusSent, stored.Status)
}

func TestSecondDeviceSeesOneCopy(t *testing.T) {
	net := newMemNet()
	aliceKey, bobKey := keys.Generate(), keys.Generate()
	publishInboxList(t, net, bobKey, fallback, relayB)
	laptop := newEngine(t, net, aliceKey, []string{relayA}, nil)

	res, err := laptop.Send(context.Background(), bobKey.Public, "m1")
	require.NoError(t, err)

	phone := newEngine(t, net, aliceKey, []string{relayA}, nil)
	n, err := phone.Listen(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	for _, wrap := range net.stored(relayA, protocol.KindGiftWrap) {
		_, added := phone.Ingest(wrap)
		assert.False(t, added)
		_, added = laptop.Ingest(wrap)
		assert.False(t, added)
	}
	// the recipient copy is not readable by the sender
	for _, wrap := range net.stored(relayB, protocol.KindGiftWrap) {
		_, added := phone.Ingest(wrap)
		assert.False(t, added)
	}

	convID := protocol.ConversationID(aliceKey.Public, bobKey.Public)
	for _, s := range []*store.Store{laptop.Store(), phone.Store()} {
		list := s.Messages(convID)
		require.Len(t, list, 1)
		assert.Equal(t, res.Message.ID, list[0].ID)
		assert.True(t, list[0].Mine)
	}
}

func TestRetryAfterFailure(t *testing.T) {
	net := newMemNet()
	aliceKey, bobKey := keys.Generate(), keys.Generate()
	publishInboxList(t, net, bobKey, relayA, relayB)
	cache := newMemCache()
	alice := newEngine(t, net, aliceKey, []string{relayA}, cache)

	net.setDown(relayB, true)
	net.setDown(fallback, true)
	res, err := alice.Send(context.Background(), bobKey.Public, "are you there")
	assert.True(t, errors.Is(err, relay.ErrPublishExhausted), "got %v", err)
	assert.Equal(t, protocol.StatusFailed, res.Message.Status)
	assert.ElementsMatch(t, []string{relayB, fallback}, res.Recipient.Failed)
	cached, _, _ := cache.Get(res.Message.ID)
	assert.Equal(t, protocol.StatusFailed, cached.Status)

	net.setDown(relayB, false)
	again, err := alice.Retry(context.Background(), res.Message.ID)
	require.NoError(t, err)
	assert.Equal(t, res.Message.ID, again.Message.ID)
	assert.Equal(t, protocol.StatusSent, again.Message.Status)
	cached, _, _ = cache.Get(res.Message.ID)
	assert.Equal(t, protocol.StatusSent, cached.Status)

	_, err = alice.Retry(context.Background(), res.Message.ID)
	assert.True(t, errors.Is(err, ErrNotRetryable))
	_, err = alice.Retry(context.Background(), "unknown")
	assert.True(t, errors.Is(err, ErrUnknownMessage))
}

func TestInboxResolutionOrder(t *testing.T) {
	net := newMemNet()
	bobKey := keys.Generate()
	alice := newEngine(t, net, keys.Generate(), []string{relayA}, nil)

	got, err := alice.FetchInboxRelays(context.Background(), bobKey.Public)
	require.NoError(t, err)
	assert.Equal(t, []string{relayA}, got, "falls back to own relays")

	nip65 := protocol.Event{CreatedAt: time.Now().Unix(), Kind: protocol.KindRelayList, Tags: protocol.Tags{
		{"r", "wss://write.example", "write"},
		{"r", "wss://read.example", "read"},
	}}
	require.NoError(t, nip65.Sign(bobKey))
	net.put(fallback, &nip65)

	carol := newEngine(t, net, keys.Generate(), nil, nil)
	got, err = carol.FetchInboxRelays(context.Background(), bobKey.Npub)
	require.NoError(t, err)
	assert.Equal(t, []string{"wss://read.example"}, got)

	publishInboxList(t, net, bobKey, fallback, "wss://dm.example")
	dave := newEngine(t, net, keys.Generate(), nil, nil)
	got, err = dave.FetchInboxRelays(context.Background(), bobKey.Public)
	require.NoError(t, err)
	assert.Equal(t, []string{"wss://dm.example"}, got)
}

func TestIngestDropsForgeries(t *testing.T) {
	net := newMemNet()
	bobKey := keys.Generate()
	bob := newEngine(t, net, bobKey, []string{relayB}, nil)

	junk := &protocol.Event{Kind: protocol.KindGiftWrap, Content: "junk"}
	_, added := bob.Ingest(junk)
	assert.False(t, added)

	mallory := keys.Generate()
	rumor := protocol.CreateRumor("trust me", keys.Generate(), bobKey.Public, nil)
	seal, err := protocol.CreateSeal(rumor, mallory, bobKey.Public)
	require.NoError(t, err)
	wrap, err := protocol.CreateWrap(seal, bobKey.Public)
	require.NoError(t, err)
	_, added = bob.Ingest(&wrap)
	assert.False(t, added)
	assert.Empty(t, bob.Conversations())
}

func TestLoadConversationMergesCache(t *testing.T) {
	net := newMemNet()
	aliceKey, bobKey := keys.Generate(), keys.Generate()
	cache := newMemCache()
	convID := protocol.ConversationID(aliceKey.Public, bobKey.Public)
	for i, id := range []string{"old1", "old2"} {
		require.NoError(t, cache.Put(protocol.Message{
			ID: id, Sender: bobKey.Public, Recipient: aliceKey.Public, Peer: bobKey.Public,
			ConversationID: convID, Content: id, CreatedAt: int64(100 + i), Status: protocol.StatusSent,
		}))
	}
	alice := newEngine(t, net, aliceKey, []string{relayA}, cache)
	publishInboxList(t, net, bobKey, relayA, relayA)
	res, err := alice.Send(context.Background(), bobKey.Public, "new")
	require.NoError(t, err)

	list, err := alice.LoadConversation(bobKey.Npub)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "old1", list[0].ID)
	assert.Equal(t, res.Message.ID, list[2].ID)

	_, err = alice.LoadConversation("garbage")
	assert.Error(t, err)
}

func TestListenReplacesSubscription(t *testing.T) {
	net := newMemNet()
	alice := newEngine(t, net, keys.Generate(), []string{relayA}, nil)

	_, err := alice.Listen(context.Background())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(alice.SubscribedRelays()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{relayA}, alice.SubscribedRelays())
	require.Eventually(t, func() bool { return net.liveSubs(relayA) == 1 }, time.Second, 5*time.Millisecond)

	_, err = alice.Listen(context.Background())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return net.liveSubs(relayA) == 1 }, time.Second, 5*time.Millisecond)
	assert.Never(t, func() bool { return net.liveSubs(relayA) > 1 }, 100*time.Millisecond, 10*time.Millisecond)

	alice.StopListening()
	assert.False(t, alice.Listening())
	require.Eventually(t, func() bool { return net.liveSubs(relayA) == 0 }, time.Second, 5*time.Millisecond)
}

func TestConcurrentListenKeepsOneSubscription(t *testing.T) {
	net := newMemNet()
	alice := newEngine(t, net, keys.Generate(), []string{relayA}, nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := alice.Listen(context.Background())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	require.Eventually(t, func() bool { return net.liveSubs(relayA) == 1 }, time.Second, 5*time.Millisecond)
	assert.Never(t, func() bool { return net.liveSubs(relayA) > 1 }, 200*time.Millisecond, 10*time.Millisecond)
	assert.True(t, alice.Listening())

	alice.Close()
	assert.False(t, alice.Listening())
	require.Eventually(t, func() bool { return net.liveSubs(relayA) == 0 }, time.Second, 5*time.Millisecond)
}

func TestSendRejectsWhatDoesNotFitAWrap(t *testing.T) {
	net := newMemNet()
	aliceKey, bobKey := keys.Generate(), keys.Generate()
	publishInboxList(t, net, bobKey, relayA, relayA)
	cache := newMemCache()
	alice := newEngine(t, net, aliceKey, []string{relayA}, cache)

	// fits the content limit, but not once sealed and wrapped
	_, err := alice.Send(context.Background(), bobKey.Public, strings.Repeat("x", 60000))
	assert.True(t, errors.Is(err, ErrMessageTooLong), "got %v", err)
	assert.Empty(t, alice.Conversations())
	assert.Empty(t, cache.messages)
	assert.Empty(t, net.stored(relayA, protocol.KindGiftWrap))

	res, err := alice.Send(context.Background(), bobKey.Public, strings.Repeat("x", 30000))
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusSent, res.Message.Status)
}

func TestRelaysCanChange(t *testing.T) {
	net := newMemNet()
	aliceKey := keys.Generate()
	alice := newEngine(t, net, aliceKey, []string{relayA}, nil)

	got, err := alice.FetchInboxRelays(context.Background(), aliceKey.Public)
	require.NoError(t, err)
	assert.Equal(t, []string{relayA}, got)

	alice.SetRelays([]string{relayB})
	assert.Equal(t, []string{relayB}, alice.Relays())
	res, err := alice.PublishInboxRelays(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{relayB}, res.Attempted)
	require.Len(t, net.stored(relayB, protocol.KindInboxRelays), 1)
	assert.Empty(t, net.stored(relayA, protocol.KindInboxRelays))

	bob := newEngine(t, net, keys.Generate(), []string{relayB}, nil)
	got, err = bob.FetchInboxRelays(context.Background(), aliceKey.Public)
	require.NoError(t, err)
	assert.Equal(t, []string{relayB}, got)

	alice.SetRelays(nil)
	_, err = alice.PublishInboxRelays(context.Background())
	assert.True(t, errors.Is(err, ErrNoInboxRelays))
}

func TestRestartDoesNotRecountHistory(t *testing.T) {
	net := newMemNet()
	aliceKey, bobKey := keys.Generate(), keys.Generate()
	publishInboxList(t, net, bobKey, fallback, relayB)
	alice := newEngine(t, net, aliceKey, []string{relayA}, nil)
	_, err := alice.Send(context.Background(), bobKey.Public, "while you were away")
	require.NoError(t, err)

	cache := newMemCache()
	first := newEngine(t, net, bobKey, []string{relayB}, cache)
	n, err := first.Listen(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	first.Close()

	var fresh atomic.Int32
	second := newEngine(t, net, bobKey, []string{relayB}, cache)
	second.OnNewMessage = func(protocol.Message) { fresh.Add(1) }
	n, err = second.Listen(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	conv, ok := second.Store().Conversation(aliceKey.Public)
	require.True(t, ok)
	assert.Zero(t, conv.UnreadCount)
	require.NotNil(t, conv.LastMessage)
	assert.Equal(t, "while you were away", conv.LastMessage.Content)
	require.Eventually(t, func() bool { return net.liveSubs(relayB) == 1 }, time.Second, 5*time.Millisecond)
	assert.Never(t, func() bool { return fresh.Load() > 0 }, 100*time.Millisecond, 10*time.Millisecond)

	_, err = alice.Send(context.Background(), bobKey.Public, "back yet?")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return fresh.Load() == 1 }, time.Second, 5*time.Millisecond)
	conv, _ = second.Store().Conversation(aliceKey.Public)
	assert.Equal(t, 1, conv.UnreadCount)
}

func TestProfiles(t *testing.T) {
	net := newMemNet()
	aliceKey := keys.Generate()
	alice := newEngine(t, net, aliceKey, []string{fallback}, nil)

	res, err := alice.PublishProfile(context.Background(), protocol.Profile{Name: "alice", About: "hi"})
	require.NoError(t, err)
	assert.True(t, res.Success)

	cache := newMemCache()
	bob := newEngine(t, net, keys.Generate(), nil, cache)
	p, err := bob.FetchProfile(context.Background(), aliceKey.Npub)
	require.NoError(t, err)
	assert.Equal(t, "alice", p.Label())
	_, ok, _ := cache.GetProfile(aliceKey.Public)
	assert.True(t, ok)

	net.setDown(fallback, true)
	p, err = bob.FetchProfile(context.Background(), aliceKey.Public)
	require.NoError(t, err, "served from memory")
	assert.Equal(t, "hi", p.About)

	net.setDown(fallback, false)
	_, err = bob.FetchProfile(context.Background(), keys.Generate().Public)
	assert.True(t, errors.Is(err, ErrProfileNotFound))
}

func TestVerifyIdentity(t *testing.T) {
	kp := keys.Generate()
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"names":{"alice":%q}}`, kp.Public)
	}))
	defer srv.Close()
	host := strings.TrimPrefix(srv.URL, "https://")

	pool := relay.NewPool(relay.NewRegistry(), newMemNet(), relay.Options{})
	e, err := New(Options{
		Identity: keys.Generate(),
		Pool:     pool,
		Resolver: &nip05.Resolver{Client: srv.Client(), Timeout: time.Second},
	})
	require.NoError(t, err)

	ok, err := e.VerifyIdentity(context.Background(), "alice@"+host, kp.Npub)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = e.VerifyIdentity(context.Background(), "alice@"+host, keys.Generate().Public)
	require.NoError(t, err)
	assert.False(t, ok)
}
