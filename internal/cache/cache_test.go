package cache

import (
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sealchat/internal/crypto"
	"sealchat/internal/protocol"
)

func openTest(t *testing.T) *Cache {
	t.Helper()
	c, err := Open(filepath.Join(t.TempDir(), "cache.db"), crypto.DeriveKey("test"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func message(id string, at int64) protocol.Message {
	return protocol.Message{
		ID:             id,
		Sender:         "aa",
		Recipient:      "bb",
		Peer:           "bb",
		ConversationID: protocol.ConversationID("aa", "bb"),
		Content:        "secret " + id,
		CreatedAt:      at,
		Mine:           true,
		Status:         protocol.StatusSending,
	}
}

func TestMessageRoundTrip(t *testing.T) {
	c := openTest(t)
	m := message("m1", 10)
	require.NoError(t, c.Put(m))

	got, ok, err := c.Get("m1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, m, got)

	_, ok, err = c.Get("missing")
	require.NoError(t, err)
	assert.False(t, ok)

	var raw []byte
	require.NoError(t, c.DB.QueryRow("SELECT content FROM messages WHERE id='m1'").Scan(&raw))
	assert.NotContains(t, string(raw), "secret")
}

func TestPutUpdatesStatusOnly(t *testing.T) {
	c := openTest(t)
	m := message("m1", 10)
	require.NoError(t, c.Put(m))

	m.Status = protocol.StatusSent
	m.Content = "rewritten"
	require.NoError(t, c.Put(m))

	got, _, err := c.Get("m1")
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusSent, got.Status)
	assert.Equal(t, "secret m1", got.Content)

	require.NoError(t, c.UpdateStatus("m1", protocol.StatusFailed))
	got, _, _ = c.Get("m1")
	assert.Equal(t, protocol.StatusFailed, got.Status)
}

func TestQueryByConversation(t *testing.T) {
	c := openTest(t)
	require.NoError(t, c.Put(message("b", 20)))
	require.NoError(t, c.Put(message("a", 20)))
	require.NoError(t, c.Put(message("c", 5)))
	other := message("x", 1)
	other.ConversationID = "cc:dd"
	require.NoError(t, c.Put(other))

	list, err := c.QueryByConversation(protocol.ConversationID("bb", "aa"))
	require.NoError(t, err)
	var ids []string
	for _, m := range list {
		ids = append(ids, m.ID)
	}
	assert.Equal(t, []string{"c", "a", "b"}, ids)
}

func TestCorruptedRowSurfaces(t *testing.T) {
	c := openTest(t)
	require.NoError(t, c.Put(message("m1", 10)))
	_, err := c.DB.Exec("UPDATE messages SET content = x'00010203' WHERE id='m1'")
	require.NoError(t, err)

	_, _, err = c.Get("m1")
	assert.True(t, errors.Is(err, crypto.ErrVaultCorrupted))
}

func TestWrongKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")
	c, err := Open(path, crypto.DeriveKey("one"))
	require.NoError(t, err)
	require.NoError(t, c.Put(message("m1", 10)))
	require.NoError(t, c.Close())

	c, err = Open(path, crypto.DeriveKey("two"))
	require.NoError(t, err)
	defer c.Close()
	_, err = c.QueryByConversation(protocol.ConversationID("aa", "bb"))
	assert.True(t, errors.Is(err, crypto.ErrVaultCorrupted))
}

func TestProfileTTL(t *testing.T) {
	c := openTest(t)
	clock := time.Unix(1700000000, 0)
	c.now = func() time.Time { return clock }

	p := protocol.Profile{PubKey: "aa", Name: "alice", CreatedAt: 1}
	require.NoError(t, c.PutProfile(p))

	got, ok, err := c.GetProfile("aa")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, p, got)

	clock = clock.Add(DefaultProfileTTL)
	_, ok, err = c.GetProfile("aa")
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = c.GetProfile("nobody")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMigratesOldSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "old.db")
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE messages (
		id TEXT PRIMARY KEY, conversation TEXT NOT NULL,
		sender TEXT, recipient TEXT, created_at INTEGER, mine INTEGER, content BLOB)`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	c, err := Open(path, crypto.DeriveKey("k"))
	require.NoError(t, err)
	defer c.Close()
	require.NoError(t, c.Put(message("m1", 1)))
	got, ok, err := c.Get("m1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "bb", got.Peer)
}

func TestClear(t *testing.T) {
	c := openTest(t)
	require.NoError(t, c.Put(message("m1", 1)))
	require.NoError(t, c.PutProfile(protocol.Profile{PubKey: "aa"}))
	require.NoError(t, c.Clear())

	_, ok, _ := c.Get("m1")
	assert.False(t, ok)
	_, ok, _ = c.GetProfile("aa")
	assert.False(t, ok)
}

func TestContacts(t *testing.T) {
	c := openTest(t)
	clock := time.Unix(1700000000, 0)
	c.now = func() time.Time { return clock }

	require.NoError(t, c.AddContact(" AABB ", "alice"))
	clock = clock.Add(time.Minute)
	require.NoError(t, c.AddContact("ccdd", ""))

	ok, err := c.HasContact("AaBb")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = c.HasContact("eeff")
	require.NoError(t, err)
	assert.False(t, ok)

	list, err := c.Contacts()
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "ccdd", list[0].PubKey)
	assert.Equal(t, "aabb", list[1].PubKey)
	assert.Equal(t, "alice", list[1].Name)

	// adding again moves it up and keeps the name
	clock = clock.Add(time.Minute)
	require.NoError(t, c.AddContact("aabb", ""))
	list, err = c.Contacts()
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "aabb", list[0].PubKey)
	assert.Equal(t, "alice", list[0].Name)
	assert.Equal(t, clock.UnixMilli(), list[0].AddedAt.UnixMilli())

	assert.Error(t, c.AddContact("  ", "nobody"))

	require.NoError(t, c.Clear())
	ok, err = c.HasContact("aabb")
	require.NoError(t, err)
	assert.True(t, ok, "wiping history keeps contacts")
}

func TestOpenUnavailable(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "x.db"), nil)
	assert.True(t, errors.Is(err, ErrCacheUnavailable))

	dir := t.TempDir()
	_, err = Open(dir, crypto.DeriveKey("k"))
	assert.True(t, errors.Is(err, ErrCacheUnavailable), "a directory is not a database")
}
