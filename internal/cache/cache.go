package cache

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/xerrors"
	_ "modernc.org/sqlite"

	"sealchat/internal/crypto"
	"sealchat/internal/logging"
	"sealchat/internal/protocol"
)

var log = logging.Logger("cache")

// ErrCacheUnavailable means the database could not be opened or prepared.
// Callers fall back to memory-only operation.
var ErrCacheUnavailable = xerrors.New("cache unavailable")

// DefaultProfileTTL is how long a cached profile is served before refetching.
const DefaultProfileTTL = 24 * time.Hour

// Cache persists messages and profiles in sqlite. Message content is
// sealed with the vault key before it touches disk.
type Cache struct {
	DB         *sql.DB
	key        []byte
	ProfileTTL time.Duration

	now func() time.Time
}

// Open opens (creating if needed) the database at path and brings the
// schema up to date.
func Open(path string, vaultKey []byte) (*Cache, error) {
	if len(vaultKey) == 0 {
		return nil, xerrors.Errorf("%w: no vault key", ErrCacheUnavailable)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, xerrors.Errorf("%w: %v", ErrCacheUnavailable, err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, xerrors.Errorf("%w: %v", ErrCacheUnavailable, err)
	}
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, xerrors.Errorf("%w: %v", ErrCacheUnavailable, err)
	}
	return &Cache{DB: db, key: vaultKey, ProfileTTL: DefaultProfileTTL, now: time.Now}, nil
}

func migrate(db *sql.DB) error {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		conversation TEXT NOT NULL,
		sender TEXT, recipient TEXT,
		created_at INTEGER, mine INTEGER,
		content BLOB
	)`); err != nil {
		return err
	}

	// columns added after the first schema
	for col, def := range map[string]string{
		"peer":   "TEXT DEFAULT ''",
		"status": "TEXT DEFAULT 'sent'",
	} {
		var c int
		if err := db.QueryRow("SELECT count(*) FROM pragma_table_info('messages') WHERE name=?", col).Scan(&c); err != nil {
			return err
		}
		if c == 0 {
			if _, err := db.Exec(fmt.Sprintf("ALTER TABLE messages ADD COLUMN %s %s", col, def)); err != nil {
				return err
			}
		}
	}

	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS messages_conversation ON messages (conversation, created_at)`); err != nil {
		return err
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS profiles (
		pubkey TEXT PRIMARY KEY,
		data TEXT NOT NULL,
		fetched_at INTEGER NOT NULL
	)`); err != nil {
		return err
	}
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS contacts (
		pubkey TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		added_at INTEGER NOT NULL
	)`)
	return err
}

func (c *Cache) Close() error {
	return c.DB.Close()
}

// Put stores m. For a known id only the status is updated.
func (c *Cache) Put(m protocol.Message) error {
	sealed, err := crypto.Seal([]byte(m.Content), c.key)
	if err != nil {
		return xerrors.Errorf("seal message %s: %w", m.ID, err)
	}
	_, err = c.DB.Exec(`INSERT INTO messages (id, conversation, sender, recipient, peer, created_at, mine, status, content)
		VALUES (?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET status=excluded.status`,
		m.ID, m.ConversationID, m.Sender, m.Recipient, m.Peer, m.CreatedAt, m.Mine, string(m.Status), sealed)
	if err != nil {
		return xerrors.Errorf("store message %s: %w", m.ID, err)
	}
	return nil
}

// Get returns the message with id; ok is false when it is not cached.
func (c *Cache) Get(id string) (protocol.Message, bool, error) {
	row := c.DB.QueryRow(`SELECT id, conversation, sender, recipient, peer, created_at, mine, status, content
		FROM messages WHERE id = ?`, id)
	m, err := c.scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return protocol.Message{}, false, nil
	}
	if err != nil {
		return protocol.Message{}, false, err
	}
	return m, true, nil
}

// QueryByConversation returns a conversation's messages in (CreatedAt, ID) order.
func (c *Cache) QueryByConversation(convID string) ([]protocol.Message, error) {
	rows, err := c.DB.Query(`SELECT id, conversation, sender, recipient, peer, created_at, mine, status, content
		FROM messages WHERE conversation = ? ORDER BY created_at ASC, id ASC`, convID)
	if err != nil {
		return nil, xerrors.Errorf("query %s: %w", convID, err)
	}
	defer rows.Close()

	var list []protocol.Message
	for rows.Next() {
		m, err := c.scan(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, m)
	}
	return list, rows.Err()
}

// UpdateStatus sets the status of a cached message.
func (c *Cache) UpdateStatus(id string, status protocol.Status) error {
	_, err := c.DB.Exec(`UPDATE messages SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return xerrors.Errorf("update status %s: %w", id, err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func (c *Cache) scan(row scanner) (protocol.Message, error) {
	var (
		m      protocol.Message
		status string
		sealed []byte
	)
	if err := row.Scan(&m.ID, &m.ConversationID, &m.Sender, &m.Recipient, &m.Peer,
		&m.CreatedAt, &m.Mine, &status, &sealed); err != nil {
		return protocol.Message{}, err
	}
	plain, err := crypto.Open(sealed, c.key)
	if err != nil {
		return protocol.Message{}, xerrors.Errorf("message %s: %w", m.ID, err)
	}
	m.Content = string(plain)
	m.Status = protocol.Status(status)
	return m, nil
}

// PutProfile caches p with the current time.
func (c *Cache) PutProfile(p protocol.Profile) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	_, err = c.DB.Exec(`INSERT INTO profiles (pubkey, data, fetched_at) VALUES (?,?,?)
		ON CONFLICT(pubkey) DO UPDATE SET data=excluded.data, fetched_at=excluded.fetched_at`,
		p.PubKey, string(data), c.now().Unix())
	if err != nil {
		return xerrors.Errorf("store profile %s: %w", p.PubKey, err)
	}
	return nil
}

// GetProfile returns a cached profile younger than ProfileTTL.
func (c *Cache) GetProfile(pubkey string) (protocol.Profile, bool, error) {
	var (
		data      string
		fetchedAt int64
	)
	err := c.DB.QueryRow(`SELECT data, fetched_at FROM profiles WHERE pubkey = ?`, pubkey).Scan(&data, &fetchedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return protocol.Profile{}, false, nil
	}
	if err != nil {
		return protocol.Profile{}, false, xerrors.Errorf("load profile %s: %w", pubkey, err)
	}
	if c.now().Sub(time.Unix(fetchedAt, 0)) >= c.ProfileTTL {
		return protocol.Profile{}, false, nil
	}
	var p protocol.Profile
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		log.Warnf("dropping unreadable profile %s: %v", pubkey, err)
		return protocol.Profile{}, false, nil
	}
	return p, true, nil
}

// Contact is a saved peer.
type Contact struct {
	PubKey  string
	Name    string
	AddedAt time.Time
}

// AddContact saves pubkey, lowercased. Adding a known contact moves it to
// the top and replaces its name unless the new one is empty.
func (c *Cache) AddContact(pubkey, name string) error {
	pubkey = strings.ToLower(strings.TrimSpace(pubkey))
	if pubkey == "" {
		return xerrors.New("contact needs a public key")
	}
	_, err := c.DB.Exec(`INSERT INTO contacts (pubkey, name, added_at) VALUES (?,?,?)
		ON CONFLICT(pubkey) DO UPDATE SET added_at=excluded.added_at,
			name=CASE WHEN excluded.name = '' THEN contacts.name ELSE excluded.name END`,
		pubkey, strings.TrimSpace(name), c.now().UnixMilli())
	if err != nil {
		return xerrors.Errorf("store contact %s: %w", pubkey, err)
	}
	return nil
}

func (c *Cache) HasContact(pubkey string) (bool, error) {
	var n int
	err := c.DB.QueryRow(`SELECT count(*) FROM contacts WHERE pubkey = ?`,
		strings.ToLower(strings.TrimSpace(pubkey))).Scan(&n)
	if err != nil {
		return false, xerrors.Errorf("load contact %s: %w", pubkey, err)
	}
	return n > 0, nil
}

// Contacts lists saved contacts, most recently added first.
func (c *Cache) Contacts() ([]Contact, error) {
	rows, err := c.DB.Query(`SELECT pubkey, name, added_at FROM contacts ORDER BY added_at DESC, pubkey ASC`)
	if err != nil {
		return nil, xerrors.Errorf("query contacts: %w", err)
	}
	defer rows.Close()

	var list []Contact
	for rows.Next() {
		var (
			ct Contact
			at int64
		)
		if err := rows.Scan(&ct.PubKey, &ct.Name, &at); err != nil {
			return nil, err
		}
		ct.AddedAt = time.UnixMilli(at)
		list = append(list, ct)
	}
	return list, rows.Err()
}

// Clear removes every cached message and profile. Contacts stay.
func (c *Cache) Clear() error {
	tx, err := c.DB.Begin()
	if err != nil {
		return err
	}
	for _, table := range []string{"messages", "profiles"} {
		if _, err := tx.Exec("DELETE FROM " + table); err != nil {
			_ = tx.Rollback()
			return xerrors.Errorf("clear %s: %w", table, err)
		}
	}
	return tx.Commit()
}
