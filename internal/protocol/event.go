package protocol

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"golang.org/x/xerrors"

	"sealchat/internal/crypto"
	"sealchat/internal/keys"
)

// Event kinds used by the messaging layer.
const (
	KindMetadata      = 0
	KindTextNote      = 1
	KindSeal          = 13
	KindDirectMessage = 14
	KindGiftWrap      = 1059
	KindRelayList     = 10002
	KindInboxRelays   = 10050
)

// Tag is one tag array, e.g. ["p", "<pubkey>"].
type Tag []string

// Key is the tag name, "" for an empty tag.
func (t Tag) Key() string {
	if len(t) == 0 {
		return ""
	}
	return t[0]
}

// Value is the first tag argument, "" if absent.
func (t Tag) Value() string {
	if len(t) < 2 {
		return ""
	}
	return t[1]
}

// Tags is the ordered tag list of an event.
type Tags []Tag

// Find returns the first tag with the given name.
func (tags Tags) Find(key string) (Tag, bool) {
	for _, t := range tags {
		if t.Key() == key {
			return t, true
		}
	}
	return nil, false
}

// Values returns the first argument of every tag with the given name.
func (tags Tags) Values(key string) []string {
	var out []string
	for _, t := range tags {
		if t.Key() == key && len(t) > 1 {
			out = append(out, t[1])
		}
	}
	return out
}

// Event is a NIP-01 event. A rumor is an Event without a signature.
type Event struct {
	ID        string `json:"id"`
	PubKey    string `json:"pubkey"`
	CreatedAt int64  `json:"created_at"`
	Kind      int    `json:"kind"`
	Tags      Tags   `json:"tags"`
	Content   string `json:"content"`
	Sig       string `json:"sig,omitempty"`
}

// MarshalJSON keeps an empty tag list as [] on the wire.
func (e Event) MarshalJSON() ([]byte, error) {
	type plain Event
	if e.Tags == nil {
		e.Tags = Tags{}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(plain(e)); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// Serialize is the canonical NIP-01 form the id is computed over.
func (e *Event) Serialize() []byte {
	b := make([]byte, 0, 128+len(e.Content))
	b = append(b, `[0,"`...)
	b = append(b, e.PubKey...)
	b = append(b, `",`...)
	b = strconv.AppendInt(b, e.CreatedAt, 10)
	b = append(b, ',')
	b = strconv.AppendInt(b, int64(e.Kind), 10)
	b = append(b, ",["...)
	for i, tag := range e.Tags {
		if i > 0 {
			b = append(b, ',')
		}
		b = append(b, '[')
		for j, s := range tag {
			if j > 0 {
				b = append(b, ',')
			}
			b = appendQuoted(b, s)
		}
		b = append(b, ']')
	}
	b = append(b, "],"...)
	b = appendQuoted(b, e.Content)
	b = append(b, ']')
	return b
}

// ComputeID hashes the canonical form.
func (e *Event) ComputeID() string {
	return crypto.Hash(e.Serialize())
}

// CheckID reports whether the id matches the content.
func (e *Event) CheckID() bool {
	return strings.EqualFold(e.ID, e.ComputeID())
}

// Sign sets pubkey, id and signature from the key pair.
func (e *Event) Sign(kp keys.KeyPair) error {
	priv := kp.PrivateKey()
	if priv == nil {
		return xerrors.New("sign: key pair has no secret")
	}
	e.PubKey = kp.Public
	if e.Tags == nil {
		e.Tags = Tags{}
	}
	e.ID = e.ComputeID()
	id, _ := hex.DecodeString(e.ID)
	sig, err := schnorr.Sign(priv, id)
	if err != nil {
		return xerrors.Errorf("sign: %w", err)
	}
	e.Sig = hex.EncodeToString(sig.Serialize())
	return nil
}

// CheckSignature verifies id and signature against the author key.
func (e *Event) CheckSignature() bool {
	if !e.CheckID() {
		return false
	}
	pub, err := keys.ParsePublicKey(e.PubKey)
	if err != nil {
		return false
	}
	sigBytes, err := hex.DecodeString(e.Sig)
	if err != nil || len(sigBytes) != schnorr.SignatureSize {
		return false
	}
	sig, err := schnorr.ParseSignature(sigBytes)
	if err != nil {
		return false
	}
	id, err := hex.DecodeString(e.ID)
	if err != nil {
		return false
	}
	return sig.Verify(id, pub)
}

// Time is CreatedAt as a time.Time.
func (e *Event) Time() time.Time {
	return time.Unix(e.CreatedAt, 0)
}

func isHex64(s string) bool {
	if len(s) != 64 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

func appendQuoted(b []byte, s string) []byte {
	b = append(b, '"')
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch c {
		case '"':
			b = append(b, '\\', '"')
		case '\\':
			b = append(b, '\\', '\\')
		case '\n':
			b = append(b, '\\', 'n')
		case '\r':
			b = append(b, '\\', 'r')
		case '\t':
			b = append(b, '\\', 't')
		case '\b':
			b = append(b, '\\', 'b')
		case '\f':
			b = append(b, '\\', 'f')
		default:
			if c < 0x20 {
				b = append(b, `\u00`...)
				b = append(b, hexDigits[c>>4], hexDigits[c&0xf])
			} else {
				b = append(b, c)
			}
		}
	}
	return append(b, '"')
}

const hexDigits = "0123456789abcdef"
