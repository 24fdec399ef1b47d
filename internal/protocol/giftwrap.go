package protocol

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"golang.org/x/xerrors"

	"sealchat/internal/crypto"
	"sealchat/internal/keys"
)

// ErrVerificationFailed marks remote input that is well-encrypted but not trustworthy.
var ErrVerificationFailed = xerrors.New("verification failed")

// Seal and wrap timestamps are pushed back by up to this much to blur timing.
const timestampJitter = 2 * 24 * time.Hour

// RejectError explains why ParseWrap refused an event. Err is either
// ErrVerificationFailed or crypto.ErrDecryptionFailed.
type RejectError struct {
	Step   int
	Reason string
	Err    error
}

func (e *RejectError) Error() string {
	return fmt.Sprintf("gift wrap rejected at step %d (%s): %v", e.Step, e.Reason, e.Err)
}

func (e *RejectError) Unwrap() error { return e.Err }

func reject(step int, reason string, err error) *RejectError {
	return &RejectError{Step: step, Reason: reason, Err: err}
}

var now = time.Now

func randomPast() int64 {
	jitter := rand.Int64N(int64(timestampJitter / time.Second))
	return now().Unix() - jitter
}

// CreateRumor builds the unsigned kind 14 message addressed to recipient.
func CreateRumor(content string, sender keys.KeyPair, recipient string, extraTags []Tag) Event {
	tags := Tags{{"p", recipient}}
	tags = append(tags, extraTags...)
	rumor := Event{
		PubKey:    sender.Public,
		CreatedAt: now().Unix(),
		Kind:      KindDirectMessage,
		Tags:      tags,
		Content:   content,
	}
	rumor.ID = rumor.ComputeID()
	return rumor
}

// CreateSeal encrypts the rumor to target and signs it with the sender key.
func CreateSeal(rumor Event, sender keys.KeyPair, target string) (Event, error) {
	rumor.Sig = ""
	payload, err := json.Marshal(rumor)
	if err != nil {
		return Event{}, xerrors.Errorf("seal: %w", err)
	}
	key, err := crypto.ConversationKey(sender.Secret, target)
	if err != nil {
		return Event{}, xerrors.Errorf("seal: %w", err)
	}
	content, err := crypto.Encrypt(string(payload), key)
	if err != nil {
		return Event{}, xerrors.Errorf("seal: %w", err)
	}
	seal := Event{
		CreatedAt: randomPast(),
		Kind:      KindSeal,
		Tags:      Tags{},
		Content:   content,
	}
	if err := seal.Sign(sender); err != nil {
		return Event{}, err
	}
	return seal, nil
}

// CreateWrap encrypts the seal under a throwaway key and addresses it to target.
func CreateWrap(seal Event, target string) (Event, error) {
	oneTime := keys.Generate()
	payload, err := json.Marshal(seal)
	if err != nil {
		return Event{}, xerrors.Errorf("wrap: %w", err)
	}
	key, err := crypto.ConversationKey(oneTime.Secret, target)
	if err != nil {
		return Event{}, xerrors.Errorf("wrap: %w", err)
	}
	content, err := crypto.Encrypt(string(payload), key)
	if err != nil {
		return Event{}, xerrors.Errorf("wrap: %w", err)
	}
	wrap := Event{
		CreatedAt: randomPast(),
		Kind:      KindGiftWrap,
		Tags:      Tags{{"p", target}},
		Content:   content,
	}
	if err := wrap.Sign(oneTime); err != nil {
		return Event{}, err
	}
	return wrap, nil
}

// WrapPair seals one rumor twice: once for the recipient and once for
// the sender's own archive.
func WrapPair(rumor Event, sender keys.KeyPair, recipient string) (toRecipient, toSelf Event, err error) {
	seal, err := CreateSeal(rumor, sender, recipient)
	if err != nil {
		return
	}
	if toRecipient, err = CreateWrap(seal, recipient); err != nil {
		return
	}
	selfSeal, err := CreateSeal(rumor, sender, sender.Public)
	if err != nil {
		return
	}
	toSelf, err = CreateWrap(selfSeal, sender.Public)
	return
}

// ParseWrap verifies and opens a gift wrap addressed to me. Any failure
// rejects the whole event; nothing is partially trusted.
func ParseWrap(wrap *Event, me keys.KeyPair) (Message, error) {
	if wrap == nil || wrap.Kind != KindGiftWrap {
		return Message{}, reject(1, "kind", ErrVerificationFailed)
	}
	if !wrap.CheckSignature() {
		return Message{}, reject(2, "wrap signature", ErrVerificationFailed)
	}
	p, ok := wrap.Tags.Find("p")
	if !ok || !strings.EqualFold(p.Value(), me.Public) {
		return Message{}, reject(3, "recipient tag", ErrVerificationFailed)
	}

	sealJSON, err := open(wrap.Content, me, wrap.PubKey)
	if err != nil {
		return Message{}, reject(4, "wrap content", err)
	}
	seal, err := decodeSeal(sealJSON)
	if err != nil {
		return Message{}, reject(5, err.Error(), ErrVerificationFailed)
	}

	rumorJSON, err := open(seal.Content, me, seal.PubKey)
	if err != nil {
		return Message{}, reject(6, "seal content", err)
	}
	rumor, err := decodeRumor(rumorJSON)
	if err != nil {
		return Message{}, reject(7, err.Error(), ErrVerificationFailed)
	}

	if !strings.EqualFold(seal.PubKey, rumor.PubKey) {
		return Message{}, reject(8, "seal author differs from rumor author", ErrVerificationFailed)
	}
	if !rumor.CheckID() {
		return Message{}, reject(9, "rumor id", ErrVerificationFailed)
	}

	rp, ok := rumor.Tags.Find("p")
	if !ok || !keys.ValidPublic(rp.Value()) {
		return Message{}, reject(10, "rumor recipient", ErrVerificationFailed)
	}
	author := strings.ToLower(rumor.PubKey)
	recipient := strings.ToLower(rp.Value())
	mine := author == me.Public
	if !mine && recipient != me.Public {
		return Message{}, reject(10, "not addressed to me", ErrVerificationFailed)
	}
	peer := author
	if mine {
		peer = recipient
	}

	return Message{
		ID:             strings.ToLower(rumor.ID),
		Sender:         author,
		Recipient:      recipient,
		Peer:           peer,
		ConversationID: ConversationID(author, recipient),
		Content:        rumor.Content,
		CreatedAt:      rumor.CreatedAt,
		Mine:           mine,
		Status:         StatusSent,
	}, nil
}

func open(payload string, me keys.KeyPair, author string) (string, error) {
	key, err := crypto.ConversationKey(me.Secret, author)
	if err != nil {
		return "", xerrors.Errorf("%w: %v", crypto.ErrDecryptionFailed, err)
	}
	return crypto.Decrypt(payload, key)
}

// decodeSeal is the schema check for a decrypted seal.
func decodeSeal(raw string) (*Event, error) {
	var seal Event
	if err := json.Unmarshal([]byte(raw), &seal); err != nil {
		return nil, xerrors.Errorf("seal shape: %v", err)
	}
	switch {
	case !isHex64(seal.ID):
		return nil, xerrors.New("seal id")
	case !keys.ValidPublic(seal.PubKey):
		return nil, xerrors.New("seal pubkey")
	case seal.Kind != KindSeal:
		return nil, xerrors.New("seal kind")
	case len(seal.Tags) != 0:
		return nil, xerrors.New("seal tags not empty")
	case seal.Content == "":
		return nil, xerrors.New("seal content empty")
	case !seal.CheckSignature():
		return nil, xerrors.New("seal signature")
	}
	return &seal, nil
}

// decodeRumor is the schema check for a decrypted rumor.
func decodeRumor(raw string) (*Event, error) {
	var rumor Event
	if err := json.Unmarshal([]byte(raw), &rumor); err != nil {
		return nil, xerrors.Errorf("rumor shape: %v", err)
	}
	switch {
	case !isHex64(rumor.ID):
		return nil, xerrors.New("rumor id")
	case !keys.ValidPublic(rumor.PubKey):
		return nil, xerrors.New("rumor pubkey")
	case rumor.Kind != KindDirectMessage:
		return nil, xerrors.New("rumor kind")
	case rumor.CreatedAt <= 0:
		return nil, xerrors.New("rumor created_at")
	}
	for _, t := range rumor.Tags {
		if len(t) == 0 {
			return nil, xerrors.New("rumor empty tag")
		}
	}
	return &rumor, nil
}
