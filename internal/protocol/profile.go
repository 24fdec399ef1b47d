package protocol

import (
	"encoding/json"

	"golang.org/x/xerrors"

	"sealchat/internal/keys"
)

// Profile is the kind 0 metadata of a key.
type Profile struct {
	PubKey      string `json:"pubkey"`
	Name        string `json:"name,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	About       string `json:"about,omitempty"`
	Picture     string `json:"picture,omitempty"`
	Banner      string `json:"banner,omitempty"`
	Nip05       string `json:"nip05,omitempty"`
	Lud16       string `json:"lud16,omitempty"`
	CreatedAt   int64  `json:"created_at"`
}

// Label is the best human name available for the profile.
func (p Profile) Label() string {
	switch {
	case p.DisplayName != "":
		return p.DisplayName
	case p.Name != "":
		return p.Name
	}
	return p.PubKey
}

// NewProfileEvent signs a kind 0 event carrying p.
func NewProfileEvent(p Profile, kp keys.KeyPair) (Event, error) {
	fields := map[string]string{}
	set := func(k, v string) {
		if v != "" {
			fields[k] = v
		}
	}
	set("name", p.Name)
	set("display_name", p.DisplayName)
	set("about", p.About)
	set("picture", p.Picture)
	set("banner", p.Banner)
	set("nip05", p.Nip05)
	set("lud16", p.Lud16)
	content, err := json.Marshal(fields)
	if err != nil {
		return Event{}, xerrors.Errorf("profile: %w", err)
	}
	e := Event{
		CreatedAt: now().Unix(),
		Kind:      KindMetadata,
		Content:   string(content),
	}
	if err := e.Sign(kp); err != nil {
		return Event{}, err
	}
	return e, nil
}

// ParseProfile reads a kind 0 event. Fields of the wrong JSON type are
// ignored; content that is not a JSON object is an error.
func ParseProfile(e *Event) (Profile, error) {
	if e.Kind != KindMetadata {
		return Profile{}, xerrors.Errorf("kind %d is not metadata", e.Kind)
	}
	var raw map[string]any
	if err := json.Unmarshal([]byte(e.Content), &raw); err != nil {
		return Profile{}, xerrors.Errorf("profile content: %w", err)
	}
	str := func(k string) string {
		s, _ := raw[k].(string)
		return s
	}
	p := Profile{
		PubKey:      e.PubKey,
		Name:        str("name"),
		DisplayName: str("displayName"),
		About:       str("about"),
		Picture:     str("picture"),
		Banner:      str("banner"),
		Nip05:       str("nip05"),
		Lud16:       str("lud16"),
		CreatedAt:   e.CreatedAt,
	}
	if p.DisplayName == "" {
		p.DisplayName = str("display_name")
	}
	return p, nil
}
