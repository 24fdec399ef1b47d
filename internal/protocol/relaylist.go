package protocol

import (
	"strings"

	"golang.org/x/xerrors"

	"sealchat/internal/keys"
)

// RelayList is a parsed relay list announcement.
type RelayList struct {
	Author    string
	CreatedAt int64
	// Read relays are where the author expects to receive events.
	Read  []string
	Write []string
}

// NewInboxRelayList builds the signed kind 10050 list of relays the key
// owner reads direct messages from.
func NewInboxRelayList(relays []string, kp keys.KeyPair) (Event, error) {
	tags := Tags{}
	seen := map[string]bool{}
	for _, r := range relays {
		r = strings.TrimSpace(r)
		if r == "" || seen[r] {
			continue
		}
		seen[r] = true
		tags = append(tags, Tag{"relay", r})
	}
	if len(tags) == 0 {
		return Event{}, xerrors.New("inbox relay list is empty")
	}
	e := Event{
		CreatedAt: now().Unix(),
		Kind:      KindInboxRelays,
		Tags:      tags,
	}
	if err := e.Sign(kp); err != nil {
		return Event{}, err
	}
	return e, nil
}

// ParseRelayList reads a kind 10050 or 10002 event. For 10050 every relay
// is an inbox (read) relay. For 10002 an "r" tag without marker counts as
// both read and write.
func ParseRelayList(e *Event) (RelayList, error) {
	list := RelayList{Author: e.PubKey, CreatedAt: e.CreatedAt}
	switch e.Kind {
	case KindInboxRelays:
		list.Read = dedupe(e.Tags.Values("relay"))
	case KindRelayList:
		for _, t := range e.Tags {
			if t.Key() != "r" || t.Value() == "" {
				continue
			}
			marker := ""
			if len(t) > 2 {
				marker = t[2]
			}
			switch marker {
			case "read":
				list.Read = append(list.Read, t.Value())
			case "write":
				list.Write = append(list.Write, t.Value())
			default:
				list.Read = append(list.Read, t.Value())
				list.Write = append(list.Write, t.Value())
			}
		}
		list.Read = dedupe(list.Read)
		list.Write = dedupe(list.Write)
	default:
		return RelayList{}, xerrors.Errorf("kind %d is not a relay list", e.Kind)
	}
	return list, nil
}

func dedupe(urls []string) []string {
	seen := make(map[string]bool, len(urls))
	out := make([]string, 0, len(urls))
	for _, u := range urls {
		u = strings.TrimSpace(u)
		if u == "" || seen[u] {
			continue
		}
		seen[u] = true
		out = append(out, u)
	}
	return out
}
