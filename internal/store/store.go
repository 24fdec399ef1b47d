package store

import (
	"slices"
	"sort"
	"sync"

	"sealchat/internal/protocol"
)

// Conversation is the summary row of one peer.
type Conversation struct {
	ID          string            `json:"id"`
	Peer        string            `json:"peer"`
	LastMessage *protocol.Message `json:"last_message,omitempty"`
	UnreadCount int               `json:"unread"`
	UpdatedAt   int64             `json:"updated_at"`
}

// Store holds messages per conversation, ordered by (CreatedAt, ID) and
// unique by ID. Message slices are never modified in place: every
// change installs a new slice, so slices handed out stay valid.
type Store struct {
	mu       sync.RWMutex
	messages map[string][]protocol.Message
	convs    map[string]Conversation
}

func New() *Store {
	return &Store{
		messages: make(map[string][]protocol.Message),
		convs:    make(map[string]Conversation),
	}
}

// AddMessage inserts m into its conversation and reports whether it was
// new. A message already present is left alone, except that a sent copy
// promotes a sending or failed entry to sent.
func (s *Store) AddMessage(m protocol.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.messages[m.ConversationID]
	if i := indexOf(list, m.ID); i >= 0 {
		if m.Status == protocol.StatusSent && list[i].Status != protocol.StatusSent {
			s.setStatus(m.ConversationID, i, protocol.StatusSent)
		}
		return false
	}

	pos := sort.Search(len(list), func(i int) bool { return m.Less(list[i]) })
	next := make([]protocol.Message, 0, len(list)+1)
	next = append(next, list[:pos]...)
	next = append(next, m)
	next = append(next, list[pos:]...)
	s.messages[m.ConversationID] = next

	conv := s.convs[m.Peer]
	if !m.Mine {
		conv.UnreadCount++
	}
	s.convs[m.Peer] = summarize(conv, m.ConversationID, m.Peer, next)
	return true
}

// UpdateMessageStatus sets the status of message id wherever it is.
func (s *Store) UpdateMessageStatus(id string, status protocol.Status) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for convID, list := range s.messages {
		if i := indexOf(list, id); i >= 0 {
			s.setStatus(convID, i, status)
			return true
		}
	}
	return false
}

// setStatus replaces message i of convID and mirrors the change onto the
// summary when it is the last message. Caller holds mu.
func (s *Store) setStatus(convID string, i int, status protocol.Status) {
	next := slices.Clone(s.messages[convID])
	next[i].Status = status
	s.messages[convID] = next

	peer := next[i].Peer
	conv, ok := s.convs[peer]
	if ok && conv.LastMessage != nil && conv.LastMessage.ID == next[i].ID {
		last := next[i]
		conv.LastMessage = &last
		s.convs[peer] = conv
	}
}

// MarkRead clears the unread count of the conversation with peer.
func (s *Store) MarkRead(peer string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if conv, ok := s.convs[peer]; ok {
		conv.UnreadCount = 0
		s.convs[peer] = conv
	}
}

// MergeCached folds cache-loaded messages into a conversation. In-memory
// entries win over cached ones with the same id; the unread count is kept.
func (s *Store) MergeCached(convID string, cached []protocol.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := s.messages[convID]
	byID := make(map[string]protocol.Message, len(current)+len(cached))
	for _, m := range cached {
		if m.ConversationID == convID {
			byID[m.ID] = m
		}
	}
	for _, m := range current {
		byID[m.ID] = m
	}
	if len(byID) == 0 {
		return
	}

	merged := make([]protocol.Message, 0, len(byID))
	for _, m := range byID {
		merged = append(merged, m)
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].Less(merged[j]) })
	s.messages[convID] = merged

	peer := merged[len(merged)-1].Peer
	s.convs[peer] = summarize(s.convs[peer], convID, peer, merged)
}

// Messages returns the ordered messages of a conversation.
func (s *Store) Messages(convID string) []protocol.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.messages[convID]
}

func (s *Store) MessageByID(id string) (protocol.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, list := range s.messages {
		if i := indexOf(list, id); i >= 0 {
			return list[i], true
		}
	}
	return protocol.Message{}, false
}

func (s *Store) Conversation(peer string) (Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.convs[peer]
	return conv, ok
}

// Conversations returns every summary, most recently updated first.
func (s *Store) Conversations() []Conversation {
	s.mu.RLock()
	out := make([]Conversation, 0, len(s.convs))
	for _, c := range s.convs {
		out = append(out, c)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt != out[j].UpdatedAt {
			return out[i].UpdatedAt > out[j].UpdatedAt
		}
		return out[i].Peer < out[j].Peer
	})
	return out
}

func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = make(map[string][]protocol.Message)
	s.convs = make(map[string]Conversation)
}

func summarize(conv Conversation, convID, peer string, list []protocol.Message) Conversation {
	last := list[len(list)-1]
	conv.ID = convID
	conv.Peer = peer
	conv.LastMessage = &last
	conv.UpdatedAt = last.CreatedAt
	return conv
}

func indexOf(list []protocol.Message, id string) int {
	for i := range list {
		if list[i].ID == id {
			return i
		}
	}
	return -1
}
