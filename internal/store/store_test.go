package store

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sealchat/internal/keys"
	"sealchat/internal/protocol"
)

func msg(id string, at int64, from, to string, mine bool, status protocol.Status) protocol.Message {
	peer := from
	if mine {
		peer = to
	}
	return protocol.Message{
		ID:             id,
		Sender:         from,
		Recipient:      to,
		Peer:           peer,
		ConversationID: protocol.ConversationID(from, to),
		Content:        "content " + id,
		CreatedAt:      at,
		Mine:           mine,
		Status:         status,
	}
}

const (
	me   = "aaaa"
	peer = "bbbb"
)

func TestAddMessageIdempotent(t *testing.T) {
	s := New()
	m := msg("m1", 10, peer, me, false, protocol.StatusSent)

	assert.True(t, s.AddMessage(m))
	conv, ok := s.Conversation(peer)
	require.True(t, ok)

	assert.False(t, s.AddMessage(m))
	assert.Len(t, s.Messages(m.ConversationID), 1)
	again, _ := s.Conversation(peer)
	assert.Equal(t, conv, again)
	assert.Equal(t, 1, again.UnreadCount)
}

func TestTwoDevicesSameMessage(t *testing.T) {
	// self-archive wrap and recipient wrap of m1 both reach the sender's other device
	s := New()
	fromSelfWrap := msg("m1", 10, me, peer, true, protocol.StatusSent)
	fromRecipientWrap := fromSelfWrap

	s.AddMessage(fromSelfWrap)
	s.AddMessage(fromRecipientWrap)

	list := s.Messages(protocol.ConversationID(me, peer))
	require.Len(t, list, 1)
	assert.Equal(t, "m1", list[0].ID)
	conv, _ := s.Conversation(peer)
	assert.Zero(t, conv.UnreadCount)
}

func TestOrdering(t *testing.T) {
	s := New()
	s.AddMessage(msg("c", 30, peer, me, false, protocol.StatusSent))
	s.AddMessage(msg("b", 10, me, peer, true, protocol.StatusSent))
	s.AddMessage(msg("a", 10, peer, me, false, protocol.StatusSent))
	s.AddMessage(msg("d", 20, peer, me, false, protocol.StatusSent))

	var ids []string
	for _, m := range s.Messages(protocol.ConversationID(me, peer)) {
		ids = append(ids, m.ID)
	}
	assert.Equal(t, []string{"a", "b", "d", "c"}, ids)

	conv, _ := s.Conversation(peer)
	assert.Equal(t, "c", conv.LastMessage.ID)
	assert.Equal(t, int64(30), conv.UpdatedAt)
	assert.Equal(t, 3, conv.UnreadCount)

	s.MarkRead(peer)
	conv, _ = s.Conversation(peer)
	assert.Zero(t, conv.UnreadCount)
}

func TestSnapshotsDoNotAlias(t *testing.T) {
	s := New()
	m := msg("m1", 10, me, peer, true, protocol.StatusSending)
	s.AddMessage(m)
	before := s.Messages(m.ConversationID)

	s.UpdateMessageStatus("m1", protocol.StatusFailed)
	assert.Equal(t, protocol.StatusSending, before[0].Status)
	assert.Equal(t, protocol.StatusFailed, s.Messages(m.ConversationID)[0].Status)
}

func TestUpdateStatusMirrorsSummary(t *testing.T) {
	s := New()
	s.AddMessage(msg("m1", 10, me, peer, true, protocol.StatusSending))
	s.AddMessage(msg("m2", 20, me, peer, true, protocol.StatusSending))

	assert.True(t, s.UpdateMessageStatus("m2", protocol.StatusSent))
	conv, _ := s.Conversation(peer)
	assert.Equal(t, protocol.StatusSent, conv.LastMessage.Status)

	assert.True(t, s.UpdateMessageStatus("m1", protocol.StatusFailed))
	conv, _ = s.Conversation(peer)
	assert.Equal(t, "m2", conv.LastMessage.ID)
	assert.Equal(t, protocol.StatusSent, conv.LastMessage.Status)

	got, ok := s.MessageByID("m1")
	require.True(t, ok)
	assert.Equal(t, protocol.StatusFailed, got.Status)

	assert.False(t, s.UpdateMessageStatus("missing", protocol.StatusSent))
}

func TestSentCopyPromotesPending(t *testing.T) {
	s := New()
	s.AddMessage(msg("m1", 10, me, peer, true, protocol.StatusFailed))
	assert.False(t, s.AddMessage(msg("m1", 10, me, peer, true, protocol.StatusSent)))
	got, _ := s.MessageByID("m1")
	assert.Equal(t, protocol.StatusSent, got.Status)

	s.AddMessage(msg("m1", 10, me, peer, true, protocol.StatusFailed))
	got, _ = s.MessageByID("m1")
	assert.Equal(t, protocol.StatusSent, got.Status, "a failed copy never demotes")
}

func TestMergeCached(t *testing.T) {
	s := New()
	convID := protocol.ConversationID(me, peer)
	live := msg("m2", 20, me, peer, true, protocol.StatusSent)
	s.AddMessage(live)
	s.AddMessage(msg("m3", 30, peer, me, false, protocol.StatusSent))

	stale := live
	stale.Status = protocol.StatusSending
	s.MergeCached(convID, []protocol.Message{
		msg("m1", 5, peer, me, false, protocol.StatusSent),
		stale,
		msg("other", 1, peer, "cccc", false, protocol.StatusSent),
	})

	list := s.Messages(convID)
	require.Len(t, list, 3)
	assert.Equal(t, "m1", list[0].ID)
	assert.Equal(t, protocol.StatusSent, list[1].Status, "in-memory entry wins")

	conv, _ := s.Conversation(peer)
	assert.Equal(t, 1, conv.UnreadCount)
	assert.Equal(t, "m3", conv.LastMessage.ID)

	s.MergeCached("nothing:here", nil)
	assert.Len(t, s.Conversations(), 1)
}

func TestConversationsOrder(t *testing.T) {
	s := New()
	other := keys.Generate().Public
	s.AddMessage(msg("m1", 10, peer, me, false, protocol.StatusSent))
	s.AddMessage(msg("m2", 20, other, me, false, protocol.StatusSent))

	convs := s.Conversations()
	require.Len(t, convs, 2)
	assert.Equal(t, other, convs[0].Peer)
	assert.Equal(t, peer, convs[1].Peer)

	s.Clear()
	assert.Empty(t, s.Conversations())
}

func TestConcurrentAdds(t *testing.T) {
	s := New()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				s.AddMessage(msg(string(rune('a'+j%26))+string(rune('a'+j/26)), int64(j), peer, me, false, protocol.StatusSent))
			}
		}()
	}
	wg.Wait()
	assert.Len(t, s.Messages(protocol.ConversationID(me, peer)), 50)
	conv, _ := s.Conversation(peer)
	assert.Equal(t, 50, conv.UnreadCount)
}
