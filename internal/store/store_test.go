// ABOUTME: Tests for the conversation message log
// ABOUTME: Covers dedup, ordering, LWW edits, tombstones, receipts, and observers

package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeFetcher implements HistoryFetcher for tests.
type fakeFetcher struct {
	pages map[string]*HistoryPage // keyed by cursor
	err   error
	calls int
}

func (f *fakeFetcher) FetchMessages(ctx context.Context, peerID, cursor string) (*HistoryPage, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	page, ok := f.pages[cursor]
	if !ok {
		return &HistoryPage{}, nil
	}
	return page, nil
}

func msg(id, peerID, senderID, text string, at time.Time) *Message {
	return &Message{
		ID:         id,
		PeerID:     peerID,
		SenderID:   senderID,
		Text:       text,
		CreatedAt:  at,
		LocalState: LocalStateSynced,
	}
}

var base = time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)

func TestAppendIncoming_Idempotent(t *testing.T) {
	s := New(&fakeFetcher{}, nil, nil)

	m := msg("m1", "peer-1", "peer-1", "hello", base)
	assert.True(t, s.AppendIncoming(m))
	assert.False(t, s.AppendIncoming(m), "redelivery should be a no-op")

	log := s.Messages("peer-1")
	require.Len(t, log, 1)
	assert.Equal(t, "m1", log[0].ID)
}

func TestAppendIncoming_KeepsTotalOrder(t *testing.T) {
	s := New(&fakeFetcher{}, nil, nil)

	// Deliberately out of order, including a createdAt tie broken by id
	s.AppendIncoming(msg("m3", "peer-1", "peer-1", "c", base.Add(2*time.Second)))
	s.AppendIncoming(msg("m1", "peer-1", "peer-1", "a", base))
	s.AppendIncoming(msg("m4", "peer-1", "peer-1", "d", base.Add(time.Second)))
	s.AppendIncoming(msg("m2", "peer-1", "peer-1", "b", base.Add(time.Second)))

	log := s.Messages("peer-1")
	require.Len(t, log, 4)
	ids := []string{log[0].ID, log[1].ID, log[2].ID, log[3].ID}
	assert.Equal(t, []string{"m1", "m2", "m4", "m3"}, ids)
}

func TestAppendIncoming_NotifiesOncePerDistinctMessage(t *testing.T) {
	s := New(&fakeFetcher{}, nil, nil)

	var fired int
	s.OnChange("peer-1", func() { fired++ })

	m := msg("m1", "peer-1", "peer-1", "hi", base)
	s.AppendIncoming(m)
	s.AppendIncoming(m)
	s.AppendIncoming(m)

	assert.Equal(t, 1, fired)
}

func TestApplyEdit_LastWriterWins(t *testing.T) {
	s := New(&fakeFetcher{}, nil, nil)
	s.AppendIncoming(msg("m1", "peer-1", "me", "original", base))

	later := base.Add(10 * time.Second)
	earlier := base.Add(5 * time.Second)

	text1 := "local edit"
	updated, err := s.ApplyEdit("m1", Patch{Text: &text1}, later, LocalStatePending)
	require.NoError(t, err)
	assert.Equal(t, "local edit", updated.Text)

	// A server edit with an earlier stamp arrives afterwards: dropped
	text2 := "server edit"
	updated, err = s.ApplyEdit("m1", Patch{Text: &text2}, earlier, LocalStateSynced)
	require.NoError(t, err)
	assert.Equal(t, "local edit", updated.Text, "older edit must not win")

	// A newer server edit wins
	text3 := "newer server edit"
	updated, err = s.ApplyEdit("m1", Patch{Text: &text3}, later.Add(time.Second), LocalStateSynced)
	require.NoError(t, err)
	assert.Equal(t, "newer server edit", updated.Text)
}

func TestApplyEdit_TieBrokenByArrival(t *testing.T) {
	s := New(&fakeFetcher{}, nil, nil)
	s.AppendIncoming(msg("m1", "peer-1", "me", "original", base))

	at := base.Add(time.Minute)
	first := "first"
	second := "second"

	_, err := s.ApplyEdit("m1", Patch{Text: &first}, at, LocalStateSynced)
	require.NoError(t, err)
	updated, err := s.ApplyEdit("m1", Patch{Text: &second}, at, LocalStateSynced)
	require.NoError(t, err)

	assert.Equal(t, "second", updated.Text, "equal stamps: latest arrival wins")
}

func TestApplyEdit_NotFound(t *testing.T) {
	s := New(&fakeFetcher{}, nil, nil)
	text := "x"
	_, err := s.ApplyEdit("ghost", Patch{Text: &text}, base, LocalStateSynced)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestApplyDelete_TombstoneAndIdempotence(t *testing.T) {
	s := New(&fakeFetcher{}, nil, nil)
	s.AppendIncoming(msg("m1", "peer-1", "me", "secret", base))

	require.NoError(t, s.ApplyDelete("m1"))
	require.NoError(t, s.ApplyDelete("m1"), "repeated delete is a no-op")

	m, err := s.Get("m1")
	require.NoError(t, err)
	assert.True(t, m.Deleted)
	assert.Empty(t, m.Text)

	// Tombstone still occupies the log (deleted, not never-existed)
	log := s.Messages("peer-1")
	require.Len(t, log, 1)

	// Editing a tombstone is a no-op
	text := "resurrect"
	m, err = s.ApplyEdit("m1", Patch{Text: &text}, base.Add(time.Hour), LocalStateSynced)
	require.NoError(t, err)
	assert.True(t, m.Deleted)
	assert.Empty(t, m.Text)

	assert.ErrorIs(t, s.ApplyDelete("ghost"), ErrNotFound)
}

func TestApplyReceipt_Monotonic(t *testing.T) {
	s := New(&fakeFetcher{}, nil, nil)
	s.AppendIncoming(msg("m1", "peer-1", "me", "hi", base))

	d1 := base.Add(time.Second)
	require.NoError(t, s.ApplyReceipt("m1", &d1, nil))

	m, _ := s.Get("m1")
	require.NotNil(t, m.DeliveredAt)
	assert.True(t, m.DeliveredAt.Equal(d1))

	// Earlier delivery stamp is rejected
	d0 := base
	require.NoError(t, s.ApplyReceipt("m1", &d0, nil))
	m, _ = s.Get("m1")
	assert.True(t, m.DeliveredAt.Equal(d1))

	// Seen
	seen := base.Add(3 * time.Second)
	require.NoError(t, s.ApplyReceipt("m1", nil, &seen))
	m, _ = s.Get("m1")
	require.NotNil(t, m.SeenAt)
	assert.True(t, m.SeenAt.Equal(seen))
	assert.False(t, m.DeliveredAt.After(*m.SeenAt))

	// Once seen, nothing moves
	d2 := base.Add(10 * time.Second)
	seen2 := base.Add(time.Second)
	require.NoError(t, s.ApplyReceipt("m1", &d2, nil))
	require.NoError(t, s.ApplyReceipt("m1", nil, &seen2))
	m, _ = s.Get("m1")
	assert.True(t, m.DeliveredAt.Equal(d1))
	assert.True(t, m.SeenAt.Equal(seen))
}

func TestApplyReceipt_SeenImpliesDelivered(t *testing.T) {
	s := New(&fakeFetcher{}, nil, nil)
	s.AppendIncoming(msg("m1", "peer-1", "me", "hi", base))

	seen := base.Add(time.Minute)
	require.NoError(t, s.ApplyReceipt("m1", nil, &seen))

	m, _ := s.Get("m1")
	require.NotNil(t, m.DeliveredAt)
	require.NotNil(t, m.SeenAt)
	assert.True(t, m.DeliveredAt.Equal(seen))
	assert.True(t, m.SeenAt.Equal(seen))
}

func TestApplyReceipt_SeenNeverBeforeDelivered(t *testing.T) {
	s := New(&fakeFetcher{}, nil, nil)
	s.AppendIncoming(msg("m1", "peer-1", "me", "hi", base))

	delivered := base.Add(time.Minute)
	require.NoError(t, s.ApplyReceipt("m1", &delivered, nil))

	// Skewed seen stamp before the delivery stamp gets clamped
	seen := base.Add(30 * time.Second)
	require.NoError(t, s.ApplyReceipt("m1", nil, &seen))

	m, _ := s.Get("m1")
	assert.False(t, m.DeliveredAt.After(*m.SeenAt), "deliveredAt must not exceed seenAt")
}

func TestOnChange_UnsubscribeIdempotent(t *testing.T) {
	s := New(&fakeFetcher{}, nil, nil)

	var fired int
	unsub := s.OnChange("peer-1", func() { fired++ })

	s.AppendIncoming(msg("m1", "peer-1", "peer-1", "a", base))
	assert.Equal(t, 1, fired)

	unsub()
	unsub() // safe to call again

	s.AppendIncoming(msg("m2", "peer-1", "peer-1", "b", base.Add(time.Second)))
	assert.Equal(t, 1, fired)
}

func TestLoadHistory_ReplacesButKeepsPending(t *testing.T) {
	fetcher := &fakeFetcher{pages: map[string]*HistoryPage{
		"": {Messages: []*Message{
			msg("m1", "peer-1", "peer-1", "a", base),
			msg("m2", "peer-1", "me", "b", base.Add(time.Second)),
		}},
	}}
	s := New(fetcher, nil, nil)

	// Stale entry that the fetch should replace, plus a pending local
	s.AppendIncoming(msg("old", "peer-1", "peer-1", "stale", base.Add(-time.Hour)))
	local := s.AppendLocal("peer-1", "me", "unsent", "")

	_, err := s.LoadHistory(context.Background(), "peer-1", "")
	require.NoError(t, err)

	log := s.Messages("peer-1")
	ids := make([]string, len(log))
	for i, m := range log {
		ids[i] = m.ID
	}
	assert.NotContains(t, ids, "old")
	assert.Contains(t, ids, "m1")
	assert.Contains(t, ids, "m2")
	assert.Contains(t, ids, local.ID, "pending local survives a replace")
}

func TestLoadHistory_PropagatesFetchError(t *testing.T) {
	fetcher := &fakeFetcher{err: ErrNetwork}
	s := New(fetcher, nil, nil)

	_, err := s.LoadHistory(context.Background(), "peer-1", "")
	assert.ErrorIs(t, err, ErrNetwork)
}

func TestAppendLocal_ReplaceLocal(t *testing.T) {
	s := New(&fakeFetcher{}, nil, nil)

	local := s.AppendLocal("peer-1", "me", "hello", "")
	assert.Equal(t, LocalStatePending, local.LocalState)
	assert.Contains(t, local.ID, "local-")

	confirmed := msg("srv-1", "peer-1", "me", "hello", base)
	require.NoError(t, s.ReplaceLocal(local.ID, confirmed))

	log := s.Messages("peer-1")
	require.Len(t, log, 1)
	assert.Equal(t, "srv-1", log[0].ID)
	assert.Equal(t, LocalStateSynced, log[0].LocalState)

	assert.ErrorIs(t, s.ReplaceLocal(local.ID, confirmed), ErrNotFound)
}

func TestReplaceLocal_ChannelBeatTheResponse(t *testing.T) {
	s := New(&fakeFetcher{}, nil, nil)

	local := s.AppendLocal("peer-1", "me", "hello", "")
	// message:new for the confirmed id arrives before the send response
	s.AppendIncoming(msg("srv-1", "peer-1", "me", "hello", base))

	require.NoError(t, s.ReplaceLocal(local.ID, msg("srv-1", "peer-1", "me", "hello", base)))

	log := s.Messages("peer-1")
	require.Len(t, log, 1)
	assert.Equal(t, "srv-1", log[0].ID)
}

func TestRestore_GuardAgainstNewerWrite(t *testing.T) {
	s := New(&fakeFetcher{}, nil, nil)
	s.AppendIncoming(msg("m1", "peer-1", "me", "original", base))

	snapshot, _ := s.Get("m1")

	// Optimistic edit stamps the message
	optimisticAt := base.Add(time.Minute)
	text := "optimistic"
	_, err := s.ApplyEdit("m1", Patch{Text: &text}, optimisticAt, LocalStatePending)
	require.NoError(t, err)

	// A newer server edit lands during the request
	serverAt := base.Add(2 * time.Minute)
	serverText := "server"
	_, err = s.ApplyEdit("m1", Patch{Text: &serverText}, serverAt, LocalStateSynced)
	require.NoError(t, err)

	// Rollback keyed to the optimistic stamp must not clobber the server edit
	assert.False(t, s.Restore(snapshot, &optimisticAt))
	m, _ := s.Get("m1")
	assert.Equal(t, "server", m.Text)
}

func TestRestore_RollsBackWhenUnchanged(t *testing.T) {
	s := New(&fakeFetcher{}, nil, nil)
	s.AppendIncoming(msg("m1", "peer-1", "me", "original", base))

	snapshot, _ := s.Get("m1")
	snapshot.LocalState = LocalStateFailed

	optimisticAt := base.Add(time.Minute)
	text := "optimistic"
	_, err := s.ApplyEdit("m1", Patch{Text: &text}, optimisticAt, LocalStatePending)
	require.NoError(t, err)

	assert.True(t, s.Restore(snapshot, &optimisticAt))
	m, _ := s.Get("m1")
	assert.Equal(t, "original", m.Text)
	assert.Nil(t, m.EditedAt)
	assert.Equal(t, LocalStateFailed, m.LocalState)
}

func TestDropConversation(t *testing.T) {
	s := New(&fakeFetcher{}, nil, nil)
	s.AppendIncoming(msg("m1", "peer-1", "peer-1", "a", base))
	s.AppendIncoming(msg("m2", "peer-2", "peer-2", "b", base))

	var fired int
	s.OnChange("peer-1", func() { fired++ })

	s.DropConversation("peer-1")

	assert.Empty(t, s.Messages("peer-1"))
	_, err := s.Get("m1")
	assert.ErrorIs(t, err, ErrNotFound)

	// Other conversations untouched
	require.Len(t, s.Messages("peer-2"), 1)

	// Observers were detached
	s.AppendIncoming(msg("m3", "peer-1", "peer-1", "c", base))
	assert.Equal(t, 0, fired)
}

func TestUnseenFrom(t *testing.T) {
	s := New(&fakeFetcher{}, nil, nil)

	s.AppendIncoming(msg("m1", "peer-1", "peer-1", "theirs unseen", base))
	s.AppendIncoming(msg("m2", "peer-1", "me", "mine", base.Add(time.Second)))

	seen := base.Add(time.Minute)
	theirs := msg("m3", "peer-1", "peer-1", "theirs seen", base.Add(2*time.Second))
	theirs.SeenAt = &seen
	theirs.DeliveredAt = &seen
	s.AppendIncoming(theirs)

	unseen := s.UnseenFrom("peer-1")
	require.Len(t, unseen, 1)
	assert.Equal(t, "m1", unseen[0].ID)
}

func TestMessages_ReturnsCopies(t *testing.T) {
	s := New(&fakeFetcher{}, nil, nil)
	s.AppendIncoming(msg("m1", "peer-1", "peer-1", "hi", base))

	log := s.Messages("peer-1")
	log[0].Text = "mutated by caller"

	m, _ := s.Get("m1")
	assert.Equal(t, "hi", m.Text)
}
