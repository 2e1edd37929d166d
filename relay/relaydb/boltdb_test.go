package relaydb

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *BoltStore {
	t.Helper()
	s, err := NewBoltStore(filepath.Join(t.TempDir(), "relay.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRegisterAndFetchSession(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rec := &SessionRecord{
		SessionID: "51aa",
		PlayerA:   "a1",
		PlayerB:   "b2",
		CreatedAt: time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, s.RegisterSession(ctx, rec))

	got, err := s.FetchSession(ctx, "51aa")
	require.NoError(t, err)
	assert.Equal(t, rec.PlayerA, got.PlayerA)
	assert.Equal(t, rec.PlayerB, got.PlayerB)

	// Duplicate registration is refused.
	assert.ErrorIs(t, s.RegisterSession(ctx, rec), ErrDuplicateSession)

	_, err = s.FetchSession(ctx, "missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestAppendAndFetchActions(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.RegisterSession(ctx, &SessionRecord{SessionID: "51aa"}))

	// Appended out of order; fetch must come back in sequence order.
	for _, seq := range []uint64{2, 1, 3} {
		err := s.AppendAction(ctx, "51aa", &ActionRecord{
			ActionSeq:     seq,
			ParticipantID: "a1",
			BoardHex:      "00",
			Dice:          []uint8{3, 5},
			RecordedAt:    time.Now().UTC(),
		})
		require.NoError(t, err)
	}

	acts, err := s.FetchActions(ctx, "51aa")
	require.NoError(t, err)
	require.Len(t, acts, 3)
	assert.Equal(t, uint64(1), acts[0].ActionSeq)
	assert.Equal(t, uint64(2), acts[1].ActionSeq)
	assert.Equal(t, uint64(3), acts[2].ActionSeq)

	// Replaying a sequence number is refused.
	err = s.AppendAction(ctx, "51aa", &ActionRecord{ActionSeq: 2})
	assert.ErrorIs(t, err, ErrDuplicateAction)

	// Appending to an unregistered session is refused.
	err = s.AppendAction(ctx, "nope", &ActionRecord{ActionSeq: 1})
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestFetchActionsEmpty(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.RegisterSession(ctx, &SessionRecord{SessionID: "51aa"}))
	acts, err := s.FetchActions(ctx, "51aa")
	require.NoError(t, err)
	assert.Empty(t, acts)

	_, err = s.FetchActions(ctx, "missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}
