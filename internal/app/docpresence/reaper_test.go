package docpresence

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"noterelay/internal/app/store"
)

func TestReaper_Reap(t *testing.T) {
	mem := store.NewMemory()
	now := time.Date(2026, 1, 2, 15, 0, 0, 0, time.UTC)

	require.NoError(t, mem.UpsertPresence(context.Background(), "doc1", store.PresenceRecord{UserID: "fresh", LastSeen: now.Add(-time.Minute)}))
	require.NoError(t, mem.UpsertPresence(context.Background(), "doc1", store.PresenceRecord{UserID: "crashed", LastSeen: now.Add(-time.Hour)}))

	r := NewReaper(mem, 5*time.Minute, time.Minute)
	r.now = func() time.Time { return now }

	removed, err := r.Reap(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	records, err := mem.ListPresence(context.Background(), "doc1")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "fresh", records[0].UserID)
}

func TestReaper_Run(t *testing.T) {
	mem := store.NewMemory()
	require.NoError(t, mem.UpsertPresence(context.Background(), "doc1", store.PresenceRecord{UserID: "crashed", LastSeen: time.Now().Add(-time.Hour)}))

	r := NewReaper(mem, time.Minute, 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		records, err := mem.ListPresence(context.Background(), "doc1")
		return err == nil && len(records) == 0
	}, waitFor, tick)

	cancel()
	<-done
}
