package journal

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTemp(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(filepath.Join(t.TempDir(), "nested", "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j
}

func TestRecordAndRead(t *testing.T) {
	ctx := context.Background()
	j := openTemp(t)

	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	b := &Batch{
		Kind:       "install-pair",
		Device:     "/dev/sda",
		Backend:    "memory",
		Status:     StatusSucceeded,
		StartedAt:  start,
		FinishedAt: start.Add(2 * time.Second),
		Operations: []Entry{
			{Seq: 1, Kind: "create-partition", Description: "boot", Status: "succeeded", Report: "created /dev/sda1"},
			{Seq: 2, Kind: "create-partition", Description: "root", Status: "succeeded"},
		},
	}
	require.NoError(t, j.RecordBatch(ctx, b))
	require.NotEmpty(t, b.ID)

	got, err := j.Batch(ctx, b.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "install-pair", got.Kind)
	assert.Equal(t, "memory", got.Backend)
	assert.Empty(t, got.Error)
	assert.True(t, start.Equal(got.StartedAt))
	require.Len(t, got.Operations, 2)
	assert.Equal(t, "boot", got.Operations[0].Description)
	assert.Equal(t, "created /dev/sda1", got.Operations[0].Report)
	assert.Empty(t, got.Operations[1].Report)

	missing, err := j.Batch(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestRecentBatchesOrder(t *testing.T) {
	ctx := context.Background()
	j := openTemp(t)

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	for i, kind := range []string{"create-table", "create-partition", "delete"} {
		at := base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, j.RecordBatch(ctx, &Batch{
			Kind: kind, Device: "/dev/sdb", Status: StatusFailed, Error: "boom",
			StartedAt: at, FinishedAt: at,
		}))
	}

	batches, err := j.RecentBatches(ctx, 2)
	require.NoError(t, err)
	require.Len(t, batches, 2)
	assert.Equal(t, "delete", batches[0].Kind)
	assert.Equal(t, "create-partition", batches[1].Kind)
	assert.Equal(t, "boom", batches[0].Error)
	assert.Empty(t, batches[0].Operations)
}

func TestReopenKeepsData(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "journal.db")

	j, err := Open(path)
	require.NoError(t, err)
	now := time.Now().UTC()
	require.NoError(t, j.RecordBatch(ctx, &Batch{ID: "fixed", Kind: "delete", Device: "/dev/sda", Status: StatusSucceeded, StartedAt: now, FinishedAt: now}))
	require.NoError(t, j.Close())

	j, err = Open(path)
	require.NoError(t, err)
	defer j.Close()
	b, err := j.Batch(ctx, "fixed")
	require.NoError(t, err)
	require.NotNil(t, b)
	assert.Equal(t, path, j.Path())
}
