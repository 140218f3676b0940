package settings

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/thanos-io/objstore"
)

func TestSettingsPersist(t *testing.T) {
	ctx := context.Background()
	bkt := objstore.NewInMemBucket()

	s := NewBucketStore(bkt, Snapshot{FetchEnabled: true})
	require.NoError(t, s.Load(ctx))
	assert.True(t, s.FetchEnabled())

	_, err := s.Set(ctx, Snapshot{FetchEnabled: false, ModifiedAt: 10})
	require.NoError(t, err)
	assert.False(t, s.FetchEnabled())

	reloaded := NewBucketStore(bkt, Snapshot{FetchEnabled: true})
	require.NoError(t, reloaded.Load(ctx))
	assert.Equal(t, Snapshot{FetchEnabled: false, ModifiedAt: 10}, reloaded.Get())
}

func TestSettingsRejectOlderUpdate(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(Snapshot{})

	_, err := s.Set(ctx, Snapshot{FetchEnabled: true, ModifiedAt: 20})
	require.NoError(t, err)
	cur, err := s.Set(ctx, Snapshot{FetchEnabled: false, ModifiedAt: 10})
	require.ErrorIs(t, err, ErrOldSetting)
	assert.True(t, cur.FetchEnabled)
	assert.True(t, s.FetchEnabled())
}

func TestStoredSettingCannotEnableDisallowedFetch(t *testing.T) {
	ctx := context.Background()
	bkt := objstore.NewInMemBucket()

	s := NewBucketStore(bkt, Snapshot{FetchEnabled: true})
	_, err := s.Set(ctx, Snapshot{FetchEnabled: true, ModifiedAt: 10})
	require.NoError(t, err)

	// Restarted with fetching turned off on the command line.
	off := NewBucketStore(bkt, Snapshot{FetchEnabled: false}, WithFetchAllowed(false))
	require.NoError(t, off.Load(ctx))
	assert.False(t, off.FetchEnabled())
	assert.Equal(t, int64(10), off.Get().ModifiedAt)

	cur, err := off.Set(ctx, Snapshot{FetchEnabled: true, ModifiedAt: 20})
	require.NoError(t, err)
	assert.False(t, cur.FetchEnabled)
	assert.False(t, off.FetchEnabled())

	// The request is kept for when the cap is lifted.
	on := NewBucketStore(bkt, Snapshot{FetchEnabled: true})
	require.NoError(t, on.Load(ctx))
	assert.Equal(t, Snapshot{FetchEnabled: true, ModifiedAt: 20}, on.Get())
}
