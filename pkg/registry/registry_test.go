package registry

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/grafana/dskit/backoff"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	thanosobjstore "github.com/thanos-io/objstore"

	"github.com/elastic/devfiler/pkg/model"
	"github.com/elastic/devfiler/pkg/objstore"
	"github.com/elastic/devfiler/pkg/store"
)

func newTestRegistry(t *testing.T) (*Registry, *store.Store) {
	s, err := store.Open(store.Config{Path: t.TempDir(), TraceCacheSize: 128, NoSync: true},
		objstore.NewBucket(thanosobjstore.NewInMemBucket()), log.NewNopLogger(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return New(s, log.NewNopLogger(), prometheus.NewRegistry()), s
}

func TestCanTransition(t *testing.T) {
	for _, tc := range []struct {
		from, to model.Status
		ok       bool
	}{
		{model.StatusUnknown, model.StatusBytesAvailable, true},
		{model.StatusBytesAvailable, model.StatusResolving, true},
		{model.StatusResolving, model.StatusResolved, true},
		{model.StatusResolving, model.StatusDebugInfoMissing, true},
		{model.StatusDebugInfoMissing, model.StatusFetching, true},
		{model.StatusFetching, model.StatusBytesAvailable, true},
		{model.StatusFetching, model.StatusDebugInfoMissing, true},
		{model.StatusResolved, model.StatusResolving, false},
		{model.StatusResolved, model.StatusDebugInfoMissing, false},
		{model.StatusResolved, model.StatusUnknown, false},
		{model.StatusBytesAvailable, model.StatusUnknown, false},
		{model.StatusDebugInfoMissing, model.StatusResolved, false},
	} {
		assert.Equal(t, tc.ok, CanTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestTransition(t *testing.T) {
	r, s := newTestRegistry(t)
	ctx := context.Background()
	id, err := s.PutExecutable(ctx, []byte("exe"), "")
	require.NoError(t, err)

	_, err = r.Transition(ctx, id, model.StatusBytesAvailable, model.StatusResolving, nil)
	require.NoError(t, err)

	// A second resolver that read the old status loses the race.
	_, err = r.Transition(ctx, id, model.StatusBytesAvailable, model.StatusResolving, nil)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	e, err := r.Transition(ctx, id, model.StatusResolving, model.StatusResolved, nil)
	require.NoError(t, err)
	assert.Equal(t, model.StatusResolved, e.Status)

	_, err = r.Transition(ctx, id, model.StatusResolved, model.StatusResolving, nil)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	e, err = r.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.StatusResolved, e.Status)

	_, err = r.Transition(ctx, model.ExecutableID{9}, model.StatusFetching, model.StatusBytesAvailable, nil)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestFetchCycle(t *testing.T) {
	r, s := newTestRegistry(t)
	ctx := context.Background()
	id := model.ExecutableID{1, 2, 3}
	_, err := s.DeclareExecutable(ctx, id, "stripped")
	require.NoError(t, err)

	_, err = r.Transition(ctx, id, model.StatusUnknown, model.StatusFetching, nil)
	require.NoError(t, err)
	retryAt := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	e, err := r.FetchFailed(ctx, id, func(attempts uint32) time.Time {
		assert.Equal(t, uint32(1), attempts)
		return retryAt
	})
	require.NoError(t, err)
	assert.Equal(t, model.StatusDebugInfoMissing, e.Status)
	assert.Equal(t, retryAt, e.NextFetch)

	_, err = r.Transition(ctx, id, model.StatusDebugInfoMissing, model.StatusFetching, nil)
	require.NoError(t, err)
	e, err = r.InstallFetched(ctx, id, []byte("debug info"))
	require.NoError(t, err)
	assert.Equal(t, model.StatusBytesAvailable, e.Status)
	assert.True(t, e.HasBytes())
	assert.Zero(t, e.FetchAttempts)

	rd, err := s.ExecutableReader(ctx, id)
	require.NoError(t, err)
	defer rd.Close()
	assert.Equal(t, int64(len("debug info")), rd.Size())
}

func TestAcquire(t *testing.T) {
	r, _ := newTestRegistry(t)
	id := model.ExecutableID{1}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if r.Acquire(id, TaskResolve) {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, granted)

	task, ok := r.InFlight(id)
	assert.True(t, ok)
	assert.Equal(t, TaskResolve, task)
	assert.False(t, r.Acquire(id, TaskFetch))

	r.Release(id)
	assert.True(t, r.Acquire(id, TaskFetch))
}

func TestRecover(t *testing.T) {
	r, s := newTestRegistry(t)
	ctx := context.Background()
	resolving, err := s.PutExecutable(ctx, []byte("a"), "")
	require.NoError(t, err)
	_, err = r.Transition(ctx, resolving, model.StatusBytesAvailable, model.StatusResolving, nil)
	require.NoError(t, err)
	fetching := model.ExecutableID{7}
	_, err = r.Transition(ctx, fetching, model.StatusUnknown, model.StatusFetching, nil)
	require.NoError(t, err)

	require.NoError(t, r.Recover(ctx))

	e, err := r.Get(ctx, resolving)
	require.NoError(t, err)
	assert.Equal(t, model.StatusBytesAvailable, e.Status)
	e, err = r.Get(ctx, fetching)
	require.NoError(t, err)
	assert.Equal(t, model.StatusDebugInfoMissing, e.Status)
}

func TestRemoveNotifies(t *testing.T) {
	r, s := newTestRegistry(t)
	ctx := context.Background()
	id, err := s.PutExecutable(ctx, []byte("a"), "")
	require.NoError(t, err)

	var removed []model.ExecutableID
	r.OnRemoval(func(id model.ExecutableID) { removed = append(removed, id) })
	require.NoError(t, r.Remove(ctx, id))
	assert.Equal(t, []model.ExecutableID{id}, removed)
}

func TestAttach(t *testing.T) {
	r, s := newTestRegistry(t)
	ctx := context.Background()
	id := model.ExecutableIDFromBytes([]byte("stripped binary"))
	_, err := s.DeclareExecutable(ctx, id, "app")
	require.NoError(t, err)
	_, err = r.Transition(ctx, id, model.StatusUnknown, model.StatusDebugInfoMissing, nil)
	require.NoError(t, err)

	e, err := r.Attach(ctx, id, []byte("debug info"), "")
	require.NoError(t, err)
	assert.Equal(t, model.StatusBytesAvailable, e.Status)
	assert.Equal(t, "app", e.FileName)
	assert.Equal(t, model.BlobName(id), e.Blob)

	select {
	case <-s.Pending():
	default:
		t.Fatal("expected a pending notification")
	}

	_, err = r.Transition(ctx, id, model.StatusBytesAvailable, model.StatusResolving, nil)
	require.NoError(t, err)
	_, err = r.Transition(ctx, id, model.StatusResolving, model.StatusResolved, nil)
	require.NoError(t, err)
	_, err = r.Attach(ctx, id, []byte("other"), "")
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func readBlob(t *testing.T, s *store.Store, id model.ExecutableID) string {
	t.Helper()
	rd, _, err := s.ExecutableBytes(context.Background(), id)
	require.NoError(t, err)
	defer rd.Close()
	b, err := io.ReadAll(rd)
	require.NoError(t, err)
	return string(b)
}

// startFetch puts an executable in Fetching the way the fetcher does.
func startFetch(t *testing.T, r *Registry, s *store.Store, id model.ExecutableID) {
	t.Helper()
	ctx := context.Background()
	_, err := s.DeclareExecutable(ctx, id, "app")
	require.NoError(t, err)
	_, err = r.Transition(ctx, id, model.StatusUnknown, model.StatusDebugInfoMissing, nil)
	require.NoError(t, err)
	require.True(t, r.Acquire(id, TaskFetch))
	_, err = r.Transition(ctx, id, model.StatusDebugInfoMissing, model.StatusFetching, nil)
	require.NoError(t, err)
}

type attachResult struct {
	e   *model.Executable
	err error
}

func attachAsync(r *Registry, id model.ExecutableID, data string) <-chan attachResult {
	done := make(chan attachResult, 1)
	go func() {
		e, err := r.Attach(context.Background(), id, []byte(data), "")
		done <- attachResult{e, err}
	}()
	return done
}

func TestAttachWaitsForFetch(t *testing.T) {
	r, s := newTestRegistry(t)
	r.claimBackoff = backoff.Config{MinBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond}
	ctx := context.Background()
	id := model.ExecutableIDFromBytes([]byte("stripped binary"))
	startFetch(t, r, s, id)

	done := attachAsync(r, id, "uploaded")
	select {
	case res := <-done:
		t.Fatalf("attach returned during a fetch: %v", res.err)
	case <-time.After(50 * time.Millisecond):
	}

	_, err := r.InstallFetched(ctx, id, []byte("fetched"))
	require.NoError(t, err)
	r.Release(id)

	res := <-done
	require.ErrorIs(t, res.err, ErrInvalidTransition)
	e, err := r.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.StatusBytesAvailable, e.Status)
	assert.Equal(t, int64(len("fetched")), e.Size)
	assert.Equal(t, "fetched", readBlob(t, s, id))
}

func TestAttachAfterFailedFetch(t *testing.T) {
	r, s := newTestRegistry(t)
	r.claimBackoff = backoff.Config{MinBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond}
	ctx := context.Background()
	id := model.ExecutableIDFromBytes([]byte("stripped binary"))
	startFetch(t, r, s, id)

	done := attachAsync(r, id, "uploaded")
	_, err := r.FetchFailed(ctx, id, func(uint32) time.Time { return time.Now().Add(time.Hour) })
	require.NoError(t, err)
	r.Release(id)

	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, model.StatusBytesAvailable, res.e.Status)
	assert.Zero(t, res.e.FetchAttempts)
	assert.Equal(t, int64(len("uploaded")), res.e.Size)
	assert.Equal(t, "uploaded", readBlob(t, s, id))
	_, ok := r.InFlight(id)
	assert.False(t, ok)
}

func TestAttachBusy(t *testing.T) {
	r, s := newTestRegistry(t)
	r.claimBackoff = backoff.Config{MinBackoff: time.Millisecond, MaxBackoff: time.Millisecond, MaxRetries: 3}
	ctx := context.Background()
	id := model.ExecutableIDFromBytes([]byte("stripped binary"))
	_, err := s.DeclareExecutable(ctx, id, "app")
	require.NoError(t, err)
	require.True(t, r.Acquire(id, TaskResolve))

	_, err = r.Attach(ctx, id, []byte("uploaded"), "")
	require.ErrorIs(t, err, ErrBusy)
	e, err := r.Get(ctx, id)
	require.NoError(t, err)
	assert.False(t, e.HasBytes())
	task, ok := r.InFlight(id)
	assert.True(t, ok)
	assert.Equal(t, TaskResolve, task)
}

func TestAttachRefusesInterruptedFetch(t *testing.T) {
	r, s := newTestRegistry(t)
	ctx := context.Background()
	id := model.ExecutableIDFromBytes([]byte("stripped binary"))
	startFetch(t, r, s, id)
	r.Release(id)

	_, err := r.Attach(ctx, id, []byte("uploaded"), "")
	require.ErrorIs(t, err, ErrInvalidTransition)
	e, err := r.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFetching, e.Status)
	assert.False(t, e.HasBytes())
}

func TestInstallFetchedRequiresFetching(t *testing.T) {
	r, s := newTestRegistry(t)
	ctx := context.Background()
	id := model.ExecutableIDFromBytes([]byte("stripped binary"))
	_, err := s.DeclareExecutable(ctx, id, "app")
	require.NoError(t, err)
	_, err = r.Transition(ctx, id, model.StatusUnknown, model.StatusDebugInfoMissing, nil)
	require.NoError(t, err)
	_, err = r.Attach(ctx, id, []byte("uploaded"), "")
	require.NoError(t, err)

	// A fetch that lost its status must not replace the attached bytes.
	_, err = r.InstallFetched(ctx, id, []byte("fetched"))
	require.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, "uploaded", readBlob(t, s, id))
}

func TestUploadWaitsForClaim(t *testing.T) {
	r, _ := newTestRegistry(t)
	r.claimBackoff = backoff.Config{MinBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond}
	ctx := context.Background()
	data := []byte("binary")
	id := model.ExecutableIDFromBytes(data)
	require.True(t, r.Acquire(id, TaskResolve))

	done := make(chan error, 1)
	go func() {
		_, err := r.Upload(ctx, data, "bin")
		done <- err
	}()
	select {
	case err := <-done:
		t.Fatalf("upload returned while claimed: %v", err)
	case <-time.After(20 * time.Millisecond):
	}
	r.Release(id)
	require.NoError(t, <-done)

	e, err := r.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.StatusBytesAvailable, e.Status)
}
