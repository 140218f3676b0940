package registry

import (
	"context"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/backoff"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/elastic/devfiler/pkg/model"
	"github.com/elastic/devfiler/pkg/store"
	"github.com/elastic/devfiler/pkg/util"
)

var (
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrBusy is returned when bytes are offered for an executable that
	// another task kept claimed for longer than the registry waits.
	ErrBusy = errors.New("executable is busy")
)

// transitions lists the allowed status changes. Resolved has no outgoing
// edges: the bytes behind an identity never change.
var transitions = map[model.Status][]model.Status{
	model.StatusUnknown: {
		model.StatusBytesAvailable,
		model.StatusFetching,
		model.StatusDebugInfoMissing,
	},
	model.StatusBytesAvailable: {model.StatusResolving},
	model.StatusResolving: {
		model.StatusResolved,
		model.StatusDebugInfoMissing,
		model.StatusBytesAvailable, // recovery of an interrupted pass
	},
	model.StatusDebugInfoMissing: {
		model.StatusFetching,
		model.StatusBytesAvailable, // manual upload
	},
	model.StatusFetching: {
		model.StatusBytesAvailable,
		model.StatusDebugInfoMissing,
	},
}

// CanTransition reports whether from -> to is an allowed status change.
func CanTransition(from, to model.Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Task is the kind of work that holds an executable.
type Task string

const (
	TaskResolve Task = "resolve"
	TaskFetch   Task = "fetch"
	TaskUpload  Task = "upload"
)

// defaultClaimBackoff bounds how long uploads wait for a claimed executable.
var defaultClaimBackoff = backoff.Config{
	MinBackoff: 10 * time.Millisecond,
	MaxBackoff: 500 * time.Millisecond,
	MaxRetries: 12,
}

// Registry tracks executables and their resolution status. It is the only
// writer of status changes and makes sure at most one resolve or fetch is
// in flight per executable.
type Registry struct {
	logger log.Logger
	store  *store.Store

	mu           sync.Mutex
	inflight     map[model.ExecutableID]Task
	claimBackoff backoff.Config

	removeMu  sync.RWMutex
	onRemoval []func(model.ExecutableID)

	transitions *prometheus.CounterVec
}

func New(s *store.Store, logger log.Logger, reg prometheus.Registerer) *Registry {
	return &Registry{
		logger:       log.With(logger, "component", "registry"),
		store:        s,
		inflight:     make(map[model.ExecutableID]Task),
		claimBackoff: defaultClaimBackoff,
		transitions: util.RegisterOrGet(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "devfiler_registry_status_transitions_total",
			Help: "Number of executable status transitions.",
		}, []string{"from", "to"})),
	}
}

// Acquire claims an executable for a task. It returns false if another task
// already holds it. The claim is released with Release.
func (r *Registry) Acquire(id model.ExecutableID, task Task) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, busy := r.inflight[id]; busy {
		return false
	}
	r.inflight[id] = task
	return true
}

func (r *Registry) Release(id model.ExecutableID) {
	r.mu.Lock()
	delete(r.inflight, id)
	r.mu.Unlock()
}

// claim acquires an executable for task, waiting a bounded time for the
// current holder to release it.
func (r *Registry) claim(ctx context.Context, id model.ExecutableID, task Task) error {
	busy := func(err error) bool { return errors.Is(err, ErrBusy) }
	return util.Retry(ctx, r.claimBackoff, busy, func() error {
		if r.Acquire(id, task) {
			return nil
		}
		holder, _ := r.InFlight(id)
		return errors.Wrapf(ErrBusy, "%s: %s in progress", id, holder)
	})
}

// InFlight returns the task currently holding an executable.
func (r *Registry) InFlight(id model.ExecutableID) (Task, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.inflight[id]
	return t, ok
}

func (r *Registry) Get(ctx context.Context, id model.ExecutableID) (*model.Executable, error) {
	return r.store.GetExecutable(ctx, id)
}

func (r *Registry) List(ctx context.Context) ([]*model.Executable, error) {
	return r.store.ListExecutables(ctx)
}

// Transition moves an executable from one status to another. It fails with
// ErrInvalidTransition if the current status is not from, or if the change
// is not allowed. mutate, if not nil, may update other fields of the record
// in the same write.
func (r *Registry) Transition(ctx context.Context, id model.ExecutableID, from, to model.Status, mutate func(*model.Executable)) (*model.Executable, error) {
	if !CanTransition(from, to) {
		return nil, errors.Wrapf(ErrInvalidTransition, "%s: %s -> %s", id, from, to)
	}
	e, err := r.store.UpdateExecutable(ctx, id, func(e *model.Executable, created bool) error {
		if created && from != model.StatusUnknown {
			return errors.Wrapf(store.ErrNotFound, "executable %s", id)
		}
		if e.Status != from {
			return errors.Wrapf(ErrInvalidTransition, "%s: status is %s, not %s", id, e.Status, from)
		}
		e.Status = to
		if mutate != nil {
			mutate(e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	r.transitions.WithLabelValues(from.String(), to.String()).Inc()
	level.Debug(r.logger).Log("msg", "executable status changed", "id", id, "from", from, "to", to)
	return e, nil
}

// Upload stores executable bytes, making the executable resolvable. Bytes
// are only written while no fetch or resolve holds the executable.
func (r *Registry) Upload(ctx context.Context, data []byte, fileName string) (*model.Executable, error) {
	id := model.ExecutableIDFromBytes(data)
	if e, err := r.store.GetExecutable(ctx, id); err == nil && e.HasBytes() {
		return e, nil
	}
	if err := r.claim(ctx, id, TaskUpload); err != nil {
		return nil, err
	}
	defer r.Release(id)
	if _, err := r.store.PutExecutable(ctx, data, fileName); err != nil {
		return nil, err
	}
	r.store.NotifyPending()
	return r.store.GetExecutable(ctx, id)
}

// InstallFetched stores bytes retrieved for a fetching executable and moves
// it to BytesAvailable. The bytes must match the executable identity, except
// for debug info fetched for it from a symbol index, which is stored under
// the identity it was fetched for. The caller holds the executable's fetch
// claim; the blob is written only while the executable is still Fetching.
func (r *Registry) InstallFetched(ctx context.Context, id model.ExecutableID, data []byte) (*model.Executable, error) {
	cur, err := r.store.GetExecutable(ctx, id)
	if err != nil {
		return nil, err
	}
	if cur.Status != model.StatusFetching {
		return nil, errors.Wrapf(ErrInvalidTransition, "%s: status is %s, not %s", id, cur.Status, model.StatusFetching)
	}
	name := model.BlobName(id)
	if err := r.store.PutBlob(ctx, name, data); err != nil {
		return nil, err
	}
	e, err := r.Transition(ctx, id, model.StatusFetching, model.StatusBytesAvailable, func(e *model.Executable) {
		e.Blob = name
		e.Size = int64(len(data))
		e.FetchAttempts = 0
		e.NextFetch = time.Time{}
	})
	if err != nil {
		return nil, err
	}
	r.store.NotifyPending()
	return e, nil
}

// Attach installs uploaded debug info for an executable whose identity is
// not the content hash of data, e.g. symbols for a stripped binary the agent
// reported by build id. Only executables without bytes accept debug info;
// an attach waits for a running fetch of the executable to finish and then
// fails if the fetch provided bytes.
func (r *Registry) Attach(ctx context.Context, id model.ExecutableID, data []byte, fileName string) (*model.Executable, error) {
	if _, err := r.attachableStatus(ctx, id); err != nil {
		return nil, err
	}
	if err := r.claim(ctx, id, TaskUpload); err != nil {
		return nil, err
	}
	defer r.Release(id)
	from, err := r.attachableStatus(ctx, id)
	if err != nil {
		return nil, err
	}
	name := model.BlobName(id)
	if err := r.store.PutBlob(ctx, name, data); err != nil {
		return nil, err
	}
	e, err := r.Transition(ctx, id, from, model.StatusBytesAvailable, func(e *model.Executable) {
		e.Blob = name
		e.Size = int64(len(data))
		if fileName != "" {
			e.FileName = fileName
		}
		e.FetchAttempts = 0
		e.NextFetch = time.Time{}
	})
	if err != nil {
		return nil, err
	}
	r.store.NotifyPending()
	return e, nil
}

// attachableStatus returns the status of an executable that may receive
// debug info. A Fetching executable is refused as well: with no fetch
// claim held it is an interrupted fetch that Recover resets.
func (r *Registry) attachableStatus(ctx context.Context, id model.ExecutableID) (model.Status, error) {
	cur, err := r.store.GetExecutable(ctx, id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return model.StatusUnknown, nil
	case err != nil:
		return 0, err
	}
	switch cur.Status {
	case model.StatusUnknown, model.StatusDebugInfoMissing:
		return cur.Status, nil
	case model.StatusFetching:
		if holder, ok := r.InFlight(id); ok && holder == TaskFetch {
			// Wait for the fetch to finish.
			return cur.Status, nil
		}
	}
	return 0, errors.Wrapf(ErrInvalidTransition, "%s: cannot attach bytes in status %s", id, cur.Status)
}

// FetchFailed moves a fetching executable back to DebugInfoMissing and
// schedules the next attempt.
func (r *Registry) FetchFailed(ctx context.Context, id model.ExecutableID, next func(attempts uint32) time.Time) (*model.Executable, error) {
	return r.Transition(ctx, id, model.StatusFetching, model.StatusDebugInfoMissing, func(e *model.Executable) {
		e.FetchAttempts++
		e.NextFetch = next(e.FetchAttempts)
	})
}

// OnRemoval registers a callback run after an executable was removed.
func (r *Registry) OnRemoval(fn func(model.ExecutableID)) {
	r.removeMu.Lock()
	r.onRemoval = append(r.onRemoval, fn)
	r.removeMu.Unlock()
}

// Remove invalidates an executable. Work in flight for it continues, but its
// results are discarded when written.
func (r *Registry) Remove(ctx context.Context, id model.ExecutableID) error {
	if err := r.store.RemoveExecutable(ctx, id); err != nil {
		return err
	}
	r.removeMu.RLock()
	defer r.removeMu.RUnlock()
	for _, fn := range r.onRemoval {
		fn(id)
	}
	return nil
}

// Recover resets executables whose resolve or fetch was interrupted, e.g. by
// a crash, so they are picked up again.
func (r *Registry) Recover(ctx context.Context) error {
	list, err := r.store.ListExecutables(ctx)
	if err != nil {
		return err
	}
	for _, e := range list {
		var to model.Status
		switch e.Status {
		case model.StatusResolving:
			to = model.StatusBytesAvailable
		case model.StatusFetching:
			to = model.StatusDebugInfoMissing
		default:
			continue
		}
		if _, err := r.store.UpdateExecutable(ctx, e.ID, func(e *model.Executable, _ bool) error {
			e.Status = to
			return nil
		}); err != nil {
			return err
		}
		level.Info(r.logger).Log("msg", "recovered interrupted executable", "id", e.ID, "from", e.Status, "to", to)
	}
	return nil
}
