package approval

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tkingovr/aegis/api"
	"github.com/tkingovr/aegis/internal/audit"
	"github.com/tkingovr/aegis/internal/metrics"
)

const defaultSweepInterval = time.Second

// Queue is the approval gate. All operations go through the durable store;
// the queue itself holds no request state, only the per-id locks that keep
// a human resolution and the expiry sweep from racing on one request.
type Queue struct {
	store  *Store
	ledger *audit.Ledger
	logger *slog.Logger

	sweepInterval time.Duration

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	now func() time.Time // swapped in tests
}

// NewQueue wires the queue to its store and the audit ledger.
func NewQueue(store *Store, ledger *audit.Ledger, logger *slog.Logger) *Queue {
	return &Queue{
		store:         store,
		ledger:        ledger,
		logger:        logger,
		sweepInterval: defaultSweepInterval,
		locks:         make(map[string]*sync.Mutex),
		now:           time.Now,
	}
}

// Submit persists a new PENDING request and returns its id. The timeout is
// converted to an absolute deadline before the write, so a restart resumes
// the countdown instead of restarting it.
func (q *Queue) Submit(ctx context.Context, description string, metadata map[string]string, timeout time.Duration) (*Request, error) {
	now := q.now().UTC()
	r := &Request{
		ID:          uuid.New().String(),
		Description: description,
		Metadata:    metadata,
		SubmittedAt: now,
		TimeoutAt:   now.Add(timeout),
		Status:      api.ApprovalPending,
	}
	if err := q.store.Create(ctx, r); err != nil {
		return nil, err
	}

	q.auditEvent(api.EventApprovalSubmitted, r)
	metrics.ApprovalTransition(api.ApprovalPending)
	q.logger.Info("approval submitted",
		"id", r.ID,
		"description", description,
		"timeout_at", r.TimeoutAt,
	)
	return r, nil
}

// Approve resolves a pending request. ErrNotFound for unknown ids,
// ErrAlreadyResolved for terminal ones.
func (q *Queue) Approve(ctx context.Context, id, resolver string) error {
	return q.resolve(ctx, id, api.ApprovalApproved, resolver)
}

// Deny resolves a pending request negatively.
func (q *Queue) Deny(ctx context.Context, id, resolver string) error {
	return q.resolve(ctx, id, api.ApprovalDenied, resolver)
}

func (q *Queue) resolve(ctx context.Context, id string, status api.ApprovalStatus, resolver string) error {
	lock := q.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	if err := q.store.Resolve(ctx, id, status, resolver, q.now().UTC()); err != nil {
		return err
	}

	r, err := q.store.Get(ctx, id)
	if err == nil {
		q.auditEvent(api.EventApprovalResolved, r)
	}
	metrics.ApprovalTransition(status)
	q.logger.Info("approval resolved", "id", id, "status", string(status), "resolver", resolver)
	return nil
}

// Get returns the current state of a request.
func (q *Queue) Get(ctx context.Context, id string) (*Request, error) {
	return q.store.Get(ctx, id)
}

// ListPending returns all pending requests, oldest first.
func (q *Queue) ListPending(ctx context.Context) ([]Request, error) {
	return q.store.ListPending(ctx)
}

// Stats summarizes the queue by status.
func (q *Queue) Stats(ctx context.Context) (api.ApprovalStats, error) {
	return q.store.Stats(ctx)
}

// RunSweeper expires overdue requests until ctx is canceled. It runs one
// immediate sweep on start so requests that expired while the process was
// down are settled right away.
func (q *Queue) RunSweeper(ctx context.Context) {
	q.Sweep(ctx)
	ticker := time.NewTicker(q.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.Sweep(ctx)
		}
	}
}

// Sweep transitions every overdue PENDING request to EXPIRED. Exposed for
// callers that need a deterministic sweep (tests, CLI).
func (q *Queue) Sweep(ctx context.Context) {
	overdue, err := q.store.ListExpirable(ctx, q.now().UTC())
	if err != nil {
		q.logger.Error("expiry sweep query failed", "error", err)
		return
	}
	for _, r := range overdue {
		q.expire(ctx, r.ID)
	}
}

func (q *Queue) expire(ctx context.Context, id string) {
	lock := q.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	// Re-check under the lock: a human may have resolved it between the
	// sweep query and here. Losing that race is not an error.
	err := q.store.Resolve(ctx, id, api.ApprovalExpired, "sweeper", q.now().UTC())
	if err != nil {
		return
	}

	if r, err := q.store.Get(ctx, id); err == nil {
		q.auditEvent(api.EventApprovalResolved, r)
	}
	metrics.ApprovalTransition(api.ApprovalExpired)
	q.logger.Info("approval expired", "id", id)
}

func (q *Queue) lockFor(id string) *sync.Mutex {
	q.mu.Lock()
	defer q.mu.Unlock()
	l, ok := q.locks[id]
	if !ok {
		l = &sync.Mutex{}
		q.locks[id] = l
	}
	return l
}

func (q *Queue) auditEvent(event api.EventType, r *Request) {
	if err := q.ledger.Append(event, r); err != nil {
		q.logger.Error("audit append failed", "error", err)
	}
}
