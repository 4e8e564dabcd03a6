// Package batch maintains the single collecting batch and moves it into
// matching once the collection window and the order minimum are both met.
package batch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"lendbook/apps/lendbook/internal/config"
	"lendbook/apps/lendbook/internal/events"
	"lendbook/apps/lendbook/internal/metrics"
	"lendbook/apps/lendbook/internal/model"
	"lendbook/apps/lendbook/internal/repository"
)

const ensureAttempts = 5

// Expirer retires stale orders before each evaluation.
type Expirer interface {
	ExpireOrders(ctx context.Context) (int64, error)
}

type Manager struct {
	db       *repository.Store
	policy   config.BatchPolicy
	expirer  Expirer
	avsTopic string
	metrics  *metrics.Metrics
	logger   *zap.Logger
	now      func() time.Time
}

// TransitionResult reports what EvaluateTransition decided.
type TransitionResult struct {
	Transitioned      bool
	Eligible          int
	AssignedLenders   int64
	AssignedBorrowers int64
	Batch             *model.Batch
	NextBatchID       string
}

func NewManager(db *repository.Store, policy config.BatchPolicy, expirer Expirer, avsTopic string, m *metrics.Metrics, logger *zap.Logger) *Manager {
	return &Manager{
		db:       db,
		policy:   policy,
		expirer:  expirer,
		avsTopic: avsTopic,
		metrics:  m,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (m *Manager) SetClock(now func() time.Time) { m.now = now }

func (m *Manager) Policy() config.BatchPolicy { return m.policy }

// EnsureCollectingBatch returns the collecting batch, opening one if none
// exists. Concurrent callers all observe the same batch.
func (m *Manager) EnsureCollectingBatch(ctx context.Context) (*model.Batch, error) {
	for attempt := 0; attempt < ensureAttempts; attempt++ {
		current, err := m.db.Batches.GetCollecting(ctx)
		if err != nil {
			return nil, err
		}
		if current != nil {
			return current, nil
		}

		id := uuid.NewString()
		created, err := m.db.Batches.InsertCollecting(ctx, id, m.now())
		if err != nil {
			return nil, err
		}
		if created {
			m.metrics.BatchTransition(string(model.BatchStatusCollecting))
			return m.db.Batches.Get(ctx, id)
		}
		// another caller won; read its row on the next pass
	}
	return nil, fmt.Errorf("failed to obtain a collecting batch after %d attempts", ensureAttempts)
}

// EvaluateTransition closes batchID when its window has elapsed and enough
// orders are eligible. The claim of orders, the status change, the opening of
// the next batch and the operator handoff commit together or not at all.
func (m *Manager) EvaluateTransition(ctx context.Context, batchID string) (*TransitionResult, error) {
	now := m.now()
	result := &TransitionResult{}

	err := m.db.InTx(ctx, func(r *repository.Repositories) error {
		b, err := r.Batches.GetForUpdate(ctx, batchID)
		if err != nil {
			return err
		}
		if b == nil {
			return fmt.Errorf("%w: batch %s", model.ErrNotFound, batchID)
		}
		result.Batch = b
		if b.Status != model.BatchStatusCollecting {
			return fmt.Errorf("%w: batch %s is %s", model.ErrInvalidStateTransition, batchID, b.Status)
		}

		lenders, err := r.Orders.CountEligible(ctx, model.SideLender, now)
		if err != nil {
			return err
		}
		borrowers, err := r.Orders.CountEligible(ctx, model.SideBorrower, now)
		if err != nil {
			return err
		}
		result.Eligible = lenders + borrowers

		if now.Sub(b.CreatedAt) < m.policy.CollectionWindow || result.Eligible < m.policy.MinOrders {
			return nil
		}

		if result.AssignedLenders, err = r.Orders.ClaimEligible(ctx, model.SideLender, batchID, now); err != nil {
			return err
		}
		if result.AssignedBorrowers, err = r.Orders.ClaimEligible(ctx, model.SideBorrower, batchID, now); err != nil {
			return err
		}

		n, err := r.Batches.StartMatching(ctx, batchID, int(result.AssignedLenders+result.AssignedBorrowers), now)
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("%w: batch %s left collecting concurrently", model.ErrInvalidStateTransition, batchID)
		}

		next := uuid.NewString()
		created, err := r.Batches.InsertCollecting(ctx, next, now)
		if err != nil {
			return err
		}
		if created {
			result.NextBatchID = next
		}

		if err := m.handoff(ctx, r, b, now); err != nil {
			return err
		}
		result.Transitioned = true
		return nil
	})
	if err != nil {
		return nil, err
	}

	if result.Transitioned {
		m.metrics.BatchTransition(string(model.BatchStatusMatching))
		if result.NextBatchID != "" {
			m.metrics.BatchTransition(string(model.BatchStatusCollecting))
		}
		m.logger.Info("Batch closed for matching",
			zap.String("batch_id", batchID),
			zap.Int64("lender_orders", result.AssignedLenders),
			zap.Int64("borrower_orders", result.AssignedBorrowers),
			zap.String("next_batch_id", result.NextBatchID))

		if result.Batch, err = m.db.Batches.Get(ctx, batchID); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// handoff queues the batch contents for the matching operator.
func (m *Manager) handoff(ctx context.Context, r *repository.Repositories, b *model.Batch, now time.Time) error {
	if m.avsTopic == "" {
		return nil
	}

	lenders, err := r.Orders.ListSignedOrders(ctx, model.OrderFilter{BatchID: b.ID})
	if err != nil {
		return err
	}
	borrowers, err := r.Orders.ListBorrowerOrders(ctx, model.OrderFilter{BatchID: b.ID})
	if err != nil {
		return err
	}

	submitted := &events.BatchSubmitted{
		BatchID:        b.ID,
		BatchNumber:    b.BatchNumber,
		LenderOrders:   make([]events.SubmittedOrder, 0, len(lenders)),
		BorrowerOrders: make([]events.SubmittedOrder, 0, len(borrowers)),
	}
	for _, o := range lenders {
		submitted.LenderOrders = append(submitted.LenderOrders, events.SubmittedOrder{
			OrderID:           o.ID,
			OrderHash:         o.OrderHash,
			Owner:             o.Lender,
			LoanToken:         o.LoanToken,
			Amount:            o.LoanAmount,
			CollateralAmount:  o.CollateralAmount,
			RateBips:          o.InterestRateBips,
			MaturityTimestamp: o.MaturityTimestamp,
			Expiry:            o.Expiry,
		})
	}
	for _, o := range borrowers {
		submitted.BorrowerOrders = append(submitted.BorrowerOrders, events.SubmittedOrder{
			OrderID:           o.ID,
			OrderHash:         o.OrderHash,
			Owner:             o.Borrower,
			LoanToken:         o.LoanToken,
			Amount:            o.PrincipalAmount,
			MinAmount:         o.MinPrincipal,
			MaxAmount:         o.MaxPrincipal,
			CollateralAmount:  o.CollateralAmount,
			RateBips:          o.MaxInterestRateBips,
			MaturityTimestamp: o.MaturityTimestamp,
			Expiry:            o.Expiry,
		})
	}

	eventID := string(events.KindBatchSubmitted) + ":" + b.ID
	payload, err := events.Encode(events.Message{ID: eventID, OccurredAt: now, Event: submitted})
	if err != nil {
		return err
	}
	return r.Outbox.StoreOutboxEvent(ctx, model.OutboxEvent{
		EventID:      eventID,
		Topic:        m.avsTopic,
		EventKind:    string(events.KindBatchSubmitted),
		PartitionKey: b.ID,
		Payload:      payload,
		CreatedAt:    now,
	})
}

// ReleaseOrders returns every order held by batchID to the unbatched pool on
// both sides. With onlyUnmatched set, matched orders stay with the batch.
func ReleaseOrders(ctx context.Context, r *repository.Repositories, batchID string, onlyUnmatched bool, now time.Time) (int64, error) {
	var total int64
	for _, side := range []model.Side{model.SideLender, model.SideBorrower} {
		n, err := r.Orders.ReleaseBatch(ctx, side, batchID, onlyUnmatched, now)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// Tick expires stale orders, makes sure a batch is collecting and evaluates it.
func (m *Manager) Tick(ctx context.Context) error {
	if m.expirer != nil {
		if _, err := m.expirer.ExpireOrders(ctx); err != nil {
			m.logger.Error("Failed to expire orders", zap.Error(err))
		}
	}

	current, err := m.EnsureCollectingBatch(ctx)
	if err != nil {
		return fmt.Errorf("failed to ensure collecting batch: %w", err)
	}

	result, err := m.EvaluateTransition(ctx, current.ID)
	if err != nil {
		// another instance closed the batch first
		if errors.Is(err, model.ErrInvalidStateTransition) {
			return nil
		}
		return fmt.Errorf("failed to evaluate batch %s: %w", current.ID, err)
	}
	if !result.Transitioned {
		m.logger.Debug("Batch still collecting",
			zap.String("batch_id", current.ID),
			zap.Int("eligible", result.Eligible),
			zap.Int("min_orders", m.policy.MinOrders))
	}
	return nil
}

// Run ticks until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	m.logger.Info("Starting batch manager",
		zap.Duration("collection_window", m.policy.CollectionWindow),
		zap.Int("min_orders", m.policy.MinOrders),
		zap.Duration("tick_interval", m.policy.TickInterval))

	ticker := time.NewTicker(m.policy.TickInterval)
	defer ticker.Stop()

	for {
		if err := m.Tick(ctx); err != nil {
			m.logger.Error("Batch tick failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			m.logger.Info("Stopping batch manager")
			return
		case <-ticker.C:
		}
	}
}
