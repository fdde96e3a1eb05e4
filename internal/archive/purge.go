package archive

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/lexbridge/casepay/internal/audit"
	"github.com/lexbridge/casepay/internal/cases"
	"github.com/lexbridge/casepay/internal/metrics"
	"github.com/lexbridge/casepay/internal/retry"
	"github.com/lexbridge/casepay/internal/traces"
)

// DefaultDeleteConcurrency bounds parallel object deletes for one case.
const DefaultDeleteConcurrency = 8

// purgeLockKey identifies the purge worker's Postgres advisory lock.
const purgeLockKey int64 = 0x63617365_70757267

// Locker guards a purge tick across instances. TryLock returns ok=false
// without error when another holder has the lock.
type Locker interface {
	TryLock(ctx context.Context) (unlock func(), ok bool, err error)
}

// LocalLocker only coordinates within this process.
type LocalLocker struct {
	held atomic.Bool
}

func (l *LocalLocker) TryLock(context.Context) (func(), bool, error) {
	if !l.held.CompareAndSwap(false, true) {
		return nil, false, nil
	}
	return func() { l.held.Store(false) }, true, nil
}

// PostgresLocker takes a session-level advisory lock on a dedicated
// connection so that only one instance purges at a time.
type PostgresLocker struct {
	db  *sql.DB
	key int64
}

func NewPostgresLocker(db *sql.DB) *PostgresLocker {
	return &PostgresLocker{db: db, key: purgeLockKey}
}

func (l *PostgresLocker) TryLock(ctx context.Context) (func(), bool, error) {
	conn, err := l.db.Conn(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}
	var ok bool
	if err := conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1)`, l.key).Scan(&ok); err != nil {
		_ = conn.Close()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !ok {
		_ = conn.Close()
		return nil, false, nil
	}
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, _ = conn.ExecContext(ctx, `SELECT pg_advisory_unlock($1)`, l.key)
		_ = conn.Close()
	}, true, nil
}

// TickSummary reports the outcome of one purge tick.
type TickSummary struct {
	Skipped bool `json:"skipped"`
	Due     int  `json:"due"`
	Purged  int  `json:"purged"`
	Failed  int  `json:"failed"`
	Objects int  `json:"objectsDeleted"`
}

// Purger deletes the stored artifacts of cases whose retention has expired.
type Purger struct {
	store       cases.Store
	objects     ObjectStore
	locker      Locker
	audit       audit.Logger
	logger      *slog.Logger
	concurrency int
	retry       retry.Policy
	ticking     atomic.Bool
	now         func() time.Time
}

// NewPurger creates a purger. A nil locker falls back to LocalLocker.
func NewPurger(store cases.Store, objects ObjectStore, locker Locker, auditLog audit.Logger, logger *slog.Logger) *Purger {
	if locker == nil {
		locker = &LocalLocker{}
	}
	return &Purger{
		store:       store,
		objects:     objects,
		locker:      locker,
		audit:       auditLog,
		logger:      logger,
		concurrency: DefaultDeleteConcurrency,
		retry:       retry.Default,
		now:         time.Now,
	}
}

// WithRetry overrides the per-object delete retry policy.
func (p *Purger) WithRetry(policy retry.Policy) *Purger {
	p.retry = policy
	return p
}

// WithConcurrency overrides the per-case delete fan-out.
func (p *Purger) WithConcurrency(n int) *Purger {
	if n > 0 {
		p.concurrency = n
	}
	return p
}

// PurgeTick purges up to batchSize due cases. Ticks never overlap: an
// in-process flag and the locker both have to be acquired, otherwise the
// tick is skipped. A case that fails is left untouched and picked up again
// on a later tick.
func (p *Purger) PurgeTick(ctx context.Context, batchSize int) (sum TickSummary, err error) {
	if !p.ticking.CompareAndSwap(false, true) {
		return TickSummary{Skipped: true}, nil
	}
	defer p.ticking.Store(false)

	unlock, ok, err := p.locker.TryLock(ctx)
	if err != nil {
		return sum, err
	}
	if !ok {
		p.logger.Debug("purge tick skipped, lock held elsewhere")
		return TickSummary{Skipped: true}, nil
	}
	defer unlock()

	ctx, span := traces.StartSpan(ctx, "archive.PurgeTick", attribute.Int("batch", batchSize))
	defer func() { traces.End(span, err) }()

	due, err := p.store.ListPurgeDue(ctx, p.now(), batchSize)
	if err != nil {
		return sum, fmt.Errorf("list purge due: %w", err)
	}
	sum.Due = len(due)

	for _, c := range due {
		if ctx.Err() != nil {
			return sum, ctx.Err()
		}
		n, err := p.purgeCase(ctx, c.ID)
		sum.Objects += n
		if err != nil {
			sum.Failed++
			metrics.PurgeResultsTotal.WithLabelValues("failed").Inc()
			p.logger.Warn("case purge failed, will retry next tick", "case_id", c.ID, "error", err)
			continue
		}
		sum.Purged++
		metrics.PurgeResultsTotal.WithLabelValues("purged").Inc()
	}
	if sum.Due > 0 {
		p.logger.Info("purge tick finished", "due", sum.Due, "purged", sum.Purged, "failed", sum.Failed, "objects", sum.Objects)
	}
	return sum, nil
}

// purgeCase deletes every object under the case prefix, then clears the
// file fields and stamps PurgedAt. The case record is only touched when
// every delete succeeded.
func (p *Purger) purgeCase(ctx context.Context, caseID string) (int, error) {
	keys, err := p.objects.List(ctx, cases.StoragePrefix(caseID))
	if err != nil {
		return 0, fmt.Errorf("list objects: %w", err)
	}

	var deleted atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)
	for _, key := range keys {
		g.Go(func() error {
			if err := retry.Do(gctx, p.retry, func(ctx context.Context) error {
				return p.objects.Delete(ctx, key)
			}); err != nil {
				return fmt.Errorf("delete %s: %w", key, err)
			}
			deleted.Add(1)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return int(deleted.Load()), err
	}

	now := p.now().UTC()
	stamped := false
	_, err = p.store.Mutate(ctx, caseID, func(c *cases.Case) error {
		if c.PurgedAt != nil {
			return nil
		}
		c.Files = []cases.StoredFile{}
		c.ArchiveZipKey = ""
		c.ArchiveReadyAt = nil
		c.PurgedAt = &now
		stamped = true
		return nil
	})
	if err != nil {
		if errors.Is(err, cases.ErrCaseNotFound) {
			return int(deleted.Load()), nil
		}
		return int(deleted.Load()), fmt.Errorf("stamp purged: %w", err)
	}

	if stamped {
		if err := audit.Record(audit.WithActor(ctx, "purge-worker", audit.RoleSystem), p.audit, &audit.Entry{
			Action:     "case.purged",
			TargetType: "case",
			TargetID:   caseID,
			CaseID:     caseID,
			Meta:       map[string]any{"objectsDeleted": len(keys)},
		}); err != nil {
			p.logger.Warn("audit write failed", "case_id", caseID, "error", err)
		}
	}
	return int(deleted.Load()), nil
}
