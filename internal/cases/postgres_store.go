package cases

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists cases, payouts and platform income in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed case store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const caseColumns = `id, attorney_id, paralegal_id, title, status,
	total_amount_cents, locked_total_amount_cents, currency,
	escrow_intent_id, escrow_status, payment_released, payout_transfer_id,
	disputes, dispute_settlement, settlement_progress, files,
	archived, archive_zip_key, archive_ready_at, purge_scheduled_for, purged_at,
	version, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, c *Case) error {
	docs, err := encodeDocs(c)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO cases (`+caseColumns+`) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8,
			$9, $10, $11, $12,
			$13, $14, $15, $16,
			$17, $18, $19, $20, $21,
			$22, $23, $24
		)`,
		c.ID, c.AttorneyID, nullString(c.ParalegalID), c.Title, string(c.Status),
		c.TotalAmountCents, c.LockedTotalAmountCents, c.Currency,
		nullString(c.EscrowIntentID), string(c.EscrowStatus), c.PaymentReleased, nullString(c.PayoutTransferID),
		docs.disputes, docs.settlement, docs.progress, docs.files,
		c.Archived, nullString(c.ArchiveZipKey), nullTime(c.ArchiveReadyAt), nullTime(c.PurgeScheduledFor), nullTime(c.PurgedAt),
		c.Version, c.CreatedAt, c.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Case, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+caseColumns+` FROM cases WHERE id = $1`, id)
	c, err := scanCase(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCaseNotFound
	}
	return c, err
}

func (p *PostgresStore) FindByEscrowIntent(ctx context.Context, intentID string) (*Case, error) {
	if intentID == "" {
		return nil, ErrCaseNotFound
	}
	row := p.db.QueryRowContext(ctx, `SELECT `+caseColumns+` FROM cases WHERE escrow_intent_id = $1`, intentID)
	c, err := scanCase(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCaseNotFound
	}
	return c, err
}

func (p *PostgresStore) CompareAndSetStatus(ctx context.Context, id string, from, to Status, at time.Time) (*Case, error) {
	row := p.db.QueryRowContext(ctx, `
		UPDATE cases SET status = $3, updated_at = $4, version = version + 1
		WHERE id = $1 AND status = $2
		RETURNING `+caseColumns,
		id, string(from), string(to), at)
	c, err := scanCase(row)
	if errors.Is(err, sql.ErrNoRows) {
		if _, getErr := p.Get(ctx, id); errors.Is(getErr, ErrCaseNotFound) {
			return nil, ErrCaseNotFound
		}
		return nil, ErrConflict
	}
	return c, err
}

func (p *PostgresStore) Mutate(ctx context.Context, id string, fn MutateFunc) (*Case, error) {
	return p.inTx(ctx, func(tx *sql.Tx) (*Case, error) {
		return mutateTx(ctx, tx, id, fn)
	})
}

func (p *PostgresStore) RecordPayout(ctx context.Context, id string, payout *Payout, income *PlatformIncome, fn MutateFunc) (*Case, error) {
	return p.inTx(ctx, func(tx *sql.Tx) (*Case, error) {
		updated, err := mutateTx(ctx, tx, id, fn)
		if err != nil {
			return nil, err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO payouts (id, case_id, paralegal_id, amount_paid_cents, transfer_id, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			payout.ID, id, payout.ParalegalID, payout.AmountPaidCents, payout.TransferID, payout.CreatedAt)
		if isUniqueViolation(err) {
			return nil, ErrPayoutExists
		}
		if err != nil {
			return nil, fmt.Errorf("insert payout: %w", err)
		}
		if income != nil {
			_, err = tx.ExecContext(ctx, `
				INSERT INTO platform_income (id, case_id, attorney_id, paralegal_id, fee_amount_cents, created_at)
				VALUES ($1, $2, $3, $4, $5, $6)`,
				income.ID, id, income.AttorneyID, income.ParalegalID, income.FeeAmountCents, income.CreatedAt)
			if isUniqueViolation(err) {
				return nil, ErrIncomeExists
			}
			if err != nil {
				return nil, fmt.Errorf("insert platform income: %w", err)
			}
		}
		return updated, nil
	})
}

func (p *PostgresStore) GetPayout(ctx context.Context, caseID string) (*Payout, error) {
	out := &Payout{}
	err := p.db.QueryRowContext(ctx, `
		SELECT id, case_id, paralegal_id, amount_paid_cents, transfer_id, created_at
		FROM payouts WHERE case_id = $1`, caseID,
	).Scan(&out.ID, &out.CaseID, &out.ParalegalID, &out.AmountPaidCents, &out.TransferID, &out.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPayoutNotFound
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (p *PostgresStore) GetPlatformIncome(ctx context.Context, caseID string) (*PlatformIncome, error) {
	out := &PlatformIncome{}
	err := p.db.QueryRowContext(ctx, `
		SELECT id, case_id, attorney_id, paralegal_id, fee_amount_cents, created_at
		FROM platform_income WHERE case_id = $1`, caseID,
	).Scan(&out.ID, &out.CaseID, &out.AttorneyID, &out.ParalegalID, &out.FeeAmountCents, &out.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrIncomeNotFound
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (p *PostgresStore) ListPurgeDue(ctx context.Context, now time.Time, limit int) ([]*Case, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+caseColumns+`
		FROM cases
		WHERE purge_scheduled_for <= $1 AND purged_at IS NULL
		ORDER BY purge_scheduled_for
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Case
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (p *PostgresStore) inTx(ctx context.Context, fn func(tx *sql.Tx) (*Case, error)) (*Case, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	c, err := fn(tx)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return c, nil
}

// mutateTx locks the row, applies fn and writes every mutable column back.
// dispute_settlement is write-once and payment_released only ever goes
// false → true, both enforced in SQL as well as by callers.
func mutateTx(ctx context.Context, tx *sql.Tx, id string, fn MutateFunc) (*Case, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+caseColumns+` FROM cases WHERE id = $1 FOR UPDATE`, id)
	c, err := scanCase(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCaseNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := fn(c); err != nil {
		return nil, err
	}
	c.UpdatedAt = time.Now()

	docs, err := encodeDocs(c)
	if err != nil {
		return nil, err
	}
	row = tx.QueryRowContext(ctx, `
		UPDATE cases SET
			paralegal_id = $2, title = $3, status = $4,
			total_amount_cents = $5, locked_total_amount_cents = $6, currency = $7,
			escrow_intent_id = $8, escrow_status = $9,
			payment_released = payment_released OR $10,
			payout_transfer_id = $11,
			disputes = $12,
			dispute_settlement = COALESCE(dispute_settlement, $13),
			settlement_progress = $14, files = $15,
			archived = $16, archive_zip_key = $17, archive_ready_at = $18,
			purge_scheduled_for = $19, purged_at = $20,
			version = version + 1, updated_at = $21
		WHERE id = $1
		RETURNING `+caseColumns,
		c.ID, nullString(c.ParalegalID), c.Title, string(c.Status),
		c.TotalAmountCents, c.LockedTotalAmountCents, c.Currency,
		nullString(c.EscrowIntentID), string(c.EscrowStatus),
		c.PaymentReleased,
		nullString(c.PayoutTransferID),
		docs.disputes,
		docs.settlement,
		docs.progress, docs.files,
		c.Archived, nullString(c.ArchiveZipKey), nullTime(c.ArchiveReadyAt),
		nullTime(c.PurgeScheduledFor), nullTime(c.PurgedAt),
		c.UpdatedAt,
	)
	updated, err := scanCase(row)
	if isUniqueViolation(err) {
		return nil, fmt.Errorf("%w: escrow intent already linked to another case", ErrConflict)
	}
	return updated, err
}

// caseDocs holds the JSONB columns; optional documents are nil (SQL NULL)
// when absent.
type caseDocs struct {
	disputes   []byte
	settlement any
	progress   any
	files      []byte
}

func encodeDocs(c *Case) (caseDocs, error) {
	var d caseDocs
	var err error
	disputes := c.Disputes
	if disputes == nil {
		disputes = []Dispute{}
	}
	if d.disputes, err = json.Marshal(disputes); err != nil {
		return d, err
	}
	files := c.Files
	if files == nil {
		files = []StoredFile{}
	}
	if d.files, err = json.Marshal(files); err != nil {
		return d, err
	}
	if c.DisputeSettlement != nil {
		b, err := json.Marshal(c.DisputeSettlement)
		if err != nil {
			return d, err
		}
		d.settlement = string(b)
	}
	if c.SettlementProgress != nil {
		b, err := json.Marshal(c.SettlementProgress)
		if err != nil {
			return d, err
		}
		d.progress = string(b)
	}
	return d, nil
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanCase(s scanner) (*Case, error) {
	c := &Case{}
	var (
		paralegalID      sql.NullString
		status           string
		escrowIntentID   sql.NullString
		escrowStatus     string
		payoutTransferID sql.NullString
		disputes         []byte
		settlement       []byte
		progress         []byte
		files            []byte
		archiveZipKey    sql.NullString
		archiveReadyAt   sql.NullTime
		purgeAt          sql.NullTime
		purgedAt         sql.NullTime
	)
	err := s.Scan(
		&c.ID, &c.AttorneyID, &paralegalID, &c.Title, &status,
		&c.TotalAmountCents, &c.LockedTotalAmountCents, &c.Currency,
		&escrowIntentID, &escrowStatus, &c.PaymentReleased, &payoutTransferID,
		&disputes, &settlement, &progress, &files,
		&c.Archived, &archiveZipKey, &archiveReadyAt, &purgeAt, &purgedAt,
		&c.Version, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	c.ParalegalID = paralegalID.String
	c.Status = Status(status)
	c.EscrowIntentID = escrowIntentID.String
	c.EscrowStatus = EscrowStatus(escrowStatus)
	c.PayoutTransferID = payoutTransferID.String
	c.ArchiveZipKey = archiveZipKey.String
	c.ArchiveReadyAt = timePtr(archiveReadyAt)
	c.PurgeScheduledFor = timePtr(purgeAt)
	c.PurgedAt = timePtr(purgedAt)

	if len(disputes) > 0 {
		if err := json.Unmarshal(disputes, &c.Disputes); err != nil {
			return nil, fmt.Errorf("decode disputes: %w", err)
		}
	}
	if len(files) > 0 {
		if err := json.Unmarshal(files, &c.Files); err != nil {
			return nil, fmt.Errorf("decode files: %w", err)
		}
	}
	if len(settlement) > 0 {
		c.DisputeSettlement = &Settlement{}
		if err := json.Unmarshal(settlement, c.DisputeSettlement); err != nil {
			return nil, fmt.Errorf("decode settlement: %w", err)
		}
	}
	if len(progress) > 0 {
		c.SettlementProgress = &SettlementProgress{}
		if err := json.Unmarshal(progress, c.SettlementProgress); err != nil {
			return nil, fmt.Errorf("decode settlement progress: %w", err)
		}
	}
	return c, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

// Compile-time assertions that both stores implement Store.
var (
	_ Store = (*PostgresStore)(nil)
	_ Store = (*MemoryStore)(nil)
)
