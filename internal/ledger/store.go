// Package ledger persists revenue transactions and runs the settlement
// workflows around them: the transition state machine, the aging sweep,
// and buyer reconciliation. Entries are append-only; transitions update
// status columns, rows are never deleted.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/sunbeam/leadflow/internal/domain"
	"github.com/sunbeam/leadflow/internal/pkg/logger"
)

// Store is the Postgres-backed revenue ledger.
type Store struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewStore builds a ledger store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, log: logger.Component("ledger")}
}

const txColumns = `id, lead_id, platform_code, gross_amount, commission_rate,
	commission_amount, net_amount, external_transaction_id,
	transaction_status, payment_status, payment_due_date, created_at, updated_at`

// CreatePending inserts the ledger entry for a fresh delivery. Rejects
// entries that violate gross = commission + net.
func (s *Store) CreatePending(ctx context.Context, tx *domain.RevenueTransaction) error {
	if !tx.Conserved() {
		return domain.Errorf(domain.CodeLedgerInvariant, "ledger.create",
			"gross %.2f != commission %.2f + net %.2f", tx.GrossAmount, tx.Commission, tx.NetAmount)
	}
	if tx.ID == "" {
		tx.ID = uuid.NewString()
	}
	if tx.Status == "" {
		tx.Status = domain.TxPending
	}
	if tx.PaymentStatus == "" {
		tx.PaymentStatus = domain.PayPending
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revenue_transactions (
			id, lead_id, platform_code, gross_amount, commission_rate,
			commission_amount, net_amount, external_transaction_id,
			transaction_status, payment_status, payment_due_date, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		tx.ID, tx.LeadID, tx.PlatformCode, tx.GrossAmount, tx.CommissionRate,
		tx.Commission, tx.NetAmount, tx.ExternalID,
		tx.Status, tx.PaymentStatus, tx.PaymentDue, tx.CreatedAt, tx.UpdatedAt,
	)
	if err != nil {
		return domain.E(domain.CodeDependency, "ledger.create", err)
	}
	s.log.Info().
		Str("transaction_id", tx.ID).
		Str("lead_id", tx.LeadID).
		Str("platform", tx.PlatformCode).
		Float64("gross", tx.GrossAmount).
		Float64("net", tx.NetAmount).
		Msg("pending transaction created")
	return nil
}

// Apply runs one state-machine event against the lead's transaction for a
// platform. The row lock serializes concurrent events on the same entry;
// illegal transitions surface ErrInvalidLedgerTransition and change nothing.
func (s *Store) Apply(ctx context.Context, leadID, platformCode string, event domain.LedgerEvent, at time.Time) (*domain.RevenueTransaction, error) {
	dbTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, domain.E(domain.CodeDependency, "ledger.apply", err)
	}
	defer dbTx.Rollback()

	row := dbTx.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT %s FROM revenue_transactions
		WHERE lead_id = $1 AND platform_code = $2
		ORDER BY created_at DESC
		LIMIT 1
		FOR UPDATE`, txColumns), leadID, platformCode)
	entry, err := scanTransaction(row)
	if err == sql.ErrNoRows {
		return nil, domain.Errorf(domain.CodeLedgerInvariant, "ledger.apply",
			"no transaction for lead %s on %s", leadID, platformCode)
	}
	if err != nil {
		return nil, domain.E(domain.CodeDependency, "ledger.apply", err)
	}

	nextStatus, nextPay, err := domain.ApplyLedgerEvent(entry.Status, entry.PaymentStatus, event)
	if err != nil {
		return nil, domain.E(domain.CodeLedgerInvariant, "ledger.apply",
			fmt.Errorf("%w: %s on (%s,%s)", err, event, entry.Status, entry.PaymentStatus))
	}

	_, err = dbTx.ExecContext(ctx, `
		UPDATE revenue_transactions
		SET transaction_status = $2, payment_status = $3, updated_at = $4
		WHERE id = $1`, entry.ID, nextStatus, nextPay, at)
	if err != nil {
		return nil, domain.E(domain.CodeDependency, "ledger.apply", err)
	}
	if err := dbTx.Commit(); err != nil {
		return nil, domain.E(domain.CodeDependency, "ledger.apply", err)
	}

	s.log.Info().
		Str("transaction_id", entry.ID).
		Str("lead_id", leadID).
		Str("event", string(event)).
		Str("from", string(entry.Status)+"/"+string(entry.PaymentStatus)).
		Str("to", string(nextStatus)+"/"+string(nextPay)).
		Msg("ledger transition")

	entry.Status = nextStatus
	entry.PaymentStatus = nextPay
	entry.UpdatedAt = at
	return entry, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTransaction(row rowScanner) (*domain.RevenueTransaction, error) {
	var (
		tx         domain.RevenueTransaction
		externalID sql.NullString
	)
	err := row.Scan(
		&tx.ID, &tx.LeadID, &tx.PlatformCode, &tx.GrossAmount, &tx.CommissionRate,
		&tx.Commission, &tx.NetAmount, &externalID,
		&tx.Status, &tx.PaymentStatus, &tx.PaymentDue, &tx.CreatedAt, &tx.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if externalID.Valid {
		tx.ExternalID = &externalID.String
	}
	return &tx, nil
}

// Get loads one transaction by id.
func (s *Store) Get(ctx context.Context, id string) (*domain.RevenueTransaction, error) {
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT %s FROM revenue_transactions WHERE id = $1`, txColumns), id)
	tx, err := scanTransaction(row)
	if err == sql.ErrNoRows {
		return nil, domain.Errorf(domain.CodeInvalidInput, "ledger.get", "transaction %s not found", id)
	}
	if err != nil {
		return nil, domain.E(domain.CodeDependency, "ledger.get", err)
	}
	return tx, nil
}

// WindowTotal sums billable net revenue for a platform over [start, end).
// Rejected and refunded entries do not bill, so they are excluded.
func (s *Store) WindowTotal(ctx context.Context, platformCode string, start, end time.Time) (float64, int, error) {
	var (
		total float64
		count int
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(net_amount), 0), COUNT(*)
		FROM revenue_transactions
		WHERE platform_code = $1
		  AND created_at >= $2 AND created_at < $3
		  AND transaction_status NOT IN ('cancelled', 'refunded')`,
		platformCode, start, end).Scan(&total, &count)
	if err != nil {
		return 0, 0, domain.E(domain.CodeDependency, "ledger.window", err)
	}
	return domain.RoundCents(total), count, nil
}

// SweepOverdue moves every confirmed entry whose due date has passed to
// overdue. Returns how many rows moved.
func (s *Store) SweepOverdue(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE revenue_transactions
		SET payment_status = 'overdue', updated_at = $1
		WHERE transaction_status = 'confirmed'
		  AND payment_status = 'pending'
		  AND payment_due_date < $1`, now)
	if err != nil {
		return 0, domain.E(domain.CodeDependency, "ledger.sweep", err)
	}
	moved, _ := res.RowsAffected()
	if moved > 0 {
		s.log.Warn().Int64("moved", moved).Msg("transactions aged to overdue")
	}
	return moved, nil
}
