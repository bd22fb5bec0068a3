package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"greenledger/engine/internal/domain"
	"greenledger/engine/internal/store"
)

type Store struct {
	db *sql.DB
}

var _ store.Repository = (*Store)(nil)

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) GetSequenceConfig(ctx context.Context, seqType string) (*domain.SequenceConfig, error) {
	var cfg domain.SequenceConfig
	err := s.db.QueryRowContext(ctx, `
		SELECT type, COALESCE(prefix,''), padding, current_value, format
		FROM sequence_configs
		WHERE type = $1
	`, seqType).Scan(&cfg.Type, &cfg.Prefix, &cfg.Padding, &cfg.CurrentValue, &cfg.Format)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &cfg, nil
}

// NextSequence increments and returns in one statement; the row lock taken by
// UPDATE is what serializes concurrent allocations.
func (s *Store) NextSequence(ctx context.Context, seqType string, requestor string) (int64, error) {
	var value int64
	err := s.db.QueryRowContext(ctx, `
		UPDATE sequence_configs
		SET current_value = current_value + 1, last_requestor = $2, updated_at = now()
		WHERE type = $1
		RETURNING current_value
	`, seqType, nullIfEmpty(requestor)).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, store.ErrNotFound
		}
		return 0, err
	}
	return value, nil
}

func (s *Store) CreateSale(ctx context.Context, header domain.TransactionHeader, payment domain.Payment) (*domain.TransactionHeader, error) {
	if header.Number == "" || len(header.Lines) == 0 {
		return nil, store.ErrInvalidInput
	}

	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	if err := insertTransaction(ctx, pgTx, header); err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("transaction %s already exists: %w", header.Number, store.ErrInvalidInput)
		}
		return nil, err
	}
	if err := insertPayment(ctx, pgTx, payment); err != nil {
		return nil, err
	}

	if err := pgTx.Commit(); err != nil {
		return nil, err
	}

	created := header
	return &created, nil
}

func (s *Store) FindTransactionByNumber(ctx context.Context, number string) (*domain.TransactionHeader, error) {
	header, err := scanTransaction(s.db.QueryRowContext(ctx, `
		SELECT number, type, status, subtotal_cents, tax_cents, total_cents, discount_cents,
			original_number, reason, processed_by, created_at, updated_at
		FROM transactions
		WHERE number = $1
	`, number))
	if err != nil {
		return nil, err
	}

	lines, err := s.loadLines(ctx, header.Number)
	if err != nil {
		return nil, err
	}
	header.Lines = lines
	return header, nil
}

func (s *Store) ListTransactionsByDateRange(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.TransactionHeader, error) {
	if limit < 1 {
		limit = 200
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT number, type, status, subtotal_cents, tax_cents, total_cents, discount_cents,
			original_number, reason, processed_by, created_at, updated_at
		FROM transactions
		WHERE created_at >= $1 AND created_at <= $2
		ORDER BY created_at DESC
		LIMIT $3
	`, from, to, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	headers := make([]domain.TransactionHeader, 0, limit)
	for rows.Next() {
		header, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		headers = append(headers, *header)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return headers, nil
}

func (s *Store) VoidTransaction(ctx context.Context, number string, reason string, actor string, at time.Time) (*domain.TransactionHeader, error) {
	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	var status string
	err = pgTx.QueryRowContext(ctx, `
		SELECT status
		FROM transactions
		WHERE number = $1
		FOR UPDATE
	`, number).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if status != domain.TxStatusPending && status != domain.TxStatusCompleted {
		return nil, fmt.Errorf("transaction %s is %s: %w", number, status, store.ErrNotPermitted)
	}

	_, err = pgTx.ExecContext(ctx, `
		UPDATE transactions
		SET status = $2, reason = $3, processed_by = $4, updated_at = $5
		WHERE number = $1
	`, number, domain.TxStatusCancelled, reason, actor, at)
	if err != nil {
		return nil, err
	}

	if err := pgTx.Commit(); err != nil {
		return nil, err
	}

	return s.FindTransactionByNumber(ctx, number)
}

func (s *Store) CreateRefund(ctx context.Context, refund domain.TransactionHeader, payment domain.Payment) (*domain.TransactionHeader, error) {
	if refund.Number == "" || refund.OriginalNumber == "" {
		return nil, store.ErrInvalidInput
	}

	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	var originalStatus string
	err = pgTx.QueryRowContext(ctx, `
		SELECT status
		FROM transactions
		WHERE number = $1
		FOR UPDATE
	`, refund.OriginalNumber).Scan(&originalStatus)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if originalStatus == domain.TxStatusCancelled {
		return nil, fmt.Errorf("original transaction %s is cancelled: %w", refund.OriginalNumber, store.ErrNotPermitted)
	}

	if err := insertTransaction(ctx, pgTx, refund); err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("transaction %s already exists: %w", refund.Number, store.ErrInvalidInput)
		}
		return nil, err
	}
	if err := insertPayment(ctx, pgTx, payment); err != nil {
		return nil, err
	}

	_, err = pgTx.ExecContext(ctx, `
		UPDATE transactions
		SET status = $2, updated_at = $3
		WHERE number = $1
	`, refund.OriginalNumber, domain.TxStatusRefunded, refund.CreatedAt)
	if err != nil {
		return nil, err
	}

	if err := pgTx.Commit(); err != nil {
		return nil, err
	}

	created := refund
	return &created, nil
}

func (s *Store) ListRefundsByOriginal(ctx context.Context, originalNumber string) ([]domain.TransactionHeader, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT number, type, status, subtotal_cents, tax_cents, total_cents, discount_cents,
			original_number, reason, processed_by, created_at, updated_at
		FROM transactions
		WHERE type = $1 AND original_number = $2
		ORDER BY created_at DESC
	`, domain.TxTypeRefund, originalNumber)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	refunds := make([]domain.TransactionHeader, 0, 4)
	for rows.Next() {
		header, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		refunds = append(refunds, *header)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return refunds, nil
}

func (s *Store) CashMovementForShift(ctx context.Context, cashierID int64, from time.Time, to time.Time) (int64, int64, error) {
	var sales, paidOut int64
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN t.type <> $4 THEN p.amount_cents ELSE 0 END),0)::bigint,
			COALESCE(SUM(CASE WHEN t.type = $4 THEN p.amount_cents ELSE 0 END),0)::bigint
		FROM payments p
		JOIN transactions t ON t.number = p.transaction_number
		WHERE p.method = 'cash'
			AND p.cashier_id = $1
			AND p.created_at >= $2
			AND p.created_at <= $3
	`, cashierID, from, to, domain.TxTypeRefund).Scan(&sales, &paidOut)
	if err != nil {
		return 0, 0, err
	}
	return sales, paidOut, nil
}

func (s *Store) PaymentTotalsByMethod(ctx context.Context, from time.Time, to time.Time, cashierID int64) ([]domain.PaymentMethodTotal, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT method, COUNT(*)::bigint, COALESCE(SUM(amount_cents),0)::bigint
		FROM payments
		WHERE created_at >= $1
			AND created_at <= $2
			AND ($3 = 0 OR cashier_id = $3)
		GROUP BY method
		ORDER BY method
	`, from, to, cashierID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	totals := make([]domain.PaymentMethodTotal, 0, 4)
	for rows.Next() {
		var total domain.PaymentMethodTotal
		if err := rows.Scan(&total.Method, &total.Payments, &total.AmountCents); err != nil {
			return nil, err
		}
		totals = append(totals, total)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return totals, nil
}

func (s *Store) CreateDrawerSession(ctx context.Context, session domain.CashDrawerSession) (*domain.CashDrawerSession, error) {
	if session.ID == "" || session.CashierID < 1 {
		return nil, store.ErrInvalidInput
	}

	opening, err := marshalDenominations(session.OpeningDenominations)
	if err != nil {
		return nil, err
	}

	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	var openCount int
	err = pgTx.QueryRowContext(ctx, `
		SELECT COUNT(*)::int
		FROM drawer_sessions
		WHERE cashier_id = $1 AND status = $2
	`, session.CashierID, domain.SessionStatusOpen).Scan(&openCount)
	if err != nil {
		return nil, err
	}
	if openCount > 0 {
		return nil, fmt.Errorf("cashier %d already has an open drawer session: %w", session.CashierID, store.ErrNotPermitted)
	}

	_, err = pgTx.ExecContext(ctx, `
		INSERT INTO drawer_sessions (
			id, cashier_id, status, opening_float_cents, opening_denominations,
			cash_sales_cents, cash_paid_out_cents, actual_cash_cents, closing_denominations,
			variance_cents, variance_tier, variance_reason, approved_by_manager_id,
			opened_at, closed_at
		)
		VALUES ($1,$2,$3,$4,$5,0,0,0,NULL,0,NULL,NULL,0,$6,NULL)
	`, session.ID, session.CashierID, session.Status, session.OpeningFloatCents, opening, session.OpenedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("drawer session %s already exists: %w", session.ID, store.ErrInvalidInput)
		}
		return nil, err
	}

	if err := pgTx.Commit(); err != nil {
		return nil, err
	}

	created := session
	return &created, nil
}

func (s *Store) GetDrawerSession(ctx context.Context, id string) (*domain.CashDrawerSession, error) {
	return scanDrawerSession(s.db.QueryRowContext(ctx, `
		SELECT id, cashier_id, status, opening_float_cents, opening_denominations,
			cash_sales_cents, cash_paid_out_cents, actual_cash_cents, closing_denominations,
			variance_cents, variance_tier, variance_reason, approved_by_manager_id,
			opened_at, closed_at
		FROM drawer_sessions
		WHERE id = $1
	`, id))
}

func (s *Store) CloseDrawerSession(ctx context.Context, session domain.CashDrawerSession) (*domain.CashDrawerSession, error) {
	closing, err := marshalDenominations(session.ClosingDenominations)
	if err != nil {
		return nil, err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE drawer_sessions
		SET status = $2, cash_sales_cents = $3, cash_paid_out_cents = $4,
			actual_cash_cents = $5, closing_denominations = $6, variance_cents = $7,
			variance_tier = $8, variance_reason = $9, approved_by_manager_id = $10,
			closed_at = $11
		WHERE id = $1 AND status = $12
	`, session.ID, session.Status, session.CashSalesCents, session.CashPaidOutCents,
		session.ActualCashCents, closing, session.VarianceCents,
		nullIfEmpty(session.VarianceTier), nullIfEmpty(session.VarianceReason),
		session.ApprovedByManagerID, nullTime(session.ClosedAt), domain.SessionStatusOpen)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		existing, lookupErr := s.GetDrawerSession(ctx, session.ID)
		if lookupErr != nil {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("drawer session %s is %s: %w", session.ID, existing.Status, store.ErrNotPermitted)
	}

	return s.GetDrawerSession(ctx, session.ID)
}

func (s *Store) ListDrawerSessions(ctx context.Context, cashierID int64, from time.Time, to time.Time) ([]domain.CashDrawerSession, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, cashier_id, status, opening_float_cents, opening_denominations,
			cash_sales_cents, cash_paid_out_cents, actual_cash_cents, closing_denominations,
			variance_cents, variance_tier, variance_reason, approved_by_manager_id,
			opened_at, closed_at
		FROM drawer_sessions
		WHERE cashier_id = $1
			AND opened_at >= $2
			AND opened_at <= $3
		ORDER BY opened_at ASC
	`, cashierID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sessions := make([]domain.CashDrawerSession, 0, 16)
	for rows.Next() {
		session, err := scanDrawerSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *session)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return sessions, nil
}

func (s *Store) CreateAuditEntry(ctx context.Context, entry domain.AuditEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (
			id, actor_name, actor_role, action, entity_type, entity_id, detail, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, entry.ID, entry.ActorName, entry.ActorRole, entry.Action, entry.EntityType, entry.EntityID, entry.Detail, entry.CreatedAt)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func insertTransaction(ctx context.Context, pgTx *sql.Tx, header domain.TransactionHeader) error {
	_, err := pgTx.ExecContext(ctx, `
		INSERT INTO transactions (
			number, type, status, subtotal_cents, tax_cents, total_cents, discount_cents,
			original_number, reason, processed_by, created_at, updated_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`, header.Number, header.Type, header.Status, header.SubtotalCents, header.TaxCents,
		header.TotalCents, header.DiscountCents, nullIfEmpty(header.OriginalNumber),
		nullIfEmpty(header.Reason), header.ProcessedBy, header.CreatedAt, header.UpdatedAt)
	if err != nil {
		return err
	}

	for _, line := range header.Lines {
		_, err := pgTx.ExecContext(ctx, `
			INSERT INTO transaction_lines (
				transaction_number, sku, description, qty, unit_price_cents,
				discount_cents, subtotal_cents, tax_cents, total_cents
			)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		`, header.Number, line.SKU, line.Description, line.Qty, line.UnitPriceCents,
			line.DiscountCents, line.SubtotalCents, line.TaxCents, line.TotalCents)
		if err != nil {
			return err
		}
	}
	return nil
}

func insertPayment(ctx context.Context, pgTx *sql.Tx, payment domain.Payment) error {
	_, err := pgTx.ExecContext(ctx, `
		INSERT INTO payments (
			id, method, amount_cents, transaction_number, cashier_id, processed_by, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, payment.ID, payment.Method, payment.AmountCents, payment.TransactionNumber,
		payment.CashierID, payment.ProcessedBy, payment.CreatedAt)
	return err
}

func scanTransaction(row rowScanner) (*domain.TransactionHeader, error) {
	var header domain.TransactionHeader
	var originalNumber sql.NullString
	var reason sql.NullString

	err := row.Scan(
		&header.Number,
		&header.Type,
		&header.Status,
		&header.SubtotalCents,
		&header.TaxCents,
		&header.TotalCents,
		&header.DiscountCents,
		&originalNumber,
		&reason,
		&header.ProcessedBy,
		&header.CreatedAt,
		&header.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if originalNumber.Valid {
		header.OriginalNumber = originalNumber.String
	}
	if reason.Valid {
		header.Reason = reason.String
	}
	header.CreatedAt = header.CreatedAt.UTC()
	header.UpdatedAt = header.UpdatedAt.UTC()
	return &header, nil
}

func (s *Store) loadLines(ctx context.Context, number string) ([]domain.TransactionLine, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sku, description, qty, unit_price_cents, discount_cents,
			subtotal_cents, tax_cents, total_cents
		FROM transaction_lines
		WHERE transaction_number = $1
		ORDER BY id ASC
	`, number)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	lines := make([]domain.TransactionLine, 0, 8)
	for rows.Next() {
		var line domain.TransactionLine
		if err := rows.Scan(&line.SKU, &line.Description, &line.Qty, &line.UnitPriceCents,
			&line.DiscountCents, &line.SubtotalCents, &line.TaxCents, &line.TotalCents); err != nil {
			return nil, err
		}
		lines = append(lines, line)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return lines, nil
}

func scanDrawerSession(row rowScanner) (*domain.CashDrawerSession, error) {
	var session domain.CashDrawerSession
	var opening, closing []byte
	var tier, reason sql.NullString
	var closedAt sql.NullTime

	err := row.Scan(
		&session.ID,
		&session.CashierID,
		&session.Status,
		&session.OpeningFloatCents,
		&opening,
		&session.CashSalesCents,
		&session.CashPaidOutCents,
		&session.ActualCashCents,
		&closing,
		&session.VarianceCents,
		&tier,
		&reason,
		&session.ApprovedByManagerID,
		&session.OpenedAt,
		&closedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}

	if session.OpeningDenominations, err = unmarshalDenominations(opening); err != nil {
		return nil, err
	}
	if session.ClosingDenominations, err = unmarshalDenominations(closing); err != nil {
		return nil, err
	}
	if tier.Valid {
		session.VarianceTier = tier.String
	}
	if reason.Valid {
		session.VarianceReason = reason.String
	}
	if closedAt.Valid {
		at := closedAt.Time.UTC()
		session.ClosedAt = &at
	}
	session.OpenedAt = session.OpenedAt.UTC()
	return &session, nil
}

func marshalDenominations(counts []domain.DenominationCount) (any, error) {
	if len(counts) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(counts)
	if err != nil {
		return nil, err
	}
	return data, nil
}

func unmarshalDenominations(data []byte) ([]domain.DenominationCount, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var counts []domain.DenominationCount
	if err := json.Unmarshal(data, &counts); err != nil {
		return nil, err
	}
	return counts, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}

func nullTime(val *time.Time) any {
	if val == nil {
		return nil
	}
	return *val
}
