package deposits

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/adagate/adagate/config"
	"github.com/adagate/adagate/logging"
)

// PostgresStore is the production Store. The payments table carries a
// unique (user_id, address_index) constraint, so index allocation races
// resolve at insert time, and ConfirmAndCredit guards the settlement
// transaction on the CONFIRMING status.
type PostgresStore struct {
	logger logging.Logger
	pool   *pgxpool.Pool
}

// NewPostgresStore connects to the payments database.
func NewPostgresStore(ctx context.Context, logger logging.Logger, cfg config.PostgresConfig) (*PostgresStore, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse payments DSN: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect to payments db: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping payments db: %w", err)
	}

	return &PostgresStore{
		logger: logging.ForComponent(logger, "payment_store"),
		pool:   pool,
	}, nil
}

// Close releases the database pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

const paymentColumns = `
	id, user_id, address, address_index, amount_lovelace, credits, status,
	tx_id, detection_height, confirmations, created_at, expires_at, status_message`

func scanPayment(row pgx.Row) (*Payment, error) {
	var p Payment
	err := row.Scan(
		&p.ID, &p.UserID, &p.Address, &p.AddressIndex, &p.AmountLovelace,
		&p.Credits, &p.Status, &p.TxID, &p.DetectionHeight, &p.Confirmations,
		&p.CreatedAt, &p.ExpiresAt, &p.StatusMessage,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *PostgresStore) CreatePayment(ctx context.Context, payment *Payment) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO payments (`+paymentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		payment.ID, payment.UserID, payment.Address, payment.AddressIndex,
		payment.AmountLovelace, payment.Credits, payment.Status,
		payment.TxID, payment.DetectionHeight, payment.Confirmations,
		payment.CreatedAt, payment.ExpiresAt, payment.StatusMessage,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("address index %d already used for user %s: %w",
				payment.AddressIndex, payment.UserID, err)
		}
		return fmt.Errorf("insert payment: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetPayment(ctx context.Context, id string) (*Payment, error) {
	p, err := scanPayment(s.pool.QueryRow(ctx, `
		SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPaymentNotFound
		}
		return nil, fmt.Errorf("get payment: %w", err)
	}
	return p, nil
}

func (s *PostgresStore) ListOpen(ctx context.Context, limit int) ([]*Payment, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+paymentColumns+`
		FROM payments
		WHERE status IN ('PENDING', 'CONFIRMING')
		ORDER BY created_at
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list open payments: %w", err)
	}
	defer rows.Close()

	var payments []*Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan payment: %w", err)
		}
		payments = append(payments, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read payments: %w", err)
	}
	return payments, nil
}

// guardedUpdate runs an update that must match exactly one row in the
// expected state, translating zero matched rows into a transition error.
func (s *PostgresStore) guardedUpdate(ctx context.Context, query string, args ...any) error {
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrInvalidTransition
	}
	return nil
}

func (s *PostgresStore) MarkExpired(ctx context.Context, id, message string) error {
	err := s.guardedUpdate(ctx, `
		UPDATE payments
		SET status = 'EXPIRED', status_message = $2
		WHERE id = $1 AND status = 'PENDING'`, id, message)
	if err != nil {
		return fmt.Errorf("expire payment %s: %w", id, err)
	}
	return nil
}

func (s *PostgresStore) MarkConfirming(ctx context.Context, id, txID string, detectionHeight int64, message string) error {
	err := s.guardedUpdate(ctx, `
		UPDATE payments
		SET status = 'CONFIRMING', tx_id = $2, detection_height = $3, status_message = $4
		WHERE id = $1 AND status = 'PENDING'`, id, txID, detectionHeight, message)
	if err != nil {
		return fmt.Errorf("mark payment %s confirming: %w", id, err)
	}
	return nil
}

func (s *PostgresStore) UpdateConfirmations(ctx context.Context, id string, confirmations int64) error {
	err := s.guardedUpdate(ctx, `
		UPDATE payments
		SET confirmations = $2
		WHERE id = $1 AND status = 'CONFIRMING'`, id, confirmations)
	if err != nil {
		return fmt.Errorf("update confirmations for %s: %w", id, err)
	}
	return nil
}

// ConfirmAndCredit settles one payment. The status flip and the balance
// increment are one transaction, and the WHERE clause only matches a
// CONFIRMING row: a concurrent settler (or a second reader running the same
// pass) matches zero rows, gets ErrAlreadySettled, and credits nothing.
func (s *PostgresStore) ConfirmAndCredit(ctx context.Context, id string, confirmations int64, message string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin settlement: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var userID string
	var credits int64
	err = tx.QueryRow(ctx, `
		UPDATE payments
		SET status = 'CONFIRMED', confirmations = $2, status_message = $3
		WHERE id = $1 AND status = 'CONFIRMING'
		RETURNING user_id, credits`,
		id, confirmations, message,
	).Scan(&userID, &credits)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrAlreadySettled
		}
		return fmt.Errorf("confirm payment %s: %w", id, err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO balances (user_id, credits)
		VALUES ($1, $2)
		ON CONFLICT (user_id) DO UPDATE SET credits = balances.credits + EXCLUDED.credits`,
		userID, credits,
	)
	if err != nil {
		return fmt.Errorf("credit user %s: %w", userID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit settlement: %w", err)
	}

	s.logger.Info().
		Str(logging.FieldPaymentID, id).
		Str(logging.FieldUserID, userID).
		Int64("credits", credits).
		Msg("payment settled")
	return nil
}

func (s *PostgresStore) NextAddressIndex(ctx context.Context, userID string) (int64, error) {
	var next int64
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(MAX(address_index) + 1, 0)
		FROM payments
		WHERE user_id = $1`, userID,
	).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("next address index for %s: %w", userID, err)
	}
	return next, nil
}

func (s *PostgresStore) CreditBalance(ctx context.Context, userID string) (int64, error) {
	var credits int64
	err := s.pool.QueryRow(ctx, `
		SELECT credits FROM balances WHERE user_id = $1`, userID,
	).Scan(&credits)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("credit balance for %s: %w", userID, err)
	}
	return credits, nil
}
