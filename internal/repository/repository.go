package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/meridianfi/lending-backend/internal/lending"
)

// Store is the Postgres record store. Each instruction runs inside one pgx
// transaction with the touched rows locked, which is what makes the
// instruction all-or-nothing: any error rolls every mutation back, including
// the balance-ledger transfers.
type Store struct {
	pool   *pgxpool.Pool
	logger *zap.SugaredLogger
}

func New(ctx context.Context, dsn string, logger *zap.SugaredLogger) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Store{pool: pool, logger: logger}, nil
}

func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) WithTx(ctx context.Context, fn func(tx lending.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&sqlTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// EnsureBank inserts the bank record if it does not exist yet; risk
// parameters of an existing bank are refreshed from the registry.
func (s *Store) EnsureBank(ctx context.Context, bank lending.Bank) error {
	query := `
		INSERT INTO banks (asset, decimals, max_ltv, liquidation_threshold, liquidation_bonus, liquidation_close_factor,
			total_deposits, total_deposit_shares, total_borrows, total_borrow_shares, last_updated)
		VALUES ($1, $2, $3, $4, $5, $6, 0, 0, 0, 0, NOW())
		ON CONFLICT (asset) DO UPDATE SET
			decimals = EXCLUDED.decimals,
			max_ltv = EXCLUDED.max_ltv,
			liquidation_threshold = EXCLUDED.liquidation_threshold,
			liquidation_bonus = EXCLUDED.liquidation_bonus,
			liquidation_close_factor = EXCLUDED.liquidation_close_factor
	`
	_, err := s.pool.Exec(ctx, query,
		bank.Asset,
		int16(bank.Decimals),
		int64(bank.MaxLTV),
		int64(bank.LiquidationThreshold),
		int64(bank.LiquidationBonus),
		int64(bank.LiquidationCloseFactor),
	)
	if err != nil {
		return fmt.Errorf("failed to ensure bank %s: %w", bank.Asset, err)
	}
	return nil
}

// Credit adds funds to an account outside any instruction, e.g. faucet
// seeding in dev mode.
func (s *Store) Credit(ctx context.Context, account lending.Account, asset lending.AssetID, amount uint64) error {
	query := `
		INSERT INTO balances (account, asset, amount)
		VALUES ($1, $2, $3)
		ON CONFLICT (account, asset) DO UPDATE SET amount = balances.amount + EXCLUDED.amount
	`
	if _, err := s.pool.Exec(ctx, query, account, asset, int64(amount)); err != nil {
		return fmt.Errorf("failed to credit %s: %w", account, err)
	}
	return nil
}

// sqlTx adapts one pgx transaction to lending.Tx.
type sqlTx struct {
	tx pgx.Tx
}

func (t *sqlTx) Bank(ctx context.Context, asset lending.AssetID) (*lending.Bank, error) {
	query := `
		SELECT asset, decimals, max_ltv, liquidation_threshold, liquidation_bonus, liquidation_close_factor,
			total_deposits, total_deposit_shares, total_borrows, total_borrow_shares, last_updated
		FROM banks
		WHERE asset = $1
		FOR UPDATE
	`
	var bank lending.Bank
	var decimals int16
	var maxLTV, threshold, bonus, closeFactor int64
	var deposits, depositShares, borrows, borrowShares int64

	err := t.tx.QueryRow(ctx, query, asset).Scan(
		&bank.Asset,
		&decimals,
		&maxLTV,
		&threshold,
		&bonus,
		&closeFactor,
		&deposits,
		&depositShares,
		&borrows,
		&borrowShares,
		&bank.LastUpdated,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", lending.ErrUnsupportedAsset, asset)
		}
		return nil, fmt.Errorf("failed to load bank %s: %w", asset, err)
	}

	bank.Decimals = uint8(decimals)
	bank.MaxLTV = uint64(maxLTV)
	bank.LiquidationThreshold = uint64(threshold)
	bank.LiquidationBonus = uint64(bonus)
	bank.LiquidationCloseFactor = uint64(closeFactor)
	bank.TotalDeposits = uint64(deposits)
	bank.TotalDepositShares = uint64(depositShares)
	bank.TotalBorrows = uint64(borrows)
	bank.TotalBorrowShares = uint64(borrowShares)
	return &bank, nil
}

func (t *sqlTx) PutBank(ctx context.Context, bank *lending.Bank) error {
	query := `
		UPDATE banks SET
			total_deposits = $2,
			total_deposit_shares = $3,
			total_borrows = $4,
			total_borrow_shares = $5,
			last_updated = $6
		WHERE asset = $1
	`
	tag, err := t.tx.Exec(ctx, query,
		bank.Asset,
		int64(bank.TotalDeposits),
		int64(bank.TotalDepositShares),
		int64(bank.TotalBorrows),
		int64(bank.TotalBorrowShares),
		bank.LastUpdated,
	)
	if err != nil {
		return fmt.Errorf("failed to store bank %s: %w", bank.Asset, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", lending.ErrUnsupportedAsset, bank.Asset)
	}
	return nil
}

// Position loads the user's entries under lock; a user without rows gets a
// fresh empty position, created on first PutPosition.
func (t *sqlTx) Position(ctx context.Context, user lending.UserID) (*lending.UserPosition, error) {
	pos := lending.NewUserPosition(user)

	metaQuery := `SELECT last_updated FROM user_positions WHERE user_id = $1 FOR UPDATE`
	err := t.tx.QueryRow(ctx, metaQuery, user).Scan(&pos.LastUpdated)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return pos, nil
		}
		return pos, fmt.Errorf("failed to load position for %s: %w", user, err)
	}

	query := `
		SELECT asset, side, amount, shares
		FROM position_entries
		WHERE user_id = $1
		FOR UPDATE
	`
	rows, err := t.tx.Query(ctx, query, user)
	if err != nil {
		return pos, fmt.Errorf("failed to load position entries for %s: %w", user, err)
	}
	defer rows.Close()

	for rows.Next() {
		var asset lending.AssetID
		var side string
		var amount, shares int64
		if err := rows.Scan(&asset, &side, &amount, &shares); err != nil {
			return pos, fmt.Errorf("failed to scan position entry: %w", err)
		}
		ap := lending.AssetPosition{Amount: uint64(amount), Shares: uint64(shares)}
		switch side {
		case "deposit":
			pos.SetDeposit(asset, ap)
		case "borrow":
			pos.SetBorrow(asset, ap)
		default:
			return pos, fmt.Errorf("unknown position side %q for %s", side, user)
		}
	}
	if err := rows.Err(); err != nil {
		return pos, fmt.Errorf("row iteration error: %w", err)
	}
	return pos, nil
}

func (t *sqlTx) PutPosition(ctx context.Context, pos *lending.UserPosition) error {
	metaQuery := `
		INSERT INTO user_positions (user_id, last_updated)
		VALUES ($1, $2)
		ON CONFLICT (user_id) DO UPDATE SET last_updated = EXCLUDED.last_updated
	`
	if _, err := t.tx.Exec(ctx, metaQuery, pos.User, pos.LastUpdated); err != nil {
		return fmt.Errorf("failed to store position for %s: %w", pos.User, err)
	}

	// rewrite the entry set wholesale; the row count per user is tiny
	if _, err := t.tx.Exec(ctx, `DELETE FROM position_entries WHERE user_id = $1`, pos.User); err != nil {
		return fmt.Errorf("failed to clear position entries for %s: %w", pos.User, err)
	}

	entryQuery := `
		INSERT INTO position_entries (user_id, asset, side, amount, shares)
		VALUES ($1, $2, $3, $4, $5)
	`
	for asset, ap := range pos.Deposits {
		if ap.Amount == 0 && ap.Shares == 0 {
			continue
		}
		if _, err := t.tx.Exec(ctx, entryQuery, pos.User, asset, "deposit", int64(ap.Amount), int64(ap.Shares)); err != nil {
			return fmt.Errorf("failed to store deposit entry %s/%s: %w", pos.User, asset, err)
		}
	}
	for asset, ap := range pos.Borrows {
		if ap.Amount == 0 && ap.Shares == 0 {
			continue
		}
		if _, err := t.tx.Exec(ctx, entryQuery, pos.User, asset, "borrow", int64(ap.Amount), int64(ap.Shares)); err != nil {
			return fmt.Errorf("failed to store borrow entry %s/%s: %w", pos.User, asset, err)
		}
	}
	return nil
}

// Transfer moves funds on the balance ledger inside the same transaction as
// the accounting records. The debit requires sufficient funds atomically.
func (t *sqlTx) Transfer(ctx context.Context, from, to lending.Account, authority lending.Authority, asset lending.AssetID, amount uint64, decimals uint8) error {
	if amount == 0 {
		return nil
	}

	var bankDecimals int16
	err := t.tx.QueryRow(ctx, `SELECT decimals FROM banks WHERE asset = $1`, asset).Scan(&bankDecimals)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: %s", lending.ErrUnsupportedAsset, asset)
		}
		return fmt.Errorf("failed to resolve decimals for %s: %w", asset, err)
	}
	if uint8(bankDecimals) != decimals {
		return fmt.Errorf("decimals mismatch for %s: got %d, mint has %d", asset, decimals, bankDecimals)
	}

	debit := `
		UPDATE balances SET amount = amount - $3
		WHERE account = $1 AND asset = $2 AND amount >= $3
	`
	tag, err := t.tx.Exec(ctx, debit, from, asset, int64(amount))
	if err != nil {
		return fmt.Errorf("failed to debit %s: %w", from, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s has less than %d %s", lending.ErrInsufficientFunds, from, amount, asset)
	}

	credit := `
		INSERT INTO balances (account, asset, amount)
		VALUES ($1, $2, $3)
		ON CONFLICT (account, asset) DO UPDATE SET amount = balances.amount + EXCLUDED.amount
	`
	if _, err := t.tx.Exec(ctx, credit, to, asset, int64(amount)); err != nil {
		return fmt.Errorf("failed to credit %s: %w", to, err)
	}
	return nil
}
