package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/agoramarket/auction-engine/internal/store"
)

// LedgerRepo implements store.LedgerRepository with sqlx.
type LedgerRepo struct {
	db *sqlx.DB
}

// NewLedgerRepo returns a new LedgerRepo.
func NewLedgerRepo(db *sqlx.DB) *LedgerRepo {
	return &LedgerRepo{db: db}
}

// Apply persists balance updates and appends transactions inside one database
// transaction. The transaction log and balance column can never diverge: if
// any statement fails, the whole unit rolls back.
func (s *LedgerRepo) Apply(ctx context.Context, accounts []*store.Account, txs []*store.LedgerTransaction) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	for _, a := range accounts {
		a.UpdatedAt = now
		result, execErr := tx.ExecContext(ctx,
			`UPDATE accounts SET balance = $1, updated_at = $2 WHERE id = $3`,
			a.Balance, a.UpdatedAt, a.ID,
		)
		if execErr != nil {
			return fmt.Errorf("updating balance (account=%s): %w", a.ID, execErr)
		}
		n, _ := result.RowsAffected()
		if n == 0 {
			return fmt.Errorf("account %s: %w", a.ID, store.ErrNotFound)
		}
	}

	stmt, err := tx.PreparexContext(ctx,
		`INSERT INTO ledger_transactions (id, account_id, amount, balance_after, kind, reference_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`)
	if err != nil {
		return fmt.Errorf("preparing statement: %w", err)
	}
	defer stmt.Close()

	for _, t := range txs {
		t.CreatedAt = now
		if _, err := stmt.ExecContext(ctx, t.ID, t.AccountID, t.Amount, t.BalanceAfter, t.Kind, t.ReferenceID, t.CreatedAt); err != nil {
			return fmt.Errorf("inserting transaction (account=%s, kind=%s): %w", t.AccountID, t.Kind, err)
		}
	}

	return tx.Commit()
}

func (s *LedgerRepo) Transactions(ctx context.Context, accountID string) ([]store.LedgerTransaction, error) {
	var txs []store.LedgerTransaction
	err := s.db.SelectContext(ctx, &txs,
		`SELECT id, account_id, amount, balance_after, kind, reference_id, created_at
		 FROM ledger_transactions WHERE account_id = $1 ORDER BY created_at ASC, id ASC`, accountID)
	if err != nil {
		return nil, fmt.Errorf("loading transactions: %w", err)
	}
	return txs, nil
}

func (s *LedgerRepo) TransactionsByKind(ctx context.Context, kind string) ([]store.LedgerTransaction, error) {
	var txs []store.LedgerTransaction
	err := s.db.SelectContext(ctx, &txs,
		`SELECT id, account_id, amount, balance_after, kind, reference_id, created_at
		 FROM ledger_transactions WHERE kind = $1 ORDER BY created_at ASC, id ASC`, kind)
	if err != nil {
		return nil, fmt.Errorf("loading transactions by kind: %w", err)
	}
	return txs, nil
}
