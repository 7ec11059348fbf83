// Package ledger is the single authority for token balance mutation. Every
// balance change goes through reserve/release/settle/transfer/deposit, each an
// indivisible step that updates the balance and appends the matching audit
// transaction in the same atomic unit.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/agoramarket/auction-engine/internal/keylock"
	"github.com/agoramarket/auction-engine/internal/money"
	"github.com/agoramarket/auction-engine/internal/store"
)

// Errors returned by ledger operations. InsufficientFunds is an expected
// business rejection, not a fault.
var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrUnknownAccount    = errors.New("unknown account")
	ErrHoldNotFound      = errors.New("hold not found")
	ErrInvalidAmount     = errors.New("amount must be positive")
	ErrInconsistent      = errors.New("ledger state inconsistent")
)

// Hold is a reservation that removes funds from an account's spendable
// balance without yet constituting a permanent charge.
type Hold struct {
	ID        string
	AccountID string
	Amount    money.Amount
}

// Service owns accounts and the transaction log. Mutations on a given account
// run under a per-account exclusive critical section; operations spanning two
// accounts acquire both locks in a fixed order.
type Service struct {
	accounts store.AccountRepository
	ledger   store.LedgerRepository
	locks    *keylock.Set

	holdMu sync.Mutex
	holds  map[string]Hold

	logger *slog.Logger
	tracer trace.Tracer
}

// New returns a ledger Service.
func New(accounts store.AccountRepository, ledgerRepo store.LedgerRepository, logger *slog.Logger, tp trace.TracerProvider) *Service {
	return &Service{
		accounts: accounts,
		ledger:   ledgerRepo,
		locks:    keylock.NewSet(),
		holds:    make(map[string]Hold),
		logger:   logger,
		tracer:   tp.Tracer("github.com/agoramarket/auction-engine/internal/ledger"),
	}
}

// CreateAccount registers a new account. A positive opening balance is
// recorded as a deposit transaction so the log stays the source of truth.
func (s *Service) CreateAccount(ctx context.Context, userID string, opening money.Amount) (*store.Account, error) {
	ctx, span := s.tracer.Start(ctx, "Ledger.CreateAccount",
		trace.WithAttributes(attribute.String("user.id", userID)),
	)
	defer span.End()

	if opening.IsNegative() {
		return nil, fmt.Errorf("opening balance %s: %w", opening, ErrInvalidAmount)
	}

	a := &store.Account{UserID: userID, Balance: 0}
	if err := s.accounts.Create(ctx, a); err != nil {
		return nil, fmt.Errorf("creating account: %w", err)
	}

	if opening.IsPositive() {
		if _, err := s.Deposit(ctx, a.ID, opening); err != nil {
			return nil, fmt.Errorf("seeding opening balance: %w", err)
		}
		a.Balance = opening
	}

	s.logger.InfoContext(ctx, "account created",
		slog.String("account_id", a.ID),
		slog.String("user_id", userID),
		slog.String("balance", a.Balance.String()),
	)
	return a, nil
}

// Balance returns an account's spendable balance.
func (s *Service) Balance(ctx context.Context, accountID string) (money.Amount, error) {
	ctx, span := s.tracer.Start(ctx, "Ledger.Balance",
		trace.WithAttributes(attribute.String("account.id", accountID)),
	)
	defer span.End()

	a, err := s.load(ctx, accountID)
	if err != nil {
		return 0, err
	}
	return a.Balance, nil
}

// Transactions returns an account's ledger history, oldest first.
func (s *Service) Transactions(ctx context.Context, accountID string) ([]store.LedgerTransaction, error) {
	ctx, span := s.tracer.Start(ctx, "Ledger.Transactions",
		trace.WithAttributes(attribute.String("account.id", accountID)),
	)
	defer span.End()

	if _, err := s.load(ctx, accountID); err != nil {
		return nil, err
	}
	return s.ledger.Transactions(ctx, accountID)
}

// Deposit credits an account.
func (s *Service) Deposit(ctx context.Context, accountID string, amount money.Amount) (*store.LedgerTransaction, error) {
	ctx, span := s.tracer.Start(ctx, "Ledger.Deposit",
		trace.WithAttributes(
			attribute.String("account.id", accountID),
			attribute.String("amount", amount.String()),
		),
	)
	defer span.End()

	if !amount.IsPositive() {
		return nil, fmt.Errorf("deposit of %s: %w", amount, ErrInvalidAmount)
	}

	unlock := s.locks.Lock(accountID)
	defer unlock()

	a, err := s.load(ctx, accountID)
	if err != nil {
		return nil, err
	}

	a.Balance += amount
	tx := s.newTx(a, amount, store.TxDeposit, "")
	if err := s.ledger.Apply(ctx, []*store.Account{a}, []*store.LedgerTransaction{tx}); err != nil {
		return nil, fmt.Errorf("applying deposit: %w", err)
	}

	s.logger.InfoContext(ctx, "deposit applied",
		slog.String("account_id", accountID),
		slog.String("amount", amount.String()),
		slog.String("balance", a.Balance.String()),
	)
	return tx, nil
}

// Transfer moves tokens between two accounts, writing a linked pair of
// transactions. Both sides commit in the same atomic unit.
func (s *Service) Transfer(ctx context.Context, fromID, toID string, amount money.Amount) (*store.LedgerTransaction, *store.LedgerTransaction, error) {
	ctx, span := s.tracer.Start(ctx, "Ledger.Transfer",
		trace.WithAttributes(
			attribute.String("account.from", fromID),
			attribute.String("account.to", toID),
			attribute.String("amount", amount.String()),
		),
	)
	defer span.End()

	if !amount.IsPositive() {
		return nil, nil, fmt.Errorf("transfer of %s: %w", amount, ErrInvalidAmount)
	}
	if fromID == toID {
		return nil, nil, fmt.Errorf("transfer from %s to itself: %w", fromID, ErrInvalidAmount)
	}

	unlock := s.locks.Lock(fromID, toID)
	defer unlock()

	from, err := s.load(ctx, fromID)
	if err != nil {
		return nil, nil, err
	}
	to, err := s.load(ctx, toID)
	if err != nil {
		return nil, nil, err
	}

	if from.Balance < amount {
		return nil, nil, fmt.Errorf("balance %s, transfer %s: %w", from.Balance, amount, ErrInsufficientFunds)
	}

	ref := uuid.NewString()
	from.Balance -= amount
	to.Balance += amount
	out := s.newTx(from, amount.Neg(), store.TxTransferOut, ref)
	in := s.newTx(to, amount, store.TxTransferIn, ref)

	if err := s.ledger.Apply(ctx, []*store.Account{from, to}, []*store.LedgerTransaction{out, in}); err != nil {
		return nil, nil, fmt.Errorf("applying transfer: %w", err)
	}

	s.logger.InfoContext(ctx, "transfer applied",
		slog.String("from", fromID),
		slog.String("to", toID),
		slog.String("amount", amount.String()),
	)
	return out, in, nil
}

// Reserve places a hold on an account: the amount leaves the spendable
// balance so it cannot back two bids at once, but is not yet a charge.
func (s *Service) Reserve(ctx context.Context, accountID string, amount money.Amount) (*Hold, error) {
	ctx, span := s.tracer.Start(ctx, "Ledger.Reserve",
		trace.WithAttributes(
			attribute.String("account.id", accountID),
			attribute.String("amount", amount.String()),
		),
	)
	defer span.End()

	if !amount.IsPositive() {
		return nil, fmt.Errorf("reserve of %s: %w", amount, ErrInvalidAmount)
	}

	unlock := s.locks.Lock(accountID)
	defer unlock()

	a, err := s.load(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if a.Balance < amount {
		return nil, fmt.Errorf("balance %s, reserve %s: %w", a.Balance, amount, ErrInsufficientFunds)
	}

	h := Hold{ID: uuid.NewString(), AccountID: accountID, Amount: amount}
	a.Balance -= amount
	tx := s.newTx(a, amount.Neg(), store.TxBidHold, h.ID)
	if err := s.ledger.Apply(ctx, []*store.Account{a}, []*store.LedgerTransaction{tx}); err != nil {
		return nil, fmt.Errorf("applying hold: %w", err)
	}

	s.holdMu.Lock()
	s.holds[h.ID] = h
	s.holdMu.Unlock()

	s.logger.InfoContext(ctx, "funds reserved",
		slog.String("account_id", accountID),
		slog.String("hold_id", h.ID),
		slog.String("amount", amount.String()),
	)
	return &h, nil
}

// Release returns a held amount to the account's spendable balance. Used when
// a bidder is outbid; the funds were never permanently charged.
func (s *Service) Release(ctx context.Context, holdID string) error {
	ctx, span := s.tracer.Start(ctx, "Ledger.Release",
		trace.WithAttributes(attribute.String("hold.id", holdID)),
	)
	defer span.End()

	h, ok := s.lookupHold(holdID)
	if !ok {
		return fmt.Errorf("hold %s: %w", holdID, ErrHoldNotFound)
	}

	unlock := s.locks.Lock(h.AccountID)
	defer unlock()

	// Re-check under the account lock; a racing release or settle may have
	// consumed the hold.
	if _, ok := s.lookupHold(holdID); !ok {
		return fmt.Errorf("hold %s: %w", holdID, ErrHoldNotFound)
	}

	a, err := s.load(ctx, h.AccountID)
	if err != nil {
		return err
	}

	a.Balance += h.Amount
	tx := s.newTx(a, h.Amount, store.TxBidRelease, h.ID)
	if err := s.ledger.Apply(ctx, []*store.Account{a}, []*store.LedgerTransaction{tx}); err != nil {
		return fmt.Errorf("applying release: %w", err)
	}

	s.dropHold(holdID)

	s.logger.InfoContext(ctx, "hold released",
		slog.String("account_id", h.AccountID),
		slog.String("hold_id", holdID),
		slog.String("amount", h.Amount.String()),
	)
	return nil
}

// Settle converts a hold into a permanent charge of final and credits the
// counterparty in the same atomic unit. Any difference between the held and
// final amount is returned to the holder's balance.
func (s *Service) Settle(ctx context.Context, holdID string, final money.Amount, toAccountID string) (*store.LedgerTransaction, *store.LedgerTransaction, error) {
	ctx, span := s.tracer.Start(ctx, "Ledger.Settle",
		trace.WithAttributes(
			attribute.String("hold.id", holdID),
			attribute.String("amount", final.String()),
			attribute.String("account.to", toAccountID),
		),
	)
	defer span.End()

	if !final.IsPositive() {
		return nil, nil, fmt.Errorf("settlement of %s: %w", final, ErrInvalidAmount)
	}

	h, ok := s.lookupHold(holdID)
	if !ok {
		return nil, nil, fmt.Errorf("hold %s: %w", holdID, ErrHoldNotFound)
	}
	if final > h.Amount {
		return nil, nil, fmt.Errorf("settlement %s exceeds held %s: %w", final, h.Amount, ErrInconsistent)
	}

	unlock := s.locks.Lock(h.AccountID, toAccountID)
	defer unlock()

	if _, ok := s.lookupHold(holdID); !ok {
		return nil, nil, fmt.Errorf("hold %s: %w", holdID, ErrHoldNotFound)
	}

	payer, err := s.load(ctx, h.AccountID)
	if err != nil {
		return nil, nil, err
	}
	payee, err := s.load(ctx, toAccountID)
	if err != nil {
		return nil, nil, err
	}

	// The hold already removed the funds from the payer; settlement only
	// returns the surplus (zero when the hold equals the final price).
	refund := h.Amount - final
	payer.Balance += refund
	payee.Balance += final
	charge := s.newTx(payer, refund, store.TxSettlement, h.ID)
	credit := s.newTx(payee, final, store.TxTransferIn, h.ID)

	if err := s.ledger.Apply(ctx, []*store.Account{payer, payee}, []*store.LedgerTransaction{charge, credit}); err != nil {
		return nil, nil, fmt.Errorf("applying settlement: %w", err)
	}

	s.dropHold(holdID)

	s.logger.InfoContext(ctx, "hold settled",
		slog.String("hold_id", holdID),
		slog.String("payer", h.AccountID),
		slog.String("payee", toAccountID),
		slog.String("amount", final.String()),
	)
	return charge, credit, nil
}

// RecoverHolds rebuilds the in-memory hold registry from the transaction log:
// a bid_hold without a matching bid_release or settlement is still
// outstanding. Called on startup so holds survive a restart.
func (s *Service) RecoverHolds(ctx context.Context) (int, error) {
	ctx, span := s.tracer.Start(ctx, "Ledger.RecoverHolds")
	defer span.End()

	held, err := s.ledger.TransactionsByKind(ctx, store.TxBidHold)
	if err != nil {
		return 0, fmt.Errorf("loading hold transactions: %w", err)
	}
	released, err := s.ledger.TransactionsByKind(ctx, store.TxBidRelease)
	if err != nil {
		return 0, fmt.Errorf("loading release transactions: %w", err)
	}
	settled, err := s.ledger.TransactionsByKind(ctx, store.TxSettlement)
	if err != nil {
		return 0, fmt.Errorf("loading settlement transactions: %w", err)
	}

	closed := make(map[string]struct{}, len(released)+len(settled))
	for _, tx := range released {
		closed[tx.ReferenceID] = struct{}{}
	}
	for _, tx := range settled {
		closed[tx.ReferenceID] = struct{}{}
	}

	recovered := 0
	s.holdMu.Lock()
	for _, tx := range held {
		if _, ok := closed[tx.ReferenceID]; ok {
			continue
		}
		s.holds[tx.ReferenceID] = Hold{
			ID:        tx.ReferenceID,
			AccountID: tx.AccountID,
			Amount:    tx.Amount.Neg(),
		}
		recovered++
	}
	s.holdMu.Unlock()

	s.logger.InfoContext(ctx, "hold recovery complete",
		slog.Int("total_holds", len(held)),
		slog.Int("recovered_open", recovered),
	)
	return recovered, nil
}

func (s *Service) load(ctx context.Context, accountID string) (*store.Account, error) {
	a, err := s.accounts.Get(ctx, accountID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("account %s: %w", accountID, ErrUnknownAccount)
		}
		return nil, fmt.Errorf("loading account: %w", err)
	}
	if a.Balance.IsNegative() {
		return nil, fmt.Errorf("account %s balance %s: %w", accountID, a.Balance, ErrInconsistent)
	}
	return a, nil
}

func (s *Service) newTx(a *store.Account, amount money.Amount, kind, referenceID string) *store.LedgerTransaction {
	return &store.LedgerTransaction{
		ID:           uuid.NewString(),
		AccountID:    a.ID,
		Amount:       amount,
		BalanceAfter: a.Balance,
		Kind:         kind,
		ReferenceID:  referenceID,
	}
}

func (s *Service) lookupHold(holdID string) (Hold, bool) {
	s.holdMu.Lock()
	defer s.holdMu.Unlock()
	h, ok := s.holds[holdID]
	return h, ok
}

func (s *Service) dropHold(holdID string) {
	s.holdMu.Lock()
	defer s.holdMu.Unlock()
	delete(s.holds, holdID)
}
