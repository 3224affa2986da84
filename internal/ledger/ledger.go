// Package ledger keeps per-account token balances as an append-only log of
// entries and provides the reserve / settle / refund primitives jobs are
// billed with.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/stylelicense/jobyard/internal/models"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrInsufficientFunds is returned by Reserve when the balance does not
	// cover the amount. No entry is written.
	ErrInsufficientFunds = errors.New("ledger: insufficient funds")

	// ErrNoReservation is returned when a job has no reservation entry.
	ErrNoReservation = errors.New("ledger: no reservation for job")

	// ErrAlreadyRefunded is returned by Settle for a job whose reservation
	// was refunded.
	ErrAlreadyRefunded = errors.New("ledger: reservation already refunded")

	// ErrDuplicateWelcomeGrant is returned when an account already received
	// its welcome grant.
	ErrDuplicateWelcomeGrant = errors.New("ledger: welcome grant already issued")
)

// StorageError wraps a failure of the underlying store. Callers must not
// assume the operation partially succeeded.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("ledger: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// Options configures a Ledger.
type Options struct {
	Logger *zap.Logger
	Now    func() time.Time
}

// Ledger is safe for concurrent use. Mutual exclusion is per account and is
// held by the database for the length of one transaction.
type Ledger struct {
	db  *gorm.DB
	log *zap.Logger
	now func() time.Time
}

// New creates a Ledger backed by db.
func New(db *gorm.DB, opts Options) *Ledger {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Ledger{db: db, log: opts.Logger.Named("ledger"), now: opts.Now}
}

// Reserve debits amount from the account on behalf of jobID if the current
// balance covers it.
func (l *Ledger) Reserve(ctx context.Context, accountID string, amount int64, jobID string) (*models.LedgerEntry, error) {
	if accountID == "" {
		return nil, fmt.Errorf("ledger: accountID is required")
	}
	if jobID == "" {
		return nil, fmt.Errorf("ledger: jobID is required")
	}
	if amount <= 0 {
		return nil, fmt.Errorf("ledger: reserve amount must be positive, got %d", amount)
	}

	var entry *models.LedgerEntry
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := lockAccount(tx, accountID); err != nil {
			return err
		}
		balance, err := sumEntries(tx, accountID)
		if err != nil {
			return err
		}
		if balance < amount {
			return fmt.Errorf("ledger: reserve %d from %s (balance %d): %w", amount, accountID, balance, ErrInsufficientFunds)
		}
		entry, err = l.appendEntry(tx, accountID, -amount, models.EntryReservation, &jobID, "job reservation")
		return err
	})
	if err != nil {
		return nil, l.classify("reserve", err)
	}

	l.log.Debug("reserved",
		zap.String("account_id", accountID),
		zap.String("job_id", jobID),
		zap.Int64("amount", amount))
	return entry, nil
}

// Settle finalizes a job's reservation. It moves no balance; the zero-amount
// settlement entry exists for audit. Settling twice is a no-op.
func (l *Ledger) Settle(ctx context.Context, jobID string) error {
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return l.SettleTx(tx, jobID)
	})
	if err != nil {
		return l.classify("settle", err)
	}
	return nil
}

// SettleTx is Settle inside the caller's transaction.
func (l *Ledger) SettleTx(tx *gorm.DB, jobID string) error {
	res, err := reservationFor(tx, jobID)
	if err != nil {
		return err
	}
	if err := lockAccount(tx, res.AccountID); err != nil {
		return err
	}
	refund, err := findEntry(tx, jobID, models.EntryRefund)
	if err != nil {
		return err
	}
	if refund != nil {
		return fmt.Errorf("ledger: settle %s: %w", jobID, ErrAlreadyRefunded)
	}
	settled, err := findEntry(tx, jobID, models.EntrySettlement)
	if err != nil || settled != nil {
		return err
	}
	_, err = l.appendEntry(tx, res.AccountID, 0, models.EntrySettlement, &jobID, "job completed")
	return err
}

// Refund credits amount back to the account that reserved for jobID. It
// reports false without writing anything if the job was already refunded.
func (l *Ledger) Refund(ctx context.Context, jobID string, amount int64) (bool, error) {
	var refunded bool
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		refunded, err = l.RefundTx(tx, jobID, amount)
		return err
	})
	if err != nil {
		return false, l.classify("refund", err)
	}
	return refunded, nil
}

// RefundTx is Refund inside the caller's transaction, so a refund can commit
// together with the job transition that caused it.
func (l *Ledger) RefundTx(tx *gorm.DB, jobID string, amount int64) (bool, error) {
	if amount <= 0 {
		return false, fmt.Errorf("ledger: refund amount must be positive, got %d", amount)
	}
	res, err := reservationFor(tx, jobID)
	if err != nil {
		return false, err
	}
	if amount > -res.Amount {
		return false, fmt.Errorf("ledger: refund %d for %s exceeds reservation of %d", amount, jobID, -res.Amount)
	}
	if err := lockAccount(tx, res.AccountID); err != nil {
		return false, err
	}
	// Re-read under the account lock. A plain read can miss a refund
	// committed by a concurrent transaction while this one waited.
	prior, err := findEntry(lockingRead(tx), jobID, models.EntryRefund)
	if err != nil {
		return false, err
	}
	if prior != nil {
		return false, nil
	}
	if _, err := l.appendEntry(tx, res.AccountID, amount, models.EntryRefund, &jobID, "job failed"); err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			l.log.Debug("refund already recorded", zap.String("job_id", jobID))
			return false, nil
		}
		return false, err
	}

	l.log.Debug("refund appended",
		zap.String("account_id", res.AccountID),
		zap.String("job_id", jobID),
		zap.Int64("amount", amount))
	return true, nil
}

// Grant credits an account with a welcome grant or a purchase. An account
// receives at most one welcome grant.
func (l *Ledger) Grant(ctx context.Context, accountID string, amount int64, kind, memo string) (*models.LedgerEntry, error) {
	if accountID == "" {
		return nil, fmt.Errorf("ledger: accountID is required")
	}
	if amount <= 0 {
		return nil, fmt.Errorf("ledger: grant amount must be positive, got %d", amount)
	}
	if kind != models.EntryWelcomeGrant && kind != models.EntryPurchase {
		return nil, fmt.Errorf("ledger: grant kind %q must be %s or %s", kind, models.EntryWelcomeGrant, models.EntryPurchase)
	}

	var entry *models.LedgerEntry
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := lockAccount(tx, accountID); err != nil {
			return err
		}
		if kind == models.EntryWelcomeGrant {
			var count int64
			if err := tx.Model(&models.LedgerEntry{}).
				Where("account_id = ? AND kind = ?", accountID, models.EntryWelcomeGrant).
				Count(&count).Error; err != nil {
				return &StorageError{Op: "count welcome grants", Err: err}
			}
			if count > 0 {
				return fmt.Errorf("ledger: grant to %s: %w", accountID, ErrDuplicateWelcomeGrant)
			}
		}
		var err error
		entry, err = l.appendEntry(tx, accountID, amount, kind, nil, memo)
		return err
	})
	if err != nil {
		return nil, l.classify("grant", err)
	}
	return entry, nil
}

// Balance returns the sum of all entries for the account. Unknown accounts
// have a zero balance.
func (l *Ledger) Balance(ctx context.Context, accountID string) (int64, error) {
	total, err := sumEntries(l.db.WithContext(ctx), accountID)
	if err != nil {
		return 0, l.classify("balance", err)
	}
	return total, nil
}

// Entries lists an account's entries oldest first.
func (l *Ledger) Entries(ctx context.Context, accountID string) ([]models.LedgerEntry, error) {
	var entries []models.LedgerEntry
	if err := l.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Order("created_at ASC, id ASC").
		Find(&entries).Error; err != nil {
		return nil, &StorageError{Op: "list entries", Err: err}
	}
	return entries, nil
}

// Reservation returns the reservation entry for a job.
func (l *Ledger) Reservation(ctx context.Context, jobID string) (*models.LedgerEntry, error) {
	entry, err := reservationFor(l.db.WithContext(ctx), jobID)
	if err != nil {
		return nil, l.classify("reservation", err)
	}
	return entry, nil
}

func (l *Ledger) appendEntry(tx *gorm.DB, accountID string, amount int64, kind string, jobID *string, memo string) (*models.LedgerEntry, error) {
	entry := &models.LedgerEntry{
		ID:           uuid.NewString(),
		AccountID:    accountID,
		Amount:       amount,
		Kind:         kind,
		RelatedJobID: jobID,
		Memo:         memo,
		CreatedAt:    l.now(),
	}
	if err := tx.Create(entry).Error; err != nil {
		return nil, &StorageError{Op: "append " + kind, Err: err}
	}
	return entry, nil
}

// classify leaves domain errors untouched and wraps anything else as a
// StorageError.
func (l *Ledger) classify(op string, err error) error {
	var se *StorageError
	switch {
	case errors.As(err, &se),
		errors.Is(err, ErrInsufficientFunds),
		errors.Is(err, ErrNoReservation),
		errors.Is(err, ErrAlreadyRefunded),
		errors.Is(err, ErrDuplicateWelcomeGrant):
		return err
	}
	return &StorageError{Op: op, Err: err}
}

// lockAccount takes the account's write lock for the rest of tx, creating
// the account row on first use.
func lockAccount(tx *gorm.DB, accountID string) error {
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).
		Create(&models.Account{ID: accountID}).Error; err != nil {
		return &StorageError{Op: "create account " + accountID, Err: err}
	}
	if err := tx.Model(&models.Account{}).
		Where("id = ?", accountID).
		UpdateColumn("version", gorm.Expr("version + 1")).Error; err != nil {
		return &StorageError{Op: "lock account " + accountID, Err: err}
	}
	return nil
}

func sumEntries(tx *gorm.DB, accountID string) (int64, error) {
	var total int64
	if err := tx.Model(&models.LedgerEntry{}).
		Select("COALESCE(SUM(amount), 0)").
		Where("account_id = ?", accountID).
		Scan(&total).Error; err != nil {
		return 0, &StorageError{Op: "sum entries for " + accountID, Err: err}
	}
	return total, nil
}

// lockingRead makes reads on tx take row locks where the dialect supports
// them.
func lockingRead(tx *gorm.DB) *gorm.DB {
	if tx.Dialector.Name() == "mysql" {
		return tx.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return tx
}

// findEntry returns the entry of kind for jobID, or nil if there is none.
func findEntry(tx *gorm.DB, jobID, kind string) (*models.LedgerEntry, error) {
	var entry models.LedgerEntry
	result := tx.Where("related_job_id = ? AND kind = ?", jobID, kind).Limit(1).Find(&entry)
	if result.Error != nil {
		return nil, &StorageError{Op: "find " + kind + " for " + jobID, Err: result.Error}
	}
	if result.RowsAffected == 0 {
		return nil, nil
	}
	return &entry, nil
}

func reservationFor(tx *gorm.DB, jobID string) (*models.LedgerEntry, error) {
	res, err := findEntry(tx, jobID, models.EntryReservation)
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, fmt.Errorf("ledger: job %s: %w", jobID, ErrNoReservation)
	}
	return res, nil
}
