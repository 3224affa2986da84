package models

import "time"

// Ledger entry kinds.
const (
	EntryWelcomeGrant = "welcome_grant"
	EntryPurchase     = "purchase"
	EntryReservation  = "reservation"
	EntrySettlement   = "settlement"
	EntryRefund       = "refund"
)

// LedgerEntry is an immutable balance-affecting event. An account's balance
// is the sum of its entries.
type LedgerEntry struct {
	ID           string    `gorm:"primaryKey;size:64"`
	AccountID    string    `gorm:"size:64;not null;index"`
	Amount       int64     `gorm:"not null"`
	Kind         string    `gorm:"size:16;not null;uniqueIndex:idx_entry_job_kind,priority:2"`
	RelatedJobID *string   `gorm:"size:64;uniqueIndex:idx_entry_job_kind,priority:1"`
	Memo         string    `gorm:"size:255"`
	CreatedAt    time.Time `gorm:"index"`
}

// Account anchors the per-account lock taken by every ledger write.
type Account struct {
	ID        string `gorm:"primaryKey;size:64"`
	Version   int64  `gorm:"not null;default:0"`
	CreatedAt time.Time
	UpdatedAt time.Time
}
