package gormstore

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Account represents the accounts table.
type Account struct {
	AccountID              string    `gorm:"type:uuid;primaryKey"`
	UserID                 string    `gorm:"not null;index:uniq_accounts_user,unique"`
	BalanceCents           int64     `gorm:"not null;default:0"`
	IsUnlimited            bool      `gorm:"not null;default:false"`
	LifetimePurchasedCents int64     `gorm:"not null;default:0"`
	LifetimeSpentCents     int64     `gorm:"not null;default:0"`
	Status                 string    `gorm:"not null;default:active"`
	CreatedAt              time.Time `gorm:"not null"`
	UpdatedAt              time.Time `gorm:"not null"`
}

func (Account) TableName() string { return "accounts" }

func (account *Account) BeforeCreate(tx *gorm.DB) error {
	if account.AccountID == "" {
		account.AccountID = uuid.NewString()
	}
	return nil
}

// LedgerEntry mirrors the ledger_entries table. Rows are append-only; the
// unique index over (account_id, type, related_entity_id) rejects replayed
// mutations when a related entity id is supplied.
type LedgerEntry struct {
	EntryID            string         `gorm:"type:uuid;primaryKey"`
	AccountID          string         `gorm:"type:uuid;not null;index:idx_ledger_account_created,priority:1;index:uniq_ledger_mutation,unique,priority:1"`
	Type               string         `gorm:"not null;index:uniq_ledger_mutation,unique,priority:2"`
	AmountCents        int64          `gorm:"not null"`
	BalanceBeforeCents int64          `gorm:"not null"`
	BalanceAfterCents  int64          `gorm:"not null"`
	Description        string         `gorm:"not null;default:''"`
	Actor              string         `gorm:"not null"`
	RelatedEntityID    *string        `gorm:"index:uniq_ledger_mutation,unique,priority:3"`
	Metadata           datatypes.JSON `gorm:"not null"`
	CreatedAt          time.Time      `gorm:"not null;index:idx_ledger_account_created,priority:2"`
}

func (LedgerEntry) TableName() string { return "ledger_entries" }

func (entry *LedgerEntry) BeforeCreate(tx *gorm.DB) error {
	if entry.EntryID == "" {
		entry.EntryID = uuid.NewString()
	}
	return nil
}

// Commission mirrors the commissions table.
type Commission struct {
	CommissionID         string          `gorm:"type:uuid;primaryKey"`
	SourceEventID        string          `gorm:"not null;index:uniq_commissions_source,unique"`
	BeneficiaryAccountID string          `gorm:"type:uuid;not null;index"`
	BaseAmountCents      int64           `gorm:"not null"`
	Rate                 decimal.Decimal `gorm:"type:numeric(8,6);not null"`
	CommissionCents      int64           `gorm:"not null"`
	Status               string          `gorm:"not null"`
	SettledAt            *time.Time      `gorm:""`
	CreatedAt            time.Time       `gorm:"not null"`
	UpdatedAt            time.Time       `gorm:"not null"`
}

func (Commission) TableName() string { return "commissions" }

func (commission *Commission) BeforeCreate(tx *gorm.DB) error {
	if commission.CommissionID == "" {
		commission.CommissionID = uuid.NewString()
	}
	return nil
}
