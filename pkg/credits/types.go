package credits

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// EntryType enumerates ledger entry kinds.
type EntryType string

const (
	EntryPurchase         EntryType = "purchase"
	EntryBonus            EntryType = "bonus"
	EntryRefund           EntryType = "refund"
	EntryAdjustment       EntryType = "adjustment"
	EntryUsageDebit       EntryType = "usage_debit"
	EntryReferralReward   EntryType = "referral_reward"
	EntryCommissionPayout EntryType = "commission_payout"
)

// ParseEntryType validates a raw entry type string.
func ParseEntryType(raw string) (EntryType, error) {
	switch EntryType(raw) {
	case EntryPurchase, EntryBonus, EntryRefund, EntryAdjustment, EntryUsageDebit, EntryReferralReward, EntryCommissionPayout:
		return EntryType(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidEntryType, raw)
}

// String returns the raw entry type value.
func (entryType EntryType) String() string {
	return string(entryType)
}

// Actor identifies who initiated a mutation: "system", "user", or "admin:<id>".
type Actor string

const (
	ActorSystem Actor = "system"
	ActorUser   Actor = "user"

	adminActorPrefix = "admin:"
)

// AdminActor builds the actor value for an operator-initiated mutation.
func AdminActor(adminID string) Actor {
	return Actor(adminActorPrefix + strings.TrimSpace(adminID))
}

// ParseActor validates a raw actor string.
func ParseActor(raw string) (Actor, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == string(ActorSystem) || trimmed == string(ActorUser) {
		return Actor(trimmed), nil
	}
	if adminID, isAdmin := strings.CutPrefix(trimmed, adminActorPrefix); isAdmin && strings.TrimSpace(adminID) != "" {
		return Actor(trimmed), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidActor, raw)
}

// String returns the raw actor value.
func (actor Actor) String() string {
	return string(actor)
}

// AccountStatus reflects the CRM-side lifecycle of an account owner.
type AccountStatus string

const (
	AccountActive  AccountStatus = "active"
	AccountBlocked AccountStatus = "blocked"
	AccountDeleted AccountStatus = "deleted"
)

// Account is the durable per-user balance record.
type Account struct {
	AccountID              string
	UserID                 string
	BalanceCents           int64
	IsUnlimited            bool
	LifetimePurchasedCents int64
	LifetimeSpentCents     int64
	Status                 AccountStatus
	CreatedUnixUTC         int64
}

// LedgerEntry is a single immutable line in the ledger. Entries are created
// once by the mutation engine and never updated or deleted; corrections are
// new entries.
type LedgerEntry struct {
	EntryID            string
	AccountID          string
	Type               EntryType
	AmountCents        int64
	BalanceBeforeCents int64
	BalanceAfterCents  int64
	Description        string
	Actor              Actor
	RelatedEntityID    string
	MetadataJSON       string
	CreatedUnixUTC     int64
}

// CommissionStatus defines the commission lifecycle. Transitions are
// forward-only: PENDING -> APPROVED -> PAID, or PENDING -> REJECTED.
type CommissionStatus string

const (
	CommissionPending  CommissionStatus = "PENDING"
	CommissionApproved CommissionStatus = "APPROVED"
	CommissionPaid     CommissionStatus = "PAID"
	CommissionRejected CommissionStatus = "REJECTED"
)

// String returns the raw status value.
func (status CommissionStatus) String() string {
	return string(status)
}

// CommissionRecord tracks a referral or affiliate share of a revenue event.
type CommissionRecord struct {
	CommissionID         string
	SourceEventID        string
	BeneficiaryAccountID string
	BaseAmountCents      int64
	Rate                 decimal.Decimal
	CommissionCents      int64
	Status               CommissionStatus
	CreatedUnixUTC       int64
	SettledUnixUTC       int64
}

// MutationResult reports the outcome of a successful balance mutation.
type MutationResult struct {
	NewBalanceCents int64
	LedgerEntryID   string
}

// Store is the persistence contract used by Service. Implementations must
// make WithTx atomic: every write inside the callback commits or rolls back
// as one unit, and GetAccountForUpdate must hold a lock on the account row
// until the transaction ends.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	GetOrCreateAccount(ctx context.Context, userID string) (Account, error)
	GetAccount(ctx context.Context, accountID string) (Account, error)
	GetAccountForUpdate(ctx context.Context, accountID string) (Account, error)
	UpdateAccountBalance(ctx context.Context, accountID string, balanceCents, lifetimePurchasedCents, lifetimeSpentCents int64) error
	SetAccountUnlimited(ctx context.Context, accountID string, unlimited bool) error
	AppendLedgerEntry(ctx context.Context, entry LedgerEntry, zeroEffect bool) (LedgerEntry, error)
	ListLedgerEntries(ctx context.Context, accountID string, beforeUnixUTC int64, limit int) ([]LedgerEntry, error)
	CreateCommission(ctx context.Context, record CommissionRecord) (CommissionRecord, error)
	GetCommissionForUpdate(ctx context.Context, commissionID string) (CommissionRecord, error)
	GetCommissionBySourceEvent(ctx context.Context, sourceEventID string) (CommissionRecord, error)
	UpdateCommissionStatus(ctx context.Context, commissionID string, from, to CommissionStatus, settledUnixUTC int64) error
}
