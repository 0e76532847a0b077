package gormstore

import (
	"context"
	"errors"
	"time"

	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/salonbase/credits/pkg/credits"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	constraintLedgerMutation   = "uniq_ledger_mutation"
	constraintCommissionSource = "uniq_commissions_source"
	constraintAccountUser      = "uniq_accounts_user"
	defaultMetadataJSON        = "{}"
	pgUniqueViolationCode      = "23505"
	sqliteConstraintCode       = 19
	errorOperationStore        = "store"
	errorSubjectAccount        = "account"
	errorSubjectEntry          = "entry"
	errorSubjectCommission     = "commission"
	errorCodeCreate            = "create"
	errorCodeDuplicate         = "duplicate"
	errorCodeGet               = "get"
	errorCodeInsert            = "insert"
	errorCodeInvariant         = "invariant"
	errorCodeList              = "list"
	errorCodeLookup            = "lookup"
	errorCodeUpdateBalance     = "update_balance"
	errorCodeUpdateStatus      = "update_status"
	errorCodeUpdateUnlimited   = "update_unlimited"
)

// Store implements credits.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Migrate creates or updates the schema.
func (store *Store) Migrate() error {
	return store.db.AutoMigrate(&Account{}, &LedgerEntry{}, &Commission{})
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore credits.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

func (store *Store) GetOrCreateAccount(ctx context.Context, userID string) (credits.Account, error) {
	var account Account
	err := store.db.WithContext(ctx).
		Where(Account{UserID: userID}).
		Attrs(Account{Status: string(credits.AccountActive)}).
		FirstOrCreate(&account).Error
	if isUniqueViolation(err, constraintAccountUser) {
		// Lost a creation race; the row exists now.
		err = store.db.WithContext(ctx).Where(Account{UserID: userID}).Take(&account).Error
	}
	if err != nil {
		return credits.Account{}, wrapStoreError(errorSubjectAccount, errorCodeLookup, err)
	}
	return mapAccount(account), nil
}

func (store *Store) GetAccount(ctx context.Context, accountID string) (credits.Account, error) {
	return store.getAccount(ctx, accountID, false)
}

func (store *Store) GetAccountForUpdate(ctx context.Context, accountID string) (credits.Account, error) {
	return store.getAccount(ctx, accountID, true)
}

func (store *Store) getAccount(ctx context.Context, accountID string, forUpdate bool) (credits.Account, error) {
	query := store.db.WithContext(ctx)
	if forUpdate && store.supportsRowLocks() {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var account Account
	err := query.Where("account_id = ?", accountID).Take(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return credits.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, credits.ErrAccountNotFound)
		}
		return credits.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, err)
	}
	return mapAccount(account), nil
}

func (store *Store) UpdateAccountBalance(ctx context.Context, accountID string, balanceCents, lifetimePurchasedCents, lifetimeSpentCents int64) error {
	result := store.db.WithContext(ctx).
		Model(&Account{}).
		Where("account_id = ?", accountID).
		Updates(map[string]interface{}{
			"balance_cents":            balanceCents,
			"lifetime_purchased_cents": lifetimePurchasedCents,
			"lifetime_spent_cents":     lifetimeSpentCents,
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdateBalance, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdateBalance, credits.ErrAccountNotFound)
	}
	return nil
}

func (store *Store) SetAccountUnlimited(ctx context.Context, accountID string, unlimited bool) error {
	result := store.db.WithContext(ctx).
		Model(&Account{}).
		Where("account_id = ?", accountID).
		Update("is_unlimited", unlimited)
	if result.Error != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdateUnlimited, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdateUnlimited, credits.ErrAccountNotFound)
	}
	return nil
}

// AppendLedgerEntry inserts one immutable ledger row. The snapshot invariant
// is checked here, at write time, not trusted from the caller; zeroEffect
// admits the frozen-balance shape used for unlimited-account debits.
func (store *Store) AppendLedgerEntry(ctx context.Context, entry credits.LedgerEntry, zeroEffect bool) (credits.LedgerEntry, error) {
	if zeroEffect {
		if entry.BalanceAfterCents != entry.BalanceBeforeCents {
			return credits.LedgerEntry{}, wrapStoreError(errorSubjectEntry, errorCodeInvariant, credits.ErrLedgerInvariantViolation)
		}
	} else if entry.BalanceAfterCents != entry.BalanceBeforeCents+entry.AmountCents {
		return credits.LedgerEntry{}, wrapStoreError(errorSubjectEntry, errorCodeInvariant, credits.ErrLedgerInvariantViolation)
	}
	var relatedEntityID *string
	if entry.RelatedEntityID != "" {
		value := entry.RelatedEntityID
		relatedEntityID = &value
	}
	row := LedgerEntry{
		EntryID:            entry.EntryID,
		AccountID:          entry.AccountID,
		Type:               entry.Type.String(),
		AmountCents:        entry.AmountCents,
		BalanceBeforeCents: entry.BalanceBeforeCents,
		BalanceAfterCents:  entry.BalanceAfterCents,
		Description:        entry.Description,
		Actor:              entry.Actor.String(),
		RelatedEntityID:    relatedEntityID,
		Metadata:           metadataJSON(entry.MetadataJSON),
		CreatedAt:          creationTime(entry.CreatedUnixUTC),
	}
	err := store.db.WithContext(ctx).Create(&row).Error
	if isUniqueViolation(err, constraintLedgerMutation) {
		return credits.LedgerEntry{}, wrapStoreError(errorSubjectEntry, errorCodeDuplicate, credits.ErrDuplicateMutation)
	}
	if err != nil {
		return credits.LedgerEntry{}, wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
	}
	return mapLedgerEntry(row), nil
}

func (store *Store) ListLedgerEntries(ctx context.Context, accountID string, beforeUnixUTC int64, limit int) ([]credits.LedgerEntry, error) {
	before := time.Unix(beforeUnixUTC, 0).UTC()
	if beforeUnixUTC == 0 {
		before = time.Now().UTC().Add(time.Second)
	}

	var rows []LedgerEntry
	err := store.db.WithContext(ctx).
		Where("account_id = ? AND created_at < ?", accountID, before).
		Order("created_at DESC, entry_id DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}

	entries := make([]credits.LedgerEntry, 0, len(rows))
	for _, row := range rows {
		entries = append(entries, mapLedgerEntry(row))
	}
	return entries, nil
}

func (store *Store) CreateCommission(ctx context.Context, record credits.CommissionRecord) (credits.CommissionRecord, error) {
	row := Commission{
		CommissionID:         record.CommissionID,
		SourceEventID:        record.SourceEventID,
		BeneficiaryAccountID: record.BeneficiaryAccountID,
		BaseAmountCents:      record.BaseAmountCents,
		Rate:                 record.Rate,
		CommissionCents:      record.CommissionCents,
		Status:               record.Status.String(),
		CreatedAt:            creationTime(record.CreatedUnixUTC),
	}
	err := store.db.WithContext(ctx).Create(&row).Error
	if isUniqueViolation(err, constraintCommissionSource) {
		return credits.CommissionRecord{}, wrapStoreError(errorSubjectCommission, errorCodeDuplicate, credits.ErrCommissionExists)
	}
	if err != nil {
		return credits.CommissionRecord{}, wrapStoreError(errorSubjectCommission, errorCodeCreate, err)
	}
	return mapCommission(row), nil
}

func (store *Store) GetCommissionForUpdate(ctx context.Context, commissionID string) (credits.CommissionRecord, error) {
	query := store.db.WithContext(ctx)
	if store.supportsRowLocks() {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var row Commission
	err := query.
		Where("commission_id = ?", commissionID).
		Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return credits.CommissionRecord{}, wrapStoreError(errorSubjectCommission, errorCodeGet, credits.ErrUnknownCommission)
		}
		return credits.CommissionRecord{}, wrapStoreError(errorSubjectCommission, errorCodeGet, err)
	}
	return mapCommission(row), nil
}

func (store *Store) GetCommissionBySourceEvent(ctx context.Context, sourceEventID string) (credits.CommissionRecord, error) {
	var row Commission
	err := store.db.WithContext(ctx).
		Where("source_event_id = ?", sourceEventID).
		Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return credits.CommissionRecord{}, wrapStoreError(errorSubjectCommission, errorCodeGet, credits.ErrUnknownCommission)
		}
		return credits.CommissionRecord{}, wrapStoreError(errorSubjectCommission, errorCodeGet, err)
	}
	return mapCommission(row), nil
}

func (store *Store) UpdateCommissionStatus(ctx context.Context, commissionID string, from, to credits.CommissionStatus, settledUnixUTC int64) error {
	updates := map[string]interface{}{"status": to.String()}
	if settledUnixUTC != 0 {
		settledAt := time.Unix(settledUnixUTC, 0).UTC()
		updates["settled_at"] = &settledAt
	}
	result := store.db.WithContext(ctx).
		Model(&Commission{}).
		Where("commission_id = ? AND status = ?", commissionID, from.String()).
		Updates(updates)
	if result.Error != nil {
		return wrapStoreError(errorSubjectCommission, errorCodeUpdateStatus, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectCommission, errorCodeUpdateStatus, credits.ErrCommissionClosed)
	}
	return nil
}

// supportsRowLocks reports whether the dialect understands SELECT ... FOR
// UPDATE. SQLite does not, but its write transactions lock the whole
// database, which gives the same per-account serialization.
func (store *Store) supportsRowLocks() bool {
	return store.db.Dialector.Name() == "postgres"
}

// creationTime treats a zero timestamp as "not supplied".
func creationTime(unixUTC int64) time.Time {
	if unixUTC == 0 {
		return time.Now().UTC()
	}
	return time.Unix(unixUTC, 0).UTC()
}

func wrapStoreError(subject string, code string, err error) error {
	return credits.WrapError(errorOperationStore, subject, code, err)
}

func mapAccount(row Account) credits.Account {
	return credits.Account{
		AccountID:              row.AccountID,
		UserID:                 row.UserID,
		BalanceCents:           row.BalanceCents,
		IsUnlimited:            row.IsUnlimited,
		LifetimePurchasedCents: row.LifetimePurchasedCents,
		LifetimeSpentCents:     row.LifetimeSpentCents,
		Status:                 credits.AccountStatus(row.Status),
		CreatedUnixUTC:         row.CreatedAt.Unix(),
	}
}

func mapLedgerEntry(row LedgerEntry) credits.LedgerEntry {
	relatedEntityID := ""
	if row.RelatedEntityID != nil {
		relatedEntityID = *row.RelatedEntityID
	}
	return credits.LedgerEntry{
		EntryID:            row.EntryID,
		AccountID:          row.AccountID,
		Type:               credits.EntryType(row.Type),
		AmountCents:        row.AmountCents,
		BalanceBeforeCents: row.BalanceBeforeCents,
		BalanceAfterCents:  row.BalanceAfterCents,
		Description:        row.Description,
		Actor:              credits.Actor(row.Actor),
		RelatedEntityID:    relatedEntityID,
		MetadataJSON:       string(row.Metadata),
		CreatedUnixUTC:     row.CreatedAt.Unix(),
	}
}

func mapCommission(row Commission) credits.CommissionRecord {
	settledUnixUTC := int64(0)
	if row.SettledAt != nil {
		settledUnixUTC = row.SettledAt.Unix()
	}
	return credits.CommissionRecord{
		CommissionID:         row.CommissionID,
		SourceEventID:        row.SourceEventID,
		BeneficiaryAccountID: row.BeneficiaryAccountID,
		BaseAmountCents:      row.BaseAmountCents,
		Rate:                 row.Rate,
		CommissionCents:      row.CommissionCents,
		Status:               credits.CommissionStatus(row.Status),
		CreatedUnixUTC:       row.CreatedAt.Unix(),
		SettledUnixUTC:       settledUnixUTC,
	}
}

func metadataJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func isUniqueViolation(err error, constraint string) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraint
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
