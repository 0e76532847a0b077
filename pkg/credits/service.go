package credits

import (
	"context"
	"fmt"
	"strings"
)

// Service contains the domain logic over a Store. Its Mutate method is the
// only code path that changes an account balance.
type Service struct {
	store  Store
	nowFn  func() int64
	logger OperationLogger
}

// NewService wires a Service.
func NewService(store Store, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{store: store, nowFn: now}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// GetOrCreateAccount returns the account for a user, creating it with zero
// balance on first use. Creation is idempotent.
func (service *Service) GetOrCreateAccount(ctx context.Context, userID string) (Account, error) {
	if strings.TrimSpace(userID) == "" {
		return Account{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	return service.store.GetOrCreateAccount(ctx, strings.TrimSpace(userID))
}

// CanAfford reports whether the account could cover a debit of requiredCents.
// This is an advisory preflight only: the authoritative check happens inside
// Mutate under the account lock, and a passed preflight never skips it.
func (service *Service) CanAfford(ctx context.Context, accountID string, requiredCents int64) (bool, error) {
	if strings.TrimSpace(accountID) == "" {
		return false, fmt.Errorf("%w: empty value", ErrInvalidAccountID)
	}
	if requiredCents <= 0 {
		return false, fmt.Errorf("%w: required amount must be positive", ErrInvalidAmount)
	}
	account, err := service.store.GetAccount(ctx, accountID)
	if err != nil {
		return false, err
	}
	if account.IsUnlimited {
		return true, nil
	}
	return account.BalanceCents >= requiredCents, nil
}

// Mutate applies a signed balance change and appends the matching ledger
// entry in one transaction. A non-empty relatedEntityID makes the mutation
// idempotent per (account, type, relatedEntityID): a replay fails with
// ErrDuplicateMutation and leaves no side effects.
func (service *Service) Mutate(ctx context.Context, accountID string, amountCents int64, entryType EntryType, description string, actor Actor, relatedEntityID string) (MutationResult, error) {
	result, operationError := service.mutateChecked(ctx, accountID, amountCents, entryType, description, actor, relatedEntityID, defaultMetadataJSON)
	service.logOperation(ctx, OperationLog{
		Operation:       operationMutate,
		AccountID:       accountID,
		AmountCents:     amountCents,
		EntryType:       entryType,
		Actor:           actor,
		RelatedEntityID: relatedEntityID,
		Error:           operationError,
	})
	return result, operationError
}

// ListLedger returns ledger entries newest-first, before an optional cursor.
// A non-positive limit falls back to the default page size.
func (service *Service) ListLedger(ctx context.Context, accountID string, beforeUnixUTC int64, limit int) ([]LedgerEntry, error) {
	if strings.TrimSpace(accountID) == "" {
		return nil, fmt.Errorf("%w: empty value", ErrInvalidAccountID)
	}
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	return service.store.ListLedgerEntries(ctx, accountID, beforeUnixUTC, limit)
}

func (service *Service) mutateChecked(ctx context.Context, accountID string, amountCents int64, entryType EntryType, description string, actor Actor, relatedEntityID string, metadataJSON string) (MutationResult, error) {
	if err := validateMutation(accountID, amountCents, entryType, actor); err != nil {
		return MutationResult{}, err
	}
	var result MutationResult
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		var err error
		result, err = service.mutateTx(ctx, transactionStore, accountID, amountCents, entryType, description, actor, relatedEntityID, metadataJSON)
		return err
	})
	if operationError != nil {
		return MutationResult{}, operationError
	}
	return result, nil
}

// mutateTx runs the read-validate-write cycle. Callers must hold an open
// transaction; the account row lock taken here serializes concurrent
// mutations against the same account for the remainder of that transaction.
func (service *Service) mutateTx(ctx context.Context, transactionStore Store, accountID string, amountCents int64, entryType EntryType, description string, actor Actor, relatedEntityID string, metadataJSON string) (MutationResult, error) {
	account, err := transactionStore.GetAccountForUpdate(ctx, accountID)
	if err != nil {
		return MutationResult{}, err
	}
	zeroEffect := false
	balanceAfter := account.BalanceCents + amountCents
	if amountCents < 0 {
		if account.IsUnlimited {
			// Unlimited accounts keep their numeric balance frozen on debit;
			// the entry still records the amount for audit continuity.
			zeroEffect = true
			balanceAfter = account.BalanceCents
		} else if balanceAfter < 0 {
			return MutationResult{}, ErrInsufficientBalance
		}
	}
	entry := LedgerEntry{
		AccountID:          accountID,
		Type:               entryType,
		AmountCents:        amountCents,
		BalanceBeforeCents: account.BalanceCents,
		BalanceAfterCents:  balanceAfter,
		Description:        description,
		Actor:              actor,
		RelatedEntityID:    relatedEntityID,
		MetadataJSON:       metadataJSON,
		CreatedUnixUTC:     service.nowFn(),
	}
	inserted, err := transactionStore.AppendLedgerEntry(ctx, entry, zeroEffect)
	if err != nil {
		return MutationResult{}, err
	}
	lifetimePurchased := account.LifetimePurchasedCents
	if entryType == EntryPurchase && amountCents > 0 {
		lifetimePurchased += amountCents
	}
	lifetimeSpent := account.LifetimeSpentCents
	if amountCents < 0 {
		lifetimeSpent += -amountCents
	}
	if err := transactionStore.UpdateAccountBalance(ctx, accountID, balanceAfter, lifetimePurchased, lifetimeSpent); err != nil {
		return MutationResult{}, err
	}
	return MutationResult{NewBalanceCents: balanceAfter, LedgerEntryID: inserted.EntryID}, nil
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}

func validateMutation(accountID string, amountCents int64, entryType EntryType, actor Actor) error {
	if strings.TrimSpace(accountID) == "" {
		return fmt.Errorf("%w: empty value", ErrInvalidAccountID)
	}
	if amountCents == 0 {
		return fmt.Errorf("%w: zero mutations are not recorded", ErrInvalidAmount)
	}
	if _, err := ParseEntryType(entryType.String()); err != nil {
		return err
	}
	if _, err := ParseActor(actor.String()); err != nil {
		return err
	}
	return nil
}
