package credits

import (
	"context"
	"fmt"
	"sync"
	"testing"
)

// stubStore is an in-memory Store. WithTx serializes callers behind one
// mutex (the stand-in for the per-account row lock) and rolls the whole
// state back when the callback fails.
type stubStore struct {
	mutex       sync.Mutex
	accounts    map[string]Account
	userIndex   map[string]string
	entries     []LedgerEntry
	commissions map[string]CommissionRecord
	sourceIndex map[string]string
	nextID      int
}

func newStubStore() *stubStore {
	return &stubStore{
		accounts:    make(map[string]Account),
		userIndex:   make(map[string]string),
		commissions: make(map[string]CommissionRecord),
		sourceIndex: make(map[string]string),
	}
}

type stubSnapshot struct {
	accounts    map[string]Account
	userIndex   map[string]string
	entries     []LedgerEntry
	commissions map[string]CommissionRecord
	sourceIndex map[string]string
	nextID      int
}

func (store *stubStore) snapshot() stubSnapshot {
	snapshot := stubSnapshot{
		accounts:    make(map[string]Account, len(store.accounts)),
		userIndex:   make(map[string]string, len(store.userIndex)),
		entries:     append([]LedgerEntry(nil), store.entries...),
		commissions: make(map[string]CommissionRecord, len(store.commissions)),
		sourceIndex: make(map[string]string, len(store.sourceIndex)),
		nextID:      store.nextID,
	}
	for key, value := range store.accounts {
		snapshot.accounts[key] = value
	}
	for key, value := range store.userIndex {
		snapshot.userIndex[key] = value
	}
	for key, value := range store.commissions {
		snapshot.commissions[key] = value
	}
	for key, value := range store.sourceIndex {
		snapshot.sourceIndex[key] = value
	}
	return snapshot
}

func (store *stubStore) restore(snapshot stubSnapshot) {
	store.accounts = snapshot.accounts
	store.userIndex = snapshot.userIndex
	store.entries = snapshot.entries
	store.commissions = snapshot.commissions
	store.sourceIndex = snapshot.sourceIndex
	store.nextID = snapshot.nextID
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	snapshot := store.snapshot()
	if err := fn(ctx, stubTx{store: store}); err != nil {
		store.restore(snapshot)
		return err
	}
	return nil
}

func (store *stubStore) GetOrCreateAccount(ctx context.Context, userID string) (Account, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return store.getOrCreateAccountLocked(userID)
}

func (store *stubStore) GetAccount(ctx context.Context, accountID string) (Account, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return store.getAccountLocked(accountID)
}

func (store *stubStore) GetAccountForUpdate(ctx context.Context, accountID string) (Account, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return store.getAccountLocked(accountID)
}

func (store *stubStore) UpdateAccountBalance(ctx context.Context, accountID string, balanceCents, lifetimePurchasedCents, lifetimeSpentCents int64) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return store.updateAccountBalanceLocked(accountID, balanceCents, lifetimePurchasedCents, lifetimeSpentCents)
}

func (store *stubStore) SetAccountUnlimited(ctx context.Context, accountID string, unlimited bool) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return store.setAccountUnlimitedLocked(accountID, unlimited)
}

func (store *stubStore) AppendLedgerEntry(ctx context.Context, entry LedgerEntry, zeroEffect bool) (LedgerEntry, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return store.appendLedgerEntryLocked(entry, zeroEffect)
}

func (store *stubStore) ListLedgerEntries(ctx context.Context, accountID string, beforeUnixUTC int64, limit int) ([]LedgerEntry, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return store.listLedgerEntriesLocked(accountID, beforeUnixUTC, limit)
}

func (store *stubStore) CreateCommission(ctx context.Context, record CommissionRecord) (CommissionRecord, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return store.createCommissionLocked(record)
}

func (store *stubStore) GetCommissionForUpdate(ctx context.Context, commissionID string) (CommissionRecord, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return store.getCommissionLocked(commissionID)
}

func (store *stubStore) GetCommissionBySourceEvent(ctx context.Context, sourceEventID string) (CommissionRecord, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return store.getCommissionBySourceEventLocked(sourceEventID)
}

func (store *stubStore) UpdateCommissionStatus(ctx context.Context, commissionID string, from, to CommissionStatus, settledUnixUTC int64) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return store.updateCommissionStatusLocked(commissionID, from, to, settledUnixUTC)
}

// stubTx reuses the store state while the WithTx mutex is already held.
type stubTx struct {
	store *stubStore
}

func (tx stubTx) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	return fn(ctx, tx)
}

func (tx stubTx) GetOrCreateAccount(ctx context.Context, userID string) (Account, error) {
	return tx.store.getOrCreateAccountLocked(userID)
}

func (tx stubTx) GetAccount(ctx context.Context, accountID string) (Account, error) {
	return tx.store.getAccountLocked(accountID)
}

func (tx stubTx) GetAccountForUpdate(ctx context.Context, accountID string) (Account, error) {
	return tx.store.getAccountLocked(accountID)
}

func (tx stubTx) UpdateAccountBalance(ctx context.Context, accountID string, balanceCents, lifetimePurchasedCents, lifetimeSpentCents int64) error {
	return tx.store.updateAccountBalanceLocked(accountID, balanceCents, lifetimePurchasedCents, lifetimeSpentCents)
}

func (tx stubTx) SetAccountUnlimited(ctx context.Context, accountID string, unlimited bool) error {
	return tx.store.setAccountUnlimitedLocked(accountID, unlimited)
}

func (tx stubTx) AppendLedgerEntry(ctx context.Context, entry LedgerEntry, zeroEffect bool) (LedgerEntry, error) {
	return tx.store.appendLedgerEntryLocked(entry, zeroEffect)
}

func (tx stubTx) ListLedgerEntries(ctx context.Context, accountID string, beforeUnixUTC int64, limit int) ([]LedgerEntry, error) {
	return tx.store.listLedgerEntriesLocked(accountID, beforeUnixUTC, limit)
}

func (tx stubTx) CreateCommission(ctx context.Context, record CommissionRecord) (CommissionRecord, error) {
	return tx.store.createCommissionLocked(record)
}

func (tx stubTx) GetCommissionForUpdate(ctx context.Context, commissionID string) (CommissionRecord, error) {
	return tx.store.getCommissionLocked(commissionID)
}

func (tx stubTx) GetCommissionBySourceEvent(ctx context.Context, sourceEventID string) (CommissionRecord, error) {
	return tx.store.getCommissionBySourceEventLocked(sourceEventID)
}

func (tx stubTx) UpdateCommissionStatus(ctx context.Context, commissionID string, from, to CommissionStatus, settledUnixUTC int64) error {
	return tx.store.updateCommissionStatusLocked(commissionID, from, to, settledUnixUTC)
}

func (store *stubStore) getOrCreateAccountLocked(userID string) (Account, error) {
	if accountID, found := store.userIndex[userID]; found {
		return store.accounts[accountID], nil
	}
	store.nextID++
	account := Account{
		AccountID: fmt.Sprintf("acct-%d", store.nextID),
		UserID:    userID,
		Status:    AccountActive,
	}
	store.accounts[account.AccountID] = account
	store.userIndex[userID] = account.AccountID
	return account, nil
}

func (store *stubStore) getAccountLocked(accountID string) (Account, error) {
	account, found := store.accounts[accountID]
	if !found {
		return Account{}, ErrAccountNotFound
	}
	return account, nil
}

func (store *stubStore) updateAccountBalanceLocked(accountID string, balanceCents, lifetimePurchasedCents, lifetimeSpentCents int64) error {
	account, found := store.accounts[accountID]
	if !found {
		return ErrAccountNotFound
	}
	account.BalanceCents = balanceCents
	account.LifetimePurchasedCents = lifetimePurchasedCents
	account.LifetimeSpentCents = lifetimeSpentCents
	store.accounts[accountID] = account
	return nil
}

func (store *stubStore) setAccountUnlimitedLocked(accountID string, unlimited bool) error {
	account, found := store.accounts[accountID]
	if !found {
		return ErrAccountNotFound
	}
	account.IsUnlimited = unlimited
	store.accounts[accountID] = account
	return nil
}

func (store *stubStore) appendLedgerEntryLocked(entry LedgerEntry, zeroEffect bool) (LedgerEntry, error) {
	if zeroEffect {
		if entry.BalanceAfterCents != entry.BalanceBeforeCents {
			return LedgerEntry{}, ErrLedgerInvariantViolation
		}
	} else if entry.BalanceAfterCents != entry.BalanceBeforeCents+entry.AmountCents {
		return LedgerEntry{}, ErrLedgerInvariantViolation
	}
	if entry.RelatedEntityID != "" {
		for _, existing := range store.entries {
			if existing.AccountID == entry.AccountID && existing.Type == entry.Type && existing.RelatedEntityID == entry.RelatedEntityID {
				return LedgerEntry{}, ErrDuplicateMutation
			}
		}
	}
	store.nextID++
	entry.EntryID = fmt.Sprintf("entry-%d", store.nextID)
	store.entries = append(store.entries, entry)
	return entry, nil
}

func (store *stubStore) listLedgerEntriesLocked(accountID string, beforeUnixUTC int64, limit int) ([]LedgerEntry, error) {
	var matched []LedgerEntry
	for index := len(store.entries) - 1; index >= 0; index-- {
		entry := store.entries[index]
		if entry.AccountID != accountID {
			continue
		}
		if beforeUnixUTC != 0 && entry.CreatedUnixUTC >= beforeUnixUTC {
			continue
		}
		matched = append(matched, entry)
		if limit > 0 && len(matched) == limit {
			break
		}
	}
	return matched, nil
}

func (store *stubStore) createCommissionLocked(record CommissionRecord) (CommissionRecord, error) {
	if _, found := store.sourceIndex[record.SourceEventID]; found {
		return CommissionRecord{}, ErrCommissionExists
	}
	store.nextID++
	record.CommissionID = fmt.Sprintf("comm-%d", store.nextID)
	store.commissions[record.CommissionID] = record
	store.sourceIndex[record.SourceEventID] = record.CommissionID
	return record, nil
}

func (store *stubStore) getCommissionLocked(commissionID string) (CommissionRecord, error) {
	record, found := store.commissions[commissionID]
	if !found {
		return CommissionRecord{}, ErrUnknownCommission
	}
	return record, nil
}

func (store *stubStore) getCommissionBySourceEventLocked(sourceEventID string) (CommissionRecord, error) {
	commissionID, found := store.sourceIndex[sourceEventID]
	if !found {
		return CommissionRecord{}, ErrUnknownCommission
	}
	return store.commissions[commissionID], nil
}

func (store *stubStore) updateCommissionStatusLocked(commissionID string, from, to CommissionStatus, settledUnixUTC int64) error {
	record, found := store.commissions[commissionID]
	if !found {
		return ErrUnknownCommission
	}
	if record.Status != from {
		return ErrCommissionClosed
	}
	record.Status = to
	record.SettledUnixUTC = settledUnixUTC
	store.commissions[commissionID] = record
	return nil
}

func (store *stubStore) entriesForAccount(accountID string) []LedgerEntry {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	var matched []LedgerEntry
	for _, entry := range store.entries {
		if entry.AccountID == accountID {
			matched = append(matched, entry)
		}
	}
	return matched
}

func mustNewService(test *testing.T, store Store) *Service {
	test.Helper()
	clockValue := int64(0)
	clock := func() int64 {
		clockValue++
		return clockValue
	}
	service, err := NewService(store, clock)
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	return service
}

func mustCreateAccount(test *testing.T, service *Service, userID string) Account {
	test.Helper()
	account, err := service.GetOrCreateAccount(context.Background(), userID)
	if err != nil {
		test.Fatalf("get or create account: %v", err)
	}
	return account
}

func mustMutate(test *testing.T, service *Service, accountID string, amountCents int64, entryType EntryType, relatedEntityID string) MutationResult {
	test.Helper()
	result, err := service.Mutate(context.Background(), accountID, amountCents, entryType, "", ActorSystem, relatedEntityID)
	if err != nil {
		test.Fatalf("mutate %d (%s): %v", amountCents, entryType, err)
	}
	return result
}
