package gormstore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/salonbase/credits/pkg/credits"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

func mustOpenStore(test *testing.T) *Store {
	test.Helper()
	databasePath := filepath.Join(test.TempDir(), "credits.db")
	db, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		test.Fatalf("open sqlite: %v", err)
	}
	store := New(db)
	if err := store.Migrate(); err != nil {
		test.Fatalf("migrate: %v", err)
	}
	return store
}

func mustServiceOverStore(test *testing.T, store *Store) *credits.Service {
	test.Helper()
	clockValue := int64(0)
	service, err := credits.NewService(store, func() int64 { clockValue++; return clockValue })
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	return service
}

func TestStoreMutateAndList(test *testing.T) {
	test.Parallel()
	store := mustOpenStore(test)
	service := mustServiceOverStore(test, store)
	ctx := context.Background()

	account, err := service.GetOrCreateAccount(ctx, "user-sqlite")
	if err != nil {
		test.Fatalf("get or create: %v", err)
	}
	if _, err := service.Mutate(ctx, account.AccountID, 300, credits.EntryPurchase, "pack", credits.ActorUser, "order-1"); err != nil {
		test.Fatalf("purchase: %v", err)
	}
	result, err := service.Mutate(ctx, account.AccountID, -100, credits.EntryUsageDebit, "", credits.ActorSystem, "call-1")
	if err != nil {
		test.Fatalf("debit: %v", err)
	}
	if result.NewBalanceCents != 200 {
		test.Fatalf("expected balance 200, got %d", result.NewBalanceCents)
	}

	entries, err := service.ListLedger(ctx, account.AccountID, 0, 10)
	if err != nil {
		test.Fatalf("list: %v", err)
	}
	if len(entries) != 2 {
		test.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Type != credits.EntryUsageDebit || entries[1].Type != credits.EntryPurchase {
		test.Fatalf("expected newest first, got %s then %s", entries[0].Type, entries[1].Type)
	}
	if entries[0].BalanceBeforeCents != entries[1].BalanceAfterCents {
		test.Fatal("expected contiguous balance snapshots")
	}
}

func TestStoreRejectsDuplicateMutation(test *testing.T) {
	test.Parallel()
	store := mustOpenStore(test)
	service := mustServiceOverStore(test, store)
	ctx := context.Background()

	account, err := service.GetOrCreateAccount(ctx, "user-dup")
	if err != nil {
		test.Fatalf("get or create: %v", err)
	}
	if _, err := service.Mutate(ctx, account.AccountID, 500, credits.EntryPurchase, "", credits.ActorUser, "order-7"); err != nil {
		test.Fatalf("first purchase: %v", err)
	}
	_, err = service.Mutate(ctx, account.AccountID, 500, credits.EntryPurchase, "", credits.ActorUser, "order-7")
	if !errors.Is(err, credits.ErrDuplicateMutation) {
		test.Fatalf("expected ErrDuplicateMutation, got %v", err)
	}
	// Same related id under a different entry type is a distinct mutation.
	if _, err := service.Mutate(ctx, account.AccountID, -200, credits.EntryUsageDebit, "", credits.ActorSystem, "order-7"); err != nil {
		test.Fatalf("cross-type mutation: %v", err)
	}

	refreshed, err := service.GetOrCreateAccount(ctx, "user-dup")
	if err != nil {
		test.Fatalf("refresh: %v", err)
	}
	if refreshed.BalanceCents != 300 {
		test.Fatalf("expected balance 300 after one purchase and one debit, got %d", refreshed.BalanceCents)
	}
}

func TestStoreChecksInvariantAtWrite(test *testing.T) {
	test.Parallel()
	store := mustOpenStore(test)
	ctx := context.Background()

	account, err := store.GetOrCreateAccount(ctx, "user-invariant")
	if err != nil {
		test.Fatalf("get or create: %v", err)
	}

	_, err = store.AppendLedgerEntry(ctx, credits.LedgerEntry{
		AccountID:          account.AccountID,
		Type:               credits.EntryPurchase,
		AmountCents:        100,
		BalanceBeforeCents: 0,
		BalanceAfterCents:  50,
		Actor:              credits.ActorUser,
		CreatedUnixUTC:     1,
	}, false)
	if !errors.Is(err, credits.ErrLedgerInvariantViolation) {
		test.Fatalf("expected ErrLedgerInvariantViolation, got %v", err)
	}

	// Zero-effect rows must keep the balance frozen instead.
	_, err = store.AppendLedgerEntry(ctx, credits.LedgerEntry{
		AccountID:          account.AccountID,
		Type:               credits.EntryUsageDebit,
		AmountCents:        -100,
		BalanceBeforeCents: 40,
		BalanceAfterCents:  -60,
		Actor:              credits.ActorSystem,
		CreatedUnixUTC:     2,
	}, true)
	if !errors.Is(err, credits.ErrLedgerInvariantViolation) {
		test.Fatalf("expected ErrLedgerInvariantViolation for zero-effect drift, got %v", err)
	}
}

func TestStoreCommissionSourceEventUnique(test *testing.T) {
	test.Parallel()
	store := mustOpenStore(test)
	ctx := context.Background()

	account, err := store.GetOrCreateAccount(ctx, "user-referrer")
	if err != nil {
		test.Fatalf("get or create: %v", err)
	}
	record := credits.CommissionRecord{
		SourceEventID:        "purchase-42",
		BeneficiaryAccountID: account.AccountID,
		BaseAmountCents:      1000,
		Rate:                 decimal.RequireFromString("0.1"),
		CommissionCents:      100,
		Status:               credits.CommissionPending,
		CreatedUnixUTC:       1,
	}
	created, err := store.CreateCommission(ctx, record)
	if err != nil {
		test.Fatalf("create commission: %v", err)
	}
	if created.CommissionID == "" {
		test.Fatal("expected generated commission id")
	}

	if _, err := store.CreateCommission(ctx, record); !errors.Is(err, credits.ErrCommissionExists) {
		test.Fatalf("expected ErrCommissionExists, got %v", err)
	}

	found, err := store.GetCommissionBySourceEvent(ctx, "purchase-42")
	if err != nil {
		test.Fatalf("lookup by source event: %v", err)
	}
	if found.CommissionID != created.CommissionID {
		test.Fatalf("expected %s, got %s", created.CommissionID, found.CommissionID)
	}
}

func TestStoreCommissionStatusTransitionGuard(test *testing.T) {
	test.Parallel()
	store := mustOpenStore(test)
	ctx := context.Background()

	account, err := store.GetOrCreateAccount(ctx, "user-guard")
	if err != nil {
		test.Fatalf("get or create: %v", err)
	}
	created, err := store.CreateCommission(ctx, credits.CommissionRecord{
		SourceEventID:        "purchase-43",
		BeneficiaryAccountID: account.AccountID,
		BaseAmountCents:      100,
		Rate:                 decimal.RequireFromString("0.05"),
		CommissionCents:      5,
		Status:               credits.CommissionPending,
		CreatedUnixUTC:       1,
	})
	if err != nil {
		test.Fatalf("create commission: %v", err)
	}

	err = store.UpdateCommissionStatus(ctx, created.CommissionID, credits.CommissionApproved, credits.CommissionPaid, 9)
	if !errors.Is(err, credits.ErrCommissionClosed) {
		test.Fatalf("expected guard to reject wrong-status update, got %v", err)
	}
	if err := store.UpdateCommissionStatus(ctx, created.CommissionID, credits.CommissionPending, credits.CommissionApproved, 0); err != nil {
		test.Fatalf("approve: %v", err)
	}

	refreshed, err := store.GetCommissionForUpdate(ctx, created.CommissionID)
	if err != nil {
		test.Fatalf("refresh: %v", err)
	}
	if refreshed.Status != credits.CommissionApproved {
		test.Fatalf("expected APPROVED, got %s", refreshed.Status)
	}
}

func TestStoreWithTxRollsBack(test *testing.T) {
	test.Parallel()
	store := mustOpenStore(test)
	ctx := context.Background()

	account, err := store.GetOrCreateAccount(ctx, "user-rollback")
	if err != nil {
		test.Fatalf("get or create: %v", err)
	}

	sentinel := errors.New("forced failure")
	err = store.WithTx(ctx, func(ctx context.Context, txStore credits.Store) error {
		_, appendErr := txStore.AppendLedgerEntry(ctx, credits.LedgerEntry{
			AccountID:          account.AccountID,
			Type:               credits.EntryPurchase,
			AmountCents:        100,
			BalanceBeforeCents: 0,
			BalanceAfterCents:  100,
			Actor:              credits.ActorUser,
			CreatedUnixUTC:     1,
		}, false)
		if appendErr != nil {
			return appendErr
		}
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		test.Fatalf("expected sentinel error, got %v", err)
	}

	entries, err := store.ListLedgerEntries(ctx, account.AccountID, 0, 10)
	if err != nil {
		test.Fatalf("list: %v", err)
	}
	if len(entries) != 0 {
		test.Fatalf("expected rollback to discard the entry, got %d rows", len(entries))
	}
}

func TestStoreDefaultsMissingCreationTime(test *testing.T) {
	test.Parallel()
	store := mustOpenStore(test)
	ctx := context.Background()

	account, err := store.GetOrCreateAccount(ctx, "user-clockless")
	if err != nil {
		test.Fatalf("get or create: %v", err)
	}
	before := time.Now().UTC().Unix()
	inserted, err := store.AppendLedgerEntry(ctx, credits.LedgerEntry{
		AccountID:          account.AccountID,
		Type:               credits.EntryPurchase,
		AmountCents:        100,
		BalanceBeforeCents: 0,
		BalanceAfterCents:  100,
		Actor:              credits.ActorUser,
	}, false)
	if err != nil {
		test.Fatalf("append: %v", err)
	}
	if inserted.CreatedUnixUTC < before {
		test.Fatalf("expected current timestamp for zero CreatedUnixUTC, got %d", inserted.CreatedUnixUTC)
	}
}

func TestStoreUpdateBalanceUnknownAccount(test *testing.T) {
	test.Parallel()
	store := mustOpenStore(test)

	err := store.UpdateAccountBalance(context.Background(), "00000000-0000-0000-0000-000000000000", 10, 10, 0)
	if !errors.Is(err, credits.ErrAccountNotFound) {
		test.Fatalf("expected ErrAccountNotFound, got %v", err)
	}
}
