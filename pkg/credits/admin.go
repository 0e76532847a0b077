package credits

import (
	"context"
	"fmt"
	"strings"
)

// AdminAdjust applies an operator-initiated balance change. The actor is
// always forced to "admin:<adminID>", a negative adjustment requires a
// non-empty reason, and blocked or deleted accounts are rejected unless
// override is set.
func (service *Service) AdminAdjust(ctx context.Context, accountID string, amountCents int64, reason string, adminID string, override bool) (MutationResult, error) {
	actor := AdminActor(adminID)
	var result MutationResult
	operationError := func() error {
		if strings.TrimSpace(adminID) == "" {
			return fmt.Errorf("%w: admin id is required", ErrInvalidActor)
		}
		if amountCents == 0 {
			return fmt.Errorf("%w: zero mutations are not recorded", ErrInvalidAmount)
		}
		if amountCents < 0 && strings.TrimSpace(reason) == "" {
			return fmt.Errorf("%w: negative adjustments require a reason", ErrInvalidReason)
		}
		return service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
			account, err := transactionStore.GetAccountForUpdate(ctx, accountID)
			if err != nil {
				return err
			}
			if account.Status != AccountActive && !override {
				return fmt.Errorf("%w: account is %s", ErrAccountRestricted, account.Status)
			}
			result, err = service.mutateTx(ctx, transactionStore, accountID, amountCents, EntryAdjustment, strings.TrimSpace(reason), actor, "", defaultMetadataJSON)
			return err
		})
	}()
	service.logOperation(ctx, OperationLog{
		Operation:   operationAdminAdjust,
		AccountID:   accountID,
		AmountCents: amountCents,
		EntryType:   EntryAdjustment,
		Actor:       actor,
		Error:       operationError,
	})
	if operationError != nil {
		return MutationResult{}, operationError
	}
	return result, nil
}

// SetUnlimited toggles the unlimited flag on an account. No ledger entry is
// written because the balance does not change; the operation log carries the
// admin attribution.
func (service *Service) SetUnlimited(ctx context.Context, accountID string, unlimited bool, adminID string) error {
	operationError := func() error {
		if strings.TrimSpace(adminID) == "" {
			return fmt.Errorf("%w: admin id is required", ErrInvalidActor)
		}
		if strings.TrimSpace(accountID) == "" {
			return fmt.Errorf("%w: empty value", ErrInvalidAccountID)
		}
		return service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
			if _, err := transactionStore.GetAccountForUpdate(ctx, accountID); err != nil {
				return err
			}
			return transactionStore.SetAccountUnlimited(ctx, accountID, unlimited)
		})
	}()
	service.logOperation(ctx, OperationLog{
		Operation: operationSetUnlimited,
		AccountID: accountID,
		Actor:     AdminActor(adminID),
		Error:     operationError,
	})
	return operationError
}
