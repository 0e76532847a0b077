package credits

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

var decimalOne = decimal.NewFromInt(1)

// CreateCommission records the share of a revenue event owed to a
// beneficiary account. Creation is idempotent per sourceEventID: replaying
// the same revenue event returns the existing record unchanged.
func (service *Service) CreateCommission(ctx context.Context, sourceEventID string, beneficiaryAccountID string, baseAmountCents int64, rate decimal.Decimal) (CommissionRecord, error) {
	var record CommissionRecord
	operationError := func() error {
		if strings.TrimSpace(sourceEventID) == "" {
			return fmt.Errorf("%w: empty value", ErrInvalidSourceEventID)
		}
		if strings.TrimSpace(beneficiaryAccountID) == "" {
			return fmt.Errorf("%w: empty value", ErrInvalidAccountID)
		}
		if baseAmountCents <= 0 {
			return fmt.Errorf("%w: base amount must be positive", ErrInvalidAmount)
		}
		if rate.LessThanOrEqual(decimal.Zero) || rate.GreaterThan(decimalOne) {
			return fmt.Errorf("%w: rate must be in (0, 1]", ErrInvalidRate)
		}
		commissionCents := decimal.NewFromInt(baseAmountCents).Mul(rate).Round(0).IntPart()
		if commissionCents == 0 {
			// A zero-cent payout could never be recorded as a mutation.
			return fmt.Errorf("%w: commission rounds to zero cents", ErrInvalidAmount)
		}
		return service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
			if _, err := transactionStore.GetAccount(ctx, beneficiaryAccountID); err != nil {
				return err
			}
			created, err := transactionStore.CreateCommission(ctx, CommissionRecord{
				SourceEventID:        strings.TrimSpace(sourceEventID),
				BeneficiaryAccountID: beneficiaryAccountID,
				BaseAmountCents:      baseAmountCents,
				Rate:                 rate,
				CommissionCents:      commissionCents,
				Status:               CommissionPending,
				CreatedUnixUTC:       service.nowFn(),
			})
			if errors.Is(err, ErrCommissionExists) {
				created, err = transactionStore.GetCommissionBySourceEvent(ctx, strings.TrimSpace(sourceEventID))
			}
			if err != nil {
				return err
			}
			record = created
			return nil
		})
	}()
	service.logOperation(ctx, OperationLog{
		Operation:       operationCreateCommission,
		AccountID:       beneficiaryAccountID,
		AmountCents:     record.CommissionCents,
		RelatedEntityID: sourceEventID,
		CommissionID:    record.CommissionID,
		Error:           operationError,
	})
	if operationError != nil {
		return CommissionRecord{}, operationError
	}
	return record, nil
}

// ApproveCommission transitions a pending commission to APPROVED.
func (service *Service) ApproveCommission(ctx context.Context, commissionID string) error {
	operationError := service.transitionCommission(ctx, commissionID, CommissionApproved)
	service.logOperation(ctx, OperationLog{
		Operation:    operationApproveCommission,
		CommissionID: commissionID,
		Error:        operationError,
	})
	return operationError
}

// RejectCommission transitions a pending commission to REJECTED (terminal).
func (service *Service) RejectCommission(ctx context.Context, commissionID string) error {
	operationError := service.transitionCommission(ctx, commissionID, CommissionRejected)
	service.logOperation(ctx, OperationLog{
		Operation:    operationRejectCommission,
		CommissionID: commissionID,
		Error:        operationError,
	})
	return operationError
}

// PayoutCommission credits the beneficiary and marks the record PAID in one
// transaction. A repeated call fails with ErrCommissionAlreadySettled and no
// balance change; callers treat that as a successful no-op. A failed credit
// leaves the record APPROVED, so payout is always safe to retry.
func (service *Service) PayoutCommission(ctx context.Context, commissionID string) error {
	var payout CommissionRecord
	operationError := func() error {
		if strings.TrimSpace(commissionID) == "" {
			return fmt.Errorf("%w: empty value", ErrInvalidCommissionID)
		}
		return service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
			record, err := transactionStore.GetCommissionForUpdate(ctx, commissionID)
			if err != nil {
				return err
			}
			switch record.Status {
			case CommissionApproved:
			case CommissionPaid:
				return ErrCommissionAlreadySettled
			case CommissionPending:
				return ErrCommissionNotApproved
			default:
				return ErrCommissionClosed
			}
			payout = record
			description := "commission payout for event " + record.SourceEventID
			if _, err := service.mutateTx(ctx, transactionStore, record.BeneficiaryAccountID, record.CommissionCents, EntryCommissionPayout, description, ActorSystem, record.CommissionID, defaultMetadataJSON); err != nil {
				return err
			}
			return transactionStore.UpdateCommissionStatus(ctx, commissionID, CommissionApproved, CommissionPaid, service.nowFn())
		})
	}()
	service.logOperation(ctx, OperationLog{
		Operation:    operationPayoutCommission,
		AccountID:    payout.BeneficiaryAccountID,
		AmountCents:  payout.CommissionCents,
		EntryType:    EntryCommissionPayout,
		Actor:        ActorSystem,
		CommissionID: commissionID,
		Error:        operationError,
	})
	return operationError
}

func (service *Service) transitionCommission(ctx context.Context, commissionID string, target CommissionStatus) error {
	if strings.TrimSpace(commissionID) == "" {
		return fmt.Errorf("%w: empty value", ErrInvalidCommissionID)
	}
	return service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		record, err := transactionStore.GetCommissionForUpdate(ctx, commissionID)
		if err != nil {
			return err
		}
		switch record.Status {
		case CommissionPending:
		case CommissionPaid:
			return ErrCommissionAlreadySettled
		default:
			return ErrCommissionClosed
		}
		return transactionStore.UpdateCommissionStatus(ctx, commissionID, CommissionPending, target, 0)
	})
}
