package credits

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/salonbase/credits/pkg/pricing"
)

// Meter bills completed metered work (AI calls, video runs) by pricing the
// reported usage and debiting the account through the mutation engine. The
// callID becomes the debit's relatedEntityID, so a retried usage
// notification cannot double-debit.
type Meter struct {
	service *Service
	catalog *pricing.Catalog
}

// NewMeter wires a Meter.
func NewMeter(service *Service, catalog *pricing.Catalog) (*Meter, error) {
	if service == nil {
		return nil, fmt.Errorf("%w: service dependency is nil", ErrInvalidServiceConfig)
	}
	if catalog == nil {
		return nil, fmt.Errorf("%w: catalog dependency is nil", ErrInvalidServiceConfig)
	}
	return &Meter{service: service, catalog: catalog}, nil
}

// Preflight quotes the charge for the given usage and reports whether the
// account could afford it right now. Advisory only; the binding check runs
// inside Charge.
func (meter *Meter) Preflight(ctx context.Context, accountID string, resource string, usage pricing.Usage) (int64, bool, error) {
	chargeCents, err := meter.catalog.QuoteCents(resource, usage)
	if err != nil {
		return 0, false, err
	}
	if chargeCents == 0 {
		return 0, true, nil
	}
	affordable, err := meter.service.CanAfford(ctx, accountID, chargeCents)
	if err != nil {
		return 0, false, err
	}
	return chargeCents, affordable, nil
}

// Charge debits the account for completed usage. Zero-cost usage is not
// recorded. The usage breakdown lands in the ledger entry metadata.
func (meter *Meter) Charge(ctx context.Context, accountID string, resource string, usage pricing.Usage, callID string) (MutationResult, error) {
	if strings.TrimSpace(callID) == "" {
		return MutationResult{}, fmt.Errorf("%w: call id is required for usage debits", ErrInvalidSourceEventID)
	}
	chargeCents, err := meter.catalog.QuoteCents(resource, usage)
	if err != nil {
		return MutationResult{}, err
	}
	if chargeCents == 0 {
		return MutationResult{}, nil
	}
	metadata, err := usageMetadata(resource, usage)
	if err != nil {
		return MutationResult{}, err
	}
	result, operationError := meter.service.mutateChecked(ctx, accountID, -chargeCents, EntryUsageDebit, "usage: "+resource, ActorSystem, callID, metadata)
	meter.service.logOperation(ctx, OperationLog{
		Operation:       operationChargeUsage,
		AccountID:       accountID,
		AmountCents:     -chargeCents,
		EntryType:       EntryUsageDebit,
		Actor:           ActorSystem,
		RelatedEntityID: callID,
		Error:           operationError,
	})
	return result, operationError
}

func usageMetadata(resource string, usage pricing.Usage) (string, error) {
	raw, err := json.Marshal(map[string]int64{
		"input_tokens":  usage.InputTokens,
		"output_tokens": usage.OutputTokens,
		"runs":          usage.Runs,
	})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(`{"resource":%q,"usage":%s}`, resource, raw), nil
}
