package pricing

import (
	"fmt"
	"strings"
	"sync"

	"github.com/shopspring/decimal"
)

// Catalog holds pricing rules and their derived prices. Derived prices are
// recomputed synchronously on every rule or margin change; there is no TTL
// and no stale cache, only explicit invalidation.
type Catalog struct {
	mutex  sync.RWMutex
	rules  map[string]Rule
	prices map[string]ResourcePrice
}

// NewCatalog returns an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{
		rules:  make(map[string]Rule),
		prices: make(map[string]ResourcePrice),
	}
}

// SetRule installs or replaces the rule for a resource and recomputes its
// derived price.
func (catalog *Catalog) SetRule(rule Rule) error {
	if err := rule.Validate(); err != nil {
		return err
	}
	catalog.mutex.Lock()
	defer catalog.mutex.Unlock()
	catalog.rules[rule.Resource] = rule
	catalog.prices[rule.Resource] = derivePrice(rule)
	return nil
}

// SetMargin updates only the margin for a resource and recomputes its
// derived price.
func (catalog *Catalog) SetMargin(resource string, marginPercent decimal.Decimal) error {
	if marginPercent.IsNegative() {
		return fmt.Errorf("%w: margin must not be negative", ErrInvalidMargin)
	}
	catalog.mutex.Lock()
	defer catalog.mutex.Unlock()
	rule, found := catalog.rules[resource]
	if !found {
		return fmt.Errorf("%w: %q", ErrUnknownResource, resource)
	}
	rule.MarginPercent = marginPercent
	catalog.rules[resource] = rule
	catalog.prices[resource] = derivePrice(rule)
	return nil
}

// Invalidate removes a resource from the catalog.
func (catalog *Catalog) Invalidate(resource string) {
	catalog.mutex.Lock()
	defer catalog.mutex.Unlock()
	delete(catalog.rules, resource)
	delete(catalog.prices, resource)
}

// PriceFor returns the derived price for a resource.
func (catalog *Catalog) PriceFor(resource string) (ResourcePrice, error) {
	catalog.mutex.RLock()
	defer catalog.mutex.RUnlock()
	price, found := catalog.prices[strings.TrimSpace(resource)]
	if !found {
		return ResourcePrice{}, fmt.Errorf("%w: %q", ErrUnknownResource, resource)
	}
	return price, nil
}

// QuoteCents prices a unit of usage against a resource's derived price.
func (catalog *Catalog) QuoteCents(resource string, usage Usage) (int64, error) {
	price, err := catalog.PriceFor(resource)
	if err != nil {
		return 0, err
	}
	return price.Charge(usage), nil
}
