// Package allocation validates the percentage vectors participants submit
// before a day is settled.
//
// Validation happens once, at submission time. Settlement never re-validates:
// it trusts a stored allocation or substitutes the all-cash default.
package allocation

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/econsim/day-engine/internal/model"
)

var (
	// ErrInvalidWeight is returned when a single weight lies outside [0, 100].
	ErrInvalidWeight = errors.New("allocation: weight must be between 0 and 100")

	// ErrAllocationNotComplete is returned when the weights do not sum to
	// exactly 100.
	ErrAllocationNotComplete = errors.New("allocation: weights must sum to 100")

	// ErrUnknownAsset is returned for a key that is not one of the five
	// asset classes.
	ErrUnknownAsset = errors.New("allocation: unknown asset class")
)

var (
	minWeight = decimal.Zero
	maxWeight = decimal.NewFromInt(100)
)

// Validate checks a submitted allocation. Weights are checked before the
// total, so a vector like {stocks: 150, bonds: -50} reports ErrInvalidWeight.
//
// The total must equal 100 exactly. There is no tolerance: 33.33 * 3 is
// rejected, which callers entering thirds need to be aware of.
func Validate(a model.Allocation) error {
	if len(a) == 0 {
		return fmt.Errorf("%w: got empty allocation", ErrAllocationNotComplete)
	}

	for _, asset := range sortedKeys(a) {
		if !asset.Valid() {
			return fmt.Errorf("%w: %q", ErrUnknownAsset, asset)
		}
		w := a[asset]
		if w.LessThan(minWeight) || w.GreaterThan(maxWeight) {
			return fmt.Errorf("%w: %s=%s", ErrInvalidWeight, asset, w)
		}
	}

	if total := a.Total(); !total.Equal(maxWeight) {
		return fmt.Errorf("%w: got %s", ErrAllocationNotComplete, total)
	}
	return nil
}

// sortedKeys yields known assets in display order, then unknown keys, so the
// reported error does not depend on map iteration order.
func sortedKeys(a model.Allocation) []model.AssetClass {
	keys := make([]model.AssetClass, 0, len(a))
	for _, asset := range model.AssetClasses {
		if _, ok := a[asset]; ok {
			keys = append(keys, asset)
		}
	}
	for k := range a {
		if !k.Valid() {
			keys = append(keys, k)
		}
	}
	return keys
}
