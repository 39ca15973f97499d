// Package detector compares two consecutive observations of the same target.
package detector

import (
	"github.com/shopspring/decimal"

	"hotel-price-watch/internal/model"
)

// Transition is the availability change between two observations.
type Transition string

const (
	TransitionNone            Transition = "none"
	TransitionNewAvailability Transition = "new_availability"
	TransitionToLimited       Transition = "to_limited"
	TransitionToAvailable     Transition = "to_available"
	TransitionSoldOut         Transition = "sold_out"
)

var hundred = decimal.NewFromInt(100)

// ChangeResult is the derived difference between two observations.
type ChangeResult struct {
	HasChange bool
	// HasPrevious is false on the first sighting of a target.
	HasPrevious bool

	PreviousPrice decimal.Decimal
	CurrentPrice  decimal.Decimal
	// PriceDelta is previous minus current; positive means the price dropped.
	PriceDelta decimal.Decimal
	// PercentDelta is PriceDelta relative to the previous price, rounded to a whole percent.
	PercentDelta decimal.Decimal

	PreviousStatus model.Availability
	CurrentStatus  model.Availability
	Transition     Transition

	PreviousRooms *int
	CurrentRooms  *int
}

// PriceDropped reports a strictly positive drop.
func (c ChangeResult) PriceDropped() bool {
	return c.HasPrevious && c.PriceDelta.IsPositive()
}

// Detect computes the ChangeResult between previous (nil on first sighting) and current.
func Detect(previous *model.Observation, current model.Observation) ChangeResult {
	res := ChangeResult{
		CurrentPrice:  current.Price,
		CurrentStatus: current.Status,
		CurrentRooms:  current.RemainingRooms,
		Transition:    TransitionNone,
	}
	if previous == nil {
		return res
	}

	res.HasPrevious = true
	res.PreviousPrice = previous.Price
	res.PreviousStatus = previous.Status
	res.PreviousRooms = previous.RemainingRooms
	res.PriceDelta = previous.Price.Sub(current.Price)
	if previous.Price.IsPositive() {
		res.PercentDelta = res.PriceDelta.Div(previous.Price).Mul(hundred).Round(0)
	}
	res.Transition = classify(previous.Status, current.Status)
	res.HasChange = !res.PriceDelta.IsZero() || res.Transition != TransitionNone || roomsChanged(previous.RemainingRooms, current.RemainingRooms)
	return res
}

func classify(prev, cur model.Availability) Transition {
	switch {
	case prev == cur:
		return TransitionNone
	case prev == model.Unavailable && cur.Bookable():
		return TransitionNewAvailability
	case cur == model.Unavailable:
		return TransitionSoldOut
	case prev == model.Available && cur == model.Limited:
		return TransitionToLimited
	case prev == model.Limited && cur == model.Available:
		return TransitionToAvailable
	default:
		return TransitionNone
	}
}

func roomsChanged(a, b *int) bool {
	switch {
	case a == nil && b == nil:
		return false
	case a == nil || b == nil:
		return true
	default:
		return *a != *b
	}
}
