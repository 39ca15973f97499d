// Package evaluator decides which alerts a watch item should receive for a poll.
package evaluator

import (
	"sort"

	"github.com/shopspring/decimal"

	"hotel-price-watch/internal/detector"
	"hotel-price-watch/internal/model"
)

// Defaults mirror the product's global alert thresholds.
var (
	DefaultThresholdAmount  = decimal.NewFromInt(1000)
	DefaultThresholdPercent = decimal.NewFromInt(10)
)

// DefaultLastRoomThreshold is the remaining-room count at or below which last_room fires.
const DefaultLastRoomThreshold = 3

// Thresholds are the global defaults a watch item may override.
type Thresholds struct {
	Amount   decimal.Decimal
	Percent  decimal.Decimal
	LastRoom int
}

// DefaultThresholds returns the built-in thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{Amount: DefaultThresholdAmount, Percent: DefaultThresholdPercent, LastRoom: DefaultLastRoomThreshold}
}

// Evaluator applies the alert decision rules. It performs no I/O.
type Evaluator struct {
	defaults Thresholds
}

// New constructs an Evaluator. Thresholds are used as given; the config
// layer supplies the defaults.
func New(th Thresholds) *Evaluator {
	return &Evaluator{defaults: th}
}

// Evaluate returns the alerts that fire for item, highest priority first.
// Each rule is independent, so several alerts may fire from one poll.
// A first sighting has nothing to compare against and never alerts.
func (e *Evaluator) Evaluate(item model.WatchItem, current model.Observation, change detector.ChangeResult) []model.Alert {
	if !change.HasPrevious {
		return nil
	}
	cond := item.Conditions
	affordable := cond.MaxAcceptablePrice == nil || current.Price.LessThanOrEqual(*cond.MaxAcceptablePrice)

	var fired []model.AlertType

	if cond.PriceDrop && affordable && e.priceDropQualifies(cond, change) {
		fired = append(fired, model.AlertPriceDrop)
	}
	if item.TargetPrice != nil && targetCrossed(*item.TargetPrice, current, change) {
		fired = append(fired, model.AlertTargetReached)
	}
	if cond.NewAvailability && affordable && change.Transition == detector.TransitionNewAvailability {
		fired = append(fired, model.AlertNewAvailability)
	}
	if cond.LastRoomAlert && affordable &&
		e.scarce(current.Status, current.RemainingRooms) && !e.scarce(change.PreviousStatus, change.PreviousRooms) {
		fired = append(fired, model.AlertLastRoom)
	}

	alerts := make([]model.Alert, 0, len(fired))
	for _, typ := range fired {
		alerts = append(alerts, newAlert(item, current, change, typ))
	}
	sort.SliceStable(alerts, func(i, j int) bool { return alerts[i].Priority > alerts[j].Priority })
	return alerts
}

// priceDropQualifies requires both the absolute and the percentage floor.
func (e *Evaluator) priceDropQualifies(cond model.AlertConditions, change detector.ChangeResult) bool {
	if !change.HasChange || !change.PriceDropped() {
		return false
	}
	amount := e.defaults.Amount
	if cond.ThresholdAmount != nil {
		amount = *cond.ThresholdAmount
	}
	percent := e.defaults.Percent
	if cond.ThresholdPercent != nil {
		percent = *cond.ThresholdPercent
	}
	return change.PriceDelta.GreaterThanOrEqual(amount) && change.PercentDelta.GreaterThanOrEqual(percent)
}

// targetCrossed reports a price that has just reached target. A previous
// bookable poll already at or below target does not fire again.
func targetCrossed(target decimal.Decimal, current model.Observation, change detector.ChangeResult) bool {
	if current.Price.GreaterThan(target) {
		return false
	}
	return change.PreviousPrice.GreaterThan(target) || !change.PreviousStatus.Bookable()
}

// scarce reports a bookable reading with at most the last-room threshold left.
func (e *Evaluator) scarce(status model.Availability, rooms *int) bool {
	return rooms != nil && status.Bookable() && *rooms <= e.defaults.LastRoom
}

func newAlert(item model.WatchItem, current model.Observation, change detector.ChangeResult, typ model.AlertType) model.Alert {
	a := model.Alert{
		WatchItemID:  item.ID,
		UserID:       item.UserID,
		Type:         typ,
		Priority:     typ.Priority(),
		Target:       item.Target,
		CurrentPrice: current.Price,
		ObservedAt:   current.ObservedAt,
		Status:       model.StatusPending,
	}
	if change.HasPrevious {
		prev := change.PreviousPrice
		a.PreviousPrice = &prev
		a.PriceDelta = change.PriceDelta
		a.PercentDelta = change.PercentDelta
	}
	return a
}
