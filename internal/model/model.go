// Package model holds the domain types shared by the monitoring pipeline.
package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// DateLayout is the calendar date format used for stay dates.
const DateLayout = "2006-01-02"

// Target identifies a priced stay: hotel, date range and occupancy.
type Target struct {
	HotelID   string
	CheckIn   time.Time
	CheckOut  time.Time
	Occupancy int
}

// NewTarget parses YYYY-MM-DD stay dates into a Target.
func NewTarget(hotelID, checkIn, checkOut string, occupancy int) (Target, error) {
	in, err := ParseDate(checkIn)
	if err != nil {
		return Target{}, fmt.Errorf("check-in: %w", err)
	}
	out, err := ParseDate(checkOut)
	if err != nil {
		return Target{}, fmt.Errorf("check-out: %w", err)
	}
	t := Target{HotelID: strings.TrimSpace(hotelID), CheckIn: in, CheckOut: out, Occupancy: occupancy}
	if err := t.Validate(); err != nil {
		return Target{}, err
	}
	return t, nil
}

// ParseDate parses a calendar date and normalises it to UTC midnight.
func ParseDate(v string) (time.Time, error) {
	d, err := time.Parse(DateLayout, strings.TrimSpace(v))
	if err != nil {
		return time.Time{}, err
	}
	return d.UTC(), nil
}

// Validate checks the structural invariants of a target.
func (t Target) Validate() error {
	if t.HotelID == "" {
		return fmt.Errorf("hotel id is required")
	}
	if t.Occupancy <= 0 {
		return fmt.Errorf("occupancy must be greater than zero")
	}
	if !t.CheckOut.After(t.CheckIn) {
		return fmt.Errorf("check-out must be after check-in")
	}
	return nil
}

// Key returns a stable string form usable as a map or cache key.
func (t Target) Key() string {
	return fmt.Sprintf("%s|%s|%s|%d", t.HotelID, t.CheckIn.Format(DateLayout), t.CheckOut.Format(DateLayout), t.Occupancy)
}

func (t Target) String() string {
	return fmt.Sprintf("%s %s..%s x%d", t.HotelID, t.CheckIn.Format(DateLayout), t.CheckOut.Format(DateLayout), t.Occupancy)
}

// Availability is the upstream room availability status.
type Availability string

const (
	Available   Availability = "available"
	Limited     Availability = "limited"
	Unavailable Availability = "unavailable"
)

// ParseAvailability maps an upstream status string to an Availability.
func ParseAvailability(v string) (Availability, error) {
	switch a := Availability(strings.ToLower(strings.TrimSpace(v))); a {
	case Available, Limited, Unavailable:
		return a, nil
	default:
		return "", fmt.Errorf("unknown availability status %q", v)
	}
}

// Bookable reports whether rooms can currently be booked.
func (a Availability) Bookable() bool {
	return a == Available || a == Limited
}

// Observation is one immutable price/availability reading.
type Observation struct {
	Target         Target
	Price          decimal.Decimal
	OriginalPrice  *decimal.Decimal
	Status         Availability
	RemainingRooms *int
	ObservedAt     time.Time
}

// AlertConditions configures which alerts a watch item wants.
type AlertConditions struct {
	PriceDrop          bool             `json:"price_drop"`
	ThresholdAmount    *decimal.Decimal `json:"threshold_amount,omitempty"`
	ThresholdPercent   *decimal.Decimal `json:"threshold_percent,omitempty"`
	NewAvailability    bool             `json:"new_availability"`
	LastRoomAlert      bool             `json:"last_room_alert"`
	MaxAcceptablePrice *decimal.Decimal `json:"max_acceptable_price,omitempty"`
}

// DefaultConditions enables every alert type with global thresholds.
func DefaultConditions() AlertConditions {
	return AlertConditions{PriceDrop: true, NewAvailability: true, LastRoomAlert: true}
}

// WatchItem is a user's subscription to one Target.
type WatchItem struct {
	ID          int64
	UserID      string
	UserEmail   string
	UserName    string
	Target      Target
	TargetPrice *decimal.Decimal
	Conditions  AlertConditions
	Active      bool
	LastChecked *time.Time
	AlertCount  int
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// AlertType enumerates the alert kinds.
type AlertType string

const (
	AlertPriceDrop       AlertType = "price_drop"
	AlertTargetReached   AlertType = "target_price_reached"
	AlertNewAvailability AlertType = "new_availability"
	AlertLastRoom        AlertType = "last_room"
	// AlertDailyDigest only appears in the notification ledger.
	AlertDailyDigest AlertType = "daily_digest"
)

// Priority orders alerts in digest emails; higher first.
func (t AlertType) Priority() int {
	switch t {
	case AlertPriceDrop, AlertTargetReached:
		return 5
	case AlertLastRoom:
		return 4
	case AlertNewAvailability:
		return 3
	default:
		return 0
	}
}

// DeliveryStatus tracks an alert through dispatch.
type DeliveryStatus string

const (
	StatusPending   DeliveryStatus = "pending"
	StatusSent      DeliveryStatus = "sent"
	StatusFailed    DeliveryStatus = "failed"
	StatusThrottled DeliveryStatus = "throttled"
)

// Alert records a decision to notify a user.
type Alert struct {
	ID            uuid.UUID
	WatchItemID   int64
	UserID        string
	Type          AlertType
	Priority      int
	Target        Target
	PreviousPrice *decimal.Decimal
	CurrentPrice  decimal.Decimal
	PriceDelta    decimal.Decimal
	PercentDelta  decimal.Decimal
	ObservedAt    time.Time
	Status        DeliveryStatus
	Error         *string
	CreatedAt     time.Time
	SentAt        *time.Time
}

// LedgerEntry is one notification attempt charged to a user.
type LedgerEntry struct {
	ID        int64
	UserID    string
	Type      AlertType
	AlertID   *uuid.UUID
	Success   bool
	CreatedAt time.Time
}

// QueueStatus is the retry bookkeeping state of a target.
type QueueStatus string

// A pending target retries with backoff; a failed one failed permanently.
const (
	QueuePending QueueStatus = "pending"
	QueueFailed  QueueStatus = "failed"
)

// MonitorQueueEntry tracks upstream failures for a target.
type MonitorQueueEntry struct {
	Target      Target
	Status      QueueStatus
	ErrorCount  int
	LastError   string
	NextCheckAt time.Time
	UpdatedAt   time.Time
}

// Eligible reports whether the target may be polled at now.
func (e *MonitorQueueEntry) Eligible(now time.Time) bool {
	return e == nil || !now.Before(e.NextCheckAt)
}

// DigestEntry is a sent alert joined with the contact data of its owner.
type DigestEntry struct {
	Alert     Alert
	UserEmail string
	UserName  string
}
