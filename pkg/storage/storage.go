package storage

import (
	"context"
	"errors"

	"github.com/raterudder/chargerudder/pkg/types"
)

var (
	ErrUserNotFound        = errors.New("user not found")
	ErrPriceSeriesNotFound = errors.New("price series not found")
)

// WindowUpdate is a freshly selected optimal start hour for one user.
type WindowUpdate struct {
	UserID    string
	StartHour int
}

// Database defines the interface for persisting price series and users.
type Database interface {
	// Prices
	// PutPriceSeries replaces the stored series for the zone wholesale.
	PutPriceSeries(ctx context.Context, series types.PriceSeries) error
	GetPriceSeries(ctx context.Context, zone string) (types.PriceSeries, error)

	// Users
	GetUser(ctx context.Context, userID string) (types.User, error)
	ListUsersByZone(ctx context.Context, zone string) ([]types.User, error)
	// SetSettings stores the user-authored settings and leaves the optimal
	// start hour alone.
	SetSettings(ctx context.Context, userID string, zone string, settings types.ChargingSettings) error
	// SetOptimalStartHours writes each update atomically per user. A failed
	// user does not stop the others; the returned error joins the failures.
	SetOptimalStartHours(ctx context.Context, updates []WindowUpdate) error
	// SetRefreshCredential stores the encrypted refresh credential and, when
	// vin is not empty, the vehicle it belongs to. A nil credential leaves the
	// stored one alone. The user is created if needed.
	SetRefreshCredential(ctx context.Context, userID string, encrypted []byte, vin string) error

	// Vehicle
	// UpdateVehicle transactionally replaces the vehicle state of the user
	// owning vin with the result of fn.
	UpdateVehicle(ctx context.Context, vin string, fn func(user types.User) (types.VehicleState, error)) (types.User, error)
	// RecordDecision stores the decision and moves an evaluating vehicle to
	// idle in the same write.
	RecordDecision(ctx context.Context, userID string, record types.DecisionRecord) error

	// Override
	SetChargeOverride(ctx context.Context, userID string, override bool) error
	// ConsumeOverride atomically reads and clears the override flag. It
	// returns true only for the caller that cleared it.
	ConsumeOverride(ctx context.Context, userID string) (types.User, bool, error)
	ListOverrideUserIDs(ctx context.Context) ([]string, error)
	// WatchOverrides calls fn for every user whose override flag becomes set
	// until ctx is done.
	WatchOverrides(ctx context.Context, fn func(ctx context.Context, userID string)) error

	// Lifecycle
	Close() error
}
