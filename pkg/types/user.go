package types

import "time"

// User is the per-user document. Only the Window Selector writes
// Settings.OptimalStartHour and only the tracker writes Vehicle.
type User struct {
	ID   string `firestore:"-" json:"id"`
	Zone string `firestore:"zone" json:"zone"`

	Settings *ChargingSettings `firestore:"settings" json:"settings,omitempty"`
	Vehicle  VehicleState      `firestore:"vehicle" json:"vehicle"`

	// RefreshCredential is the AES-GCM encrypted refresh credential.
	RefreshCredential []byte `firestore:"refreshCredential" json:"-"`
	ChargeOverride    bool   `firestore:"chargeOverride" json:"chargeOverride"`

	LastDecision *DecisionRecord `firestore:"lastDecision" json:"lastDecision,omitempty"`
}

// RefreshCredential is a long-lived credential that can be exchanged for an
// AccessCredential. It is persisted (encrypted) per user.
type RefreshCredential string

// AccessCredential authorizes remote vehicle calls. It is short-lived and is
// never persisted.
type AccessCredential string

// DecisionRecord is the outcome of the last policy evaluation for a user.
type DecisionRecord struct {
	Timestamp  time.Time `firestore:"timestamp" json:"timestamp"`
	Action     Action    `firestore:"action" json:"action"`
	Rule       Rule      `firestore:"rule" json:"rule"`
	Hour       int       `firestore:"hour" json:"hour"`
	Price      float64   `firestore:"price" json:"price"`
	Dispatched bool      `firestore:"dispatched" json:"dispatched"`
	Error      string    `firestore:"error,omitempty" json:"error,omitempty"`
}
