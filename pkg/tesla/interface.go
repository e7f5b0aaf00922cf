package tesla

import (
	"context"

	"github.com/raterudder/chargerudder/pkg/types"
)

// API is the remote vehicle API and its credential exchange.
type API interface {
	// ExchangeRefresh trades a refresh credential for a short-lived access
	// credential. The returned Token may carry a rotated refresh credential.
	ExchangeRefresh(ctx context.Context, refresh types.RefreshCredential) (Token, error)

	// ExchangeAuthCode performs the one-time authorization code exchange.
	ExchangeAuthCode(ctx context.Context, code string) (Token, error)

	// ListVehicles returns the vehicles on the account.
	ListVehicles(ctx context.Context, access types.AccessCredential) ([]Vehicle, error)

	// GetVehicleData returns the charge state of a vehicle.
	GetVehicleData(ctx context.Context, access types.AccessCredential, vin string) (VehicleData, error)

	// SendCommand issues a remote command such as charge_start.
	SendCommand(ctx context.Context, access types.AccessCredential, vin string, command string) error
}
