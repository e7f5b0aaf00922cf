package main

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"os"
	"time"

	"github.com/levenlabs/go-lflag"

	"github.com/raterudder/chargerudder/pkg/log"
	"github.com/raterudder/chargerudder/pkg/storage"
	"github.com/raterudder/chargerudder/pkg/types"
)

func main() {
	os.Setenv("FIRESTORE_EMULATOR_HOST", "127.0.0.1:8087")
	s := storage.Configured()
	userID := lflag.String("seed-user", "dev-user", "ID of the user to create")
	zone := lflag.String("seed-zone", "10Y1001A1001A82H", "Bidding zone of the seeded user and prices")
	vin := lflag.String("seed-vin", "5YJ3E1EA7KF000001", "VIN of the seeded vehicle")
	lflag.Configure()

	ctx := context.Background()
	defer s.Close()

	log.Ctx(ctx).InfoContext(ctx, "seeding mock data")

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	// today's delivery day starting at midnight UTC
	start := time.Now().UTC().Truncate(24 * time.Hour)
	rates := make([]types.HourlyRate, 24)
	for h := range rates {
		// cheap overnight, a midday solar dip and an evening peak
		price := 0.12 + 0.08*math.Exp(-math.Pow(float64(h)-19, 2)/6) - 0.06*math.Exp(-math.Pow(float64(h)-13, 2)/4)
		if h < 5 {
			price = 0.05
		}
		// jitter
		price += (rng.Float64() * 0.02) - 0.01
		rates[h] = types.HourlyRate{
			Hour:      h,
			Price:     math.Round(price*10000) / 10000,
			Timestamp: start.Add(time.Duration(h) * time.Hour),
		}
	}
	if err := s.PutPriceSeries(ctx, types.PriceSeries{
		Zone:        *zone,
		Currency:    "EUR",
		Rates:       rates,
		LastUpdated: time.Now().UTC(),
	}); err != nil {
		fmt.Fprintf(os.Stderr, "failed to seed prices: %v\n", err)
		os.Exit(1)
	}

	if err := s.SetSettings(ctx, *userID, *zone, types.ChargingSettings{
		ChargingDurationHours:     4,
		EmergencyThresholdPercent: 20,
		TargetBatteryPercent:      80,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "failed to seed user: %v\n", err)
		os.Exit(1)
	}
	// the credential is left empty, connect with exchangeAuthCode
	if err := s.SetRefreshCredential(ctx, *userID, nil, *vin); err != nil {
		fmt.Fprintf(os.Stderr, "failed to seed vehicle: %v\n", err)
		os.Exit(1)
	}

	log.Ctx(ctx).InfoContext(ctx, "seeded user and prices")
}
