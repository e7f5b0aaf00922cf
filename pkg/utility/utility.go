package utility

import (
	"context"
	"fmt"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/raterudder/chargerudder/pkg/types"
)

// Feed is a source of day-ahead prices.
type Feed interface {
	// FetchDayAhead returns the raw feed for the delivery day containing day.
	FetchDayAhead(ctx context.Context, zone string, day time.Time) (RawFeed, error)
}

// Configured sets up the day-ahead feed based on flags.
func Configured() Feed {
	provider := lflag.String("price-provider", "entsoe", "Day-ahead price provider to use (available: entsoe)")

	var f struct{ Feed }

	entsoe := configuredEntsoe()

	lflag.Do(func() {
		switch *provider {
		case "entsoe":
			if err := entsoe.Validate(); err != nil {
				panic(fmt.Sprintf("entsoe validation failed: %v", err))
			}
			f.Feed = entsoe
		default:
			panic(fmt.Sprintf("unknown price provider: %s", *provider))
		}
	})

	return &f
}

// DayAhead fetches and normalizes the day-ahead series for zone.
func DayAhead(ctx context.Context, feed Feed, zone string, day, now time.Time) (types.PriceSeries, error) {
	raw, err := feed.FetchDayAhead(ctx, zone, day)
	if err != nil {
		return types.PriceSeries{}, err
	}
	series, err := Normalize(raw, now)
	if err != nil {
		return types.PriceSeries{}, err
	}
	series.Zone = zone
	return series, nil
}
