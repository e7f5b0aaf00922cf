package utility

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/raterudder/chargerudder/pkg/types"
)

// ErrMalformedFeed is returned when the upstream day-ahead data cannot be
// turned into an hourly series. The previously published series must be kept.
var ErrMalformedFeed = errors.New("malformed price feed")

// RawPoint is one price point as published upstream.
type RawPoint struct {
	// Position is 1-based.
	Position int
	// Price is in currency per MWh.
	Price float64
}

// RawFeed is the day-ahead feed for one zone before normalization.
type RawFeed struct {
	Zone        string
	Currency    string
	PeriodStart string
	Points      []RawPoint
}

// periodStartLayouts are tried in order when parsing RawFeed.PeriodStart.
var periodStartLayouts = []string{
	"2006-01-02T15:04Z",
	time.RFC3339,
}

func parsePeriodStart(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	var firstErr error
	for _, layout := range periodStartLayouts {
		t, err := time.Parse(layout, s)
		if err == nil {
			return t.UTC(), nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return time.Time{}, firstErr
}

// Normalize converts a raw feed into a PriceSeries with one HourlyRate per
// point: hour = position-1, price = raw/1000 (per MWh to per kWh) and
// timestamp = periodStart + hour. The result only depends on raw, apart from
// LastUpdated which is set to now.
func Normalize(raw RawFeed, now time.Time) (types.PriceSeries, error) {
	if len(raw.Points) == 0 {
		return types.PriceSeries{}, fmt.Errorf("%w: no points", ErrMalformedFeed)
	}
	start, err := parsePeriodStart(raw.PeriodStart)
	if err != nil {
		return types.PriceSeries{}, fmt.Errorf("%w: invalid period start %q: %v", ErrMalformedFeed, raw.PeriodStart, err)
	}

	points := make([]RawPoint, len(raw.Points))
	copy(points, raw.Points)
	sort.SliceStable(points, func(i, j int) bool {
		return points[i].Position < points[j].Position
	})
	for i, p := range points {
		if p.Position != i+1 {
			return types.PriceSeries{}, fmt.Errorf("%w: positions are not a contiguous 1..%d range (found %d at index %d)", ErrMalformedFeed, len(points), p.Position, i)
		}
	}

	rates := make([]types.HourlyRate, len(points))
	for i, p := range points {
		hour := p.Position - 1
		rates[i] = types.HourlyRate{
			Hour:      hour,
			Price:     p.Price / 1000,
			Timestamp: start.Add(time.Duration(hour) * time.Hour),
		}
	}

	return types.PriceSeries{
		Zone:        raw.Zone,
		Currency:    raw.Currency,
		Rates:       rates,
		LastUpdated: now.UTC(),
	}, nil
}
