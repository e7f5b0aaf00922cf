package types

import (
	"fmt"
	"time"
)

// HourlyRate is the day-ahead price of one delivery hour.
type HourlyRate struct {
	// Hour is the 0-based index of the rate within its series.
	Hour int `json:"hour"`
	// Price is in currency per kWh. It can be negative.
	Price     float64   `json:"price"`
	Timestamp time.Time `json:"timestamp"`
}

// PriceSeries is the published set of hourly rates for one pricing zone. A
// new series always replaces the previous one wholesale.
type PriceSeries struct {
	Zone string `json:"zone"`
	// Currency is the feed's currency unit, e.g. EUR.
	Currency    string       `json:"currency"`
	Rates       []HourlyRate `json:"rates"`
	LastUpdated time.Time    `json:"lastUpdated"`
}

// Prices returns the prices in hour order.
func (p PriceSeries) Prices() []float64 {
	prices := make([]float64, len(p.Rates))
	for i, r := range p.Rates {
		prices[i] = r.Price
	}
	return prices
}

// Validate checks that hours are contiguous from 0 and timestamps advance by
// exactly one hour.
func (p PriceSeries) Validate() error {
	for i, r := range p.Rates {
		if r.Hour != i {
			return fmt.Errorf("rate %d has hour %d", i, r.Hour)
		}
		if i == 0 {
			continue
		}
		if d := r.Timestamp.Sub(p.Rates[i-1].Timestamp); d != time.Hour {
			return fmt.Errorf("rate %d is %s after the previous rate", i, d)
		}
	}
	return nil
}

// RateAt returns the rate whose hour contains t.
func (p PriceSeries) RateAt(t time.Time) (HourlyRate, bool) {
	for _, r := range p.Rates {
		if !t.Before(r.Timestamp) && t.Before(r.Timestamp.Add(time.Hour)) {
			return r, true
		}
	}
	return HourlyRate{}, false
}
