package controller

import (
	"errors"
	"fmt"
)

// maxWindowHours is the largest window that can be selected from a day.
const maxWindowHours = 24

var (
	// ErrInsufficientData is returned when the series is shorter than the
	// requested window. The previously selected window must be kept.
	ErrInsufficientData = errors.New("insufficient price data")
	// ErrInvalidDuration is returned for a window shorter than one hour.
	ErrInvalidDuration = errors.New("invalid charging duration")
)

// SelectWindow returns the start hour of the contiguous window of
// durationHours with the lowest mean price. Only the first 24 prices are
// considered and the earliest start wins ties.
func SelectWindow(prices []float64, durationHours int) (int, error) {
	if durationHours <= 0 {
		return 0, fmt.Errorf("%w: %d hours", ErrInvalidDuration, durationHours)
	}
	if len(prices) > maxWindowHours {
		prices = prices[:maxWindowHours]
	}
	if durationHours > maxWindowHours || len(prices) < durationHours {
		return 0, fmt.Errorf("%w: need %d hours, have %d", ErrInsufficientData, durationHours, len(prices))
	}

	best := -1
	var bestMean float64
	for start := 0; start+durationHours <= len(prices); start++ {
		mean := windowMean(prices[start : start+durationHours])
		// strictly less so the earliest start keeps ties
		if best < 0 || mean < bestMean {
			best = start
			bestMean = mean
		}
	}
	return best, nil
}

// windowMean is recomputed from scratch for every window so the result does
// not depend on the order windows are visited in.
func windowMean(prices []float64) float64 {
	var sum float64
	for _, p := range prices {
		sum += p
	}
	return sum / float64(len(prices))
}
