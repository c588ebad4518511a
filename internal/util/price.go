// Package util provides common utility functions for price calculations.
package util

import "math"

// RoundToTick rounds x to the nearest tick increment.
// For example, with tick=0.05, 1.23 becomes 1.25.
func RoundToTick(x, tick float64) float64 {
	if tick <= 0 {
		return x
	}
	return math.Round(x/tick) * tick
}

// FloorToTick rounds x down to the nearest tick increment.
func FloorToTick(x, tick float64) float64 {
	if tick <= 0 {
		return x
	}
	return math.Floor(x/tick+1e-9) * tick
}

// CeilToTick rounds x up to the nearest tick increment.
func CeilToTick(x, tick float64) float64 {
	if tick <= 0 {
		return x
	}
	return math.Ceil(x/tick-1e-9) * tick
}

// NearestStrike rounds an underlying price to the nearest valid strike
// increment. For SPX the increment is 5 points, so 5862.40 becomes 5860.
func NearestStrike(price, increment float64) float64 {
	if increment <= 0 {
		return price
	}
	return math.Round(price/increment) * increment
}
