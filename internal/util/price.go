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
	return math.Floor(x/tick) * tick
}

// CeilToTick rounds x up to the nearest tick increment.
func CeilToTick(x, tick float64) float64 {
	if tick <= 0 {
		return x
	}
	return math.Ceil(x/tick) * tick
}
