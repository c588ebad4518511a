package util

import (
	"math"
	"testing"
)

func TestRoundToTick(t *testing.T) {
	tests := []struct {
		name string
		x    float64
		tick float64
		want float64
	}{
		{"rounds up at midpoint", 1.225, 0.05, 1.25},
		{"rounds down", 1.22, 0.05, 1.20},
		{"exact tick unchanged", 10.05, 0.05, 10.05},
		{"penny tick", 5.234, 0.01, 5.23},
		{"zero tick returns input", 1.234, 0, 1.234},
		{"negative tick returns input", 1.234, -0.05, 1.234},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := RoundToTick(tt.x, tt.tick)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("RoundToTick(%v, %v) = %v, want %v", tt.x, tt.tick, got, tt.want)
			}
		})
	}
}

func TestFloorToTick(t *testing.T) {
	tests := []struct {
		name string
		x    float64
		tick float64
		want float64
	}{
		{"floors below", 1.24, 0.05, 1.20},
		{"exact tick unchanged", 1.25, 0.05, 1.25},
		{"float64 representation of exact tick", 10.10, 0.05, 10.10},
		{"zero tick returns input", 1.234, 0, 1.234},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FloorToTick(tt.x, tt.tick)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("FloorToTick(%v, %v) = %v, want %v", tt.x, tt.tick, got, tt.want)
			}
		})
	}
}

func TestCeilToTick(t *testing.T) {
	tests := []struct {
		name string
		x    float64
		tick float64
		want float64
	}{
		{"ceils above", 1.21, 0.05, 1.25},
		{"exact tick unchanged", 1.25, 0.05, 1.25},
		{"zero tick returns input", 1.234, 0, 1.234},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CeilToTick(tt.x, tt.tick)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("CeilToTick(%v, %v) = %v, want %v", tt.x, tt.tick, got, tt.want)
			}
		})
	}
}

func TestNearestStrike(t *testing.T) {
	tests := []struct {
		name      string
		price     float64
		increment float64
		want      float64
	}{
		{"SPX rounds down to 5", 5862.40, 5, 5860},
		{"SPX rounds up to 5", 5863.10, 5, 5865},
		{"exactly on increment", 5860, 5, 5860},
		{"SPY dollar increment", 610.62, 1, 611},
		{"zero increment returns price", 5862.40, 0, 5862.40},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NearestStrike(tt.price, tt.increment)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("NearestStrike(%v, %v) = %v, want %v", tt.price, tt.increment, got, tt.want)
			}
		})
	}
}
