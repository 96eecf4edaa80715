package model

import "math"

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}

func relu(x float64) float64 {
	if x < 0 {
		return 0
	}
	return x
}

// dot panics on length mismatch; callers validate shapes first.
func dot(w, x []float64) float64 {
	sum := 0.0
	for i, wi := range w {
		sum += wi * x[i]
	}
	return sum
}
