package optimizer

import "math"

// ClipGradNorm rescales all gradients in place so their combined L2 norm does
// not exceed maxNorm. It returns the norm measured before clipping.
// A non-positive maxNorm disables clipping.
func ClipGradNorm(params []*Parameter, maxNorm float64) float64 {
	var sumSquares float64
	for _, p := range params {
		for _, g := range p.Grad {
			sumSquares += g * g
		}
	}
	total := math.Sqrt(sumSquares)

	if maxNorm <= 0 {
		return total
	}
	coef := maxNorm / (total + 1e-6)
	if coef >= 1 {
		return total
	}
	for _, p := range params {
		for i := range p.Grad {
			p.Grad[i] *= coef
		}
	}
	return total
}
