package timecorr

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Precision is the number of fractional digits every division rounds to.
const Precision = 9

// ErrInvalidInput is returned when a fit cannot be computed from the input.
var ErrInvalidInput = errors.New("invalid input")

// Point is one (x, y) observation.
type Point struct {
	X decimal.Decimal
	Y decimal.Decimal
}

// Coefficients are the slope m and intercept q of y = m*x + q.
type Coefficients struct {
	Slope     decimal.Decimal
	Intercept decimal.Decimal
}

// Apply evaluates the line at x.
func (c Coefficients) Apply(x decimal.Decimal) decimal.Decimal {
	return c.Slope.Mul(x).Add(c.Intercept)
}

// Invert solves the line for x, rounding to Precision digits.
func (c Coefficients) Invert(y decimal.Decimal) (decimal.Decimal, error) {
	if c.Slope.IsZero() {
		return decimal.Zero, fmt.Errorf("invert line with zero slope: %w", ErrInvalidInput)
	}
	return y.Sub(c.Intercept).DivRound(c.Slope, Precision), nil
}

func (c Coefficients) String() string {
	return fmt.Sprintf("y = %s*x + %s", c.Slope.String(), c.Intercept.String())
}

// Fit computes the ordinary least squares line through points. Sums are exact;
// each division rounds half away from zero to Precision fractional digits.
func Fit(points []Point) (Coefficients, error) {
	if len(points) < 2 {
		return Coefficients{}, fmt.Errorf("linear fit needs at least 2 points, got %d: %w", len(points), ErrInvalidInput)
	}
	n := decimal.NewFromInt(int64(len(points)))

	sumX, sumY := decimal.Zero, decimal.Zero
	for _, p := range points {
		sumX = sumX.Add(p.X)
		sumY = sumY.Add(p.Y)
	}
	xBar := sumX.DivRound(n, Precision)
	yBar := sumY.DivRound(n, Precision)

	xxBar, xyBar := decimal.Zero, decimal.Zero
	for _, p := range points {
		dx := p.X.Sub(xBar)
		xxBar = xxBar.Add(dx.Mul(dx))
		xyBar = xyBar.Add(dx.Mul(p.Y.Sub(yBar)))
	}
	if xxBar.IsZero() {
		return Coefficients{}, fmt.Errorf("linear fit over identical x values: %w", ErrInvalidInput)
	}

	slope := xyBar.DivRound(xxBar, Precision)
	intercept := yBar.Sub(slope.Mul(xBar))
	return Coefficients{Slope: slope, Intercept: intercept}, nil
}
