// Package stats implements the Student t distribution and Welch's unequal
// variance t-test used to gate model promotion.
package stats

import (
	"math"

	"gonum.org/v1/gonum/stat"
)

var lanczos = [6]float64{
	76.18009172947146,
	-86.50532032941677,
	24.01409824083091,
	-1.231739572450155,
	0.1208650973866179e-2,
	-0.5395239384953e-5,
}

// LnGamma returns ln Γ(x) for x > 0 using the Lanczos approximation.
func LnGamma(x float64) float64 {
	y := x
	tmp := x + 5.5
	tmp -= (x + 0.5) * math.Log(tmp)
	ser := 1.000000000190015
	for _, c := range lanczos {
		y++
		ser += c / y
	}
	return -tmp + math.Log(2.5066282746310005*ser/x)
}

const (
	betaMaxIter = 300
	betaEps     = 1e-10
	betaTiny    = 1e-30
)

// RegIncBeta returns the regularized incomplete beta function I_x(a, b),
// evaluated by Lentz's continued fraction.
func RegIncBeta(x, a, b float64) float64 {
	if x <= 0 {
		return 0
	}
	if x >= 1 {
		return 1
	}
	// The fraction converges quickly only below the mean; use the symmetry
	// I_x(a,b) = 1 - I_{1-x}(b,a) above it.
	if x > (a+1)/(a+b+2) {
		return 1 - RegIncBeta(1-x, b, a)
	}
	lnFront := LnGamma(a+b) - LnGamma(a) - LnGamma(b) + a*math.Log(x) + b*math.Log(1-x)
	return math.Exp(lnFront) * betaContinuedFraction(x, a, b) / a
}

func betaContinuedFraction(x, a, b float64) float64 {
	c := 1.0
	d := 1 - (a+b)*x/(a+1)
	if math.Abs(d) < betaTiny {
		d = betaTiny
	}
	d = 1 / d
	f := d

	for m := 1; m <= betaMaxIter; m++ {
		fm := float64(m)

		// Even step.
		num := fm * (b - fm) * x / ((a + 2*fm - 1) * (a + 2*fm))
		d = 1 + num*d
		if math.Abs(d) < betaTiny {
			d = betaTiny
		}
		c = 1 + num/c
		if math.Abs(c) < betaTiny {
			c = betaTiny
		}
		d = 1 / d
		f *= d * c

		// Odd step.
		num = -(a + fm) * (a + b + fm) * x / ((a + 2*fm) * (a + 2*fm + 1))
		d = 1 + num*d
		if math.Abs(d) < betaTiny {
			d = betaTiny
		}
		c = 1 + num/c
		if math.Abs(c) < betaTiny {
			c = betaTiny
		}
		d = 1 / d
		delta := d * c
		f *= delta
		if math.Abs(delta-1) < betaEps {
			break
		}
	}
	return f
}

// StudentTCDF returns P(T ≤ t) for a t distribution with df degrees of
// freedom.
func StudentTCDF(t, df float64) float64 {
	if math.IsInf(t, 1) {
		return 1
	}
	if math.IsInf(t, -1) {
		return 0
	}
	x := df / (df + t*t)
	tail := 0.5 * RegIncBeta(x, df/2, 0.5)
	if t >= 0 {
		return 1 - tail
	}
	return tail
}

// Welch is the outcome of comparing sample B against sample A.
type Welch struct {
	MeanA, MeanB float64
	VarA, VarB   float64
	T            float64
	DF           float64
	P            float64 // two-sided
}

// WelchTest runs Welch's t-test of mean(b) - mean(a). Identical or
// zero-variance samples yield t = 0, p = 1.
func WelchTest(a, b []float64) Welch {
	var w Welch
	if len(a) < 2 || len(b) < 2 {
		w.P = 1
		return w
	}
	w.MeanA, w.VarA = stat.MeanVariance(a, nil)
	w.MeanB, w.VarB = stat.MeanVariance(b, nil)
	na, nb := float64(len(a)), float64(len(b))

	sa, sb := w.VarA/na, w.VarB/nb
	se := math.Sqrt(sa + sb)
	if se == 0 {
		w.P = 1
		return w
	}
	w.T = (w.MeanB - w.MeanA) / se
	w.DF = (sa + sb) * (sa + sb) / (sa*sa/(na-1) + sb*sb/(nb-1))
	w.P = 2 * (1 - StudentTCDF(math.Abs(w.T), w.DF))
	if w.P > 1 {
		w.P = 1
	}
	if w.P < 0 {
		w.P = 0
	}
	return w
}
