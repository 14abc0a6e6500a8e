package stats

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mathext"
	"gonum.org/v1/gonum/stat/distuv"
)

func TestLnGamma(t *testing.T) {
	for _, x := range []float64{0.5, 1, 2.5, 7, 30.2} {
		want, _ := math.Lgamma(x)
		require.InDelta(t, want, LnGamma(x), 1e-9, "x=%v", x)
	}
}

func TestRegIncBetaEdges(t *testing.T) {
	require.Equal(t, 0.0, RegIncBeta(0, 2, 3))
	require.Equal(t, 1.0, RegIncBeta(1, 2, 3))
	// I_x(1,1) is the uniform CDF.
	require.InDelta(t, 0.3, RegIncBeta(0.3, 1, 1), 1e-9)
	// Symmetry.
	require.InDelta(t, 1-RegIncBeta(0.2, 3, 4), RegIncBeta(0.8, 4, 3), 1e-9)
}

func TestRegIncBetaMatchesGonum(t *testing.T) {
	for _, ab := range [][2]float64{{0.5, 0.5}, {2, 3}, {1.5, 28.65}, {10, 0.5}, {199, 0.5}} {
		for _, x := range []float64{0.01, 0.2, 0.5, 0.77, 0.99} {
			want := mathext.RegIncBeta(ab[0], ab[1], x)
			require.InDelta(t, want, RegIncBeta(x, ab[0], ab[1]), 1e-8, "a=%v b=%v x=%v", ab[0], ab[1], x)
		}
	}
}

func TestStudentTCDFMatchesGonum(t *testing.T) {
	for _, df := range []float64{1, 3.5, 10, 57.3, 398} {
		dist := distuv.StudentsT{Mu: 0, Sigma: 1, Nu: df}
		for _, x := range []float64{-6, -2.1, -0.3, 0, 0.7, 1.96, 4} {
			require.InDelta(t, dist.CDF(x), StudentTCDF(x, df), 1e-7, "df=%v t=%v", df, x)
		}
	}
	require.Equal(t, 1.0, StudentTCDF(math.Inf(1), 5))
	require.Equal(t, 0.0, StudentTCDF(math.Inf(-1), 5))
}

func TestWelchEqualSamples(t *testing.T) {
	a := []float64{120, 135, 150, 141, 128}
	w := WelchTest(a, a)
	require.Equal(t, 0.0, w.T)
	require.InDelta(t, 1.0, w.P, 1e-12)

	flat := []float64{5, 5, 5}
	w = WelchTest(flat, flat)
	require.Equal(t, 0.0, w.T)
	require.Equal(t, 1.0, w.P)
}

func TestWelchSeparatedSamples(t *testing.T) {
	a := make([]float64, 30)
	b := make([]float64, 30)
	for i := range a {
		noise := float64(i%5) - 2
		a[i] = 100 + noise
		b[i] = 100 + noise + 10*math.Sqrt(2)
	}
	w := WelchTest(a, b)
	require.Greater(t, w.T, 0.0)
	require.Less(t, w.P, 0.001)
	require.InDelta(t, 10*math.Sqrt(2), w.MeanB-w.MeanA, 1e-9)
}

func TestWelchAgainstHandComputed(t *testing.T) {
	a := []float64{1, 2, 3, 4}
	b := []float64{2, 4, 6, 8, 10}
	w := WelchTest(a, b)
	require.InDelta(t, 5.0/3, w.VarA, 1e-12)
	require.InDelta(t, 10.0, w.VarB, 1e-12)
	require.InDelta(t, 2.251437, w.T, 1e-5)
	require.InDelta(t, 5.520787, w.DF, 1e-5)

	dist := distuv.StudentsT{Mu: 0, Sigma: 1, Nu: w.DF}
	require.InDelta(t, 2*(1-dist.CDF(w.T)), w.P, 1e-7)

	rev := WelchTest(b, a)
	require.InDelta(t, -w.T, rev.T, 1e-12)
	require.InDelta(t, w.P, rev.P, 1e-12)
}
