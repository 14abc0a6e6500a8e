package arena

import (
	"context"
	"fmt"
	"io"
	"slices"
	"text/tabwriter"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/tiezero/tiezero/executor/stats"
)

// Summary describes one agent's score distribution.
type Summary struct {
	Name   string
	Games  int
	Mean   float64
	Std    float64
	Median float64
	Min    float64
	Max    float64
}

func Summarize(name string, scores []int32) Summary {
	s := Summary{Name: name, Games: len(scores)}
	if len(scores) == 0 {
		return s
	}
	xs := make([]float64, len(scores))
	for i, v := range scores {
		xs[i] = float64(v)
	}
	s.Mean, s.Std = stat.MeanStdDev(xs, nil)
	if len(xs) < 2 {
		s.Std = 0
	}
	slices.Sort(xs)
	s.Median = stat.Quantile(0.5, stat.Empirical, xs, nil)
	s.Min, s.Max = floats.Min(xs), floats.Max(xs)
	return s
}

type Entrant struct {
	Name string
	New  Factory
}

// Standings holds a round robin over shared sequences. Delta[i][j] is
// mean(j) - mean(i) and P[i][j] its Welch p-value.
type Standings struct {
	Summaries []Summary
	Scores    [][]int32
	Delta     [][]float64
	P         [][]float64
}

// Tournament plays every entrant on the same sequences and compares every
// pair. Each entrant plays each sequence once, so the matrix costs one run
// per entrant rather than one per pair.
func Tournament(ctx context.Context, m Match, entrants []Entrant) (Standings, error) {
	var st Standings
	if len(entrants) < 2 {
		return st, fmt.Errorf("tournament needs at least 2 entrants, got %d", len(entrants))
	}
	samples := make([][]float64, len(entrants))
	for i, e := range entrants {
		scores, err := Scores(ctx, m, e.New)
		if err != nil {
			return st, fmt.Errorf("%s: %w", e.Name, err)
		}
		st.Scores = append(st.Scores, scores)
		st.Summaries = append(st.Summaries, Summarize(e.Name, scores))
		samples[i] = make([]float64, len(scores))
		for k, v := range scores {
			samples[i][k] = float64(v)
		}
	}

	n := len(entrants)
	st.Delta = make([][]float64, n)
	st.P = make([][]float64, n)
	for i := range n {
		st.Delta[i] = make([]float64, n)
		st.P[i] = make([]float64, n)
		for j := range n {
			w := stats.WelchTest(samples[i], samples[j])
			st.Delta[i][j] = w.MeanB - w.MeanA
			st.P[i][j] = w.P
		}
	}
	return st, nil
}

// WriteTable prints the summaries followed by the delta matrix.
func (st Standings) WriteTable(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "agent\tgames\tmean\tstd\tmedian\tmin\tmax\t")
	for _, s := range st.Summaries {
		fmt.Fprintf(tw, "%s\t%d\t%.2f\t%.2f\t%.1f\t%.0f\t%.0f\t\n", s.Name, s.Games, s.Mean, s.Std, s.Median, s.Min, s.Max)
	}
	fmt.Fprintln(tw, "\t\t\t\t\t\t\t")

	fmt.Fprint(tw, "row vs col\t")
	for _, s := range st.Summaries {
		fmt.Fprintf(tw, "%s\t", s.Name)
	}
	fmt.Fprintln(tw)
	for i, s := range st.Summaries {
		fmt.Fprintf(tw, "%s\t", s.Name)
		for j := range st.Summaries {
			if i == j {
				fmt.Fprint(tw, "-\t")
				continue
			}
			fmt.Fprintf(tw, "%+.2f (p=%.3f)\t", st.Delta[i][j], st.P[i][j])
		}
		fmt.Fprintln(tw)
	}
	return tw.Flush()
}
