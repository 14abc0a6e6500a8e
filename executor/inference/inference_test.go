package inference

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tiezero/tiezero/executor/convert"
	"github.com/tiezero/tiezero/game"
	"github.com/tiezero/tiezero/rules"
)

func encoded(t *testing.T, f convert.Format, s *game.State, tile game.Tile) []float32 {
	t.Helper()
	buf := make([]float32, f.Size())
	require.NoError(t, convert.Encode(buf, f, convert.Input{Board: &s.Board, Deck: &s.Deck, Tile: tile, Turn: s.Turn}))
	return buf
}

func playedState(t *testing.T, seed uint64, moves int) (*game.State, game.Tile) {
	t.Helper()
	s := game.NewState()
	r := game.NewRand(seed)
	for i := 0; i < moves; i++ {
		_, err := rules.DrawRandom(s, r)
		require.NoError(t, err)
		legal := rules.LegalCells(&s.Board, nil)
		require.NoError(t, rules.Place(s, legal[r.IntN(len(legal))]))
	}
	tile, err := rules.DrawRandom(s, r)
	require.NoError(t, err)
	return s, tile
}

func TestSameFeaturesSameOutputs(t *testing.T) {
	s, tile := playedState(t, 5, 6)
	feats := encoded(t, convert.Grid47, s, tile)
	nets := NewNets(convert.Grid47, 32, 9)
	h, err := NewHeuristic(convert.Grid47)
	require.NoError(t, err)

	for name, set := range map[string]Set{"nets": nets.Set(), "heuristic": h.Set()} {
		t.Run(name, func(t *testing.T) {
			a, err := set.Policy.Policy(feats)
			require.NoError(t, err)
			b, err := set.Policy.Policy(feats)
			require.NoError(t, err)
			require.Equal(t, a, b)

			qa, err := set.Q.Q(feats, tile)
			require.NoError(t, err)
			qb, err := set.Q.Q(feats, tile)
			require.NoError(t, err)
			require.Equal(t, qa, qb)

			v, err := set.Value.Value(feats)
			require.NoError(t, err)
			require.LessOrEqual(t, math.Abs(float64(v)), 1.0)
		})
	}
}

func TestHeuristicMatchesPlacementValue(t *testing.T) {
	for _, f := range []convert.Format{convert.Grid47, convert.Nodes, convert.Grid95} {
		for _, moves := range []int{0, 4, 11, 17} {
			s, tile := playedState(t, uint64(moves)+1, moves)
			h, err := NewHeuristic(f)
			require.NoError(t, err)
			q, err := h.Q(encoded(t, f, s, tile), tile)
			require.NoError(t, err)
			for _, c := range rules.LegalCells(&s.Board, nil) {
				want := rules.PlacementValue(&s.Board, c, tile)
				require.InDelta(t, want, float64(q[c]), 1e-3, "%s moves=%d cell=%d", f, moves, c)
			}
		}
	}
	_, err := NewHeuristic(convert.Grid37)
	require.Error(t, err)
}

func TestHeuristicPrefersCenterOnEmptyBoard(t *testing.T) {
	s := game.NewState()
	tile := game.Tile{A: 1, B: 2, C: 3}
	require.NoError(t, s.Deck.Draw(tile))
	h, err := NewHeuristic(convert.Grid47)
	require.NoError(t, err)
	logits, err := h.Policy(encoded(t, convert.Grid47, s, tile))
	require.NoError(t, err)
	best := 0
	for c := range logits {
		if logits[c] > logits[best] {
			best = c
		}
	}
	require.Equal(t, 9, best)
}

func TestPolicyValueGradients(t *testing.T) {
	s, tile := playedState(t, 3, 7)
	feats := encoded(t, convert.Nodes, s, tile)
	net := NewPolicyValueNet(convert.Nodes, 8, 4)

	var dLogits Logits
	for c := range dLogits {
		dLogits[c] = float32(c%5) - 2
	}
	const dValue = 1.5
	loss := func() float64 {
		tr, err := net.Trace(feats)
		require.NoError(t, err)
		var l float64
		for c := range tr.Logits {
			l += float64(dLogits[c] * tr.Logits[c])
		}
		return l + dValue*float64(tr.Value)
	}

	net.ZeroGrad()
	tr, err := net.Trace(feats)
	require.NoError(t, err)
	net.Backprop(tr, dLogits, dValue)

	const eps = 1e-3
	for _, p := range net.Params() {
		for _, i := range []int{0, len(p.Value) / 2, len(p.Value) - 1} {
			orig := p.Value[i]
			p.Value[i] = orig + eps
			up := loss()
			p.Value[i] = orig - eps
			down := loss()
			p.Value[i] = orig
			numeric := (up - down) / (2 * eps)
			analytic := float64(p.Grad[i])
			require.InDelta(t, numeric, analytic, 1e-2+5e-2*math.Abs(analytic), "%s[%d]", p.Name, i)
		}
	}
}

func TestQGradients(t *testing.T) {
	s, tile := playedState(t, 8, 5)
	feats := encoded(t, convert.Grid47, s, tile)
	q := NewQNet(convert.Grid47, 8, 2)

	var dQ Logits
	dQ[3] = 1
	dQ[9] = -2
	q.ZeroGrad()
	tr, err := q.Trace(feats, tile)
	require.NoError(t, err)
	q.Backprop(tr, dQ)

	loss := func() float64 {
		out, err := q.Q(feats, tile)
		require.NoError(t, err)
		return float64(out[3]) - 2*float64(out[9])
	}
	const eps = 1e-3
	for _, p := range q.Params() {
		i := len(p.Value) - 1
		orig := p.Value[i]
		p.Value[i] = orig + eps
		up := loss()
		p.Value[i] = orig - eps
		down := loss()
		p.Value[i] = orig
		require.InDelta(t, (up-down)/(2*eps), float64(p.Grad[i]), 1e-2+5e-2*math.Abs(float64(p.Grad[i])), p.Name)
	}
}

func TestWrongFeatureSize(t *testing.T) {
	net := NewPolicyValueNet(convert.Grid47, 4, 1)
	_, err := net.Policy(make([]float32, 3))
	require.Error(t, err)
	_, err = NewQNet(convert.Grid47, 4, 1).Q(make([]float32, 3), game.Empty)
	require.Error(t, err)
}

func TestNumericFailureIsReported(t *testing.T) {
	net := NewPolicyValueNet(convert.Grid47, 4, 1)
	net.policy.b.Value[0] = float32(math.NaN())
	_, err := net.Policy(make([]float32, convert.Grid47.Size()))
	require.True(t, errors.Is(err, ErrNumericFailure))
}

func TestEnsembleAverages(t *testing.T) {
	s, tile := playedState(t, 21, 3)
	feats := encoded(t, convert.Grid47, s, tile)
	a := NewNets(convert.Grid47, 8, 1)
	b := NewNets(convert.Grid47, 8, 2)

	e, err := NewEnsemble(a.Set(), b.Set())
	require.NoError(t, err)
	set := e.Set()
	require.NotNil(t, set.Q)

	la, _ := a.PV.Policy(feats)
	lb, _ := b.PV.Policy(feats)
	le, err := set.Policy.Policy(feats)
	require.NoError(t, err)
	for c := range le {
		require.InDelta(t, (la[c]+lb[c])/2, le[c], 1e-5)
	}

	va, _ := a.PV.Value(feats)
	vb, _ := b.PV.Value(feats)
	ve, err := set.Value.Value(feats)
	require.NoError(t, err)
	require.InDelta(t, (va+vb)/2, ve, 1e-6)

	_, err = NewEnsemble(a.Set(), Set{Format: convert.Nodes})
	require.Error(t, err)
}

func TestBatchFallback(t *testing.T) {
	s, tile := playedState(t, 2, 2)
	feats := encoded(t, convert.Grid47, s, tile)
	net := NewPolicyValueNet(convert.Grid47, 8, 3)
	batch := append(append([]float32(nil), feats...), feats...)

	logits, err := PolicyBatch(net, convert.Grid47, batch, 2)
	require.NoError(t, err)
	require.Equal(t, logits[0], logits[1])

	values, err := ValueBatch(net, convert.Grid47, batch, 2)
	require.NoError(t, err)
	require.Equal(t, values[0], values[1])

	_, err = PolicyBatch(net, convert.Grid47, feats, 2)
	require.Error(t, err)
}

func TestSharedSwap(t *testing.T) {
	first := NewNets(convert.Grid47, 4, 1).Set()
	second := NewNets(convert.Grid47, 4, 2).Set()
	sh := NewShared(first)
	require.Equal(t, first.Policy, sh.Load().Policy)
	prev := sh.Swap(second)
	require.Equal(t, first.Policy, prev.Policy)
	require.Equal(t, second.Policy, sh.Load().Policy)
}

func TestNetsSaveLoad(t *testing.T) {
	stem := filepath.Join(t.TempDir(), "gen1")
	nets := NewNets(convert.Grid47, 16, 5)
	require.NoError(t, nets.Save(stem))

	saved := nets.Clone()
	for _, p := range nets.PV.Params() {
		for i := range p.Value {
			p.Value[i] += 1
		}
	}

	loaded, err := LoadNets(stem, convert.Grid47, 16)
	require.NoError(t, err)
	require.NotNil(t, loaded.Q)
	for i, p := range loaded.PV.Params() {
		require.InDeltaSlice(t, saved.PV.Params()[i].Value, p.Value, 1e-6, p.Name)
	}
	for i, p := range loaded.Q.Params() {
		require.InDeltaSlice(t, saved.Q.Params()[i].Value, p.Value, 1e-6, p.Name)
	}

	_, q := Paths(stem)
	require.NoError(t, os.Remove(q))
	loaded, err = LoadNets(stem, convert.Grid47, 16)
	require.NoError(t, err)
	require.Nil(t, loaded.Q)

	_, err = LoadNets(stem, convert.Grid47, 32)
	require.Error(t, err, "topology mismatch")
}

func TestOnnxClient(t *testing.T) {
	model := os.Getenv("TIEZERO_ONNX_MODEL")
	if model == "" {
		t.Skip("TIEZERO_ONNX_MODEL not set")
	}
	pool, err := NewOnnxPool(model, 2, OnnxClientConfig{Format: convert.Grid47})
	if err != nil {
		t.Skipf("onnx runtime unavailable: %v", err)
	}
	defer pool.Close()

	s, tile := playedState(t, 1, 3)
	feats := encoded(t, convert.Grid47, s, tile)
	a, va, err := pool.Evaluate(feats)
	require.NoError(t, err)
	b, vb, err := pool.Evaluate(feats)
	require.NoError(t, err)
	require.Equal(t, a, b)
	require.Equal(t, va, vb)
	require.Positive(t, pool.Stats().TotalItems)
}

func TestOpen(t *testing.T) {
	opts := OpenOptions{Format: convert.Grid47, Hidden: 8}

	s, c, err := Open("heuristic", opts)
	require.NoError(t, err)
	require.NotNil(t, s.Policy)
	require.NoError(t, c.Close())

	s, _, err = Open("uniform", opts)
	require.NoError(t, err)
	require.Nil(t, s.Value)

	dir := t.TempDir()
	a, b := filepath.Join(dir, "a"), filepath.Join(dir, "b")
	require.NoError(t, NewNets(convert.Grid47, 8, 1).Save(a))
	require.NoError(t, NewNets(convert.Grid47, 8, 2).Save(b))

	s, _, err = Open(a, opts)
	require.NoError(t, err)
	require.NotNil(t, s.Q)

	s, _, err = Open(a+","+b, opts)
	require.NoError(t, err)
	require.NotNil(t, s.Policy)

	_, _, err = Open(filepath.Join(dir, "missing"), opts)
	require.Error(t, err)
	_, _, err = Open("", opts)
	require.Error(t, err)
}
