package train

import (
	"context"
	"math"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/tiezero/tiezero/config"
	"github.com/tiezero/tiezero/executor/agent"
	"github.com/tiezero/tiezero/executor/convert"
	"github.com/tiezero/tiezero/executor/inference"
	"github.com/tiezero/tiezero/executor/selfplay"
	"github.com/tiezero/tiezero/game"
	"github.com/tiezero/tiezero/store"
)

func greedyGame(t *testing.T, seed uint64) selfplay.GameResult {
	t.Helper()
	res, err := selfplay.PlayGame(context.Background(), agent.NewGreedyAgent(), game.DeriveSeeds(seed), selfplay.Options{})
	require.NoError(t, err)
	return res
}

func records(t *testing.T, games int) []store.Record {
	t.Helper()
	var recs []store.Record
	for g := 0; g < games; g++ {
		res := greedyGame(t, uint64(g)+1)
		for _, s := range res.Samples {
			recs = append(recs, store.Record{
				GameID:     res.ID,
				Turn:       s.Turn,
				PlayerType: "Human",
				Board:      s.Board,
				Tile:       s.Tile,
				Position:   s.Cell,
				FinalScore: int(res.Score),
				Won:        g%2 == 0,
			})
		}
	}
	return recs
}

func snapshot(n inference.Nets) [][]float32 {
	var out [][]float32
	for _, p := range append(n.PV.Params(), n.Q.Params()...) {
		out = append(out, append([]float32(nil), p.Value...))
	}
	return out
}

func TestPolicyLossOneHot(t *testing.T) {
	var logits inference.Logits
	var target [game.NumCells]float32
	var legal [game.NumCells]bool
	for _, c := range []int{1, 4, 9, 12} {
		legal[c] = true
	}
	target[9] = 1
	logits[0] = 50 // illegal, ignored

	loss, grad := PolicyLoss(&logits, &target, &legal)
	require.InDelta(t, math.Log(4), loss, 1e-6)
	require.InDelta(t, -0.75, grad[9], 1e-6)
	require.InDelta(t, 0.25, grad[1], 1e-6)
	require.Zero(t, grad[0])

	var sum float32
	for _, g := range grad {
		sum += g
	}
	require.InDelta(t, 0, sum, 1e-6)
}

func TestPolicyLossGradient(t *testing.T) {
	var logits inference.Logits
	var target [game.NumCells]float32
	var legal [game.NumCells]bool
	for c := 0; c < game.NumCells; c += 2 {
		legal[c] = true
		logits[c] = float32(c%5) * 0.3
		target[c] = float32(c + 1)
	}
	var mass float32
	for _, v := range target {
		mass += v
	}
	for c := range target {
		target[c] /= mass
	}

	_, grad := PolicyLoss(&logits, &target, &legal)
	const h = 1e-2
	for c := 0; c < game.NumCells; c += 2 {
		up, down := logits, logits
		up[c] += h
		down[c] -= h
		lu, _ := PolicyLoss(&up, &target, &legal)
		ld, _ := PolicyLoss(&down, &target, &legal)
		require.InDelta(t, (lu-ld)/(2*h), grad[c], 1e-3, "cell %d", c)
	}

	same := target
	for c := range logits {
		if legal[c] {
			logits[c] = float32(math.Log(float64(target[c])))
		}
	}
	loss, _ := PolicyLoss(&logits, &same, &legal)
	require.InDelta(t, 0, loss, 1e-6, "KL of a distribution with itself")
}

func TestValueAndQLoss(t *testing.T) {
	l, g := ValueLoss(0.5, 2, true)
	require.InDelta(t, 0.25, l, 1e-6)
	require.InDelta(t, -1, g, 1e-6)
	l, _ = ValueLoss(0.5, 2, false)
	require.InDelta(t, 2.25, l, 1e-6)

	var q inference.Logits
	q[3] = 1
	l, dq := QLoss(&q, 3, 0.5)
	require.InDelta(t, 0.25, l, 1e-6)
	require.InDelta(t, 1, dq[3], 1e-6)
	require.Zero(t, dq[4])
}

func TestAdamWDecoupledDecay(t *testing.T) {
	cfg := config.Default().Train
	cfg.WeightDecay = 0.1
	w := &inference.Param{Name: "l.weight", Value: []float32{1, -2}, Grad: []float32{0, 0}}
	b := &inference.Param{Name: "l.bias", Value: []float32{1}, Grad: []float32{0}}
	o := NewAdamW(cfg)
	o.Step([]*inference.Param{w, b}, 0.5)
	require.InDelta(t, 0.95, w.Value[0], 1e-6)
	require.InDelta(t, -1.9, w.Value[1], 1e-6)
	require.Equal(t, float32(1), b.Value[0], "biases are not decayed")

	cfg.WeightDecay = 0
	o = NewAdamW(cfg)
	w = &inference.Param{Name: "l.weight", Value: []float32{0, 0}, Grad: []float32{3, -0.01}}
	o.Step([]*inference.Param{w}, 0.1)
	require.InDelta(t, -0.1, w.Value[0], 1e-4, "first Adam step moves by lr against the gradient sign")
	require.InDelta(t, 0.1, w.Value[1], 1e-3)
	require.Equal(t, []float32{0, 0}, w.Grad, "gradients cleared")
	require.Equal(t, 1, o.Steps())
}

func TestSchedules(t *testing.T) {
	cfg := config.Default().Train
	cfg.LearningRate = 1
	cfg.MinLRRatio = 0.1

	cfg.Schedule = "cosine"
	s, err := NewSchedule(cfg, 100)
	require.NoError(t, err)
	require.InDelta(t, 1, s.LR(0), 1e-9)
	require.InDelta(t, 0.55, s.LR(50), 1e-9)
	require.InDelta(t, 0.1, s.LR(100), 1e-9)
	require.InDelta(t, 0.1, s.LR(500), 1e-9)

	cfg.Schedule = "warmup_cosine"
	cfg.WarmupSteps = 10
	s, err = NewSchedule(cfg, 110)
	require.NoError(t, err)
	require.InDelta(t, 0.1, s.LR(0), 1e-9)
	require.InDelta(t, 1, s.LR(9), 1e-9)
	require.InDelta(t, 1, s.LR(10), 1e-9)
	require.InDelta(t, 0.55, s.LR(60), 1e-9)

	cfg.Schedule = "constant"
	s, err = NewSchedule(cfg, 10)
	require.NoError(t, err)
	require.Equal(t, 1.0, s.LR(7))

	cfg.Schedule = "step"
	_, err = NewSchedule(cfg, 10)
	require.ErrorIs(t, err, config.ErrConfigInvalid)

	require.Equal(t, 3, StepsPerEpoch(65, 32))
	require.Zero(t, StepsPerEpoch(0, 32))
}

func TestSampleWeight(t *testing.T) {
	cfg := config.Default().Train
	require.Equal(t, float32(1), SampleWeight(cfg, 150, "Human", true))

	cfg.WeightScheme = "score_power"
	cfg.WeightPower = 2
	require.InDelta(t, 2.25, SampleWeight(cfg, 150, "MCTS", false), 1e-6)
	require.Zero(t, SampleWeight(cfg, 0, "MCTS", false))

	cfg.WeightScheme = "by_source"
	cfg.HumanWinBoost = 3
	require.Equal(t, float32(3), SampleWeight(cfg, 150, "Human", true))
	require.Equal(t, float32(1), SampleWeight(cfg, 150, "Human", false))
	require.Equal(t, float32(1), SampleWeight(cfg, 150, "MCTS", true))
}

func TestExamplesFromRecords(t *testing.T) {
	cfg := config.Default()
	recs := records(t, 1)
	exs, err := ExamplesFromRecords(recs, convert.Grid47, cfg)
	require.NoError(t, err)
	require.Len(t, exs, game.MaxTurns)
	for i, ex := range exs {
		require.Len(t, ex.Features, convert.Grid47.Size())
		require.Equal(t, float32(1), ex.Policy[recs[i].Position])
		require.True(t, ex.Legal[recs[i].Position])
		require.Equal(t, game.NumCells-i, countTrue(ex.Legal))
	}

	bad := recs[5]
	bad.Position = recs[0].Position
	_, err = ExamplesFromRecords([]store.Record{bad}, convert.Grid47, cfg)
	require.ErrorIs(t, err, game.ErrCellOccupied)
}

func countTrue(m [game.NumCells]bool) int {
	n := 0
	for _, ok := range m {
		if ok {
			n++
		}
	}
	return n
}

func TestTrainerReducesLoss(t *testing.T) {
	cfg := config.Default()
	exs, err := ExamplesFromRecords(records(t, 1)[:8], convert.Grid47, cfg)
	require.NoError(t, err)

	tr := NewTrainer(inference.NewNets(convert.Grid47, 16, 1), cfg.Train, Constant(3e-3))
	before, err := tr.Evaluate(exs)
	require.NoError(t, err)
	for i := 0; i < 150; i++ {
		_, err := tr.Step(exs)
		require.NoError(t, err)
	}
	after, err := tr.Evaluate(exs)
	require.NoError(t, err)
	require.Less(t, after.Total(), before.Total())
	require.Less(t, after.Policy, before.Policy)
	require.Equal(t, 150, tr.Steps())
}

func TestTrainerSkipsNonFiniteBatch(t *testing.T) {
	cfg := config.Default()
	exs, err := ExamplesFromRecords(records(t, 1)[:4], convert.Grid47, cfg)
	require.NoError(t, err)
	exs[2].Features = append([]float32(nil), exs[2].Features...)
	exs[2].Features[0] = float32(math.NaN())

	nets := inference.NewNets(convert.Grid47, 8, 2)
	before := snapshot(nets)
	tr := NewTrainer(nets, cfg.Train, nil)
	_, err = tr.Step(exs)
	require.ErrorIs(t, err, ErrStepSkipped)
	require.ErrorIs(t, err, inference.ErrNumericFailure)
	require.Equal(t, before, snapshot(nets))
	require.Zero(t, tr.Steps())

	_, err = tr.Step(exs[:2])
	require.NoError(t, err, "the next batch trains normally")
	require.Equal(t, 1, tr.Steps())
}

func TestReplayBuffer(t *testing.T) {
	b := NewReplayBuffer(3)
	for i := 0; i < 5; i++ {
		b.Add(Example{Cell: i})
	}
	require.Equal(t, 3, b.Len())
	cells := map[int]bool{}
	for _, ex := range b.Examples(game.NewRand(1)) {
		cells[ex.Cell] = true
	}
	require.Equal(t, map[int]bool{2: true, 3: true, 4: true}, cells)
	require.Len(t, b.Sample(game.NewRand(1), 10), 10)

	unbounded := NewReplayBuffer(0)
	unbounded.Add(make([]Example, 100)...)
	require.Equal(t, 100, unbounded.Len())
	require.Nil(t, NewReplayBuffer(1).Sample(game.NewRand(1), 2))
}

type events struct{ got []Event }

func (e *events) Publish(ev Event) { e.got = append(e.got, ev) }

func TestSupervisedEarlyStopping(t *testing.T) {
	cfg := config.Default()
	cfg.Train.Epochs = 10
	cfg.Train.Patience = 2
	cfg.Train.BatchSize = 8
	exs, err := ExamplesFromRecords(records(t, 2), convert.Grid47, cfg)
	require.NoError(t, err)
	trainSet, val := Split(exs, 0.25, 1)
	require.Len(t, val, len(exs)/4)
	require.Len(t, trainSet, len(exs)-len(val))

	stem := filepath.Join(t.TempDir(), "best")
	obs := &events{}
	tr := NewTrainer(inference.NewNets(convert.Grid47, 8, 3), cfg.Train, Constant(0))
	rep, err := Supervised(context.Background(), tr, trainSet, val, cfg.Train, SupervisedOptions{Stem: stem, Seed: 1, Observer: obs})
	require.NoError(t, err)

	// A zero learning rate never improves after the first epoch.
	require.True(t, rep.Stopped)
	require.Equal(t, 3, rep.Epochs)
	require.Zero(t, rep.BestEpoch)
	require.Len(t, rep.Val, 3)
	pv, _ := inference.Paths(stem)
	require.FileExists(t, pv)
	require.Len(t, obs.got, 4)
	require.Equal(t, "done", obs.got[3].Kind)
}

func TestSupervisedLearns(t *testing.T) {
	cfg := config.Default()
	cfg.Train.Epochs = 15
	cfg.Train.Patience = 0
	cfg.Train.BatchSize = 16
	exs, err := ExamplesFromRecords(records(t, 3), convert.Grid47, cfg)
	require.NoError(t, err)

	tr := NewTrainer(inference.NewNets(convert.Grid47, 16, 4), cfg.Train, Constant(2e-3))
	rep, err := Supervised(context.Background(), tr, exs, nil, cfg.Train, SupervisedOptions{Seed: 2})
	require.NoError(t, err)
	require.Equal(t, 15, rep.Epochs)
	require.Less(t, rep.Train[14].Total(), rep.Train[0].Total())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = Supervised(ctx, tr, exs, nil, cfg.Train, SupervisedOptions{})
	require.ErrorIs(t, err, context.Canceled)
}

func TestProgressHub(t *testing.T) {
	hub := NewProgressHub()
	srv := httptest.NewServer(hub)
	defer srv.Close()
	defer hub.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return hub.Clients() == 1 }, 2*time.Second, 10*time.Millisecond)

	hub.Publish(Event{Kind: "epoch", Epoch: 3, Step: 42, TrainLoss: 1.5})
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	var ev Event
	require.NoError(t, json.Unmarshal(msg, &ev))
	require.Equal(t, "epoch", ev.Kind)
	require.Equal(t, 3, ev.Epoch)
	require.Equal(t, 42, ev.Step)
	require.False(t, ev.Time.IsZero())

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return hub.Clients() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestSelfPlayLoop(t *testing.T) {
	cfg := config.Default()
	cfg.Train.Iterations = 1
	cfg.Train.GamesPerIteration = 2
	cfg.Train.Epochs = 1
	cfg.Train.BatchSize = 16
	cfg.Train.HiddenSize = 8
	cfg.SelfPlay.Workers = 2
	cfg.Gate.Games = 2
	cfg.Gate.Simulations = 4

	dir := t.TempDir()
	archive, err := store.NewBatchWriter(filepath.Join(dir, "archive"))
	require.NoError(t, err)
	best := inference.NewNets(convert.Grid47, cfg.Train.HiddenSize, 5)
	loop := &SelfPlayLoop{
		Config:      cfg,
		Format:      convert.Grid47,
		Best:        best,
		Stem:        filepath.Join(dir, "best"),
		Archive:     archive,
		Simulations: 4,
	}
	reports, err := loop.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, reports, 1)
	rep := reports[0]
	require.Equal(t, 2, rep.Games)
	require.Equal(t, 2*game.MaxTurns, rep.Samples)
	require.Equal(t, 2*game.MaxTurns, loop.Replay.Len())
	require.Equal(t, 2, rep.Decision.Games)
	require.GreaterOrEqual(t, rep.MeanScore, 0.0, "an untrained net may score nothing")
	require.Zero(t, rep.Iteration)

	pv, _ := inference.Paths(loop.Stem)
	_, statErr := os.Stat(pv)
	if rep.Promoted {
		require.NoError(t, statErr)
		require.NotSame(t, best.PV, loop.Best.PV)
	} else {
		require.True(t, os.IsNotExist(statErr))
		require.Same(t, best.PV, loop.Best.PV)
	}

	path, rows, games, err := archive.Finalize()
	require.NoError(t, err)
	require.Equal(t, 2, games)
	require.Equal(t, 2*game.MaxTurns, rows)

	archived, err := store.ReadSamples(path)
	require.NoError(t, err)
	scores := map[string]int32{}
	for _, r := range archived {
		scores[r.GameID] = r.FinalScore
	}
	require.Len(t, scores, 2)
	var total int32
	for _, s := range scores {
		total += s
	}
	require.InDelta(t, float64(total)/2, rep.MeanScore, 1e-9)
}
