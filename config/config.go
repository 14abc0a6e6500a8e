// Package config holds every tunable of the search, self-play, training and
// gating loops in one record. Defaults reproduce the tuned values; a YAML
// file may override any subset of fields.
package config

import (
	"errors"
	"fmt"
	"math"
	"os"

	"gopkg.in/yaml.v3"
)

var ErrConfigInvalid = errors.New("config invalid")

type Config struct {
	Search   Search   `yaml:"search"`
	SelfPlay SelfPlay `yaml:"selfplay"`
	Train    Train    `yaml:"train"`
	Gate     Gate     `yaml:"gate"`
}

// Search configures one MCTS engine.
type Search struct {
	// Turn phases: early is [0, MidTurn), mid is [MidTurn, LateTurn), late is
	// LateTurn onwards.
	MidTurn  int `yaml:"mid_turn"`
	LateTurn int `yaml:"late_turn"`

	CPuctEarly float64 `yaml:"c_puct_early"`
	CPuctMid   float64 `yaml:"c_puct_mid"`
	CPuctLate  float64 `yaml:"c_puct_late"`

	// The root c_puct is scaled by the first multiplier whose threshold the
	// spread of the children's value estimates exceeds.
	VarianceHighThreshold float64 `yaml:"variance_high_threshold"`
	VarianceHighMult      float64 `yaml:"variance_high_mult"`
	VarianceMidThreshold  float64 `yaml:"variance_mid_threshold"`
	VarianceMidMult       float64 `yaml:"variance_mid_mult"`
	VarianceLowThreshold  float64 `yaml:"variance_low_threshold"`
	VarianceLowMult       float64 `yaml:"variance_low_mult"`
	VarianceFloorMult     float64 `yaml:"variance_floor_mult"`

	// Fraction of lowest-prior actions dropped at expansion when no Q network
	// is available. Phases are split at turns 5, 10 and 15.
	PruneEarly float64 `yaml:"prune_early"`
	PruneMid1  float64 `yaml:"prune_mid1"`
	PruneMid2  float64 `yaml:"prune_mid2"`
	PruneLate  float64 `yaml:"prune_late"`

	RolloutStrong        int     `yaml:"rollout_strong"`
	RolloutMedium        int     `yaml:"rollout_medium"`
	RolloutDefault       int     `yaml:"rollout_default"`
	RolloutWeak          int     `yaml:"rollout_weak"`
	StrongValueThreshold float64 `yaml:"strong_value_threshold"`
	MediumValueThreshold float64 `yaml:"medium_value_threshold"`
	WeakValueThreshold   float64 `yaml:"weak_value_threshold"`
	RolloutGreedyRate    float64 `yaml:"rollout_greedy_rate"`

	WeightNet        float64 `yaml:"weight_net"`
	WeightRollout    float64 `yaml:"weight_rollout"`
	WeightHeuristic  float64 `yaml:"weight_heuristic"`
	WeightContextual float64 `yaml:"weight_contextual"`
	HeuristicScale   float64 `yaml:"heuristic_scale"`

	TempInitial    float64 `yaml:"temp_initial"`
	TempFinal      float64 `yaml:"temp_final"`
	TempDecayStart int     `yaml:"temp_decay_start"`
	TempDecayEnd   int     `yaml:"temp_decay_end"`

	Simulations  int     `yaml:"simulations"`
	SimMultEarly float64 `yaml:"sim_mult_early"`
	SimMultMid   float64 `yaml:"sim_mult_mid"`
	SimMultLate  float64 `yaml:"sim_mult_late"`

	DirichletAlpha      float64 `yaml:"dirichlet_alpha"`
	DirichletEpsilon    float64 `yaml:"dirichlet_epsilon"`
	DirichletTurnCutoff int     `yaml:"dirichlet_turn_cutoff"`

	TopK             int `yaml:"top_k"`
	QPruneTurnCutoff int `yaml:"q_prune_turn_cutoff"`

	WideningC     float64 `yaml:"widening_c"`
	WideningAlpha float64 `yaml:"widening_alpha"`
	WideningMin   int     `yaml:"widening_min"`

	FirstPlayUrgency float64 `yaml:"first_play_urgency"`
	ScoreMean        float64 `yaml:"score_mean"`
	ScoreStd         float64 `yaml:"score_std"`
}

type SelfPlay struct {
	Games            int     `yaml:"games"`
	Workers          int     `yaml:"workers"`
	Exploration      float64 `yaml:"exploration"`
	RandomStartTiles int     `yaml:"random_start_tiles"`
	BufferSize       int     `yaml:"buffer_size"`
	Seed             uint64  `yaml:"seed"`
}

type Train struct {
	LearningRate   float64 `yaml:"learning_rate"`
	WeightDecay    float64 `yaml:"weight_decay"`
	Beta1          float64 `yaml:"beta1"`
	Beta2          float64 `yaml:"beta2"`
	Epsilon        float64 `yaml:"epsilon"`
	BatchSize      int     `yaml:"batch_size"`
	Epochs         int     `yaml:"epochs"`
	Schedule       string  `yaml:"schedule"` // constant | cosine | warmup_cosine
	WarmupSteps    int     `yaml:"warmup_steps"`
	MinLRRatio     float64 `yaml:"min_lr_ratio"`
	Patience       int     `yaml:"patience"`
	ValueClamp     bool    `yaml:"value_clamp"`
	ValidationFrac float64 `yaml:"validation_frac"`
	HiddenSize     int     `yaml:"hidden_size"`

	WeightScheme  string  `yaml:"weight_scheme"` // uniform | score_power | by_source
	WeightPower   float64 `yaml:"weight_power"`
	HumanWinBoost float64 `yaml:"human_win_boost"`
	MinScore      int     `yaml:"min_score"`

	Iterations        int    `yaml:"iterations"`
	GamesPerIteration int    `yaml:"games_per_iteration"`
	ReplayCapacity    int    `yaml:"replay_capacity"`
	CheckpointDir     string `yaml:"checkpoint_dir"`
}

// Gate configures paired-game promotion of a candidate model.
type Gate struct {
	Games       int     `yaml:"games"`
	Simulations int     `yaml:"simulations"`
	Threshold   float64 `yaml:"threshold"`
	Confidence  float64 `yaml:"confidence"`
	Seed        uint64  `yaml:"seed"`
}

func DefaultSearch() Search {
	return Search{
		MidTurn:  5,
		LateTurn: 16,

		CPuctEarly: 4.2,
		CPuctMid:   3.8,
		CPuctLate:  3.0,

		VarianceHighThreshold: 0.5,
		VarianceHighMult:      1.3,
		VarianceMidThreshold:  0.2,
		VarianceMidMult:       1.1,
		VarianceLowThreshold:  0.05,
		VarianceLowMult:       1.0,
		VarianceFloorMult:     0.85,

		PruneEarly: 0.05,
		PruneMid1:  0.10,
		PruneMid2:  0.15,
		PruneLate:  0.20,

		RolloutStrong:        3,
		RolloutMedium:        5,
		RolloutDefault:       7,
		RolloutWeak:          9,
		StrongValueThreshold: 0.7,
		MediumValueThreshold: 0.2,
		WeakValueThreshold:   -0.4,
		RolloutGreedyRate:    0.8,

		WeightNet:        0.65,
		WeightRollout:    0.25,
		WeightHeuristic:  0.05,
		WeightContextual: 0.05,
		HeuristicScale:   30,

		TempInitial:    1.8,
		TempFinal:      0.5,
		TempDecayStart: 7,
		TempDecayEnd:   13,

		Simulations:  150,
		SimMultEarly: 0.67,
		SimMultMid:   1.0,
		SimMultLate:  1.67,

		DirichletAlpha:      0.3,
		DirichletEpsilon:    0.25,
		DirichletTurnCutoff: 12,

		TopK:             6,
		QPruneTurnCutoff: 19,

		WideningC:     1.5,
		WideningAlpha: 0.4,
		WideningMin:   3,

		FirstPlayUrgency: 0.5,
		ScoreMean:        140,
		ScoreStd:         40,
	}
}

func Default() Config {
	return Config{
		Search: DefaultSearch(),
		SelfPlay: SelfPlay{
			Games:      100,
			Workers:    4,
			BufferSize: 256,
			Seed:       42,
		},
		Train: Train{
			LearningRate:   1e-3,
			WeightDecay:    1e-4,
			Beta1:          0.9,
			Beta2:          0.999,
			Epsilon:        1e-8,
			BatchSize:      64,
			Epochs:         10,
			Schedule:       "cosine",
			WarmupSteps:    100,
			MinLRRatio:     0.1,
			Patience:       5,
			ValueClamp:     true,
			ValidationFrac: 0.1,
			HiddenSize:     128,

			WeightScheme:  "uniform",
			WeightPower:   1,
			HumanWinBoost: 2,

			Iterations:        10,
			GamesPerIteration: 50,
			ReplayCapacity:    50000,
			CheckpointDir:     "checkpoints",
		},
		Gate: Gate{
			Games:       200,
			Simulations: 150,
			Threshold:   3.0,
			Confidence:  0.95,
			Seed:        2025,
		},
	}
}

// Load reads a YAML file over the defaults and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("%w: parse %s: %w", ErrConfigInvalid, path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects configurations the loops cannot run with. All problems
// are reported together.
func (c Config) Validate() error {
	var problems []error
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Errorf(format, args...))
	}

	problems = append(problems, c.Search.problems()...)

	sp := c.SelfPlay
	if sp.Games < 0 || sp.Workers < 0 || sp.RandomStartTiles < 0 || sp.BufferSize < 0 {
		add("selfplay counts must be non-negative")
	}
	if sp.RandomStartTiles >= 19 {
		add("random_start_tiles %d leaves no move to play", sp.RandomStartTiles)
	}
	if sp.Exploration < 0 || sp.Exploration > 1 {
		add("exploration %v outside [0,1]", sp.Exploration)
	}

	tr := c.Train
	if tr.LearningRate <= 0 {
		add("learning_rate must be positive")
	}
	if tr.WeightDecay < 0 {
		add("weight_decay must be non-negative")
	}
	if tr.Beta1 < 0 || tr.Beta1 >= 1 || tr.Beta2 < 0 || tr.Beta2 >= 1 {
		add("adam betas must be in [0,1)")
	}
	if tr.BatchSize <= 0 || tr.Epochs < 0 || tr.Patience < 0 || tr.WarmupSteps < 0 || tr.HiddenSize <= 0 {
		add("train counts must be non-negative and batch/hidden sizes positive")
	}
	if tr.Iterations < 0 || tr.GamesPerIteration < 0 || tr.ReplayCapacity < 0 || tr.MinScore < 0 {
		add("self-play loop counts must be non-negative")
	}
	if tr.MinLRRatio < 0 || tr.MinLRRatio > 1 {
		add("min_lr_ratio %v outside [0,1]", tr.MinLRRatio)
	}
	if tr.ValidationFrac < 0 || tr.ValidationFrac >= 1 {
		add("validation_frac %v outside [0,1)", tr.ValidationFrac)
	}
	switch tr.Schedule {
	case "constant", "cosine", "warmup_cosine":
	default:
		add("unknown schedule %q", tr.Schedule)
	}
	switch tr.WeightScheme {
	case "uniform", "score_power", "by_source":
	default:
		add("unknown weight_scheme %q", tr.WeightScheme)
	}
	if tr.WeightPower < 0 || tr.HumanWinBoost < 0 {
		add("weighting parameters must be non-negative")
	}

	g := c.Gate
	if g.Games < 2 {
		add("gate needs at least 2 games, got %d", g.Games)
	}
	if g.Simulations < 0 {
		add("gate simulations must be non-negative")
	}
	if g.Confidence <= 0 || g.Confidence >= 1 {
		add("confidence %v outside (0,1)", g.Confidence)
	}

	if len(problems) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrConfigInvalid, errors.Join(problems...))
}

// Validate checks the search section on its own, for engines built without
// a full Config.
func (s Search) Validate() error {
	if p := s.problems(); len(p) > 0 {
		return fmt.Errorf("%w: %w", ErrConfigInvalid, errors.Join(p...))
	}
	return nil
}

func (s Search) problems() []error {
	var problems []error
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Errorf(format, args...))
	}

	sum := s.WeightNet + s.WeightRollout + s.WeightHeuristic + s.WeightContextual
	if math.Abs(sum-1) > 0.01 {
		add("evaluation weights sum to %.4f, want 1", sum)
	}
	for name, w := range map[string]float64{
		"weight_net": s.WeightNet, "weight_rollout": s.WeightRollout,
		"weight_heuristic": s.WeightHeuristic, "weight_contextual": s.WeightContextual,
	} {
		if w < 0 {
			add("%s is negative", name)
		}
	}
	if s.MidTurn < 0 || s.LateTurn < s.MidTurn {
		add("turn phases out of order: mid %d late %d", s.MidTurn, s.LateTurn)
	}
	if s.CPuctEarly < 0 || s.CPuctMid < 0 || s.CPuctLate < 0 {
		add("c_puct must be non-negative")
	}
	if s.VarianceHighMult <= 0 || s.VarianceMidMult <= 0 || s.VarianceLowMult <= 0 || s.VarianceFloorMult <= 0 {
		add("variance multipliers must be positive")
	}
	for _, p := range []float64{s.PruneEarly, s.PruneMid1, s.PruneMid2, s.PruneLate} {
		if p < 0 || p >= 1 {
			add("prune ratio %v outside [0,1)", p)
		}
	}
	if s.RolloutStrong < 0 || s.RolloutMedium < 0 || s.RolloutDefault < 0 || s.RolloutWeak < 0 {
		add("rollout counts must be non-negative")
	}
	if s.RolloutGreedyRate < 0 || s.RolloutGreedyRate > 1 {
		add("rollout_greedy_rate %v outside [0,1]", s.RolloutGreedyRate)
	}
	if s.HeuristicScale <= 0 {
		add("heuristic_scale must be positive")
	}
	if s.TempInitial <= 0 || s.TempFinal <= 0 {
		add("temperatures must be positive")
	}
	if s.TempDecayEnd < s.TempDecayStart {
		add("temperature decay ends at %d before it starts at %d", s.TempDecayEnd, s.TempDecayStart)
	}
	if s.Simulations < 0 {
		add("simulations must be non-negative")
	}
	if s.SimMultEarly <= 0 || s.SimMultMid <= 0 || s.SimMultLate <= 0 {
		add("simulation multipliers must be positive")
	}
	if s.DirichletAlpha <= 0 {
		add("dirichlet_alpha must be positive")
	}
	if s.DirichletEpsilon < 0 || s.DirichletEpsilon > 1 {
		add("dirichlet_epsilon %v outside [0,1]", s.DirichletEpsilon)
	}
	if s.TopK < 1 {
		add("top_k must be at least 1")
	}
	if s.WideningC <= 0 || s.WideningAlpha < 0 || s.WideningMin < 1 {
		add("progressive widening needs c > 0, alpha >= 0, min >= 1")
	}
	if s.ScoreStd <= 0 {
		add("score_std must be positive")
	}
	if s.DirichletTurnCutoff < 0 || s.QPruneTurnCutoff < 0 {
		add("turn cutoffs must be non-negative")
	}
	return problems
}

// String summarises the search knobs on one line for logs.
func (s Search) String() string {
	return fmt.Sprintf("cpuct=%.2f/%.2f/%.2f prune=%.2f/%.2f/%.2f/%.2f rollouts=%d/%d/%d/%d w=%.2f/%.2f/%.2f/%.2f temp=%.2f->%.2f@%d-%d sims=%d x%.2f/%.2f/%.2f dir=%.2f/%.2f<%d topk=%d pw=%.2f/%.2f/%d",
		s.CPuctEarly, s.CPuctMid, s.CPuctLate,
		s.PruneEarly, s.PruneMid1, s.PruneMid2, s.PruneLate,
		s.RolloutStrong, s.RolloutMedium, s.RolloutDefault, s.RolloutWeak,
		s.WeightNet, s.WeightRollout, s.WeightHeuristic, s.WeightContextual,
		s.TempInitial, s.TempFinal, s.TempDecayStart, s.TempDecayEnd,
		s.Simulations, s.SimMultEarly, s.SimMultMid, s.SimMultLate,
		s.DirichletAlpha, s.DirichletEpsilon, s.DirichletTurnCutoff,
		s.TopK, s.WideningC, s.WideningAlpha, s.WideningMin)
}
