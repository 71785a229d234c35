// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package scheduler implements the DDPM noise scheduler used as a frozen component of training.
//
// Its only state is the cumulative product of the alphas ("alphas_cumprod"), computed on host in
// float64 from the beta schedule and stored as a float32 tensor. The forward diffusion and the velocity
// target are built as graph operations over that state.
package scheduler

import (
	"math"

	"github.com/gomlx/aotdiffusion/pkg/state"
	"github.com/gomlx/aotdiffusion/pkg/tree"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
)

// Beta schedules.
const (
	Linear              = "linear"
	ScaledLinear        = "scaled_linear"
	ZeroSNRScaledLinear = "zero_snr_scaled_linear"
)

// Prediction types: what the denoiser is trained to predict.
const (
	Epsilon     = "epsilon"
	VPrediction = "v_prediction"
)

// AlphasCumprodPath is the path of the scheduler's single state leaf.
const AlphasCumprodPath = "/alphas_cumprod"

// Config holds the scheduler hyperparameters.
type Config struct {
	BetaStart, BetaEnd float64
	NumTrainTimesteps  int
	BetaSchedule       string
	PredictionType     string
}

// DefaultConfig returns the hyperparameters of the trained model family: betas from 0.00085 to 0.012,
// 1000 timesteps, velocity prediction and a zero terminal SNR scaled linear schedule.
func DefaultConfig() Config {
	return Config{
		BetaStart:         0.00085,
		BetaEnd:           0.012,
		NumTrainTimesteps: 1000,
		BetaSchedule:      ZeroSNRScaledLinear,
		PredictionType:    VPrediction,
	}
}

// Scheduler is a DDPM scheduler. It implements state.SchedulerTransform.
type Scheduler struct {
	cfg           Config
	alphasCumprod []float64
}

var _ state.SchedulerTransform = (*Scheduler)(nil)

// New creates a Scheduler. The prediction type is not validated here: it is only checked when a train
// step is built.
func New(cfg Config) (*Scheduler, error) {
	if cfg.NumTrainTimesteps < 2 {
		return nil, errors.Errorf("scheduler.New: NumTrainTimesteps must be at least 2, got %d", cfg.NumTrainTimesteps)
	}
	if cfg.BetaStart <= 0 || cfg.BetaEnd <= cfg.BetaStart || cfg.BetaEnd >= 1 {
		return nil, errors.Errorf("scheduler.New: invalid beta range [%g, %g]", cfg.BetaStart, cfg.BetaEnd)
	}
	betas, err := Betas(cfg)
	if err != nil {
		return nil, err
	}
	s := &Scheduler{cfg: cfg, alphasCumprod: make([]float64, len(betas))}
	cumprod := 1.0
	for ii, beta := range betas {
		cumprod *= 1 - beta
		s.alphasCumprod[ii] = cumprod
	}
	if cfg.BetaSchedule == ZeroSNRScaledLinear {
		// Avoid rounding leftovers: the last timestep is pure noise.
		s.alphasCumprod[len(betas)-1] = 0
	}
	return s, nil
}

// Betas returns the beta for each timestep according to the configured schedule.
func Betas(cfg Config) ([]float64, error) {
	n := cfg.NumTrainTimesteps
	linspace := func(from, to float64) []float64 {
		values := make([]float64, n)
		for ii := range values {
			values[ii] = from + (to-from)*float64(ii)/float64(n-1)
		}
		return values
	}
	switch cfg.BetaSchedule {
	case Linear:
		return linspace(cfg.BetaStart, cfg.BetaEnd), nil
	case ScaledLinear, ZeroSNRScaledLinear:
		betas := linspace(math.Sqrt(cfg.BetaStart), math.Sqrt(cfg.BetaEnd))
		for ii, b := range betas {
			betas[ii] = b * b
		}
		if cfg.BetaSchedule == ZeroSNRScaledLinear {
			betas = rescaleZeroTerminalSNR(betas)
		}
		return betas, nil
	default:
		return nil, errors.Errorf("scheduler: unknown beta schedule %q (valid: %q, %q, %q)",
			cfg.BetaSchedule, Linear, ScaledLinear, ZeroSNRScaledLinear)
	}
}

// rescaleZeroTerminalSNR shifts and scales sqrt(alphas_cumprod) so that the last value is 0 and the
// first is unchanged, and converts the result back to betas.
func rescaleZeroTerminalSNR(betas []float64) []float64 {
	n := len(betas)
	sqrtCumprod := make([]float64, n)
	cumprod := 1.0
	for ii, b := range betas {
		cumprod *= 1 - b
		sqrtCumprod[ii] = math.Sqrt(cumprod)
	}
	first, last := sqrtCumprod[0], sqrtCumprod[n-1]
	for ii := range sqrtCumprod {
		sqrtCumprod[ii] = (sqrtCumprod[ii] - last) * first / (first - last)
	}
	rescaled := make([]float64, n)
	prev := 1.0
	for ii, s := range sqrtCumprod {
		cumprod := s * s
		rescaled[ii] = 1 - cumprod/prev
		prev = cumprod
	}
	return rescaled
}

// Config returns the scheduler hyperparameters.
func (s *Scheduler) Config() Config { return s.cfg }

// Kind implements state.Transform.
func (s *Scheduler) Kind() state.Kind { return state.KindScheduler }

// Name implements state.Transform.
func (s *Scheduler) Name() string { return "ddpm" }

// PredictionType implements state.SchedulerTransform.
func (s *Scheduler) PredictionType() string { return s.cfg.PredictionType }

// NumTrainTimesteps implements state.SchedulerTransform.
func (s *Scheduler) NumTrainTimesteps() int { return s.cfg.NumTrainTimesteps }

// AlphasCumprod returns a copy of the cumulative product of alphas, per timestep.
func (s *Scheduler) AlphasCumprod() []float64 {
	return append([]float64(nil), s.alphasCumprod...)
}

// Params returns the scheduler's initial state: a tree with the single AlphasCumprod leaf.
func (s *Scheduler) Params() *state.Params {
	values := make([]float32, len(s.alphasCumprod))
	for ii, v := range s.alphasCumprod {
		values[ii] = float32(v)
	}
	return tree.FromMap(map[string]*tensors.Tensor{
		AlphasCumprodPath: tensors.FromValue(values),
	})
}

// coefficients returns sqrt(alphas_cumprod[t]) and sqrt(1-alphas_cumprod[t]), shaped to broadcast
// over x (batch axis first).
func coefficients(params *state.Nodes, x, timesteps *graph.Node) (sqrtAlpha, sqrtOneMinusAlpha *graph.Node) {
	acp := params.MustGet(AlphasCumprodPath)
	acp = graph.Gather(acp, graph.InsertAxes(timesteps, -1))
	acp = graph.ConvertDType(acp, x.DType())
	dims := make([]int, x.Rank())
	for ii := range dims {
		dims[ii] = 1
	}
	dims[0] = x.Shape().Dimensions[0]
	acp = graph.Reshape(acp, dims...)
	sqrtAlpha = graph.Sqrt(acp)
	sqrtOneMinusAlpha = graph.Sqrt(graph.OneMinus(acp))
	return
}

// AddNoise implements state.SchedulerTransform: the forward diffusion
// sqrt(acp[t]) * x + sqrt(1 - acp[t]) * noise.
func (s *Scheduler) AddNoise(params *state.Nodes, x, noise, timesteps *graph.Node) *graph.Node {
	sqrtAlpha, sqrtOneMinusAlpha := coefficients(params, x, timesteps)
	return graph.Add(graph.Mul(sqrtAlpha, x), graph.Mul(sqrtOneMinusAlpha, noise))
}

// Velocity implements state.SchedulerTransform: the velocity target
// sqrt(acp[t]) * noise - sqrt(1 - acp[t]) * x.
func (s *Scheduler) Velocity(params *state.Nodes, x, noise, timesteps *graph.Node) *graph.Node {
	sqrtAlpha, sqrtOneMinusAlpha := coefficients(params, x, timesteps)
	return graph.Sub(graph.Mul(sqrtAlpha, noise), graph.Mul(sqrtOneMinusAlpha, x))
}
