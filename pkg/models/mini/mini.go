// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package mini implements small reference subsystems of a latent diffusion model: a denoiser, a text
// encoder and a latent (VAE) encoder.
//
// They have the same interfaces and tensor layouts as the full sized models, so the whole training pipeline
// can be built, compiled and run on any backend without loading pretrained weights. Parameters are
// initialized on host from a seed.
package mini

import (
	"math"
	"math/rand"

	"github.com/gomlx/aotdiffusion/pkg/scheduler"
	"github.com/gomlx/aotdiffusion/pkg/state"
	"github.com/gomlx/aotdiffusion/pkg/tree"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph" //nolint
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
)

// Config of the mini models.
type Config struct {
	// LatentChannels is the number of channels of the latent space.
	LatentChannels int

	// Downsample is the spatial reduction factor of the latent encoder. Image dimensions must be divisible by it.
	Downsample int

	// DenoiserDim is the width of the denoiser. It must be even.
	DenoiserDim int

	// VocabSize and TextHiddenDim of the text encoder.
	VocabSize, TextHiddenDim int

	// DropoutRate of the text encoder in training mode.
	DropoutRate float64
}

// DefaultConfig returns a configuration with the latent layout of Stable Diffusion (4 channels, 8x
// downsampling) and small widths.
func DefaultConfig() Config {
	return Config{
		LatentChannels: 4,
		Downsample:     8,
		DenoiserDim:    32,
		VocabSize:      1024,
		TextHiddenDim:  32,
		DropoutRate:    0.1,
	}
}

// Validate the configuration.
func (c Config) Validate() error {
	if c.LatentChannels <= 0 || c.Downsample <= 0 || c.VocabSize <= 0 || c.TextHiddenDim <= 0 {
		return errors.Errorf("mini: all dimensions must be positive, got %+v", c)
	}
	if c.DenoiserDim <= 0 || c.DenoiserDim%2 != 0 {
		return errors.Errorf("mini: DenoiserDim must be positive and even, got %d", c.DenoiserDim)
	}
	if c.DropoutRate < 0 || c.DropoutRate >= 1 {
		return errors.Errorf("mini: DropoutRate must be in [0, 1), got %g", c.DropoutRate)
	}
	return nil
}

// New creates the models with parameters randomly initialized from seed, plus the noise scheduler.
func New(cfg Config, schedulerCfg scheduler.Config, seed int64) (*state.Models, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	sched, err := scheduler.New(schedulerCfg)
	if err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewSource(seed))
	unet := &Denoiser{cfg: cfg}
	text := &TextEncoder{cfg: cfg}
	vae := &LatentEncoder{cfg: cfg}
	return &state.Models{
		Denoiser:            unet,
		DenoiserParams:      unet.InitParams(rng),
		TextEncoder:         text,
		TextEncoderParams:   text.InitParams(rng),
		LatentEncoder:       vae,
		LatentEncoderParams: vae.InitParams(rng),
		Scheduler:           sched,
		SchedulerParams:     sched.Params(),
	}, nil
}

// randomTensor returns a float32 tensor with normal values scaled by stddev.
func randomTensor(rng *rand.Rand, stddev float64, dims ...int) *tensors.Tensor {
	t := tensors.FromShape(shapes.Make(dtypes.Float32, dims...))
	tensors.MustMutableFlatData[float32](t, func(flat []float32) {
		for ii := range flat {
			flat[ii] = float32(rng.NormFloat64() * stddev)
		}
	})
	return t
}

// zerosTensor returns a float32 tensor filled with zeros.
func zerosTensor(dims ...int) *tensors.Tensor {
	return tensors.FromShape(shapes.Make(dtypes.Float32, dims...))
}

// glorot returns the stddev for a dense layer with the given fan-in and fan-out.
func glorot(fanIn, fanOut int) float64 {
	return math.Sqrt(2.0 / float64(fanIn+fanOut))
}

// broadcastBias reshapes a bias vector to broadcast over the given axis of a tensor of the given rank.
func broadcastBias(bias *Node, rank, axis int) *Node {
	dims := make([]int, rank)
	for ii := range dims {
		dims[ii] = 1
	}
	dims[axis] = bias.Shape().Dimensions[0]
	return Reshape(bias, dims...)
}

// LatentEncoder is the encoder half of a VAE: it average pools the pixels by Downsample and projects them
// to the mean and log-variance of the latent distribution.
type LatentEncoder struct {
	cfg Config
}

var _ state.LatentEncoderTransform = (*LatentEncoder)(nil)

// Kind implements state.Transform.
func (e *LatentEncoder) Kind() state.Kind { return state.KindLatentEncoder }

// Name implements state.Transform.
func (e *LatentEncoder) Name() string { return "mini_vae" }

// InitParams creates the encoder parameters.
func (e *LatentEncoder) InitParams(rng *rand.Rand) *state.Params {
	out := 2 * e.cfg.LatentChannels
	return tree.FromMap(map[string]*tensors.Tensor{
		"/proj/weights": randomTensor(rng, glorot(3, out), 3, out),
		"/proj/biases":  zerosTensor(out),
	})
}

// Apply implements state.LatentEncoderTransform. Pixels are NCHW, the outputs NHWC.
func (e *LatentEncoder) Apply(params *state.Nodes, pixels *Node, _ state.Mode) (mean, logVar *Node) {
	dims := pixels.Shape().Dimensions
	if pixels.Rank() != 4 {
		exceptions.Panicf("mini_vae: pixels must be NCHW, got shape %s", pixels.Shape())
	}
	f := e.cfg.Downsample
	batch, channels, height, width := dims[0], dims[1], dims[2], dims[3]
	if height%f != 0 || width%f != 0 {
		exceptions.Panicf("mini_vae: image dimensions %dx%d must be divisible by %d", height, width, f)
	}
	x := TransposeAllDims(pixels, 0, 2, 3, 1) // NHWC
	x = Reshape(x, batch, height/f, f, width/f, f, channels)
	x = ReduceMean(x, 2, 4)
	x = Einsum("bhwc,cd->bhwd", x, params.MustGet("/proj/weights"))
	x = Add(x, broadcastBias(params.MustGet("/proj/biases"), 4, 3))
	c := e.cfg.LatentChannels
	mean = Slice(x, AxisRange(), AxisRange(), AxisRange(), AxisRange(0, c))
	logVar = Slice(x, AxisRange(), AxisRange(), AxisRange(), AxisRange(c, 2*c))
	logVar = MinScalar(MaxScalar(logVar, -30.0), 20.0)
	return
}

// TextEncoder embeds token ids and applies one dense layer with dropout.
type TextEncoder struct {
	cfg Config
}

var _ state.TextEncoderTransform = (*TextEncoder)(nil)

// Kind implements state.Transform.
func (e *TextEncoder) Kind() state.Kind { return state.KindTextEncoder }

// Name implements state.Transform.
func (e *TextEncoder) Name() string { return "mini_text_encoder" }

// InitParams creates the text encoder parameters.
func (e *TextEncoder) InitParams(rng *rand.Rand) *state.Params {
	h := e.cfg.TextHiddenDim
	return tree.FromMap(map[string]*tensors.Tensor{
		"/embeddings":    randomTensor(rng, 0.02, e.cfg.VocabSize, h),
		"/dense/weights": randomTensor(rng, glorot(h, h), h, h),
		"/dense/biases":  zerosTensor(h),
	})
}

// Apply implements state.TextEncoderTransform. Token ids out of the vocabulary are clamped.
func (e *TextEncoder) Apply(params *state.Nodes, inputIDs, dropoutRNG *Node, mode state.Mode) *Node {
	if inputIDs.Rank() != 2 {
		exceptions.Panicf("mini_text_encoder: input ids must be (rows, windowLen), got shape %s", inputIDs.Shape())
	}
	ids := ConvertDType(inputIDs, dtypes.Int32)
	ids = MinScalar(MaxScalar(ids, 0), e.cfg.VocabSize-1)
	x := Gather(params.MustGet("/embeddings"), InsertAxes(ids, -1))
	x = Einsum("nlh,hk->nlk", x, params.MustGet("/dense/weights"))
	x = Add(x, broadcastBias(params.MustGet("/dense/biases"), 3, 2))
	x = Tanh(x)
	if mode == state.Train && e.cfg.DropoutRate > 0 {
		_, u := RandomUniform(dropoutRNG, x.Shape())
		keep := GreaterOrEqual(u, Scalar(x.Graph(), x.DType(), e.cfg.DropoutRate))
		x = Where(keep, DivScalar(x, 1-e.cfg.DropoutRate), ZerosLike(x))
	}
	return x
}

// Denoiser predicts the training target from the noisy latents, conditioned on the timestep (sinusoidal
// embedding) and on the mean of the text hidden states. It works on any latent spatial size.
type Denoiser struct {
	cfg Config
}

var _ state.DenoiserTransform = (*Denoiser)(nil)

// Kind implements state.Transform.
func (d *Denoiser) Kind() state.Kind { return state.KindDenoiser }

// Name implements state.Transform.
func (d *Denoiser) Name() string { return "mini_unet" }

// InitParams creates the denoiser parameters.
func (d *Denoiser) InitParams(rng *rand.Rand) *state.Params {
	c, dim, h := d.cfg.LatentChannels, d.cfg.DenoiserDim, d.cfg.TextHiddenDim
	return tree.FromMap(map[string]*tensors.Tensor{
		"/in/weights":   randomTensor(rng, glorot(c, dim), c, dim),
		"/in/biases":    zerosTensor(dim),
		"/time/weights": randomTensor(rng, glorot(dim, dim), dim, dim),
		"/text/weights": randomTensor(rng, glorot(h, dim), h, dim),
		"/out/weights":  randomTensor(rng, glorot(dim, c), dim, c),
		"/out/biases":   zerosTensor(c),
	})
}

// TimestepEmbedding returns the sinusoidal embedding (batch, dim) of the timesteps (batch).
func TimestepEmbedding(timesteps *Node, dim int) *Node {
	g := timesteps.Graph()
	half := dim / 2
	freqs := make([]float32, half)
	for ii := range freqs {
		freqs[ii] = float32(math.Exp(-math.Log(10000) * float64(ii) / float64(half)))
	}
	t := InsertAxes(ConvertDType(timesteps, dtypes.Float32), -1)
	angles := Mul(t, InsertAxes(Const(g, freqs), 0))
	return Concatenate([]*Node{Sin(angles), Cos(angles)}, -1)
}

// Apply implements state.DenoiserTransform.
func (d *Denoiser) Apply(params *state.Nodes, noisyLatents, timesteps, hidden *Node, _ state.Mode) *Node {
	if noisyLatents.Rank() != 4 || noisyLatents.Shape().Dimensions[1] != d.cfg.LatentChannels {
		exceptions.Panicf("mini_unet: latents must be (batch, %d, height, width), got shape %s",
			d.cfg.LatentChannels, noisyLatents.Shape())
	}
	batch, dim := noisyLatents.Shape().Dimensions[0], d.cfg.DenoiserDim
	x := Einsum("bchw,cd->bdhw", noisyLatents, params.MustGet("/in/weights"))
	x = Add(x, broadcastBias(params.MustGet("/in/biases"), 4, 1))

	temb := Einsum("bd,de->be", TimestepEmbedding(timesteps, dim), params.MustGet("/time/weights"))
	pooled := ReduceMean(ConvertDType(hidden, x.DType()), 1)
	cond := Add(temb, Einsum("bh,hd->bd", pooled, params.MustGet("/text/weights")))
	x = Add(x, Reshape(cond, batch, dim, 1, 1))
	x = Mul(x, Sigmoid(x))

	x = Einsum("bdhw,dc->bchw", x, params.MustGet("/out/weights"))
	return Add(x, broadcastBias(params.MustGet("/out/biases"), 4, 1))
}
