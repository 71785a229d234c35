// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package trainstep builds the distributed training step of a latent diffusion model.
//
// One step takes the trainable states of the denoiser ("unet") and of the text encoder, a batch, a random
// number generator state and the frozen latent encoder ("vae") and noise scheduler, and returns the
// updated trainable states, the loss and the carried forward random state:
//
//  1. rng is split, in order, into the dropout, sampling and carry streams (SplitRNG).
//  2. Pixels are encoded into a sampled latent, in channels-first layout and scaled by LatentScale.
//  3. The sampling stream is split again into the offset-noise, noise and timestep streams: noise (optionally
//     with a per-channel offset) and one timestep per example are drawn, and the scheduler adds the noise.
//  4. The text encoder (with dropout) encodes the token windows, which are then stitched into one
//     sequence per example (StitchWindows).
//  5. The denoiser predicts the target selected by the scheduler prediction type (SelectTarget), and the
//     loss is the mean squared error.
//  6. Gradients are taken jointly with respect to the denoiser and text encoder parameters, and each
//     optimizer updates its own subsystem.
//
// Options.UseOffsetNoise and Options.StripBOSEOS are fixed when the step is built: changing them requires
// building and compiling a new step.
package trainstep

import (
	"github.com/gomlx/aotdiffusion/pkg/state"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph" //nolint
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/pkg/errors"
)

// ErrUnsupportedPredictionType is returned (wrapped) when the scheduler prediction type is not one of
// PredictEpsilon or PredictVelocity. It is a fatal configuration error.
var ErrUnsupportedPredictionType = errors.New("unsupported scheduler prediction type")

// Prediction types supported by SelectTarget.
const (
	PredictEpsilon  = "epsilon"
	PredictVelocity = "v_prediction"
)

const (
	// LatentScale is the normalization constant applied to the sampled latents.
	LatentScale = 0.18215

	// OffsetNoiseScale multiplies the per-channel offset noise.
	OffsetNoiseScale = 0.1

	// PlaceholderSeed seeds the random state used when compiling steps ahead of time.
	PlaceholderSeed = 2
)

// Options fixed at build time.
type Options struct {
	// UseOffsetNoise adds a per example and channel offset to the noise.
	UseOffsetNoise bool

	// StripBOSEOS removes the duplicated begin/end markers when stitching text encoder windows.
	StripBOSEOS bool

	// WindowCount is the number of text encoder windows per example, and WindowLen their length.
	WindowCount, WindowLen int
}

// DefaultOptions returns the options for the given windows: no offset noise and markers stripped.
func DefaultOptions(windowCount, windowLen int) Options {
	return Options{
		UseOffsetNoise: false,
		StripBOSEOS:    true,
		WindowCount:    windowCount,
		WindowLen:      windowLen,
	}
}

// Validate the options.
func (o Options) Validate() error {
	if o.WindowCount < 1 {
		return errors.Errorf("window count must be at least 1, got %d", o.WindowCount)
	}
	if o.WindowLen < 2 {
		return errors.Errorf("window length must be at least 2, got %d", o.WindowLen)
	}
	return nil
}

// split3 splits rng into three independent streams, in a fixed order.
func split3(rng *Node) (first, second, third *Node) {
	first, rest := RNGStateSplit(rng)
	second, third = RNGStateSplit(rest)
	return
}

// SplitRNG splits the step random state into, in this order, the dropout stream, the sampling stream and
// the carry stream returned for the next step. It is deterministic.
func SplitRNG(rng *Node) (dropout, sample, carry *Node) {
	return split3(rng)
}

// SplitSampleRNG splits the sampling stream into, in this order, the offset noise, noise and timestep
// streams.
func SplitSampleRNG(sample *Node) (offset, noise, timestep *Node) {
	return split3(sample)
}

// EncodeLatents encodes NCHW pixels with the latent encoder, samples the latent distribution once with
// sampleRNG and returns the latents in NCHW layout scaled by LatentScale.
func EncodeLatents(vae state.LatentEncoderTransform, params *state.Nodes, pixels, sampleRNG *Node) *Node {
	mean, logVar := vae.Apply(params, pixels, state.Eval)
	_, eps := RandomNormal(sampleRNG, mean.Shape())
	latents := Add(mean, Mul(Exp(MulScalar(logVar, 0.5)), eps))
	latents = TransposeAllDims(latents, 0, 3, 1, 2)
	return MulScalar(latents, LatentScale)
}

// SampleNoise draws standard normal noise with the shape of the NCHW latents. If useOffset, a normal offset
// per example and channel, scaled by OffsetNoiseScale, is added.
func SampleNoise(noiseRNG, offsetRNG, latents *Node, useOffset bool) *Node {
	_, noise := RandomNormal(noiseRNG, latents.Shape())
	if useOffset {
		dims := latents.Shape().Dimensions
		offsetShape := shapes.Make(latents.DType(), dims[0], dims[1], 1, 1)
		_, offset := RandomNormal(offsetRNG, offsetShape)
		noise = Add(noise, MulScalar(offset, OffsetNoiseScale))
	}
	return noise
}

// SampleTimesteps draws one int32 timestep per example, uniform over [0, numTrainTimesteps).
func SampleTimesteps(rng *Node, batchSize, numTrainTimesteps int) *Node {
	_, timesteps := RandomIntN(rng, numTrainTimesteps, shapes.Make(dtypes.Int32, batchSize))
	return timesteps
}

// StitchedLen returns the sequence length produced by StitchWindows.
func StitchedLen(windowCount, windowLen int, strip bool) int {
	switch {
	case !strip:
		return windowCount * windowLen
	case windowCount == 1:
		return windowLen - 2
	default:
		return 2*(windowLen-1) + (windowCount-2)*(windowLen-2)
	}
}

// StitchWindows turns the text encoder hidden states of all windows, shaped (batch*windowCount, windowLen,
// hidden), into one sequence per example, shaped (batch, StitchedLen, hidden).
//
// Without strip the windows are simply concatenated. With strip the duplicated markers are removed: the
// end marker of the first window, both markers of the middle windows and the begin marker of the last
// window. A single window loses both its markers.
func StitchWindows(hidden *Node, windowCount, windowLen int, strip bool) *Node {
	if hidden.Rank() != 3 {
		exceptions.Panicf("StitchWindows: hidden states must be (rows, windowLen, hidden), got shape %s", hidden.Shape())
	}
	dims := hidden.Shape().Dimensions
	rows, hiddenDim := dims[0], dims[2]
	if dims[1] != windowLen || rows%windowCount != 0 {
		exceptions.Panicf("StitchWindows: hidden states shape %s don't match %d windows of length %d",
			hidden.Shape(), windowCount, windowLen)
	}
	batch := rows / windowCount
	h := Reshape(hidden, batch, windowCount, windowLen, hiddenDim)
	if !strip {
		return Reshape(h, batch, windowCount*windowLen, hiddenDim)
	}
	if windowLen < 2 {
		exceptions.Panicf("StitchWindows: can't strip markers of windows of length %d", windowLen)
	}
	all := AxisRange()
	if windowCount == 1 {
		inner := Slice(h, all, all, AxisRange(1, windowLen-1), all)
		return Reshape(inner, batch, windowLen-2, hiddenDim)
	}
	parts := make([]*Node, 0, 3)
	first := Slice(h, all, AxisRange(0, 1), AxisRange(0, windowLen-1), all)
	parts = append(parts, Reshape(first, batch, windowLen-1, hiddenDim))
	if windowCount > 2 {
		middle := Slice(h, all, AxisRange(1, windowCount-1), AxisRange(1, windowLen-1), all)
		parts = append(parts, Reshape(middle, batch, (windowCount-2)*(windowLen-2), hiddenDim))
	}
	last := Slice(h, all, AxisRange(windowCount-1, windowCount), AxisRange(1, windowLen), all)
	parts = append(parts, Reshape(last, batch, windowLen-1, hiddenDim))
	return Concatenate(parts, 1)
}

// CheckPredictionType returns an error wrapping ErrUnsupportedPredictionType if predictionType can't be
// trained.
func CheckPredictionType(predictionType string) error {
	switch predictionType {
	case PredictEpsilon, PredictVelocity:
		return nil
	}
	return errors.Wrapf(ErrUnsupportedPredictionType, "%q (valid: %q, %q)",
		predictionType, PredictEpsilon, PredictVelocity)
}

// SelectTarget returns the regression target for the scheduler prediction type: the noise itself (the
// same node) for epsilon prediction, or the scheduler velocity for v_prediction.
func SelectTarget(sched state.SchedulerTransform, params *state.Nodes, latents, noise, timesteps *Node) (*Node, error) {
	predictionType := sched.PredictionType()
	if err := CheckPredictionType(predictionType); err != nil {
		return nil, err
	}
	if predictionType == PredictEpsilon {
		return noise, nil
	}
	return sched.Velocity(params, latents, noise, timesteps), nil
}

// Loss is the mean squared error between prediction and target, over all elements, in float32.
func Loss(prediction, target *Node) *Node {
	diff := Sub(ConvertDType(prediction, dtypes.Float32), ConvertDType(target, dtypes.Float32))
	return ReduceAllMean(Square(diff))
}
