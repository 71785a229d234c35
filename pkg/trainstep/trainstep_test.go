// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package trainstep

import (
	"math"
	"testing"

	"github.com/gomlx/aotdiffusion/pkg/buckets"
	"github.com/gomlx/aotdiffusion/pkg/config"
	"github.com/gomlx/aotdiffusion/pkg/models/mini"
	"github.com/gomlx/aotdiffusion/pkg/scheduler"
	"github.com/gomlx/aotdiffusion/pkg/state"
	"github.com/gomlx/aotdiffusion/pkg/topology"
	"github.com/gomlx/aotdiffusion/pkg/tree"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// windows returns hidden states of shape (windowCount, windowLen, 1) where token j of window w is 10*w+j.
func windows(windowCount, windowLen int) [][][]float32 {
	values := make([][][]float32, windowCount)
	for w := range values {
		values[w] = make([][]float32, windowLen)
		for j := range values[w] {
			values[w][j] = []float32{float32(10*w + j)}
		}
	}
	return values
}

func TestStitchedLen(t *testing.T) {
	assert.Equal(t, 75, StitchedLen(1, 77, true))
	assert.Equal(t, 2*76, StitchedLen(2, 77, true))
	assert.Equal(t, 76+75+76, StitchedLen(3, 77, true))
	assert.Equal(t, 3*77, StitchedLen(3, 77, false))
	for k := 2; k < 6; k++ {
		for l := 2; l < 10; l++ {
			require.Equal(t, (l-1)+(k-2)*(l-2)+(l-1), StitchedLen(k, l, true))
		}
	}
}

func TestStitchWindows(t *testing.T) {
	graphtest.RunTestGraphFn(t, "StitchWindows", func(g *Graph) (inputs, outputs []*Node) {
		one := Const(g, windows(1, 4))
		three := Const(g, windows(3, 4))
		two := Const(g, windows(2, 3))
		inputs = []*Node{one, three, two}
		outputs = []*Node{
			StitchWindows(one, 1, 4, true),
			StitchWindows(three, 3, 4, true),
			StitchWindows(two, 2, 3, true),
			StitchWindows(two, 2, 3, false),
		}
		return
	}, []any{
		// Single window: only its first and last tokens are dropped.
		[][][]float32{{{1}, {2}}},
		[][][]float32{{{0}, {1}, {2}, {11}, {12}, {21}, {22}, {23}}},
		[][][]float32{{{0}, {1}, {11}, {12}}},
		[][][]float32{{{0}, {1}, {2}, {10}, {11}, {12}}},
	}, 1e-6)
}

func TestStitchWindowsBatch(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	g := NewGraph(backend, "TestStitchWindowsBatch")
	defer g.Finalize()
	hidden := Zeros(g, shapes.Make(dtypes.Float32, 4*3, 77, 8))
	assert.Equal(t, []int{4, StitchedLen(3, 77, true), 8}, StitchWindows(hidden, 3, 77, true).Shape().Dimensions)
	assert.Equal(t, []int{4, 3 * 77, 8}, StitchWindows(hidden, 3, 77, false).Shape().Dimensions)
	assert.Panics(t, func() { _ = StitchWindows(hidden, 5, 77, true) })
}

func TestSplitRNG(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	g := NewGraph(backend, "TestSplitRNG")
	defer g.Finalize()
	rng := Parameter(g, "rng", RNGStateShape)
	dropout, sample, carry := SplitRNG(rng)
	dropout2, sample2, carry2 := SplitRNG(rng)
	g.Compile(dropout, sample, carry, dropout2, sample2, carry2)
	outputs := g.Run(must.M1(RNGStateFromSeed(PlaceholderSeed)))
	values := make([][]uint64, len(outputs))
	for ii, output := range outputs {
		values[ii] = output.Value().([]uint64)
	}

	// Splitting is deterministic.
	assert.Equal(t, values[0], values[3])
	assert.Equal(t, values[1], values[4])
	assert.Equal(t, values[2], values[5])

	// And the three streams are different.
	assert.NotEqual(t, values[0], values[1])
	assert.NotEqual(t, values[0], values[2])
	assert.NotEqual(t, values[1], values[2])
}

// predictionOverride reports a different prediction type than the wrapped scheduler.
type predictionOverride struct {
	*scheduler.Scheduler
	predictionType string
}

func (p predictionOverride) PredictionType() string { return p.predictionType }

func TestSelectTarget(t *testing.T) {
	sched := must.M1(scheduler.New(scheduler.DefaultConfig()))
	backend := graphtest.BuildTestBackend()
	g := NewGraph(backend, "TestSelectTarget")
	defer g.Finalize()
	params := tree.Map(sched.Params(), func(_ string, v *tensors.Tensor) *Node { return Const(g, v) })
	latents := Const(g, [][]float32{{1, 2}})
	noise := Const(g, [][]float32{{3, 4}})
	timesteps := Const(g, []int32{10})

	target, err := SelectTarget(predictionOverride{sched, PredictEpsilon}, params, latents, noise, timesteps)
	require.NoError(t, err)
	assert.Same(t, noise, target)

	target, err = SelectTarget(sched, params, latents, noise, timesteps)
	require.NoError(t, err)
	assert.NotSame(t, noise, target)
	assert.True(t, noise.Shape().Equal(target.Shape()))

	_, err = SelectTarget(predictionOverride{sched, "sample"}, params, latents, noise, timesteps)
	require.ErrorIs(t, err, ErrUnsupportedPredictionType)
}

func TestLoss(t *testing.T) {
	graphtest.RunTestGraphFn(t, "Loss", func(g *Graph) (inputs, outputs []*Node) {
		prediction := Const(g, [][]float32{{1, 2}, {3, 4}})
		target := Const(g, [][]float32{{1, 0}, {3, 0}})
		inputs = []*Node{prediction, target}
		outputs = []*Node{Loss(prediction, target)}
		return
	}, []any{float32(5)}, 1e-6)
}

func TestBatch(t *testing.T) {
	batch := DummyBatch(2, buckets.Bucket{Width: 32, Height: 16}, 3, 5)
	require.NoError(t, batch.Validate())
	key := batch.ShapeKey()
	assert.Equal(t, ShapeKey{Image: [4]int{2, 3, 16, 32}, Tokens: [2]int{6, 5}}, key)
	assert.Equal(t, buckets.Bucket{Width: 32, Height: 16}, key.Bucket())
	assert.Equal(t, "[2,3,16,32]/[6,5]", key.String())
	assert.Equal(t, dtypes.Float32, batch.PixelValues.DType())
	assert.Equal(t, dtypes.Int32, batch.InputIDs.DType())
	assert.Equal(t, make([]int32, 30), tensors.MustCopyFlatData[int32](batch.AttentionMask))

	bad := DummyBatch(2, buckets.Bucket{Width: 32, Height: 16}, 3, 5)
	bad.AttentionMask = tensors.FromShape(shapes.Make(dtypes.Int32, 6, 4))
	require.Error(t, bad.Validate())
}

type fixture struct {
	topo       *topology.Topology
	components *state.Components
}

func newFixture(t *testing.T, predictionType string) *fixture {
	topo, err := topology.New(graphtest.BuildTestBackend(), []int{1, 1})
	require.NoError(t, err)
	schedCfg := scheduler.DefaultConfig()
	schedCfg.PredictionType = predictionType
	models, err := mini.New(mini.DefaultConfig(), schedCfg, 3)
	require.NoError(t, err)
	components, err := state.Build(models, config.Default(), topo)
	require.NoError(t, err)
	return &fixture{topo: topo, components: components}
}

func (f *fixture) lower(key ShapeKey, opts Options) (*Lowered, error) {
	c := f.components
	return Lower(f.topo, c.UNet, c.TextEncoder, c.VAE, c.Scheduler, key, opts)
}

func TestLowerUnsupportedPredictionType(t *testing.T) {
	f := newFixture(t, "sample")
	_, err := f.lower(KeyFor(2, buckets.Bucket{Width: 16, Height: 16}, 2, 5), DefaultOptions(2, 5))
	require.ErrorIs(t, err, ErrUnsupportedPredictionType)
}

func TestLowerErrors(t *testing.T) {
	f := newFixture(t, PredictVelocity)
	// Token windows don't match the options.
	_, err := f.lower(KeyFor(2, buckets.Bucket{Width: 16, Height: 16}, 2, 5), DefaultOptions(3, 5))
	require.Error(t, err)
	_, err = f.lower(KeyFor(2, buckets.Bucket{Width: 16, Height: 16}, 2, 5), DefaultOptions(2, 1))
	require.Error(t, err)
	c := f.components
	_, err = Lower(f.topo, c.UNet, nil, c.VAE, c.Scheduler, KeyFor(2, buckets.Bucket{Width: 16, Height: 16}, 2, 5), DefaultOptions(2, 5))
	require.Error(t, err)
}

func TestStep(t *testing.T) {
	for _, tc := range []struct {
		name           string
		predictionType string
		opts           Options
	}{
		{"v_prediction", PredictVelocity, DefaultOptions(2, 5)},
		{"epsilon+offset_noise", PredictEpsilon, Options{UseOffsetNoise: true, StripBOSEOS: false, WindowCount: 2, WindowLen: 5}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, tc.predictionType)
			bucket := buckets.Bucket{Width: 32, Height: 16}
			key := KeyFor(2, bucket, tc.opts.WindowCount, tc.opts.WindowLen)
			lowered, err := f.lower(key, tc.opts)
			require.NoError(t, err)
			assert.Equal(t, key, lowered.Key())
			step, err := lowered.Compile()
			require.NoError(t, err)
			defer step.Finalize()

			unet, text := f.components.UNet, f.components.TextEncoder
			// Once compiled, only the parameter shapes are kept, not the values nor the output nodes.
			assert.Nil(t, step.outputs)
			assert.Equal(t, 2*(unet.Params().Len()+text.Params().Len())+2, step.NumOutputs())
			assert.NoError(t, tree.SameStructure(step.unetShapes, unet.Params()))

			// On a single device the states are donated in place, in input order.
			resident := residentState(f.topo, unet, text)
			require.Len(t, resident, 1)
			wantResident := append(unet.Params().Leaves(), unet.OptState().Leaves()...)
			wantResident = append(wantResident, text.Params().Leaves()...)
			wantResident = append(wantResident, text.OptState().Leaves()...)
			assert.Equal(t, wantResident, resident[0])
			before := tensors.MustCopyFlatData[float32](unet.Params().MustGet("/in/weights"))
			rng := must.M1(RNGStateFromSeed(PlaceholderSeed))
			batch := DummyBatch(2, bucket, tc.opts.WindowCount, tc.opts.WindowLen)
			result, err := step.Run(unet, text, f.components.VAE, f.components.Scheduler, batch, rng)
			require.NoError(t, err)
			loss := float64(result.Metrics.Loss)
			assert.False(t, math.IsNaN(loss) || math.IsInf(loss, 0))
			assert.Greater(t, loss, 0.0)

			// The given states were donated.
			require.ErrorIs(t, unet.CheckValid(), state.ErrDonated)
			require.ErrorIs(t, text.CheckValid(), state.ErrDonated)
			_, err = step.Run(unet, text, f.components.VAE, f.components.Scheduler, batch, result.RNG)
			require.ErrorIs(t, err, state.ErrDonated)

			// Lion always moves the parameters, at least by the weight decay.
			require.NoError(t, result.UNet.CheckValid())
			assert.Nil(t, result.UNet.Replicas())
			after := tensors.MustCopyFlatData[float32](result.UNet.Params().MustGet("/in/weights"))
			assert.NotEqual(t, before, after)
			assert.NotEqual(t, rng.Value(), result.RNG.Value())

			// The returned states feed the next step.
			next, err := step.Run(result.UNet, result.TextEncoder, f.components.VAE, f.components.Scheduler, batch, result.RNG)
			require.NoError(t, err)
			require.NoError(t, next.TextEncoder.CheckValid())

			// A batch of a different shape is rejected.
			other := DummyBatch(2, bucket.Swapped(), tc.opts.WindowCount, tc.opts.WindowLen)
			_, err = step.Run(next.UNet, next.TextEncoder, f.components.VAE, f.components.Scheduler, other, next.RNG)
			require.Error(t, err)
			require.NoError(t, next.UNet.CheckValid())
		})
	}
}
