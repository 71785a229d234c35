// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package trainstep

import (
	"fmt"
	"time"

	"github.com/gomlx/aotdiffusion/pkg/state"
	"github.com/gomlx/aotdiffusion/pkg/topology"
	"github.com/gomlx/aotdiffusion/pkg/tree"
	"github.com/gomlx/compute/distributed"
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph" //nolint
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Lowered is the train step graph built for one ShapeKey, ready to be compiled.
//
// Graph building is not safe for concurrent use: steps are lowered one at a time, and only Compile may be
// called concurrently on different Lowered steps.
type Lowered struct {
	key  ShapeKey
	opts Options
	topo *topology.Topology

	g               *Graph
	outputs         []*Node
	outputShardings []*distributed.ShardingSpec
	numOutputs      int

	// Parameter shapes of the trainable states; the optimizer states share their structure.
	unetShapes, textShapes *tree.Tree[shapes.Shape]

	// dataParallel marks the parameters (in order) partitioned along the batch axis.
	dataParallel []bool

	elapsed time.Duration
}

// Step is a compiled train step for one ShapeKey.
type Step struct {
	*Lowered
	compileElapsed time.Duration
}

// Metrics of one train step.
type Metrics struct {
	Loss float32
}

// Result of one train step.
type Result struct {
	// UNet and TextEncoder are the updated trainable states. The states given to the step are donated.
	UNet, TextEncoder *state.TrainableState

	Metrics Metrics

	// RNG is the random state to use in the next step.
	RNG *tensors.Tensor
}

// transforms of the components, checked for nils and kinds.
func transforms(unet, text *state.TrainableState, vae, sched *state.FrozenComponent) (
	unetT state.DenoiserTransform, textT state.TextEncoderTransform, vaeT state.LatentEncoderTransform,
	schedT state.SchedulerTransform, err error) {
	if unet == nil || text == nil {
		err = errors.New("train step requires both the denoiser and the text encoder trainable states")
		return
	}
	if vae == nil || sched == nil {
		err = errors.New("train step requires the frozen latent encoder and scheduler")
		return
	}
	var ok [4]bool
	unetT, ok[0] = unet.Transform().(state.DenoiserTransform)
	textT, ok[1] = text.Transform().(state.TextEncoderTransform)
	vaeT, ok[2] = vae.Transform().(state.LatentEncoderTransform)
	schedT, ok[3] = sched.Transform().(state.SchedulerTransform)
	for ii, kind := range []state.Kind{state.KindDenoiser, state.KindTextEncoder, state.KindLatentEncoder, state.KindScheduler} {
		if !ok[ii] {
			err = errors.Errorf("train step component #%d is not a %s", ii, kind)
			return
		}
	}
	return
}

// Lower builds the train step graph specialized for key, with the sharding of topo.
//
// Parameters are given in this order: the denoiser parameters and optimizer state, the text encoder
// parameters and optimizer state, the batch (pixels, input ids, attention mask), the rng state and the
// parameters of the frozen latent encoder and scheduler.
//
// An unsupported scheduler prediction type returns an error wrapping ErrUnsupportedPredictionType, before
// anything is built.
func Lower(topo *topology.Topology, unet, text *state.TrainableState, vae, sched *state.FrozenComponent,
	key ShapeKey, opts Options) (*Lowered, error) {
	unetT, textT, vaeT, schedT, err := transforms(unet, text, vae, sched)
	if err != nil {
		return nil, err
	}
	if err = CheckPredictionType(schedT.PredictionType()); err != nil {
		return nil, err
	}
	if err = opts.Validate(); err != nil {
		return nil, err
	}
	if err = unet.CheckValid(); err != nil {
		return nil, err
	}
	if err = text.CheckValid(); err != nil {
		return nil, err
	}
	batchSize := key.BatchSize()
	if batchSize <= 0 || key.Tokens[0] != batchSize*opts.WindowCount || key.Tokens[1] != opts.WindowLen {
		return nil, errors.Errorf("shape key %s doesn't match %d windows of %d tokens per example",
			key, opts.WindowCount, opts.WindowLen)
	}
	pixelsShape, idsShape, maskShape := key.Shapes()
	if err = topo.CheckBatchShape(pixelsShape); err != nil {
		return nil, err
	}

	paramShape := func(_ string, v *tensors.Tensor) shapes.Shape { return v.Shape() }
	l := &Lowered{
		key:          key,
		opts:         opts,
		topo:         topo,
		unetShapes:   tree.Map(unet.Params(), paramShape),
		textShapes:   tree.Map(text.Params(), paramShape),
		dataParallel: make([]bool, 0),
	}
	start := time.Now()
	l.g, err = topo.NewGraph(fmt.Sprintf("train_step_%s", key))
	if err != nil {
		return nil, err
	}
	err = exceptions.TryCatch[error](func() {
		g := l.g
		parameters := func(scope string, values *state.Params, shardings *tree.Tree[*distributed.ShardingSpec]) *state.Nodes {
			return tree.Map(values, func(path string, v *tensors.Tensor) *Node {
				l.dataParallel = append(l.dataParallel, false)
				return ShardedParameter(g, scope+path, v.Shape(), shardings.MustGet(path))
			})
		}
		batchParameter := func(name string, shape shapes.Shape) *Node {
			l.dataParallel = append(l.dataParallel, true)
			return ShardedParameter(g, name, shape, topo.DataParallel(shape.Rank()))
		}
		unetParams := parameters("unet", unet.Params(), unet.Shardings())
		unetOpt := parameters("unet_opt", unet.OptState(), unet.Shardings())
		textParams := parameters("text", text.Params(), text.Shardings())
		textOpt := parameters("text_opt", text.OptState(), text.Shardings())
		pixels := batchParameter("pixel_values", pixelsShape)
		ids := batchParameter("input_ids", idsShape)
		_ = batchParameter("attention_mask", maskShape) // Not used by the loss.
		l.dataParallel = append(l.dataParallel, false)
		rng := ShardedParameter(g, "rng", RNGStateShape, topo.Replicated())
		vaeParams := parameters("vae", vae.Params(), vae.Shardings())
		schedParams := parameters("scheduler", sched.Params(), sched.Shardings())

		// Loss.
		dropoutRNG, sampleRNG, carryRNG := SplitRNG(rng)
		latents := EncodeLatents(vaeT, vaeParams, pixels, sampleRNG)
		offsetRNG, noiseRNG, timestepRNG := SplitSampleRNG(sampleRNG)
		noise := SampleNoise(noiseRNG, offsetRNG, latents, opts.UseOffsetNoise)
		timesteps := SampleTimesteps(timestepRNG, batchSize, schedT.NumTrainTimesteps())
		noisyLatents := schedT.AddNoise(schedParams, latents, noise, timesteps)

		hidden := textT.Apply(textParams, ids, dropoutRNG, state.Train)
		hidden = StitchWindows(hidden, opts.WindowCount, opts.WindowLen, opts.StripBOSEOS)
		prediction := unetT.Apply(unetParams, noisyLatents, timesteps, hidden, state.Train)
		target, err := SelectTarget(schedT, schedParams, latents, noise, timesteps)
		if err != nil {
			panic(err)
		}
		loss := Loss(prediction, target)

		// Joint gradients of the denoiser and text encoder parameters.
		unetLeaves, textLeaves := unetParams.Leaves(), textParams.Leaves()
		grads := Gradient(loss, append(unetLeaves, textLeaves...)...)
		unetGrads := must.M1(tree.FromLeaves(unetParams, grads[:len(unetLeaves)]))
		textGrads := must.M1(tree.FromLeaves(textParams, grads[len(unetLeaves):]))
		newUNetParams, newUNetOpt := unet.Optimizer().Update(unetParams, unetGrads, unetOpt)
		newTextParams, newTextOpt := text.Optimizer().Update(textParams, textGrads, textOpt)

		for _, t := range []*state.Nodes{newUNetParams, newUNetOpt, newTextParams, newTextOpt} {
			l.outputs = append(l.outputs, t.Leaves()...)
		}
		l.outputs = append(l.outputs, loss, carryRNG)
		l.numOutputs = len(l.outputs)
		if topo.IsDistributed() {
			l.outputShardings = make([]*distributed.ShardingSpec, len(l.outputs))
			for ii := range l.outputShardings {
				l.outputShardings[ii] = topo.Replicated()
			}
		}
	})
	if err != nil {
		l.g.Finalize()
		return nil, errors.WithMessagef(err, "failed to build train step for %s", key)
	}
	l.elapsed = time.Since(start)
	return l, nil
}

// Key the step was lowered for.
func (l *Lowered) Key() ShapeKey { return l.key }

// Options the step was lowered with.
func (l *Lowered) Options() Options { return l.opts }

// Graph of the step.
func (l *Lowered) Graph() *Graph { return l.g }

// NumOutputs of the step graph.
func (l *Lowered) NumOutputs() int { return l.numOutputs }

// Elapsed time lowering the step.
func (l *Lowered) Elapsed() time.Duration { return l.elapsed }

// Release frees the graph without compiling it.
func (l *Lowered) Release() {
	if l != nil && l.g != nil {
		l.g.Finalize()
	}
}

// Compile the lowered step. It can be called concurrently for different Lowered steps. On failure the
// graph is released.
func (l *Lowered) Compile() (*Step, error) {
	start := time.Now()
	err := exceptions.TryCatch[error](func() {
		l.g.CompileWithSharding(l.outputs, l.outputShardings)
	})
	if err != nil {
		l.Release()
		return nil, errors.WithMessagef(err, "failed to compile train step for %s", l.key)
	}
	// The compiled graph keeps what it needs.
	l.outputs, l.outputShardings = nil, nil
	return &Step{Lowered: l, compileElapsed: time.Since(start)}, nil
}

// CompileElapsed is the time compiling the step.
func (s *Step) CompileElapsed() time.Duration { return s.compileElapsed }

// Finalize frees the compiled step.
func (s *Step) Finalize() { s.Release() }

// Run executes the step on batch, which must match the step ShapeKey.
//
// The buffers of unet and text are donated: after Run is called (even if it fails while executing) they
// are invalid and the returned states must be used instead.
func (s *Step) Run(unet, text *state.TrainableState, vae, sched *state.FrozenComponent, batch *Batch,
	rng *tensors.Tensor) (*Result, error) {
	if _, _, _, _, err := transforms(unet, text, vae, sched); err != nil {
		return nil, err
	}
	if err := batch.Validate(); err != nil {
		return nil, err
	}
	if key := batch.ShapeKey(); key != s.key {
		return nil, errors.Errorf("batch shape %s doesn't match the compiled step shape %s", key, s.key)
	}
	if rng == nil || !rng.Shape().Equal(RNGStateShape) {
		return nil, errors.Errorf("rng must have shape %s", RNGStateShape)
	}
	if err := tree.SameStructure(s.unetShapes, unet.Params()); err != nil {
		return nil, errors.WithMessage(err, "denoiser parameters don't match the compiled step")
	}
	if err := tree.SameStructure(s.textShapes, text.Params()); err != nil {
		return nil, errors.WithMessage(err, "text encoder parameters don't match the compiled step")
	}
	if err := unet.CheckValid(); err != nil {
		return nil, err
	}
	if err := text.CheckValid(); err != nil {
		return nil, err
	}
	if unet == text {
		return nil, errors.New("the same state can't be given as denoiser and text encoder")
	}

	var inputs []*tensors.Tensor
	for _, t := range []*state.Params{unet.Params(), unet.OptState(), text.Params(), text.OptState()} {
		inputs = append(inputs, t.Leaves()...)
	}
	inputs = append(inputs, batch.Tensors()...)
	inputs = append(inputs, rng)
	inputs = append(inputs, vae.Params().Leaves()...)
	inputs = append(inputs, sched.Params().Leaves()...)
	values, err := s.topo.PlaceInputs(inputs, s.dataParallel)
	if err != nil {
		return nil, err
	}

	if err = unet.MarkDonated(); err != nil {
		return nil, err
	}
	if err = text.MarkDonated(); err != nil {
		return nil, err
	}
	if err = s.topo.DonateResident(values, len(inputs), residentState(s.topo, unet, text)); err != nil {
		return nil, err
	}

	var outputs []*tensors.Tensor
	err = exceptions.TryCatch[error](func() {
		outputs = s.g.Run(values...)
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to execute train step for %s", s.key)
	}
	perDevice, err := s.topo.SplitOutputs(outputs, s.numOutputs)
	if err != nil {
		return nil, err
	}
	return s.unflatten(unet, text, perDevice)
}

// residentState returns, for each device, the trainable state values (parameters and optimizer state of
// each state, in input order) that are already on the device and can be donated in place.
//
// States given from host to a multi-device mesh are transferred instead: their entries are nil.
func residentState(topo *topology.Topology, states ...*state.TrainableState) [][]*tensors.Tensor {
	numDevices := topo.NumDevices()
	resident := make([][]*tensors.Tensor, numDevices)
	for _, st := range states {
		replicas := st.Replicas()
		leaves := append(st.Params().Leaves(), st.OptState().Leaves()...)
		for device := range resident {
			switch {
			case len(replicas) == numDevices:
				resident[device] = append(resident[device], replicas[device]...)
			case numDevices == 1:
				resident[device] = append(resident[device], leaves...)
			default:
				resident[device] = append(resident[device], make([]*tensors.Tensor, len(leaves))...)
			}
		}
	}
	return resident
}

// unflatten the step outputs, grouped by device, into a Result.
//
// The new trainable states keep the copies of every device. The loss and rng are taken from device 0.
func (s *Step) unflatten(unet, text *state.TrainableState, perDevice [][]*tensors.Tensor) (*Result, error) {
	numUNet, numText := 2*s.unetShapes.Len(), 2*s.textShapes.Len()
	unetReplicas := make([][]*tensors.Tensor, len(perDevice))
	textReplicas := make([][]*tensors.Tensor, len(perDevice))
	for device, outputs := range perDevice {
		unetReplicas[device] = outputs[:numUNet]
		textReplicas[device] = outputs[numUNet : numUNet+numText]
		if device > 0 {
			topology.FinalizeReplicas(outputs[numUNet+numText:])
		}
	}
	result := &Result{}
	var err error
	if result.UNet, err = unet.WithReplicas(unetReplicas); err != nil {
		return nil, err
	}
	if result.TextEncoder, err = text.WithReplicas(textReplicas); err != nil {
		return nil, err
	}
	lossT, rngT := perDevice[0][numUNet+numText], perDevice[0][numUNet+numText+1]
	loss, ok := lossT.Value().(float32)
	if !ok {
		return nil, errors.Errorf("train step loss is not a float32 scalar: %s", lossT.Shape())
	}
	result.Metrics.Loss = loss
	if err = lossT.FinalizeAll(); err != nil {
		klog.Warningf("failed to free loss tensor: %+v", err)
	}
	result.RNG = rngT
	return result, nil
}
