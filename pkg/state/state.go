// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package state defines the model states consumed by a train step: FrozenComponent for the subsystems
// that are not trained (latent encoder, noise scheduler) and TrainableState for the ones that are
// (denoiser, text encoder).
//
// Each state pairs a stateless Transform with its parameter tree. Transforms form a closed set of kinds
// (see Kind), each with its own typed apply interface.
package state

import (
	"fmt"
	"sync/atomic"

	"github.com/gomlx/aotdiffusion/pkg/topology"
	"github.com/gomlx/aotdiffusion/pkg/tree"
	"github.com/gomlx/compute/distributed"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
)

// Params is a tree of concrete parameter values.
type Params = tree.Tree[*tensors.Tensor]

// Nodes is a tree of symbolic values, usually the graph counterpart of Params.
type Nodes = tree.Tree[*graph.Node]

// ErrDonated is returned when using a TrainableState after it was donated to a train step.
var ErrDonated = errors.New("trainable state was donated to a train step and can no longer be used")

// Kind of a subsystem transform.
type Kind int

const (
	KindDenoiser Kind = iota
	KindTextEncoder
	KindLatentEncoder
	KindScheduler
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case KindDenoiser:
		return "Denoiser"
	case KindTextEncoder:
		return "TextEncoder"
	case KindLatentEncoder:
		return "LatentEncoder"
	case KindScheduler:
		return "Scheduler"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Mode in which a transform is applied.
type Mode int

const (
	// Eval disables stochastic layers (e.g. dropout).
	Eval Mode = iota
	Train
)

// String implements fmt.Stringer.
func (m Mode) String() string {
	if m == Train {
		return "Train"
	}
	return "Eval"
}

// Transform is the stateless part of a subsystem. Each Kind has its own apply interface, which the
// transform must implement: see DenoiserTransform, TextEncoderTransform, LatentEncoderTransform and
// SchedulerTransform.
type Transform interface {
	Kind() Kind
	Name() string
}

// DenoiserTransform predicts the training target from noisy latents (NCHW), the timesteps (one int32 per
// example) and the text hidden states (batch, sequence, hidden).
type DenoiserTransform interface {
	Transform
	Apply(params *Nodes, noisyLatents, timesteps, hidden *graph.Node, mode Mode) *graph.Node
}

// TextEncoderTransform encodes token ids (rows, windowLen) into hidden states (rows, windowLen, hidden).
// In Train mode dropoutRNG seeds the dropout masks; it is a single use stream and is not carried.
type TextEncoderTransform interface {
	Transform
	Apply(params *Nodes, inputIDs, dropoutRNG *graph.Node, mode Mode) *graph.Node
}

// LatentEncoderTransform encodes NCHW pixels into the parameters of a diagonal Gaussian latent distribution,
// mean and log-variance, both in channels-last (NHWC) layout.
type LatentEncoderTransform interface {
	Transform
	Apply(params *Nodes, pixels *graph.Node, mode Mode) (mean, logVar *graph.Node)
}

// SchedulerTransform is the noise scheduler: forward diffusion and velocity targets.
type SchedulerTransform interface {
	Transform
	PredictionType() string
	NumTrainTimesteps() int
	AddNoise(params *Nodes, x, noise, timesteps *graph.Node) *graph.Node
	Velocity(params *Nodes, x, noise, timesteps *graph.Node) *graph.Node
}

// checkKind verifies transform is of the given kind and implements the corresponding apply interface.
func checkKind(kind Kind, transform Transform) error {
	if transform == nil {
		return errors.Errorf("nil transform for %s", kind)
	}
	if transform.Kind() != kind {
		return errors.Errorf("transform %q is a %s, expected a %s", transform.Name(), transform.Kind(), kind)
	}
	var ok bool
	switch kind {
	case KindDenoiser:
		_, ok = transform.(DenoiserTransform)
	case KindTextEncoder:
		_, ok = transform.(TextEncoderTransform)
	case KindLatentEncoder:
		_, ok = transform.(LatentEncoderTransform)
	case KindScheduler:
		_, ok = transform.(SchedulerTransform)
	default:
		return errors.Errorf("unknown transform kind %s", kind)
	}
	if !ok {
		return errors.Errorf("transform %q (%T) doesn't implement the %s interface", transform.Name(), transform, kind)
	}
	return nil
}

// replicatedShardings returns a tree with the replicated sharding spec for every leaf of params.
// For single device topologies all leaves are nil.
func replicatedShardings(params *Params, topo *topology.Topology) *tree.Tree[*distributed.ShardingSpec] {
	spec := topo.Replicated()
	return tree.Map(params, func(_ string, _ *tensors.Tensor) *distributed.ShardingSpec { return spec })
}

// FrozenComponent is an immutable pairing of a transform and its parameters.
// It is shared by every compiled train step of a run.
type FrozenComponent struct {
	kind      Kind
	transform Transform
	params    *Params
	shardings *tree.Tree[*distributed.ShardingSpec]
}

// NewFrozen creates a FrozenComponent. The parameters are placed replicated on every device of topo.
// params must not be changed afterward.
func NewFrozen(kind Kind, transform Transform, params *Params, topo *topology.Topology) (*FrozenComponent, error) {
	if err := checkKind(kind, transform); err != nil {
		return nil, errors.WithMessage(err, "state.NewFrozen")
	}
	if params == nil {
		params = tree.New[*tensors.Tensor]()
	}
	return &FrozenComponent{
		kind:      kind,
		transform: transform,
		params:    params,
		shardings: replicatedShardings(params, topo),
	}, nil
}

// Kind of the component.
func (f *FrozenComponent) Kind() Kind { return f.kind }

// Transform of the component: it implements the apply interface of its Kind.
func (f *FrozenComponent) Transform() Transform { return f.transform }

// Params returns the parameters. They must not be modified.
func (f *FrozenComponent) Params() *Params { return f.params }

// Shardings returns the sharding spec of each parameter.
func (f *FrozenComponent) Shardings() *tree.Tree[*distributed.ShardingSpec] { return f.shardings }

// String implements fmt.Stringer.
func (f *FrozenComponent) String() string {
	return fmt.Sprintf("Frozen%s(%s, %d params)", f.kind, f.transform.Name(), f.params.Len())
}

// Optimizer updates parameters from their gradients. It is treated as an opaque transform by the train step.
type Optimizer interface {
	// Name of the optimizer, for logging.
	Name() string

	// Init returns the initial optimizer state for params, computed on host.
	Init(params *Params) *Params

	// Update builds the graph of one optimizer step, returning the new parameters and optimizer state.
	Update(params, grads, optState *Nodes) (newParams, newOptState *Nodes)
}

// TrainableState pairs the parameters of a trainable subsystem with its transform and optimizer state.
//
// It is replaced, not mutated, by each train step. When the step donates the state buffers, the old
// TrainableState becomes invalid: CheckValid returns ErrDonated.
//
// After a step on a multi-device mesh the values stay on the devices, one copy per device (see Replicas).
type TrainableState struct {
	kind      Kind
	transform Transform
	optimizer Optimizer
	params    *Params
	optState  *Params
	shardings *tree.Tree[*distributed.ShardingSpec]

	// replicas[device] holds the parameter leaves followed by the optimizer state leaves on device.
	replicas [][]*tensors.Tensor

	donated atomic.Bool
}

// NewTrainable creates the TrainableState of a subsystem, initializing the optimizer state on host.
// Parameters and optimizer state are placed replicated on every device of topo.
func NewTrainable(transform Transform, params *Params, optimizer Optimizer, topo *topology.Topology) (*TrainableState, error) {
	if transform == nil {
		return nil, errors.New("state.NewTrainable: nil transform")
	}
	kind := transform.Kind()
	if kind != KindDenoiser && kind != KindTextEncoder {
		return nil, errors.Errorf("state.NewTrainable: %s transform %q can't be trained", kind, transform.Name())
	}
	if err := checkKind(kind, transform); err != nil {
		return nil, errors.WithMessage(err, "state.NewTrainable")
	}
	if params == nil || params.Len() == 0 {
		return nil, errors.Errorf("state.NewTrainable: %s %q has no parameters", kind, transform.Name())
	}
	if optimizer == nil {
		return nil, errors.Errorf("state.NewTrainable: no optimizer given for %s %q", kind, transform.Name())
	}
	optState := optimizer.Init(params)
	if err := tree.SameStructure(params, optState); err != nil {
		return nil, errors.WithMessagef(err, "state.NewTrainable: optimizer %q state doesn't match the parameters",
			optimizer.Name())
	}
	return &TrainableState{
		kind:      kind,
		transform: transform,
		optimizer: optimizer,
		params:    params,
		optState:  optState,
		shardings: replicatedShardings(params, topo),
	}, nil
}

// Kind of the trainable subsystem.
func (s *TrainableState) Kind() Kind { return s.kind }

// Transform of the subsystem: it implements the apply interface of its Kind.
func (s *TrainableState) Transform() Transform { return s.transform }

// Optimizer used to update the parameters.
func (s *TrainableState) Optimizer() Optimizer { return s.optimizer }

// Params returns the current parameters.
func (s *TrainableState) Params() *Params { return s.params }

// OptState returns the optimizer state. It has the same structure as Params.
func (s *TrainableState) OptState() *Params { return s.optState }

// Shardings returns the sharding spec of each parameter, also used for the optimizer state.
func (s *TrainableState) Shardings() *tree.Tree[*distributed.ShardingSpec] { return s.shardings }

// CheckValid returns ErrDonated if the state was donated to a train step.
func (s *TrainableState) CheckValid() error {
	if s == nil {
		return errors.New("nil TrainableState")
	}
	if s.donated.Load() {
		return errors.Wrapf(ErrDonated, "%s %q", s.kind, s.transform.Name())
	}
	return nil
}

// MarkDonated invalidates the state. It returns ErrDonated if it had already been donated.
func (s *TrainableState) MarkDonated() error {
	if !s.donated.CompareAndSwap(false, true) {
		return errors.Wrapf(ErrDonated, "%s %q donated twice", s.kind, s.transform.Name())
	}
	return nil
}

// WithValues returns a new TrainableState with the same transform and optimizer, and the given parameters
// and optimizer state, which must have the same structure as the current ones.
func (s *TrainableState) WithValues(params, optState *Params) (*TrainableState, error) {
	if err := tree.SameStructure(s.params, params); err != nil {
		return nil, errors.WithMessage(err, "new parameters")
	}
	if err := tree.SameStructure(s.optState, optState); err != nil {
		return nil, errors.WithMessage(err, "new optimizer state")
	}
	return &TrainableState{
		kind:      s.kind,
		transform: s.transform,
		optimizer: s.optimizer,
		params:    params,
		optState:  optState,
		shardings: s.shardings,
	}, nil
}

// Replicas returns the per-device copies of the state, Replicas()[device] being the parameter leaves
// followed by the optimizer state leaves (in path order) on that device. Params and OptState hold the
// copies of device 0.
//
// It is nil if the values are only on host or on a single device.
func (s *TrainableState) Replicas() [][]*tensors.Tensor { return s.replicas }

// WithReplicas returns a new TrainableState with the values kept on each device of a mesh. replicas[device]
// holds the parameter leaves followed by the optimizer state leaves, as returned by Replicas.
func (s *TrainableState) WithReplicas(replicas [][]*tensors.Tensor) (*TrainableState, error) {
	if len(replicas) == 0 {
		return nil, errors.New("WithReplicas: no device values given")
	}
	numParams := s.params.Len()
	for device, values := range replicas {
		if len(values) != 2*numParams {
			return nil, errors.Errorf("WithReplicas: device #%d has %d values, expected %d parameters + %d optimizer state",
				device, len(values), numParams, numParams)
		}
	}
	params, err := tree.FromLeaves(s.params, replicas[0][:numParams])
	if err != nil {
		return nil, errors.WithMessage(err, "new parameters")
	}
	optState, err := tree.FromLeaves(s.optState, replicas[0][numParams:])
	if err != nil {
		return nil, errors.WithMessage(err, "new optimizer state")
	}
	next, err := s.WithValues(params, optState)
	if err != nil {
		return nil, err
	}
	if len(replicas) > 1 {
		next.replicas = replicas
	}
	return next, nil
}

// String implements fmt.Stringer.
func (s *TrainableState) String() string {
	return fmt.Sprintf("Trainable%s(%s, %s, %d params)", s.kind, s.transform.Name(), s.optimizer.Name(), s.params.Len())
}
