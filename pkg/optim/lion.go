// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package optim implements the optimizer pipeline of the trainable subsystems: gradients are clipped by
// their global norm and then fed to Lion (sign momentum) with decoupled weight decay and a constant
// learning rate.
//
// Lion is usually tuned relative to an Adam configuration: the scale factor divides the (Adam) learning
// rate and multiplies the weight decay, so a single knob adapts both:
//
//	learningRate = baseLR / scaleFactor
//	weightDecay  = 1e-2 * scaleFactor
package optim

import (
	"fmt"

	"github.com/gomlx/aotdiffusion/pkg/tree"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph" //nolint
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
)

// Default hyperparameters.
const (
	DefaultB1          = 0.9
	DefaultB2          = 0.99
	DefaultClipNorm    = 1.0
	DefaultWeightDecay = 1e-2
)

// Pipeline is global norm clipping chained with the Lion optimizer.
type Pipeline struct {
	LearningRate float64
	WeightDecay  float64
	B1, B2       float64

	// ClipNorm is the global norm threshold of the gradients. If <= 0, gradients are not clipped.
	ClipNorm float64
}

// NewLionPipeline creates the optimizer pipeline for the given base (Adam-equivalent) learning rate and
// scale factor.
func NewLionPipeline(baseLR, scaleFactor float64) (*Pipeline, error) {
	if baseLR <= 0 {
		return nil, errors.Errorf("optim.NewLionPipeline: learning rate must be positive, got %g", baseLR)
	}
	if scaleFactor <= 0 {
		return nil, errors.Errorf("optim.NewLionPipeline: scale factor must be positive, got %g", scaleFactor)
	}
	return &Pipeline{
		LearningRate: baseLR / scaleFactor,
		WeightDecay:  DefaultWeightDecay * scaleFactor,
		B1:           DefaultB1,
		B2:           DefaultB2,
		ClipNorm:     DefaultClipNorm,
	}, nil
}

// Name implements state.Optimizer.
func (p *Pipeline) Name() string {
	return fmt.Sprintf("lion(lr=%g, wd=%g, clip=%g)", p.LearningRate, p.WeightDecay, p.ClipNorm)
}

// Init implements state.Optimizer: the state is the momentum of each parameter, initialized to zero.
func (p *Pipeline) Init(params *tree.Tree[*tensors.Tensor]) *tree.Tree[*tensors.Tensor] {
	return tree.Map(params, func(_ string, t *tensors.Tensor) *tensors.Tensor {
		return tensors.FromShape(t.Shape())
	})
}

// GlobalNorm returns the L2 norm of all the leaves of grads taken together, as a float32 scalar.
func GlobalNorm(grads *tree.Tree[*Node]) *Node {
	var sum *Node
	for _, g := range grads.Leaves() {
		sq := ConvertDType(ReduceAllSum(Square(g)), dtypes.Float32)
		if sum == nil {
			sum = sq
		} else {
			sum = Add(sum, sq)
		}
	}
	return Sqrt(sum)
}

// ClipByGlobalNorm scales all gradients by maxNorm/norm if their global norm exceeds maxNorm.
func ClipByGlobalNorm(grads *tree.Tree[*Node], maxNorm float64) *tree.Tree[*Node] {
	norm := GlobalNorm(grads)
	scale := Where(LessThan(norm, Scalar(norm.Graph(), norm.DType(), maxNorm)),
		OnesLike(norm),
		Div(Scalar(norm.Graph(), norm.DType(), maxNorm), norm))
	return tree.Map(grads, func(_ string, g *Node) *Node {
		return Mul(g, ConvertDType(scale, g.DType()))
	})
}

// Update implements state.Optimizer.
//
// For each parameter p with gradient g and momentum m:
//
//	update = sign(b1*m + (1-b1)*g) + weightDecay*p
//	p' = p - learningRate*update
//	m' = b2*m + (1-b2)*g
func (p *Pipeline) Update(params, grads, optState *tree.Tree[*Node]) (newParams, newOptState *tree.Tree[*Node]) {
	if err := tree.SameStructure(params, grads); err != nil {
		exceptions.Panicf("optim: gradients don't match the parameters: %v", err)
	}
	if err := tree.SameStructure(params, optState); err != nil {
		exceptions.Panicf("optim: optimizer state doesn't match the parameters: %v", err)
	}
	if p.ClipNorm > 0 {
		grads = ClipByGlobalNorm(grads, p.ClipNorm)
	}
	newParams = tree.New[*Node]()
	newOptState = tree.New[*Node]()
	for _, path := range params.Paths() {
		param := params.MustGet(path)
		grad := ConvertDType(grads.MustGet(path), param.DType())
		momentum := optState.MustGet(path)

		direction := Add(MulScalar(momentum, p.B1), MulScalar(grad, 1-p.B1))
		update := Sign(direction)
		if p.WeightDecay != 0 {
			update = Add(update, MulScalar(param, p.WeightDecay))
		}
		newParams.Set(path, Sub(param, MulScalar(update, p.LearningRate)))
		newOptState.Set(path, Add(MulScalar(momentum, p.B2), MulScalar(grad, 1-p.B2)))
	}
	return
}
