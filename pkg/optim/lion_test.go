// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package optim

import (
	"testing"

	"github.com/gomlx/aotdiffusion/pkg/tree"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLionPipeline(t *testing.T) {
	p, err := NewLionPipeline(7e-6, 7)
	require.NoError(t, err)
	assert.InDelta(t, 1e-6, p.LearningRate, 1e-15)
	assert.InDelta(t, 7e-2, p.WeightDecay, 1e-12)
	assert.Equal(t, 0.9, p.B1)
	assert.Equal(t, 0.99, p.B2)
	assert.Equal(t, 1.0, p.ClipNorm)

	_, err = NewLionPipeline(0, 7)
	require.Error(t, err)
	_, err = NewLionPipeline(1e-6, 0)
	require.Error(t, err)
}

func TestInit(t *testing.T) {
	p := &Pipeline{}
	params := tree.FromMap(map[string]*tensors.Tensor{
		"/w": tensors.FromValue([][]float32{{1, 2}, {3, 4}}),
		"/b": tensors.FromValue([]float32{5}),
	})
	momentum := p.Init(params)
	require.NoError(t, tree.SameStructure(params, momentum))
	assert.Equal(t, [][]float32{{0, 0}, {0, 0}}, momentum.MustGet("/w").Value())
	assert.Equal(t, []float32{0}, momentum.MustGet("/b").Value())
}

func TestClipByGlobalNorm(t *testing.T) {
	graphtest.RunTestGraphFn(t, "ClipByGlobalNorm", func(g *Graph) (inputs, outputs []*Node) {
		// Global norm = sqrt(9+16) = 5.
		grads := tree.FromMap(map[string]*Node{
			"/a": Const(g, []float32{3}),
			"/b": Const(g, []float32{4}),
		})
		small := tree.FromMap(map[string]*Node{
			"/a": Const(g, []float32{0.3}),
			"/b": Const(g, []float32{0.4}),
		})
		clipped := ClipByGlobalNorm(grads, 1)
		unchanged := ClipByGlobalNorm(small, 1)
		outputs = []*Node{
			GlobalNorm(grads),
			clipped.MustGet("/a"), clipped.MustGet("/b"),
			unchanged.MustGet("/a"), unchanged.MustGet("/b"),
		}
		return
	}, []any{
		float32(5),
		[]float32{0.6}, []float32{0.8},
		[]float32{0.3}, []float32{0.4},
	}, 1e-5)
}

func TestUpdate(t *testing.T) {
	p := &Pipeline{LearningRate: 0.1, WeightDecay: 0.5, B1: 0.9, B2: 0.99}
	graphtest.RunTestGraphFn(t, "Lion.Update", func(g *Graph) (inputs, outputs []*Node) {
		params := tree.FromMap(map[string]*Node{"/w": Const(g, []float32{1, 1, -2})})
		grads := tree.FromMap(map[string]*Node{"/w": Const(g, []float32{0.5, -0.5, 0})})
		momentum := tree.FromMap(map[string]*Node{"/w": Const(g, []float32{0, 0, 1})})
		newParams, newMomentum := p.Update(params, grads, momentum)
		outputs = []*Node{newParams.MustGet("/w"), newMomentum.MustGet("/w")}
		return
	}, []any{
		// update = sign(0.9*m + 0.1*g) + 0.5*p = {1+0.5, -1+0.5, 1-1}
		[]float32{1 - 0.1*1.5, 1 - 0.1*(-0.5), -2 - 0.1*0},
		// m' = 0.99*m + 0.01*g
		[]float32{0.005, -0.005, 0.99},
	}, 1e-5)
}
