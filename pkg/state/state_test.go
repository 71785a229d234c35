// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package state_test

import (
	"testing"

	"github.com/gomlx/aotdiffusion/pkg/config"
	"github.com/gomlx/aotdiffusion/pkg/models/mini"
	"github.com/gomlx/aotdiffusion/pkg/optim"
	"github.com/gomlx/aotdiffusion/pkg/scheduler"
	. "github.com/gomlx/aotdiffusion/pkg/state"
	"github.com/gomlx/aotdiffusion/pkg/topology"
	"github.com/gomlx/aotdiffusion/pkg/tree"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTopology(t *testing.T) *topology.Topology {
	topo, err := topology.New(graphtest.BuildTestBackend(), []int{1, 1})
	require.NoError(t, err)
	return topo
}

func newModels(t *testing.T) *Models {
	models, err := mini.New(mini.DefaultConfig(), scheduler.DefaultConfig(), 7)
	require.NoError(t, err)
	return models
}

func TestKind(t *testing.T) {
	assert.Equal(t, "Denoiser", KindDenoiser.String())
	assert.Equal(t, "Scheduler", KindScheduler.String())
	assert.Equal(t, "Kind(9)", Kind(9).String())
	assert.Equal(t, "Train", Train.String())
	assert.Equal(t, "Eval", Eval.String())
}

func TestNewFrozen(t *testing.T) {
	topo, models := newTopology(t), newModels(t)
	vae, err := NewFrozen(KindLatentEncoder, models.LatentEncoder, models.LatentEncoderParams, topo)
	require.NoError(t, err)
	assert.Equal(t, KindLatentEncoder, vae.Kind())
	assert.Same(t, models.LatentEncoderParams, vae.Params())
	require.NoError(t, tree.SameStructure(vae.Params(), vae.Shardings()))
	for _, spec := range vae.Shardings().Leaves() {
		assert.Nil(t, spec) // Single device.
	}

	// Kind must match the transform.
	_, err = NewFrozen(KindScheduler, models.LatentEncoder, models.LatentEncoderParams, topo)
	require.Error(t, err)
	_, err = NewFrozen(KindScheduler, nil, nil, topo)
	require.Error(t, err)
}

func TestNewTrainable(t *testing.T) {
	topo, models := newTopology(t), newModels(t)
	pipeline, err := optim.NewLionPipeline(1e-6, 7)
	require.NoError(t, err)
	unet, err := NewTrainable(models.Denoiser, models.DenoiserParams, pipeline, topo)
	require.NoError(t, err)
	assert.Equal(t, KindDenoiser, unet.Kind())
	require.NoError(t, tree.SameStructure(unet.Params(), unet.OptState()))
	require.NoError(t, unet.CheckValid())

	// Frozen kinds can't be trained.
	_, err = NewTrainable(models.Scheduler, models.SchedulerParams, pipeline, topo)
	require.Error(t, err)
	_, err = NewTrainable(models.Denoiser, nil, pipeline, topo)
	require.Error(t, err)
	_, err = NewTrainable(models.Denoiser, models.DenoiserParams, nil, topo)
	require.Error(t, err)
}

func TestDonation(t *testing.T) {
	topo, models := newTopology(t), newModels(t)
	pipeline, err := optim.NewLionPipeline(1e-6, 7)
	require.NoError(t, err)
	text, err := NewTrainable(models.TextEncoder, models.TextEncoderParams, pipeline, topo)
	require.NoError(t, err)

	next, err := text.WithValues(text.Params(), text.OptState())
	require.NoError(t, err)
	require.NoError(t, text.MarkDonated())
	require.ErrorIs(t, text.CheckValid(), ErrDonated)
	require.ErrorIs(t, text.MarkDonated(), ErrDonated)
	require.NoError(t, next.CheckValid())

	// New values must keep the structure.
	wrong := tree.FromMap(map[string]*tensors.Tensor{"/other": tensors.FromScalar(float32(0))})
	_, err = next.WithValues(wrong, next.OptState())
	require.Error(t, err)
}

func TestWithReplicas(t *testing.T) {
	topo, models := newTopology(t), newModels(t)
	pipeline, err := optim.NewLionPipeline(1e-6, 7)
	require.NoError(t, err)
	text, err := NewTrainable(models.TextEncoder, models.TextEncoderParams, pipeline, topo)
	require.NoError(t, err)
	assert.Nil(t, text.Replicas())

	// Two devices, each with its own copy of the parameters followed by the optimizer state.
	device0 := append(text.Params().Leaves(), text.OptState().Leaves()...)
	device1 := make([]*tensors.Tensor, len(device0))
	for ii, leaf := range device0 {
		device1[ii], err = leaf.LocalClone()
		require.NoError(t, err)
	}
	next, err := text.WithReplicas([][]*tensors.Tensor{device0, device1})
	require.NoError(t, err)
	require.Len(t, next.Replicas(), 2)
	assert.Equal(t, device1, next.Replicas()[1])
	numParams := text.Params().Len()
	assert.Equal(t, device0[:numParams], next.Params().Leaves())
	assert.Equal(t, device0[numParams:], next.OptState().Leaves())

	// A single device keeps no replicas.
	single, err := text.WithReplicas([][]*tensors.Tensor{device0})
	require.NoError(t, err)
	assert.Nil(t, single.Replicas())
	assert.Equal(t, device0[:numParams], single.Params().Leaves())

	_, err = text.WithReplicas(nil)
	require.Error(t, err)
	_, err = text.WithReplicas([][]*tensors.Tensor{device0, device1[1:]})
	require.Error(t, err)
}

func TestBuild(t *testing.T) {
	topo, models := newTopology(t), newModels(t)
	cfg := config.Default()
	cfg.UNetLearningRate = 7e-6
	c, err := Build(models, cfg, topo)
	require.NoError(t, err)
	require.NotNil(t, c.UNet)
	require.NotNil(t, c.TextEncoder)
	assert.Nil(t, c.FrozenUNet)
	assert.Equal(t, KindLatentEncoder, c.VAE.Kind())
	assert.Equal(t, KindScheduler, c.Scheduler.Kind())
	lion := c.UNet.Optimizer().(*optim.Pipeline)
	assert.InDelta(t, 1e-6, lion.LearningRate, 1e-15)
	assert.InDelta(t, 0.07, lion.WeightDecay, 1e-12)

	c, err = Build(models, cfg, topo, TrainTextEncoder(false))
	require.NoError(t, err)
	assert.Nil(t, c.TextEncoder)
	require.NotNil(t, c.FrozenTextEncoder)
	assert.Equal(t, KindTextEncoder, c.FrozenTextEncoder.Kind())

	models.Scheduler = nil
	_, err = Build(models, cfg, topo)
	require.Error(t, err)
}
