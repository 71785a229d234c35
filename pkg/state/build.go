// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package state

import (
	"github.com/gomlx/aotdiffusion/pkg/config"
	"github.com/gomlx/aotdiffusion/pkg/optim"
	"github.com/gomlx/aotdiffusion/pkg/topology"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Models holds the loaded subsystems of a latent diffusion model: transforms and their parameters.
type Models struct {
	Denoiser       DenoiserTransform
	DenoiserParams *Params

	TextEncoder       TextEncoderTransform
	TextEncoderParams *Params

	LatentEncoder       LatentEncoderTransform
	LatentEncoderParams *Params

	Scheduler       SchedulerTransform
	SchedulerParams *Params
}

// Components are the states of all subsystems for a training run.
//
// If training of the denoiser or of the text encoder is disabled (see TrainUNet and TrainTextEncoder), the
// corresponding trainable state is nil and the subsystem is given as a FrozenComponent instead.
type Components struct {
	UNet, TextEncoder *TrainableState

	FrozenUNet, FrozenTextEncoder *FrozenComponent
	VAE, Scheduler                *FrozenComponent
}

type buildOptions struct {
	trainUNet, trainTextEncoder bool
}

// BuildOption configures Build.
type BuildOption func(*buildOptions)

// TrainUNet sets whether the denoiser is trained. Default is true.
func TrainUNet(train bool) BuildOption {
	return func(o *buildOptions) { o.trainUNet = train }
}

// TrainTextEncoder sets whether the text encoder is trained. Default is true.
func TrainTextEncoder(train bool) BuildOption {
	return func(o *buildOptions) { o.trainTextEncoder = train }
}

// Build creates the FrozenComponent and TrainableState of each subsystem.
//
// Each trainable subsystem gets its own optimizer pipeline (optim.NewLionPipeline) from its learning rate in
// cfg and cfg.AdamToLionScaleFactor. Optimizer states are initialized on host, before any device placement.
func Build(models *Models, cfg *config.TrainingConfig, topo *topology.Topology, opts ...BuildOption) (*Components, error) {
	o := buildOptions{trainUNet: true, trainTextEncoder: true}
	for _, opt := range opts {
		opt(&o)
	}
	if models == nil || models.Denoiser == nil || models.TextEncoder == nil ||
		models.LatentEncoder == nil || models.Scheduler == nil {
		return nil, errors.New("state.Build: all subsystems (denoiser, text encoder, latent encoder, scheduler) are required")
	}

	c := &Components{}
	var err error
	c.VAE, err = NewFrozen(KindLatentEncoder, models.LatentEncoder, models.LatentEncoderParams, topo)
	if err != nil {
		return nil, err
	}
	c.Scheduler, err = NewFrozen(KindScheduler, models.Scheduler, models.SchedulerParams, topo)
	if err != nil {
		return nil, err
	}

	if o.trainUNet {
		pipeline, err := optim.NewLionPipeline(cfg.UNetRate(), cfg.AdamToLionScaleFactor)
		if err != nil {
			return nil, errors.WithMessage(err, "denoiser optimizer")
		}
		c.UNet, err = NewTrainable(models.Denoiser, models.DenoiserParams, pipeline, topo)
		if err != nil {
			return nil, err
		}
	} else {
		c.FrozenUNet, err = NewFrozen(KindDenoiser, models.Denoiser, models.DenoiserParams, topo)
		if err != nil {
			return nil, err
		}
	}

	if o.trainTextEncoder {
		pipeline, err := optim.NewLionPipeline(cfg.TextEncoderRate(), cfg.AdamToLionScaleFactor)
		if err != nil {
			return nil, errors.WithMessage(err, "text encoder optimizer")
		}
		c.TextEncoder, err = NewTrainable(models.TextEncoder, models.TextEncoderParams, pipeline, topo)
		if err != nil {
			return nil, err
		}
	} else {
		c.FrozenTextEncoder, err = NewFrozen(KindTextEncoder, models.TextEncoder, models.TextEncoderParams, topo)
		if err != nil {
			return nil, err
		}
	}
	klog.V(1).Infof("state.Build: unet=%v, text encoder=%v, vae=%v, scheduler=%v on %s",
		c.UNet, c.TextEncoder, c.VAE, c.Scheduler, topo)
	return c, nil
}
