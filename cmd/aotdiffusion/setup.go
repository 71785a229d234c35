// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/aotdiffusion/pkg/buckets"
	"github.com/gomlx/aotdiffusion/pkg/compilecache"
	"github.com/gomlx/aotdiffusion/pkg/config"
	"github.com/gomlx/aotdiffusion/pkg/models/mini"
	"github.com/gomlx/aotdiffusion/pkg/scheduler"
	"github.com/gomlx/aotdiffusion/pkg/state"
	"github.com/gomlx/aotdiffusion/pkg/topology"
	"github.com/gomlx/aotdiffusion/pkg/trainstep"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/default"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

// cliFlags holds the settings that are not part of the training configuration file.
type cliFlags struct {
	configPath     string
	backend        string
	mesh           []int
	seed           int64
	steps          int
	maxParallelism int
	rounding       int
	offsetNoise    bool
	stripBOSEOS    bool
	failCollisions bool
}

var flags cliFlags

func (f *cliFlags) register(cmd *cobra.Command) {
	pf := cmd.PersistentFlags()
	pf.StringVar(&f.configPath, "config", "", "Training configuration file (JSON or YAML). If empty the reference configuration is used.")
	pf.StringVar(&f.backend, "backend", "", fmt.Sprintf("GoMLX backend configuration, e.g. \"xla:cuda\". Defaults to $%s or the default backend.", backends.ConfigEnvVar))
	pf.IntSliceVar(&f.mesh, "mesh", nil, "Device mesh shape (data_parallel,model_parallel). Defaults to all devices in the data axis.")
	pf.Int64Var(&f.seed, "seed", 42, "Seed for the model initialization and the training random state.")
	pf.IntVar(&f.rounding, "rounding", buckets.DefaultRounding, "Rounding of the bucket dimensions.")
	pf.IntVar(&f.maxParallelism, "max_parallelism", 0, "Maximum concurrent compilations: 0 for the number of CPUs, negative for unlimited.")
	pf.BoolVar(&f.offsetNoise, "offset_noise", false, "Add per-channel offset noise.")
	pf.BoolVar(&f.stripBOSEOS, "strip_bos_eos", true, "Remove the repeated begin/end markers when stitching text encoder windows.")
	pf.BoolVar(&f.failCollisions, "fail_collisions", false, "Fail if two buckets map to the same shape, instead of keeping the last.")
}

func loadConfig() (*config.TrainingConfig, error) {
	if flags.configPath == "" {
		cfg := config.Default()
		return cfg, cfg.Validate()
	}
	return config.Load(flags.configPath)
}

// newBackend creates the backend, after setting up the persistent compilation cache, which XLA only
// reads at creation. It returns the persistent cache directory, "" if not used.
func newBackend(cfg *config.TrainingConfig) (backend backends.Backend, cacheDir string, err error) {
	description := flags.backend
	if description == "" {
		description = os.Getenv(backends.ConfigEnvVar)
	}
	if cacheDir, err = compilecache.InitPersistentCache(cfg, description); err != nil {
		return nil, "", err
	}
	err = exceptions.TryCatch[error](func() {
		var bErr error
		if flags.backend == "" {
			backend, bErr = backends.New()
		} else {
			backend, bErr = backends.NewWithConfig(flags.backend)
		}
		if bErr != nil {
			panic(bErr)
		}
	})
	if err != nil {
		return nil, "", errors.WithMessage(err, "failed to create backend")
	}
	klog.Infof("backend %s: %s", backend.Name(), backend.Description())
	return backend, cacheDir, nil
}

// setup holds what every training related command needs.
type setup struct {
	cfg        *config.TrainingConfig
	topo       *topology.Topology
	components *state.Components
	cacheDir   string
}

// newSetup loads the configuration, creates the (single) topology of the process and the model states.
//
// The subsystems are the reference ones of package mini: loading pretrained models is left to the
// caller of the library.
func newSetup() (*setup, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	backend, cacheDir, err := newBackend(cfg)
	if err != nil {
		return nil, err
	}
	topo, err := topology.New(backend, flags.mesh)
	if err != nil {
		return nil, err
	}
	klog.Infof("%s", topo)
	models, err := mini.New(mini.DefaultConfig(), scheduler.DefaultConfig(), flags.seed)
	if err != nil {
		return nil, err
	}
	components, err := state.Build(models, cfg, topo)
	if err != nil {
		return nil, err
	}
	klog.Infof("%s, %s", components.UNet, components.TextEncoder)
	return &setup{cfg: cfg, topo: topo, components: components, cacheDir: cacheDir}, nil
}

// buildCache compiles all buckets showing a progress bar.
func (s *setup) buildCache() (*compilecache.Cache, error) {
	policy := compilecache.CollisionOverwrite
	if flags.failCollisions {
		policy = compilecache.CollisionFail
	}
	var bar *progressbar.ProgressBar
	o := compilecache.New(s.topo,
		compilecache.WithMaxParallelism(flags.maxParallelism),
		compilecache.WithRounding(flags.rounding),
		compilecache.WithCollisionPolicy(policy),
		compilecache.WithOptions(flags.offsetNoise, flags.stripBOSEOS),
		compilecache.WithCacheDir(s.cacheDir),
		compilecache.WithProgress(func(_ trainstep.ShapeKey, done, total int) {
			if bar == nil {
				bar = progressbar.NewOptions(total,
					progressbar.OptionSetDescription("compiling"),
					progressbar.OptionSetTheme(progressbar.ThemeASCII),
					progressbar.OptionShowCount(),
					progressbar.OptionClearOnFinish())
			}
			_ = bar.Set(done)
		}))
	start := time.Now()
	c := s.components
	cache, err := o.BuildCache(c.UNet, c.TextEncoder, c.VAE, c.Scheduler, s.cfg)
	if bar != nil {
		_ = bar.Finish()
	}
	if err != nil {
		return nil, err
	}
	klog.Infof("train steps for %d shapes ready in %s", cache.Len(), humanize.RelTime(start, time.Now(), "", ""))
	return cache, nil
}
