// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package compilecache

import (
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gomlx/aotdiffusion/pkg/buckets"
	"github.com/gomlx/aotdiffusion/pkg/config"
	"github.com/gomlx/aotdiffusion/pkg/models/mini"
	"github.com/gomlx/aotdiffusion/pkg/scheduler"
	"github.com/gomlx/aotdiffusion/pkg/state"
	"github.com/gomlx/aotdiffusion/pkg/topology"
	"github.com/gomlx/aotdiffusion/pkg/trainstep"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

// smallConfig plans the buckets 8x32, 16x16 and 32x8 with a rounding of 8, once per area root.
func smallConfig(areaRoots ...int) *config.TrainingConfig {
	cfg := config.Default()
	cfg.BatchSize = 2
	cfg.TextEncoderContextWindow = 5
	cfg.ContextWindowConcatenationCount = 2
	cfg.KeepCompiledFnInCache = false
	cfg.ImageAreaRoot = areaRoots
	cfg.MinimumAxisLength = make([]int, len(areaRoots))
	for ii := range cfg.MinimumAxisLength {
		cfg.MinimumAxisLength[ii] = 8
	}
	return cfg
}

func newTopology(t *testing.T) *topology.Topology {
	topo, err := topology.New(graphtest.BuildTestBackend(), []int{1, 1})
	require.NoError(t, err)
	return topo
}

// fakeOrchestrator doesn't build or compile graphs: compile calls fail for the buckets in failures.
type fakeOrchestrator struct {
	*Orchestrator

	mu              sync.Mutex
	lowered         []trainstep.ShapeKey
	running, peak   atomic.Int32
	failures        map[buckets.Bucket]error
	panics          map[buckets.Bucket]bool
	compileDuration time.Duration
}

func newFake(t *testing.T, options ...Option) *fakeOrchestrator {
	f := &fakeOrchestrator{
		Orchestrator: New(newTopology(t), append([]Option{WithRounding(8)}, options...)...),
		failures:     make(map[buckets.Bucket]error),
		panics:       make(map[buckets.Bucket]bool),
	}
	f.lower = func(key trainstep.ShapeKey, _ trainstep.Options) (*trainstep.Lowered, error) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.lowered = append(f.lowered, key)
		return nil, nil
	}
	f.compile = func(key trainstep.ShapeKey, _ *trainstep.Lowered) (*trainstep.Step, error) {
		running := f.running.Add(1)
		defer f.running.Add(-1)
		for {
			peak := f.peak.Load()
			if running <= peak || f.peak.CompareAndSwap(peak, running) {
				break
			}
		}
		time.Sleep(f.compileDuration)
		if f.panics[key.Bucket()] {
			panic(errors.Errorf("compiler crashed on %s", key))
		}
		if err := f.failures[key.Bucket()]; err != nil {
			return nil, err
		}
		return &trainstep.Step{}, nil
	}
	return f
}

func (f *fakeOrchestrator) build(cfg *config.TrainingConfig) (*Cache, error) {
	return f.BuildCache(nil, nil, nil, nil, cfg)
}

func TestPlan(t *testing.T) {
	o := New(newTopology(t), WithRounding(8))
	keys, err := o.Plan(smallConfig(16))
	require.NoError(t, err)
	want := []buckets.Bucket{{Width: 8, Height: 32}, {Width: 16, Height: 16}, {Width: 32, Height: 8}}
	require.Len(t, keys, len(want))
	for ii, key := range keys {
		assert.Equal(t, want[ii], key.Bucket())
		assert.Equal(t, [2]int{4, 5}, key.Tokens)
		assert.Equal(t, 2, key.BatchSize())
	}

	cfg := smallConfig(16)
	cfg.MinimumAxisLength = nil
	_, err = o.Plan(cfg)
	require.ErrorIs(t, err, config.ErrConfiguration)
}

func TestBuildCacheEntries(t *testing.T) {
	t.Run("distinct", func(t *testing.T) {
		var progress []int
		f := newFake(t, WithProgress(func(_ trainstep.ShapeKey, done, total int) {
			assert.Equal(t, 3, total)
			progress = append(progress, done)
		}))
		c, err := f.build(smallConfig(16))
		require.NoError(t, err)
		assert.Equal(t, 3, c.Len())
		assert.Len(t, f.lowered, 3)
		assert.Equal(t, []int{1, 2, 3}, progress)
	})

	t.Run("duplicates overwrite", func(t *testing.T) {
		f := newFake(t)
		c, err := f.build(smallConfig(16, 16))
		require.NoError(t, err)
		assert.Len(t, f.lowered, 6)
		assert.Equal(t, 3, c.Len())
		for _, key := range c.Keys() {
			assert.Equal(t, 2, key.BatchSize())
		}
	})

	t.Run("duplicates fail", func(t *testing.T) {
		f := newFake(t, WithCollisionPolicy(CollisionFail))
		_, err := f.build(smallConfig(16, 16))
		require.ErrorIs(t, err, ErrShapeCollision)
		assert.Empty(t, f.lowered, "nothing should be lowered on a collision")
	})
}

func TestBuildCacheFailures(t *testing.T) {
	t.Run("compile", func(t *testing.T) {
		f := newFake(t)
		f.failures[buckets.Bucket{Width: 16, Height: 16}] = errors.New("out of memory")
		c, err := f.build(smallConfig(16))
		require.ErrorIs(t, err, ErrCompilationFailure)
		assert.ErrorContains(t, err, "out of memory")
		assert.Nil(t, c)
	})

	t.Run("panic", func(t *testing.T) {
		f := newFake(t)
		f.panics[buckets.Bucket{Width: 32, Height: 8}] = true
		_, err := f.build(smallConfig(16))
		require.ErrorIs(t, err, ErrCompilationFailure)
		assert.ErrorContains(t, err, "compiler crashed")
	})

	t.Run("lower", func(t *testing.T) {
		f := newFake(t)
		f.lower = func(key trainstep.ShapeKey, _ trainstep.Options) (*trainstep.Lowered, error) {
			return nil, errors.Errorf("can't lower %s", key)
		}
		_, err := f.build(smallConfig(16))
		require.ErrorIs(t, err, ErrCompilationFailure)
	})

	t.Run("prediction type", func(t *testing.T) {
		f := newFake(t)
		f.lower = func(_ trainstep.ShapeKey, _ trainstep.Options) (*trainstep.Lowered, error) {
			return nil, trainstep.CheckPredictionType("sample")
		}
		_, err := f.build(smallConfig(16))
		require.ErrorIs(t, err, trainstep.ErrUnsupportedPredictionType)
	})
}

func TestBuildCacheParallelism(t *testing.T) {
	f := newFake(t, WithMaxParallelism(2))
	f.compileDuration = 20 * time.Millisecond
	c, err := f.build(smallConfig(16, 24))
	require.NoError(t, err)
	assert.Greater(t, c.Len(), 3)
	assert.LessOrEqual(t, f.peak.Load(), int32(2))
}

func TestLookup(t *testing.T) {
	f := newFake(t)
	c, err := f.build(smallConfig(16))
	require.NoError(t, err)
	e, err := c.Lookup(trainstep.DummyBatch(2, buckets.Bucket{Width: 8, Height: 32}, 2, 5))
	require.NoError(t, err)
	assert.Equal(t, buckets.Bucket{Width: 8, Height: 32}, e.Key().Bucket())

	_, err = c.Lookup(trainstep.DummyBatch(2, buckets.Bucket{Width: 24, Height: 8}, 2, 5))
	require.ErrorIs(t, err, ErrShapeMismatch)
	_, err = c.Lookup(trainstep.DummyBatch(4, buckets.Bucket{Width: 8, Height: 32}, 2, 5))
	require.ErrorIs(t, err, ErrShapeMismatch)
}

func TestPersistentCache(t *testing.T) {
	t.Setenv(XLAFlagsEnv, "--xla_dump_to=/tmp/dump")
	cfg := smallConfig(16)
	cfg.KeepCompiledFnInCache = true
	cfg.CompilationCachePath = filepath.Join(t.TempDir(), "cache")

	dir, err := InitPersistentCache(cfg, "XLA CPU plugin")
	require.NoError(t, err)
	assert.Empty(t, dir)

	dir, err = InitPersistentCache(cfg, "xla:cuda")
	require.NoError(t, err)
	assert.Equal(t, cfg.CompilationCachePath, dir)
	assert.DirExists(t, dir)
	wantFlags := "--xla_dump_to=/tmp/dump " + xlaAutotuneCacheFlag + "=" + dir + " " +
		xlaKernelCacheFlag + "=" + filepath.Join(dir, KernelCacheFile)
	assert.Equal(t, wantFlags, os.Getenv(XLAFlagsEnv))

	// Idempotent.
	_, err = InitPersistentCache(cfg, "XLA CUDA plugin")
	require.NoError(t, err)
	assert.Equal(t, wantFlags, os.Getenv(XLAFlagsEnv))

	// Building the cache writes the manifest, and leaves the XLA flags alone: they are only read when
	// the backend is created.
	t.Setenv(XLAFlagsEnv, "")
	f := newFake(t, WithCacheDir(dir))
	c, err := f.build(cfg)
	require.NoError(t, err)
	assert.Empty(t, os.Getenv(XLAFlagsEnv))
	var m Manifest
	require.NoError(t, yaml.Unmarshal(must.M1(os.ReadFile(filepath.Join(dir, ManifestFile))), &m))
	assert.NotEmpty(t, m.RunID)
	assert.True(t, m.StripBOSEOS)
	require.Len(t, m.Entries, 3)
	assert.Equal(t, "8x32", m.Entries[0].Bucket)
	assert.Equal(t, c.Len(), len(m.Entries))

	// No cache directory, no manifest.
	require.NoError(t, os.Remove(filepath.Join(dir, ManifestFile)))
	_, err = newFake(t).build(cfg)
	require.NoError(t, err)
	assert.NoFileExists(t, filepath.Join(dir, ManifestFile))
}

func TestCompileAndStep(t *testing.T) {
	topo := newTopology(t)
	models, err := mini.New(mini.DefaultConfig(), scheduler.DefaultConfig(), 5)
	require.NoError(t, err)
	cfg := smallConfig(16)
	c, err := state.Build(models, cfg, topo)
	require.NoError(t, err)

	o := New(topo, WithRounding(8), WithMaxParallelism(-1))
	cache, err := o.BuildCache(c.UNet, c.TextEncoder, c.VAE, c.Scheduler, cfg)
	require.NoError(t, err)
	defer cache.Finalize()
	require.Equal(t, 3, cache.Len())

	// Building the cache doesn't donate the states.
	require.NoError(t, c.UNet.CheckValid())

	unet, text := c.UNet, c.TextEncoder
	rng := must.M1(graph.RNGStateFromSeed(trainstep.PlaceholderSeed))
	for ii := range 4 {
		key := cache.Keys()[ii%cache.Len()]
		batch := trainstep.DummyBatch(cfg.BatchSize, key.Bucket(), cfg.ContextWindowConcatenationCount, cfg.TextEncoderContextWindow)
		e, err := cache.Lookup(batch)
		require.NoError(t, err)
		result, err := e.Step(unet, text, batch, rng)
		require.NoError(t, err, "step %d (%s)", ii, key)
		require.ErrorIs(t, unet.CheckValid(), state.ErrDonated)
		unet, text, rng = result.UNet, result.TextEncoder, result.RNG
		assert.Greater(t, result.Metrics.Loss, float32(0))
	}
}
