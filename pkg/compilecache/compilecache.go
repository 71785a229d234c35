// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package compilecache compiles ahead of time one train step per image resolution bucket, and
// dispatches batches to the step compiled for their shape.
//
// Orchestrator.BuildCache plans the buckets of the configuration and, for each bucket, builds a
// placeholder batch, lowers (builds the graph of) the train step for its shape on the calling goroutine,
// and hands the compilation to a bounded pool of workers, moving on to lower the next bucket while
// previous ones compile. It then waits for all compilations: if any failed the whole build fails with
// ErrCompilationFailure.
//
// The resulting Cache is read-only. At training time Cache.Lookup returns the Executable for a batch,
// or ErrShapeMismatch: steps are never compiled on demand.
package compilecache

import (
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/aotdiffusion/internal/workerspool"
	"github.com/gomlx/aotdiffusion/pkg/buckets"
	"github.com/gomlx/aotdiffusion/pkg/config"
	"github.com/gomlx/aotdiffusion/pkg/state"
	"github.com/gomlx/aotdiffusion/pkg/topology"
	"github.com/gomlx/aotdiffusion/pkg/trainstep"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	// ErrCompilationFailure is returned (wrapped) by BuildCache when the train step of any bucket failed
	// to lower or compile.
	ErrCompilationFailure = errors.New("train step compilation failed")

	// ErrShapeMismatch is returned (wrapped) by Cache.Lookup when no step was compiled for the batch shape.
	ErrShapeMismatch = errors.New("no compiled train step for batch shape")

	// ErrShapeCollision is returned (wrapped) by BuildCache, under the CollisionFail policy, when two
	// buckets map to the same shape key.
	ErrShapeCollision = errors.New("buckets collide on the same shape key")
)

// CollisionPolicy defines what BuildCache does when two buckets map to the same shape key.
type CollisionPolicy int

const (
	// CollisionOverwrite compiles both, and the one compiled last is kept. A warning is logged.
	CollisionOverwrite CollisionPolicy = iota

	// CollisionFail makes BuildCache fail with ErrShapeCollision before compiling anything.
	CollisionFail
)

// String implements fmt.Stringer.
func (p CollisionPolicy) String() string {
	switch p {
	case CollisionOverwrite:
		return "Overwrite"
	case CollisionFail:
		return "Fail"
	}
	return fmt.Sprintf("CollisionPolicy(%d)", int(p))
}

// ProgressFn is called after each step is compiled (or fails to), with the number of steps done so far
// and the total. It is called from the worker goroutines, one call at a time.
type ProgressFn func(key trainstep.ShapeKey, done, total int)

// lowerFn and compileFn can be replaced in tests.
type (
	lowerFn   func(key trainstep.ShapeKey, opts trainstep.Options) (*trainstep.Lowered, error)
	compileFn func(key trainstep.ShapeKey, lowered *trainstep.Lowered) (*trainstep.Step, error)
)

// Orchestrator builds compilation caches. Create it with New.
type Orchestrator struct {
	topo           *topology.Topology
	maxParallelism int
	policy         CollisionPolicy
	progress       ProgressFn
	rounding       int
	useOffsetNoise bool
	stripBOSEOS    bool
	cacheDir       string

	lower   lowerFn
	compile compileFn
}

// Option configures an Orchestrator.
type Option func(o *Orchestrator)

// WithMaxParallelism limits the number of concurrent compilations. 0 (the default) uses
// runtime.NumCPU(), and a negative value is unlimited (one compilation per bucket).
func WithMaxParallelism(n int) Option {
	return func(o *Orchestrator) { o.maxParallelism = n }
}

// WithCollisionPolicy sets what to do when two buckets map to the same shape key.
// The default is CollisionOverwrite.
func WithCollisionPolicy(policy CollisionPolicy) Option {
	return func(o *Orchestrator) { o.policy = policy }
}

// WithProgress sets a function called as compilations finish.
func WithProgress(fn ProgressFn) Option {
	return func(o *Orchestrator) { o.progress = fn }
}

// WithRounding sets the rounding of the bucket dimensions. The default is buckets.DefaultRounding.
func WithRounding(rounding int) Option {
	return func(o *Orchestrator) { o.rounding = rounding }
}

// WithOptions sets the build time switches of the compiled steps. By default offset noise is disabled
// and the begin/end markers are stripped when stitching the text encoder windows.
func WithOptions(useOffsetNoise, stripBOSEOS bool) Option {
	return func(o *Orchestrator) {
		o.useOffsetNoise = useOffsetNoise
		o.stripBOSEOS = stripBOSEOS
	}
}

// WithCacheDir sets the persistent compilation cache directory, as returned by InitPersistentCache, where
// BuildCache writes its manifest. By default there is none.
func WithCacheDir(dir string) Option {
	return func(o *Orchestrator) { o.cacheDir = dir }
}

// New creates an Orchestrator for the topology.
func New(topo *topology.Topology, options ...Option) *Orchestrator {
	o := &Orchestrator{
		topo:        topo,
		rounding:    buckets.DefaultRounding,
		stripBOSEOS: true,
	}
	for _, opt := range options {
		opt(o)
	}
	if o.maxParallelism == 0 {
		o.maxParallelism = runtime.NumCPU()
	}
	return o
}

// stepOptions for the configuration.
func (o *Orchestrator) stepOptions(cfg *config.TrainingConfig) trainstep.Options {
	opts := trainstep.DefaultOptions(cfg.ContextWindowConcatenationCount, cfg.TextEncoderContextWindow)
	opts.UseOffsetNoise = o.useOffsetNoise
	opts.StripBOSEOS = o.stripBOSEOS
	return opts
}

// Plan returns the shape keys, in bucket order, that BuildCache compiles for cfg.
// Buckets repeated across the configured constraints yield repeated keys.
func (o *Orchestrator) Plan(cfg *config.TrainingConfig) ([]trainstep.ShapeKey, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	list, err := buckets.PlanAll(cfg.Constraints(), o.rounding)
	if err != nil {
		return nil, errors.Wrap(config.ErrConfiguration, err.Error())
	}
	keys := make([]trainstep.ShapeKey, len(list))
	for ii, bucket := range list {
		keys[ii] = trainstep.KeyFor(cfg.BatchSize, bucket, cfg.ContextWindowConcatenationCount, cfg.TextEncoderContextWindow)
	}
	return keys, nil
}

// BuildCache compiles the train step for every bucket of cfg, and returns the cache of compiled steps.
//
// The given states are not donated: they are only used to define the parameter shapes and shardings.
// The frozen vae and sched are kept by the cache and passed to every step it executes.
func (o *Orchestrator) BuildCache(unet, text *state.TrainableState, vae, sched *state.FrozenComponent,
	cfg *config.TrainingConfig) (*Cache, error) {
	keys, err := o.Plan(cfg)
	if err != nil {
		return nil, err
	}
	opts := o.stepOptions(cfg)
	if dups := duplicateKeys(keys); len(dups) > 0 {
		if o.policy == CollisionFail {
			return nil, errors.Wrapf(ErrShapeCollision, "%d repeated shape keys, first %s", len(dups), dups[0])
		}
		for _, key := range dups {
			klog.Warningf("bucket %s is planned more than once: the last compiled train step for %s is kept",
				key.Bucket(), key)
		}
	}

	lower := o.lower
	if lower == nil {
		lower = func(key trainstep.ShapeKey, opts trainstep.Options) (*trainstep.Lowered, error) {
			return trainstep.Lower(o.topo, unet, text, vae, sched, key, opts)
		}
	}
	compile := o.compile
	if compile == nil {
		compile = func(_ trainstep.ShapeKey, lowered *trainstep.Lowered) (*trainstep.Step, error) {
			return lowered.Compile()
		}
	}

	klog.Infof("compiling %d train steps (%d workers) on %s", len(keys), o.maxParallelism, o.topo)
	start := time.Now()
	c := &Cache{
		topo:    o.topo,
		opts:    opts,
		vae:     vae,
		sched:   sched,
		entries: make(map[trainstep.ShapeKey]*Executable, len(keys)),
	}
	var (
		mu   sync.Mutex
		done int
	)
	pool := workerspool.New(o.maxParallelism)
	for _, key := range keys {
		// The placeholder batch pins the shapes and dtypes of the step, and is released right after lowering.
		batch := trainstep.DummyBatch(key.BatchSize(), key.Bucket(), opts.WindowCount, opts.WindowLen)
		lowerStart := time.Now()
		lowered, err := lower(batch.ShapeKey(), opts)
		batch.FinalizeAll()
		if err != nil {
			_ = pool.Wait()
			c.Finalize()
			if errors.Is(err, trainstep.ErrUnsupportedPredictionType) {
				return nil, err
			}
			return nil, errors.Wrapf(ErrCompilationFailure, "lowering %s: %+v", key, err)
		}
		lowerElapsed := time.Since(lowerStart)
		klog.V(1).Infof("lowered train step %s in %s", key, lowerElapsed)

		pool.Go(func() error {
			compileStart := time.Now()
			step, err := compile(key, lowered)
			mu.Lock()
			defer mu.Unlock()
			done++
			if o.progress != nil {
				o.progress(key, done, len(keys))
			}
			if err != nil {
				return errors.WithMessagef(err, "bucket %s", key.Bucket())
			}
			e := &Executable{
				cache:          c,
				key:            key,
				step:           step,
				lowerElapsed:   lowerElapsed,
				compileElapsed: time.Since(compileStart),
			}
			if previous := c.entries[key]; previous != nil {
				previous.finalize()
			}
			c.entries[key] = e
			klog.V(1).Infof("compiled train step %s in %s", key, e.compileElapsed)
			return nil
		})
	}
	if err = pool.Wait(); err != nil {
		c.Finalize()
		return nil, errors.Wrapf(ErrCompilationFailure, "%+v", err)
	}
	klog.Infof("compiled %d train steps for %d buckets in %s", len(c.entries), len(keys),
		humanize.RelTime(start, time.Now(), "", ""))

	if o.cacheDir != "" {
		if _, err = writeManifest(o.cacheDir, newManifest(c)); err != nil {
			klog.Warningf("%+v", err)
		}
	}
	return c, nil
}

// duplicateKeys returns the keys that appear more than once, once per extra appearance.
func duplicateKeys(keys []trainstep.ShapeKey) []trainstep.ShapeKey {
	seen := make(map[trainstep.ShapeKey]struct{}, len(keys))
	var dups []trainstep.ShapeKey
	for _, key := range keys {
		if _, found := seen[key]; found {
			dups = append(dups, key)
			continue
		}
		seen[key] = struct{}{}
	}
	return dups
}
