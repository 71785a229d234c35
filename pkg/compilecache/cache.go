// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package compilecache

import (
	"cmp"
	"slices"
	"time"

	"github.com/gomlx/aotdiffusion/pkg/state"
	"github.com/gomlx/aotdiffusion/pkg/topology"
	"github.com/gomlx/aotdiffusion/pkg/trainstep"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
)

// Cache of compiled train steps, keyed by batch shape. It is read-only once built.
type Cache struct {
	topo    *topology.Topology
	opts    trainstep.Options
	vae     *state.FrozenComponent
	sched   *state.FrozenComponent
	entries map[trainstep.ShapeKey]*Executable
}

// Executable is the train step compiled for one shape key.
type Executable struct {
	cache          *Cache
	key            trainstep.ShapeKey
	step           *trainstep.Step
	lowerElapsed   time.Duration
	compileElapsed time.Duration
}

// StepResult is the result of Executable.Step.
type StepResult = trainstep.Result

// Len returns the number of compiled steps.
func (c *Cache) Len() int { return len(c.entries) }

// Options the steps were compiled with.
func (c *Cache) Options() trainstep.Options { return c.opts }

// Keys returns the shape keys in the cache, sorted by image width, height and batch size.
func (c *Cache) Keys() []trainstep.ShapeKey {
	keys := make([]trainstep.ShapeKey, 0, len(c.entries))
	for key := range c.entries {
		keys = append(keys, key)
	}
	slices.SortFunc(keys, func(a, b trainstep.ShapeKey) int {
		for ii := 3; ii >= 0; ii-- {
			if r := cmp.Compare(a.Image[ii], b.Image[ii]); r != 0 {
				return r
			}
		}
		for ii := range a.Tokens {
			if r := cmp.Compare(a.Tokens[ii], b.Tokens[ii]); r != 0 {
				return r
			}
		}
		return 0
	})
	return keys
}

// Lookup returns the executable compiled for the batch shape. It returns an error wrapping
// ErrShapeMismatch if there is none.
func (c *Cache) Lookup(batch *trainstep.Batch) (*Executable, error) {
	if err := batch.Validate(); err != nil {
		return nil, err
	}
	key := batch.ShapeKey()
	e, found := c.entries[key]
	if !found {
		return nil, errors.Wrapf(ErrShapeMismatch, "%s (bucket %s)", key, key.Bucket())
	}
	return e, nil
}

// Finalize frees all compiled steps. The cache can't be used afterward.
func (c *Cache) Finalize() {
	for _, e := range c.entries {
		e.finalize()
	}
	c.entries = nil
}

// Key the executable was compiled for.
func (e *Executable) Key() trainstep.ShapeKey { return e.key }

// LowerElapsed and CompileElapsed report the time spent building and compiling the step.
func (e *Executable) LowerElapsed() time.Duration   { return e.lowerElapsed }
func (e *Executable) CompileElapsed() time.Duration { return e.compileElapsed }

// Step executes one train step on batch, with the frozen latent encoder and scheduler of the cache.
//
// unet and text are donated: on return they are invalid and the states in the result must be used.
func (e *Executable) Step(unet, text *state.TrainableState, batch *trainstep.Batch, rng *tensors.Tensor) (*StepResult, error) {
	return e.step.Run(unet, text, e.cache.vae, e.cache.sched, batch, rng)
}

func (e *Executable) finalize() {
	if e.step != nil {
		e.step.Finalize()
	}
}
