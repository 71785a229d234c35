// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/aotdiffusion/pkg/buckets"
	"github.com/gomlx/aotdiffusion/pkg/compilecache"
	"github.com/gomlx/aotdiffusion/pkg/state"
	"github.com/gomlx/aotdiffusion/pkg/trainstep"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)
	oddRowStyle = lipgloss.NewStyle().Faint(false).
			PaddingLeft(1).PaddingRight(1).Align(lipgloss.Right)
	evenRowStyle = lipgloss.NewStyle().Faint(true).
			PaddingLeft(1).PaddingRight(1).Align(lipgloss.Right)
	redRowStyle = lipgloss.NewStyle().
			Foreground(lipgloss.AdaptiveColor{Light: "9", Dark: "9"}).
			Bold(true).
			PaddingLeft(1).PaddingRight(1).Align(lipgloss.Right)
	titleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 4, 1, 4)
)

// newTable with a header row; rows listed in reds are highlighted.
func newTable(reds map[int]bool, header ...string) *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, _ int) lipgloss.Style {
			switch {
			case row < 0:
				return headerRowStyle
			case reds[row]:
				return redRowStyle
			case row%2 == 0:
				return oddRowStyle
			default:
				return evenRowStyle
			}
		}).
		Headers(header...)
}

func newBucketsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "buckets",
		Short: "Lists the resolution buckets planned for the configuration",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			list, err := buckets.PlanAll(cfg.Constraints(), flags.rounding)
			if err != nil {
				return err
			}
			seen := make(map[buckets.Bucket]int)
			reds := make(map[int]bool)
			var rows [][]string
			row := 0
			for ii, c := range cfg.Constraints() {
				planned, err := buckets.Plan(c.MaxArea, c.MinMinorAxis, flags.rounding)
				if err != nil {
					return err
				}
				for _, b := range planned {
					note := ""
					if first, found := seen[b]; found {
						note = fmt.Sprintf("repeats #%d", first)
						reds[row] = true
					} else {
						seen[b] = row
					}
					rows = append(rows, []string{
						strconv.Itoa(row), strconv.Itoa(ii), strconv.Itoa(b.Width), strconv.Itoa(b.Height),
						humanize.Comma(int64(b.Area())), note,
					})
					row++
				}
			}
			table := newTable(reds, "#", "Constraint", "Width", "Height", "Area", "Note").Rows(rows...)
			fmt.Println(titleStyle.Render(fmt.Sprintf("%d buckets, %d distinct", len(list), len(buckets.Unique(list)))))
			fmt.Println(table.Render())
			return nil
		},
	}
}

func newCompileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "compile",
		Short: "Compiles the train step for every bucket and reports the cache",
		RunE: func(_ *cobra.Command, _ []string) error {
			s, err := newSetup()
			if err != nil {
				return err
			}
			cache, err := s.buildCache()
			if err != nil {
				return err
			}
			defer cache.Finalize()
			printCache(cache)
			return nil
		},
	}
}

func printCache(cache *compilecache.Cache) {
	table := newTable(nil, "Shape", "Bucket", "Lowering", "Compilation")
	for _, key := range cache.Keys() {
		e, err := cache.Lookup(trainstep.ZerosBatch(key))
		if err != nil {
			klog.Errorf("%+v", err)
			continue
		}
		table.Row(key.String(), key.Bucket().String(), e.LowerElapsed().String(), e.CompileElapsed().String())
	}
	fmt.Println(titleStyle.Render(fmt.Sprintf("%d compiled train steps", cache.Len())))
	fmt.Println(table.Render())
}

func newTrainCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Compiles all buckets and runs train steps on synthetic batches, cycling over the buckets",
		RunE: func(_ *cobra.Command, _ []string) error {
			s, err := newSetup()
			if err != nil {
				return err
			}
			cache, err := s.buildCache()
			if err != nil {
				return err
			}
			defer cache.Finalize()
			return train(s, cache)
		},
	}
	cmd.Flags().IntVar(&flags.steps, "steps", 10, "Number of train steps to run.")
	return cmd
}

// train runs flags.steps steps with placeholder batches, picking the bucket round-robin. The batch shape
// selects the compiled step.
func train(s *setup, cache *compilecache.Cache) error {
	rng, err := graph.RNGStateFromSeed(flags.seed)
	if err != nil {
		return err
	}
	last, err := runSteps(cache, s.components.UNet, s.components.TextEncoder, rng, flags.steps,
		func(step int, key trainstep.ShapeKey, result *compilecache.StepResult) {
			klog.Infof("step %d: bucket %s, loss=%.5f", step, key.Bucket(), result.Metrics.Loss)
		})
	if err != nil {
		return err
	}
	if last != nil {
		rng = last.RNG
	}
	return rng.FinalizeAll()
}

// runSteps runs steps train steps on zero-filled batches, cycling over the keys of the cache, and returns
// the result of the last one (nil if steps is 0).
//
// Each step is given the states and rng returned by the previous one. The rng states replaced along the way
// are freed, the given one included.
func runSteps(cache *compilecache.Cache, unet, text *state.TrainableState, rng *tensors.Tensor, steps int,
	onStep func(step int, key trainstep.ShapeKey, result *compilecache.StepResult)) (*compilecache.StepResult, error) {
	keys := cache.Keys()
	if len(keys) == 0 {
		return nil, errors.New("no compiled train steps")
	}
	var last *compilecache.StepResult
	for step := range steps {
		key := keys[step%len(keys)]
		batch := trainstep.ZerosBatch(key)
		e, err := cache.Lookup(batch)
		if err != nil {
			batch.FinalizeAll()
			return nil, err
		}
		result, err := e.Step(unet, text, batch, rng)
		batch.FinalizeAll()
		if err != nil {
			return nil, errors.WithMessagef(err, "train step #%d", step)
		}
		if err = rng.FinalizeAll(); err != nil {
			klog.Warningf("failed to free the rng state: %+v", err)
		}
		unet, text, rng = result.UNet, result.TextEncoder, result.RNG
		if onStep != nil {
			onStep(step, key, result)
		}
		last = result
	}
	return last, nil
}
