// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package buckets plans the fixed set of image resolutions ("buckets") a training run specializes
// one compiled train step for.
//
// Each Constraint bounds the image area (MaxArea) and the smaller image axis (MinMinorAxis). For every
// width w on the rounding grid between the minor-axis bound and the square root of the area, the
// height is clamped inverse-proportionally:
//
//	h = floor((maxArea / w) / rounding) * rounding
//
// which keeps w*h <= maxArea while maximizing h. The list is then mirrored (w and h swapped) to cover
// portrait orientations, emitting the square bucket only once.
//
// Example, for a 512x512 area budget with a minor axis of at least 256 and a rounding of 64:
//
//	b, _ := buckets.Plan(512*512, 256, 64)
//	// [256x1024 320x768 384x640 448x576 512x512 576x448 640x384 768x320 1024x256]
package buckets

import (
	"fmt"
	"math"

	"github.com/pkg/errors"
	"golang.org/x/exp/constraints"
)

// DefaultRounding is the rounding increment used for all buckets: latent encoders downsample by 8,
// and 64 keeps both latents and attention blocks aligned.
const DefaultRounding = 64

// Bucket is one image resolution a train step is specialized for.
type Bucket struct {
	Width, Height int
}

// String implements fmt.Stringer.
func (b Bucket) String() string {
	return fmt.Sprintf("%dx%d", b.Width, b.Height)
}

// Area of the bucket in pixels.
func (b Bucket) Area() int {
	return b.Width * b.Height
}

// IsSquare returns whether width and height are the same.
func (b Bucket) IsSquare() bool {
	return b.Width == b.Height
}

// Swapped returns the bucket with width and height exchanged.
func (b Bucket) Swapped() Bucket {
	return Bucket{Width: b.Height, Height: b.Width}
}

// Constraint bounds one family of buckets: the area budget and the minimum length of the minor
// (smaller) axis.
type Constraint struct {
	MaxArea      int
	MinMinorAxis int
}

// String implements fmt.Stringer.
func (c Constraint) String() string {
	return fmt.Sprintf("Constraint(area<=%d, minor>=%d)", c.MaxArea, c.MinMinorAxis)
}

// floorTo rounds v down to a multiple of step.
func floorTo[T constraints.Integer](v, step T) T {
	return (v / step) * step
}

// isqrt returns floor(sqrt(n)) for n >= 0, exact for all int values.
func isqrt(n int) int {
	r := int(math.Sqrt(float64(n)))
	for r*r > n {
		r--
	}
	for (r+1)*(r+1) <= n {
		r++
	}
	return r
}

// Plan returns the ordered buckets for one area budget.
//
// The first half of the result has width growing from the minor-axis bound up to the (rounded) square
// root of maxArea, the second half is the same list, reversed, with width and height swapped. If the
// last bucket of the first half is square it is not repeated.
//
// The result is deterministic and Plan has no side effects.
// Every bucket has width and height multiple of rounding and area <= maxArea. The minor axis is
// >= minMinorAxis whenever minMinorAxis is itself a multiple of rounding (otherwise the smallest
// width is minMinorAxis rounded down).
func Plan(maxArea, minMinorAxis, rounding int) ([]Bucket, error) {
	if rounding <= 0 {
		return nil, errors.Errorf("buckets.Plan: rounding must be positive, got %d", rounding)
	}
	if maxArea <= 0 {
		return nil, errors.Errorf("buckets.Plan: maxArea must be positive, got %d", maxArea)
	}
	first := floorTo(minMinorAxis, rounding)
	if first <= 0 {
		return nil, errors.Errorf("buckets.Plan: minMinorAxis (%d) must be at least the rounding (%d)",
			minMinorAxis, rounding)
	}
	centroid := isqrt(maxArea)
	last := floorTo(centroid, rounding)
	if last < first {
		return nil, errors.Errorf("buckets.Plan: no bucket fits: minMinorAxis=%d is larger than sqrt(maxArea=%d)=%d",
			minMinorAxis, maxArea, centroid)
	}

	landscape := make([]Bucket, 0, (last-first)/rounding+1)
	for w := first; w <= last; w += rounding {
		h := floorTo(maxArea/w, rounding)
		landscape = append(landscape, Bucket{Width: w, Height: h})
	}

	mirrored := landscape
	if landscape[len(landscape)-1].IsSquare() {
		mirrored = landscape[:len(landscape)-1]
	}
	result := make([]Bucket, 0, len(landscape)+len(mirrored))
	result = append(result, landscape...)
	for ii := len(mirrored) - 1; ii >= 0; ii-- {
		result = append(result, mirrored[ii].Swapped())
	}
	return result, nil
}

// PlanAll calls Plan for each constraint and concatenates the results in order.
//
// Buckets repeated across constraints are kept: see Duplicates to find them.
func PlanAll(constraints []Constraint, rounding int) ([]Bucket, error) {
	if len(constraints) == 0 {
		return nil, errors.New("buckets.PlanAll: no resolution constraints given")
	}
	var all []Bucket
	for ii, c := range constraints {
		b, err := Plan(c.MaxArea, c.MinMinorAxis, rounding)
		if err != nil {
			return nil, errors.WithMessagef(err, "constraint #%d (%s)", ii, c)
		}
		all = append(all, b...)
	}
	return all, nil
}

// Duplicates returns the buckets that appear more than once in the list, in order of their second
// appearance. Each repeated bucket is reported once per extra appearance.
func Duplicates(list []Bucket) []Bucket {
	seen := make(map[Bucket]struct{}, len(list))
	var dups []Bucket
	for _, b := range list {
		if _, found := seen[b]; found {
			dups = append(dups, b)
			continue
		}
		seen[b] = struct{}{}
	}
	return dups
}

// Unique returns the list with repeated buckets removed, keeping the first appearance.
func Unique(list []Bucket) []Bucket {
	seen := make(map[Bucket]struct{}, len(list))
	unique := make([]Bucket, 0, len(list))
	for _, b := range list {
		if _, found := seen[b]; found {
			continue
		}
		seen[b] = struct{}{}
		unique = append(unique, b)
	}
	return unique
}
