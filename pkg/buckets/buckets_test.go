// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package buckets

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// oracleHeight is the reference formula for the height of a width.
func oracleHeight(maxArea, w, rounding int) int {
	return int(float64(maxArea)/float64(w)) / rounding * rounding
}

func TestPlan(t *testing.T) {
	t.Run("512x512", func(t *testing.T) {
		got, err := Plan(512*512, 256, 64)
		require.NoError(t, err)
		want := []Bucket{
			{256, 1024}, {320, 768}, {384, 640}, {448, 576}, {512, 512},
			{576, 448}, {640, 384}, {768, 320}, {1024, 256},
		}
		assert.Equal(t, want, got)
		assert.Contains(t, got, Bucket{448, oracleHeight(262144, 448, 64)})
	})

	t.Run("SquareDropped", func(t *testing.T) {
		got, err := Plan(600*600, 512, 64)
		require.NoError(t, err)
		assert.Equal(t, []Bucket{{512, 640}, {576, 576}, {640, 512}}, got)
	})

	t.Run("NoSquare", func(t *testing.T) {
		got, err := Plan(300_000, 512, 64)
		require.NoError(t, err)
		assert.Equal(t, []Bucket{{512, 576}, {576, 512}}, got)
	})

	t.Run("Errors", func(t *testing.T) {
		for _, tc := range []struct {
			name                        string
			maxArea, minMinor, rounding int
		}{
			{"zero rounding", 512 * 512, 256, 0},
			{"negative area", -1, 256, 64},
			{"minor below rounding", 512 * 512, 32, 64},
			{"minor above centroid", 256 * 256, 512, 64},
		} {
			_, err := Plan(tc.maxArea, tc.minMinor, tc.rounding)
			assert.Errorf(t, err, "case %q should have failed", tc.name)
		}
	})
}

func TestPlanProperties(t *testing.T) {
	for _, root := range []int{256, 320, 512, 576, 600, 704, 832, 960, 1000, 1088} {
		for _, minor := range []int{64, 128, 256, 384, 512} {
			for _, rounding := range []int{8, 32, 64} {
				maxArea := root * root
				got, err := Plan(maxArea, minor, rounding)
				if minor > root {
					require.Error(t, err)
					continue
				}
				require.NoError(t, err)

				counts := make(map[Bucket]int, len(got))
				squares := 0
				for _, b := range got {
					require.Zerof(t, b.Width%rounding, "width of %s not multiple of %d", b, rounding)
					require.Zerof(t, b.Height%rounding, "height of %s not multiple of %d", b, rounding)
					require.LessOrEqualf(t, b.Area(), maxArea, "bucket %s larger than area %d", b, maxArea)
					require.GreaterOrEqual(t, min(b.Width, b.Height), minor)
					counts[b]++
					if b.IsSquare() {
						squares++
					}
				}
				require.LessOrEqual(t, squares, 1)
				for b, n := range counts {
					require.Equalf(t, 1, n, "bucket %s emitted %d times", b, n)
					require.Equalf(t, 1, counts[b.Swapped()], "bucket %s has no mirror", b)
				}

				// Landscape half follows the height formula exactly.
				for _, b := range got[:len(got)/2+1] {
					if b.Width > b.Height {
						break
					}
					require.Equal(t, oracleHeight(maxArea, b.Width, rounding), b.Height)
				}
			}
		}
	}
}

func TestPlanAll(t *testing.T) {
	constraints := []Constraint{
		{MaxArea: 576 * 576, MinMinorAxis: 384},
		{MaxArea: 704 * 704, MinMinorAxis: 512},
	}
	all, err := PlanAll(constraints, DefaultRounding)
	require.NoError(t, err)
	first, _ := Plan(576*576, 384, 64)
	second, _ := Plan(704*704, 512, 64)
	assert.Equal(t, append(append([]Bucket{}, first...), second...), all)

	_, err = PlanAll(nil, DefaultRounding)
	require.Error(t, err)

	_, err = PlanAll([]Constraint{{MaxArea: 64 * 64, MinMinorAxis: 512}}, DefaultRounding)
	require.ErrorContains(t, err, "constraint #0")
}

func TestDuplicates(t *testing.T) {
	// The same constraint twice yields every bucket twice.
	c := Constraint{MaxArea: 512 * 512, MinMinorAxis: 256}
	all, err := PlanAll([]Constraint{c, c}, DefaultRounding)
	require.NoError(t, err)
	dups := Duplicates(all)
	assert.Len(t, dups, len(all)/2)
	assert.Len(t, Unique(all), len(all)/2)

	distinct, err := Plan(512*512, 256, 64)
	require.NoError(t, err)
	assert.Empty(t, Duplicates(distinct))
}
