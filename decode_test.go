// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package efficientnet

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeBlockString(t *testing.T) {
	spec := decodeBlockString("ir_r2_k5_s2_e6_c40_se0.25")
	assert.Equal(t, BlockSpec{
		Type:       BlockInvertedResidual,
		Repeat:     2,
		KernelSize: 5,
		Stride:     2,
		ExpRatio:   6,
		OutChannel: 40,
		SERatio:    0.25,
	}, spec)

	spec = decodeBlockString("er_r1_k3_s1_e4_c24_m24_noskip")
	assert.Equal(t, BlockSpec{
		Type:       BlockEdgeResidual,
		Repeat:     1,
		KernelSize: 3,
		Stride:     1,
		ExpRatio:   4,
		OutChannel: 24,
		MidChannel: 24,
		NoSkip:     true,
	}, spec)

	// Key/value options are order-independent.
	assert.Equal(t,
		decodeBlockString("ir_r2_k5_s2_e6_c40_se0.25"),
		decodeBlockString("ir_se0.25_c40_e6_s2_k5_r2"))

	// Defaults when options are omitted.
	spec = decodeBlockString("ds_r1_c16")
	assert.Equal(t, 3, spec.KernelSize)
	assert.Equal(t, 1, spec.Stride)
	assert.Equal(t, 1.0, spec.ExpRatio)
	assert.False(t, spec.NoSkip)
}

func TestDecodeBlockStringErrors(t *testing.T) {
	require.Panics(t, func() { decodeBlockString("ir_k3_s1_e6_c16") }, "missing repeat")
	require.Panics(t, func() { decodeBlockString("ds_r0_c16") }, "zero repeat")
	require.Panics(t, func() { decodeBlockString("ir_r1_z3") }, "unknown option key")
	require.Panics(t, func() { decodeBlockString("xx_r1_k3") }, "unknown block type")
	require.Panics(t, func() { decodeBlockString("ir_r1_kabc") }, "malformed option")
}

func TestScaleStageRepeats(t *testing.T) {
	// Every substage keeps at least one repeat, and for multipliers >= 1 the scaled
	// counts sum to exactly ceil(sum(repeats)*multiplier). Shrinking multipliers can
	// overshoot the ceiling when the one-repeat floor kicks in.
	stageRepeats := [][]int{{1}, {2}, {3}, {4}, {2, 3}, {1, 1, 4}}
	multipliers := []float64{0.5, 1.0, 1.1, 1.2, 1.4, 1.8, 2.2, 2.6, 3.1, 3.6, 5.3}
	for _, repeats := range stageRepeats {
		total := 0
		for _, r := range repeats {
			total += r
		}
		for _, d := range multipliers {
			scaled := scaleStageRepeats(repeats, d)
			require.Len(t, scaled, len(repeats))
			sum := 0
			for _, rs := range scaled {
				require.GreaterOrEqual(t, rs, 1, "repeats=%v d=%v scaled=%v", repeats, d, scaled)
				sum += rs
			}
			want := int(math.Ceil(float64(total) * d))
			if d >= 1 {
				require.Equal(t, want, sum, "repeats=%v d=%v scaled=%v", repeats, d, scaled)
			} else {
				require.GreaterOrEqual(t, sum, want, "repeats=%v d=%v scaled=%v", repeats, d, scaled)
			}
		}
	}

	assert.Equal(t, []int{1}, scaleStageRepeats([]int{1}, 1.0))
	assert.Equal(t, []int{3}, scaleStageRepeats([]int{2}, 1.1))
	assert.Equal(t, []int{8}, scaleStageRepeats([]int{4}, 1.8))
}

func TestDecodeArchitecture(t *testing.T) {
	b0 := variants["efficientnet_b0"]
	stages := decodeArchitecture(b0.blockDef, 1.0, false)
	require.Len(t, stages, 7)
	wantLens := []int{1, 2, 2, 3, 3, 4, 1}
	for i, stage := range stages {
		assert.Len(t, stage, wantLens[i], "stage %d", i)
	}
	// First block of a repeated stage keeps its stride; the repeats are copies of the
	// same spec (the assembler forces their stride to 1).
	assert.Equal(t, 2, stages[1][0].Stride)
	assert.Equal(t, stages[1][0], stages[1][1])

	// Lite variants exempt the first and last stages from depth scaling.
	lite := variants["efficientnet_lite4"]
	stages = decodeArchitecture(lite.blockDef, 1.8, true)
	assert.Len(t, stages[0], 1)
	assert.Len(t, stages[len(stages)-1], 1)
	assert.Len(t, stages[1], 4) // ceil(2*1.8)
}

func TestRoundChannels(t *testing.T) {
	// Reference values for the B2 multiplier (1.1): these are load-bearing for weight
	// compatibility.
	assert.Equal(t, 16, roundChannels(16, 1.1, 8, 0))
	assert.Equal(t, 48, roundChannels(40, 1.1, 8, 0))
	assert.Equal(t, 88, roundChannels(80, 1.1, 8, 0))
	assert.Equal(t, 1408, roundChannels(1280, 1.1, 8, 0))

	// Multiplier 0 disables rounding.
	assert.Equal(t, 17, roundChannels(17, 0, 8, 0))

	for channel := 1; channel <= 320; channel++ {
		for _, multiplier := range []float64{0.35, 0.5, 1.0, 1.1, 1.4, 2.0, 4.3} {
			got := roundChannels(channel, multiplier, 8, 0)
			scaled := float64(channel) * multiplier
			require.GreaterOrEqual(t, got, 8, "channel=%d multiplier=%v", channel, multiplier)
			require.Zero(t, got%8, "channel=%d multiplier=%v got=%d", channel, multiplier, got)
			require.GreaterOrEqual(t, float64(got), 0.9*scaled,
				"channel=%d multiplier=%v got=%d", channel, multiplier, got)
		}
		// Idempotent under re-rounding.
		once := roundChannels(channel, 1.0, 8, 0)
		require.Equal(t, once, roundChannels(once, 1.0, 8, 0))
	}

	// Minimum channel floor.
	assert.Equal(t, 32, roundChannels(3, 1.0, 8, 32))
}

func TestSupportedModels(t *testing.T) {
	names := SupportedModels()
	assert.Len(t, names, len(variants))
	assert.Contains(t, names, "efficientnet_b0")
	assert.Contains(t, names, "efficientnet_edge_s")
	assert.Contains(t, names, "efficientnet_lite0")
	assert.IsIncreasing(t, names)

	arch, found := GetArchParams("efficientnet_b4")
	require.True(t, found)
	assert.Equal(t, ArchParams{1.4, 1.8, 380, 0.4}, arch)
	_, found = GetArchParams("resnet50")
	assert.False(t, found)
}
