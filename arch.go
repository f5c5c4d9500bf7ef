// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package efficientnet

import (
	"sort"

	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
)

// ArchParams hold the compound-scaling parameters of one model variant, as published
// in the EfficientNet paper (https://arxiv.org/abs/1905.11946).
type ArchParams struct {
	// ChannelMultiplier scales the output channels of every stage (also called width multiplier).
	ChannelMultiplier float64

	// DepthMultiplier scales the number of block repeats of every stage.
	DepthMultiplier float64

	// Resolution is the input image resolution the variant was trained with.
	// The model itself accepts any spatial size; this is informative for preprocessing pipelines.
	Resolution int

	// DropoutRate applied just before the classifier layer, during training.
	DropoutRate float64
}

// GlobalParams are the build parameters shared by the whole network, fixed per model family.
// They can be overridden with the Config setters before calling Config.Done.
type GlobalParams struct {
	// ChannelDivisor: channel counts are rounded to multiples of this value. See roundChannels.
	ChannelDivisor int

	// ChannelMin is the minimum channel count after rounding. If 0, defaults to ChannelDivisor.
	ChannelMin int

	// DropPathRate is the maximum drop-path (stochastic depth) rate. The effective rate grows
	// linearly with the block index, from 0 at the first block up to this value.
	DropPathRate float64

	// Activation used throughout the network.
	Activation activations.Type

	// ActivationClip, if > 0, caps the activation output at this value.
	// The Lite family uses Relu with ActivationClip=6 ("ReLU6").
	ActivationClip float64

	// PadType selects the padding policy for all convolutions: "same" (TF compatible),
	// "valid", a decimal number of pixels, or "" for the symmetric default.
	PadType string

	// BNEpsilon and BNMomentum configure all batch normalization layers.
	// The defaults are the TensorFlow reference values.
	BNEpsilon  float64
	BNMomentum float64
}

// TensorFlow reference batch normalization constants, used by all families.
const (
	tfBNEpsilon  = 1e-3
	tfBNMomentum = 0.99
)

// makeDivisible rounds v to the nearest multiple of divisor, never below minValue
// (which defaults to divisor when 0) and never losing more than 10% of v -- if nearest
// rounding would, it rounds up to the next multiple instead.
//
// This rounding policy reproduces the reference channel counts: deviating from it changes
// the parameter shapes and breaks compatibility with externally trained weights.
func makeDivisible(v float64, divisor, minValue int) int {
	if minValue <= 0 {
		minValue = divisor
	}
	rounded := int(v+float64(divisor)/2) / divisor * divisor
	if rounded < minValue {
		rounded = minValue
	}
	if float64(rounded) < 0.9*v {
		rounded += divisor
	}
	return rounded
}

// roundChannels scales channels by multiplier and rounds the result with makeDivisible.
// A multiplier of 0 disables scaling and rounding altogether.
func roundChannels(channels int, multiplier float64, divisor, minValue int) int {
	if multiplier == 0 {
		return channels
	}
	return makeDivisible(float64(channels)*multiplier, divisor, minValue)
}

// variantDef fully describes one supported model: its scaling parameters, the stage table
// encoded as block-definition strings (see decodeBlockString for the grammar) and the
// family-wide global parameters.
type variantDef struct {
	arch     ArchParams
	blockDef [][]string
	global   GlobalParams

	stemSize int
	fixStem  bool // Do not apply channel rounding to the stem.

	numFeatures  int  // Head channels; 0 means roundChannels(1280, ...).
	fixFirstLast bool // Exempt the first and last stages from depth scaling.
}

// efficientNetVariant returns the definition of a standard EfficientNet (B0...L2):
// the MNASNet-derived 7-stage table with squeeze-excite and Swish.
func efficientNetVariant(arch ArchParams) variantDef {
	return variantDef{
		arch: arch,
		blockDef: [][]string{
			{"ds_r1_k3_s1_e1_c16_se0.25"},
			{"ir_r2_k3_s2_e6_c24_se0.25"},
			{"ir_r2_k5_s2_e6_c40_se0.25"},
			{"ir_r3_k3_s2_e6_c80_se0.25"},
			{"ir_r3_k5_s1_e6_c112_se0.25"},
			{"ir_r4_k5_s2_e6_c192_se0.25"},
			{"ir_r1_k3_s1_e6_c320_se0.25"},
		},
		global: GlobalParams{
			ChannelDivisor: 8,
			DropPathRate:   0.2,
			Activation:     activations.TypeSwish,
			PadType:        "same",
			BNEpsilon:      tfBNEpsilon,
			BNMomentum:     tfBNMomentum,
		},
		stemSize: 32,
	}
}

// edgeVariant returns the definition of an EfficientNet-EdgeTPU model: 6 stages, the first
// three using edge-residual blocks, no squeeze-excite, plain ReLU.
func edgeVariant(arch ArchParams) variantDef {
	return variantDef{
		arch: arch,
		blockDef: [][]string{
			{"er_r1_k3_s1_e4_c24_m24_noskip"},
			{"er_r2_k3_s2_e8_c32"},
			{"er_r4_k3_s2_e8_c48"},
			{"ir_r5_k5_s2_e8_c96"},
			{"ir_r4_k5_s1_e8_c144"},
			{"ir_r2_k5_s2_e8_c192"},
		},
		global: GlobalParams{
			ChannelDivisor: 8,
			DropPathRate:   0.2,
			Activation:     activations.TypeRelu,
			PadType:        "same",
			BNEpsilon:      tfBNEpsilon,
			BNMomentum:     tfBNMomentum,
		},
		stemSize: 32,
	}
}

// liteVariant returns the definition of an EfficientNet-Lite model: the standard table
// without squeeze-excite, ReLU6, fixed stem width, fixed 1280 head channels and first/last
// stages exempted from depth scaling.
func liteVariant(arch ArchParams) variantDef {
	return variantDef{
		arch: arch,
		blockDef: [][]string{
			{"ds_r1_k3_s1_e1_c16"},
			{"ir_r2_k3_s2_e6_c24"},
			{"ir_r2_k5_s2_e6_c40"},
			{"ir_r3_k3_s2_e6_c80"},
			{"ir_r3_k5_s1_e6_c112"},
			{"ir_r4_k5_s2_e6_c192"},
			{"ir_r1_k3_s1_e6_c320"},
		},
		global: GlobalParams{
			ChannelDivisor: 8,
			DropPathRate:   0.2,
			Activation:     activations.TypeRelu,
			ActivationClip: 6,
			PadType:        "same",
			BNEpsilon:      tfBNEpsilon,
			BNMomentum:     tfBNMomentum,
		},
		stemSize:     32,
		fixStem:      true,
		numFeatures:  1280,
		fixFirstLast: true,
	}
}

// variants is the static table of supported models. Model lookup is by name on this map,
// never by symbol: unknown names are rejected with the list of supported ones.
var variants = map[string]variantDef{
	"efficientnet_b0":     efficientNetVariant(ArchParams{1.0, 1.0, 224, 0.2}),
	"efficientnet_b1":     efficientNetVariant(ArchParams{1.0, 1.1, 240, 0.2}),
	"efficientnet_b2":     efficientNetVariant(ArchParams{1.1, 1.2, 260, 0.3}),
	"efficientnet_b3":     efficientNetVariant(ArchParams{1.2, 1.4, 300, 0.3}),
	"efficientnet_b4":     efficientNetVariant(ArchParams{1.4, 1.8, 380, 0.4}),
	"efficientnet_b5":     efficientNetVariant(ArchParams{1.6, 2.2, 456, 0.4}),
	"efficientnet_b6":     efficientNetVariant(ArchParams{1.8, 2.6, 528, 0.5}),
	"efficientnet_b7":     efficientNetVariant(ArchParams{2.0, 3.1, 600, 0.5}),
	"efficientnet_b8":     efficientNetVariant(ArchParams{2.2, 3.6, 672, 0.5}),
	"efficientnet_l2":     efficientNetVariant(ArchParams{4.3, 5.3, 800, 0.5}),
	"efficientnet_l2_475": efficientNetVariant(ArchParams{4.3, 5.3, 475, 0.5}),

	"efficientnet_edge_s": edgeVariant(ArchParams{1.0, 1.0, 224, 0.2}),
	"efficientnet_edge_m": edgeVariant(ArchParams{1.0, 1.1, 240, 0.2}),
	"efficientnet_edge_l": edgeVariant(ArchParams{1.2, 1.4, 300, 0.3}),

	"efficientnet_lite0": liteVariant(ArchParams{1.0, 1.0, 224, 0.2}),
	"efficientnet_lite1": liteVariant(ArchParams{1.0, 1.1, 240, 0.2}),
	"efficientnet_lite2": liteVariant(ArchParams{1.1, 1.2, 260, 0.3}),
	"efficientnet_lite3": liteVariant(ArchParams{1.2, 1.4, 280, 0.3}),
	"efficientnet_lite4": liteVariant(ArchParams{1.4, 1.8, 300, 0.3}),
}

// SupportedModels returns the sorted list of model names accepted by BuildGraph.
func SupportedModels() []string {
	names := make([]string, 0, len(variants))
	for name := range variants {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// GetArchParams returns the compound-scaling parameters of the given model variant,
// and whether the variant is supported.
func GetArchParams(model string) (ArchParams, bool) {
	def, found := variants[model]
	return def.arch, found
}
