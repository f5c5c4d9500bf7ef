// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package efficientnet

import (
	"math"
	"strconv"
	"strings"
	"unicode"

	. "github.com/gomlx/exceptions"
)

// BlockType enumerates the block variants a stage definition can instantiate.
type BlockType int

const (
	BlockDepthwiseSeparable BlockType = iota
	BlockInvertedResidual
	BlockEdgeResidual
)

//go:generate go tool enumer -type BlockType -trimprefix Block -output gen_blocktype_enumer.go decode.go

// blockTypeFromToken maps the leading token of a block-definition string to its BlockType.
var blockTypeFromToken = map[string]BlockType{
	"ds": BlockDepthwiseSeparable,
	"ir": BlockInvertedResidual,
	"er": BlockEdgeResidual,
}

// BlockSpec is the decoded form of one block-definition string.
// It is a build-time value: consumed when the blocks are instantiated and not retained
// by the finished network.
type BlockSpec struct {
	Type       BlockType
	Repeat     int
	KernelSize int
	Stride     int
	ExpRatio   float64 // Channel expansion ratio of the block's mid-channels.
	OutChannel int     // Unrounded: channel rounding is applied at instantiation time.
	MidChannel int     // Edge-residual only; 0 means derive from the input channels.
	SERatio    float64 // Squeeze-excite reduction ratio; 0 disables squeeze-excite.
	NoSkip     bool    // Suppress the residual connection even when shapes allow it.
}

// decodeBlockString parses one block-definition string, e.g. "ir_r2_k5_s2_e6_c40_se0.25".
//
// The grammar is the block-type token ("ds", "ir" or "er") followed by underscore-separated
// options, each a key immediately followed by its numeric value: r=repeat, k=kernel size,
// s=stride, e=expansion ratio, m=mid-channels, c=output channels, se=squeeze-excite ratio.
// The bare token "noskip" disables the residual connection.
//
// The repeat option is mandatory and must be at least 1; unknown keys or malformed values
// panic with a configuration error.
func decodeBlockString(def string) BlockSpec {
	parts := strings.Split(def, "_")
	blockType, found := blockTypeFromToken[parts[0]]
	if !found {
		Panicf("block definition %q: unknown block type %q", def, parts[0])
	}
	spec := BlockSpec{
		Type:       blockType,
		KernelSize: 3,
		Stride:     1,
		ExpRatio:   1.0,
	}
	hasRepeat := false
	for _, op := range parts[1:] {
		if op == "noskip" {
			spec.NoSkip = true
			continue
		}
		// Split at the first digit: leading alphabetic key, trailing numeric value.
		split := strings.IndexFunc(op, unicode.IsDigit)
		if split <= 0 {
			Panicf("block definition %q: malformed option %q", def, op)
		}
		key, value := op[:split], op[split:]
		switch key {
		case "r":
			spec.Repeat = parseIntOption(def, op, value)
			hasRepeat = true
		case "k":
			spec.KernelSize = parseIntOption(def, op, value)
		case "s":
			spec.Stride = parseIntOption(def, op, value)
		case "e":
			spec.ExpRatio = parseFloatOption(def, op, value)
		case "m":
			spec.MidChannel = parseIntOption(def, op, value)
		case "c":
			spec.OutChannel = parseIntOption(def, op, value)
		case "se":
			spec.SERatio = parseFloatOption(def, op, value)
		default:
			Panicf("block definition %q: unknown option key %q", def, key)
		}
	}
	if !hasRepeat {
		Panicf("block definition %q is missing the repeat (\"r\") option", def)
	}
	if spec.Repeat < 1 {
		Panicf("block definition %q: repeat must be >= 1, got %d", def, spec.Repeat)
	}
	return spec
}

func parseIntOption(def, op, value string) int {
	v, err := strconv.Atoi(value)
	if err != nil {
		Panicf("block definition %q: option %q is not a valid integer", def, op)
	}
	return v
}

func parseFloatOption(def, op, value string) float64 {
	v, err := strconv.ParseFloat(value, 64)
	if err != nil {
		Panicf("block definition %q: option %q is not a valid number", def, op)
	}
	return v
}

// scaleStageRepeats redistributes the per-substage repeat counts of one stage under the
// depth multiplier. The scaled counts always sum to exactly ceil(sum(repeats)*multiplier),
// and every substage keeps at least one repeat: walking the substages in reverse, each takes
// its proportional share (rounded) of what remains, and the remainders are carried over.
func scaleStageRepeats(repeats []int, depthMultiplier float64) []int {
	numRepeat := 0
	for _, r := range repeats {
		numRepeat += r
	}
	numRepeatScaled := int(math.Ceil(float64(numRepeat) * depthMultiplier))
	scaled := make([]int, len(repeats))
	for i := len(repeats) - 1; i >= 0; i-- {
		r := repeats[i]
		rs := int(math.Round(float64(r) / float64(numRepeat) * float64(numRepeatScaled)))
		if rs < 1 {
			rs = 1
		}
		scaled[i] = rs
		numRepeat -= r
		numRepeatScaled -= rs
	}
	return scaled
}

// decodeArchitecture decodes a per-stage table of block-definition strings and expands each
// stage into its scaled list of per-block specs, one entry per block instance.
//
// When fixFirstLast is set, the first and last stages are exempted from depth scaling and
// expand by their raw repeat counts.
func decodeArchitecture(blockDef [][]string, depthMultiplier float64, fixFirstLast bool) [][]BlockSpec {
	stages := make([][]BlockSpec, 0, len(blockDef))
	for stageIdx, defs := range blockDef {
		specs := make([]BlockSpec, len(defs))
		repeats := make([]int, len(defs))
		for i, def := range defs {
			specs[i] = decodeBlockString(def)
			repeats[i] = specs[i].Repeat
		}
		if !(fixFirstLast && (stageIdx == 0 || stageIdx == len(blockDef)-1)) {
			repeats = scaleStageRepeats(repeats, depthMultiplier)
		}
		var stage []BlockSpec
		for i, spec := range specs {
			for range repeats[i] {
				stage = append(stage, spec)
			}
		}
		stages = append(stages, stage)
	}
	return stages
}
