// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package efficientnet

import (
	"strings"
	"testing"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildGraphUnsupportedModel(t *testing.T) {
	ctx := context.New()
	require.Panics(t, func() {
		BuildGraph(ctx, nil, "resnet50")
	})
	require.Panics(t, func() {
		BuildGraph(ctx, nil, "efficientnet_b0").NumClasses(0)
	})
}

func TestClassifier(t *testing.T) {
	backend := graphtest.BuildTestBackend()

	t.Run("channels-last", func(t *testing.T) {
		ctx := context.New()
		gotT := context.MustExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
			img := Ones(g, shapes.Make(dtypes.F32, 1, 256, 256, 3))
			return BuildGraph(ctx, img, "efficientnet_b0").Done()
		})
		require.NoError(t, gotT.Shape().Check(dtypes.F32, 1, 1000))
	})

	t.Run("channels-first", func(t *testing.T) {
		ctx := context.New()
		gotT := context.MustExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
			img := Ones(g, shapes.Make(dtypes.F32, 1, 3, 256, 256))
			return BuildGraph(ctx, img, "efficientnet_b0").
				ChannelsAxis(images.ChannelsFirst).
				Done()
		})
		require.NoError(t, gotT.Shape().Check(dtypes.F32, 1, 1000))
	})

	t.Run("custom-classes", func(t *testing.T) {
		ctx := context.New()
		gotT := context.MustExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
			img := Ones(g, shapes.Make(dtypes.F32, 1, 224, 224, 3))
			return BuildGraph(ctx, img, "efficientnet_b0").NumClasses(10).Done()
		})
		require.NoError(t, gotT.Shape().Check(dtypes.F32, 1, 10))
	})

	t.Run("embedding", func(t *testing.T) {
		ctx := context.New()
		gotT := context.MustExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
			img := Ones(g, shapes.Make(dtypes.F32, 1, 224, 224, 3))
			return BuildGraph(ctx, img, "efficientnet_b0").ClassificationTop(false).Done()
		})
		// B0 keeps the reference 1280 head features.
		require.NoError(t, gotT.Shape().Check(dtypes.F32, 1, 1280))
	})

	t.Run("frozen", func(t *testing.T) {
		ctx := context.New()
		_ = context.MustExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
			img := Ones(g, shapes.Make(dtypes.F32, 1, 224, 224, 3))
			return BuildGraph(ctx, img, "efficientnet_b0").Trainable(false).Done()
		})
		numClassifierVars := 0
		ctx.EnumerateVariables(func(v *context.Variable) {
			assert.False(t, v.Trainable, "variable %q should be frozen", v.ScopeAndName())
			if strings.Contains(v.Scope(), "/classifier") {
				numClassifierVars++
			}
		})
		// The classifier head must already exist when the freeze (and pretrained weight
		// loading) sweeps the variables.
		assert.NotZero(t, numClassifierVars)
	})
}

func TestFeatureStages(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	var channels []int
	features := context.MustExecOnceN(backend, ctx, func(ctx *context.Context, g *Graph) []*Node {
		img := Ones(g, shapes.Make(dtypes.F32, 1, 256, 256, 3))
		var nodes []*Node
		nodes, channels = BuildGraph(ctx, img, "efficientnet_b0").FeatureStages()
		return nodes
	})
	require.Len(t, features, 5)
	// B0 feature pyramid: strides 2 to 32 over a 256x256 input.
	assert.Equal(t, []int{16, 24, 40, 112, 320}, channels)
	wantSpatial := []int{128, 64, 32, 16, 8}
	for i, feature := range features {
		require.NoError(t,
			feature.Shape().Check(dtypes.F32, 1, wantSpatial[i], wantSpatial[i], channels[i]),
			"feature %d", i)
	}
}

func TestFeatureStagesEdge(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	var channels []int
	features := context.MustExecOnceN(backend, ctx, func(ctx *context.Context, g *Graph) []*Node {
		img := Ones(g, shapes.Make(dtypes.F32, 1, 224, 224, 3))
		var nodes []*Node
		// The EdgeTPU family has 6 stages; the last partition takes the final one.
		nodes, channels = BuildGraph(ctx, img, "efficientnet_edge_s").FeatureStages()
		return nodes
	})
	require.Len(t, features, 5)
	require.Len(t, channels, 5)
}

func TestLoadWeights(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	_ = context.MustExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
		x := Ones(g, shapes.Make(dtypes.F32, 1, 8, 8, 3))
		x = conv2D(ctx.In("conv"), x, "same", convSpec{channels: 4, kernelSize: 3, stride: 1})
		return batchNorm(ctx.In("bn"), x, testGlobalParams())
	})

	// Every variable needs an entry.
	err := LoadWeights(ctx, map[string]*tensors.Tensor{})
	require.ErrorContains(t, err, "no entry")

	// A complete, shape-matching map loads cleanly.
	weights := make(map[string]*tensors.Tensor)
	ctx.EnumerateVariablesInScope(func(v *context.Variable) {
		weights[relativeParameterName(ctx, v)] = v.MustValue()
	})
	require.NotEmpty(t, weights)
	require.NoError(t, LoadWeights(ctx, weights))

	// Shape mismatches are rejected.
	var anyName string
	for name := range weights {
		anyName = name
		break
	}
	good := weights[anyName]
	weights[anyName] = tensors.FromValue([]float32{1, 2, 3})
	err = LoadWeights(ctx, weights)
	require.ErrorContains(t, err, "shape")
	weights[anyName] = good

	// Entries that match no variable are rejected.
	weights["conv/no_such_parameter"] = tensors.FromValue([]float32{1})
	err = LoadWeights(ctx, weights)
	require.ErrorContains(t, err, "does not match any variable")
}

func TestDownloadAndUnpackWeightsValidation(t *testing.T) {
	err := DownloadAndUnpackWeights(t.TempDir(), "resnet50")
	require.ErrorContains(t, err, "not supported")
}
