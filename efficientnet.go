// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package efficientnet implements the EfficientNet family of convolutional backbones
// (B0...B8, L2, EdgeTPU S/M/L and Lite 0...4) for GoMLX.
//
// The networks are assembled from a compact per-stage table of block-definition strings
// (e.g. "ir_r2_k5_s2_e6_c40_se0.25") expanded under the variant's width/depth multipliers,
// reproducing the reference channel counts and repeat distribution so that externally
// trained weights remain compatible.
//
// Use it as a classifier or as a multi-scale feature extractor:
//
//	logits := efficientnet.BuildGraph(ctx, images, "efficientnet_b0").Done()
//
//	features, channels := efficientnet.BuildGraph(ctx, images, "efficientnet_b4").
//		PreTrained(dataDir).Trainable(false).FeatureStages()
//
// Like the rest of GoMLX, invalid configurations panic with an exception during graph
// building; catch them with exceptions.Try if needed.
package efficientnet

import (
	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
)

// Config is built with BuildGraph and configures how the EfficientNet graph is created.
// Once finished configuring, call Done for the classifier output or FeatureStages for the
// multi-scale backbone outputs.
type Config struct {
	ctx   *context.Context
	image *Node

	model  string
	def    variantDef
	global GlobalParams

	numClasses        int
	classificationTop bool
	channelsConfig    images.ChannelsAxisConfig
	trainable         bool
	dropPathSet       bool

	weightsDir string
	pretrained bool
}

// buildState collects the intermediate outputs of one network build.
type buildState struct {
	stageOutputs  []*Node
	stageChannels []int
	embedding     *Node // Pooled head output, shaped [batch, numFeatures].
}

// BuildGraph prepares the computation graph of an EfficientNet variant on top of a batch
// of images, shaped [batch, height, width, 3] (channels-last, the default) -- see
// Config.ChannelsAxis for channels-first inputs.
//
// model must be one of SupportedModels; anything else panics with a configuration error.
//
// The returned Config defaults to a trainable, randomly initialized classifier with 1000
// classes.
func BuildGraph(ctx *context.Context, image *Node, model string) *Config {
	def, found := variants[model]
	if !found {
		Panicf("model %q is not supported, available models: %v", model, SupportedModels())
	}
	return &Config{
		ctx:               ctx.In(model),
		image:             image,
		model:             model,
		def:               def,
		global:            def.global,
		numClasses:        1000,
		classificationTop: true,
		channelsConfig:    images.ChannelsLast,
		trainable:         true,
	}
}

// NumClasses sets the number of classes of the classifier layer. Default is 1000.
//
// When combined with PreTrained and a value other than 1000, the classifier layer is left
// freshly initialized and only the backbone weights are loaded.
func (c *Config) NumClasses(numClasses int) *Config {
	if numClasses <= 0 {
		Panicf("NumClasses must be > 0, got %d", numClasses)
	}
	c.numClasses = numClasses
	return c
}

// ClassificationTop sets whether to include the dropout + linear classifier on top of the
// pooled head. If disabled, Done returns the [batch, numFeatures] embedding instead of
// logits. Default is true.
func (c *Config) ClassificationTop(enabled bool) *Config {
	c.classificationTop = enabled
	return c
}

// ChannelsAxis configures whether the input image (and the feature outputs) use
// channels-last ([batch, height, width, channels], the default) or channels-first layout.
func (c *Config) ChannelsAxis(channelsConfig images.ChannelsAxisConfig) *Config {
	c.channelsConfig = channelsConfig
	return c
}

// Trainable sets whether the created variables are marked as trainable. Set to false when
// using the network as a frozen feature extractor or inside a metric. Default is true.
func (c *Config) Trainable(trainable bool) *Config {
	c.trainable = trainable
	return c
}

// DropPathRate overrides the family's maximum drop-path rate. The per-block rate grows
// linearly from 0 at the first block to this value at the last. Only has an effect during
// training.
func (c *Config) DropPathRate(rate float64) *Config {
	c.global.DropPathRate = rate
	c.dropPathSet = true
	return c
}

// Activation overrides the family's activation function.
func (c *Config) Activation(activation activations.Type) *Config {
	c.global.Activation = activation
	return c
}

// PadType overrides the family's convolution padding policy: "same", "valid", a decimal
// number of pixels, or "" for the symmetric default. All families ship with "same".
func (c *Config) PadType(padType string) *Config {
	c.global.PadType = padType
	return c
}

// PreTrained loads pretrained weights from baseDir, where they must have been previously
// downloaded and unpacked with DownloadAndUnpackWeights. The load is strict: every backbone
// variable must have a matching tensor of the same shape.
func (c *Config) PreTrained(baseDir string) *Config {
	c.weightsDir = baseDir
	c.pretrained = true
	return c
}

// Done builds the graph and returns the classifier logits, shaped [batch, numClasses] --
// or the pooled embedding [batch, numFeatures] if ClassificationTop(false) was set.
func (c *Config) Done() *Node {
	st := c.build()
	output := st.embedding
	if c.classificationTop {
		x := layers.DropoutStatic(c.ctx.In("dropout"), output, c.def.arch.DropoutRate)
		output = layers.DenseWithBias(c.ctx.In("classifier"), x, c.numClasses)
	}
	// Only finalize once all variables, classifier included, exist: pretrained loading and
	// the trainable flag enumerate the variables created so far.
	c.finalize()
	return output
}

// FeatureStages builds the graph as a multi-scale backbone and returns 5 feature maps of
// increasing stride, along with their channel counts. The groups are stem+stage0, stage1,
// stage2, stages 3-4 and the remaining stage(s), following the EfficientDet convention of
// cutting at every spatial reduction.
//
// Only defined for the reference 7-stage topology (or the 6-stage EdgeTPU one); any other
// stage count is a configuration error.
//
// Drop-path is disabled in this mode unless explicitly set with DropPathRate.
func (c *Config) FeatureStages() (features []*Node, channels []int) {
	if !c.dropPathSet {
		c.global.DropPathRate = 0
	}
	st := c.build()
	c.finalize()

	numStages := len(st.stageOutputs)
	if numStages != 6 && numStages != 7 {
		Panicf("unable to partition %s into feature stages: want 6 or 7 stages, got %d",
			c.model, numStages)
	}
	features = make([]*Node, 0, 5)
	channels = make([]int, 0, 5)
	for _, stageIdx := range []int{0, 1, 2, 4, numStages - 1} {
		feature := st.stageOutputs[stageIdx]
		if c.channelsConfig == images.ChannelsFirst {
			feature = TransposeAllDims(feature, 0, 3, 1, 2)
		}
		features = append(features, feature)
		channels = append(channels, st.stageChannels[stageIdx])
	}
	return features, channels
}

// build assembles stem, scaled stages and head, recording the per-stage outputs and
// channel counts.
func (c *Config) build() *buildState {
	ctx := c.ctx
	arch := c.def.arch
	global := c.global

	x := c.image
	x.AssertRank(4)
	if c.channelsConfig == images.ChannelsFirst {
		x = TransposeAllDims(x, 0, 2, 3, 1)
	}

	// Stem: 3x3 stride-2 convolution.
	stemChannels := c.def.stemSize
	if !c.def.fixStem {
		stemChannels = c.roundChannels(stemChannels)
	}
	x = conv2D(ctx.In("conv_stem"), x, global.PadType,
		convSpec{channels: stemChannels, kernelSize: 3, stride: 2})
	x = batchNorm(ctx.In("bn1"), x, global)
	x = activate(x, global)

	// Decode and scale the stage table, then instantiate blocks chaining channels: only
	// the first block of a stage may change stride or channel count.
	stages := decodeArchitecture(c.def.blockDef, arch.DepthMultiplier, c.def.fixFirstLast)
	totalLayers := 0
	for _, stage := range stages {
		totalLayers += len(stage)
	}
	st := &buildState{
		stageOutputs:  make([]*Node, 0, len(stages)),
		stageChannels: make([]int, 0, len(stages)),
	}
	inChannels := stemChannels
	layerIdx := 0
	for stageIdx, stage := range stages {
		for blockIdx, spec := range stage {
			if blockIdx > 0 {
				spec.Stride = 1
			}
			cfg := blockConfig{
				spec:         spec,
				inChannels:   inChannels,
				outChannels:  c.roundChannels(spec.OutChannel),
				dropPathRate: global.DropPathRate * float64(layerIdx) / float64(totalLayers),
				global:       global,
			}
			if spec.MidChannel > 0 {
				cfg.midChannels = c.roundChannels(spec.MidChannel)
			}
			blockCtx := ctx.In("blocks").Inf("%d_%d", stageIdx, blockIdx)
			x = spec.Type.build(blockCtx, x, cfg)
			inChannels = cfg.outChannels
			layerIdx++
		}
		st.stageOutputs = append(st.stageOutputs, x)
		st.stageChannels = append(st.stageChannels, inChannels)
	}

	// Head: 1x1 convolution to numFeatures, then global average pooling.
	numFeatures := c.def.numFeatures
	if numFeatures == 0 {
		numFeatures = c.roundChannels(1280)
	}
	x = conv2D(ctx.In("conv_head"), x, global.PadType,
		convSpec{channels: numFeatures, kernelSize: 1, stride: 1})
	x = batchNorm(ctx.In("bn2"), x, global)
	x = activate(x, global)
	st.embedding = ReduceMean(x, 1, 2)
	return st
}

func (c *Config) roundChannels(channels int) int {
	return roundChannels(channels, c.def.arch.ChannelMultiplier, c.global.ChannelDivisor, c.global.ChannelMin)
}

// finalize applies the pretrained weights and the trainable flag to the variables created
// by build.
func (c *Config) finalize() {
	if c.pretrained {
		// The classifier is only loadable with the pretrained 1000 classes.
		skipClassifier := c.numClasses != 1000
		err := loadUnpackedWeights(c.ctx, c.weightsDir, c.model, skipClassifier)
		if err != nil {
			panic(err)
		}
	}
	if !c.trainable {
		c.ctx.EnumerateVariablesInScope(func(v *context.Variable) {
			v.SetTrainable(false)
		})
	}
}
