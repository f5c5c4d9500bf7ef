// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package efficientnet

import (
	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/layers/batchnorm"
)

// blockConfig is the immutable per-instantiation configuration of one block: the decoded
// spec (with the stride already forced to 1 for repeated instances), the resolved channel
// counts and the layer's interpolated drop-path rate.
type blockConfig struct {
	spec         BlockSpec
	inChannels   int
	outChannels  int // Already rounded.
	midChannels  int // Edge-residual only, already rounded; 0 means derive from inChannels.
	dropPathRate float64
	global       GlobalParams
}

// hasResidual reports whether the additive skip connection applies: shape-preserving
// (stride 1, input channels == output channels) and not suppressed by noskip.
func (cfg *blockConfig) hasResidual() bool {
	return cfg.spec.Stride == 1 && cfg.inChannels == cfg.outChannels && !cfg.spec.NoSkip
}

func (cfg *blockConfig) checkKernelAndStride() {
	if k := cfg.spec.KernelSize; k != 3 && k != 5 {
		Panicf("%s block: kernel size must be 3 or 5, got %d", cfg.spec.Type, k)
	}
	if s := cfg.spec.Stride; s != 1 && s != 2 {
		Panicf("%s block: stride must be 1 or 2, got %d", cfg.spec.Type, s)
	}
}

// build instantiates one block of this type. The dispatch is resolved on the enum value,
// decided once at decode time.
func (i BlockType) build(ctx *context.Context, x *Node, cfg blockConfig) *Node {
	switch i {
	case BlockDepthwiseSeparable:
		return depthwiseSeparableBlock(ctx, x, cfg)
	case BlockInvertedResidual:
		return invertedResidualBlock(ctx, x, cfg)
	case BlockEdgeResidual:
		return edgeResidualBlock(ctx, x, cfg)
	default:
		Panicf("invalid block type %d, valid values are %v", i, BlockTypeValues())
	}
	return nil
}

// batchNorm applies batch normalization over the channels axis with the family's epsilon
// and momentum.
func batchNorm(ctx *context.Context, x *Node, global GlobalParams) *Node {
	return batchnorm.New(ctx, x, -1).
		CurrentScope().
		Epsilon(global.BNEpsilon).
		Momentum(global.BNMomentum).
		Done()
}

// activate applies the family activation, optionally capped (ReLU6 for the Lite family).
func activate(x *Node, global GlobalParams) *Node {
	x = activations.Apply(global.Activation, x)
	if global.ActivationClip > 0 {
		x = MinScalar(x, global.ActivationClip)
	}
	return x
}

// dropPath applies drop-path (stochastic depth) to a residual branch with the given rate.
// No-op when the rate is zero or when not training.
func dropPath(ctx *context.Context, x *Node, rate float64) *Node {
	if rate <= 0 {
		return x
	}
	return layers.DropPath(ctx, x, Scalar(x.Graph(), x.DType(), rate))
}

// squeezeExcite is the channel-attention sub-block: global average pool to 1x1, a 1x1
// channel-reduction convolution (reduced channels derived from reductionBase and seRatio),
// activation, a 1x1 restoration convolution and a sigmoid gate multiplied against the
// pre-pool input.
func squeezeExcite(ctx *context.Context, x *Node, reductionBase int, seRatio float64, global GlobalParams) *Node {
	ctx = ctx.In("se")
	channels := x.Shape().Dimensions[x.Rank()-1]
	reduced := makeDivisible(float64(reductionBase)*seRatio, 1, 0)

	se := ReduceMean(x, 1, 2)  // [batch, channels]
	se = InsertAxes(se, 1, 1)  // Back to [batch, 1, 1, channels] for the 1x1 convolutions.
	se = conv2D(ctx.In("conv_reduce"), se, global.PadType,
		convSpec{channels: reduced, kernelSize: 1, stride: 1, bias: true})
	se = activate(se, global)
	se = conv2D(ctx.In("conv_expand"), se, global.PadType,
		convSpec{channels: channels, kernelSize: 1, stride: 1, bias: true})
	return Mul(x, Sigmoid(se))
}

// depthwiseSeparableBlock: depthwise conv -> BN -> activation -> optional squeeze-excite ->
// pointwise conv -> BN, with an optional drop-path'ed residual connection.
//
// Used in place of inverted-residual blocks with no expansion (see figure 7 of
// https://arxiv.org/abs/1807.11626).
func depthwiseSeparableBlock(ctx *context.Context, x *Node, cfg blockConfig) *Node {
	cfg.checkKernelAndStride()
	global := cfg.global
	residual := x

	x = conv2D(ctx.In("conv_dw"), x, global.PadType,
		convSpec{channels: cfg.inChannels, kernelSize: cfg.spec.KernelSize, stride: cfg.spec.Stride, depthwise: true})
	x = batchNorm(ctx.In("bn1"), x, global)
	x = activate(x, global)

	if cfg.spec.SERatio > 0 {
		x = squeezeExcite(ctx, x, cfg.inChannels, cfg.spec.SERatio, global)
	}

	x = conv2D(ctx.In("conv_pw"), x, global.PadType,
		convSpec{channels: cfg.outChannels, kernelSize: 1, stride: 1})
	x = batchNorm(ctx.In("bn2"), x, global)

	if cfg.hasResidual() {
		x = dropPath(ctx, x, cfg.dropPathRate)
		x = Add(x, residual)
	}
	return x
}

// invertedResidualBlock is the MNASNet/MobileNet-V2 bottleneck: pointwise expansion ->
// BN -> activation -> depthwise conv (carrying the stride) -> BN -> activation -> optional
// squeeze-excite -> pointwise linear projection -> BN, with an optional drop-path'ed
// residual connection.
func invertedResidualBlock(ctx *context.Context, x *Node, cfg blockConfig) *Node {
	cfg.checkKernelAndStride()
	global := cfg.global
	residual := x
	midChannels := makeDivisible(float64(cfg.inChannels)*cfg.spec.ExpRatio, global.ChannelDivisor, 0)

	x = conv2D(ctx.In("conv_pw"), x, global.PadType,
		convSpec{channels: midChannels, kernelSize: 1, stride: 1})
	x = batchNorm(ctx.In("bn1"), x, global)
	x = activate(x, global)

	x = conv2D(ctx.In("conv_dw"), x, global.PadType,
		convSpec{channels: midChannels, kernelSize: cfg.spec.KernelSize, stride: cfg.spec.Stride, depthwise: true})
	x = batchNorm(ctx.In("bn2"), x, global)
	x = activate(x, global)

	if cfg.spec.SERatio > 0 {
		// The reduction base is the block's input channels, not the expanded ones.
		x = squeezeExcite(ctx, x, cfg.inChannels, cfg.spec.SERatio, global)
	}

	x = conv2D(ctx.In("conv_pwl"), x, global.PadType,
		convSpec{channels: cfg.outChannels, kernelSize: 1, stride: 1})
	x = batchNorm(ctx.In("bn3"), x, global)

	if cfg.hasResidual() {
		x = dropPath(ctx, x, cfg.dropPathRate)
		x = Add(x, residual)
	}
	return x
}

// edgeResidualBlock replaces the pointwise expansion + depthwise pair with a single full
// convolution at the stage's kernel size (stride 1), followed by a pointwise linear
// projection that carries the stage's stride. Designed for EdgeTPU-friendly models.
func edgeResidualBlock(ctx *context.Context, x *Node, cfg blockConfig) *Node {
	cfg.checkKernelAndStride()
	global := cfg.global
	residual := x
	midBase := cfg.midChannels
	if midBase == 0 {
		midBase = cfg.inChannels
	}
	midChannels := makeDivisible(float64(midBase)*cfg.spec.ExpRatio, global.ChannelDivisor, 0)

	x = conv2D(ctx.In("conv_exp"), x, global.PadType,
		convSpec{channels: midChannels, kernelSize: cfg.spec.KernelSize, stride: 1})
	x = batchNorm(ctx.In("bn1"), x, global)
	x = activate(x, global)

	if cfg.spec.SERatio > 0 {
		x = squeezeExcite(ctx, x, cfg.inChannels, cfg.spec.SERatio, global)
	}

	x = conv2D(ctx.In("conv_pwl"), x, global.PadType,
		convSpec{channels: cfg.outChannels, kernelSize: 1, stride: cfg.spec.Stride})
	x = batchNorm(ctx.In("bn2"), x, global)

	if cfg.hasResidual() {
		x = dropPath(ctx, x, cfg.dropPathRate)
		x = Add(x, residual)
	}
	return x
}
