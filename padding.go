// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package efficientnet

import (
	"strconv"
	"strings"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
)

// resolvePadding translates a padding policy into a static per-edge padding amount, or flags
// the convolution as needing input-size dependent ("dynamic") TF-"SAME" padding.
//
//   - "valid": no padding.
//   - "same": TF compatible. When the stride is 1 and the effective kernel extent is even,
//     this reduces to a static symmetric padding with no runtime cost; otherwise the padding
//     depends on the input size and must be computed per shape (see samePadding).
//   - a decimal number: that exact symmetric padding.
//   - anything else (including ""): the PyTorch-style symmetric default, same formula as
//     the static "same" case.
func resolvePadding(padType string, kernelSize, stride, dilation int) (pad int, dynamic bool) {
	switch strings.ToLower(padType) {
	case "same":
		if stride == 1 && dilation*(kernelSize-1)%2 == 0 {
			return ((stride - 1) + dilation*(kernelSize-1)) / 2, false
		}
		return 0, true
	case "valid":
		return 0, false
	default:
		if p, err := strconv.Atoi(padType); err == nil {
			return p, false
		}
		return ((stride - 1) + dilation*(kernelSize-1)) / 2, false
	}
}

// samePadding returns the total padding required on one spatial axis for the output size to
// be ceil(inSize/stride), per the TF "SAME" convention:
// max(0, (ceil(in/stride)-1)*stride + (kernel-1)*dilation + 1 - in).
func samePadding(inSize, kernelSize, stride, dilation int) int {
	pad := (ceilDiv(inSize, stride)-1)*stride + (kernelSize-1)*dilation + 1 - inSize
	return max(pad, 0)
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}

// padSameDynamic zero-pads x (shaped [batch, height, width, channels]) for TF-"SAME"
// convolution. The split is asymmetric: the leading edge takes the floor half, the trailing
// edge the remainder. Graph shapes are static, so the amounts resolve at graph-build time
// and the result is reproducible for a given input shape.
func padSameDynamic(x *Node, kernelSize, stride, dilation int) *Node {
	dims := x.Shape().Dimensions
	padH := samePadding(dims[1], kernelSize, stride, dilation)
	padW := samePadding(dims[2], kernelSize, stride, dilation)
	if padH == 0 && padW == 0 {
		return x
	}
	zero := ScalarZero(x.Graph(), x.DType())
	return Pad(x, zero,
		PadAxis{},
		PadAxis{Start: padH / 2, End: padH - padH/2},
		PadAxis{Start: padW / 2, End: padW - padW/2},
		PadAxis{})
}

// convSpec is the immutable configuration of one convolution instantiation.
type convSpec struct {
	channels   int
	kernelSize int
	stride     int
	dilation   int // 0 is treated as 1.
	depthwise  bool
	bias       bool
}

// conv2D builds a 2D convolution over x (shaped [batch, height, width, channels]) with the
// network padding policy applied up-front: the input is explicitly zero-padded (statically
// or per the dynamic "SAME" rule) and the convolution itself runs unpadded. Kernel weights
// live in the given context scope.
func conv2D(ctx *context.Context, x *Node, padType string, spec convSpec) *Node {
	dilation := spec.dilation
	if dilation == 0 {
		dilation = 1
	}
	pad, dynamic := resolvePadding(padType, spec.kernelSize, spec.stride, dilation)
	if dynamic {
		x = padSameDynamic(x, spec.kernelSize, spec.stride, dilation)
	} else if pad > 0 {
		zero := ScalarZero(x.Graph(), x.DType())
		x = Pad(x, zero,
			PadAxis{},
			PadAxis{Start: pad, End: pad},
			PadAxis{Start: pad, End: pad},
			PadAxis{})
	}
	conv := layers.Convolution(ctx, x).
		CurrentScope().
		Channels(spec.channels).
		KernelSize(spec.kernelSize).
		Strides(spec.stride).
		UseBias(spec.bias).
		NoPadding()
	if dilation != 1 {
		conv.Dilations(dilation)
	}
	if spec.depthwise {
		inputChannels := x.Shape().Dimensions[x.Rank()-1]
		conv.ChannelGroupCount(inputChannels)
	}
	return conv.Done()
}
