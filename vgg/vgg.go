// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package vgg implements the VGG-16 image classifier with batch normalization and dropout.
//
// The model takes "pixel" inputs shaped [batchSize, channels, height, width] (channels first), with values in
// [0, 1], and returns the logits for each class.
//
// The size of the model is configured with the hyperparameters (see the Param* constants) in the context.
// The defaults reproduce the original VGG-16 (~15M parameters in the convolutions plus ~19M in the dense layers).
package vgg

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/layers/batchnorm"
)

const (
	// ParamBaseFilters is the number of filters of the first convolution group.
	// The following groups use 2x, 4x, 8x and 8x as many. Default is 64.
	ParamBaseFilters = "vgg_base_filters"

	// ParamFCSize is the size of the two hidden dense layers. Default is 4096.
	ParamFCSize = "vgg_fc_size"

	// ParamFCDropoutRate is the dropout rate applied before each hidden dense layer. Default is 0.5.
	ParamFCDropoutRate = "vgg_fc_dropout_rate"

	// ParamConvDropoutScale multiplies the dropout rates of all convolution groups. Default is 1.0,
	// set to 0 to disable dropout in the convolutions.
	ParamConvDropoutScale = "vgg_conv_dropout_scale"

	// ParamBatchNormEpsilon is the epsilon used by all batch normalization layers. Default is 1e-5.
	ParamBatchNormEpsilon = "vgg_batchnorm_epsilon"

	// ParamNumClasses is the number of output classes. Default is 10.
	ParamNumClasses = "vgg_num_classes"
)

// Group describes one convolution group: one 3x3 convolution per dropout rate, followed by a 2x2 max-pool.
type Group struct {
	// FiltersMultiplier is multiplied by ParamBaseFilters to give the number of filters of the group.
	FiltersMultiplier int

	// DropoutRates of each convolution in the group. A value of 0 means no dropout after that convolution.
	DropoutRates []float64
}

// VGG16Groups are the 5 groups of VGG-16, with 13 convolutions in total.
var VGG16Groups = []Group{
	{1, []float64{0.3, 0}},
	{2, []float64{0.4, 0}},
	{4, []float64{0.4, 0.4, 0}},
	{8, []float64{0.4, 0.4, 0}},
	{8, []float64{0.4, 0.4, 0}},
}

// DefaultParams returns the hyperparameters of the original VGG-16.
func DefaultParams() map[string]any {
	return map[string]any{
		ParamBaseFilters:      64,
		ParamFCSize:           4096,
		ParamFCDropoutRate:    0.5,
		ParamConvDropoutScale: 1.0,
		ParamBatchNormEpsilon: 1e-5,
		ParamNumClasses:       10,
	}
}

// BatchNormRelu applies batch normalization over the last axis, followed by a ReLU.
func BatchNormRelu(ctx *context.Context, x *Node) *Node {
	epsilon := context.GetParamOr(ctx, ParamBatchNormEpsilon, 1e-5)
	x = batchnorm.New(ctx, x, -1).Epsilon(epsilon).Done()
	return activations.Relu(x)
}

// dropout is a no-op if rate is 0. Otherwise, it applies dropout during training only.
func dropout(ctx *context.Context, x *Node, rate float64) *Node {
	if rate <= 0 {
		return x
	}
	return layers.DropoutNormalize(ctx, x, Scalar(x.Graph(), x.DType(), rate), true)
}

// ConvGroup builds one group of 3x3 convolutions, each followed by batch normalization + ReLU and the
// given dropout rate, and finally a 2x2 max-pool with stride 2.
//
// x must be shaped [batchSize, height, width, channels] (channels last): spatial dimensions are halved.
func ConvGroup(ctx *context.Context, x *Node, numFilters int, dropoutRates []float64) *Node {
	x.AssertRank(4)
	for convIdx, rate := range dropoutRates {
		convCtx := ctx.Inf("%02d_conv", convIdx)
		x = layers.Convolution(convCtx, x).Filters(numFilters).KernelSize(3).PadSame().Done()
		x = BatchNormRelu(convCtx.In("batchnorm"), x)
		x = dropout(convCtx.In("dropout"), x, rate)
	}
	return MaxPool(x).Window(2).Strides(2).Done()
}

// Logits builds the VGG-16 model with batch normalization and dropout, and returns the logits shaped
// [batchSize, numClasses].
//
// pixel must be shaped [batchSize, channels, height, width], with height and width divisible by 32.
func Logits(ctx *context.Context, pixel *Node) *Node {
	pixel.AssertRank(4)
	batchSize := pixel.Shape().Dimensions[0]
	baseFilters := context.GetParamOr(ctx, ParamBaseFilters, 64)
	fcSize := context.GetParamOr(ctx, ParamFCSize, 4096)
	fcDropoutRate := context.GetParamOr(ctx, ParamFCDropoutRate, 0.5)
	convDropoutScale := context.GetParamOr(ctx, ParamConvDropoutScale, 1.0)
	numClasses := context.GetParamOr(ctx, ParamNumClasses, 10)

	// Convolutions are channels last.
	x := TransposeAllAxes(pixel, 0, 2, 3, 1)
	for groupIdx, group := range VGG16Groups {
		rates := make([]float64, len(group.DropoutRates))
		for ii, rate := range group.DropoutRates {
			rates[ii] = rate * convDropoutScale
		}
		x = ConvGroup(ctx.Inf("%03d_group", groupIdx), x, baseFilters*group.FiltersMultiplier, rates)
	}

	x = Reshape(x, batchSize, -1)
	x = dropout(ctx.In("fc_0_dropout"), x, fcDropoutRate)
	x = layers.Dense(ctx.In("fc_0"), x, true, fcSize)
	x = BatchNormRelu(ctx.In("fc_0_batchnorm"), x)
	x = dropout(ctx.In("fc_1_dropout"), x, fcDropoutRate)
	x = layers.Dense(ctx.In("fc_1"), x, true, fcSize)
	logits := layers.Dense(ctx.In("readout"), x, true, numClasses)
	logits.AssertDims(batchSize, numClasses)
	return logits
}

// ModelGraph implements train.ModelFn: inputs[0] is the "pixel" input, and it returns the logits.
func ModelGraph(ctx *context.Context, spec any, inputs []*Node) []*Node {
	return []*Node{Logits(ctx, inputs[0])}
}

// InferenceGraph returns the probabilities of each class, shaped [batchSize, numClasses].
func InferenceGraph(ctx *context.Context, pixel *Node) *Node {
	return Softmax(Logits(ctx, pixel), -1)
}
