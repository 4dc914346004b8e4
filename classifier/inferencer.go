// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package classifier

import (
	"image"
	"math/rand/v2"
	"slices"
	"sync"

	"github.com/disintegration/imaging"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
	"k8s.io/klog/v2"

	"github.com/gomlx/vggcifar/cifar"
)

// Names of the model inputs.
const (
	InputPixel = "pixel"
	InputLabel = "label"
)

// InferenceFn builds the inference graph: it takes the pixel input and returns the probabilities of each class.
type InferenceFn func(ctx *context.Context, pixel *Node) *Node

// Inferencer runs the inference graph of a model with the given parameters.
// It is safe for concurrent use.
type Inferencer struct {
	backend backends.Backend
	params  *Params

	mu   sync.Mutex
	exec *context.Exec
}

// NewInferencer creates an Inferencer for the model built by inferenceFn, using params.
// The model variables must already exist in params (trained or loaded with LoadParams).
func NewInferencer(backend backends.Backend, params *Params, inferenceFn InferenceFn) (*Inferencer, error) {
	ctx := params.ctx.In(ModelScope)
	hasModelVariables := false
	for range ctx.IterVariablesInScope() {
		hasModelVariables = true
		break
	}
	if !hasModelVariables {
		return nil, errors.Errorf("NewInferencer(): no model variables in scope %q of params", ctx.Scope())
	}
	ctx = ctx.Reuse()
	exec, err := context.NewExec(backend, ctx, func(ctx *context.Context, pixel *Node) *Node {
		return inferenceFn(ctx, pixel)
	})
	if err != nil {
		return nil, errors.WithMessage(err, "NewInferencer() failed to create the inference executor")
	}
	if runID := params.RunID(); runID != "" {
		klog.V(1).Infof("inferencer using parameters from run %s", runID)
	}
	return &Inferencer{backend: backend, params: params, exec: exec}, nil
}

// Params used by the Inferencer.
func (inf *Inferencer) Params() *Params { return inf.params }

// Infer runs the model on the given feed, which must hold the InputPixel input, shaped
// [batchSize, cifar.Depth, cifar.Height, cifar.Width] with values in [0, 1].
// Other inputs (e.g. InputLabel) are ignored.
//
// It returns one tensor with the probabilities of each class, shaped [batchSize, numClasses].
func (inf *Inferencer) Infer(feed map[string]*tensors.Tensor) ([]*tensors.Tensor, error) {
	pixel, found := feed[InputPixel]
	if !found || pixel == nil {
		keys := maps.Keys(feed)
		slices.Sort(keys)
		return nil, errors.Errorf("Inferencer.Infer(): missing input %q in feed, got %q", InputPixel, keys)
	}
	shape := pixel.Shape()
	if shape.DType != dtypes.Float32 || shape.Rank() != 4 || shape.Dimensions[1] != cifar.Depth {
		return nil, errors.Errorf("Inferencer.Infer(): input %q must be Float32 shaped [batchSize, %d, height, width], got %s",
			InputPixel, cifar.Depth, shape)
	}
	inf.mu.Lock()
	defer inf.mu.Unlock()
	probs, err := inf.exec.Exec1(pixel)
	if err != nil {
		return nil, errors.WithMessage(err, "Inferencer.Infer() failed")
	}
	return []*tensors.Tensor{probs}, nil
}

// Classify an image of any size: it is resized to cifar.Width x cifar.Height, and it returns the
// most probable class and the probabilities of all classes.
func (inf *Inferencer) Classify(img image.Image) (classIdx int, probs []float32, err error) {
	pixel := ImageToPixel(img)
	outputs, err := inf.Infer(map[string]*tensors.Tensor{InputPixel: pixel})
	if err != nil {
		return 0, nil, err
	}
	probs = tensors.MustCopyFlatData[float32](outputs[0])
	for ii, p := range probs {
		if p > probs[classIdx] {
			classIdx = ii
		}
	}
	return classIdx, probs, nil
}

// ImageToPixel resizes img to cifar.Width x cifar.Height and converts it to a pixel tensor shaped
// [1, cifar.Depth, cifar.Height, cifar.Width], with values in [0, 1]. The alpha channel is dropped.
func ImageToPixel(img image.Image) *tensors.Tensor {
	resized := imaging.Resize(img, cifar.Width, cifar.Height, imaging.Lanczos)
	const planeSize = cifar.Height * cifar.Width
	values := make([]float32, cifar.Depth*planeSize)
	for h := range cifar.Height {
		for w := range cifar.Width {
			pixOffset := h*resized.Stride + w*4
			for d := range cifar.Depth {
				values[d*planeSize+h*cifar.Width+w] = float32(resized.Pix[pixOffset+d]) / 255
			}
		}
	}
	return tensors.FromFlatDataAndDimensions(values, 1, cifar.Depth, cifar.Height, cifar.Width)
}

// RandomPixels returns a pixel tensor shaped [n, cifar.Depth, cifar.Height, cifar.Width] with values
// uniformly sampled from [0, 1). The same seed always generates the same values.
func RandomPixels(n int, seed uint64) *tensors.Tensor {
	rng := rand.New(rand.NewPCG(seed, seed))
	values := make([]float32, n*cifar.Depth*cifar.Height*cifar.Width)
	for ii := range values {
		values[ii] = rng.Float32()
	}
	return tensors.FromFlatDataAndDimensions(values, n, cifar.Depth, cifar.Height, cifar.Width)
}
