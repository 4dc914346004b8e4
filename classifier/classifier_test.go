// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package classifier

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/datasets"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/vggcifar/cifar"
	"github.com/gomlx/vggcifar/vgg"

	_ "github.com/gomlx/gomlx/backends/default"
)

// newTestContext returns a context with a tiny version of VGG-16.
func newTestContext() *context.Context {
	ctx := context.New()
	ctx.SetParam(context.ParamInitialSeed, int64(42))
	ctx.SetParams(vgg.DefaultParams())
	ctx.SetParams(map[string]any{
		vgg.ParamBaseFilters: 2,
		vgg.ParamFCSize:      8,
	})
	return ctx
}

// newSyntheticDataset returns a dataset of random images, where example i has label i%10.
func newSyntheticDataset(t *testing.T, backend backends.Backend, numExamples, batchSize int, seed uint64) *datasets.InMemoryDataset {
	labels := make([]int64, numExamples)
	for ii := range labels {
		labels[ii] = int64(ii % cifar.NumClasses)
	}
	ds, err := datasets.InMemoryFromData(backend, fmt.Sprintf("synthetic-%d", seed),
		[]any{RandomPixels(numExamples, seed)},
		[]any{tensors.FromFlatDataAndDimensions(labels, numExamples, 1)})
	require.NoError(t, err)
	ds.BatchSize(batchSize, true)
	return ds
}

// eventsRecorder returns a handler that records the events, with the loss omitted.
func eventsRecorder(events *[]string, onEvent func(t *Trainer, e Event)) EventHandler {
	return func(t *Trainer, e Event) error {
		if endStep, ok := e.(EndStepEvent); ok {
			*events = append(*events, fmt.Sprintf("EndStep(%d, %d)", endStep.Epoch, endStep.Step))
		} else {
			*events = append(*events, e.String())
		}
		if onEvent != nil {
			onEvent(t, e)
		}
		return nil
	}
}

func TestPlace(t *testing.T) {
	assert.Equal(t, CPUPlace, PlaceFor(false))
	assert.Equal(t, CUDAPlace, PlaceFor(true))
	assert.True(t, CUDAPlace.UseCUDA())
	assert.Equal(t, "xla:cpu", CPUPlace.BackendConfig())
	assert.Equal(t, "xla:cuda", CUDAPlace.BackendConfig())
	assert.Equal(t, "cuda", CUDAPlace.String())

	place, err := ParsePlace(" GPU ")
	require.NoError(t, err)
	assert.Equal(t, CUDAPlace, place)
	_, err = ParsePlace("tpu")
	require.Error(t, err)

	assert.NotEmpty(t, DescribeHost())
}

func TestTrainerEvents(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ds := newSyntheticDataset(t, backend, 9, 4, 1) // 2 steps per epoch, the incomplete batch is dropped.
	var events []string
	var losses []float64
	trainer := NewTrainer(backend, newTestContext(), vgg.ModelGraph, eventsRecorder(&events, func(_ *Trainer, e Event) {
		if endStep, ok := e.(EndStepEvent); ok {
			losses = append(losses, endStep.Loss)
		}
	}))
	require.NoError(t, trainer.Train(ds, 2))
	assert.Equal(t, []string{
		"BeginEpoch(0)", "BeginStep(0, 0)", "EndStep(0, 0)", "BeginStep(0, 1)", "EndStep(0, 1)", "EndEpoch(0)",
		"BeginEpoch(1)", "BeginStep(1, 0)", "EndStep(1, 0)", "BeginStep(1, 1)", "EndStep(1, 1)", "EndEpoch(1)",
	}, events)
	require.Len(t, losses, 4)
	for _, loss := range losses {
		assert.Greater(t, loss, 0.0)
	}
	assert.False(t, trainer.Stopped())
	assert.NotEmpty(t, trainer.Params().RunID())

	require.Error(t, trainer.Train(ds, 0))
}

func TestTrainerStop(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ds := newSyntheticDataset(t, backend, 12, 4, 1)
	var events []string
	trainer := NewTrainer(backend, newTestContext(), vgg.ModelGraph, eventsRecorder(&events, func(t *Trainer, e Event) {
		if _, ok := e.(EndStepEvent); ok {
			t.Stop()
		}
	}))
	require.NoError(t, trainer.Train(ds, 3))
	assert.True(t, trainer.Stopped())
	assert.Equal(t, []string{"BeginEpoch(0)", "BeginStep(0, 0)", "EndStep(0, 0)", "EndEpoch(0)"}, events)
}

func TestTrainerHandlerError(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ds := newSyntheticDataset(t, backend, 8, 4, 1)
	trainer := NewTrainer(backend, newTestContext(), vgg.ModelGraph, func(_ *Trainer, e Event) error {
		if endStep, ok := e.(EndStepEvent); ok && endStep.Step == 1 {
			return errors.New("handler failure")
		}
		return nil
	})
	err := trainer.Train(ds, 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "handler failure")
}

func TestTrainerTest(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	trainDS := newSyntheticDataset(t, backend, 8, 4, 1)
	testDS := newSyntheticDataset(t, backend, 10, 5, 2)
	trainer := NewTrainer(backend, newTestContext(), vgg.ModelGraph, nil)
	require.NoError(t, trainer.Train(trainDS, 1))

	for range 2 { // The test dataset is reset, so it can be tested more than once.
		loss, accuracy, err := trainer.Test(testDS)
		require.NoError(t, err)
		assert.Greater(t, loss, 0.0)
		assert.GreaterOrEqual(t, accuracy, 0.0)
		assert.LessOrEqual(t, accuracy, 1.0)
	}
}

func TestEarlyStopHandler(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	trainDS := newSyntheticDataset(t, backend, 16, 4, 1)
	testDS := newSyntheticDataset(t, backend, 10, 5, 2)
	savePath := filepath.Join(t.TempDir(), "model")
	var out bytes.Buffer

	// Any accuracy is above the threshold: it stops after the first step.
	trainer := NewTrainer(backend, newTestContext(), vgg.ModelGraph,
		EarlyStopHandler(testDS, savePath, 10, -1, &out))
	require.NoError(t, trainer.Train(trainDS, 5))
	assert.True(t, trainer.Stopped())
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 1)
	assert.True(t, strings.HasPrefix(lines[0], "BatchID 0001, Loss "), "got %q", lines[0])
	assert.Contains(t, lines[0], ", Acc ")

	params, err := LoadParams(savePath)
	require.NoError(t, err)
	assert.Equal(t, trainer.Params().RunID(), params.RunID())

	// Threshold never reached: evaluates at steps 0 and 2 of each epoch, and never stops.
	out.Reset()
	savePath2 := filepath.Join(t.TempDir(), "model")
	trainer = NewTrainer(backend, newTestContext(), vgg.ModelGraph,
		EarlyStopHandler(testDS, savePath2, 2, 1.1, &out))
	require.NoError(t, trainer.Train(trainDS, 2))
	assert.False(t, trainer.Stopped())
	lines = strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 4)
	assert.True(t, strings.HasPrefix(lines[1], "BatchID 0003, "), "got %q", lines[1])
	_, err = os.Stat(savePath2)
	assert.True(t, os.IsNotExist(err))
}

// countCheckpoints counts the checkpoint metadata files in dir.
func countCheckpoints(t *testing.T, dir string) int {
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	count := 0
	for _, entry := range entries {
		if strings.HasSuffix(entry.Name(), ".json") {
			count++
		}
	}
	return count
}

func TestParamsSaveAndLoad(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ds := newSyntheticDataset(t, backend, 8, 4, 1)
	ctx := newTestContext()
	ctx.SetParams(map[string]any{
		ParamNumEpochs:         3,
		ParamTestEvery:         5,
		ParamAccuracyThreshold: 0.5,
	})
	trainer := NewTrainer(backend, ctx, vgg.ModelGraph, nil)
	require.NoError(t, trainer.Train(ds, 1))

	savePath := filepath.Join(t.TempDir(), "params")
	require.NoError(t, trainer.Params().Save(savePath))
	require.NoError(t, trainer.Params().Save(savePath))
	assert.Equal(t, 1, countCheckpoints(t, savePath), "saving again should replace the previous checkpoint")

	loaded, err := LoadParams(savePath)
	require.NoError(t, err)
	assert.Equal(t, trainer.Params().RunID(), loaded.RunID())
	assert.Equal(t, 2, context.GetParamOr(loaded.Context(), vgg.ParamBaseFilters, 0))
	for _, paramName := range RunOnlyParams {
		_, found := loaded.Context().GetParam(paramName)
		assert.False(t, found, "%q should not have been loaded", paramName)
	}

	numCompared := 0
	for v := range loaded.Context().IterVariables() {
		original := ctx.GetVariableByScopeAndName(v.Scope(), v.Name())
		require.NotNil(t, original, "variable %s not in the original context", v.ScopeAndName())
		if v.DType() != dtypes.Float32 {
			continue
		}
		assert.Equal(t, tensors.MustCopyFlatData[float32](original.MustValue()),
			tensors.MustCopyFlatData[float32](v.MustValue()), "variable %s", v.ScopeAndName())
		numCompared++
	}
	assert.Greater(t, numCompared, 0)

	_, err = LoadParams(filepath.Join(t.TempDir(), "missing"))
	require.Error(t, err)
}

func TestInferencer(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ds := newSyntheticDataset(t, backend, 8, 4, 1)
	trainer := NewTrainer(backend, newTestContext(), vgg.ModelGraph, nil)

	// No variables yet.
	_, err := NewInferencer(backend, trainer.Params(), vgg.InferenceGraph)
	require.Error(t, err)

	require.NoError(t, trainer.Train(ds, 1))
	inferencer, err := NewInferencer(backend, trainer.Params(), vgg.InferenceGraph)
	require.NoError(t, err)

	_, err = inferencer.Infer(map[string]*tensors.Tensor{InputLabel: tensors.FromValue([][]int64{{1}})})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"pixel"`)
	_, err = inferencer.Infer(map[string]*tensors.Tensor{InputPixel: tensors.FromScalarAndDimensions(float32(0), 3, 32, 32)})
	require.Error(t, err)
	_, err = inferencer.Infer(map[string]*tensors.Tensor{InputPixel: tensors.FromScalarAndDimensions(0.0, 1, 3, 32, 32)})
	require.Error(t, err, "Float64 pixels should be rejected")
	assert.Contains(t, err.Error(), "Float32")

	pixel := RandomPixels(1, 7)
	outputs, err := inferencer.Infer(map[string]*tensors.Tensor{InputPixel: pixel})
	require.NoError(t, err)
	require.Len(t, outputs, 1)
	require.NoError(t, outputs[0].Shape().Check(dtypes.Float32, 1, cifar.NumClasses))
	probs := tensors.MustCopyFlatData[float32](outputs[0])
	var sum float32
	for _, p := range probs {
		sum += p
	}
	assert.InDelta(t, 1.0, sum, 1e-4)

	// Same results from the saved and reloaded parameters.
	savePath := filepath.Join(t.TempDir(), "params")
	require.NoError(t, trainer.Params().Save(savePath))
	loaded, err := LoadParams(savePath)
	require.NoError(t, err)
	loadedInferencer, err := NewInferencer(backend, loaded, vgg.InferenceGraph)
	require.NoError(t, err)
	loadedOutputs, err := loadedInferencer.Infer(map[string]*tensors.Tensor{InputPixel: pixel})
	require.NoError(t, err)
	assert.InDeltaSlice(t, probs, tensors.MustCopyFlatData[float32](loadedOutputs[0]), 1e-5)

	// Classify an image of a different size.
	img := image.NewRGBA(image.Rect(0, 0, 64, 48))
	for y := range 48 {
		for x := range 64 {
			img.Set(x, y, color.RGBA{R: uint8(x * 4), G: uint8(y * 5), B: 128, A: 255})
		}
	}
	classIdx, classProbs, err := inferencer.Classify(img)
	require.NoError(t, err)
	require.Len(t, classProbs, cifar.NumClasses)
	for _, p := range classProbs {
		assert.LessOrEqual(t, p, classProbs[classIdx])
	}
}

func TestImageToPixel(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, cifar.Width, cifar.Height))
	for y := range cifar.Height {
		for x := range cifar.Width {
			img.Set(x, y, color.NRGBA{R: 255, G: 51, B: 0, A: 255})
		}
	}
	pixel := ImageToPixel(img)
	require.NoError(t, pixel.Shape().Check(dtypes.Float32, 1, cifar.Depth, cifar.Height, cifar.Width))
	values := tensors.MustCopyFlatData[float32](pixel)
	planeSize := cifar.Height * cifar.Width
	assert.InDelta(t, 1.0, values[0], 1e-6)
	assert.InDelta(t, 0.2, values[planeSize+5], 1e-6)
	assert.InDelta(t, 0.0, values[2*planeSize+planeSize-1], 1e-6)
}

func TestRandomPixels(t *testing.T) {
	a := tensors.MustCopyFlatData[float32](RandomPixels(2, 3))
	b := tensors.MustCopyFlatData[float32](RandomPixels(2, 3))
	require.Len(t, a, 2*cifar.Depth*cifar.Height*cifar.Width)
	assert.Equal(t, a, b)
	for _, v := range a {
		assert.GreaterOrEqual(t, v, float32(0))
		assert.Less(t, v, float32(1))
	}
}

func TestPrintResults(t *testing.T) {
	probs := tensors.FromValue([][]float32{
		{0.05, 0.05, 0.05, 0.55, 0.05, 0.05, 0.05, 0.05, 0.05, 0.05},
		{0.91, 0.01, 0.01, 0.01, 0.01, 0.01, 0.01, 0.01, 0.01, 0.01},
	})
	var out bytes.Buffer
	require.NoError(t, PrintResults(&out, probs, cifar.Labels))
	got := out.String()
	assert.True(t, strings.HasPrefix(got, "infer results: [0.0500 0.0500 0.0500 0.5500"), "got %q", got)
	assert.Contains(t, got, "cat")
	assert.Contains(t, got, "55.00%")
	assert.Contains(t, got, "airplane")
	assert.Contains(t, got, "91.00%")
}
