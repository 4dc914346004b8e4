// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package classifier trains, saves and serves image classification models.
//
// It wraps the GoMLX training machinery (train.Trainer and train.Loop) with an event based API:
// an EventHandler receives every begin/end of epoch and step during Trainer.Train, and can evaluate
// the model (Trainer.Test), save its parameters (Params.Save) or stop the training (Trainer.Stop).
//
// Saved parameters are loaded back with LoadParams and served by an Inferencer.
package classifier

import (
	"io"
	"sync/atomic"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ModelScope is the context scope under which the model variables are created, both for training and inference.
const ModelScope = "model"

// Trainer trains a classification model: the model function must return the logits, and the labels are the
// sparse class index (Int64[batchSize, 1]).
//
// The loss is the mean softmax cross-entropy over the batch, and the optimizer is Adam, whose learning
// rate is read from the context parameter optimizers.ParamLearningRate (default 0.001).
type Trainer struct {
	backend backends.Backend
	ctx     *context.Context
	handler EventHandler
	trainer *train.Trainer

	accuracyMetric *metrics.MeanMetric
	stopped        atomic.Bool

	// ShowProgressBar attaches a progress bar to the training loop.
	ShowProgressBar bool
}

// NewTrainer creates a Trainer for the model built by modelFn, with variables stored in ctx.
// The handler is optional: if nil, events are ignored.
//
// If ctx has no ParamRunID parameter, a new one is created: it's saved along with the parameters.
func NewTrainer(backend backends.Backend, ctx *context.Context, modelFn train.ModelFn, handler EventHandler) *Trainer {
	if _, found := ctx.GetParam(ParamRunID); !found {
		ctx.SetParam(ParamRunID, uuid.NewString())
	}
	t := &Trainer{
		backend:        backend,
		ctx:            ctx,
		handler:        handler,
		accuracyMetric: metrics.NewSparseCategoricalAccuracy("Mean Accuracy", "#acc"),
	}
	movingAccuracyMetric := metrics.NewMovingAverageSparseCategoricalAccuracy("Moving Average Accuracy", "~acc", 0.01)
	t.trainer = train.NewTrainer(backend, ctx.In(ModelScope), modelFn,
		losses.SparseCategoricalCrossEntropyLogits,
		optimizers.Adam().Done(),
		[]metrics.Interface{movingAccuracyMetric}, // trainMetrics
		[]metrics.Interface{t.accuracyMetric})     // evalMetrics
	return t
}

// Backend used by the trainer.
func (t *Trainer) Backend() backends.Backend { return t.backend }

// Context holding the model variables and hyperparameters.
func (t *Trainer) Context() *context.Context { return t.ctx }

// Params returns the current parameters of the model being trained.
func (t *Trainer) Params() *Params { return &Params{ctx: t.ctx} }

// Stop the training: Train returns after the current step.
// It is safe to call from an EventHandler, or from another goroutine.
//
// Once stopped, the Trainer stays stopped: further calls to Train return immediately.
func (t *Trainer) Stop() { t.stopped.Store(true) }

// Stopped returns whether Stop was called.
func (t *Trainer) Stopped() bool { return t.stopped.Load() }

// emit calls the handler, if one is configured.
func (t *Trainer) emit(e Event) error {
	if t.handler == nil {
		return nil
	}
	klog.V(2).Infof("event %s", e)
	return t.handler(t, e)
}

// Train the model for numEpochs over ds, or until Stop is called.
//
// ds must return io.EOF at the end of each epoch, and is reset between epochs.
func (t *Trainer) Train(ds train.Dataset, numEpochs int) error {
	if numEpochs <= 0 {
		return errors.Errorf("Trainer.Train(): number of epochs must be > 0, got %d", numEpochs)
	}
	eventsDS := &eventsDataset{ds: ds, t: t}
	loop := train.NewLoop(t.trainer)
	if t.ShowProgressBar {
		commandline.AttachProgressBar(loop)
	}
	loop.OnStep("classifier.EndStepEvent", 0, func(_ *train.Loop, metrics []*tensors.Tensor) error {
		loss := shapes.ConvertTo[float64](metrics[0].Value())
		return t.emit(EndStepEvent{Epoch: eventsDS.epoch, Step: eventsDS.step, Loss: loss})
	})
	_, err := loop.RunEpochs(eventsDS, numEpochs)
	if err != nil {
		return errors.WithMessagef(err, "while training on %q", ds.Name())
	}
	klog.V(1).Infof("training finished after %d steps (stopped=%v), median step time %s",
		loop.LoopStep, t.Stopped(), loop.MedianTrainStepDuration())
	return nil
}

// Test evaluates the model over the whole ds, and returns the mean loss and accuracy.
// ds is reset before and after the evaluation, and it must return io.EOF at its end.
func (t *Trainer) Test(ds train.Dataset) (loss, accuracy float64, err error) {
	ds.Reset()
	values, err := t.trainer.Eval(ds)
	ds.Reset()
	if err != nil {
		return 0, 0, errors.WithMessagef(err, "while testing on %q", ds.Name())
	}
	for ii, metric := range t.trainer.EvalMetrics() {
		value := shapes.ConvertTo[float64](values[ii].Value())
		switch {
		case ii == 0:
			// The first evaluation metric is always the loss.
			loss = value
		case metric == metrics.Interface(t.accuracyMetric):
			accuracy = value
		}
	}
	return loss, accuracy, nil
}

// eventsDataset wraps the training dataset: it emits the begin events as batches are yielded, and
// it reports the end of the data once the Trainer is stopped.
type eventsDataset struct {
	ds train.Dataset
	t  *Trainer

	// epoch and step of the last yielded batch.
	epoch, step int
	inEpoch     bool
}

var _ train.Dataset = (*eventsDataset)(nil)

func (e *eventsDataset) Name() string { return e.ds.Name() }

func (e *eventsDataset) Reset() { e.ds.Reset() }

// IsOwnershipTransferred implements train.DatasetCustomOwnership, deferring to the wrapped dataset.
func (e *eventsDataset) IsOwnershipTransferred() bool {
	if ownership, ok := e.ds.(train.DatasetCustomOwnership); ok {
		return ownership.IsOwnershipTransferred()
	}
	return true
}

func (e *eventsDataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	if e.t.Stopped() {
		return nil, nil, nil, e.endEpoch()
	}
	spec, inputs, labels, err = e.ds.Yield()
	if err == io.EOF {
		return nil, nil, nil, e.endEpoch()
	}
	if err != nil {
		return
	}
	if !e.inEpoch {
		e.inEpoch = true
		e.step = 0
		err = e.t.emit(BeginEpochEvent{Epoch: e.epoch})
	} else {
		e.step++
	}
	if err == nil {
		err = e.t.emit(BeginStepEvent{Epoch: e.epoch, Step: e.step})
	}
	if err != nil {
		for _, tensor := range append(inputs, labels...) {
			tensor.MustFinalizeAll()
		}
		return nil, nil, nil, err
	}
	return
}

// endEpoch emits the EndEpochEvent, if an epoch is in progress, and returns io.EOF or the handler error.
func (e *eventsDataset) endEpoch() error {
	if !e.inEpoch {
		if !e.t.Stopped() {
			// Empty epoch.
			e.epoch++
		}
		return io.EOF
	}
	e.inEpoch = false
	err := e.t.emit(EndEpochEvent{Epoch: e.epoch})
	e.epoch++
	if err != nil {
		return err
	}
	return io.EOF
}
