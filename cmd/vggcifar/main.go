// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// vggcifar trains a VGG-16 model with batch normalization and dropout on Cifar-10, saves its parameters,
// and then loads them back to classify one random image.
//
// It runs once for each of the -devices given, skipping the ones not available.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/vggcifar/cifar"
	"github.com/gomlx/vggcifar/classifier"
	"github.com/gomlx/vggcifar/vgg"

	_ "github.com/gomlx/gomlx/backends/default"
)

// ParamBatchSize is the batch size used both for training and testing.
const ParamBatchSize = "batch_size"

var (
	flagDataDir  = flag.String("data", "~/work/cifar", "Directory to cache downloaded and generated dataset files.")
	flagSavePath = flag.String("save_path", "image_classification_vgg.inference.model",
		"Where to save the trained parameters: a local directory or a Google Cloud Storage \"gs://bucket/prefix\".")
	flagDevices   = flag.String("devices", "cpu,cuda", "Comma separated devices to train and infer on: \"cpu\" and/or \"cuda\".")
	flagEpochs    = flag.Int("epochs", 1, "Number of epochs to train.")
	flagThreshold = flag.Float64("threshold", 0.01, "Training stops once the test accuracy is above this threshold.")
	flagTestEvery = flag.Int("test_every", 10, "Evaluate on the test set every these many training steps of each epoch.")
	flagProgress  = flag.Bool("progress", false, "Display a progress bar during training.")
)

// createDefaultContext sets the context with default hyperparameters.
func createDefaultContext() *context.Context {
	ctx := context.New()
	ctx.SetParams(vgg.DefaultParams())
	ctx.SetParams(map[string]any{
		ParamBatchSize:               128,
		optimizers.ParamLearningRate: 0.001,
	})
	return ctx
}

// setRunParams sets the parameters that only concern this run, from the flags.
// They are not restored when loading the saved parameters, see classifier.RunOnlyParams.
func setRunParams(ctx *context.Context) {
	ctx.SetParams(map[string]any{
		classifier.ParamNumEpochs:         *flagEpochs,
		classifier.ParamTestEvery:         *flagTestEvery,
		classifier.ParamAccuracyThreshold: *flagThreshold,
	})
}

// parseDevices parses the comma separated list of devices.
func parseDevices(devices string) ([]classifier.Place, error) {
	var places []classifier.Place
	for _, device := range strings.Split(devices, ",") {
		if strings.TrimSpace(device) == "" {
			continue
		}
		place, err := classifier.ParsePlace(device)
		if err != nil {
			return nil, err
		}
		places = append(places, place)
	}
	if len(places) == 0 {
		return nil, errors.Errorf("no devices given in %q", devices)
	}
	return places, nil
}

func main() {
	settings := commandline.CreateContextSettingsFlag(createDefaultContext(), "")
	klog.InitFlags(nil)
	flag.Parse()

	klog.Infof("host: %s", classifier.DescribeHost())
	places := must.M1(parseDevices(*flagDevices))
	must.M(cifar.Download(*flagDataDir))
	for _, place := range places {
		backend, err := classifier.NewBackend(place)
		if errors.Is(err, classifier.ErrPlaceUnavailable) {
			klog.Warningf("skipping device %s: %v", place, err)
			continue
		}
		must.M(err)
		ctx := createDefaultContext()
		paramsSet := must.M1(commandline.ParseContextSettings(ctx, *settings))
		setRunParams(ctx)
		klog.V(1).Infof("device %s, parameters set: %q\n%s", place, paramsSet, commandline.SprintContextSettings(ctx))

		fmt.Printf("Training on %s (%s):\n", place, backend.Name())
		must.M(trainModel(backend, ctx, *flagDataDir, *flagSavePath, *flagProgress, os.Stdout))
		must.M(infer(backend, *flagSavePath, uint64(time.Now().UnixNano()), os.Stdout))
	}
}

// trainModel trains a new model with the hyperparameters in ctx, printing the periodic evaluations to out.
//
// The parameters are saved to savePath as soon as the test accuracy goes above the threshold, or at the
// end of the training otherwise.
func trainModel(backend backends.Backend, ctx *context.Context, dataDir, savePath string, progressBar bool, out io.Writer) error {
	batchSize := context.GetParamOr(ctx, ParamBatchSize, 128)
	trainDS, testDS, err := cifar.NewDatasets(backend, dataDir, batchSize)
	if err != nil {
		return err
	}
	numEpochs := context.GetParamOr(ctx, classifier.ParamNumEpochs, 1)
	testEvery := context.GetParamOr(ctx, classifier.ParamTestEvery, 10)
	threshold := context.GetParamOr(ctx, classifier.ParamAccuracyThreshold, 0.01)

	trainer := classifier.NewTrainer(backend, ctx, vgg.ModelGraph,
		classifier.EarlyStopHandler(testDS, savePath, testEvery, threshold, out))
	trainer.ShowProgressBar = progressBar
	if err = trainer.Train(trainDS, numEpochs); err != nil {
		return err
	}
	if !trainer.Stopped() {
		klog.Infof("test accuracy never above %g: saving the final parameters to %q", threshold, savePath)
		if err = trainer.Params().Save(savePath); err != nil {
			return err
		}
	}
	return nil
}

// infer loads the parameters saved in savePath, and prints the classification of one random image.
func infer(backend backends.Backend, savePath string, seed uint64, out io.Writer) error {
	params, err := classifier.LoadParams(savePath)
	if err != nil {
		return err
	}
	klog.Infof("loaded %s", classifier.DescribeParams(params))
	inferencer, err := classifier.NewInferencer(backend, params, vgg.InferenceGraph)
	if err != nil {
		return err
	}
	outputs, err := inferencer.Infer(map[string]*tensors.Tensor{
		classifier.InputPixel: classifier.RandomPixels(1, seed),
	})
	if err != nil {
		return err
	}
	return classifier.PrintResults(out, outputs[0], cifar.Labels)
}
