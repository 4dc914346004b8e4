// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package classifier

import (
	"fmt"
	"io"

	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// EarlyStopHandler returns an EventHandler that evaluates the model on testDS every `every` steps of each epoch
// (at steps 0, every, 2*every, ...) and prints one line to out:
//
//	BatchID 0001, Loss 2.3, Acc 0.1
//
// Once the test accuracy is above threshold, it saves the parameters to savePath and stops the training.
func EarlyStopHandler(testDS train.Dataset, savePath string, every int, threshold float64, out io.Writer) EventHandler {
	if every <= 0 {
		every = 1
	}
	return func(t *Trainer, e Event) error {
		endStep, ok := e.(EndStepEvent)
		if !ok || endStep.Step%every != 0 {
			return nil
		}
		loss, accuracy, err := t.Test(testDS)
		if err != nil {
			return err
		}
		if _, err = fmt.Fprintf(out, "BatchID %04d, Loss %.2g, Acc %.2g\n", endStep.Step+1, loss, accuracy); err != nil {
			return errors.Wrap(err, "failed to print test results")
		}
		if accuracy > threshold {
			klog.Infof("test accuracy %.4f > %.4f at epoch %d, step %d: saving parameters to %q and stopping",
				accuracy, threshold, endStep.Epoch, endStep.Step, savePath)
			if err = t.Params().Save(savePath); err != nil {
				return err
			}
			t.Stop()
		}
		return nil
	}
}
