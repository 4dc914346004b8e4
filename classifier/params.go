// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package classifier

import (
	stdcontext "context"
	"os"

	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/vggcifar/internal/paramstore"
)

const (
	// ParamRunID is the context parameter with the unique id of the training run that created the parameters.
	ParamRunID = "run_id"

	// ParamNumEpochs is the number of epochs to train.
	ParamNumEpochs = "num_epochs"

	// ParamTestEvery is the number of training steps between evaluations on the test set.
	ParamTestEvery = "test_every"

	// ParamAccuracyThreshold is the test accuracy above which training stops.
	ParamAccuracyThreshold = "accuracy_threshold"
)

// RunOnlyParams are context parameters that only concern one run of the program.
// They are written along with the other hyperparameters by Params.Save, but LoadParams never reads them back.
var RunOnlyParams = []string{ParamNumEpochs, ParamTestEvery, ParamAccuracyThreshold}

// Params is the set of variables and hyperparameters of a model, stored in a context.
type Params struct {
	ctx *context.Context
}

// NewParams wraps the variables and hyperparameters in ctx.
func NewParams(ctx *context.Context) *Params {
	return &Params{ctx: ctx}
}

// Context holding the parameters.
func (p *Params) Context() *context.Context { return p.ctx }

// RunID of the training run that created the parameters, or "" if not known.
func (p *Params) RunID() string {
	return context.GetParamOr(p.ctx, ParamRunID, "")
}

// NumParameters returns the total number of scalar values in the variables.
func (p *Params) NumParameters() int {
	return p.ctx.NumParameters()
}

// Save the parameters to location: either a local directory or a "gs://bucket/prefix" location.
// Any previously saved parameters in location are replaced.
//
// The parameters are first written to a fresh staging directory, and then published as a whole.
func (p *Params) Save(location string) error {
	loc, err := paramstore.ParseLocation(location)
	if err != nil {
		return err
	}
	stagingDir, err := paramstore.StagingDir(loc)
	if err != nil {
		return err
	}
	published := false
	defer func() {
		if !published {
			_ = os.RemoveAll(stagingDir)
		}
	}()

	checkpoint, err := checkpoints.Build(p.ctx).
		Dir(stagingDir).
		Keep(1).
		Done()
	if err != nil {
		return errors.WithMessagef(err, "while preparing to save parameters to %s", loc)
	}
	if err = checkpoint.Save(); err != nil {
		return errors.WithMessagef(err, "while saving parameters to %s", loc)
	}
	if err = paramstore.ForLocation(loc).Publish(stdcontext.Background(), stagingDir, loc); err != nil {
		return err
	}
	published = true
	klog.V(1).Infof("saved %d parameters (run %s) to %s", p.NumParameters(), p.RunID(), loc)
	return nil
}

// LoadParams loads the parameters saved with Params.Save from location, into a new context.
// All variables are loaded immediately, and the parameters in RunOnlyParams are skipped.
func LoadParams(location string) (*Params, error) {
	loc, err := paramstore.ParseLocation(location)
	if err != nil {
		return nil, err
	}
	dir, cleanup, err := paramstore.ForLocation(loc).Fetch(stdcontext.Background(), loc)
	if err != nil {
		return nil, err
	}
	if cleanup != nil {
		defer cleanup()
	}
	ctx := context.New()
	if _, err = checkpoints.Build(ctx).
		Dir(dir).
		ExcludeParams(RunOnlyParams...).
		Immediate().
		Done(); err != nil {
		return nil, errors.WithMessagef(err, "while loading parameters from %s", loc)
	}
	if ctx.NumVariables() == 0 {
		return nil, errors.Errorf("no variables found in saved parameters in %s", loc)
	}
	p := &Params{ctx: ctx}
	klog.V(1).Infof("loaded %d parameters (run %s) from %s", p.NumParameters(), p.RunID(), loc)
	return p, nil
}
