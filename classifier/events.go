// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package classifier

import "fmt"

// Event is emitted by Trainer.Train to its EventHandler.
// It is one of BeginEpochEvent, EndEpochEvent, BeginStepEvent or EndStepEvent.
type Event interface {
	fmt.Stringer
	isEvent()
}

// BeginEpochEvent is emitted before the first step of each epoch.
type BeginEpochEvent struct {
	Epoch int
}

// EndEpochEvent is emitted after the last step of each epoch, including an epoch interrupted by Trainer.Stop.
type EndEpochEvent struct {
	Epoch int
}

// BeginStepEvent is emitted before each training step.
// Step counts the batches within the epoch, starting from 0.
type BeginStepEvent struct {
	Epoch, Step int
}

// EndStepEvent is emitted after each training step, with the loss of the batch.
type EndStepEvent struct {
	Epoch, Step int
	Loss        float64
}

func (BeginEpochEvent) isEvent() {}
func (EndEpochEvent) isEvent()   {}
func (BeginStepEvent) isEvent()  {}
func (EndStepEvent) isEvent()    {}

func (e BeginEpochEvent) String() string { return fmt.Sprintf("BeginEpoch(%d)", e.Epoch) }
func (e EndEpochEvent) String() string   { return fmt.Sprintf("EndEpoch(%d)", e.Epoch) }
func (e BeginStepEvent) String() string  { return fmt.Sprintf("BeginStep(%d, %d)", e.Epoch, e.Step) }
func (e EndStepEvent) String() string {
	return fmt.Sprintf("EndStep(%d, %d, loss=%.4g)", e.Epoch, e.Step, e.Loss)
}

// EventHandler is called synchronously for every event during Trainer.Train.
// It may call Trainer.Test, Trainer.Params or Trainer.Stop.
// An error interrupts the training, and is returned by Trainer.Train.
type EventHandler func(t *Trainer, e Event) error
