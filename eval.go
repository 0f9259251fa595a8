// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

package nn

import (
	"errors"
	"log/slog"
	"math"
)

// Metric accumulates a scalar evaluation result over batches of
// predictions. Update consumes logits [batch, classes] and gold labels;
// Accumulate returns the result over everything seen since Reset.
type Metric interface {
	Reset()
	Update(logits *Tensor, labels []int)
	Accumulate() float64
	Name() string
}

// Accuracy is the fraction of examples whose argmax logit matches the
// gold label.
type Accuracy struct {
	correct, total int
}

// Reset clears the counters.
func (a *Accuracy) Reset() { a.correct, a.total = 0, 0 }

// Update scores one batch of logits against its labels.
func (a *Accuracy) Update(logits *Tensor, labels []int) {
	dims := logits.Shape().DimsRef()
	batch, classes := dims[0], dims[1]
	data := logits.DataPtr()
	for b := 0; b < batch; b++ {
		pred, _ := argmax(data[b*classes : (b+1)*classes])
		if pred == labels[b] {
			a.correct++
		}
	}
	a.total += batch
}

// Accumulate returns accuracy in [0, 1], or 0 with nothing seen.
func (a *Accuracy) Accumulate() float64 {
	if a.total == 0 {
		return 0
	}
	return float64(a.correct) / float64(a.total)
}

// Name returns the metric identifier.
func (a *Accuracy) Name() string { return "acc" }

// Evaluate runs the model over a dataset at the given width and returns
// the metric result. The model is switched to evaluation mode for the
// duration and restored to its prior mode on every exit path, so a
// mid-training evaluation never leaves dropout disabled.
func Evaluate(m *Classifier, metric Metric, loader Loader, spec WidthSpec) (float64, error) {
	if loader == nil {
		return 0, errors.New("evaluate: nil loader")
	}
	if err := spec.Validate(m.Config()); err != nil {
		return 0, err
	}

	prev := m.SetTraining(false)
	defer m.SetTraining(prev)

	metric.Reset()
	loader.Reset()
	for {
		batch, ok := loader.Next()
		if !ok {
			break
		}
		res, err := m.ForwardWidth(batch.InputIDs, batch.SegmentIDs, spec)
		if err != nil {
			return 0, err
		}
		metric.Update(res.Logits, batch.Labels)
	}
	return metric.Accumulate(), nil
}

// CheckpointSelector tracks the single best evaluation result seen across
// the whole training run, over every width and the teacher alike, and
// persists the student supernet whenever the best strictly improves.
// Equal results do not trigger a save; the earlier checkpoint stands.
type CheckpointSelector struct {
	best      float64
	outputDir string
	tok       *Tokenizer
	saves     int
}

// NewCheckpointSelector creates a selector writing to outputDir. The
// initial best is -Inf so any real result, including a negative or zero
// metric, triggers the first save.
func NewCheckpointSelector(outputDir string, tok *Tokenizer) *CheckpointSelector {
	return &CheckpointSelector{best: math.Inf(-1), outputDir: outputDir, tok: tok}
}

// Best returns the best result seen so far.
func (c *CheckpointSelector) Best() float64 { return c.best }

// Saves returns how many checkpoints have been written.
func (c *CheckpointSelector) Saves() int { return c.saves }

// Consider records an evaluation result and, if it strictly beats the
// running best, saves the student model (and tokenizer) to the output
// directory, overwriting the previous checkpoint.
func (c *CheckpointSelector) Consider(result float64, student *Classifier) (bool, error) {
	if result <= c.best {
		return false, nil
	}
	c.best = result
	if c.outputDir != "" {
		if err := SaveCheckpoint(c.outputDir, student, c.tok); err != nil {
			return false, err
		}
		c.saves++
		slog.Info("saved best checkpoint", "result", result, "dir", c.outputDir)
	}
	return true, nil
}
