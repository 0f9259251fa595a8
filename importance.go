// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

package nn

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/floats"
)

// ImportanceScores holds accumulated per-unit importance for every encoder
// layer: Heads[l][h] for attention heads, Neurons[l][n] for FFN neurons.
// Scores are normalized by the number of calibration examples; ordering is
// what matters, the scale is informational.
type ImportanceScores struct {
	Heads   [][]float64
	Neurons [][]float64
}

// crossEntropyGrad computes the mean cross-entropy loss over a batch and
// the gradient of that loss w.r.t. the logits:
//
//	loss = -mean_b log softmax(logits)[label_b]
//	dL/dlogits = (softmax(logits) - onehot(label)) / batch
func crossEntropyGrad(logits *Tensor, labels []int) (float32, *Tensor) {
	dims := logits.Shape().DimsRef()
	batch, classes := dims[0], dims[1]

	logProbs := logits.LogSoftmax()
	lpData := logProbs.DataPtr()
	loss := float32(0)
	for b, label := range labels {
		loss -= lpData[b*classes+label]
	}
	loss /= float32(batch)

	grad := logits.Softmax()
	gData := grad.DataPtr()
	invBatch := 1.0 / float32(batch)
	for b, label := range labels {
		gData[b*classes+label] -= 1
		row := gData[b*classes : (b+1)*classes]
		for i := range row {
			row[i] *= invBatch
		}
	}
	return loss, grad
}

// EstimateImportance measures each attention head's and each FFN neuron's
// contribution to the task loss over a calibration set.
//
// For every batch the model runs a full-width forward pass under the task
// cross-entropy loss, then a backward pass during which each attention
// block records |sum(context_h * grad_context_h)| per head and each FFN
// records |sum(act_n * grad_act_n)| per neuron. The absolute value is
// taken per batch, so contributions of opposite sign across batches do
// not cancel.
//
// The model is switched to evaluation mode for the duration (dropout off,
// so scores are deterministic given the data) and restored on return.
// Parameter gradients produced as a side effect are cleared. The model's
// weights are never modified.
func EstimateImportance(m *Classifier, loader Loader) (*ImportanceScores, error) {
	if loader == nil || loader.NumExamples() == 0 {
		return nil, errors.New("importance estimation requires a non-empty calibration set")
	}
	cfg := m.Config()

	prev := m.SetTraining(false)
	defer m.SetTraining(prev)

	scores := &ImportanceScores{
		Heads:   make([][]float64, cfg.NLayers),
		Neurons: make([][]float64, cfg.NLayers),
	}
	for l, layer := range m.layers {
		scores.Heads[l] = make([]float64, cfg.NHeads)
		scores.Neurons[l] = make([]float64, cfg.FFNDim)
		layer.attn.headScores = scores.Heads[l]
		layer.ffn.neuronScores = scores.Neurons[l]
	}
	defer func() {
		for _, layer := range m.layers {
			layer.attn.headScores = nil
			layer.ffn.neuronScores = nil
		}
		m.ZeroGrad()
	}()

	loader.Reset()
	seen := 0
	for {
		batch, ok := loader.Next()
		if !ok {
			break
		}
		for b, label := range batch.Labels {
			if label < 0 || label >= cfg.NumClasses {
				return nil, fmt.Errorf("calibration batch example %d: label %d outside [0, %d)", b, label, cfg.NumClasses)
			}
		}
		res, err := m.Forward(batch.InputIDs, batch.SegmentIDs)
		if err != nil {
			return nil, err
		}
		_, gradLogits := crossEntropyGrad(res.Logits, batch.Labels)
		m.Backward(gradLogits, nil)
		seen += batch.Size
	}
	if seen == 0 {
		return nil, errors.New("calibration loader produced no batches")
	}

	inv := 1.0 / float64(seen)
	for l := range scores.Heads {
		floats.Scale(inv, scores.Heads[l])
		floats.Scale(inv, scores.Neurons[l])
	}
	return scores, nil
}
