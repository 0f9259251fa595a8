// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

package nn

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCrossEntropyGrad(t *testing.T) {
	logits := FromSlice([]float32{0, 0, 0, 0}, NewShape(2, 2))
	loss, grad := crossEntropyGrad(logits, []int{0, 1})

	require.InDelta(t, math.Log(2), float64(loss), 1e-5)

	// softmax is uniform 0.5; gradient is (p - onehot)/batch.
	g := grad.Data()
	require.InDelta(t, -0.25, float64(g[0]), 1e-6)
	require.InDelta(t, 0.25, float64(g[1]), 1e-6)
	require.InDelta(t, 0.25, float64(g[2]), 1e-6)
	require.InDelta(t, -0.25, float64(g[3]), 1e-6)
}

func TestEstimateImportanceValidation(t *testing.T) {
	m := NewTiny()
	_, err := EstimateImportance(m, nil)
	require.Error(t, err)

	_, err = EstimateImportance(m, NewSliceLoader(nil))
	require.Error(t, err)
}

// A label outside the class range is reported as an error, not an index
// panic during the loss gradient.
func TestEstimateImportanceBadLabel(t *testing.T) {
	m := NewTiny()
	cfg := m.Config()
	tok := NewTokenizer([]string{"x y z"}, cfg.VocabSize)
	loader := CollateExamples([]Example{
		{Text: "x y", Label: 0},
		{Text: "z", Label: 5},
	}, tok, 8, 2)

	_, err := EstimateImportance(m, loader)
	require.ErrorContains(t, err, "label 5")
	require.False(t, m.training, "mode restored on the error path")
	for _, layer := range m.layers {
		require.Nil(t, layer.attn.headScores, "recorders detached on the error path")
	}
}

func TestEstimateImportance(t *testing.T) {
	m := NewTiny()
	cfg := m.Config()
	loader := evalLoader(t, cfg, 4)

	weightsBefore := make([][]float32, 0)
	for _, p := range m.Parameters() {
		weightsBefore = append(weightsBefore, append([]float32(nil), p.Data()...))
	}
	m.SetTraining(true)

	scores, err := EstimateImportance(m, loader)
	require.NoError(t, err)

	require.Len(t, scores.Heads, cfg.NLayers)
	require.Len(t, scores.Neurons, cfg.NLayers)
	for l := 0; l < cfg.NLayers; l++ {
		require.Len(t, scores.Heads[l], cfg.NHeads)
		require.Len(t, scores.Neurons[l], cfg.FFNDim)
		for _, s := range scores.Heads[l] {
			require.GreaterOrEqual(t, s, 0.0, "per-batch absolute values never go negative")
			require.False(t, math.IsNaN(s))
		}
		for _, s := range scores.Neurons[l] {
			require.GreaterOrEqual(t, s, 0.0)
			require.False(t, math.IsNaN(s))
		}
	}

	require.True(t, m.training, "training mode restored")
	for i, p := range m.Parameters() {
		require.Equal(t, weightsBefore[i], p.Data(), "estimation must not modify weights")
		if p.Grad != nil {
			for _, g := range p.Grad {
				require.Zero(t, g, "side-effect gradients must be cleared")
			}
		}
	}
	for _, layer := range m.layers {
		require.Nil(t, layer.attn.headScores)
		require.Nil(t, layer.ffn.neuronScores)
	}
}

// Two estimation runs over the same data agree: dropout is disabled for
// the duration, so nothing is stochastic.
func TestEstimateImportanceDeterministic(t *testing.T) {
	m := NewTiny()
	loader := evalLoader(t, m.Config(), 4)

	a, err := EstimateImportance(m, loader)
	require.NoError(t, err)
	b, err := EstimateImportance(m, loader)
	require.NoError(t, err)
	require.Equal(t, a.Heads, b.Heads)
	require.Equal(t, a.Neurons, b.Neurons)
}
