// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

package nn

import (
	"errors"
	"fmt"
	"sort"
)

// importanceOrder returns unit indices sorted by descending score.
// Stable: ties keep their original relative order, so equal-importance
// units are never needlessly swapped.
func importanceOrder(scores []float64) []int {
	order := make([]int, len(scores))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return scores[order[a]] > scores[order[b]]
	})
	return order
}

// permuteRowBlocks rearranges t's rows in blocks of blockSize so that
// destination block p holds source block order[p]. t: [nBlocks*blockSize, cols].
func permuteRowBlocks(t *Tensor, order []int, blockSize int) {
	dims := t.Shape().DimsRef()
	cols := dims[1]
	span := blockSize * cols
	src := t.Data()
	dst := t.DataPtr()
	for p, o := range order {
		copy(dst[p*span:(p+1)*span], src[o*span:(o+1)*span])
	}
}

// permuteColBlocks rearranges t's columns in blocks of blockSize so that
// destination block p holds source block order[p]. t: [rows, nBlocks*blockSize].
func permuteColBlocks(t *Tensor, order []int, blockSize int) {
	dims := t.Shape().DimsRef()
	rows, cols := dims[0], dims[1]
	src := t.Data()
	dst := t.DataPtr()
	for r := 0; r < rows; r++ {
		rowOff := r * cols
		for p, o := range order {
			copy(dst[rowOff+p*blockSize:rowOff+(p+1)*blockSize],
				src[rowOff+o*blockSize:rowOff+(o+1)*blockSize])
		}
	}
}

// permuteVecBlocks rearranges a 1-D tensor in blocks of blockSize.
func permuteVecBlocks(t *Tensor, order []int, blockSize int) {
	src := t.Data()
	dst := t.DataPtr()
	for p, o := range order {
		copy(dst[p*blockSize:(p+1)*blockSize], src[o*blockSize:(o+1)*blockSize])
	}
}

// Reorder permutes every encoder layer's attention heads and FFN neurons
// into descending importance order, so that any prefix slice keeps the
// most important units.
//
// Per layer, with head order pi and neuron order rho:
//   - W_Q, W_K, W_V rows (and biases) move in headDim-sized blocks by pi
//   - W_O columns move in headDim-sized blocks by pi
//   - W_1 rows and b_1 move by rho; W_2 columns move by rho
//
// Because the same permutation is applied to producing and consuming
// weights, full-width model output is bit-for-bit unchanged. Reordering
// is a one-shot operation: a second call returns an error rather than
// silently compounding permutations computed against stale positions.
func Reorder(m *Classifier, scores *ImportanceScores) error {
	if m.reordered {
		return errors.New("model weights already reordered")
	}
	if scores == nil {
		return errors.New("reorder requires importance scores")
	}
	cfg := m.Config()
	if len(scores.Heads) != cfg.NLayers || len(scores.Neurons) != cfg.NLayers {
		return fmt.Errorf("importance scores cover %d layers, model has %d", len(scores.Heads), cfg.NLayers)
	}
	for l := range scores.Heads {
		if len(scores.Heads[l]) != cfg.NHeads {
			return fmt.Errorf("layer %d: %d head scores for %d heads", l, len(scores.Heads[l]), cfg.NHeads)
		}
		if len(scores.Neurons[l]) != cfg.FFNDim {
			return fmt.Errorf("layer %d: %d neuron scores for %d neurons", l, len(scores.Neurons[l]), cfg.FFNDim)
		}
	}

	for l, layer := range m.layers {
		headOrder := importanceOrder(scores.Heads[l])
		for _, proj := range []*Linear{layer.attn.wQ, layer.attn.wK, layer.attn.wV} {
			permuteRowBlocks(proj.weight, headOrder, cfg.HeadDim)
			permuteVecBlocks(proj.bias, headOrder, cfg.HeadDim)
		}
		permuteColBlocks(layer.attn.wO.weight, headOrder, cfg.HeadDim)

		neuronOrder := importanceOrder(scores.Neurons[l])
		permuteRowBlocks(layer.ffn.w1.weight, neuronOrder, 1)
		permuteVecBlocks(layer.ffn.w1.bias, neuronOrder, 1)
		permuteColBlocks(layer.ffn.w2.weight, neuronOrder, 1)
	}
	m.reordered = true
	return nil
}
