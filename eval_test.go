// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

package nn

import (
	"math"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAccuracyCounting(t *testing.T) {
	acc := &Accuracy{}
	require.Equal(t, 0.0, acc.Accumulate())

	logits := FromSlice([]float32{
		2, 1, 0, // pred 0
		0, 3, 1, // pred 1
		1, 0, 5, // pred 2
		4, 0, 0, // pred 0
	}, NewShape(4, 3))
	acc.Update(logits, []int{0, 1, 0, 0})
	require.InDelta(t, 0.75, acc.Accumulate(), 1e-9)

	acc.Reset()
	require.Equal(t, 0.0, acc.Accumulate())
}

func evalLoader(t *testing.T, cfg Config, n int) *SliceLoader {
	t.Helper()
	examples := make([]Example, n)
	for i := range examples {
		examples[i] = Example{Text: "x y z", Label: i % cfg.NumClasses}
	}
	tok := NewTokenizer([]string{"x y z"}, cfg.VocabSize)
	return CollateExamples(examples, tok, 8, 2)
}

func TestEvaluateRestoresTrainingMode(t *testing.T) {
	m := NewTiny()
	loader := evalLoader(t, m.Config(), 4)

	m.SetTraining(true)
	res, err := Evaluate(m, &Accuracy{}, loader, m.Config().FullWidth())
	require.NoError(t, err)
	require.GreaterOrEqual(t, res, 0.0)
	require.LessOrEqual(t, res, 1.0)
	require.True(t, m.training, "training mode must survive evaluation")

	// Error paths restore it too.
	bad := m.Config().FullWidth()
	bad.Layers[0].HeadsKept = 99
	_, err = Evaluate(m, &Accuracy{}, loader, bad)
	require.Error(t, err)
	require.True(t, m.training)

	_, err = Evaluate(m, &Accuracy{}, nil, m.Config().FullWidth())
	require.Error(t, err)
}

func TestEvaluateAtReducedWidth(t *testing.T) {
	m := NewTiny()
	loader := evalLoader(t, m.Config(), 4)
	spec, err := m.Config().Configure(0.5)
	require.NoError(t, err)
	res, err := Evaluate(m, &Accuracy{}, loader, spec)
	require.NoError(t, err)
	require.GreaterOrEqual(t, res, 0.0)
	require.LessOrEqual(t, res, 1.0)
}

// The selector saves only on strict improvement over the best result
// seen so far, across every source of results alike.
func TestCheckpointSelectorMonotone(t *testing.T) {
	dir := t.TempDir()
	m := NewTiny()
	tok := NewTokenizer([]string{"x y z"}, m.Config().VocabSize)
	sel := NewCheckpointSelector(dir, tok)

	require.Equal(t, math.Inf(-1), sel.Best())

	// Two evaluation rounds in teacher-first order, plus an equal result.
	steps := []struct {
		result   float64
		wantSave bool
	}{
		{0.80, true},  // teacher
		{0.75, false}, // width 1.0
		{0.78, false}, // width 0.5
		{0.82, true},
		{0.77, false},
		{0.82, false}, // equal does not beat
	}
	for i, s := range steps {
		saved, err := sel.Consider(s.result, m)
		require.NoError(t, err)
		require.Equalf(t, s.wantSave, saved, "step %d result %v", i, s.result)
	}
	require.InDelta(t, 0.82, sel.Best(), 1e-9)
	require.Equal(t, 2, sel.Saves())

	loaded, loadedTok, err := LoadCheckpoint(dir)
	require.NoError(t, err)
	require.NotNil(t, loadedTok)
	require.Equal(t, m.Config(), loaded.Config())
}

// A zero or negative first result still beats -Inf and saves.
func TestCheckpointSelectorFirstResultSaves(t *testing.T) {
	sel := NewCheckpointSelector(filepath.Join(t.TempDir(), "ckpt"), nil)
	saved, err := sel.Consider(0, NewTiny())
	require.NoError(t, err)
	require.True(t, saved)
}
