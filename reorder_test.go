// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

package nn

import (
	"sort"
	"testing"
)

// Descending stable order: scores [0.1, 0.9, 0.3, 0.7] place unit 1
// first, then 3, 2, 0; ties keep their original relative order.
func TestImportanceOrder(t *testing.T) {
	order := importanceOrder([]float64{0.1, 0.9, 0.3, 0.7})
	want := []int{1, 3, 2, 0}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order %v, want %v", order, want)
		}
	}

	tied := importanceOrder([]float64{0.5, 0.5, 0.9, 0.5})
	wantTied := []int{2, 0, 1, 3}
	for i := range wantTied {
		if tied[i] != wantTied[i] {
			t.Fatalf("tied order %v, want %v", tied, wantTied)
		}
	}
}

// uniformScores builds one score set per layer from the same per-unit values.
func uniformScores(cfg Config, heads, neurons []float64) *ImportanceScores {
	s := &ImportanceScores{
		Heads:   make([][]float64, cfg.NLayers),
		Neurons: make([][]float64, cfg.NLayers),
	}
	for l := 0; l < cfg.NLayers; l++ {
		s.Heads[l] = append([]float64(nil), heads...)
		s.Neurons[l] = append([]float64(nil), neurons...)
	}
	return s
}

// Reordering permutes weights; it must never create or destroy values.
func TestReorderIsBijection(t *testing.T) {
	m := NewTiny()
	layer := m.layers[0]
	before := append([]float32(nil), layer.attn.wQ.weight.Data()...)
	before = append(before, layer.ffn.w1.weight.Data()...)

	scores := uniformScores(m.Config(),
		[]float64{0.1, 0.9, 0.3, 0.7},
		[]float64{5, 1, 7, 3, 8, 2, 6, 4})
	if err := Reorder(m, scores); err != nil {
		t.Fatal(err)
	}

	after := append([]float32(nil), layer.attn.wQ.weight.Data()...)
	after = append(after, layer.ffn.w1.weight.Data()...)
	sort.Slice(before, func(i, j int) bool { return before[i] < before[j] })
	sort.Slice(after, func(i, j int) bool { return after[i] < after[j] })
	for i := range before {
		if before[i] != after[i] {
			t.Fatal("reorder changed the multiset of weight values")
		}
	}
}

// After reordering with head scores [0.1, 0.9, 0.3, 0.7], the prefix of
// two heads kept at ratio 0.5 must be the originally second and fourth
// heads, in that order.
func TestReorderPrefixKeepsTopHeads(t *testing.T) {
	m := NewTiny()
	cfg := m.Config()
	hd := cfg.HeadDim
	wq := m.layers[0].attn.wQ.weight
	cols := wq.Shape().At(1)
	span := hd * cols

	headBlock := func(data []float32, h int) []float32 {
		return append([]float32(nil), data[h*span:(h+1)*span]...)
	}
	orig := wq.Data()
	origHead1 := headBlock(orig, 1)
	origHead3 := headBlock(orig, 3)

	scores := uniformScores(cfg,
		[]float64{0.1, 0.9, 0.3, 0.7},
		[]float64{1, 2, 3, 4, 5, 6, 7, 8})
	if err := Reorder(m, scores); err != nil {
		t.Fatal(err)
	}

	got := wq.Data()
	for i, want := range origHead1 {
		if got[i] != want {
			t.Fatal("block 0 after reorder is not the originally second head")
		}
	}
	for i, want := range origHead3 {
		if got[span+i] != want {
			t.Fatal("block 1 after reorder is not the originally fourth head")
		}
	}

	spec, err := cfg.Configure(0.5)
	if err != nil {
		t.Fatal(err)
	}
	if spec.Layers[0].HeadsKept != 2 {
		t.Fatalf("ratio 0.5 keeps %d heads, want 2", spec.Layers[0].HeadsKept)
	}
}

// Reordering must not change full-width model output: the permutation is
// applied consistently to producing and consuming weights.
func TestReorderPreservesFullWidthFunction(t *testing.T) {
	m := NewTiny()
	batch := testBatch(2, 8, m.Config())

	before, err := m.Forward(batch.InputIDs, batch.SegmentIDs)
	if err != nil {
		t.Fatal(err)
	}

	scores := uniformScores(m.Config(),
		[]float64{0.2, 0.8, 0.5, 0.9},
		[]float64{3, 1, 4, 1, 5, 9, 2, 6})
	if err := Reorder(m, scores); err != nil {
		t.Fatal(err)
	}

	after, err := m.Forward(batch.InputIDs, batch.SegmentIDs)
	if err != nil {
		t.Fatal(err)
	}

	bData, aData := before.Logits.DataPtr(), after.Logits.DataPtr()
	for i := range bData {
		if !approxEqual(bData[i], aData[i], 1e-4) {
			t.Fatalf("logit %d: before %f, after %f", i, bData[i], aData[i])
		}
	}

	// Every mapping state is preserved too, so a teacher snapshot taken
	// before or after reordering yields identical distillation targets.
	for l := range before.Hidden {
		bh, ah := before.Hidden[l].DataPtr(), after.Hidden[l].DataPtr()
		for i := range bh {
			if !approxEqual(bh[i], ah[i], 1e-4) {
				t.Fatalf("state %d elem %d: before %f, after %f", l, i, bh[i], ah[i])
			}
		}
	}
}

// A second reorder must fail rather than compound stale permutations.
func TestReorderTwiceFails(t *testing.T) {
	m := NewTiny()
	scores := uniformScores(m.Config(),
		[]float64{1, 2, 3, 4},
		[]float64{1, 2, 3, 4, 5, 6, 7, 8})
	if err := Reorder(m, scores); err != nil {
		t.Fatal(err)
	}
	if err := Reorder(m, scores); err == nil {
		t.Fatal("expected second reorder to fail")
	}
}

// Missing scores are an error, not a crash.
func TestReorderNilScores(t *testing.T) {
	m := NewTiny()
	if err := Reorder(m, nil); err == nil {
		t.Fatal("expected error for nil scores")
	}
	if m.Reordered() {
		t.Fatal("failed reorder must not mark the model reordered")
	}
}

// Mismatched score dimensions are a configuration error.
func TestReorderScoreShapeMismatch(t *testing.T) {
	m := NewTiny()
	scores := uniformScores(m.Config(),
		[]float64{1, 2, 3}, // one head short
		[]float64{1, 2, 3, 4, 5, 6, 7, 8})
	if err := Reorder(m, scores); err == nil {
		t.Fatal("expected error for wrong head score count")
	}
}
