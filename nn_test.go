// SPDX-License-Identifier: CC-BY-NC-SA-4.0
// Copyright (c) 2025-2026 fumi-engineer

package nn

// Tests for the tensor and layer numerics.
//
// Testing philosophy: test module boundaries and exported behavior, not
// internals. The type system enforces most invariants (shapes, dtypes);
// tests focus on cross-layer integration, numerical correctness at seams,
// and the width-slicing arithmetic the compression pipeline depends on.

import (
	"math"
	"testing"
)

func approxEqual(a, b, tol float32) bool {
	d := a - b
	if d < 0 {
		d = -d
	}
	return d <= tol
}

// Cross-module seam: Tensor -> Linear.
// Verifies that Linear correctly performs y = x @ W^T + b with known weights.
func TestLinearForwardKnownWeights(t *testing.T) {
	input := FromSlice([]float32{1, 2, 3, 4}, NewShape(2, 2))
	layer := NewLinear(2, 3, true)

	// W = [[1,0],[0,1],[1,1]], b = [1,1,1], so y = x @ W^T + b = [[2,3,4],[4,5,8]]
	copy(layer.weight.DataPtr(), []float32{
		1, 0,
		0, 1,
		1, 1,
	})
	copy(layer.bias.DataPtr(), []float32{1, 1, 1})

	output := layer.Forward(input)
	if !output.Shape().Equal(NewShape(2, 3)) {
		t.Fatalf("expected shape [2, 3], got %v", output.Shape())
	}

	got := output.DataPtr()
	want := []float32{2, 3, 4, 4, 5, 8}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("index %d: expected %f, got %f", i, want[i], got[i])
		}
	}
}

// A sliced forward must equal the full forward restricted to the kept
// prefix of outputs, for inputs already restricted to the kept columns.
func TestLinearSlicedMatchesPrefix(t *testing.T) {
	layer := NewLinear(4, 6, true)
	input := Randn(NewShape(3, 4), F32)

	full := layer.Forward(input)
	sliced := layer.ForwardSliced(input, 2, 4)

	if !sliced.Shape().Equal(NewShape(3, 2)) {
		t.Fatalf("expected shape [3, 2], got %v", sliced.Shape())
	}
	fData, sData := full.DataPtr(), sliced.DataPtr()
	for r := 0; r < 3; r++ {
		for c := 0; c < 2; c++ {
			if fData[r*6+c] != sData[r*2+c] {
				t.Fatalf("row %d col %d: full %f, sliced %f", r, c, fData[r*6+c], sData[r*2+c])
			}
		}
	}
}

// Sliced backward must write gradients only inside the kept prefix of the
// full-size gradient buffer, and repeated backward calls must accumulate.
func TestLinearSlicedBackwardAccumulates(t *testing.T) {
	layer := NewLinear(4, 6, true)
	input := Randn(NewShape(3, 4), F32)
	grad := Ones(NewShape(3, 2), F32)

	layer.ForwardSliced(input, 2, 4)
	layer.Backward(grad)

	wGrad := layer.weight.Grad
	if wGrad == nil {
		t.Fatal("expected weight gradient")
	}
	for row := 2; row < 6; row++ {
		for col := 0; col < 4; col++ {
			if wGrad[row*4+col] != 0 {
				t.Fatalf("gradient leaked into inactive row %d", row)
			}
		}
	}
	for slot := 2; slot < 6; slot++ {
		if layer.bias.Grad[slot] != 0 {
			t.Fatalf("gradient leaked into inactive bias slot %d", slot)
		}
	}

	first := make([]float32, len(wGrad))
	copy(first, wGrad)
	layer.ForwardSliced(input, 2, 4)
	layer.Backward(grad)
	for i := range first {
		if !approxEqual(wGrad[i], 2*first[i], 1e-5) {
			t.Fatalf("index %d: expected accumulation %f, got %f", i, 2*first[i], wGrad[i])
		}
	}
}

// Float32 math functions against the float64 standard library.
func TestF32MathAccuracy(t *testing.T) {
	inputs := []float32{-5, -1.5, -0.1, 0, 0.1, 1.5, 5}
	for _, x := range inputs {
		if want := float32(math.Exp(float64(x))); !approxEqual(ExpF32(x), want, 1e-3*(1+want)) {
			t.Errorf("ExpF32(%f) = %f, want %f", x, ExpF32(x), want)
		}
		if want := float32(math.Tanh(float64(x))); !approxEqual(TanhF32(x), want, 1e-4) {
			t.Errorf("TanhF32(%f) = %f, want %f", x, TanhF32(x), want)
		}
	}
	for _, x := range []float32{0.01, 0.5, 1, 2, 100} {
		if want := float32(math.Log(float64(x))); !approxEqual(LogF32(x), want, 1e-3) {
			t.Errorf("LogF32(%f) = %f, want %f", x, LogF32(x), want)
		}
		if want := float32(math.Sqrt(float64(x))); !approxEqual(SqrtF32(x), want, 1e-3*want) {
			t.Errorf("SqrtF32(%f) = %f, want %f", x, SqrtF32(x), want)
		}
	}
}

// GELU derivative against a central finite difference.
func TestGELUGradFiniteDifference(t *testing.T) {
	const h = 1e-2
	for _, x := range []float32{-2, -0.5, 0, 0.5, 2} {
		numeric := (GELUF32(x+h) - GELUF32(x-h)) / (2 * h)
		analytic := GELUGradF32(x)
		if !approxEqual(numeric, analytic, 5e-3) {
			t.Errorf("gelu'(%f): numeric %f, analytic %f", x, numeric, analytic)
		}
	}
}

// Softmax rows must sum to 1 and LogSoftmax must equal log(Softmax).
func TestSoftmaxAndLogSoftmax(t *testing.T) {
	x := FromSlice([]float32{1, 2, 3, -1, 0, 1}, NewShape(2, 3))
	probs := x.Softmax()
	logProbs := x.LogSoftmax()
	pData, lpData := probs.DataPtr(), logProbs.DataPtr()

	for r := 0; r < 2; r++ {
		sum := float32(0)
		for c := 0; c < 3; c++ {
			sum += pData[r*3+c]
			if !approxEqual(lpData[r*3+c], LogF32(pData[r*3+c]), 1e-4) {
				t.Fatalf("log-softmax mismatch at [%d, %d]", r, c)
			}
		}
		if !approxEqual(sum, 1, 1e-5) {
			t.Fatalf("row %d: softmax sums to %f", r, sum)
		}
	}
}

// LayerNorm backward against finite differences of the scalar sum-output.
func TestLayerNormBackwardFiniteDifference(t *testing.T) {
	const dim = 4
	norm := NewLayerNorm(dim, 1e-5)
	input := FromSlice([]float32{0.5, -1.2, 2.0, 0.3}, NewShape(1, dim))

	norm.Forward(input)
	gradIn := norm.Backward(Ones(NewShape(1, dim), F32))
	analytic := gradIn.DataPtr()

	const h = 1e-2
	for i := 0; i < dim; i++ {
		bump := input.Clone()
		bump.DataPtr()[i] += h
		up := norm.Forward(bump).Sum()
		bump.DataPtr()[i] -= 2 * h
		down := norm.Forward(bump).Sum()
		numeric := (up - down) / (2 * h)
		if !approxEqual(numeric, analytic[i], 5e-2) {
			t.Errorf("dim %d: numeric %f, analytic %f", i, numeric, analytic[i])
		}
	}
}

// Dropout must be the identity outside training and mask consistently
// between forward and backward inside it.
func TestDropoutModes(t *testing.T) {
	d := NewDropout(0.5)
	input := Ones(NewShape(4, 8), F32)

	out := d.Forward(input)
	if out != input {
		t.Fatal("eval-mode dropout should pass the input through")
	}

	d.SetTraining(true)
	out = d.Forward(input)
	grad := d.Backward(Ones(NewShape(4, 8), F32))
	oData, gData := out.DataPtr(), grad.DataPtr()
	for i := range oData {
		if (oData[i] == 0) != (gData[i] == 0) {
			t.Fatalf("index %d: forward and backward masks disagree", i)
		}
	}
}

// End-to-end forward pass: token IDs -> logits with the mapping states the
// distillation loss consumes.
func TestModelForwardShapes(t *testing.T) {
	m := NewTiny()
	cfg := m.Config()
	batch := testBatch(2, 8, cfg)

	res, err := m.Forward(batch.InputIDs, batch.SegmentIDs)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Logits.Shape().Equal(NewShape(2, cfg.NumClasses)) {
		t.Fatalf("logits shape %v", res.Logits.Shape())
	}
	if len(res.Hidden) != cfg.NLayers+1 {
		t.Fatalf("expected %d mapping states, got %d", cfg.NLayers+1, len(res.Hidden))
	}
	for i, h := range res.Hidden {
		if !h.Shape().Equal(NewShape(2, 8, cfg.HiddenDim)) {
			t.Fatalf("state %d shape %v", i, h.Shape())
		}
	}
}

// Padded key positions must receive zero attention weight.
func TestAttentionPadMask(t *testing.T) {
	attn := NewSelfAttention(32, 4, 8)
	input := Randn(NewShape(1, 4, 32), F32)
	mask := []float32{0, 0, maskValue, maskValue}

	attn.Forward(input, mask, 4)
	for h := 0; h < 4; h++ {
		for qi := 0; qi < 4; qi++ {
			for ki := 2; ki < 4; ki++ {
				w := attn.lastAttnWeights[h*16+qi*4+ki]
				if w > 1e-6 {
					t.Fatalf("head %d query %d: masked key %d has weight %f", h, qi, ki, w)
				}
			}
		}
	}
}

// Backward must populate gradients for every parameter of the model.
func TestModelBackwardFillsGradients(t *testing.T) {
	m := NewTiny()
	batch := testBatch(2, 8, m.Config())

	res, err := m.Forward(batch.InputIDs, batch.SegmentIDs)
	if err != nil {
		t.Fatal(err)
	}
	_, gradLogits := crossEntropyGrad(res.Logits, batch.Labels)
	m.Backward(gradLogits, nil)

	for _, np := range m.NamedParameters() {
		if np.Tensor.Grad == nil {
			t.Errorf("%s: no gradient", np.Name)
		}
	}
}

// Clone must copy parameters by value.
func TestCloneIndependence(t *testing.T) {
	m := NewTiny()
	c := m.Clone()

	orig, cloned := m.Parameters(), c.Parameters()
	for i := range orig {
		od, cd := orig[i].DataPtr(), cloned[i].DataPtr()
		for j := range od {
			if od[j] != cd[j] {
				t.Fatalf("param %d index %d differs after clone", i, j)
			}
		}
	}
	cloned[0].DataPtr()[0] += 1
	if orig[0].DataPtr()[0] == cloned[0].DataPtr()[0] {
		t.Fatal("clone shares storage with the original")
	}
}

// testBatch builds a deterministic batch: non-pad tokens followed by
// padding, alternating labels.
func testBatch(batch, seqLen int, cfg Config) *Batch {
	ids := make([]float32, batch*seqLen)
	segs := make([]float32, batch*seqLen)
	labels := make([]int, batch)
	for b := 0; b < batch; b++ {
		ids[b*seqLen] = ClsID
		for s := 1; s < seqLen-2; s++ {
			ids[b*seqLen+s] = float32(4 + (b*7+s*3)%(cfg.VocabSize-4))
		}
		ids[b*seqLen+seqLen-2] = SepID
		// last position stays PadID
		labels[b] = b % cfg.NumClasses
	}
	return &Batch{
		InputIDs:   FromSliceNoCopy(ids, NewShape(batch, seqLen)),
		SegmentIDs: FromSliceNoCopy(segs, NewShape(batch, seqLen)),
		Labels:     labels,
		Size:       batch,
	}
}
