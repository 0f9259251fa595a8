// SPDX-License-Identifier: CC-BY-NC-SA-4.0
// Copyright (c) 2025-2026 fumi-engineer

package nn

// maskValue is the additive score penalty for padded key positions. Large
// enough that softmax assigns them zero weight, small enough that adding
// it to a finite score never overflows float32.
const maskValue = float32(-1e9)

// softmaxInPlace applies numerically stable softmax to a slice in place.
func softmaxInPlace(row []float32) {
	softmaxCore(row, row, len(row), 1)
}

// SelfAttention implements bidirectional multi-head self-attention with an
// additive padding mask, sliceable to a prefix of its heads.
//
// Full attention equation:
//
//	scores = (Q @ K^T) / sqrt(d_k) + mask
//	weights = softmax(scores)
//	output = W_O @ concat_heads(weights @ V)
//
// Width slicing keeps the first headsKept heads: the Q/K/V projections
// emit only the first headsKept*headDim output rows and W_O consumes only
// the matching input columns. Because kept heads are a contiguous prefix
// of the projection weights, the sliced pass runs on dense activations
// with no gather.
type SelfAttention struct {
	wQ, wK, wV, wO  *Linear
	nHeads, headDim int
	hiddenDim       int
	scale           float32   // 1 / sqrt(head_dim)
	scoresBuf       []float32 // reusable buffer for attention scores
	attnOutBuf      []float32 // reusable buffer for per-head context
	// When non-nil, Backward accumulates per-head importance: for each
	// head, the absolute value of sum(context * grad_context) per call.
	// Indexed by head position. Only meaningful at full width.
	headScores []float64
	// Cached from forward pass for backward
	lastInput       *Tensor // input to attention
	lastQ           *Tensor // Q [batch, seq, headsKept, headDim]
	lastK           *Tensor // K [batch, seq, headsKept, headDim]
	lastV           *Tensor // V [batch, seq, headsKept, headDim]
	lastAttnWeights []float32
	lastMask        []float32 // additive mask [batch * seq]
	lastHeads       int
	lastBatch       int
	lastSeqLen      int
}

// NewSelfAttention creates a multi-head self-attention block with biased
// projections.
func NewSelfAttention(hiddenDim, nHeads, headDim int) *SelfAttention {
	return &SelfAttention{
		wQ:        NewLinear(hiddenDim, nHeads*headDim, true),
		wK:        NewLinear(hiddenDim, nHeads*headDim, true),
		wV:        NewLinear(hiddenDim, nHeads*headDim, true),
		wO:        NewLinear(nHeads*headDim, hiddenDim, true),
		nHeads:    nHeads,
		headDim:   headDim,
		hiddenDim: hiddenDim,
		scale:     1.0 / SqrtF32(float32(headDim)),
	}
}

// Forward computes bidirectional attention over the first headsKept heads.
//
// Steps:
//  1. Project: Q, K, V through the first headsKept*headDim rows of W_Q/K/V
//  2. Reshape to [batch, seq, headsKept, head_dim]
//  3. scores = Q @ K^T / sqrt(d_k) + mask (padded keys get maskValue)
//  4. Softmax over all key positions
//  5. Weighted sum: context = weights @ V
//  6. Concat heads and project through the matching columns of W_O
//
// mask is an additive [batch * seq] vector: 0 at real tokens, maskValue at
// padding. It is applied per key position, shared across query positions.
func (a *SelfAttention) Forward(input *Tensor, mask []float32, headsKept int) *Tensor {
	dims := input.Shape().DimsRef()
	batch, seqLen := dims[0], dims[1]
	attnDim := headsKept * a.headDim
	a.lastInput = input
	a.lastMask = mask
	a.lastHeads = headsKept
	a.lastBatch = batch
	a.lastSeqLen = seqLen

	q := a.wQ.ForwardSliced(input, attnDim, a.hiddenDim).Reshape(NewShape(batch, seqLen, headsKept, a.headDim))
	k := a.wK.ForwardSliced(input, attnDim, a.hiddenDim).Reshape(NewShape(batch, seqLen, headsKept, a.headDim))
	v := a.wV.ForwardSliced(input, attnDim, a.hiddenDim).Reshape(NewShape(batch, seqLen, headsKept, a.headDim))

	a.lastQ = q
	a.lastK = k
	a.lastV = v

	// Reuse the context buffer to avoid allocation per forward pass.
	outLen := batch * seqLen * attnDim
	if cap(a.attnOutBuf) >= outLen {
		a.attnOutBuf = a.attnOutBuf[:outLen]
		for i := range a.attnOutBuf {
			a.attnOutBuf[i] = 0
		}
	} else {
		a.attnOutBuf = make([]float32, outLen)
	}
	outData := a.attnOutBuf
	qData, kData, vData := q.DataPtr(), k.DataPtr(), v.DataPtr()

	// Attention weights storage: [batch, headsKept, seqLen, seqLen]
	attnWeightsLen := batch * headsKept * seqLen * seqLen
	if cap(a.lastAttnWeights) >= attnWeightsLen {
		a.lastAttnWeights = a.lastAttnWeights[:attnWeightsLen]
	} else {
		a.lastAttnWeights = make([]float32, attnWeightsLen)
	}

	scoresLen := seqLen * seqLen
	if cap(a.scoresBuf) >= scoresLen {
		a.scoresBuf = a.scoresBuf[:scoresLen]
	} else {
		a.scoresBuf = make([]float32, scoresLen)
	}
	scores := a.scoresBuf

	for b := 0; b < batch; b++ {
		maskRow := mask[b*seqLen : (b+1)*seqLen]
		for h := 0; h < headsKept; h++ {
			// scores = Q @ K^T / sqrt(d_k) + mask, all key positions.
			for qi := 0; qi < seqLen; qi++ {
				qOff := ((b*seqLen+qi)*headsKept + h) * a.headDim
				qRow := qData[qOff : qOff+a.headDim]
				sRow := scores[qi*seqLen : (qi+1)*seqLen]

				for ki := 0; ki < seqLen; ki++ {
					kOff := ((b*seqLen+ki)*headsKept + h) * a.headDim
					kRow := kData[kOff : kOff+a.headDim]
					dot := float32(0)
					for d := range qRow {
						dot += qRow[d] * kRow[d]
					}
					sRow[ki] = dot*a.scale + maskRow[ki]
				}
				softmaxInPlace(sRow)
			}

			awOff := (b*headsKept + h) * seqLen * seqLen
			copy(a.lastAttnWeights[awOff:awOff+seqLen*seqLen], scores[:seqLen*seqLen])

			// context = attention_weights @ V
			for qi := 0; qi < seqLen; qi++ {
				outOff := ((b*seqLen+qi)*headsKept + h) * a.headDim
				oRow := outData[outOff : outOff+a.headDim]
				for ki := 0; ki < seqLen; ki++ {
					w := scores[qi*seqLen+ki]
					if w == 0 {
						continue
					}
					vOff := ((b*seqLen+ki)*headsKept + h) * a.headDim
					vRow := vData[vOff : vOff+a.headDim]
					for d := range oRow {
						oRow[d] += w * vRow[d]
					}
				}
			}
		}
	}

	// Concat heads: [batch, seq, headsKept, headDim] -> [batch, seq, attnDim]
	context := FromSliceNoCopy(outData, NewShape(batch, seqLen, attnDim))
	return a.wO.ForwardSliced(context, a.hiddenDim, attnDim)
}

// Backward computes the full attention backward pass at the width of the
// most recent forward. Propagates through W_O -> attention (V, weights,
// softmax, scores) -> W_Q, W_K, W_V, accumulating parameter gradients into
// the kept prefix of each projection's gradient buffer.
//
// Uses per-head BLAS calls with strided access to the
// [batch, seq, headsKept, headDim] layout.
func (a *SelfAttention) Backward(gradOutput *Tensor) *Tensor {
	batch, seqLen, headsKept := a.lastBatch, a.lastSeqLen, a.lastHeads
	hd := a.headDim
	stride := headsKept * hd

	// 1. Backward through W_O: gradCtx shape [batch, seq, headsKept*headDim]
	gradCtx := a.wO.Backward(gradOutput)
	gcData := gradCtx.DataPtr()

	// Per-head importance: |sum(context * grad_context)| per call.
	if a.headScores != nil {
		for h := 0; h < headsKept; h++ {
			dot := float64(0)
			for pos := 0; pos < batch*seqLen; pos++ {
				off := pos*stride + h*hd
				for d := 0; d < hd; d++ {
					dot += float64(a.attnOutBuf[off+d]) * float64(gcData[off+d])
				}
			}
			if dot < 0 {
				dot = -dot
			}
			a.headScores[h] += dot
		}
	}

	qData := a.lastQ.DataPtr()
	kData := a.lastK.DataPtr()
	vData := a.lastV.DataPtr()

	gradQ := make([]float32, batch*seqLen*stride)
	gradK := make([]float32, batch*seqLen*stride)
	gradV := make([]float32, batch*seqLen*stride)

	// Scratch buffer for grad_scores per head [seqLen * seqLen]
	gradScores := make([]float32, seqLen*seqLen)

	for b := 0; b < batch; b++ {
		for h := 0; h < headsKept; h++ {
			awOff := (b*headsKept + h) * seqLen * seqLen
			base := b*seqLen*stride + h*hd

			// 2. grad_V = W^T @ dCtx
			// W is [seqLen, seqLen], dCtx is [seqLen, headDim]
			sgemmRaw(true, false,
				seqLen, hd, seqLen,
				1.0,
				a.lastAttnWeights[awOff:], seqLen,
				gcData[base:], stride,
				0.0,
				gradV[base:], stride)

			// 3. grad_W = dCtx @ V^T -> gradScores
			sgemmRaw(false, true,
				seqLen, seqLen, hd,
				1.0,
				gcData[base:], stride,
				vData[base:], stride,
				0.0,
				gradScores, seqLen)

			// 4. Softmax backward (element-wise)
			// gradScores = weights * (gradScores - sum(gradScores * weights))
			// Masked key positions carry weight 0 and so drop out here; the
			// additive mask itself is constant and receives no gradient.
			for qi := 0; qi < seqLen; qi++ {
				row := qi * seqLen
				sumTerm := float32(0)
				for ki := 0; ki < seqLen; ki++ {
					sumTerm += gradScores[row+ki] * a.lastAttnWeights[awOff+row+ki]
				}
				for ki := 0; ki < seqLen; ki++ {
					w := a.lastAttnWeights[awOff+row+ki]
					gradScores[row+ki] = w * (gradScores[row+ki] - sumTerm)
				}
			}

			// 5. grad_Q = scale * grad_scores @ K
			sgemmRaw(false, false,
				seqLen, hd, seqLen,
				a.scale,
				gradScores, seqLen,
				kData[base:], stride,
				0.0,
				gradQ[base:], stride)

			// 6. grad_K = scale * grad_scores^T @ Q
			sgemmRaw(true, false,
				seqLen, hd, seqLen,
				a.scale,
				gradScores, seqLen,
				qData[base:], stride,
				0.0,
				gradK[base:], stride)
		}
	}

	// 7. Backward through Q, K, V projections. Each cached the shared input
	// and its sliced width during forward.
	gradQTensor := FromSliceNoCopy(gradQ, NewShape(batch, seqLen, stride))
	gradKTensor := FromSliceNoCopy(gradK, NewShape(batch, seqLen, stride))
	gradVTensor := FromSliceNoCopy(gradV, NewShape(batch, seqLen, stride))

	gradXQ := a.wQ.Backward(gradQTensor)
	gradXK := a.wK.Backward(gradKTensor)
	gradXV := a.wV.Backward(gradVTensor)

	// Sum gradients from all projection paths
	return gradXQ.Add(gradXK).Add(gradXV)
}

// Parameters returns all projection weights and biases: Q, K, V, and O.
func (a *SelfAttention) Parameters() []*Tensor {
	return concatParams(
		a.wQ.Parameters(),
		a.wK.Parameters(),
		a.wV.Parameters(),
		a.wO.Parameters(),
	)
}

// NHeads returns the full head count.
func (a *SelfAttention) NHeads() int { return a.nHeads }
