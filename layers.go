// SPDX-License-Identifier: CC-BY-NC-SA-4.0
// Copyright (c) 2025-2026 fumi-engineer

package nn

import "math/rand"

// Layer is the common interface for neural network layers with forward/backward
// passes and parameter access (for the optimizer).
type Layer interface {
	Forward(input *Tensor) *Tensor
	Backward(gradOutput *Tensor) *Tensor
	Parameters() []*Tensor
}

// ---------------------------------------------------------------------------
// Embedding
// ---------------------------------------------------------------------------

// Embedding is a lookup table: token ID -> dense vector.
//
//	output[b, s, :] = weight[token_ids[b, s], :]
//
// Weight shape: [vocab_size, embed_dim]. Initialized with N(0, 0.02) as is
// standard for BERT-style encoders.
type Embedding struct {
	weight    *Tensor
	vocabSize int
	embedDim  int
	lastInput []int // cached token IDs for backward pass
}

// NewEmbedding creates an embedding table.
func NewEmbedding(vocabSize, embedDim int) *Embedding {
	return &Embedding{
		weight:    RandnWithStd(NewShape(vocabSize, embedDim), F32, 0.02),
		vocabSize: vocabSize,
		embedDim:  embedDim,
	}
}

// Forward looks up embeddings for each token ID in the input tensor.
// Input: [batch, seq_len] of float32-encoded token IDs.
// Output: [batch, seq_len, embed_dim].
func (e *Embedding) Forward(input *Tensor) *Tensor {
	dims := input.Shape().DimsRef()
	batch, seqLen := dims[0], dims[1]

	e.lastInput = make([]int, batch*seqLen)
	inputData := input.DataPtr()
	for i := range e.lastInput {
		e.lastInput[i] = int(inputData[i])
	}

	output := New(NewShape(batch, seqLen, e.embedDim), F32)
	out, w := output.DataPtr(), e.weight.DataPtr()
	for b := 0; b < batch; b++ {
		for s := 0; s < seqLen; s++ {
			tid := e.lastInput[b*seqLen+s]
			if tid < 0 || tid >= e.vocabSize {
				panic("token ID out of range")
			}
			// Copy one embedding vector: flat offset = tid * embed_dim
			copy(out[(b*seqLen+s)*e.embedDim:], w[tid*e.embedDim:(tid+1)*e.embedDim])
		}
	}
	return output
}

// Backward accumulates weight gradients via scatter-add and returns zeros
// (no meaningful gradient w.r.t. discrete token IDs).
func (e *Embedding) Backward(gradOutput *Tensor) *Tensor {
	dims := gradOutput.Shape().DimsRef()
	batch, seqLen := dims[0], dims[1]
	gData := gradOutput.DataPtr()

	// Scatter-add: weight.Grad[tokenID] += gradOutput[b, s, :]
	wGrad := e.weight.EnsureGrad()
	for b := 0; b < batch; b++ {
		for s := 0; s < seqLen; s++ {
			tid := e.lastInput[b*seqLen+s]
			gOff := (b*seqLen + s) * e.embedDim
			wOff := tid * e.embedDim
			for d := 0; d < e.embedDim; d++ {
				wGrad[wOff+d] += gData[gOff+d]
			}
		}
	}
	return Zeros(gradOutput.Shape(), F32)
}

// Parameters returns the embedding weight table.
func (e *Embedding) Parameters() []*Tensor { return []*Tensor{e.weight} }

// VocabSize returns the vocabulary size.
func (e *Embedding) VocabSize() int { return e.vocabSize }

// EmbedDim returns the embedding dimension.
func (e *Embedding) EmbedDim() int { return e.embedDim }

// ---------------------------------------------------------------------------
// Linear
// ---------------------------------------------------------------------------

// Linear computes y = x @ W^T + b (optional bias).
//
// Weight shape: [out_features, in_features] (transposed layout so that
// transB sgemm can be used, avoiding a separate transpose allocation).
//
// The sliced variants operate on a prefix sub-view of the weight:
// the first outKeep rows and first inKeep columns, addressed through the
// full leading dimension. Because kept units are a contiguous prefix, no
// gather or copy of the weight is ever needed, and sliced backward passes
// accumulate directly into the corresponding region of the full-size
// gradient buffer. Gradients from different widths therefore sum naturally
// across multiple backward calls before a single optimizer step.
type Linear struct {
	weight    *Tensor
	bias      *Tensor
	inFeat    int
	outFeat   int
	useBias   bool
	lastInput *Tensor // cached for backward pass
	lastOut   int     // outKeep of the most recent forward
	lastIn    int     // inKeep of the most recent forward
}

// NewLinear creates a linear layer. Weights N(0, 0.02), bias zero.
func NewLinear(inFeatures, outFeatures int, useBias bool) *Linear {
	l := &Linear{
		weight:  RandnWithStd(NewShape(outFeatures, inFeatures), F32, 0.02),
		inFeat:  inFeatures,
		outFeat: outFeatures,
		useBias: useBias,
	}
	if useBias {
		l.bias = Zeros(NewShape(outFeatures), F32)
	}
	return l
}

// Forward computes y = x @ W^T (+ bias) at full width. Input may be any
// shape where the last dim is in_features; leading dims are treated as a
// flat batch.
func (l *Linear) Forward(input *Tensor) *Tensor {
	return l.ForwardSliced(input, l.outFeat, l.inFeat)
}

// ForwardSliced computes y = x @ W[:outKeep, :inKeep]^T (+ b[:outKeep]).
// The input's last dimension must equal inKeep. The weight view is
// addressed with leading dimension in_features, so the kept columns of
// each kept row are read in place from the full matrix.
func (l *Linear) ForwardSliced(input *Tensor, outKeep, inKeep int) *Tensor {
	l.lastInput = input
	l.lastOut, l.lastIn = outKeep, inKeep
	batchDims, batchSize, last := splitLast(input.Shape().DimsRef())
	if last != inKeep {
		panic("sliced linear: input last dim does not match inKeep")
	}

	out := make([]float32, batchSize*outKeep)
	sgemmRaw(false, true, batchSize, outKeep, inKeep,
		1.0, input.DataPtr(), inKeep,
		l.weight.DataPtr(), l.inFeat,
		0.0, out, outKeep)

	if l.useBias {
		b := l.bias.DataPtr()
		for i := 0; i < batchSize; i++ {
			row := out[i*outKeep : (i+1)*outKeep]
			for j := range row {
				row[j] += b[j]
			}
		}
	}
	return FromSliceNoCopy(out, withLastDim(batchDims, outKeep))
}

// Backward computes dL/dx = dL/dy @ W[:outKeep, :inKeep] and accumulates
// weight and bias gradients at the width of the most recent forward:
// dW[:outKeep, :inKeep] += gradOutput^T @ input, db[:outKeep] += sum(gradOutput).
//
// The dW accumulation writes with beta=1 directly into the sub-view of the
// full-size weight.Grad, leaving rows and columns beyond the kept prefix
// untouched (zero gradient for inactive units).
func (l *Linear) Backward(gradOutput *Tensor) *Tensor {
	if l.lastInput == nil {
		panic("backward called before forward")
	}
	outKeep, inKeep := l.lastOut, l.lastIn
	inputShape := l.lastInput.Shape()
	_, batchSize, last := splitLast(gradOutput.Shape().DimsRef())
	if last != outKeep {
		panic("sliced linear: gradient last dim does not match outKeep")
	}
	gData := l.lastInput.DataPtr()
	fgData := gradOutput.DataPtr()

	// dX = gradOutput @ W[:outKeep, :inKeep] -> [batchSize, inKeep]
	gradIn := make([]float32, batchSize*inKeep)
	sgemmRaw(false, false, batchSize, inKeep, outKeep,
		1.0, fgData, outKeep,
		l.weight.DataPtr(), l.inFeat,
		0.0, gradIn, inKeep)

	// dW[:outKeep, :inKeep] += gradOutput^T @ input, accumulated in place
	// into the full [outFeat, inFeat] gradient with beta=1.
	sgemmRaw(true, false, outKeep, inKeep, batchSize,
		1.0, fgData, outKeep,
		gData, inKeep,
		1.0, l.weight.EnsureGrad(), l.inFeat)

	// db[:outKeep] += sum(gradOutput, axis=0)
	if l.useBias {
		db := l.bias.EnsureGrad()
		for i := 0; i < batchSize; i++ {
			row := fgData[i*outKeep : (i+1)*outKeep]
			for j := range row {
				db[j] += row[j]
			}
		}
	}

	return FromSliceNoCopy(gradIn, inputShape)
}

// Parameters returns the weight (and bias, if present).
func (l *Linear) Parameters() []*Tensor {
	if l.useBias {
		return []*Tensor{l.weight, l.bias}
	}
	return []*Tensor{l.weight}
}

// Weight returns the weight tensor ([out, in] layout).
func (l *Linear) Weight() *Tensor { return l.weight }

// Bias returns the bias tensor, or nil.
func (l *Linear) Bias() *Tensor { return l.bias }

// InFeatures returns the input dimension.
func (l *Linear) InFeatures() int { return l.inFeat }

// OutFeatures returns the output dimension.
func (l *Linear) OutFeatures() int { return l.outFeat }

// ---------------------------------------------------------------------------
// LayerNorm
// ---------------------------------------------------------------------------

// LayerNorm implements standard layer normalization with learnable scale
// and shift:
//
//	y_i = (x_i - mean(x)) / sqrt(var(x) + eps) * gamma_i + beta_i
//
// Applied along the last dimension. Post-norm encoders apply it after each
// residual addition.
type LayerNorm struct {
	gamma, beta *Tensor
	eps         float32
	dim         int
	lastXhat    []float32 // cached normalized input for backward
	lastInvStd  []float32 // cached 1/sqrt(var+eps) per vector
}

// NewLayerNorm creates a LayerNorm with gamma=1, beta=0.
func NewLayerNorm(dim int, eps float32) *LayerNorm {
	return &LayerNorm{
		gamma: Ones(NewShape(dim), F32),
		beta:  Zeros(NewShape(dim), F32),
		eps:   eps,
		dim:   dim,
	}
}

// Forward normalizes along the last dimension.
func (n *LayerNorm) Forward(input *Tensor) *Tensor {
	shape := input.Shape()
	numVectors := shape.Numel() / n.dim
	if cap(n.lastXhat) >= numVectors*n.dim {
		n.lastXhat = n.lastXhat[:numVectors*n.dim]
	} else {
		n.lastXhat = make([]float32, numVectors*n.dim)
	}
	if cap(n.lastInvStd) >= numVectors {
		n.lastInvStd = n.lastInvStd[:numVectors]
	} else {
		n.lastInvStd = make([]float32, numVectors)
	}

	output := New(shape, F32)
	in, out := input.DataPtr(), output.DataPtr()
	g, b := n.gamma.DataPtr(), n.beta.DataPtr()
	invDim := 1.0 / float32(n.dim)

	for v := 0; v < numVectors; v++ {
		off := v * n.dim
		row := in[off : off+n.dim]

		mean := float32(0)
		for _, x := range row {
			mean += x
		}
		mean *= invDim

		variance := float32(0)
		for _, x := range row {
			d := x - mean
			variance += d * d
		}
		variance *= invDim

		invStd := 1.0 / SqrtF32(variance+n.eps)
		n.lastInvStd[v] = invStd

		oRow := out[off : off+n.dim]
		xhat := n.lastXhat[off : off+n.dim]
		for i := range oRow {
			xh := (row[i] - mean) * invStd
			xhat[i] = xh
			oRow[i] = xh*g[i] + b[i]
		}
	}
	return output
}

// Backward propagates through the normalization using the cached
// normalized input. With dyh = dy * gamma:
//
//	dx = invStd * (dyh - mean(dyh) - xhat * mean(dyh * xhat))
//	d_gamma[i] = sum_v(dy[v,i] * xhat[v,i]);  d_beta[i] = sum_v(dy[v,i])
func (n *LayerNorm) Backward(gradOutput *Tensor) *Tensor {
	if n.lastXhat == nil {
		panic("backward called before forward")
	}
	shape := gradOutput.Shape()
	numVectors := shape.Numel() / n.dim

	gradInput := New(shape, F32)
	gOut, gIn := gradOutput.DataPtr(), gradInput.DataPtr()
	g := n.gamma.DataPtr()
	dGamma := make([]float32, n.dim)
	dBeta := make([]float32, n.dim)
	invDim := 1.0 / float32(n.dim)

	for v := 0; v < numVectors; v++ {
		off := v * n.dim
		xhat := n.lastXhat[off : off+n.dim]
		invStd := n.lastInvStd[v]

		meanDyh := float32(0)
		meanDyhXhat := float32(0)
		for i := 0; i < n.dim; i++ {
			dy := gOut[off+i]
			dGamma[i] += dy * xhat[i]
			dBeta[i] += dy
			dyh := dy * g[i]
			meanDyh += dyh
			meanDyhXhat += dyh * xhat[i]
		}
		meanDyh *= invDim
		meanDyhXhat *= invDim

		for i := 0; i < n.dim; i++ {
			dyh := gOut[off+i] * g[i]
			gIn[off+i] = invStd * (dyh - meanDyh - xhat[i]*meanDyhXhat)
		}
	}

	n.gamma.AccumulateGrad(dGamma)
	n.beta.AccumulateGrad(dBeta)
	return gradInput
}

// Parameters returns gamma and beta.
func (n *LayerNorm) Parameters() []*Tensor { return []*Tensor{n.gamma, n.beta} }

// ---------------------------------------------------------------------------
// Dropout
// ---------------------------------------------------------------------------

// Dropout implements inverted dropout: during training each element is
// zeroed with probability p and survivors are scaled by 1/(1-p), so no
// rescaling is needed at inference. Identity when not training or p == 0.
type Dropout struct {
	p        float32
	training bool
	lastMask []float32 // scaled keep mask from the most recent forward
}

// NewDropout creates a dropout layer with drop probability p.
func NewDropout(p float32) *Dropout {
	return &Dropout{p: p}
}

// SetTraining toggles between training (random masking) and inference
// (identity) behavior.
func (d *Dropout) SetTraining(training bool) { d.training = training }

// Forward applies the mask during training, identity otherwise.
func (d *Dropout) Forward(input *Tensor) *Tensor {
	if !d.training || d.p == 0 {
		d.lastMask = nil
		return input
	}
	n := input.Shape().Numel()
	if cap(d.lastMask) >= n {
		d.lastMask = d.lastMask[:n]
	} else {
		d.lastMask = make([]float32, n)
	}
	scale := 1.0 / (1.0 - d.p)
	output := New(input.Shape(), F32)
	in, out := input.DataPtr(), output.DataPtr()
	for i := range out {
		if rand.Float32() < d.p {
			d.lastMask[i] = 0
		} else {
			d.lastMask[i] = scale
			out[i] = in[i] * scale
		}
	}
	return output
}

// Backward multiplies by the cached mask (identity if forward was identity).
func (d *Dropout) Backward(gradOutput *Tensor) *Tensor {
	if d.lastMask == nil {
		return gradOutput
	}
	gradInput := New(gradOutput.Shape(), F32)
	gOut, gIn := gradOutput.DataPtr(), gradInput.DataPtr()
	for i := range gIn {
		gIn[i] = gOut[i] * d.lastMask[i]
	}
	return gradInput
}

// Parameters returns nil: dropout has no learnable state.
func (d *Dropout) Parameters() []*Tensor { return nil }

// ---------------------------------------------------------------------------
// InputEmbeddings
// ---------------------------------------------------------------------------

// InputEmbeddings combines token, position, and segment embeddings with a
// LayerNorm and dropout, producing the encoder's input representation:
//
//	h[b, s, :] = LN(tok[ids[b,s]] + pos[s] + seg[segIDs[b,s]])
//
// Position IDs are implicit 0..seq-1. This block is never width-sliced.
type InputEmbeddings struct {
	token, position, segment *Embedding
	norm                     *LayerNorm
	dropout                  *Dropout
	hiddenDim                int
}

// NewInputEmbeddings creates the input embedding block for a config.
func NewInputEmbeddings(cfg Config) *InputEmbeddings {
	return &InputEmbeddings{
		token:     NewEmbedding(cfg.VocabSize, cfg.HiddenDim),
		position:  NewEmbedding(cfg.MaxSeqLen, cfg.HiddenDim),
		segment:   NewEmbedding(cfg.NumSegments, cfg.HiddenDim),
		norm:      NewLayerNorm(cfg.HiddenDim, cfg.LayerNormEps),
		dropout:   NewDropout(cfg.DropoutProb),
		hiddenDim: cfg.HiddenDim,
	}
}

// Forward sums the three embedding lookups, then normalizes and applies
// dropout. inputIDs and segmentIDs: [batch, seq_len] of float32-encoded IDs.
func (e *InputEmbeddings) Forward(inputIDs, segmentIDs *Tensor) *Tensor {
	dims := inputIDs.Shape().DimsRef()
	batch, seqLen := dims[0], dims[1]

	sum := e.token.Forward(inputIDs)

	// Position lookup shares one row of IDs across the batch.
	posRow := make([]float32, seqLen)
	for s := range posRow {
		posRow[s] = float32(s)
	}
	posIDs := New(NewShape(batch, seqLen), F32)
	pData := posIDs.DataPtr()
	for b := 0; b < batch; b++ {
		copy(pData[b*seqLen:], posRow)
	}
	sum.AddInPlace(e.position.Forward(posIDs))
	sum.AddInPlace(e.segment.Forward(segmentIDs))

	return e.dropout.Forward(e.norm.Forward(sum))
}

// Backward propagates through dropout, norm, and scatters into the three
// embedding tables.
func (e *InputEmbeddings) Backward(gradOutput *Tensor) {
	grad := e.norm.Backward(e.dropout.Backward(gradOutput))
	// The summed embeddings distribute the same gradient to each table.
	e.token.Backward(grad)
	e.position.Backward(grad)
	e.segment.Backward(grad)
}

// SetTraining toggles dropout behavior.
func (e *InputEmbeddings) SetTraining(training bool) { e.dropout.SetTraining(training) }

// Parameters returns all embedding tables plus the norm parameters.
func (e *InputEmbeddings) Parameters() []*Tensor {
	return concatParams(
		e.token.Parameters(),
		e.position.Parameters(),
		e.segment.Parameters(),
		e.norm.Parameters(),
	)
}
