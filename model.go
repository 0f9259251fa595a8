// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

package nn

import "fmt"

// ---------------------------------------------------------------------------
// FFN
// ---------------------------------------------------------------------------

// FFN is the position-wise feed-forward block:
//
//	FFN(x) = W_2 @ GELU(W_1 @ x + b_1) + b_2
//
// W_1: [ffn_dim, hidden], W_2: [hidden, ffn_dim]. Width slicing keeps the
// first neuronsKept intermediate neurons: the first rows of W_1/b_1 and the
// matching columns of W_2.
type FFN struct {
	w1, w2  *Linear
	ffnDim  int
	lastPre *Tensor // cached pre-GELU activations for the backward derivative
	lastAct *Tensor // cached post-GELU activations (input to w2)
	// When non-nil, Backward accumulates per-neuron importance:
	// |sum(activation * grad_activation)| per call, indexed by neuron.
	// Only meaningful at full width.
	neuronScores []float64
}

// NewFFN creates a feed-forward block with biased projections.
func NewFFN(hiddenDim, ffnDim int) *FFN {
	return &FFN{
		w1:     NewLinear(hiddenDim, ffnDim, true),
		w2:     NewLinear(ffnDim, hiddenDim, true),
		ffnDim: ffnDim,
	}
}

// Forward computes the block over the first neuronsKept neurons.
func (f *FFN) Forward(input *Tensor, neuronsKept int) *Tensor {
	hidden := f.w1.InFeatures()
	pre := f.w1.ForwardSliced(input, neuronsKept, hidden)
	f.lastPre = pre
	act := pre.Clone()
	act.GELUInPlace()
	f.lastAct = act
	return f.w2.ForwardSliced(act, hidden, neuronsKept)
}

// Backward propagates through w2, the GELU derivative, and w1, at the
// width of the most recent forward.
func (f *FFN) Backward(gradOutput *Tensor) *Tensor {
	gradAct := f.w2.Backward(gradOutput)

	if f.neuronScores != nil {
		ga, act := gradAct.DataPtr(), f.lastAct.DataPtr()
		keep := f.lastAct.Shape().At(-1)
		rows := f.lastAct.Shape().Numel() / keep
		for nIdx := 0; nIdx < keep; nIdx++ {
			dot := float64(0)
			for r := 0; r < rows; r++ {
				off := r*keep + nIdx
				dot += float64(act[off]) * float64(ga[off])
			}
			if dot < 0 {
				dot = -dot
			}
			f.neuronScores[nIdx] += dot
		}
	}

	gData, preData := gradAct.DataPtr(), f.lastPre.DataPtr()
	for i := range gData {
		gData[i] *= GELUGradF32(preData[i])
	}
	return f.w1.Backward(gradAct)
}

// Parameters returns both projection weight/bias pairs.
func (f *FFN) Parameters() []*Tensor {
	return concatParams(f.w1.Parameters(), f.w2.Parameters())
}

// ---------------------------------------------------------------------------
// EncoderLayer
// ---------------------------------------------------------------------------

// EncoderLayer is one post-norm transformer encoder layer:
//
//	x1  = LN_1(x + Dropout(Attn(x)))
//	out = LN_2(x1 + Dropout(FFN(x1)))
type EncoderLayer struct {
	attn     *SelfAttention
	attnDrop *Dropout
	norm1    *LayerNorm
	ffn      *FFN
	ffnDrop  *Dropout
	norm2    *LayerNorm
}

// NewEncoderLayer builds one encoder layer from a config.
func NewEncoderLayer(cfg Config) *EncoderLayer {
	return &EncoderLayer{
		attn:     NewSelfAttention(cfg.HiddenDim, cfg.NHeads, cfg.HeadDim),
		attnDrop: NewDropout(cfg.DropoutProb),
		norm1:    NewLayerNorm(cfg.HiddenDim, cfg.LayerNormEps),
		ffn:      NewFFN(cfg.HiddenDim, cfg.FFNDim),
		ffnDrop:  NewDropout(cfg.DropoutProb),
		norm2:    NewLayerNorm(cfg.HiddenDim, cfg.LayerNormEps),
	}
}

// Forward runs the layer at the given width.
func (l *EncoderLayer) Forward(x *Tensor, mask []float32, width LayerWidth) *Tensor {
	attnOut := l.attn.Forward(x, mask, width.HeadsKept)
	x1 := l.norm1.Forward(x.Add(l.attnDrop.Forward(attnOut)))
	ffnOut := l.ffn.Forward(x1, width.NeuronsKept)
	return l.norm2.Forward(x1.Add(l.ffnDrop.Forward(ffnOut)))
}

// Backward propagates through the layer at the width of the most recent
// forward, splitting the gradient at each residual connection.
func (l *EncoderLayer) Backward(gradOutput *Tensor) *Tensor {
	g2 := l.norm2.Backward(gradOutput)
	gx1 := g2.Add(l.ffn.Backward(l.ffnDrop.Backward(g2)))
	g1 := l.norm1.Backward(gx1)
	return g1.Add(l.attn.Backward(l.attnDrop.Backward(g1)))
}

// SetTraining toggles dropout behavior.
func (l *EncoderLayer) SetTraining(training bool) {
	l.attnDrop.SetTraining(training)
	l.ffnDrop.SetTraining(training)
}

// Parameters returns all learnable tensors in the layer.
func (l *EncoderLayer) Parameters() []*Tensor {
	return concatParams(
		l.attn.Parameters(),
		l.norm1.Parameters(),
		l.ffn.Parameters(),
		l.norm2.Parameters(),
	)
}

// ---------------------------------------------------------------------------
// Classifier
// ---------------------------------------------------------------------------

// Classifier is the complete transformer sequence classifier:
//
//	embeddings -> [EncoderLayer x N_layers] -> pooler(tanh on CLS) -> head -> logits
//
// Every encoder layer is width-sliceable; embeddings, pooler, and head
// always run at full size. The same parameter set serves every width:
// slicing selects sub-views, never copies.
type Classifier struct {
	config     Config
	embeddings *InputEmbeddings
	layers     []*EncoderLayer
	pooler     *Linear
	head       *Linear
	training   bool
	reordered  bool
	lastPooled *Tensor // cached tanh output for backward
	lastBatch  int
	lastSeqLen int
}

// ForwardResult bundles the outputs of one classifier forward pass.
// Hidden holds the distillation mapping states: the embedding output
// followed by every encoder layer output, length NLayers+1.
type ForwardResult struct {
	Logits *Tensor
	Hidden []*Tensor
	Pooled *Tensor
}

// NewClassifier constructs the full model from a Config.
func NewClassifier(cfg Config) *Classifier {
	layers := make([]*EncoderLayer, cfg.NLayers)
	for i := range layers {
		layers[i] = NewEncoderLayer(cfg)
	}
	return &Classifier{
		config:     cfg,
		embeddings: NewInputEmbeddings(cfg),
		layers:     layers,
		pooler:     NewLinear(cfg.HiddenDim, cfg.HiddenDim, true),
		head:       NewLinear(cfg.HiddenDim, cfg.NumClasses, true),
	}
}

// NewTiny creates a minimal model for testing.
func NewTiny() *Classifier { return NewClassifier(Tiny()) }

// Config returns the model's configuration.
func (m *Classifier) Config() Config { return m.config }

// NumLayers returns the number of encoder layers.
func (m *Classifier) NumLayers() int { return m.config.NLayers }

// Reordered reports whether importance reordering has been applied.
func (m *Classifier) Reordered() bool { return m.reordered }

// SetTraining toggles dropout across the whole model and returns the
// previous mode, so callers can scope a temporary switch and restore it.
func (m *Classifier) SetTraining(training bool) bool {
	prev := m.training
	m.training = training
	m.embeddings.SetTraining(training)
	for _, l := range m.layers {
		l.SetTraining(training)
	}
	return prev
}

// buildMask produces the additive attention mask from the input IDs:
// 0 at real tokens, maskValue at pad positions. Shape [batch * seq].
func (m *Classifier) buildMask(inputIDs *Tensor) []float32 {
	ids := inputIDs.DataPtr()
	mask := make([]float32, len(ids))
	pad := float32(m.config.PadTokenID)
	for i, id := range ids {
		if id == pad {
			mask[i] = maskValue
		}
	}
	return mask
}

// ForwardWidth runs the model with each encoder layer sliced to the given
// spec. inputIDs and segmentIDs: [batch, seq_len] of float32-encoded IDs.
func (m *Classifier) ForwardWidth(inputIDs, segmentIDs *Tensor, spec WidthSpec) (*ForwardResult, error) {
	if err := spec.Validate(m.config); err != nil {
		return nil, err
	}
	dims := inputIDs.Shape().DimsRef()
	m.lastBatch, m.lastSeqLen = dims[0], dims[1]
	mask := m.buildMask(inputIDs)

	hidden := make([]*Tensor, 0, m.config.NLayers+1)
	x := m.embeddings.Forward(inputIDs, segmentIDs)
	hidden = append(hidden, x)
	for l, layer := range m.layers {
		x = layer.Forward(x, mask, spec.Layers[l])
		hidden = append(hidden, x)
	}

	// Pool the CLS token (position 0) through a tanh projection.
	batch, seqLen := m.lastBatch, m.lastSeqLen
	hd := m.config.HiddenDim
	cls := New(NewShape(batch, hd), F32)
	xData, cData := x.DataPtr(), cls.DataPtr()
	for b := 0; b < batch; b++ {
		copy(cData[b*hd:(b+1)*hd], xData[b*seqLen*hd:b*seqLen*hd+hd])
	}
	pooled := m.pooler.Forward(cls)
	pData := pooled.DataPtr()
	for i := range pData {
		pData[i] = TanhF32(pData[i])
	}
	m.lastPooled = pooled

	logits := m.head.Forward(pooled)
	return &ForwardResult{Logits: logits, Hidden: hidden, Pooled: pooled}, nil
}

// Forward runs the model at full width.
func (m *Classifier) Forward(inputIDs, segmentIDs *Tensor) (*ForwardResult, error) {
	return m.ForwardWidth(inputIDs, segmentIDs, m.config.FullWidth())
}

// Backward propagates gradients through the model at the width of the most
// recent ForwardWidth call. repGrads, when non-nil, carries per-state
// gradients of the representation loss aligned with ForwardResult.Hidden
// (length NLayers+1); each is injected into the flowing gradient before
// the corresponding backward step. gradLogits may be nil to propagate only
// representation gradients.
func (m *Classifier) Backward(gradLogits *Tensor, repGrads []*Tensor) {
	batch, seqLen := m.lastBatch, m.lastSeqLen
	hd := m.config.HiddenDim

	gradSeq := New(NewShape(batch, seqLen, hd), F32)
	if gradLogits != nil {
		gradPooled := m.head.Backward(gradLogits)
		// tanh backward: d pre = d pooled * (1 - pooled^2)
		gp, pv := gradPooled.DataPtr(), m.lastPooled.DataPtr()
		for i := range gp {
			gp[i] *= 1 - pv[i]*pv[i]
		}
		gradCLS := m.pooler.Backward(gradPooled)
		// Scatter the CLS gradient back to position 0 of each sequence.
		gsData, gcData := gradSeq.DataPtr(), gradCLS.DataPtr()
		for b := 0; b < batch; b++ {
			copy(gsData[b*seqLen*hd:b*seqLen*hd+hd], gcData[b*hd:(b+1)*hd])
		}
	}

	for l := len(m.layers) - 1; l >= 0; l-- {
		if repGrads != nil && repGrads[l+1] != nil {
			gradSeq.AddInPlace(repGrads[l+1])
		}
		gradSeq = m.layers[l].Backward(gradSeq)
	}
	if repGrads != nil && repGrads[0] != nil {
		gradSeq.AddInPlace(repGrads[0])
	}
	m.embeddings.Backward(gradSeq)
}

// Parameters returns all trainable parameters in the model.
func (m *Classifier) Parameters() []*Tensor {
	p := append([]*Tensor(nil), m.embeddings.Parameters()...)
	for _, layer := range m.layers {
		p = append(p, layer.Parameters()...)
	}
	return concatParams(p, m.pooler.Parameters(), m.head.Parameters())
}

// NamedParam pairs a parameter tensor with a stable dotted-path name.
// Names containing "bias" or "norm" identify parameters excluded from
// weight decay; the same names key checkpoint serialization.
type NamedParam struct {
	Name   string
	Tensor *Tensor
}

// NamedParameters returns every parameter with its dotted-path name, in a
// deterministic order matching Parameters().
func (m *Classifier) NamedParameters() []NamedParam {
	out := []NamedParam{
		{"embeddings.token.weight", m.embeddings.token.weight},
		{"embeddings.position.weight", m.embeddings.position.weight},
		{"embeddings.segment.weight", m.embeddings.segment.weight},
		{"embeddings.norm.gamma", m.embeddings.norm.gamma},
		{"embeddings.norm.beta", m.embeddings.norm.beta},
	}
	for i, layer := range m.layers {
		prefix := fmt.Sprintf("layers.%d.", i)
		out = append(out,
			NamedParam{prefix + "attn.wq.weight", layer.attn.wQ.weight},
			NamedParam{prefix + "attn.wq.bias", layer.attn.wQ.bias},
			NamedParam{prefix + "attn.wk.weight", layer.attn.wK.weight},
			NamedParam{prefix + "attn.wk.bias", layer.attn.wK.bias},
			NamedParam{prefix + "attn.wv.weight", layer.attn.wV.weight},
			NamedParam{prefix + "attn.wv.bias", layer.attn.wV.bias},
			NamedParam{prefix + "attn.wo.weight", layer.attn.wO.weight},
			NamedParam{prefix + "attn.wo.bias", layer.attn.wO.bias},
			NamedParam{prefix + "norm1.gamma", layer.norm1.gamma},
			NamedParam{prefix + "norm1.beta", layer.norm1.beta},
			NamedParam{prefix + "ffn.w1.weight", layer.ffn.w1.weight},
			NamedParam{prefix + "ffn.w1.bias", layer.ffn.w1.bias},
			NamedParam{prefix + "ffn.w2.weight", layer.ffn.w2.weight},
			NamedParam{prefix + "ffn.w2.bias", layer.ffn.w2.bias},
			NamedParam{prefix + "norm2.gamma", layer.norm2.gamma},
			NamedParam{prefix + "norm2.beta", layer.norm2.beta},
		)
	}
	return append(out,
		NamedParam{"pooler.weight", m.pooler.weight},
		NamedParam{"pooler.bias", m.pooler.bias},
		NamedParam{"head.weight", m.head.weight},
		NamedParam{"head.bias", m.head.bias},
	)
}

// ZeroGrad clears gradients on every parameter.
func (m *Classifier) ZeroGrad() {
	for _, p := range m.Parameters() {
		p.ZeroGrad()
	}
}

// Clone returns a deep copy of the model with independent parameter
// storage. Gradients and forward caches are not copied. Used to freeze a
// teacher snapshot before distillation mutates the student.
func (m *Classifier) Clone() *Classifier {
	dst := NewClassifier(m.config)
	srcParams, dstParams := m.Parameters(), dst.Parameters()
	for i, sp := range srcParams {
		copy(dstParams[i].data, sp.data)
	}
	dst.reordered = m.reordered
	return dst
}
