// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

package nn

import "fmt"

// Config holds the hyperparameters defining the transformer classifier
// architecture. Two presets are provided: Base (BERT-base scale) and
// Tiny (for tests and benchmarks).
type Config struct {
	VocabSize, MaxSeqLen, NumSegments int
	HiddenDim, NLayers, NHeads        int
	HeadDim, FFNDim, NumClasses       int
	PadTokenID                        int
	DropoutProb                       float32
	LayerNormEps                      float32
}

// Base returns a BERT-base scale config: 768 hidden, 12 layers, 12 heads
// of 64 dims, 3072 FFN, 30K vocab, 512 context.
func Base() Config {
	return Config{
		VocabSize:    30522,
		MaxSeqLen:    512,
		NumSegments:  2,
		HiddenDim:    768,
		NLayers:      12,
		NHeads:       12,
		HeadDim:      64,
		FFNDim:       3072,
		NumClasses:   2,
		PadTokenID:   0,
		DropoutProb:  0.1,
		LayerNormEps: 1e-12,
	}
}

// Tiny returns a minimal config for testing: 32 hidden, 2 layers, 4 heads
// of 8 dims, 8 FFN neurons. Small enough for fast unit tests while still
// exercising multi-head and multi-layer code paths.
func Tiny() Config {
	return Config{
		VocabSize:    100,
		MaxSeqLen:    16,
		NumSegments:  2,
		HiddenDim:    32,
		NLayers:      2,
		NHeads:       4,
		HeadDim:      8,
		FFNDim:       8,
		NumClasses:   2,
		PadTokenID:   0,
		DropoutProb:  0,
		LayerNormEps: 1e-12,
	}
}

// WithClasses returns a copy of the config with NumClasses overridden.
// Classification tasks differ only in output arity.
func (c Config) WithClasses(n int) Config {
	c.NumClasses = n
	return c
}

// Validate reports structural inconsistencies in the config.
func (c Config) Validate() error {
	if c.NHeads <= 0 || c.HeadDim <= 0 {
		return fmt.Errorf("config: need positive heads and head dim, got %d x %d", c.NHeads, c.HeadDim)
	}
	if c.NHeads*c.HeadDim != c.HiddenDim {
		return fmt.Errorf("config: heads*headDim (%d*%d) must equal hidden dim %d", c.NHeads, c.HeadDim, c.HiddenDim)
	}
	if c.NLayers <= 0 {
		return fmt.Errorf("config: need at least one layer, got %d", c.NLayers)
	}
	if c.FFNDim <= 0 {
		return fmt.Errorf("config: need positive FFN dim, got %d", c.FFNDim)
	}
	if c.VocabSize <= 0 || c.MaxSeqLen <= 0 {
		return fmt.Errorf("config: need positive vocab (%d) and context (%d)", c.VocabSize, c.MaxSeqLen)
	}
	if c.NumClasses < 2 {
		return fmt.Errorf("config: need at least 2 classes, got %d", c.NumClasses)
	}
	if c.PadTokenID < 0 || c.PadTokenID >= c.VocabSize {
		return fmt.Errorf("config: pad token %d outside vocab of %d", c.PadTokenID, c.VocabSize)
	}
	if c.DropoutProb < 0 || c.DropoutProb >= 1 {
		return fmt.Errorf("config: dropout %v outside [0, 1)", c.DropoutProb)
	}
	return nil
}

// TotalParams estimates the total parameter count.
//
//	total = embeddings + N_layers * (attention + FFN + 2*norm) + pooler + head
func (c Config) TotalParams() int {
	emb := (c.VocabSize+c.MaxSeqLen+c.NumSegments)*c.HiddenDim + 2*c.HiddenDim
	attn := 4 * (c.HiddenDim*c.HiddenDim + c.HiddenDim)
	ffn := 2*c.HiddenDim*c.FFNDim + c.FFNDim + c.HiddenDim
	perLayer := attn + ffn + 4*c.HiddenDim
	pooler := c.HiddenDim*c.HiddenDim + c.HiddenDim
	head := c.HiddenDim*c.NumClasses + c.NumClasses
	return emb + perLayer*c.NLayers + pooler + head
}

// ParamsAtRatio estimates the parameter count of the encoder sub-network
// active at a given width ratio. Embeddings, pooler and head are never
// sliced and count at full size.
func (c Config) ParamsAtRatio(ratio float64) int {
	heads := roundKeep(ratio, c.NHeads)
	neurons := roundKeep(ratio, c.FFNDim)
	emb := (c.VocabSize+c.MaxSeqLen+c.NumSegments)*c.HiddenDim + 2*c.HiddenDim
	attnDim := heads * c.HeadDim
	attn := 3*(c.HiddenDim*attnDim+attnDim) + attnDim*c.HiddenDim + c.HiddenDim
	ffn := c.HiddenDim*neurons + neurons + neurons*c.HiddenDim + c.HiddenDim
	perLayer := attn + ffn + 4*c.HiddenDim
	pooler := c.HiddenDim*c.HiddenDim + c.HiddenDim
	head := c.HiddenDim*c.NumClasses + c.NumClasses
	return emb + perLayer*c.NLayers + pooler + head
}
