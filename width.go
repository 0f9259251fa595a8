// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

package nn

import (
	"fmt"
	"math"
)

// LayerWidth is the active sub-network extent of a single encoder layer:
// how many attention heads and how many FFN neurons participate in the
// forward and backward pass. Kept units are always a prefix of the full
// set, which is why reordering by importance must happen first.
type LayerWidth struct {
	HeadsKept   int
	NeuronsKept int
}

// WidthSpec selects a sub-network of the supernet, one LayerWidth per
// encoder layer. A WidthSpec never mutates the model; it only scopes
// which prefix of each weight matrix a forward or backward pass touches.
type WidthSpec struct {
	Layers []LayerWidth
}

// roundKeep converts a width ratio to a kept-unit count: round half away
// from zero, floored at 1 so no layer ever collapses to zero units.
func roundKeep(ratio float64, n int) int {
	kept := int(math.Round(ratio * float64(n)))
	if kept < 1 {
		kept = 1
	}
	return kept
}

// Configure builds the WidthSpec for a uniform width ratio in (0, 1].
// Every layer keeps round(ratio*NHeads) heads and round(ratio*FFNDim)
// neurons, with a minimum of 1 each. Pure: repeated calls with the same
// ratio yield identical specs and never touch model state.
func (c Config) Configure(ratio float64) (WidthSpec, error) {
	if math.IsNaN(ratio) || ratio <= 0 || ratio > 1 {
		return WidthSpec{}, fmt.Errorf("width ratio %v outside (0, 1]", ratio)
	}
	spec := WidthSpec{Layers: make([]LayerWidth, c.NLayers)}
	for l := range spec.Layers {
		spec.Layers[l] = LayerWidth{
			HeadsKept:   roundKeep(ratio, c.NHeads),
			NeuronsKept: roundKeep(ratio, c.FFNDim),
		}
	}
	return spec, nil
}

// FullWidth returns the spec that keeps every head and neuron.
func (c Config) FullWidth() WidthSpec {
	spec, _ := c.Configure(1.0)
	return spec
}

// Validate checks the spec against a config: one entry per layer, each
// within [1, full width].
func (w WidthSpec) Validate(c Config) error {
	if len(w.Layers) != c.NLayers {
		return fmt.Errorf("width spec covers %d layers, model has %d", len(w.Layers), c.NLayers)
	}
	for l, lw := range w.Layers {
		if lw.HeadsKept < 1 || lw.HeadsKept > c.NHeads {
			return fmt.Errorf("layer %d: heads kept %d outside [1, %d]", l, lw.HeadsKept, c.NHeads)
		}
		if lw.NeuronsKept < 1 || lw.NeuronsKept > c.FFNDim {
			return fmt.Errorf("layer %d: neurons kept %d outside [1, %d]", l, lw.NeuronsKept, c.FFNDim)
		}
	}
	return nil
}

// IsFull reports whether the spec keeps the complete network.
func (w WidthSpec) IsFull(c Config) bool {
	for _, lw := range w.Layers {
		if lw.HeadsKept != c.NHeads || lw.NeuronsKept != c.FFNDim {
			return false
		}
	}
	return len(w.Layers) == c.NLayers
}
