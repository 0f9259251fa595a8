// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

package nn

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Checkpoint file layout:
//
//	magic   "EWC1" (4 bytes)
//	hdrLen  uint32 little-endian
//	header  JSON-encoded checkpointHeader (hdrLen bytes)
//	tensors raw little-endian float32 data, one block per parameter,
//	        in NamedParameters order
//
// The header records the config and the per-parameter name and element
// count, so a load can verify it is reading the architecture it expects
// before touching any tensor data.

var checkpointMagic = [4]byte{'E', 'W', 'C', '1'}

type checkpointHeader struct {
	Config    Config           `json:"config"`
	Reordered bool             `json:"reordered"`
	Params    []paramHeaderRec `json:"params"`
}

type paramHeaderRec struct {
	Name  string `json:"name"`
	Numel int    `json:"numel"`
}

// Default artifact names inside a checkpoint directory.
const (
	ModelFileName     = "model.bin"
	TokenizerFileName = "tokenizer.json"
)

// SaveModel writes the model's config and all parameters to a single
// binary file.
func SaveModel(m *Classifier, path string) error {
	named := m.NamedParameters()
	hdr := checkpointHeader{
		Config:    m.Config(),
		Reordered: m.reordered,
		Params:    make([]paramHeaderRec, len(named)),
	}
	for i, np := range named {
		hdr.Params[i] = paramHeaderRec{Name: np.Name, Numel: np.Tensor.Shape().Numel()}
	}
	hdrBytes, err := json.Marshal(hdr)
	if err != nil {
		return fmt.Errorf("marshal checkpoint header: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create checkpoint: %w", err)
	}
	defer f.Close()
	w := bufio.NewWriter(f)

	if _, err := w.Write(checkpointMagic[:]); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(len(hdrBytes))); err != nil {
		return err
	}
	if _, err := w.Write(hdrBytes); err != nil {
		return err
	}
	for _, np := range named {
		if err := binary.Write(w, binary.LittleEndian, np.Tensor.DataPtr()); err != nil {
			return fmt.Errorf("write %s: %w", np.Name, err)
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("flush checkpoint: %w", err)
	}
	return nil
}

// LoadModel reconstructs a model from a file written by SaveModel.
func LoadModel(path string) (*Classifier, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint: %w", err)
	}
	defer f.Close()
	r := bufio.NewReader(f)

	var magic [4]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return nil, fmt.Errorf("read checkpoint magic: %w", err)
	}
	if magic != checkpointMagic {
		return nil, fmt.Errorf("not a checkpoint file: bad magic %q", magic[:])
	}
	var hdrLen uint32
	if err := binary.Read(r, binary.LittleEndian, &hdrLen); err != nil {
		return nil, fmt.Errorf("read header length: %w", err)
	}
	hdrBytes := make([]byte, hdrLen)
	if _, err := io.ReadFull(r, hdrBytes); err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	var hdr checkpointHeader
	if err := json.Unmarshal(hdrBytes, &hdr); err != nil {
		return nil, fmt.Errorf("parse header: %w", err)
	}
	if err := hdr.Config.Validate(); err != nil {
		return nil, fmt.Errorf("checkpoint config: %w", err)
	}

	m := NewClassifier(hdr.Config)
	m.reordered = hdr.Reordered
	named := m.NamedParameters()
	if len(named) != len(hdr.Params) {
		return nil, fmt.Errorf("checkpoint has %d parameters, model expects %d", len(hdr.Params), len(named))
	}
	for i, np := range named {
		rec := hdr.Params[i]
		if rec.Name != np.Name {
			return nil, fmt.Errorf("parameter %d: checkpoint has %q, model expects %q", i, rec.Name, np.Name)
		}
		if rec.Numel != np.Tensor.Shape().Numel() {
			return nil, fmt.Errorf("%s: checkpoint has %d elements, model expects %d", rec.Name, rec.Numel, np.Tensor.Shape().Numel())
		}
		if err := binary.Read(r, binary.LittleEndian, np.Tensor.DataPtr()); err != nil {
			return nil, fmt.Errorf("read %s: %w", rec.Name, err)
		}
	}
	return m, nil
}

// SaveCheckpoint writes the model and tokenizer into dir, creating it if
// needed. Existing artifacts are overwritten: a checkpoint directory
// always holds the most recent best.
func SaveCheckpoint(dir string, m *Classifier, tok *Tokenizer) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create checkpoint dir: %w", err)
	}
	if err := SaveModel(m, filepath.Join(dir, ModelFileName)); err != nil {
		return err
	}
	if tok != nil {
		if err := tok.Save(filepath.Join(dir, TokenizerFileName)); err != nil {
			return err
		}
	}
	return nil
}

// LoadCheckpoint reads a checkpoint directory written by SaveCheckpoint.
// The tokenizer is optional; a missing tokenizer file yields (model, nil).
func LoadCheckpoint(dir string) (*Classifier, *Tokenizer, error) {
	m, err := LoadModel(filepath.Join(dir, ModelFileName))
	if err != nil {
		return nil, nil, err
	}
	tokPath := filepath.Join(dir, TokenizerFileName)
	if _, err := os.Stat(tokPath); os.IsNotExist(err) {
		return m, nil, nil
	}
	tok, err := LoadTokenizer(tokPath)
	if err != nil {
		return nil, nil, err
	}
	return m, tok, nil
}
