// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

package nn

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSaveLoadModelRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.bin")
	m := NewTiny()
	m.reordered = true

	require.NoError(t, SaveModel(m, path))
	loaded, err := LoadModel(path)
	require.NoError(t, err)

	require.Equal(t, m.Config(), loaded.Config())
	require.True(t, loaded.Reordered())

	src, dst := m.NamedParameters(), loaded.NamedParameters()
	require.Len(t, dst, len(src))
	for i := range src {
		require.Equal(t, src[i].Name, dst[i].Name)
		require.Equal(t, src[i].Tensor.Data(), dst[i].Tensor.Data(), src[i].Name)
	}
}

// A round-tripped model computes the same logits as the original.
func TestLoadedModelSameOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.bin")
	m := NewTiny()
	require.NoError(t, SaveModel(m, path))
	loaded, err := LoadModel(path)
	require.NoError(t, err)

	batch := testBatch(2, 8, m.Config())
	want, err := m.Forward(batch.InputIDs, batch.SegmentIDs)
	require.NoError(t, err)
	got, err := loaded.Forward(batch.InputIDs, batch.SegmentIDs)
	require.NoError(t, err)
	require.Equal(t, want.Logits.Data(), got.Logits.Data())
}

func TestLoadModelBadMagic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.bin")
	require.NoError(t, os.WriteFile(path, []byte("NOPExxxxxxxx"), 0o644))
	_, err := LoadModel(path)
	require.ErrorContains(t, err, "bad magic")
}

func TestLoadModelTruncated(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.bin")
	m := NewTiny()
	require.NoError(t, SaveModel(m, path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data[:len(data)-16], 0o644))

	_, err = LoadModel(path)
	require.Error(t, err)
}

func TestSaveLoadCheckpointDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "ckpt")
	m := NewTiny()
	tok := NewTokenizer([]string{"hello world"}, m.Config().VocabSize)

	require.NoError(t, SaveCheckpoint(dir, m, tok))
	loaded, loadedTok, err := LoadCheckpoint(dir)
	require.NoError(t, err)
	require.NotNil(t, loadedTok)
	require.Equal(t, tok.VocabSize(), loadedTok.VocabSize())
	require.Equal(t, m.Config(), loaded.Config())
}

// Tokenizer is optional in a checkpoint directory.
func TestLoadCheckpointWithoutTokenizer(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "ckpt")
	m := NewTiny()
	require.NoError(t, SaveCheckpoint(dir, m, nil))

	loaded, tok, err := LoadCheckpoint(dir)
	require.NoError(t, err)
	require.Nil(t, tok)
	require.NotNil(t, loaded)
}
