// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

package nn

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTokenizerEncodeSingle(t *testing.T) {
	tok := NewTokenizer([]string{"the cat sat", "the dog"}, 0)

	ids, segs := tok.Encode("the cat", "", 8)
	require.Len(t, ids, 8)
	require.Equal(t, ClsID, ids[0])
	require.Equal(t, SepID, ids[3])
	require.Equal(t, PadID, ids[4])
	require.Equal(t, PadID, ids[7])
	for _, s := range segs {
		require.Equal(t, 0, s)
	}

	// "the" appears twice in the corpus, so it outranks the rest.
	require.Equal(t, len(specialTokens), ids[1], "most frequent word takes the first open slot")
}

func TestTokenizerEncodePair(t *testing.T) {
	tok := NewTokenizer([]string{"a b c d"}, 0)
	ids, segs := tok.Encode("a b", "c", 8)

	// [CLS] a b [SEP] c [SEP] [PAD] [PAD]
	require.Equal(t, ClsID, ids[0])
	require.Equal(t, SepID, ids[3])
	require.Equal(t, SepID, ids[5])
	require.Equal(t, PadID, ids[6])
	require.Equal(t, []int{0, 0, 0, 0, 1, 1, 0, 0}, segs)
}

func TestTokenizerUnknownAndTruncation(t *testing.T) {
	tok := NewTokenizer([]string{"a"}, 0)

	ids, _ := tok.Encode("zzz", "", 4)
	require.Equal(t, UnkID, ids[1])

	ids, segs := tok.Encode("a a a a a a", "", 4)
	require.Len(t, ids, 4)
	require.Len(t, segs, 4)
	require.Equal(t, ClsID, ids[0])
	require.NotContains(t, ids, PadID)
}

func TestTokenizerMaxVocab(t *testing.T) {
	tok := NewTokenizer([]string{"a b c d e f g h"}, 6)
	require.Equal(t, 6, tok.VocabSize())
	// Only two corpus words fit after the special tokens.
	ids, _ := tok.Encode("a b c", "", 8)
	require.Equal(t, UnkID, ids[3], "words past the vocab cap map to [UNK]")
}

func TestTokenizerSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokenizer.json")
	tok := NewTokenizer([]string{"hello world hello"}, 0)
	require.NoError(t, tok.Save(path))

	loaded, err := LoadTokenizer(path)
	require.NoError(t, err)
	require.Equal(t, tok.VocabSize(), loaded.VocabSize())

	wantIDs, wantSegs := tok.Encode("hello world", "", 6)
	gotIDs, gotSegs := loaded.Encode("hello world", "", 6)
	require.Equal(t, wantIDs, gotIDs)
	require.Equal(t, wantSegs, gotSegs)
}

func TestLoadTokenizerRejectsBadSpecials(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokenizer.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"words":["[PAD]","[UNK]","x","[SEP]","a"]}`), 0o644))
	_, err := LoadTokenizer(path)
	require.ErrorContains(t, err, "slot 2")
}

func TestCollateExamplesShapes(t *testing.T) {
	tok := NewTokenizer([]string{"a b c"}, 0)
	examples := []Example{
		{Text: "a b", Label: 0},
		{Text: "c", Label: 1},
		{Text: "a", Label: 0},
	}
	loader := CollateExamples(examples, tok, 8, 2)

	require.Equal(t, 3, loader.NumExamples())
	require.Equal(t, 2, loader.NumBatches())

	b1, ok := loader.Next()
	require.True(t, ok)
	require.Equal(t, 2, b1.Size)
	require.Equal(t, []int{2, 8}, b1.InputIDs.Shape().Dims())
	require.Equal(t, []int{0, 1}, b1.Labels)

	b2, ok := loader.Next()
	require.True(t, ok)
	require.Equal(t, 1, b2.Size)
	require.Equal(t, []int{1, 8}, b2.InputIDs.Shape().Dims())

	_, ok = loader.Next()
	require.False(t, ok)

	loader.Reset()
	again, ok := loader.Next()
	require.True(t, ok)
	require.Equal(t, b1.Labels, again.Labels)
}

func TestReadTSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "train.tsv")
	content := "# comment\n1\thello world\n\n0\tfirst sentence\tsecond sentence\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	examples, err := ReadTSV(path)
	require.NoError(t, err)
	require.Len(t, examples, 2)
	require.Equal(t, Example{Text: "hello world", Label: 1}, examples[0])
	require.Equal(t, Example{Text: "first sentence", TextB: "second sentence", Label: 0}, examples[1])
}

func TestValidateLabels(t *testing.T) {
	examples := []Example{
		{Text: "a", Label: 0},
		{Text: "b", Label: 1},
	}
	require.NoError(t, ValidateLabels(examples, 2))

	examples = append(examples, Example{Text: "c", Label: 5})
	err := ValidateLabels(examples, 2)
	require.ErrorContains(t, err, "example 2")
	require.ErrorContains(t, err, "label 5")

	err = ValidateLabels([]Example{{Text: "d", Label: -1}}, 2)
	require.ErrorContains(t, err, "label -1")
}

func TestReadTSVErrors(t *testing.T) {
	dir := t.TempDir()

	path := filepath.Join(dir, "nolabel.tsv")
	require.NoError(t, os.WriteFile(path, []byte("notanint\ttext\n"), 0o644))
	_, err := ReadTSV(path)
	require.ErrorContains(t, err, "bad label")

	path = filepath.Join(dir, "short.tsv")
	require.NoError(t, os.WriteFile(path, []byte("1\n"), 0o644))
	_, err = ReadTSV(path)
	require.ErrorContains(t, err, "tab-separated")

	_, err = ReadTSV(filepath.Join(dir, "missing.tsv"))
	require.Error(t, err)
}
