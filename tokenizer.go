// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

package nn

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
)

// Reserved token IDs. The pad ID must match Config.PadTokenID so the
// attention mask lines up with tokenizer output.
const (
	PadID = 0
	UnkID = 1
	ClsID = 2
	SepID = 3
)

// Tokenizer is a whitespace word-level tokenizer with BERT-style special
// tokens. Inputs are lowercased; unknown words map to [UNK]. The vocab
// persists alongside model checkpoints so a saved model can be evaluated
// without the original training corpus.
type Tokenizer struct {
	vocab map[string]int
	words []string // index -> word, inverse of vocab
}

// tokenizerFile is the JSON serialization layout.
type tokenizerFile struct {
	Words []string `json:"words"`
}

// specialTokens occupy the first vocab slots in fixed order.
var specialTokens = []string{"[PAD]", "[UNK]", "[CLS]", "[SEP]"}

// NewTokenizer builds a tokenizer whose vocabulary is the special tokens
// followed by the corpus words in descending frequency (ties broken
// alphabetically), truncated to maxVocab entries.
func NewTokenizer(corpus []string, maxVocab int) *Tokenizer {
	counts := make(map[string]int)
	for _, text := range corpus {
		for _, w := range tokenize(text) {
			counts[w]++
		}
	}
	words := make([]string, 0, len(counts))
	for w := range counts {
		words = append(words, w)
	}
	sort.Slice(words, func(i, j int) bool {
		if counts[words[i]] != counts[words[j]] {
			return counts[words[i]] > counts[words[j]]
		}
		return words[i] < words[j]
	})

	all := append(append([]string(nil), specialTokens...), words...)
	if maxVocab > 0 && len(all) > maxVocab {
		all = all[:maxVocab]
	}
	return fromWords(all)
}

func fromWords(words []string) *Tokenizer {
	vocab := make(map[string]int, len(words))
	for i, w := range words {
		vocab[w] = i
	}
	return &Tokenizer{vocab: vocab, words: words}
}

func tokenize(text string) []string {
	return strings.Fields(strings.ToLower(text))
}

// VocabSize returns the vocabulary size including special tokens.
func (t *Tokenizer) VocabSize() int { return len(t.words) }

// Encode converts a sentence (or pair) to fixed-length token and segment
// ID slices: [CLS] a [SEP] for single inputs, [CLS] a [SEP] b [SEP] for
// pairs, truncated and padded to maxLen. Segment IDs are 0 through the
// first [SEP] and 1 for the second sentence; padding is segment 0.
func (t *Tokenizer) Encode(text, textB string, maxLen int) (ids, segIDs []int) {
	ids = make([]int, 0, maxLen)
	segIDs = make([]int, 0, maxLen)
	push := func(id, seg int) {
		if len(ids) < maxLen {
			ids = append(ids, id)
			segIDs = append(segIDs, seg)
		}
	}

	push(ClsID, 0)
	for _, w := range tokenize(text) {
		push(t.lookup(w), 0)
	}
	push(SepID, 0)
	if textB != "" {
		for _, w := range tokenize(textB) {
			push(t.lookup(w), 1)
		}
		push(SepID, 1)
	}
	for len(ids) < maxLen {
		ids = append(ids, PadID)
		segIDs = append(segIDs, 0)
	}
	return ids, segIDs
}

func (t *Tokenizer) lookup(word string) int {
	if id, ok := t.vocab[word]; ok {
		return id
	}
	return UnkID
}

// Save writes the vocabulary as JSON.
func (t *Tokenizer) Save(path string) error {
	data, err := json.Marshal(tokenizerFile{Words: t.words})
	if err != nil {
		return fmt.Errorf("marshal tokenizer: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write tokenizer: %w", err)
	}
	return nil
}

// LoadTokenizer reads a vocabulary saved by Save.
func LoadTokenizer(path string) (*Tokenizer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tokenizer: %w", err)
	}
	var tf tokenizerFile
	if err := json.Unmarshal(data, &tf); err != nil {
		return nil, fmt.Errorf("parse tokenizer: %w", err)
	}
	if len(tf.Words) < len(specialTokens) {
		return nil, fmt.Errorf("tokenizer vocab too small: %d entries", len(tf.Words))
	}
	for i, want := range specialTokens {
		if tf.Words[i] != want {
			return nil, fmt.Errorf("tokenizer slot %d holds %q, want %q", i, tf.Words[i], want)
		}
	}
	return fromWords(tf.Words), nil
}
