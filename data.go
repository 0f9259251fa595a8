// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

package nn

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Example is one labeled classification input. TextB is empty for
// single-sentence tasks; when present the pair is encoded as
// [CLS] a [SEP] b [SEP] with segment IDs distinguishing the two.
type Example struct {
	Text  string
	TextB string
	Label int
}

// Batch is one collated model input: padded token and segment IDs of
// shape [Size, seq_len] plus the gold labels.
type Batch struct {
	InputIDs   *Tensor
	SegmentIDs *Tensor
	Labels     []int
	Size       int
}

// Loader yields batches of a dataset. Reset rewinds to the first batch;
// Next returns (nil, false) past the end. NumExamples is the total
// example count across all batches.
type Loader interface {
	Reset()
	Next() (*Batch, bool)
	NumExamples() int
}

// SliceLoader serves pre-built batches in a fixed order. Deterministic,
// used for evaluation sets, calibration sets, and tests.
type SliceLoader struct {
	batches []*Batch
	pos     int
	total   int
}

// NewSliceLoader wraps a fixed batch list.
func NewSliceLoader(batches []*Batch) *SliceLoader {
	total := 0
	for _, b := range batches {
		total += b.Size
	}
	return &SliceLoader{batches: batches, total: total}
}

// Reset rewinds to the first batch.
func (s *SliceLoader) Reset() { s.pos = 0 }

// Next returns the next batch in order.
func (s *SliceLoader) Next() (*Batch, bool) {
	if s.pos >= len(s.batches) {
		return nil, false
	}
	b := s.batches[s.pos]
	s.pos++
	return b, true
}

// NumExamples returns the total example count.
func (s *SliceLoader) NumExamples() int { return s.total }

// NumBatches returns the batch count.
func (s *SliceLoader) NumBatches() int { return len(s.batches) }

// CollateExamples tokenizes and pads examples into batches of at most
// batchSize, preserving input order.
func CollateExamples(examples []Example, tok *Tokenizer, maxLen, batchSize int) *SliceLoader {
	var batches []*Batch
	for start := 0; start < len(examples); start += batchSize {
		end := start + batchSize
		if end > len(examples) {
			end = len(examples)
		}
		chunk := examples[start:end]
		n := len(chunk)
		ids := make([]float32, 0, n*maxLen)
		segs := make([]float32, 0, n*maxLen)
		labels := make([]int, n)
		for i, ex := range chunk {
			tokIDs, segIDs := tok.Encode(ex.Text, ex.TextB, maxLen)
			ids = append(ids, idsToF32(tokIDs)...)
			segs = append(segs, idsToF32(segIDs)...)
			labels[i] = ex.Label
		}
		batches = append(batches, &Batch{
			InputIDs:   FromSliceNoCopy(ids, NewShape(n, maxLen)),
			SegmentIDs: FromSliceNoCopy(segs, NewShape(n, maxLen)),
			Labels:     labels,
			Size:       n,
		})
	}
	return NewSliceLoader(batches)
}

// ValidateLabels checks every example's label against the task's class
// count. An out-of-range label is a configuration error and must surface
// before any training state exists.
func ValidateLabels(examples []Example, numClasses int) error {
	for i, ex := range examples {
		if ex.Label < 0 || ex.Label >= numClasses {
			return fmt.Errorf("example %d: label %d outside [0, %d)", i, ex.Label, numClasses)
		}
	}
	return nil
}

// ReadTSV loads a tab-separated dataset file. Each line is either
// "label<TAB>text" or "label<TAB>text_a<TAB>text_b". Blank lines and
// lines starting with '#' are skipped.
func ReadTSV(path string) ([]Example, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open dataset: %w", err)
	}
	defer f.Close()

	var examples []Example
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 1<<20), 1<<20)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) < 2 {
			return nil, fmt.Errorf("%s:%d: expected at least 2 tab-separated fields", path, lineNo)
		}
		label, err := strconv.Atoi(strings.TrimSpace(fields[0]))
		if err != nil {
			return nil, fmt.Errorf("%s:%d: bad label %q: %w", path, lineNo, fields[0], err)
		}
		ex := Example{Label: label, Text: fields[1]}
		if len(fields) > 2 {
			ex.TextB = fields[2]
		}
		examples = append(examples, ex)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read dataset: %w", err)
	}
	return examples, nil
}
