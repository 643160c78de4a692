package service

import (
	"fmt"
	"math"
	"strings"
	"testing"
)

func TestChunkTextEmpty(t *testing.T) {
	if got := ChunkText("", 10, 2); got != nil {
		t.Fatalf("expected nil for empty text, got %v", got)
	}
	if got := ChunkText("   \n\t  ", 10, 2); got != nil {
		t.Fatalf("expected nil for whitespace-only text, got %v", got)
	}
}

func TestChunkTextShorterThanWindow(t *testing.T) {
	chunks := ChunkText("alpha beta gamma", 10, 2)
	if len(chunks) != 1 {
		t.Fatalf("expected single chunk, got %d", len(chunks))
	}
	if chunks[0] != "alpha beta gamma" {
		t.Fatalf("unexpected chunk content: %q", chunks[0])
	}
}

func TestChunkTextWindowAndOverlap(t *testing.T) {
	words := make([]string, 10)
	for i := range words {
		words[i] = fmt.Sprintf("w%d", i)
	}
	// size=4, overlap=1 → 步长 3：[0:4] [3:7] [6:10]
	chunks := ChunkText(strings.Join(words, " "), 4, 1)
	want := []string{
		"w0 w1 w2 w3",
		"w3 w4 w5 w6",
		"w6 w7 w8 w9",
	}
	if len(chunks) != len(want) {
		t.Fatalf("expected %d chunks, got %d: %v", len(want), len(chunks), chunks)
	}
	for i := range want {
		if chunks[i] != want[i] {
			t.Errorf("chunk %d: expected %q, got %q", i, want[i], chunks[i])
		}
	}
}

// 覆盖性：任意词都出现在至少一个块中，且块间拼接可复原词序列。
func TestChunkTextCoversAllWords(t *testing.T) {
	var sb strings.Builder
	for i := 0; i < 57; i++ {
		fmt.Fprintf(&sb, "word%02d ", i)
	}
	text := sb.String()
	words := strings.Fields(text)

	for _, tc := range []struct{ size, overlap int }{
		{5, 0}, {5, 2}, {8, 7}, {3, 3}, {100, 10},
	} {
		chunks := ChunkText(text, tc.size, tc.overlap)
		step := tc.size - tc.overlap
		if step < 1 {
			step = tc.size
		}
		var rebuilt []string
		for i, c := range chunks {
			cw := strings.Fields(c)
			if i == len(chunks)-1 {
				rebuilt = append(rebuilt, cw...)
			} else {
				if len(cw) != tc.size {
					t.Fatalf("size=%d overlap=%d: chunk %d has %d words", tc.size, tc.overlap, i, len(cw))
				}
				rebuilt = append(rebuilt, cw[:step]...)
			}
		}
		if strings.Join(rebuilt, " ") != strings.Join(words, " ") {
			t.Errorf("size=%d overlap=%d: chunks do not cover word sequence", tc.size, tc.overlap)
		}
	}
}

func TestCosineSimilarity(t *testing.T) {
	if got := CosineSimilarity([]float32{1, 0}, []float32{1, 0}); math.Abs(got-1) > 1e-9 {
		t.Errorf("identical vectors: expected 1, got %f", got)
	}
	if got := CosineSimilarity([]float32{1, 0}, []float32{0, 1}); math.Abs(got) > 1e-9 {
		t.Errorf("orthogonal vectors: expected 0, got %f", got)
	}
	if got := CosineSimilarity([]float32{1, 2}, []float32{-1, -2}); math.Abs(got+1) > 1e-9 {
		t.Errorf("opposite vectors: expected -1, got %f", got)
	}
	if got := CosineSimilarity([]float32{0, 0}, []float32{1, 2}); got != 0 {
		t.Errorf("zero vector: expected 0, got %f", got)
	}
	// 对称性
	a, b := []float32{0.3, 0.7, 0.1}, []float32{0.5, 0.2, 0.9}
	if CosineSimilarity(a, b) != CosineSimilarity(b, a) {
		t.Error("cosine similarity is not symmetric")
	}
}
