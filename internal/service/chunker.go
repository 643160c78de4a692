// Package service 包含了应用的业务逻辑层。
package service

import (
	"math"
	"strings"
)

// ChunkText 将长文本按词切分为可重叠的滑动窗口。
// 先归一化空白并按词边界切分，窗口大小为 chunkSize 个词，
// 每次前进 chunkSize-overlap 个词（overlap >= chunkSize 时至少
// 前进一个窗口）。整个词序列被完整覆盖，最后一块可以更短。
func ChunkText(text string, chunkSize, overlap int) []string {
	words := strings.Fields(text)
	if len(words) == 0 {
		return nil
	}
	if chunkSize <= 0 {
		chunkSize = 1
	}

	step := chunkSize - overlap
	if step < 1 {
		// overlap 不小于 chunkSize 时退化为不重叠切分
		step = chunkSize
	}

	var chunks []string
	for i := 0; i < len(words); i += step {
		end := i + chunkSize
		if end > len(words) {
			end = len(words)
		}
		chunks = append(chunks, strings.Join(words[i:end], " "))
		if end == len(words) {
			break
		}
	}
	return chunks
}

// CosineSimilarity 计算两个向量的余弦相似度 dot(a,b)/(|a|*|b|)。
// 任一向量范数为 0 时定义为 0。
func CosineSimilarity(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot, normA, normB float64
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
	}
	for _, v := range a {
		normA += float64(v) * float64(v)
	}
	for _, v := range b {
		normB += float64(v) * float64(v)
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
