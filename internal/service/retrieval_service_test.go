package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"ragbot-go/internal/model"
	"ragbot-go/internal/repository"
	"ragbot-go/pkg/llm"
	"ragbot-go/pkg/log"
)

// fakeEmbedder 是返回固定向量的 llm.Client。
type fakeEmbedder struct {
	vector []float32
	failOn map[string]bool
}

func (f *fakeEmbedder) ChatCompletion(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	return nil, fmt.Errorf("not used in retrieval tests")
}

func (f *fakeEmbedder) Embedding(ctx context.Context, text, model string) ([]float32, error) {
	if f.failOn[text] {
		return nil, fmt.Errorf("embedding failed for %q", text)
	}
	return f.vector, nil
}

func (f *fakeEmbedder) ListModels(ctx context.Context) ([]string, error) { return nil, nil }

type memDocRepo struct {
	candidates []repository.EmbeddingCandidate
	embeddings []model.Embedding
	filters    *repository.EmbeddingFilters
}

func (r *memDocRepo) Create(doc *model.Document) error                  { return nil }
func (r *memDocRepo) FindByID(id uint) (*model.Document, error)        { return nil, nil }
func (r *memDocRepo) FindByMD5(fileMD5 string) (*model.Document, error) { return nil, nil }
func (r *memDocRepo) List() ([]model.Document, error)                  { return nil, nil }
func (r *memDocRepo) UpdateStatus(id uint, status string) error        { return nil }
func (r *memDocRepo) Delete(id uint) error                             { return nil }
func (r *memDocRepo) BatchCreateChunks(chunks []*model.Chunk) error    { return nil }
func (r *memDocRepo) FindChunksByDocument(documentID uint) ([]model.Chunk, error) {
	return nil, nil
}
func (r *memDocRepo) DeleteDerived(documentID uint) error { return nil }
func (r *memDocRepo) CreateEmbedding(emb *model.Embedding) error {
	r.embeddings = append(r.embeddings, *emb)
	return nil
}
func (r *memDocRepo) FindEmbeddings(filters *repository.EmbeddingFilters) ([]repository.EmbeddingCandidate, error) {
	r.filters = filters
	return r.candidates, nil
}

func mustVectorJSON(t *testing.T, v []float32) string {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return string(b)
}

func TestFallbackSearchOrdering(t *testing.T) {
	docRepo := &memDocRepo{
		candidates: []repository.EmbeddingCandidate{
			{ChunkID: 1, DocumentID: 1, ChunkIndex: 0, Content: "正交内容", FileName: "a.txt", VectorJSON: mustVectorJSON(t, []float32{0, 1})},
			{ChunkID: 2, DocumentID: 1, ChunkIndex: 1, Content: "完全相关", FileName: "a.txt", VectorJSON: mustVectorJSON(t, []float32{1, 0})},
			{ChunkID: 3, DocumentID: 2, ChunkIndex: 0, Content: "部分相关", FileName: "b.txt", VectorJSON: mustVectorJSON(t, []float32{1, 1})},
			{ChunkID: 4, DocumentID: 2, ChunkIndex: 1, Content: "坏向量", FileName: "b.txt", VectorJSON: "not-json"},
		},
	}
	llmClient := &fakeEmbedder{vector: []float32{1, 0}}
	svc := NewRetrievalService(llmClient, docRepo, nil, "test-embed", log.NewNop())

	matches, err := svc.Search(context.Background(), "查询", 2, nil)
	if err != nil {
		t.Fatalf("search failed: %v", err)
	}
	if len(matches) != 2 {
		t.Fatalf("expected top-2, got %d", len(matches))
	}
	// 相似度降序：chunk 2 (cos=1) > chunk 3 (cos≈0.707)
	if matches[0].Content != "完全相关" {
		t.Errorf("expected best match first, got %q", matches[0].Content)
	}
	if matches[1].Content != "部分相关" {
		t.Errorf("expected second best match, got %q", matches[1].Content)
	}
	if matches[0].Score <= matches[1].Score {
		t.Errorf("scores not descending: %f <= %f", matches[0].Score, matches[1].Score)
	}
}

func TestFallbackSearchTieBreakByChunkID(t *testing.T) {
	docRepo := &memDocRepo{
		candidates: []repository.EmbeddingCandidate{
			{ChunkID: 9, DocumentID: 1, ChunkIndex: 1, Content: "后入库", VectorJSON: mustVectorJSON(t, []float32{1, 0})},
			{ChunkID: 3, DocumentID: 1, ChunkIndex: 0, Content: "先入库", VectorJSON: mustVectorJSON(t, []float32{1, 0})},
		},
	}
	svc := NewRetrievalService(&fakeEmbedder{vector: []float32{1, 0}}, docRepo, nil, "test-embed", log.NewNop())

	matches, err := svc.Search(context.Background(), "查询", 10, nil)
	if err != nil {
		t.Fatalf("search failed: %v", err)
	}
	if len(matches) != 2 || matches[0].Content != "先入库" {
		t.Fatalf("equal scores must order by chunk id ascending, got %+v", matches)
	}
}

func TestSearchFilterWildcardTranslation(t *testing.T) {
	docRepo := &memDocRepo{}
	svc := NewRetrievalService(&fakeEmbedder{vector: []float32{1}}, docRepo, nil, "test-embed", log.NewNop())

	_, err := svc.Search(context.Background(), "q", 3, &SearchFilters{
		DocumentIDs:     []uint{7},
		FileNamePattern: "report*.pdf",
	})
	if err != nil {
		t.Fatalf("search failed: %v", err)
	}
	if docRepo.filters == nil {
		t.Fatal("filters were not forwarded to repository")
	}
	if docRepo.filters.FileNamePattern != "report%.pdf" {
		t.Errorf("expected '*' translated to '%%', got %q", docRepo.filters.FileNamePattern)
	}
	if len(docRepo.filters.DocumentIDs) != 1 || docRepo.filters.DocumentIDs[0] != 7 {
		t.Errorf("document id filter lost: %+v", docRepo.filters.DocumentIDs)
	}
}

func TestSearchZeroK(t *testing.T) {
	svc := NewRetrievalService(&fakeEmbedder{}, &memDocRepo{}, nil, "test-embed", log.NewNop())
	matches, err := svc.Search(context.Background(), "q", 0, nil)
	if err != nil || matches != nil {
		t.Fatalf("k=0 must return empty without error, got %v, %v", matches, err)
	}
}

func TestAugmentSystemPrompt(t *testing.T) {
	svc := NewRetrievalService(&fakeEmbedder{}, &memDocRepo{}, nil, "test-embed", log.NewNop())

	base := "你是助手"
	out := svc.AugmentSystemPrompt(base, []model.SearchMatch{
		{FileName: "guide.md", Content: "第一条参考"},
		{Content: "无文件名的参考"},
	})
	if !strings.HasPrefix(out, base) {
		t.Error("base prompt must be preserved at the beginning")
	}
	if !strings.Contains(out, "<<REF>>") || !strings.Contains(out, "<<END>>") {
		t.Error("reference markers missing")
	}
	if !strings.Contains(out, "[1] (guide.md) 第一条参考") {
		t.Errorf("formatted match missing: %q", out)
	}
	if !strings.Contains(out, "(unknown) 无文件名的参考") {
		t.Errorf("missing filename must render as unknown: %q", out)
	}

	// 空结果仍有标记段落，且为纯函数
	empty := svc.AugmentSystemPrompt(base, nil)
	if !strings.Contains(empty, "<<REF>>") {
		t.Error("empty result must still include marker section")
	}
	if base != "你是助手" {
		t.Error("base string must not be modified")
	}
}

func TestEmbedChunksPartialFailure(t *testing.T) {
	docRepo := &memDocRepo{}
	embedder := &fakeEmbedder{vector: []float32{1, 2}, failOn: map[string]bool{"坏分块": true}}
	svc := NewRetrievalService(embedder, docRepo, nil, "test-embed", log.NewNop())

	doc := &model.Document{ID: 1, FileMD5: "abc", FileName: "a.txt"}
	chunks := []model.Chunk{
		{ID: 1, ChunkIndex: 0, Content: "好分块"},
		{ID: 2, ChunkIndex: 1, Content: "坏分块"},
		{ID: 3, ChunkIndex: 2, Content: "另一个好分块"},
	}

	ok, failed, err := svc.EmbedChunks(context.Background(), doc, chunks)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("expected partial failure")
	}
	if len(failed) != 1 || failed[0] != 1 {
		t.Fatalf("expected failed=[1], got %v", failed)
	}
	if len(docRepo.embeddings) != 2 {
		t.Fatalf("expected 2 stored embeddings, got %d", len(docRepo.embeddings))
	}
}
