package service

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"ragbot-go/internal/model"
	"ragbot-go/internal/repository"
	"ragbot-go/pkg/es"
	"ragbot-go/pkg/llm"
	"ragbot-go/pkg/log"
)

// SearchFilters 在排序前约束候选集。FileNamePattern 使用 '*' 通配。
type SearchFilters struct {
	DocumentIDs     []uint
	FileNamePattern string
}

// VectorIndex 是原生向量索引路径的抽象（生产环境为 Elasticsearch）。
type VectorIndex interface {
	IndexChunk(ctx context.Context, doc model.EsChunk) error
	KnnSearch(ctx context.Context, queryVector []float32, k int, filters *es.KnnFilters) ([]model.SearchMatch, error)
	DeleteByDocument(ctx context.Context, documentID uint) error
}

// RetrievalService 定义了检索子系统的接口：
// 分块向量化入库与相似度检索。
type RetrievalService interface {
	// EmbedChunks 为已入库的分块逐个请求向量并写入。
	// 单个分块失败不会中止整批：返回整体是否全部成功，
	// 以及失败分块的下标列表。
	EmbedChunks(ctx context.Context, doc *model.Document, chunks []model.Chunk) (bool, []int, error)
	// Search 向量化查询文本并返回 top-k 相似分块，
	// 两条检索路径（向量索引 / 数据库余弦兜底）排序语义一致。
	Search(ctx context.Context, query string, k int, filters *SearchFilters) ([]model.SearchMatch, error)
	// AugmentSystemPrompt 将检索结果并入 system 提示词，纯函数。
	AugmentSystemPrompt(base string, matches []model.SearchMatch) string
}

type retrievalService struct {
	llmClient llm.Client
	docRepo   repository.DocumentRepository
	// index 为 nil 时检索走数据库余弦兜底路径
	index        VectorIndex
	modelVersion string
	logger       *log.Logger
}

// NewRetrievalService 创建一个新的 RetrievalService 实例。
// index 传 nil 表示没有可用的向量索引后端。
func NewRetrievalService(llmClient llm.Client, docRepo repository.DocumentRepository, index VectorIndex, modelVersion string, logger *log.Logger) RetrievalService {
	return &retrievalService{
		llmClient:    llmClient,
		docRepo:      docRepo,
		index:        index,
		modelVersion: modelVersion,
		logger:       logger,
	}
}

func (s *retrievalService) EmbedChunks(ctx context.Context, doc *model.Document, chunks []model.Chunk) (bool, []int, error) {
	var failed []int
	for i, chunk := range chunks {
		vector, err := s.llmClient.Embedding(ctx, chunk.Content, "")
		if err != nil {
			// 记录失败分块并继续，整批以部分成功结束
			s.logger.Errorf("[Retrieval] 分块 %d 向量化失败: %v", chunk.ChunkIndex, err)
			failed = append(failed, i)
			continue
		}

		emb := &model.Embedding{ChunkID: chunk.ID, DocumentID: doc.ID}
		emb.SetVector(vector)
		if err := s.docRepo.CreateEmbedding(emb); err != nil {
			return false, failed, fmt.Errorf("保存分块向量失败: %w", err)
		}

		if s.index != nil {
			esDoc := model.EsChunk{
				VectorID:     fmt.Sprintf("%s_%d", doc.FileMD5, chunk.ChunkIndex),
				FileMD5:      doc.FileMD5,
				DocumentID:   doc.ID,
				ChunkIndex:   chunk.ChunkIndex,
				TextContent:  chunk.Content,
				Vector:       vector,
				ModelVersion: s.modelVersion,
				FileName:     doc.FileName,
			}
			if err := s.index.IndexChunk(ctx, esDoc); err != nil {
				s.logger.Errorf("[Retrieval] 分块 %d 索引到向量后端失败: %v", chunk.ChunkIndex, err)
				failed = append(failed, i)
				continue
			}
		}
	}
	return len(failed) == 0, failed, nil
}

func (s *retrievalService) Search(ctx context.Context, query string, k int, filters *SearchFilters) ([]model.SearchMatch, error) {
	if k <= 0 {
		return nil, nil
	}

	queryVector, err := s.llmClient.Embedding(ctx, query, "")
	if err != nil {
		return nil, fmt.Errorf("failed to create query embedding: %w", err)
	}

	if s.index != nil {
		return s.index.KnnSearch(ctx, queryVector, k, knnFilters(filters))
	}
	return s.fallbackSearch(queryVector, k, filters)
}

// fallbackSearch 加载候选向量并在内存中按余弦相似度排序。
// 排序语义与向量索引路径一致：相似度降序，分块 ID 升序兜底。
func (s *retrievalService) fallbackSearch(queryVector []float32, k int, filters *SearchFilters) ([]model.SearchMatch, error) {
	candidates, err := s.docRepo.FindEmbeddings(dbFilters(filters))
	if err != nil {
		return nil, fmt.Errorf("加载候选向量失败: %w", err)
	}

	type scored struct {
		match   model.SearchMatch
		chunkID uint
	}
	results := make([]scored, 0, len(candidates))
	for _, c := range candidates {
		emb := model.Embedding{VectorJSON: c.VectorJSON}
		vector := emb.Vector()
		if vector == nil {
			continue
		}
		results = append(results, scored{
			match: model.SearchMatch{
				DocumentID: c.DocumentID,
				FileName:   c.FileName,
				ChunkIndex: c.ChunkIndex,
				Content:    c.Content,
				Score:      CosineSimilarity(queryVector, vector),
			},
			chunkID: c.ChunkID,
		})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].match.Score != results[j].match.Score {
			return results[i].match.Score > results[j].match.Score
		}
		return results[i].chunkID < results[j].chunkID
	})

	if len(results) > k {
		results = results[:k]
	}
	matches := make([]model.SearchMatch, 0, len(results))
	for _, r := range results {
		matches = append(matches, r.match)
	}
	return matches, nil
}

// AugmentSystemPrompt 纯函数：不修改入参，返回拼接后的新字符串。
// 检索内容用分隔标记包裹，与对话历史明确区分。
func (s *retrievalService) AugmentSystemPrompt(base string, matches []model.SearchMatch) string {
	var sb strings.Builder
	if base != "" {
		sb.WriteString(base)
		sb.WriteString("\n\n")
	}
	sb.WriteString("<<REF>>\n")
	if len(matches) == 0 {
		sb.WriteString("（本轮无检索结果）\n")
	} else {
		for i, m := range matches {
			snippet := m.Content
			fileLabel := m.FileName
			if fileLabel == "" {
				fileLabel = "unknown"
			}
			sb.WriteString(fmt.Sprintf("[%d] (%s) %s\n", i+1, fileLabel, snippet))
		}
	}
	sb.WriteString("<<END>>")
	return sb.String()
}

func knnFilters(filters *SearchFilters) *es.KnnFilters {
	if filters == nil {
		return nil
	}
	return &es.KnnFilters{
		DocumentIDs: filters.DocumentIDs,
		FileName:    filters.FileNamePattern,
	}
}

func dbFilters(filters *SearchFilters) *repository.EmbeddingFilters {
	if filters == nil {
		return nil
	}
	return &repository.EmbeddingFilters{
		DocumentIDs:     filters.DocumentIDs,
		FileNamePattern: strings.ReplaceAll(filters.FileNamePattern, "*", "%"),
	}
}
