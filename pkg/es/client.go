// Package es 提供了与 Elasticsearch 交互的客户端功能，
// 承担检索子系统的原生向量索引路径。
package es

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"

	"ragbot-go/internal/config"
	"ragbot-go/internal/model"
	"ragbot-go/pkg/log"
)

// Store 封装了对分块索引的全部 ES 操作。
type Store struct {
	client    *elasticsearch.Client
	indexName string
	logger    *log.Logger
}

// NewStore 初始化 Elasticsearch 客户端并确保索引存在。
func NewStore(esCfg config.ElasticsearchConfig, dims int, logger *log.Logger) (*Store, error) {
	cfg := elasticsearch.Config{
		Addresses: []string{esCfg.Addresses},
		Username:  esCfg.Username,
		Password:  esCfg.Password,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		},
	}
	client, err := elasticsearch.NewClient(cfg)
	if err != nil {
		return nil, err
	}
	s := &Store{client: client, indexName: esCfg.IndexName, logger: logger}
	if err := s.createIndexIfNotExists(dims); err != nil {
		return nil, err
	}
	return s, nil
}

// createIndexIfNotExists 检查索引是否存在，不存在则按向量维度创建。
func (s *Store) createIndexIfNotExists(dims int) error {
	res, err := s.client.Indices.Exists([]string{s.indexName})
	if err != nil {
		return err
	}
	if !res.IsError() && res.StatusCode == http.StatusOK {
		s.logger.Infof("索引 '%s' 已存在", s.indexName)
		return nil
	}
	if res.StatusCode != http.StatusNotFound {
		return fmt.Errorf("检查索引是否存在时收到意外的状态码: %d", res.StatusCode)
	}

	// dense_vector + cosine，与数据库兜底路径的余弦相似度语义对齐
	mapping := fmt.Sprintf(`{
		"mappings": {
			"properties": {
				"vector_id": { "type": "keyword" },
				"file_md5": { "type": "keyword" },
				"document_id": { "type": "long" },
				"chunk_index": { "type": "integer" },
				"text_content": { "type": "text" },
				"vector": {
					"type": "dense_vector",
					"dims": %d,
					"index": true,
					"similarity": "cosine"
				},
				"model_version": { "type": "keyword" },
				"file_name": { "type": "keyword" }
			}
		}
	}`, dims)

	res, err = s.client.Indices.Create(
		s.indexName,
		s.client.Indices.Create.WithBody(strings.NewReader(mapping)),
	)
	if err != nil {
		return err
	}
	if res.IsError() {
		s.logger.Errorf("创建索引 '%s' 时 Elasticsearch 返回错误: %s", s.indexName, res.String())
		return errors.New("创建索引时 Elasticsearch 返回错误")
	}

	s.logger.Infof("索引 '%s' 创建成功", s.indexName)
	return nil
}

// IndexChunk 将单个分块向量索引到 Elasticsearch。
func (s *Store) IndexChunk(ctx context.Context, doc model.EsChunk) error {
	docBytes, err := json.Marshal(doc)
	if err != nil {
		return err
	}

	req := esapi.IndexRequest{
		Index:      s.indexName,
		DocumentID: doc.VectorID,
		Body:       bytes.NewReader(docBytes),
		Refresh:    "true",
	}

	res, err := req.Do(ctx, s.client)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.IsError() {
		s.logger.Errorf("索引分块到 Elasticsearch 出错: %s", res.String())
		return errors.New("failed to index chunk")
	}
	return nil
}

// DeleteByDocument 删除某个文档的全部分块（重新处理前的幂等清理）。
func (s *Store) DeleteByDocument(ctx context.Context, documentID uint) error {
	query := fmt.Sprintf(`{"query":{"term":{"document_id":%d}}}`, documentID)
	res, err := s.client.DeleteByQuery(
		[]string{s.indexName},
		strings.NewReader(query),
		s.client.DeleteByQuery.WithContext(ctx),
		s.client.DeleteByQuery.WithRefresh(true),
	)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("delete by query returned error: %s", res.String())
	}
	return nil
}

// KnnFilters 在排序前约束候选集。
type KnnFilters struct {
	DocumentIDs []uint
	FileName    string // 文件名通配模式
}

// KnnSearch 通过 dense_vector 的 knn 查询检索 top-k 相似分块。
// 按相似度降序、vector_id 升序（平局时确定性）返回，
// 与数据库余弦兜底路径的排序语义一致。
func (s *Store) KnnSearch(ctx context.Context, queryVector []float32, k int, filters *KnnFilters) ([]model.SearchMatch, error) {
	knn := map[string]interface{}{
		"field":          "vector",
		"query_vector":   queryVector,
		"k":              k,
		"num_candidates": k * 10,
	}
	if f := buildFilterClause(filters); f != nil {
		knn["filter"] = f
	}

	esQuery := map[string]interface{}{
		"knn":  knn,
		"size": k,
		"sort": []interface{}{
			map[string]interface{}{"_score": "desc"},
			map[string]interface{}{"vector_id": "asc"},
		},
	}

	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(esQuery); err != nil {
		return nil, fmt.Errorf("failed to encode es query: %w", err)
	}

	res, err := s.client.Search(
		s.client.Search.WithContext(ctx),
		s.client.Search.WithIndex(s.indexName),
		s.client.Search.WithBody(&buf),
	)
	if err != nil {
		return nil, fmt.Errorf("elasticsearch search failed: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return nil, fmt.Errorf("elasticsearch returned an error: %s", res.String())
	}

	var esResponse struct {
		Hits struct {
			Hits []struct {
				Source model.EsChunk `json:"_source"`
				Score  float64       `json:"_score"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(res.Body).Decode(&esResponse); err != nil {
		return nil, fmt.Errorf("failed to decode es response: %w", err)
	}

	matches := make([]model.SearchMatch, 0, len(esResponse.Hits.Hits))
	for _, hit := range esResponse.Hits.Hits {
		matches = append(matches, model.SearchMatch{
			DocumentID: hit.Source.DocumentID,
			FileName:   hit.Source.FileName,
			ChunkIndex: hit.Source.ChunkIndex,
			Content:    hit.Source.TextContent,
			Score:      hit.Score,
		})
	}
	return matches, nil
}

func buildFilterClause(filters *KnnFilters) map[string]interface{} {
	if filters == nil {
		return nil
	}
	var clauses []map[string]interface{}
	if len(filters.DocumentIDs) > 0 {
		clauses = append(clauses, map[string]interface{}{
			"terms": map[string]interface{}{"document_id": filters.DocumentIDs},
		})
	}
	if filters.FileName != "" {
		clauses = append(clauses, map[string]interface{}{
			"wildcard": map[string]interface{}{"file_name": filters.FileName},
		})
	}
	if len(clauses) == 0 {
		return nil
	}
	return map[string]interface{}{
		"bool": map[string]interface{}{"must": clauses},
	}
}
