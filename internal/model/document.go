package model

import (
	"encoding/json"
	"time"
)

// 文档处理状态。
const (
	DocStatusUploaded  = "uploaded"
	DocStatusPending   = "pending"
	DocStatusProcessed = "processed"
	DocStatusFailed    = "failed"
)

// Document 对应 documents 表，记录一个已上传文件的元数据与处理状态。
type Document struct {
	ID        uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	FileMD5   string    `gorm:"type:varchar(32);not null;uniqueIndex" json:"fileMd5"`
	FileName  string    `gorm:"type:varchar(255);not null" json:"fileName"`
	MimeType  string    `gorm:"type:varchar(128)" json:"mimeType"`
	Status    string    `gorm:"type:varchar(16);not null;default:'uploaded'" json:"status"`
	Metadata  string    `gorm:"type:text" json:"metadata"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updatedAt"`
}

func (Document) TableName() string {
	return "documents"
}

// Chunk 对应 chunks 表。同一文档内 chunk_index 从 0 连续递增。
type Chunk struct {
	ID         uint   `gorm:"primaryKey;autoIncrement" json:"id"`
	DocumentID uint   `gorm:"not null;index" json:"documentId"`
	ChunkIndex int    `gorm:"not null" json:"chunkIndex"`
	Content    string `gorm:"type:text;not null" json:"content"`
}

func (Chunk) TableName() string {
	return "chunks"
}

// Embedding 对应 embeddings 表，每个分块恰好一条，写入后不可变。
// 文档删除或重新处理时随文档整体删除。
type Embedding struct {
	ID         uint   `gorm:"primaryKey;autoIncrement" json:"id"`
	ChunkID    uint   `gorm:"not null;uniqueIndex" json:"chunkId"`
	DocumentID uint   `gorm:"not null;index" json:"documentId"`
	VectorJSON string `gorm:"type:mediumtext;column:vector_json" json:"-"`
	Dimension  int    `gorm:"not null" json:"dimension"`
	Metadata   string `gorm:"type:text" json:"metadata"`
}

func (Embedding) TableName() string {
	return "embeddings"
}

// Vector 反序列化存储的向量。
func (e *Embedding) Vector() []float32 {
	if e.VectorJSON == "" {
		return nil
	}
	var v []float32
	if err := json.Unmarshal([]byte(e.VectorJSON), &v); err != nil {
		return nil
	}
	return v
}

// SetVector 序列化向量并记录维度。
func (e *Embedding) SetVector(v []float32) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	e.VectorJSON = string(b)
	e.Dimension = len(v)
}

// EsChunk 是索引到 Elasticsearch 的分块文档结构。
type EsChunk struct {
	VectorID     string    `json:"vector_id"` // 唯一标识：fileMd5_chunkIndex
	FileMD5      string    `json:"file_md5"`
	DocumentID   uint      `json:"document_id"`
	ChunkIndex   int       `json:"chunk_index"`
	TextContent  string    `json:"text_content"`
	Vector       []float32 `json:"vector"`
	ModelVersion string    `json:"model_version"`
	FileName     string    `json:"file_name"`
}

// SearchMatch 是检索子系统返回给调用方的统一结果结构，
// 与具体后端（ES 或数据库余弦兜底）无关。
type SearchMatch struct {
	DocumentID uint    `json:"documentId"`
	FileName   string  `json:"fileName"`
	ChunkIndex int     `json:"chunkIndex"`
	Content    string  `json:"content"`
	Score      float64 `json:"score"`
}
