package repository

import (
	"errors"

	"gorm.io/gorm"

	"ragbot-go/internal/model"
)

// DocumentRepository 定义了文档及其分块、向量的操作接口。
// 分块与向量的生命周期跟随文档：删除或重新处理时整体清理。
type DocumentRepository interface {
	Create(doc *model.Document) error
	FindByID(id uint) (*model.Document, error)
	FindByMD5(fileMD5 string) (*model.Document, error)
	List() ([]model.Document, error)
	UpdateStatus(id uint, status string) error
	Delete(id uint) error

	BatchCreateChunks(chunks []*model.Chunk) error
	FindChunksByDocument(documentID uint) ([]model.Chunk, error)
	// DeleteDerived 删除文档的分块与向量（重新处理前的幂等清理）。
	DeleteDerived(documentID uint) error

	CreateEmbedding(emb *model.Embedding) error
	// FindEmbeddings 加载候选向量，filters 为 nil 时加载全部。
	// 结果与分块内容、文件名一并返回，供余弦兜底检索排序。
	FindEmbeddings(filters *EmbeddingFilters) ([]EmbeddingCandidate, error)
}

// EmbeddingFilters 在兜底检索排序前约束候选集。
type EmbeddingFilters struct {
	DocumentIDs []uint
	// FileNamePattern 是 SQL LIKE 模式。
	FileNamePattern string
}

// EmbeddingCandidate 是兜底检索加载的一条候选记录。
type EmbeddingCandidate struct {
	ChunkID    uint
	DocumentID uint
	ChunkIndex int
	Content    string
	FileName   string
	VectorJSON string
}

type documentRepository struct {
	db *gorm.DB
}

// NewDocumentRepository 创建一个新的 DocumentRepository 实例。
func NewDocumentRepository(db *gorm.DB) DocumentRepository {
	return &documentRepository{db: db}
}

func (r *documentRepository) Create(doc *model.Document) error {
	return r.db.Create(doc).Error
}

func (r *documentRepository) FindByID(id uint) (*model.Document, error) {
	var doc model.Document
	err := r.db.First(&doc, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

func (r *documentRepository) FindByMD5(fileMD5 string) (*model.Document, error) {
	var doc model.Document
	err := r.db.Where("file_md5 = ?", fileMD5).First(&doc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

func (r *documentRepository) List() ([]model.Document, error) {
	var docs []model.Document
	err := r.db.Order("id ASC").Find(&docs).Error
	return docs, err
}

func (r *documentRepository) UpdateStatus(id uint, status string) error {
	return r.db.Model(&model.Document{}).Where("id = ?", id).Update("status", status).Error
}

func (r *documentRepository) Delete(id uint) error {
	return r.db.Transaction(func(tx *gorm.DB) error {
		if err := deleteDerivedTx(tx, id); err != nil {
			return err
		}
		return tx.Delete(&model.Document{}, id).Error
	})
}

func (r *documentRepository) BatchCreateChunks(chunks []*model.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	return r.db.CreateInBatches(chunks, 100).Error // 每100条记录一批
}

func (r *documentRepository) FindChunksByDocument(documentID uint) ([]model.Chunk, error) {
	var chunks []model.Chunk
	err := r.db.Where("document_id = ?", documentID).Order("chunk_index ASC").Find(&chunks).Error
	return chunks, err
}

func (r *documentRepository) DeleteDerived(documentID uint) error {
	return r.db.Transaction(func(tx *gorm.DB) error {
		return deleteDerivedTx(tx, documentID)
	})
}

func deleteDerivedTx(tx *gorm.DB, documentID uint) error {
	if err := tx.Where("document_id = ?", documentID).Delete(&model.Embedding{}).Error; err != nil {
		return err
	}
	return tx.Where("document_id = ?", documentID).Delete(&model.Chunk{}).Error
}

func (r *documentRepository) CreateEmbedding(emb *model.Embedding) error {
	return r.db.Create(emb).Error
}

func (r *documentRepository) FindEmbeddings(filters *EmbeddingFilters) ([]EmbeddingCandidate, error) {
	q := r.db.Table("embeddings").
		Select("embeddings.chunk_id, embeddings.document_id, chunks.chunk_index, chunks.content, documents.file_name, embeddings.vector_json").
		Joins("JOIN chunks ON chunks.id = embeddings.chunk_id").
		Joins("JOIN documents ON documents.id = embeddings.document_id")
	if filters != nil {
		if len(filters.DocumentIDs) > 0 {
			q = q.Where("embeddings.document_id IN ?", filters.DocumentIDs)
		}
		if filters.FileNamePattern != "" {
			q = q.Where("documents.file_name LIKE ?", filters.FileNamePattern)
		}
	}

	var candidates []EmbeddingCandidate
	err := q.Order("embeddings.chunk_id ASC").Scan(&candidates).Error
	return candidates, err
}
