package handler

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"ragbot-go/internal/model"
	"ragbot-go/internal/repository"
	"ragbot-go/internal/service"
	"ragbot-go/pkg/kafka"
	"ragbot-go/pkg/log"
	"ragbot-go/pkg/storage"
	"ragbot-go/pkg/tasks"
	"ragbot-go/pkg/tika"
)

// DocumentHandler 负责处理知识库文档的上传、查询与删除。
// 上传只落库与投递任务，解析与向量化由消费者异步完成。
type DocumentHandler struct {
	docRepo   repository.DocumentRepository
	blobStore *storage.Store
	producer  *kafka.Producer
	retrieval service.RetrievalService
	index     service.VectorIndex // 可为 nil（未启用 ES 时）
	logger    *log.Logger
}

// NewDocumentHandler 创建一个新的 DocumentHandler 实例。
func NewDocumentHandler(docRepo repository.DocumentRepository, blobStore *storage.Store, producer *kafka.Producer, retrieval service.RetrievalService, index service.VectorIndex, logger *log.Logger) *DocumentHandler {
	return &DocumentHandler{
		docRepo:   docRepo,
		blobStore: blobStore,
		producer:  producer,
		retrieval: retrieval,
		index:     index,
		logger:    logger,
	}
}

// Upload 处理文档上传：计算 MD5 去重、写入对象存储、落库并发送处理任务。
func (h *DocumentHandler) Upload(c *gin.Context) {
	file, header, err := c.Request.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "未能获取上传的文件"})
		return
	}
	defer file.Close()

	// 先完整读入以计算 MD5（对象名即内容指纹）
	data, err := io.ReadAll(file)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "读取上传文件失败"})
		return
	}
	if len(data) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "上传文件为空"})
		return
	}

	sum := md5.Sum(data)
	fileMD5 := hex.EncodeToString(sum[:])

	existing, err := h.docRepo.FindByMD5(fileMD5)
	if err != nil {
		h.logger.Error("Upload: failed to check existing document", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "服务器内部错误"})
		return
	}
	if existing != nil {
		c.JSON(http.StatusOK, gin.H{
			"code":    http.StatusOK,
			"message": "文件已存在，无需重复上传",
			"data":    existing,
		})
		return
	}

	mimeType := tika.DetectMimeType(header.Filename)
	if err := h.blobStore.PutDocument(c.Request.Context(), fileMD5, mimeType, bytes.NewReader(data), int64(len(data))); err != nil {
		h.logger.Error("Upload: failed to store document blob", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "写入对象存储失败"})
		return
	}

	doc := &model.Document{
		FileMD5:  fileMD5,
		FileName: header.Filename,
		MimeType: mimeType,
		Status:   model.DocStatusUploaded,
	}
	if err := h.docRepo.Create(doc); err != nil {
		h.logger.Error("Upload: failed to create document record", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "保存文档记录失败"})
		return
	}

	task := tasks.DocumentProcessingTask{
		DocumentID: doc.ID,
		FileMD5:    fileMD5,
		FileName:   header.Filename,
		MimeType:   mimeType,
	}
	if err := h.producer.ProduceDocumentTask(c.Request.Context(), task); err != nil {
		// 任务投递失败时文档停留在 uploaded 状态，可通过 Reprocess 重新触发
		h.logger.Error("Upload: failed to produce processing task", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "任务投递失败，请稍后重试处理"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"code":    http.StatusOK,
		"message": "上传成功，处理任务已发送到 Kafka",
		"data":    doc,
	})
}

// List 返回全部文档及其处理状态。
func (h *DocumentHandler) List(c *gin.Context) {
	docs, err := h.docRepo.List()
	if err != nil {
		h.logger.Error("List: failed to list documents", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "查询文档失败"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"code": http.StatusOK,
		"data": docs,
	})
}

// Reprocess 对已上传的文档重新触发解析与向量化任务。
func (h *DocumentHandler) Reprocess(c *gin.Context) {
	doc, ok := h.findDocByParam(c)
	if !ok {
		return
	}

	task := tasks.DocumentProcessingTask{
		DocumentID: doc.ID,
		FileMD5:    doc.FileMD5,
		FileName:   doc.FileName,
		MimeType:   doc.MimeType,
	}
	if err := h.producer.ProduceDocumentTask(c.Request.Context(), task); err != nil {
		h.logger.Error("Reprocess: failed to produce processing task", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "任务投递失败"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"code":    http.StatusOK,
		"message": "重新处理任务已发送",
	})
}

// Delete 删除文档及其全部派生数据：向量索引、数据库记录与对象存储。
func (h *DocumentHandler) Delete(c *gin.Context) {
	doc, ok := h.findDocByParam(c)
	if !ok {
		return
	}

	if h.index != nil {
		if err := h.index.DeleteByDocument(c.Request.Context(), doc.ID); err != nil {
			h.logger.Error("Delete: failed to remove vectors from index", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "删除向量索引失败"})
			return
		}
	}

	if err := h.docRepo.Delete(doc.ID); err != nil {
		h.logger.Error("Delete: failed to delete document record", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "删除文档记录失败"})
		return
	}

	if err := h.blobStore.RemoveDocument(c.Request.Context(), doc.FileMD5); err != nil {
		// 数据库记录已删，对象残留只浪费空间，记录日志即可
		h.logger.Error("Delete: failed to remove document blob", err)
	}

	c.JSON(http.StatusOK, gin.H{
		"code":    http.StatusOK,
		"message": "文档已删除",
	})
}

// SearchRequest 定义了检索调试 API 的请求体结构。
type SearchRequest struct {
	Query       string `json:"query" binding:"required"`
	TopK        int    `json:"topK"`
	DocumentIDs []uint `json:"documentIds"`
	FileName    string `json:"fileName"`
}

// Search 直接执行一次向量检索，供运维验证知识库效果。
func (h *DocumentHandler) Search(c *gin.Context) {
	var req SearchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "无效的请求负载"})
		return
	}
	if req.TopK <= 0 {
		req.TopK = 5
	}

	matches, err := h.retrieval.Search(c.Request.Context(), req.Query, req.TopK, &service.SearchFilters{
		DocumentIDs:     req.DocumentIDs,
		FileNamePattern: req.FileName,
	})
	if err != nil {
		h.logger.Error("Search: retrieval failed", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "检索失败"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"code": http.StatusOK,
		"data": matches,
	})
}

func (h *DocumentHandler) findDocByParam(c *gin.Context) (*model.Document, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "无效的文档 ID"})
		return nil, false
	}
	doc, err := h.docRepo.FindByID(uint(id))
	if err != nil {
		h.logger.Error("findDocByParam: failed to load document", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "服务器内部错误"})
		return nil, false
	}
	if doc == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "文档不存在"})
		return nil, false
	}
	return doc, true
}
