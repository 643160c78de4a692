// Package pipeline 定义了文档向量化处理的核心流程。
package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"unicode/utf8"

	"ragbot-go/internal/model"
	"ragbot-go/internal/repository"
	"ragbot-go/internal/service"
	"ragbot-go/pkg/log"
	"ragbot-go/pkg/storage"
	"ragbot-go/pkg/tasks"
	"ragbot-go/pkg/tika"
)

// 默认分块参数，settings 中的 rag_chunk_size / rag_chunk_overlap 优先。
const (
	defaultChunkSize    = 200
	defaultChunkOverlap = 20
)

// Processor 封装了文档处理的所有依赖和逻辑。
type Processor struct {
	tikaClient  *tika.Client
	blobStore   *storage.Store
	docRepo     repository.DocumentRepository
	settingRepo repository.SettingRepository
	retrieval   service.RetrievalService
	index       service.VectorIndex
	logger      *log.Logger
}

// NewProcessor 创建一个新的 Processor 实例。
func NewProcessor(
	tikaClient *tika.Client,
	blobStore *storage.Store,
	docRepo repository.DocumentRepository,
	settingRepo repository.SettingRepository,
	retrieval service.RetrievalService,
	index service.VectorIndex,
	logger *log.Logger,
) *Processor {
	return &Processor{
		tikaClient:  tikaClient,
		blobStore:   blobStore,
		docRepo:     docRepo,
		settingRepo: settingRepo,
		retrieval:   retrieval,
		index:       index,
		logger:      logger,
	}
}

// Process 是文档处理的主函数：下载、提取文本、分块、向量化、索引。
// 处理是幂等的：重新处理前先清理该文档既有的分块与向量。
func (p *Processor) Process(ctx context.Context, task tasks.DocumentProcessingTask) error {
	p.logger.Infof("[Processor] 开始处理文档, ID: %d, FileMD5: %s, FileName: %s", task.DocumentID, task.FileMD5, task.FileName)

	doc, err := p.docRepo.FindByID(task.DocumentID)
	if err != nil {
		return fmt.Errorf("查询文档记录失败: %w", err)
	}
	if doc == nil {
		return fmt.Errorf("文档记录不存在: %d", task.DocumentID)
	}

	if err := p.docRepo.UpdateStatus(doc.ID, model.DocStatusPending); err != nil {
		return fmt.Errorf("更新文档状态失败: %w", err)
	}

	if err := p.process(ctx, doc); err != nil {
		if statusErr := p.docRepo.UpdateStatus(doc.ID, model.DocStatusFailed); statusErr != nil {
			p.logger.Errorf("[Processor] 标记文档失败状态出错: %v", statusErr)
		}
		return err
	}

	if err := p.docRepo.UpdateStatus(doc.ID, model.DocStatusProcessed); err != nil {
		return fmt.Errorf("更新文档状态失败: %w", err)
	}
	p.logger.Infof("[Processor] 文档处理成功完成, FileMD5: %s", doc.FileMD5)
	return nil
}

func (p *Processor) process(ctx context.Context, doc *model.Document) error {
	// 1. 从对象存储下载原始内容
	p.logger.Infof("[Processor] 步骤1: 从对象存储下载文档, FileMD5: %s", doc.FileMD5)
	object, err := p.blobStore.GetDocument(ctx, doc.FileMD5)
	if err != nil {
		return err
	}
	defer object.Close()

	buf := new(bytes.Buffer)
	size, err := buf.ReadFrom(object)
	if err != nil {
		return fmt.Errorf("读取对象流失败: %w", err)
	}
	if size == 0 {
		return errors.New("文档内容为空")
	}
	p.logger.Infof("[Processor] 步骤1: 下载成功, 文件大小: %d字节", size)

	// 2. 使用 Tika 提取文本
	p.logger.Info("[Processor] 步骤2: 使用Tika提取文本内容")
	textContent, err := p.tikaClient.ExtractText(bytes.NewReader(buf.Bytes()), doc.FileName)
	if err != nil {
		return fmt.Errorf("使用 Tika 提取文本失败: %w", err)
	}
	if textContent == "" {
		return errors.New("提取的文本内容为空")
	}
	p.logger.Infof("[Processor] 步骤2: 文本提取成功, 内容长度: %d 字符", utf8.RuneCountInString(textContent))

	// 3. 文本切块（分块参数来自 settings，缺省用内置默认值）
	chunkSize, chunkOverlap := p.chunkParams()
	p.logger.Infof("[Processor] 步骤3: 进行文本分块, chunkSize: %d, chunkOverlap: %d", chunkSize, chunkOverlap)
	chunkTexts := service.ChunkText(textContent, chunkSize, chunkOverlap)
	if len(chunkTexts) == 0 {
		return errors.New("未生成任何文本分块")
	}
	p.logger.Infof("[Processor] 步骤3: 文本分块完成, 共生成 %d 个分块", len(chunkTexts))

	// 4. 幂等清理后把分块存入数据库
	if err := p.docRepo.DeleteDerived(doc.ID); err != nil {
		return fmt.Errorf("清理既有分块失败: %w", err)
	}
	if p.index != nil {
		if err := p.index.DeleteByDocument(ctx, doc.ID); err != nil {
			p.logger.Warnf("[Processor] 清理向量索引旧记录失败 (document_id=%d): %v", doc.ID, err)
		}
	}

	chunks := make([]*model.Chunk, 0, len(chunkTexts))
	for i, content := range chunkTexts {
		chunks = append(chunks, &model.Chunk{
			DocumentID: doc.ID,
			ChunkIndex: i,
			Content:    content,
		})
	}
	if err := p.docRepo.BatchCreateChunks(chunks); err != nil {
		return fmt.Errorf("批量保存文本分块失败: %w", err)
	}

	// 5. 从数据库回读分块并向量化（单块失败不中止整批）
	savedChunks, err := p.docRepo.FindChunksByDocument(doc.ID)
	if err != nil {
		return fmt.Errorf("从数据库读取分块失败: %w", err)
	}
	ok, failed, err := p.retrieval.EmbedChunks(ctx, doc, savedChunks)
	if err != nil {
		return fmt.Errorf("分块向量化失败: %w", err)
	}
	if !ok {
		p.logger.Warnf("[Processor] 部分分块向量化失败, 文档: %s, 失败分块: %v", doc.FileMD5, failed)
	}
	p.logger.Infof("[Processor] 步骤5: 分块向量化完成, 成功 %d/%d", len(savedChunks)-len(failed), len(savedChunks))
	return nil
}

func (p *Processor) chunkParams() (int, int) {
	defaults := model.BotSettings{ChunkSize: defaultChunkSize, ChunkOverlap: defaultChunkOverlap}
	rows, err := p.settingRepo.All()
	if err != nil {
		p.logger.Warnf("[Processor] 读取 settings 失败，使用默认分块参数: %v", err)
		return defaults.ChunkSize, defaults.ChunkOverlap
	}
	s := model.BotSettingsFromRows(rows, defaults)
	if s.ChunkOverlap >= s.ChunkSize {
		// 非法配置退回默认值，保证窗口前进
		return defaults.ChunkSize, defaults.ChunkOverlap
	}
	return s.ChunkSize, s.ChunkOverlap
}
