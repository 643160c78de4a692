// Package tasks 定义了通过 Kafka 传递的任务结构。
package tasks

// DocumentProcessingTask 是一次文档向量化处理任务的负载。
type DocumentProcessingTask struct {
	DocumentID uint   `json:"document_id"`
	FileMD5    string `json:"file_md5"`
	FileName   string `json:"file_name"`
	MimeType   string `json:"mime_type"`
}
