// Package storage 提供了与对象存储服务（MinIO）交互的功能，
// 用于保存待处理文档的原始字节。
package storage

import (
	"context"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"ragbot-go/internal/config"
	"ragbot-go/pkg/log"
)

// Store 封装了 MinIO 客户端与默认存储桶。
type Store struct {
	client *minio.Client
	bucket string
	logger *log.Logger
}

// NewStore 初始化 MinIO 客户端并确保指定的存储桶存在。
func NewStore(cfg config.MinIOConfig, logger *log.Logger) (*Store, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("初始化 MinIO 客户端失败: %w", err)
	}

	// 检查存储桶是否存在，不存在则创建
	ctx := context.Background()
	exists, err := client.BucketExists(ctx, cfg.BucketName)
	if err != nil {
		return nil, fmt.Errorf("检查 MinIO 存储桶失败: %w", err)
	}
	if !exists {
		logger.Infof("存储桶 '%s' 不存在，正在创建...", cfg.BucketName)
		if err := client.MakeBucket(ctx, cfg.BucketName, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("创建 MinIO 存储桶失败: %w", err)
		}
	}

	return &Store{client: client, bucket: cfg.BucketName, logger: logger}, nil
}

// PutDocument 上传文档原始内容，对象名为 documents/{fileMD5}。
func (s *Store) PutDocument(ctx context.Context, fileMD5, contentType string, r io.Reader, size int64) error {
	objectName := documentObjectName(fileMD5)
	_, err := s.client.PutObject(ctx, s.bucket, objectName, r, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return fmt.Errorf("上传文档到 MinIO 失败: %w", err)
	}
	s.logger.Infof("[Storage] 文档已上传, object: %s, size: %d", objectName, size)
	return nil
}

// GetDocument 按文件 MD5 下载文档原始内容，调用方负责关闭返回的流。
func (s *Store) GetDocument(ctx context.Context, fileMD5 string) (io.ReadCloser, error) {
	object, err := s.client.GetObject(ctx, s.bucket, documentObjectName(fileMD5), minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("从 MinIO 下载文档失败: %w", err)
	}
	return object, nil
}

// RemoveDocument 删除文档对象。
func (s *Store) RemoveDocument(ctx context.Context, fileMD5 string) error {
	return s.client.RemoveObject(ctx, s.bucket, documentObjectName(fileMD5), minio.RemoveObjectOptions{})
}

func documentObjectName(fileMD5 string) string {
	return fmt.Sprintf("documents/%s", fileMD5)
}
