package storage

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"careerCanvas/internal/config"
)

// Client 封装 MinIO 客户端，作为媒体存储适配器：
// 接收原始文件字节，返回可长期访问的 URL。
type Client struct {
	internalClient *minio.Client
	publicBase     *url.URL
	bucketName     string
}

// uploadTimeout 限制单次上传耗时，适配器故障以错误暴露而不是悬挂请求。
const uploadTimeout = 30 * time.Second

// NewClient 根据配置初始化 MinIO 客户端，并确保目标 Bucket 存在。
func NewClient(cfg config.MinIOConfig) (*Client, error) {
	internalClient, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio client: %w", err)
	}

	publicBase, err := url.Parse(cfg.PublicEndpoint)
	if err != nil {
		return nil, fmt.Errorf("parse minio public endpoint: %w", err)
	}
	if publicBase.Host == "" {
		return nil, fmt.Errorf("invalid minio public endpoint, host missing")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	exists, err := internalClient.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %q: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := internalClient.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("make bucket %q: %w", cfg.Bucket, err)
		}
	}

	return &Client{
		internalClient: internalClient,
		publicBase:     publicBase,
		bucketName:     cfg.Bucket,
	}, nil
}

// UploadFile 上传对象并返回长期访问 URL。
// 上传整体受超时约束，超时或网络抖动会重试一次后放弃。
func (c *Client) UploadFile(ctx context.Context, objectName string, reader io.ReadSeeker, size int64, contentType string) (string, error) {
	opts := minio.PutObjectOptions{ContentType: contentType}

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			if _, err := reader.Seek(0, io.SeekStart); err != nil {
				return "", fmt.Errorf("rewind upload stream: %w", err)
			}
		}

		uploadCtx, cancel := context.WithTimeout(ctx, uploadTimeout)
		_, err := c.internalClient.PutObject(uploadCtx, c.bucketName, objectName, reader, size, opts)
		cancel()
		if err == nil {
			return c.ObjectURL(objectName), nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}

	return "", fmt.Errorf("%w: put object %q: %v", ErrUploadFailed, objectName, lastErr)
}

// ObjectURL 拼出对象的长期访问 URL（公共读 Bucket 的直接路径）。
func (c *Client) ObjectURL(objectKey string) string {
	u := *c.publicBase
	u.Path = strings.TrimRight(u.Path, "/") + "/" + c.bucketName + "/" + objectKey
	return u.String()
}

// ObjectKeyFromURL 从长期访问 URL 还原对象 Key；不属于本 Bucket 时返回空串。
func (c *Client) ObjectKeyFromURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || !strings.EqualFold(u.Host, c.publicBase.Host) {
		return ""
	}
	prefix := strings.TrimRight(c.publicBase.Path, "/") + "/" + c.bucketName + "/"
	if !strings.HasPrefix(u.Path, prefix) {
		return ""
	}
	return strings.TrimPrefix(u.Path, prefix)
}

// GeneratePresignedURL 生成对象的限时下载链接。
func (c *Client) GeneratePresignedURL(ctx context.Context, objectKey string, duration time.Duration) (string, error) {
	presignedURL, err := c.internalClient.PresignedGetObject(ctx, c.bucketName, objectKey, duration, nil)
	if err != nil {
		return "", fmt.Errorf("generate presigned url for %q: %w", objectKey, err)
	}
	return presignedURL.String(), nil
}

// DeleteObject 删除指定对象。
// 若对象不存在会被视为成功（幂等）。
func (c *Client) DeleteObject(ctx context.Context, objectKey string) error {
	objectKey = strings.TrimSpace(objectKey)
	if objectKey == "" {
		return nil
	}
	if err := c.internalClient.RemoveObject(ctx, c.bucketName, objectKey, minio.RemoveObjectOptions{}); err != nil {
		if IsNoSuchKey(err) {
			return nil
		}
		return fmt.Errorf("remove object %q: %w", objectKey, err)
	}
	return nil
}
