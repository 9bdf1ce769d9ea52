package storage

import (
	"context"
	"fmt"
	"io"
	"time"

	"PartyFM/config"
	"PartyFM/logger"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

var (
	minioClient *minio.Client
	minioBucket string
)

// InitMinio 初始化 MinIO 客户端并确保存储桶存在
func InitMinio(cfg *config.Config) error {
	client, err := minio.New(cfg.MinioEndpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.MinioAccessKey, cfg.MinioSecretKey, ""),
		Secure: cfg.MinioUseSSL,
	})
	if err != nil {
		return fmt.Errorf("create minio client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	exists, err := client.BucketExists(ctx, cfg.MinioBucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", cfg.MinioBucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.MinioBucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("create bucket %s: %w", cfg.MinioBucket, err)
		}
		logger.Info("minio bucket created", logger.String("bucket", cfg.MinioBucket))
	}

	minioClient = client
	minioBucket = cfg.MinioBucket
	logger.Info("minio connected",
		logger.String("endpoint", cfg.MinioEndpoint),
		logger.String("bucket", cfg.MinioBucket))
	return nil
}

// GetMinioClient 获取 MinIO 客户端，未初始化时返回 nil
func GetMinioClient() *minio.Client {
	return minioClient
}

// UploadCover 上传曲目封面，返回对象路径
func UploadCover(ctx context.Context, trackID string, reader io.Reader, size int64, contentType string) (string, error) {
	if minioClient == nil {
		return "", fmt.Errorf("minio client not initialized")
	}

	objectName := fmt.Sprintf("covers/%s.img", trackID)
	_, err := minioClient.PutObject(ctx, minioBucket, objectName, reader, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", fmt.Errorf("upload cover for track %s: %w", trackID, err)
	}
	return "/" + objectName, nil
}

// GetObject 按对象路径读取文件（封面等静态资源的服务端出口）
func GetObject(ctx context.Context, objectPath string) (*minio.Object, error) {
	if minioClient == nil {
		return nil, fmt.Errorf("minio client not initialized")
	}
	return minioClient.GetObject(ctx, minioBucket, objectPath, minio.GetObjectOptions{})
}
