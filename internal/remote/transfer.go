package remote

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Transferrer moves one document's bytes to the granted upload target.
type Transferrer interface {
	Transfer(ctx context.Context, target *UploadTarget, filePath string) error
}

// PresignTransferrer uploads via HTTP PUT to the presigned URL on the target.
type PresignTransferrer struct {
	httpClient *http.Client
}

func NewPresignTransferrer(timeout time.Duration) *PresignTransferrer {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &PresignTransferrer{httpClient: &http.Client{Timeout: timeout}}
}

func (t *PresignTransferrer) Transfer(ctx context.Context, target *UploadTarget, filePath string) error {
	if target.UploadURL == "" {
		return fmt.Errorf("upload target has no presigned url for key %s", target.ObjectKey)
	}

	file, err := os.Open(filePath)
	if err != nil {
		return fmt.Errorf("open %s: %w", filePath, err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", filePath, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, target.UploadURL, file)
	if err != nil {
		return fmt.Errorf("build transfer request: %w", err)
	}
	req.ContentLength = info.Size()
	if target.ContentType != "" {
		req.Header.Set("Content-Type", target.ContentType)
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{
			StatusCode: resp.StatusCode,
			Code:       "TRANSFER_REJECTED",
			Message:    "presigned upload rejected",
		}
	}
	return nil
}

// ObjectStoreConfig holds connection settings for the direct transfer mode.
type ObjectStoreConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
}

// ObjectTransferrer writes straight to the MinIO/S3 bucket named in the
// upload target, used by deployments where the pipeline holds store
// credentials instead of receiving presigned URLs.
type ObjectTransferrer struct {
	client *minio.Client
}

func NewObjectTransferrer(cfg *ObjectStoreConfig) (*ObjectTransferrer, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}
	return &ObjectTransferrer{client: client}, nil
}

func (t *ObjectTransferrer) Transfer(ctx context.Context, target *UploadTarget, filePath string) error {
	if target.Bucket == "" || target.ObjectKey == "" {
		return fmt.Errorf("upload target missing bucket/object key for document %s", target.DocumentID)
	}
	_, err := t.client.FPutObject(ctx, target.Bucket, target.ObjectKey, filePath, minio.PutObjectOptions{
		ContentType: target.ContentType,
	})
	if err != nil {
		return fmt.Errorf("failed to upload object %s: %w", target.ObjectKey, err)
	}
	return nil
}
