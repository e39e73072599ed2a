package service

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"github.com/minio/minio-go/v7"
)

// AttachmentService hands out presigned upload/download URLs for message
// attachments and builds thumbnails for image objects.
type AttachmentService struct {
	client *minio.Client
	bucket string
}

func NewAttachmentService(client *minio.Client, bucket string) *AttachmentService {
	return &AttachmentService{client: client, bucket: bucket}
}

func (s *AttachmentService) PresignUpload(ctx context.Context, objectKey string) (string, error) {
	u, err := s.client.PresignedPutObject(ctx, s.bucket, cleanObjectKey(objectKey), 15*time.Minute)
	if err != nil {
		return "", err
	}
	return u.String(), nil
}

func (s *AttachmentService) PresignDownload(ctx context.Context, objectKey string) (string, error) {
	u, err := s.client.PresignedGetObject(ctx, s.bucket, cleanObjectKey(objectKey), 15*time.Minute, url.Values{})
	if err != nil {
		return "", err
	}
	return u.String(), nil
}

// Finalize runs after a client completes an upload; image objects get a
// 320px JPEG thumbnail next to the original. The thumbnail key is empty
// for non-image content.
func (s *AttachmentService) Finalize(ctx context.Context, objectKey, contentType string) (string, error) {
	if !strings.HasPrefix(contentType, "image/") {
		return "", nil
	}
	return s.makeThumbnail(ctx, cleanObjectKey(objectKey))
}

func (s *AttachmentService) makeThumbnail(ctx context.Context, objectKey string) (string, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, objectKey, minio.GetObjectOptions{})
	if err != nil {
		return "", err
	}
	defer obj.Close()

	img, _, err := image.Decode(obj)
	if err != nil {
		return "", err
	}

	thumb := imaging.Thumbnail(img, 320, 320, imaging.Lanczos)
	buf := bytes.NewBuffer(nil)
	if err := imaging.Encode(buf, thumb, imaging.JPEG); err != nil {
		return "", err
	}

	ext := filepath.Ext(objectKey)
	thumbKey := strings.TrimSuffix(objectKey, ext) + "_thumb.jpg"
	reader := bytes.NewReader(buf.Bytes())
	_, err = s.client.PutObject(ctx, s.bucket, thumbKey, reader, int64(reader.Len()), minio.PutObjectOptions{ContentType: "image/jpeg"})
	if err != nil {
		return "", fmt.Errorf("upload thumb: %w", err)
	}
	return thumbKey, nil
}

func cleanObjectKey(objectKey string) string {
	return strings.TrimPrefix(strings.TrimSpace(objectKey), "/")
}
