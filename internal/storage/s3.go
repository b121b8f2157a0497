// Package storage はタスク添付ファイルのオブジェクトストレージを扱う。
// ファイル本体はクライアントが署名付きURLで直接アップロード・ダウンロードする。
package storage

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/uuid"
)

// ErrUnavailable はストレージが一時的に利用できない場合に返る。
var ErrUnavailable = errors.New("attachment storage unavailable")

// AttachmentStore は添付ファイル用の署名付きURLを発行する。
type AttachmentStore interface {
	// PresignUpload はアップロード用URLを発行する。
	PresignUpload(ctx context.Context, key, contentType string) (string, error)
	// PresignDownload はダウンロード用URLを発行する。
	PresignDownload(ctx context.Context, key string) (string, error)
	// Exists はオブジェクトが存在するかを返す。
	Exists(ctx context.Context, key string) (bool, error)
}

// S3Config はS3Storeの設定。
type S3Config struct {
	Bucket   string
	Region   string
	Endpoint string // MinIOなどS3互換ストレージ用（任意）
	Prefix   string
	URLTTL   time.Duration
}

// S3Store はS3互換ストレージのAttachmentStore実装。
type S3Store struct {
	client  *s3.Client
	presign *s3.PresignClient
	bucket  string
	prefix  string
	ttl     time.Duration
}

// NewS3Store はS3Storeを生成する。
func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	ttl := cfg.URLTTL
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}

	return &S3Store{
		client:  client,
		presign: s3.NewPresignClient(client),
		bucket:  cfg.Bucket,
		prefix:  cfg.Prefix,
		ttl:     ttl,
	}, nil
}

// PresignUpload はPUT用の署名付きURLを発行する。
func (s *S3Store) PresignUpload(ctx context.Context, key, contentType string) (string, error) {
	input := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.prefix + key),
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}
	req, err := s.presign.PresignPutObject(ctx, input, s3.WithPresignExpires(s.ttl))
	if err != nil {
		return "", fmt.Errorf("failed to presign upload: %w", err)
	}
	return req.URL, nil
}

// PresignDownload はGET用の署名付きURLを発行する。
func (s *S3Store) PresignDownload(ctx context.Context, key string) (string, error) {
	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.prefix + key),
	}, s3.WithPresignExpires(s.ttl))
	if err != nil {
		return "", fmt.Errorf("failed to presign download: %w", err)
	}
	return req.URL, nil
}

// Exists はHeadObjectでオブジェクトの存在を確認する。
func (s *S3Store) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.prefix + key),
	})
	if err == nil {
		return true, nil
	}
	var notFound *types.NotFound
	if errors.As(err, &notFound) {
		return false, nil
	}
	return false, fmt.Errorf("s3 head failed: %w", err)
}

// AttachmentKey はタスク添付ファイルのオブジェクトキーを組み立てる。
// 同名ファイルの再アップロードで上書きしないよう一意なIDを挟む。
func AttachmentKey(taskID, filename string) string {
	return fmt.Sprintf("tasks/%s/%s-%s", taskID, uuid.New().String(), SanitizeFilename(filename))
}

// SanitizeFilename はファイル名からパス要素と制御文字を取り除く。
// 空になった場合は "file" を返す。
func SanitizeFilename(name string) string {
	name = path.Base(strings.ReplaceAll(name, "\\", "/"))
	var b strings.Builder
	for _, r := range name {
		switch {
		case r < 0x20 || r == 0x7f:
			continue
		case r == '/' || r == '?' || r == '#' || r == '%':
			b.WriteRune('_')
		default:
			b.WriteRune(r)
		}
	}
	out := strings.TrimSpace(b.String())
	if out == "" || out == "." || out == ".." {
		return "file"
	}
	return out
}

var _ AttachmentStore = (*S3Store)(nil)
