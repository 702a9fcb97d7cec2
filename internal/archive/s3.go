// Package archive uploads a finished run's output files to S3-compatible storage.
package archive

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"
)

// minPartSize is the S3 multipart minimum.
const minPartSize int64 = 5 * 1024 * 1024

// Config describes the bucket. Endpoint is empty for AWS S3 and set for
// compatible providers such as MinIO or R2.
type Config struct {
	Enabled        bool   `mapstructure:"enabled"`
	Endpoint       string `mapstructure:"endpoint"`
	Region         string `mapstructure:"region"`
	Bucket         string `mapstructure:"bucket"`
	Prefix         string `mapstructure:"prefix"`
	AccessKey      string `mapstructure:"access_key"`
	SecretKey      string `mapstructure:"secret_key"`
	UseSSL         bool   `mapstructure:"use_ssl"`
	ForcePathStyle bool   `mapstructure:"force_path_style"`
	PartSize       int64  `mapstructure:"part_size"`
}

type uploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// Archiver uploads files under <prefix>/<run id>/.
type Archiver struct {
	up     uploader
	bucket string
	prefix string
	logger zerolog.Logger
}

// New builds an S3 client with static credentials when given, falling back
// to the default AWS credential chain.
func New(ctx context.Context, cfg Config, logger zerolog.Logger) (*Archiver, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("archive.bucket is required")
	}
	if cfg.Region == "" {
		return nil, fmt.Errorf("archive.region is required")
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(normaliseEndpoint(cfg.Endpoint, cfg.UseSSL))
		}
		o.UsePathStyle = cfg.ForcePathStyle
	})

	partSize := cfg.PartSize
	if partSize < minPartSize {
		partSize = minPartSize
	}
	up := manager.NewUploader(client, func(u *manager.Uploader) {
		u.PartSize = partSize
	})
	return newArchiver(up, cfg, logger), nil
}

func newArchiver(up uploader, cfg Config, logger zerolog.Logger) *Archiver {
	return &Archiver{
		up:     up,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
		logger: logger.With().Str("component", "archive").Logger(),
	}
}

// Upload stores each existing file and returns the object keys written.
// Missing files are skipped.
func (a *Archiver) Upload(ctx context.Context, runID string, files []string) ([]string, error) {
	var keys []string
	for _, file := range files {
		key := path.Join(a.prefix, runID, filepath.Base(file))
		uploaded, err := a.put(ctx, file, key)
		if err != nil {
			return keys, err
		}
		if !uploaded {
			a.logger.Debug().Str("file", file).Msg("skipping missing file")
			continue
		}
		keys = append(keys, key)
	}
	a.logger.Info().Str("bucket", a.bucket).Str("run_id", runID).Int("objects", len(keys)).Msg("run archived")
	return keys, nil
}

func (a *Archiver) put(ctx context.Context, file, key string) (bool, error) {
	f, err := os.Open(file)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("open %s: %w", file, err)
	}
	defer f.Close()

	_, err = a.up.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        f,
		ContentType: aws.String(contentType(file)),
	})
	if err != nil {
		return false, fmt.Errorf("upload %s: %w", key, err)
	}
	return true, nil
}

func contentType(file string) string {
	switch filepath.Ext(file) {
	case ".jsonl":
		return "application/x-ndjson"
	case ".json":
		return "application/json"
	case ".csv":
		return "text/csv"
	case ".png":
		return "image/png"
	default:
		return "application/octet-stream"
	}
}

// normaliseEndpoint adds a scheme to host:port endpoints.
func normaliseEndpoint(endpoint string, useSSL bool) string {
	if strings.Contains(endpoint, "://") {
		return endpoint
	}
	if useSSL {
		return "https://" + endpoint
	}
	return "http://" + endpoint
}
