package beeps

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/golang/snappy"
)

// BackupConfig configures periodic document snapshots to S3 or an
// S3-compatible service.
type BackupConfig struct {
	// Bucket to write snapshots to. Empty disables backups.
	Bucket string `yaml:"bucket"`

	// Region for the bucket.
	Region string `yaml:"region"`

	// Endpoint overrides the S3 endpoint, for MinIO and friends.
	Endpoint string `yaml:"endpoint"`

	// Prefix is prepended to every object key.
	Prefix string `yaml:"prefix"`

	// AccessKeyID and SecretAccessKey authenticate explicitly. Prefer IAM
	// roles or the AWS_ACCESS_KEY_ID / AWS_SECRET_ACCESS_KEY environment
	// variables; never commit credentials.
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`

	// UsePathStyle switches to path-style addressing.
	UsePathStyle bool `yaml:"use_path_style"`

	// Interval between sweeps.
	Interval time.Duration `yaml:"interval"`
}

// Backupper periodically serializes every document's operation log and
// puts a snappy-compressed snapshot object per document.
type Backupper struct {
	cfg    BackupConfig
	store  *Store
	client *s3.Client
}

// NewBackupper builds the S3 client from the backup configuration.
func NewBackupper(cfg BackupConfig, store *Store) (*Backupper, error) {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}

	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	return &Backupper{cfg: cfg, store: store, client: client}, nil
}

// Run sweeps on the configured interval until ctx is canceled.
func (b *Backupper) Run(ctx context.Context) {
	ticker := time.NewTicker(b.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := b.Sweep(ctx); err != nil {
				slog.Error("backup sweep", "err", err)
			}
		}
	}
}

// Sweep snapshots every document once.
func (b *Backupper) Sweep(ctx context.Context) error {
	ids, err := b.store.DocumentIDs(ctx)
	if err != nil {
		return err
	}

	for _, id := range ids {
		if err := b.snapshot(ctx, id); err != nil {
			return fmt.Errorf("snapshot document %d: %w", id, err)
		}
	}

	slog.Info("backup sweep complete", "documents", len(ids))
	return nil
}

func (b *Backupper) snapshot(ctx context.Context, documentID int64) error {
	ops, err := b.store.OpsSince(ctx, documentID, nil)
	if err != nil {
		return err
	}

	body, err := json.Marshal(struct {
		DocumentID int64           `json:"document_id"`
		Operations []TimestampedOp `json:"operations"`
	}{DocumentID: documentID, Operations: ops})
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	key := path.Join(b.cfg.Prefix,
		fmt.Sprintf("doc-%d", documentID),
		fmt.Sprintf("%s.json.sz", FormatInstant(time.Now())))

	_, err = b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(b.cfg.Bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(snappy.Encode(nil, body)),
	})
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}

	slog.Debug("snapshot written", "key", key, "ops", len(ops))
	return nil
}
