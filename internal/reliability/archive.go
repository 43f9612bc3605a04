package reliability

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/aristath/riskengine/internal/config"
	"github.com/aristath/riskengine/internal/events"
	"github.com/aristath/riskengine/internal/modules/batch"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"
)

// ObjectStore is the subset of the S3 API the archiver uses
type ObjectStore interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// ArchiveInfo describes one archived run summary
type ArchiveInfo struct {
	Key          string    `json:"key"`
	LastModified time.Time `json:"last_modified"`
	SizeBytes    int64     `json:"size_bytes"`
	AgeHours     int64     `json:"age_hours"`
}

// Keep at least this many archives regardless of age
const minArchivesToKeep = 3

// NewS3Client creates an S3 client for the archive configuration. A custom
// endpoint selects path-style addressing for S3-compatible stores.
func NewS3Client(ctx context.Context, cfg config.ArchiveConfig) (*s3.Client, error) {
	region := cfg.Region
	if region == "" {
		region = "auto"
	}
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	}), nil
}

// RunArchiver uploads finished batch run summaries as gzipped JSON
type RunArchiver struct {
	store  ObjectStore
	events batch.Emitter
	bucket string
	prefix string
	log    zerolog.Logger
}

// NewRunArchiver creates a run archiver. emitter may be nil.
func NewRunArchiver(store ObjectStore, bucket, prefix string, emitter batch.Emitter, log zerolog.Logger) *RunArchiver {
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &RunArchiver{
		store:  store,
		events: emitter,
		bucket: bucket,
		prefix: prefix,
		log:    log.With().Str("service", "run_archive").Logger(),
	}
}

// Key returns the object key of a run summary
func (a *RunArchiver) Key(s *batch.RunSummary) string {
	return fmt.Sprintf("%sruns/run-%s-%s.json.gz", a.prefix, s.StartedAt.UTC().Format("2006-01-02-150405"), s.ID)
}

// ArchiveRun uploads a run summary
func (a *RunArchiver) ArchiveRun(ctx context.Context, s *batch.RunSummary) error {
	startTime := time.Now()

	var buf bytes.Buffer
	gzipWriter := gzip.NewWriter(&buf)
	encoder := json.NewEncoder(gzipWriter)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(s); err != nil {
		return fmt.Errorf("failed to encode run summary: %w", err)
	}
	if err := gzipWriter.Close(); err != nil {
		return fmt.Errorf("failed to compress run summary: %w", err)
	}

	key := a.Key(s)
	size := buf.Len()
	_, err := a.store.PutObject(ctx, &s3.PutObjectInput{
		Bucket:          aws.String(a.bucket),
		Key:             aws.String(key),
		Body:            bytes.NewReader(buf.Bytes()),
		ContentLength:   aws.Int64(int64(size)),
		ContentType:     aws.String("application/json"),
		ContentEncoding: aws.String("gzip"),
		Metadata: map[string]string{
			"run-id": s.ID,
			"status": s.Status,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to upload run summary %s: %w", s.ID, err)
	}

	if a.events != nil {
		a.events.Emit("archive", &events.RunArchivedData{RunID: s.ID, Bucket: a.bucket, Key: key, Bytes: size})
	}
	a.log.Info().
		Str("run_id", s.ID).
		Str("key", key).
		Int("bytes", size).
		Dur("duration", time.Since(startTime)).
		Msg("Run summary archived")
	return nil
}

// Fetch downloads and decodes an archived run summary
func (a *RunArchiver) Fetch(ctx context.Context, key string) (*batch.RunSummary, error) {
	out, err := a.store.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to download %s: %w", key, err)
	}
	defer out.Body.Close()

	gzipReader, err := gzip.NewReader(out.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", key, err)
	}
	defer gzipReader.Close()

	data, err := io.ReadAll(gzipReader)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	var summary batch.RunSummary
	if err := json.Unmarshal(data, &summary); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return &summary, nil
}

// ListArchives lists archived run summaries, newest first
func (a *RunArchiver) ListArchives(ctx context.Context) ([]ArchiveInfo, error) {
	paginator := s3.NewListObjectsV2Paginator(a.store, &s3.ListObjectsV2Input{
		Bucket: aws.String(a.bucket),
		Prefix: aws.String(a.prefix + "runs/"),
	})

	now := time.Now()
	var archives []ArchiveInfo
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list run archives: %w", err)
		}
		for _, obj := range page.Contents {
			if obj.Key == nil || !strings.HasSuffix(*obj.Key, ".json.gz") {
				continue
			}
			info := ArchiveInfo{Key: *obj.Key}
			if obj.Size != nil {
				info.SizeBytes = *obj.Size
			}
			if obj.LastModified != nil {
				info.LastModified = *obj.LastModified
				info.AgeHours = int64(now.Sub(info.LastModified).Hours())
			}
			archives = append(archives, info)
		}
	}

	sort.Slice(archives, func(i, j int) bool {
		return archives[i].LastModified.After(archives[j].LastModified)
	})
	return archives, nil
}

// Rotate deletes archives older than retentionDays, always keeping the
// newest few. A retention of 0 keeps everything.
func (a *RunArchiver) Rotate(ctx context.Context, retentionDays int) (int, error) {
	if retentionDays <= 0 {
		return 0, nil
	}
	archives, err := a.ListArchives(ctx)
	if err != nil {
		return 0, err
	}
	if len(archives) <= minArchivesToKeep {
		return 0, nil
	}

	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	deleted := 0
	for _, archive := range archives[minArchivesToKeep:] {
		if !archive.LastModified.Before(cutoff) {
			continue
		}
		if _, err := a.store.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(a.bucket),
			Key:    aws.String(archive.Key),
		}); err != nil {
			a.log.Error().Err(err).Str("key", archive.Key).Msg("Failed to delete old run archive")
			continue
		}
		deleted++
	}

	a.log.Info().
		Int("deleted", deleted).
		Int("remaining", len(archives)-deleted).
		Msg("Run archive rotation completed")
	return deleted, nil
}
