package report

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"
)

// Uploader puts objects into S3. *manager.Uploader satisfies it.
type Uploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// Options selects where reports go. Empty fields disable that destination.
type Options struct {
	Path     string
	S3Bucket string
	S3Prefix string
}

// Writer stores reports on disk and in S3.
type Writer struct {
	opts     Options
	uploader Uploader
	logger   zerolog.Logger
}

// NewWriter creates a writer. uploader may be nil when no bucket is set.
func NewWriter(opts Options, uploader Uploader, logger zerolog.Logger) *Writer {
	return &Writer{
		opts:     opts,
		uploader: uploader,
		logger:   logger.With().Str("component", "report_writer").Logger(),
	}
}

// NewS3Uploader creates an uploader for cfg. endpoint, when set, points the
// client at an S3-compatible service using path-style addressing.
func NewS3Uploader(cfg aws.Config, endpoint string) *manager.Uploader {
	var clientOpts []func(*s3.Options)
	if endpoint != "" {
		clientOpts = append(clientOpts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		})
	}
	return manager.NewUploader(s3.NewFromConfig(cfg, clientOpts...))
}

// Enabled reports whether any destination is configured.
func (w *Writer) Enabled() bool {
	return w.opts.Path != "" || w.opts.S3Bucket != ""
}

// Key returns the S3 object key for a report.
func (w *Writer) Key(r *Report) string {
	prefix := w.opts.S3Prefix
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return prefix + r.RunID + ".json"
}

// Write stores r in every configured destination. A failure in one
// destination does not prevent the other.
func (w *Writer) Write(ctx context.Context, r *Report) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	data = append(data, '\n')

	var errs []error
	if w.opts.Path != "" {
		if err := writeFile(w.opts.Path, data); err != nil {
			errs = append(errs, err)
		} else {
			w.logger.Info().Str("path", w.opts.Path).Str("run_id", r.RunID).Msg("report written")
		}
	}

	if w.opts.S3Bucket != "" {
		if err := w.upload(ctx, r, data); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (w *Writer) upload(ctx context.Context, r *Report, data []byte) error {
	if w.uploader == nil {
		return errors.New("upload report: no S3 uploader configured")
	}

	key := w.Key(r)
	_, err := w.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(w.opts.S3Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("upload report to s3://%s/%s: %w", w.opts.S3Bucket, key, err)
	}

	w.logger.Info().
		Str("bucket", w.opts.S3Bucket).
		Str("key", key).
		Msg("report uploaded")
	return nil
}

// writeFile replaces path atomically with data, readable only by the owner.
func writeFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create report directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".report-*.json")
	if err != nil {
		return fmt.Errorf("create report file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write report file: %w", err)
	}
	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		return fmt.Errorf("write report file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write report file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("write report file: %w", err)
	}
	return nil
}
