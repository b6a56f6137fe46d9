package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

type putObjectClient interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Archiver writes each audit record as a JSON object to S3 for
// long-term retention. Keys are date-partitioned:
// audit/<yyyy>/<mm>/<dd>/<traceID>.json.
type S3Archiver struct {
	client putObjectClient
	bucket string
	prefix string
	logger *slog.Logger
}

// NewS3Archiver builds an archiver on the default AWS config chain.
func NewS3Archiver(ctx context.Context, bucket, region string, logger *slog.Logger) (*S3Archiver, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewS3ArchiverWithClient(s3.NewFromConfig(cfg), bucket, logger), nil
}

// NewS3ArchiverWithClient wraps an existing client, used by tests.
func NewS3ArchiverWithClient(client putObjectClient, bucket string, logger *slog.Logger) *S3Archiver {
	if logger == nil {
		logger = slog.Default()
	}
	return &S3Archiver{client: client, bucket: bucket, prefix: "audit", logger: logger}
}

// Record implements Recorder. Upload failures are logged and absorbed;
// the log recorder still holds the record and the turn must not fail
// over archival.
func (a *S3Archiver) Record(ctx context.Context, rec Record) {
	body, err := json.Marshal(rec)
	if err != nil {
		a.logger.Error("marshal audit record", "error", err)
		return
	}

	key := fmt.Sprintf("%s/%s/%s.json", a.prefix, rec.Timestamp.UTC().Format("2006/01/02"), rec.TraceID)
	contentType := "application/json"

	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      &a.bucket,
		Key:         &key,
		Body:        bytes.NewReader(body),
		ContentType: &contentType,
	})
	if err != nil {
		a.logger.Error("archive audit record", "bucket", a.bucket, "key", key, "error", err)
	}
}

// FromPolicy builds a record from a turn's policy outcome.
func FromPolicy(traceID, accountID, sessionID, channel, messageHash string, allowed bool, blockedBy string, reasons []string) Record {
	return Record{
		Timestamp:   time.Now(),
		TraceID:     traceID,
		AccountID:   accountID,
		SessionID:   sessionID,
		Allowed:     allowed,
		BlockedBy:   blockedBy,
		ReasonCodes: reasons,
		Channel:     channel,
		MessageHash: messageHash,
	}
}
