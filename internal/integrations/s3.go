package integrations

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"keypanel/backend/internal/config"
	"keypanel/backend/internal/models"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ReportArchive writes balance report batches to S3 compatible storage.
type ReportArchive struct {
	bucket string
	prefix string
	client *s3.Client
}

type balanceBatch struct {
	GeneratedAt time.Time              `json:"generatedAt"`
	Reports     []models.BalanceReport `json:"reports"`
}

// NewS3 creates the archive client.
func NewS3(ctx context.Context, cfg config.S3Config) (*ReportArchive, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("S3_BUCKET is required")
	}

	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	options := s3.Options{
		Region:       region,
		Credentials:  credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		UsePathStyle: true,
	}
	if endpoint := normalizeEndpoint(cfg.Endpoint, cfg.UseSSL); endpoint != "" {
		options.BaseEndpoint = aws.String(endpoint)
	}

	return &ReportArchive{
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
		client: s3.New(options),
	}, nil
}

// ArchiveReports implements reconciler.Archiver and returns the object URI.
func (a *ReportArchive) ArchiveReports(ctx context.Context, at time.Time, reports []models.BalanceReport) (string, error) {
	body, err := json.Marshal(balanceBatch{GeneratedAt: at.UTC(), Reports: reports})
	if err != nil {
		return "", err
	}
	key := buildReportKey(a.prefix, at)
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(a.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(body),
		ContentType:   aws.String("application/json"),
		ContentLength: aws.Int64(int64(len(body))),
	})
	if err != nil {
		return "", fmt.Errorf("put %s: %w", key, err)
	}
	return fmt.Sprintf("s3://%s/%s", a.bucket, key), nil
}

func buildReportKey(prefix string, at time.Time) string {
	at = at.UTC()
	key := fmt.Sprintf("%d/%02d/%02d/balances-%s.json", at.Year(), at.Month(), at.Day(), at.Format("150405.000000000"))
	if prefix == "" {
		return key
	}
	return prefix + "/" + key
}

func normalizeEndpoint(endpoint string, useSSL bool) string {
	if endpoint == "" {
		return ""
	}
	if strings.HasPrefix(endpoint, "http") {
		return endpoint
	}
	scheme := "https"
	if !useSSL {
		scheme = "http"
	}
	return scheme + "://" + endpoint
}
