package billing

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ArchiveConfig holds configuration for invoice PDF archival.
type ArchiveConfig struct {
	Bucket      string `env:"INVOICE_ARCHIVE_BUCKET,required"`
	Region      string `env:"INVOICE_ARCHIVE_REGION" envDefault:"us-east-1"`
	AccessKeyID string `env:"INVOICE_ARCHIVE_ACCESS_KEY_ID"`
	SecretKey   string `env:"INVOICE_ARCHIVE_SECRET_KEY"`
	Endpoint    string `env:"INVOICE_ARCHIVE_ENDPOINT"` // for S3-compatible services
}

// s3PutClient is the subset of the S3 API the archiver uses.
type s3PutClient interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3InvoiceArchiver copies paid-invoice PDFs from the processor's short-lived
// URLs into the organization's own bucket. The processor deletes documents on
// its retention schedule; the archive is the durable record.
type S3InvoiceArchiver struct {
	client     s3PutClient
	httpClient *http.Client
	bucket     string
	log        *slog.Logger
}

// S3ArchiverOption configures optional archiver collaborators.
type S3ArchiverOption func(*S3InvoiceArchiver)

// WithArchiveS3Client sets a pre-configured S3 client. Useful for testing.
func WithArchiveS3Client(client s3PutClient) S3ArchiverOption {
	return func(a *S3InvoiceArchiver) { a.client = client }
}

// WithArchiveHTTPClient sets the HTTP client used to download PDFs.
func WithArchiveHTTPClient(client *http.Client) S3ArchiverOption {
	return func(a *S3InvoiceArchiver) { a.httpClient = client }
}

// NewS3InvoiceArchiver creates an S3-backed invoice PDF archiver.
func NewS3InvoiceArchiver(ctx context.Context, cfg ArchiveConfig, log *slog.Logger, opts ...S3ArchiverOption) (*S3InvoiceArchiver, error) {
	if cfg.Bucket == "" || cfg.Region == "" {
		return nil, errors.New("archive bucket and region are required")
	}
	if log == nil {
		log = slog.Default()
	}

	a := &S3InvoiceArchiver{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		bucket:     cfg.Bucket,
		log:        log,
	}
	for _, opt := range opts {
		opt(a)
	}

	if a.client == nil {
		awsOptions := []func(*awsconfig.LoadOptions) error{
			awsconfig.WithRegion(cfg.Region),
		}
		if cfg.AccessKeyID != "" && cfg.SecretKey != "" {
			awsOptions = append(awsOptions,
				awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
					cfg.AccessKeyID,
					cfg.SecretKey,
					"",
				)),
			)
		}

		awsConfig, err := awsconfig.LoadDefaultConfig(ctx, awsOptions...)
		if err != nil {
			return nil, fmt.Errorf("failed to load aws config: %w", err)
		}

		a.client = s3.NewFromConfig(awsConfig, func(o *s3.Options) {
			if cfg.Endpoint != "" {
				o.BaseEndpoint = aws.String(cfg.Endpoint)
				o.UsePathStyle = true
			}
		})
	}

	return a, nil
}

// ArchivePDF downloads the invoice PDF and stores it under
// invoices/<organization>/<external invoice id>.pdf.
func (a *S3InvoiceArchiver) ArchivePDF(ctx context.Context, inv *Invoice) error {
	if inv == nil || inv.PDFURL == "" {
		return errors.New("invoice has no PDF URL")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, inv.PDFURL, nil)
	if err != nil {
		return fmt.Errorf("failed to build PDF download request: %w", err)
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to download invoice PDF: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("invoice PDF download returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 20<<20))
	if err != nil {
		return fmt.Errorf("failed to read invoice PDF body: %w", err)
	}

	key := fmt.Sprintf("invoices/%s/%s.pdf", inv.OrganizationID, inv.ExternalInvoiceID)
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/pdf"),
	})
	if err != nil {
		return fmt.Errorf("failed to store invoice PDF: %w", err)
	}

	a.log.InfoContext(ctx, "invoice pdf archived",
		slog.String("external_invoice_id", inv.ExternalInvoiceID),
		slog.String("key", key))
	return nil
}
