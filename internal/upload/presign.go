// Package upload issues presigned S3 upload URLs against the staging bucket
// and verifies completed uploads. Presigned issuance has no approval path: it
// is rate-limited, audit-logged, and announced silently to the approver chat.
package upload

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/qwer2003tw/bouncer/internal/core"
)

const (
	maxExpirySeconds = 3600
	maxBatchFiles    = 50

	// Server-side content-length range on every presigned PUT.
	minContentLength = 1
	maxContentLength = 100 << 20
)

// PresignedURL is one issued upload slot.
type PresignedURL struct {
	PresignedURL string    `json:"presigned_url"`
	S3Key        string    `json:"s3_key"`
	S3URI        string    `json:"s3_uri"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// ConfirmResult reports which batch keys exist in the staging bucket.
type ConfirmResult struct {
	Verified bool     `json:"verified"`
	Missing  []string `json:"missing,omitempty"`
}

// Facility issues and verifies presigned uploads.
type Facility struct {
	client    *s3.Client
	presigner *s3.PresignClient
	bucket    string
	blocked   []string
	clock     core.Clock
	logger    zerolog.Logger
}

// New creates the facility over the ambient AWS configuration.
func New(ctx context.Context, region, stagingBucket string, blockedExtensions []string, clock core.Clock, logger zerolog.Logger) (*Facility, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}
	client := s3.NewFromConfig(cfg)
	if clock == nil {
		clock = core.RealClock{}
	}
	return &Facility{
		client:    client,
		presigner: s3.NewPresignClient(client),
		bucket:    stagingBucket,
		blocked:   blockedExtensions,
		clock:     clock,
		logger:    logger,
	}, nil
}

// Presign issues one upload URL under a fresh key prefix.
func (f *Facility) Presign(ctx context.Context, filename, contentType string, expiresIn time.Duration) (PresignedURL, error) {
	return f.presignKey(ctx, newBatchID(), filename, contentType, expiresIn)
}

// PresignBatch issues up to 50 URLs sharing one batch prefix.
func (f *Facility) PresignBatch(ctx context.Context, files []core.FileEntry, expiresIn time.Duration) (string, []PresignedURL, error) {
	if len(files) == 0 {
		return "", nil, fmt.Errorf("no files in batch")
	}
	if len(files) > maxBatchFiles {
		return "", nil, fmt.Errorf("batch exceeds %d files (%d)", maxBatchFiles, len(files))
	}

	batchID := newBatchID()
	urls := make([]PresignedURL, 0, len(files))
	for _, file := range files {
		u, err := f.presignKey(ctx, batchID, file.Filename, file.ContentType, expiresIn)
		if err != nil {
			return "", nil, err
		}
		urls = append(urls, u)
	}
	return batchID, urls, nil
}

func (f *Facility) presignKey(ctx context.Context, prefix, filename, contentType string, expiresIn time.Duration) (PresignedURL, error) {
	if err := f.validateFilename(filename); err != nil {
		return PresignedURL{}, err
	}
	if expiresIn <= 0 || expiresIn > maxExpirySeconds*time.Second {
		expiresIn = maxExpirySeconds * time.Second
	}

	key := path.Join(prefix, filename)
	input := &s3.PutObjectInput{
		Bucket: aws.String(f.bucket),
		Key:    aws.String(key),
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}

	req, err := f.presigner.PresignPutObject(ctx, input,
		s3.WithPresignExpires(expiresIn),
		func(po *s3.PresignOptions) {
			po.ClientOptions = append(po.ClientOptions, func(o *s3.Options) {
				o.APIOptions = append(o.APIOptions, contentLengthRangeMiddleware())
			})
		},
	)
	if err != nil {
		return PresignedURL{}, fmt.Errorf("presigning %s: %w", key, err)
	}

	return PresignedURL{
		PresignedURL: req.URL,
		S3Key:        key,
		S3URI:        "s3://" + f.bucket + "/" + key,
		ExpiresAt:    f.clock.Now().Add(expiresIn),
	}, nil
}

// Confirm verifies each batch key exists via HeadObject. Keys outside the
// batch prefix are reported missing rather than probed.
func (f *Facility) Confirm(ctx context.Context, batchID string, keys []string) (ConfirmResult, error) {
	var missing []string
	for _, key := range keys {
		if !strings.HasPrefix(key, batchID+"/") {
			missing = append(missing, key)
			continue
		}
		_, err := f.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(f.bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			missing = append(missing, key)
		}
	}
	return ConfirmResult{Verified: len(missing) == 0, Missing: missing}, nil
}

func (f *Facility) validateFilename(filename string) error {
	if filename == "" {
		return fmt.Errorf("filename is required")
	}
	if strings.ContainsAny(filename, "/\\") || strings.Contains(filename, "..") || strings.ContainsRune(filename, 0) {
		return fmt.Errorf("unsafe filename %q", filename)
	}
	lower := strings.ToLower(filename)
	for _, ext := range f.blocked {
		if strings.HasSuffix(lower, ext) {
			return fmt.Errorf("file extension blocked: %s", filename)
		}
	}
	return nil
}

func newBatchID() string {
	return "batch-" + uuid.New().String()[:8]
}
