package provider

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// S3Config configures the media rehost bucket.
type S3Config struct {
	Enabled   bool
	Endpoint  string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
	PathStyle bool
	PublicURL string // base URL the rehosted objects are served from
}

// Rehoster downloads header media the provider refuses to fetch and
// re-uploads it to object storage at a stable URL. Second-line recovery for
// media-forbidden send failures.
type Rehoster struct {
	http   *resty.Client
	s3     *s3.Client
	bucket string
	public string
	log    *zap.Logger
}

func NewRehoster(cfg S3Config, log *zap.Logger) (*Rehoster, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if cfg.AccessKey == "" || cfg.SecretKey == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("media rehost: bucket and credentials are required")
	}

	awsCfg := aws.Config{
		Region:      cfg.Region,
		Credentials: credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		// Buckets with dots break virtual-host SSL, force path style.
		o.UsePathStyle = cfg.PathStyle || strings.Contains(cfg.Bucket, ".")
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	public := strings.TrimRight(cfg.PublicURL, "/")
	if public == "" {
		public = fmt.Sprintf("https://%s.s3.%s.amazonaws.com", cfg.Bucket, cfg.Region)
	}

	return &Rehoster{
		http:   resty.New().SetTimeout(30 * time.Second),
		s3:     client,
		bucket: cfg.Bucket,
		public: public,
		log:    log,
	}, nil
}

// Rehost fetches srcURL server-side and uploads it under a stable key,
// returning the new public URL.
func (r *Rehoster) Rehost(ctx context.Context, srcURL string) (string, error) {
	resp, err := r.http.R().SetContext(ctx).Get(srcURL)
	if err != nil {
		return "", fmt.Errorf("media download: %w", err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("media download: source answered %d", resp.StatusCode())
	}
	body := resp.Body()
	if len(body) == 0 {
		return "", fmt.Errorf("media download: source returned no content")
	}

	contentType := resp.Header().Get("Content-Type")
	key := mediaKey(srcURL)

	_, err = r.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(r.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(body),
		ContentType:   aws.String(contentType),
		ContentLength: aws.Int64(int64(len(body))),
	})
	if err != nil {
		return "", fmt.Errorf("media upload: %w", err)
	}

	url := r.public + "/" + key
	r.log.Info("header media rehosted",
		zap.String("source", srcURL),
		zap.String("url", url),
		zap.Int("bytes", len(body)),
	)
	return url, nil
}

func mediaKey(srcURL string) string {
	ext := path.Ext(strings.SplitN(path.Base(srcURL), "?", 2)[0])
	now := time.Now()
	return fmt.Sprintf("campaign-media/%s/%s%s", now.Format("2006/01/02"), uuid.NewString(), ext)
}
