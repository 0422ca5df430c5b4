// Package imagestore mirrors flash images from the upstream API into an S3
// bucket. Uploads are idempotent (existing keys are skipped) and batched
// behind a bounded worker pool so one slow or failing image never blocks the
// rest of the batch.
package imagestore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/flashcastr/flashsync/internal/flashsync/configuration"
)

// UploadRequest names one image to mirror: the absolute source URL and the
// destination object key.
type UploadRequest struct {
	SourceURL string
	Key       string
}

// s3Api is the slice of the S3 client the uploader needs.
type s3Api interface {
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type Uploader struct {
	client      s3Api
	bucket      string
	httpClient  *http.Client
	concurrency int
}

// NewUploader builds an uploader backed by a real S3 client from the default
// AWS credential chain.
func NewUploader(ctx context.Context, config configuration.ImagesConfig) (*Uploader, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(config.Region))
	if err != nil {
		return nil, errors.WithMessage(err, "loading aws config")
	}
	concurrency := config.Concurrency
	if concurrency <= 0 {
		concurrency = 3
	}
	return &Uploader{
		client:      s3.NewFromConfig(awsCfg),
		bucket:      config.Bucket,
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		concurrency: concurrency,
	}, nil
}

// Upload mirrors one image, returning 1 if a new object was written and 0 if
// the key already existed.
func (u *Uploader) Upload(ctx context.Context, req UploadRequest) (int, error) {
	key := strings.TrimPrefix(req.Key, "/")

	_, err := u.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(u.bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return 0, nil
	}
	var notFound *types.NotFound
	if !errors.As(err, &notFound) {
		return 0, errors.WithMessagef(err, "checking existence of %s", key)
	}

	body, contentType, err := u.download(ctx, req.SourceURL)
	if err != nil {
		return 0, err
	}

	_, err = u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(u.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return 0, errors.WithMessagef(err, "uploading %s", key)
	}
	return 1, nil
}

func (u *Uploader) download(ctx context.Context, url string) ([]byte, string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", errors.WithStack(err)
	}
	resp, err := u.httpClient.Do(httpReq)
	if err != nil {
		return nil, "", errors.WithMessagef(err, "downloading %s", url)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("downloading %s: status %d", url, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", errors.WithMessagef(err, "reading %s", url)
	}
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "image/jpeg"
	}
	return body, contentType, nil
}

// BatchUpload mirrors the given images with bounded concurrency and returns
// the number of new objects written. Individual failures are logged and
// counted against no one; images are re-attempted naturally on the next run
// because Upload is idempotent.
func (u *Uploader) BatchUpload(ctx context.Context, requests []UploadRequest) int {
	if len(requests) == 0 {
		return 0
	}

	var uploaded int64
	queue := make(chan UploadRequest)
	wg := sync.WaitGroup{}
	for i := 0; i < u.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for req := range queue {
				n, err := u.Upload(ctx, req)
				if err != nil {
					log.WithError(err).Warnf("Image upload failed for %s", req.Key)
					continue
				}
				atomic.AddInt64(&uploaded, int64(n))
			}
		}()
	}
	for _, req := range requests {
		queue <- req
	}
	close(queue)
	wg.Wait()

	return int(atomic.LoadInt64(&uploaded))
}
