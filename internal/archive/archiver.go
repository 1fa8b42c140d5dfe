// Package archive batches live query events per class and uploads them to
// S3 as newline-delimited JSON objects.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/gftdcojp/baas-go/internal/config"
	"github.com/gftdcojp/baas-go/internal/metrics"
	"go.uber.org/zap"
)

// S3API is the subset of the S3 client used for uploads.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Record is one archived live query event.
type Record struct {
	Class       string         `json:"class"`
	Op          string         `json:"op"`
	QueryID     string         `json:"query_id"`
	Object      map[string]any `json:"object"`
	UpdatedKeys []string       `json:"updated_keys,omitempty"`
	ReceivedAt  time.Time      `json:"received_at"`
}

type batch struct {
	buf   bytes.Buffer
	count int
	first time.Time
	// failed is set after an upload error. Add no longer uploads a failed
	// batch; only Flush and the linger loop retry it.
	failed bool
}

// Archiver accumulates records per class and uploads a batch when it reaches
// MaxBatch records or MaxBytes, or when its oldest record is older than
// MaxLinger.
type Archiver struct {
	s3           S3API
	bucket       string
	prefix       string
	storageClass string
	maxBatch     int
	maxBytes     int
	maxLinger    time.Duration
	logger       *zap.Logger
	now          func() time.Time

	mu      sync.Mutex
	batches map[string]*batch
}

// New creates an Archiver uploading to cfg.Bucket.
func New(api S3API, cfg config.ArchiveConfig, logger *zap.Logger) *Archiver {
	maxLinger := cfg.MaxLinger.Duration()
	if maxLinger == 0 {
		maxLinger = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Archiver{
		s3:           api,
		bucket:       cfg.Bucket,
		prefix:       cfg.Prefix,
		storageClass: cfg.StorageClass,
		maxBatch:     cfg.MaxBatch,
		maxBytes:     int(cfg.MaxBytes),
		maxLinger:    maxLinger,
		logger:       logger,
		now:          time.Now,
		batches:      make(map[string]*batch),
	}
}

// Add appends rec to its class batch, uploading the batch if it is full.
// A batch whose last upload failed keeps growing until the next flush.
func (a *Archiver) Add(ctx context.Context, rec Record) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding record: %w", err)
	}

	a.mu.Lock()
	b := a.batches[rec.Class]
	if b == nil {
		b = &batch{first: a.now()}
		a.batches[rec.Class] = b
	}
	b.buf.Write(line)
	b.buf.WriteByte('\n')
	b.count++

	full := (a.maxBatch > 0 && b.count >= a.maxBatch) || (a.maxBytes > 0 && b.buf.Len() >= a.maxBytes)
	if !full || b.failed {
		a.mu.Unlock()
		return nil
	}
	delete(a.batches, rec.Class)
	a.mu.Unlock()

	return a.upload(ctx, rec.Class, b)
}

// Run flushes lingering batches until ctx is done, then flushes everything.
func (a *Archiver) Run(ctx context.Context) error {
	interval := a.maxLinger / 2
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := a.Flush(context.Background()); err != nil {
				a.logger.Error("final archive flush", zap.Error(err))
			}
			return ctx.Err()
		case <-ticker.C:
			if err := a.flushExpired(ctx); err != nil {
				a.logger.Error("linger flush error", zap.Error(err))
			}
		}
	}
}

func (a *Archiver) flushExpired(ctx context.Context) error {
	cutoff := a.now().Add(-a.maxLinger)
	return a.flush(ctx, func(b *batch) bool { return !b.first.After(cutoff) })
}

// Flush uploads every pending batch.
func (a *Archiver) Flush(ctx context.Context) error {
	return a.flush(ctx, func(*batch) bool { return true })
}

// flush takes the selected batches out of the map and uploads them one
// upload per class.
func (a *Archiver) flush(ctx context.Context, selected func(*batch) bool) error {
	a.mu.Lock()
	taken := make(map[string]*batch)
	for _, class := range a.classesLocked() {
		if b := a.batches[class]; selected(b) {
			taken[class] = b
			delete(a.batches, class)
		}
	}
	a.mu.Unlock()

	classes := make([]string, 0, len(taken))
	for class := range taken {
		classes = append(classes, class)
	}
	sort.Strings(classes)

	var errs []error
	for _, class := range classes {
		if err := a.upload(ctx, class, taken[class]); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Pending returns the number of records not yet uploaded.
func (a *Archiver) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, b := range a.batches {
		n += b.count
	}
	return n
}

// Bucket returns the destination bucket.
func (a *Archiver) Bucket() string { return a.bucket }

func (a *Archiver) classesLocked() []string {
	classes := make([]string, 0, len(a.batches))
	for c := range a.batches {
		classes = append(classes, c)
	}
	sort.Strings(classes)
	return classes
}

func (a *Archiver) objectKey(class string, at time.Time) string {
	if a.prefix != "" {
		return fmt.Sprintf("%s/%s/%d.jsonl", a.prefix, class, at.UnixNano())
	}
	return fmt.Sprintf("%s/%d.jsonl", class, at.UnixNano())
}

// upload writes b as one object. On failure b is put back ahead of any
// records added for the class meanwhile and marked failed.
func (a *Archiver) upload(ctx context.Context, class string, b *batch) error {
	if b.count == 0 {
		return nil
	}

	key := a.objectKey(class, a.now())
	input := &s3.PutObjectInput{
		Bucket:      &a.bucket,
		Key:         &key,
		Body:        bytes.NewReader(b.buf.Bytes()),
		ContentType: aws.String("application/x-ndjson"),
		Metadata: map[string]string{
			"baas-class":        class,
			"baas-record-count": fmt.Sprint(b.count),
		},
	}
	if a.storageClass != "" {
		input.StorageClass = s3types.StorageClass(a.storageClass)
	}

	start := time.Now()
	_, err := a.s3.PutObject(ctx, input)
	metrics.ArchiveUploadDuration.WithLabelValues(class).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.ArchiveUploadErrors.WithLabelValues(class).Inc()
		a.restore(class, b)
		return fmt.Errorf("uploading %s batch to S3: %w", class, err)
	}

	metrics.ArchiveBatches.WithLabelValues(class).Inc()
	a.logger.Info("event batch archived",
		zap.String("class", class),
		zap.String("key", key),
		zap.Int("records", b.count),
		zap.Int("size", b.buf.Len()),
	)
	return nil
}

func (a *Archiver) restore(class string, b *batch) {
	a.mu.Lock()
	defer a.mu.Unlock()

	b.failed = true
	if cur := a.batches[class]; cur != nil {
		b.buf.Write(cur.buf.Bytes())
		b.count += cur.count
	}
	a.batches[class] = b
}
