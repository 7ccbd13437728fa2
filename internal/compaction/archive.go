package compaction

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/golang/snappy"

	"github.com/roach88/lofisync/internal/store"
)

// Sink receives compacted actions before they are deleted from the log.
// Archive returns the location the batch was written to.
type Sink interface {
	Archive(ctx context.Context, batch []store.ArchivedAction) (string, error)
}

// EncodeArchive renders a batch as snappy-compressed JSON lines.
func EncodeArchive(batch []store.ArchivedAction) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, a := range batch {
		if err := enc.Encode(a); err != nil {
			return nil, fmt.Errorf("encode archived action %s: %w", a.Action.ID, err)
		}
	}
	return snappy.Encode(nil, buf.Bytes()), nil
}

// DecodeArchive reverses EncodeArchive.
func DecodeArchive(data []byte) ([]store.ArchivedAction, error) {
	raw, err := snappy.Decode(nil, data)
	if err != nil {
		return nil, fmt.Errorf("decompress archive: %w", err)
	}
	var out []store.ArchivedAction
	sc := bufio.NewScanner(bytes.NewReader(raw))
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		if len(bytes.TrimSpace(sc.Bytes())) == 0 {
			continue
		}
		var a store.ArchivedAction
		if err := json.Unmarshal(sc.Bytes(), &a); err != nil {
			return nil, fmt.Errorf("decode archive line %d: %w", len(out)+1, err)
		}
		out = append(out, a)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read archive: %w", err)
	}
	return out, nil
}

// objectName names an archive by the ingest id range it covers, so names
// sort in log order.
func objectName(batch []store.ArchivedAction) string {
	var first, last uint64
	if id := batch[0].Action.ServerIngestID; id != nil {
		first = *id
	}
	if id := batch[len(batch)-1].Action.ServerIngestID; id != nil {
		last = *id
	}
	return fmt.Sprintf("%020d-%020d.jsonl.sz", first, last)
}

// LocalSink writes archives into a directory.
type LocalSink struct {
	Dir string
}

// Archive implements Sink.
func (s LocalSink) Archive(_ context.Context, batch []store.ArchivedAction) (string, error) {
	if len(batch) == 0 {
		return "", nil
	}
	data, err := EncodeArchive(batch)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return "", fmt.Errorf("create archive dir: %w", err)
	}

	dest := filepath.Join(s.Dir, objectName(batch))
	tmp := dest + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("write archive: %w", err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("commit archive: %w", err)
	}
	return dest, nil
}

// PutObjectAPI is the slice of the S3 client the sink needs.
type PutObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Config holds connection settings for the S3 sink.
type S3Config struct {
	Region string
	// Endpoint is an optional custom endpoint (MinIO, LocalStack).
	Endpoint     string
	UsePathStyle bool
}

// S3Sink uploads archives to a bucket under Prefix.
type S3Sink struct {
	client PutObjectAPI
	bucket string
	prefix string
}

// NewS3Sink loads the default AWS configuration and builds a sink.
func NewS3Sink(ctx context.Context, bucket, prefix string, cfg S3Config) (*S3Sink, error) {
	var opts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})
	return NewS3SinkWithClient(client, bucket, prefix), nil
}

// NewS3SinkWithClient builds a sink over an existing client.
func NewS3SinkWithClient(client PutObjectAPI, bucket, prefix string) *S3Sink {
	return &S3Sink{client: client, bucket: bucket, prefix: prefix}
}

// Archive implements Sink.
func (s *S3Sink) Archive(ctx context.Context, batch []store.ArchivedAction) (string, error) {
	if len(batch) == 0 {
		return "", nil
	}
	data, err := EncodeArchive(batch)
	if err != nil {
		return "", err
	}

	key := path.Join(s.prefix, objectName(batch))
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:          aws.String(s.bucket),
		Key:             aws.String(key),
		Body:            bytes.NewReader(data),
		ContentLength:   aws.Int64(int64(len(data))),
		ContentType:     aws.String("application/x-ndjson"),
		ContentEncoding: aws.String("x-snappy"),
	})
	if err != nil {
		return "", fmt.Errorf("upload archive s3://%s/%s: %w", s.bucket, key, err)
	}
	return "s3://" + s.bucket + "/" + key, nil
}
