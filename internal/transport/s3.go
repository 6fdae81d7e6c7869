package transport

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/me/calcjob/internal/fault"
)

// S3Config configures an S3Transport.
type S3Config struct {
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region,omitempty"`
	Endpoint        string `yaml:"endpoint,omitempty"` // S3-compatible stores
	Profile         string `yaml:"profile,omitempty"`
	AccessKeyID     string `yaml:"access_key_id,omitempty"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty"`
	ForcePathStyle  bool   `yaml:"force_path_style,omitempty"`
}

// S3Transport stages files through an S3 bucket. Remote paths are object key
// prefixes; a job's output directory is every object under that prefix.
// Commands cannot be executed.
type S3Transport struct {
	cfg    S3Config
	logger *slog.Logger

	mu         sync.RWMutex
	client     *s3.Client
	uploader   *manager.Uploader
	downloader *manager.Downloader
}

// NewS3Transport creates an unopened S3Transport.
func NewS3Transport(cfg S3Config, logger *slog.Logger) *S3Transport {
	return &S3Transport{
		cfg:    cfg,
		logger: logger.With("component", "s3-transport", "bucket", cfg.Bucket),
	}
}

// Open loads AWS configuration and verifies the bucket is reachable.
func (t *S3Transport) Open(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.client != nil {
		return nil
	}
	if t.cfg.Bucket == "" {
		return fault.Permanent("open", fmt.Errorf("%w: bucket is required", fault.ErrRejected))
	}

	awsCfg, err := t.loadAWSConfig(ctx)
	if err != nil {
		return fault.Permanent("open", fmt.Errorf("%w: %v", fault.ErrAuth, err))
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if t.cfg.ForcePathStyle {
			o.UsePathStyle = true
		}
		if t.cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(t.cfg.Endpoint)
		}
	})

	if _, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(t.cfg.Bucket)}); err != nil {
		return t.wrapError("open", "", err)
	}
	t.client = client
	t.uploader = manager.NewUploader(client)
	t.downloader = manager.NewDownloader(client)
	t.logger.Info("s3 transport opened")
	return nil
}

// Close drops the client; the next Open builds a new one.
func (t *S3Transport) Close() error {
	t.mu.Lock()
	t.client = nil
	t.uploader = nil
	t.downloader = nil
	t.mu.Unlock()
	return nil
}

func (t *S3Transport) loadAWSConfig(ctx context.Context) (aws.Config, error) {
	var opts []func(*config.LoadOptions) error
	if t.cfg.Region != "" {
		opts = append(opts, config.WithRegion(t.cfg.Region))
	}
	if t.cfg.Profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(t.cfg.Profile))
	}
	if t.cfg.AccessKeyID != "" && t.cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(t.cfg.AccessKeyID, t.cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, err
	}
	if awsCfg.Region == "" {
		awsCfg.Region = "us-east-1"
	}
	return awsCfg, nil
}

func (t *S3Transport) getClient(op string) (*s3.Client, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.client == nil {
		return nil, fault.Transient(op, fmt.Errorf("%w: transport not open", fault.ErrUnavailable))
	}
	return t.client, nil
}

func (t *S3Transport) transfers(op string) (*manager.Uploader, *manager.Downloader, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.uploader == nil || t.downloader == nil {
		return nil, nil, fault.Transient(op, fmt.Errorf("%w: transport not open", fault.ErrUnavailable))
	}
	return t.uploader, t.downloader, nil
}

// Put uploads a local file, or every file under a local directory, below the
// remotePath prefix.
func (t *S3Transport) Put(ctx context.Context, localPath, remotePath string) error {
	uploader, _, err := t.transfers("put")
	if err != nil {
		return err
	}
	info, err := os.Stat(localPath)
	if err != nil {
		return classifyFS("put", err)
	}
	if !info.IsDir() {
		return t.putFile(ctx, uploader, localPath, toKey(remotePath))
	}
	walkErr := filepath.WalkDir(localPath, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(localPath, p)
		if err != nil {
			return err
		}
		return t.putFile(ctx, uploader, p, path.Join(toKey(remotePath), filepath.ToSlash(rel)))
	})
	if walkErr != nil {
		var fe *fault.Error
		if errors.As(walkErr, &fe) {
			return walkErr
		}
		return classifyFS("put", walkErr)
	}
	return nil
}

func (t *S3Transport) putFile(ctx context.Context, uploader *manager.Uploader, localPath, key string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return classifyFS("put", err)
	}
	defer f.Close()

	t.logger.Debug("put object", "key", key)
	_, err = uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(t.cfg.Bucket),
		Key:    aws.String(key),
		Body:   f,
	})
	if err != nil {
		return t.wrapError("put", key, err)
	}
	return nil
}

// Get downloads the object at remotePath, or every object below the prefix,
// into localPath.
func (t *S3Transport) Get(ctx context.Context, remotePath, localPath string) error {
	client, err := t.getClient("get")
	if err != nil {
		return err
	}
	_, downloader, err := t.transfers("get")
	if err != nil {
		return err
	}
	prefix := strings.TrimSuffix(toKey(remotePath), "/") + "/"

	var keys []string
	paginator := s3.NewListObjectsV2Paginator(client, &s3.ListObjectsV2Input{
		Bucket: aws.String(t.cfg.Bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return t.wrapError("get", prefix, err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}

	if len(keys) == 0 {
		// Not a prefix; try a single object.
		return t.getObject(ctx, downloader, toKey(remotePath), localPath)
	}
	for _, key := range keys {
		rel := strings.TrimPrefix(key, prefix)
		if rel == "" || strings.HasSuffix(rel, "/") {
			continue
		}
		if err := t.getObject(ctx, downloader, key, filepath.Join(localPath, filepath.FromSlash(rel))); err != nil {
			return err
		}
	}
	return nil
}

func (t *S3Transport) getObject(ctx context.Context, downloader *manager.Downloader, key, localPath string) error {
	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return classifyFS("get", err)
	}
	f, err := os.Create(localPath)
	if err != nil {
		return classifyFS("get", err)
	}
	n, err := downloader.Download(ctx, f, &s3.GetObjectInput{
		Bucket: aws.String(t.cfg.Bucket),
		Key:    aws.String(key),
	})
	if cerr := f.Close(); err == nil && cerr != nil {
		return classifyFS("get", cerr)
	}
	if err != nil {
		os.Remove(localPath)
		return t.wrapError("get", key, err)
	}
	t.logger.Debug("got object", "key", key, "local", localPath, "bytes", n)
	return nil
}

// Exec is not available on object storage.
func (t *S3Transport) Exec(_ context.Context, command string) (ExecResult, error) {
	return ExecResult{}, fault.Permanent("exec", fmt.Errorf("%w: s3 transport cannot run %q", fault.ErrUnsupported, command))
}

// Exists reports whether remotePath names an object or a non-empty prefix.
func (t *S3Transport) Exists(ctx context.Context, remotePath string) (bool, error) {
	client, err := t.getClient("exists")
	if err != nil {
		return false, err
	}
	key := toKey(remotePath)
	_, err = client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(t.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return true, nil
	}
	if wrapped := t.wrapError("exists", key, err); !fault.IsNotFound(wrapped) {
		return false, wrapped
	}

	out, err := client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(t.cfg.Bucket),
		Prefix:  aws.String(strings.TrimSuffix(key, "/") + "/"),
		MaxKeys: aws.Int32(1),
	})
	if err != nil {
		return false, t.wrapError("exists", key, err)
	}
	return len(out.Contents) > 0, nil
}

// toKey strips the leading slash that job descriptions use for remote paths.
func toKey(remotePath string) string {
	return strings.TrimPrefix(path.Clean("/"+filepath.ToSlash(remotePath)), "/")
}

// wrapError converts S3 errors to fault errors with the appropriate kind.
func (t *S3Transport) wrapError(op, key string, err error) error {
	ctxErr := fmt.Errorf("s3://%s/%s: %w", t.cfg.Bucket, key, err)

	var notFound *types.NotFound
	var noSuchKey *types.NoSuchKey
	var noSuchBucket *types.NoSuchBucket
	switch {
	case errors.As(err, &notFound), errors.As(err, &noSuchKey):
		return fault.Permanent(op, fmt.Errorf("%w: %v", fault.ErrNotFound, ctxErr))
	case errors.As(err, &noSuchBucket):
		return fault.Permanent(op, fmt.Errorf("%w: bucket %s: %v", fault.ErrRejected, t.cfg.Bucket, err))
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return fault.Permanent(op, fmt.Errorf("%w: %v", fault.ErrNotFound, ctxErr))
		case "AccessDenied", "Forbidden", "InvalidAccessKeyId", "SignatureDoesNotMatch":
			return fault.Permanent(op, fmt.Errorf("%w: %v", fault.ErrAuth, ctxErr))
		case "SlowDown", "Throttling", "RequestLimitExceeded", "ServiceUnavailable", "InternalError":
			return fault.Transient(op, fmt.Errorf("%w: %v", fault.ErrUnavailable, ctxErr))
		}
	}
	return fault.Transient(op, ctxErr)
}
