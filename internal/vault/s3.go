package vault

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"wxannual/internal/wx"
)

// s3RequestTimeout bounds each S3 call.
const s3RequestTimeout = 2 * time.Minute

// S3Client is the subset of the S3 API the vault uses.
type S3Client interface {
	manager.UploadAPIClient
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, opts ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	HeadBucket(ctx context.Context, in *s3.HeadBucketInput, opts ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// S3Vault stores datasets as objects under <prefix>/<key> in a bucket.
type S3Vault struct {
	name     string
	bucket   string
	prefix   string
	client   S3Client
	uploader *manager.Uploader
}

// S3Options describe how to reach the bucket. Static credentials are used
// when both keys are set; otherwise the default AWS credential chain is.
type S3Options struct {
	Bucket          string
	Prefix          string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
}

// NewS3Vault creates a vault backed by a real S3 client.
func NewS3Vault(ctx context.Context, name string, opts S3Options) (*S3Vault, error) {
	if opts.Bucket == "" {
		return nil, fmt.Errorf("s3 vault requires s3_bucket to be set")
	}
	var loadOpts []func(*awsconfig.LoadOptions) error
	if opts.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(opts.Region))
	}
	if opts.AccessKeyID != "" && opts.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, "")))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	return NewS3VaultWithClient(name, opts.Bucket, opts.Prefix, s3.NewFromConfig(cfg))
}

// NewS3VaultWithClient creates a vault using the given client.
func NewS3VaultWithClient(name, bucket, prefix string, client S3Client) (*S3Vault, error) {
	if bucket == "" {
		return nil, fmt.Errorf("s3 vault requires s3_bucket to be set")
	}
	return &S3Vault{
		name:     name,
		bucket:   bucket,
		prefix:   strings.Trim(prefix, "/"),
		client:   client,
		uploader: manager.NewUploader(client),
	}, nil
}

func (v *S3Vault) objectKey(key string) string {
	if v.prefix == "" {
		return key
	}
	return path.Join(v.prefix, key)
}

// Put uploads a dataset. Large datasets use multipart upload.
func (v *S3Vault) Put(key string, r io.Reader, size int64) error {
	key, err := cleanKey(key)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), s3RequestTimeout)
	defer cancel()

	counted := &countingReader{r: r}
	_, err = v.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(v.bucket),
		Key:         aws.String(v.objectKey(key)),
		Body:        counted,
		ContentType: aws.String(contentType(key)),
	})
	if err != nil {
		return fmt.Errorf("uploading %s: %w", key, err)
	}
	if counted.n != size {
		return fmt.Errorf("size mismatch: expected %d bytes, got %d", size, counted.n)
	}
	return nil
}

// Get downloads a dataset.
func (v *S3Vault) Get(key string, w io.Writer) error {
	key, err := cleanKey(key)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), s3RequestTimeout)
	defer cancel()

	out, err := v.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(v.bucket),
		Key:    aws.String(v.objectKey(key)),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return fmt.Errorf("dataset not found: %s", key)
		}
		return fmt.Errorf("downloading %s: %w", key, err)
	}
	defer out.Body.Close()

	if _, err := io.Copy(w, out.Body); err != nil {
		return fmt.Errorf("reading %s: %w", key, err)
	}
	return nil
}

// List returns the dataset keys with the given prefix.
func (v *S3Vault) List(prefix string) ([]string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s3RequestTimeout)
	defer cancel()

	base := ""
	if v.prefix != "" {
		base = v.prefix + "/"
	}
	var (
		keys  []string
		token *string
	)
	for {
		out, err := v.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(v.bucket),
			Prefix:            aws.String(base + prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, fmt.Errorf("listing datasets: %w", err)
		}
		for _, obj := range out.Contents {
			keys = append(keys, strings.TrimPrefix(aws.ToString(obj.Key), base))
		}
		if !aws.ToBool(out.IsTruncated) {
			break
		}
		token = out.NextContinuationToken
	}
	sort.Strings(keys)
	return keys, nil
}

// ValidateSetup checks that the bucket exists and is reachable.
func (v *S3Vault) ValidateSetup() error {
	ctx, cancel := context.WithTimeout(context.Background(), s3RequestTimeout)
	defer cancel()

	if _, err := v.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(v.bucket)}); err != nil {
		return fmt.Errorf("bucket %s not accessible: %w", v.bucket, err)
	}
	return nil
}

func contentType(key string) string {
	if strings.HasSuffix(key, ".json") {
		return "application/json"
	}
	return "application/octet-stream"
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

var _ wx.Vault = (*S3Vault)(nil)
