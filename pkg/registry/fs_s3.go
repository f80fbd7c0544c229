package registry

import (
	"context"
	"errors"
	"os"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go/transport/http"
	"k8s.io/utils/pointer"
)

const (
	DefaultS3Region = "us-east-1"
	// s3 DeleteObjects accepts at most 1000 keys per call
	s3DeleteBatch = 1000
)

type S3Options struct {
	URL           string        `json:"url,omitempty"`
	Region        string        `json:"region,omitempty"`
	Bucket        string        `json:"bucket,omitempty"`
	Prefix        string        `json:"prefix,omitempty"`
	AccessKey     string        `json:"accessKey,omitempty"`
	SecretKey     string        `json:"secretKey,omitempty"`
	PresignExpire time.Duration `json:"presignExpire,omitempty"`
	PathStyle     bool          `json:"pathStyle,omitempty"`
}

func NewDefaultS3Options() *S3Options {
	return &S3Options{
		Bucket:        "registry",
		Prefix:        "registry",
		PresignExpire: time.Hour,
		Region:        DefaultS3Region,
		PathStyle:     true,
	}
}

var _ FSProvider = &S3StorageProvider{}

type S3StorageProvider struct {
	Bucket  string
	Client  *s3.Client
	PreSign *s3.PresignClient
	Expire  time.Duration
	Prefix  string
}

// NewS3FSProvider builds a provider for any s3 compatible endpoint.
// Empty credentials fall back to the default aws credential chain.
func NewS3FSProvider(ctx context.Context, options *S3Options) (*S3StorageProvider, error) {
	region := options.Region
	if region == "" {
		region = DefaultS3Region
	}
	loadopts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if options.AccessKey != "" || options.SecretKey != "" {
		loadopts = append(loadopts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(options.AccessKey, options.SecretKey, ""),
		))
	}
	if options.URL != "" {
		loadopts = append(loadopts, config.WithEndpointResolverWithOptions(
			aws.EndpointResolverWithOptionsFunc(
				func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
					return aws.Endpoint{URL: options.URL, HostnameImmutable: options.PathStyle}, nil
				},
			),
		))
	}
	cfg, err := config.LoadDefaultConfig(ctx, loadopts...)
	if err != nil {
		return nil, err
	}
	s3cli := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = options.PathStyle
	})
	expire := options.PresignExpire
	if expire <= 0 {
		expire = time.Hour
	}
	return &S3StorageProvider{
		Bucket:  options.Bucket,
		Client:  s3cli,
		Expire:  expire,
		Prefix:  strings.Trim(options.Prefix, "/"),
		PreSign: s3.NewPresignClient(s3cli),
	}, nil
}

func (m *S3StorageProvider) Put(ctx context.Context, path string, content BlobContent) error {
	uploadobj := &s3.PutObjectInput{
		Bucket:        aws.String(m.Bucket),
		Key:           aws.String(m.prefixedKey(path)),
		Body:          content.Content,
		ContentLength: content.ContentLength,
	}
	if content.ContentType != "" {
		uploadobj.ContentType = aws.String(content.ContentType)
	}
	if content.ContentEncoding != "" {
		uploadobj.ContentEncoding = aws.String(content.ContentEncoding)
	}
	_, err := manager.NewUploader(m.Client).Upload(ctx, uploadobj)
	return err
}

func (m *S3StorageProvider) Get(ctx context.Context, path string) (BlobContent, error) {
	getobjout, err := m.Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(m.Bucket),
		Key:    aws.String(m.prefixedKey(path)),
	})
	if err != nil {
		if IsS3StorageNotFound(err) {
			return BlobContent{}, os.ErrNotExist
		}
		return BlobContent{}, err
	}
	return BlobContent{
		Content:         getobjout.Body,
		ContentType:     pointer.StringDeref(getobjout.ContentType, ""),
		ContentEncoding: pointer.StringDeref(getobjout.ContentEncoding, ""),
		ContentLength:   getobjout.ContentLength,
	}, nil
}

func (m *S3StorageProvider) GetLocation(ctx context.Context, path string) (string, error) {
	getobj := &s3.GetObjectInput{
		Bucket: aws.String(m.Bucket),
		Key:    aws.String(m.prefixedKey(path)),
	}
	out, err := m.PreSign.PresignGetObject(ctx, getobj, s3.WithPresignExpires(m.Expire))
	if err != nil {
		return "", err
	}
	return out.URL, nil
}

func (m *S3StorageProvider) Remove(ctx context.Context, path string, recursive bool) error {
	if !recursive {
		_, err := m.Client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(m.Bucket),
			Key:    aws.String(m.prefixedKey(path)),
		})
		return err
	}
	objects, err := m.List(ctx, path, true)
	if err != nil {
		return err
	}
	prefix := m.prefixedDir(path)
	for start := 0; start < len(objects); start += s3DeleteBatch {
		end := start + s3DeleteBatch
		if end > len(objects) {
			end = len(objects)
		}
		ids := make([]types.ObjectIdentifier, 0, end-start)
		for _, obj := range objects[start:end] {
			ids = append(ids, types.ObjectIdentifier{Key: aws.String(prefix + obj.Name)})
		}
		if _, err := m.Client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(m.Bucket),
			Delete: &types.Delete{Objects: ids, Quiet: true},
		}); err != nil {
			return err
		}
	}
	return nil
}

func (m *S3StorageProvider) Exists(ctx context.Context, path string) (bool, error) {
	_, err := m.Client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(m.Bucket),
		Key:    aws.String(m.prefixedKey(path)),
	})
	if err != nil {
		if IsS3StorageNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (m *S3StorageProvider) List(ctx context.Context, path string, recursive bool) ([]FsObjectMeta, error) {
	prefix := m.prefixedDir(path)
	listinput := &s3.ListObjectsV2Input{
		Bucket: aws.String(m.Bucket),
		Prefix: aws.String(prefix),
	}
	if !recursive {
		listinput.Delimiter = aws.String("/")
	}
	result := []FsObjectMeta{}
	paginator := s3.NewListObjectsV2Paginator(m.Client, listinput)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, obj := range page.Contents {
			result = append(result, FsObjectMeta{
				Name:         strings.TrimPrefix(pointer.StringDeref(obj.Key, ""), prefix),
				Size:         obj.Size,
				LastModified: timeDeref(obj.LastModified),
			})
		}
	}
	return result, nil
}

func IsS3StorageNotFound(err error) bool {
	var apie *http.ResponseError
	if errors.As(err, &apie) {
		return apie.HTTPStatusCode() == 404
	}
	return false
}

func (m *S3StorageProvider) prefixedKey(key string) string {
	return strings.TrimPrefix(path.Join(m.Prefix, key), "/")
}

func (m *S3StorageProvider) prefixedDir(key string) string {
	dir := m.prefixedKey(key)
	if dir == "" || dir == "." {
		return ""
	}
	return dir + "/"
}

func timeDeref(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
