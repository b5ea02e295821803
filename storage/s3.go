package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/transfermanager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

var _ Storage = (*S3)(nil)

// S3Config configures an S3-backed store, letting a team point qipi at a
// shared bucket (or a MinIO-compatible endpoint) instead of a local disk.
type S3Config struct {
	Bucket          string
	Prefix          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	ForcePathStyle  bool
}

// S3 implements Storage against an S3-compatible object store.
type S3 struct {
	client   *s3.Client
	uploader *transfermanager.Client
	bucket   string
	prefix   string
}

// NewS3 creates an S3-backed store from cfg.
func NewS3(ctx context.Context, cfg S3Config) (*S3, error) {
	var opts []func(*config.LoadOptions) error

	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}

	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	s3Client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.ForcePathStyle
	})

	return &S3{
		client:   s3Client,
		uploader: transfermanager.New(s3Client),
		bucket:   cfg.Bucket,
		prefix:   cfg.Prefix,
	}, nil
}

func (s *S3) key(path string) string {
	return joinPrefix(s.prefix, path)
}

func (s *S3) Read(path string) (io.ReadCloser, bool, error) {
	ctx := context.Background()
	output, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(path)),
	})
	if err != nil {
		var notFound *types.NoSuchKey
		if errors.As(err, &notFound) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("getting %s: %w", path, err)
	}
	return output.Body, true, nil
}

func (s *S3) Write(path string, data io.ReadCloser) error {
	defer data.Close()
	ctx := context.Background()
	_, err := s.uploader.UploadObject(ctx, &transfermanager.UploadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(path)),
		Body:   data,
	})
	if err != nil {
		return fmt.Errorf("uploading %s: %w", path, err)
	}
	return nil
}

func (s *S3) List(prefix string) ([]string, error) {
	ctx := context.Background()
	fullPrefix := s.key(prefix)
	if fullPrefix != "" {
		fullPrefix += "/"
	}

	var names []string
	var token *string
	for {
		output, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(s.bucket),
			Prefix:            aws.String(fullPrefix),
			Delimiter:         aws.String("/"),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, fmt.Errorf("listing %s: %w", prefix, err)
		}
		for _, p := range output.CommonPrefixes {
			if p.Prefix == nil {
				continue
			}
			name := trimChildName(*p.Prefix, fullPrefix)
			if name != "" {
				names = append(names, name)
			}
		}
		for _, obj := range output.Contents {
			if obj.Key == nil {
				continue
			}
			name := trimChildName(*obj.Key, fullPrefix)
			if name != "" {
				names = append(names, name)
			}
		}
		if output.IsTruncated == nil || !*output.IsTruncated {
			break
		}
		token = output.NextContinuationToken
	}
	return names, nil
}

// ModTime issues a HeadObject for path and returns its LastModified time.
// A directory-like path (one that only exists as a prefix of other keys,
// never an object itself) reports ok false rather than erroring: S3 has
// no real directories to stat.
func (s *S3) ModTime(path string) (t time.Time, ok bool, err error) {
	ctx := context.Background()
	output, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(path)),
	})
	if err != nil {
		var notFound *types.NotFound
		if errors.As(err, &notFound) {
			return time.Time{}, false, nil
		}
		var noSuchKey *types.NoSuchKey
		if errors.As(err, &noSuchKey) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, fmt.Errorf("heading %s: %w", path, err)
	}
	if output.LastModified == nil {
		return time.Time{}, true, nil
	}
	return *output.LastModified, true, nil
}

func (s *S3) Delete(path string) error {
	ctx := context.Background()
	prefix := s.key(path)

	// Delete the object itself, if it is one.
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(prefix),
	})
	if err != nil {
		return fmt.Errorf("deleting %s: %w", path, err)
	}

	// Also delete everything nested under it, treating path as a directory.
	dirPrefix := prefix + "/"
	var token *string
	for {
		output, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(s.bucket),
			Prefix:            aws.String(dirPrefix),
			ContinuationToken: token,
		})
		if err != nil {
			return fmt.Errorf("listing children of %s: %w", path, err)
		}
		for _, obj := range output.Contents {
			if obj.Key == nil {
				continue
			}
			if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
				Bucket: aws.String(s.bucket),
				Key:    obj.Key,
			}); err != nil {
				return fmt.Errorf("deleting %s: %w", *obj.Key, err)
			}
		}
		if output.IsTruncated == nil || !*output.IsTruncated {
			break
		}
		token = output.NextContinuationToken
	}
	return nil
}

// trimChildName trims prefix and any trailing '/' from s,
// giving the bare child name from an S3 common-prefix or key listing.
func trimChildName(s, prefix string) string {
	s = s[len(prefix):]
	for len(s) > 0 && s[len(s)-1] == '/' {
		s = s[:len(s)-1]
	}
	return s
}
