package mirror

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Uploader puts one local file at an object key.
type Uploader interface {
	PutFile(ctx context.Context, key, localPath string) error
}

type S3Config struct {
	Endpoint        string `yaml:"endpoint"`
	Region          string `yaml:"region"`
	Bucket          string `yaml:"bucket"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

// Client uploads to any S3-compatible store. A custom endpoint switches to
// path-style addressing.
type Client struct {
	s3     *s3.Client
	bucket string
}

func NewS3(cfg S3Config) (*Client, error) {
	bucket := strings.TrimSpace(cfg.Bucket)
	key := strings.TrimSpace(cfg.AccessKeyID)
	secret := strings.TrimSpace(cfg.SecretAccessKey)
	if bucket == "" || key == "" || secret == "" {
		return nil, fmt.Errorf("bucket/access key/secret key are required")
	}
	region := strings.TrimSpace(cfg.Region)
	if region == "" {
		region = "auto"
	}

	creds := aws.CredentialsProviderFunc(func(context.Context) (aws.Credentials, error) {
		return aws.Credentials{AccessKeyID: key, SecretAccessKey: secret, Source: "voxelstream-config"}, nil
	})
	opts := s3.Options{
		Region:      region,
		Credentials: aws.NewCredentialsCache(creds),
	}
	if ep := strings.TrimSpace(cfg.Endpoint); ep != "" {
		if !strings.HasPrefix(ep, "http://") && !strings.HasPrefix(ep, "https://") {
			ep = "https://" + ep
		}
		opts.BaseEndpoint = aws.String(strings.TrimRight(ep, "/"))
		opts.UsePathStyle = true
	}
	return &Client{s3: s3.New(opts), bucket: bucket}, nil
}

func (c *Client) PutFile(ctx context.Context, key, localPath string) error {
	key = strings.TrimLeft(key, "/")
	if key == "" {
		return fmt.Errorf("empty object key")
	}
	f, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return err
	}

	_, err = c.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(c.bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: aws.Int64(st.Size()),
		ContentType:   aws.String("application/zstd"),
	})
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}
