package inference

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Config points model downloads at S3 or an S3-compatible store such as MinIO.
type S3Config struct {
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
}

func newS3Client(cfg S3Config) *s3.Client {
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	return s3.NewFromConfig(aws.Config{Region: region}, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
		if cfg.AccessKeyID != "" {
			o.Credentials = credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")
		}
	})
}

// Fetch downloads weights from src (http, https or s3://bucket/key) into dir
// as <name>.bin, where name defaults to the source's base name. The file is
// written under a temporary name and renamed once complete.
func Fetch(ctx context.Context, src, dir, name string, s3cfg S3Config) (string, error) {
	u, err := url.Parse(src)
	if err != nil {
		return "", fmt.Errorf("invalid source %q: %w", src, err)
	}
	if name == "" {
		name = strings.TrimSuffix(path.Base(u.Path), weightsExt)
	}
	if name == "" || name == "." || name == "/" {
		return "", fmt.Errorf("cannot derive a model name from %q", src)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create models dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+name+"-*.part")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	var n int64
	switch u.Scheme {
	case "http", "https":
		n, err = fetchHTTP(ctx, src, tmp)
	case "s3":
		n, err = fetchS3(ctx, u, tmp, s3cfg)
	default:
		err = fmt.Errorf("unsupported source scheme %q", u.Scheme)
	}
	if err != nil {
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}

	dst := filepath.Join(dir, name+weightsExt)
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return "", fmt.Errorf("failed to move weights into place: %w", err)
	}
	slog.Info("Model weights downloaded", "model_id", name, "bytes", n, "path", dst)
	return dst, nil
}

func fetchHTTP(ctx context.Context, src string, w io.Writer) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return 0, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("download failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("download failed: %s", resp.Status)
	}
	return io.Copy(w, resp.Body)
}

func fetchS3(ctx context.Context, u *url.URL, w io.WriterAt, cfg S3Config) (int64, error) {
	bucket, key := u.Host, strings.TrimPrefix(u.Path, "/")
	if bucket == "" || key == "" {
		return 0, fmt.Errorf("s3 source must be s3://bucket/key")
	}
	downloader := manager.NewDownloader(newS3Client(cfg))
	n, err := downloader.Download(ctx, w, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return 0, fmt.Errorf("s3 download failed: %w", err)
	}
	return n, nil
}
