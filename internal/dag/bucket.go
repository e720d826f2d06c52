package dag

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type BucketSourceConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Bucket    string
	Prefix    string
}

// BucketSource loads DAG definition files from an S3-compatible bucket so
// every scheduler replica sees the same dag bag.
type BucketSource struct {
	cfg    BucketSourceConfig
	client *minio.Client
}

func NewBucketSource(cfg BucketSourceConfig) (*BucketSource, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create object store client: %w", err)
	}
	return &BucketSource{cfg: cfg, client: client}, nil
}

// Load lists every .yaml/.yml object under the configured prefix and parses
// them. The object key is recorded as each DAG's file locator.
func (s *BucketSource) Load(ctx context.Context) ([]*DAG, error) {
	exists, err := s.client.BucketExists(ctx, s.cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check dag bucket: %w", err)
	}
	if !exists {
		return nil, fmt.Errorf("dag bucket %s does not exist", s.cfg.Bucket)
	}

	var out []*DAG
	objects := s.client.ListObjects(ctx, s.cfg.Bucket, minio.ListObjectsOptions{
		Prefix:    s.cfg.Prefix,
		Recursive: true,
	})
	for obj := range objects {
		if obj.Err != nil {
			return nil, fmt.Errorf("list dag objects: %w", obj.Err)
		}
		ext := strings.ToLower(path.Ext(obj.Key))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		data, err := s.readObject(ctx, obj.Key)
		if err != nil {
			return nil, err
		}
		dags, err := Parse(data, "s3://"+s.cfg.Bucket+"/"+obj.Key)
		if err != nil {
			return nil, err
		}
		out = append(out, dags...)
	}
	return out, nil
}

func (s *BucketSource) readObject(ctx context.Context, key string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.cfg.Bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get dag object %s: %w", key, err)
	}
	defer obj.Close()
	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("read dag object %s: %w", key, err)
	}
	return data, nil
}
