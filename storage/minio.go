package storage

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/sirupsen/logrus"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/loiht2/ml-platform-finetune-orchestrator/models"
)

// ArtifactStore persists trained model artifacts
type ArtifactStore interface {
	UploadFile(ctx context.Context, objectName string, reader io.Reader, size int64, opts UploadOptions) (Object, error)
}

// UploadOptions are passed through as object metadata
type UploadOptions struct {
	ContentType string
	Metadata    map[string]string
}

// Object identifies an uploaded artifact
type Object struct {
	Bucket string
	Key    string
	ETag   string
	Size   int64
}

// URI renders the object as s3://bucket/key
func (o Object) URI() string {
	return fmt.Sprintf("s3://%s/%s", o.Bucket, o.Key)
}

// MinIOClient wraps MinIO client with bucket management
type MinIOClient struct {
	client *minio.Client
	bucket string
	log    *logrus.Entry

	mu      sync.Mutex
	ensured bool
}

// MinIOConfig holds MinIO connection configuration
type MinIOConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"accessKey"`
	SecretKey string `yaml:"secretKey"`
	UseSSL    bool   `yaml:"useSSL"`
	Bucket    string `yaml:"bucket"`
}

// NewMinIOClientFromSecret creates a MinIO client using credentials from a Kubernetes secret
// holding endpoint, accesskey and secretkey keys.
func NewMinIOClientFromSecret(ctx context.Context, k8sClient kubernetes.Interface, namespace, secretName, bucket string) (*MinIOClient, error) {
	secret, err := k8sClient.CoreV1().Secrets(namespace).Get(ctx, secretName, metav1.GetOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to get secret %s/%s: %w", namespace, secretName, err)
	}

	cfg := MinIOConfig{
		Endpoint:  string(secret.Data["endpoint"]),
		AccessKey: string(secret.Data["accesskey"]),
		SecretKey: string(secret.Data["secretkey"]),
		UseSSL:    string(secret.Data["usessl"]) == "true",
		Bucket:    bucket,
	}
	if cfg.Endpoint == "" || cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, fmt.Errorf("secret %s is missing required fields (endpoint, accesskey, secretkey): %w", secretName, models.ErrAuthentication)
	}
	return NewMinIOClient(cfg)
}

// NewMinIOClient creates a MinIO client with explicit configuration
func NewMinIOClient(cfg MinIOConfig) (*MinIOClient, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("minio bucket is required: %w", models.ErrInvalidConfig)
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize MinIO client: %w", err)
	}

	log := logrus.WithFields(logrus.Fields{"component": "minio", "endpoint": cfg.Endpoint, "bucket": cfg.Bucket})
	log.Info("MinIO client initialized")

	return &MinIOClient{client: client, bucket: cfg.Bucket, log: log}, nil
}

// EnsureBucket creates the artifact bucket if it doesn't exist. Once the bucket is
// known to exist the check is skipped.
func (m *MinIOClient) EnsureBucket(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ensured {
		return nil
	}

	exists, err := m.client.BucketExists(ctx, m.bucket)
	if err != nil {
		return fmt.Errorf("failed to check if bucket exists: %w", classify(err))
	}
	if !exists {
		m.log.Info("Creating artifact bucket")
		if err := m.client.MakeBucket(ctx, m.bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("failed to create bucket: %w", classify(err))
		}
	}
	m.ensured = true
	return nil
}

// UploadFile uploads an artifact into the configured bucket
func (m *MinIOClient) UploadFile(ctx context.Context, objectName string, reader io.Reader, size int64, opts UploadOptions) (Object, error) {
	if err := m.EnsureBucket(ctx); err != nil {
		return Object{}, err
	}

	info, err := m.client.PutObject(ctx, m.bucket, objectName, reader, size, minio.PutObjectOptions{
		ContentType:  opts.ContentType,
		UserMetadata: opts.Metadata,
	})
	if err != nil {
		return Object{}, fmt.Errorf("failed to upload %s: %w", objectName, classify(err))
	}

	m.log.WithField("object", objectName).Infof("Artifact uploaded (%d bytes)", info.Size)
	return Object{Bucket: info.Bucket, Key: info.Key, ETag: info.ETag, Size: info.Size}, nil
}

// classify maps a MinIO error onto the provider taxonomy
func classify(err error) error {
	resp := minio.ToErrorResponse(err)
	switch {
	case resp.StatusCode == http.StatusForbidden || resp.Code == "AccessDenied" || resp.Code == "InvalidAccessKeyId" || resp.Code == "SignatureDoesNotMatch":
		return fmt.Errorf("%v: %w", err, models.ErrAuthentication)
	case resp.StatusCode == 0 || resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("%v: %w", err, models.ErrNetwork)
	default:
		return fmt.Errorf("%v: %w", err, models.ErrUpload)
	}
}
