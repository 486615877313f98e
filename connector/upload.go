package connector

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"mime"
	"os"
	"path"
	"path/filepath"

	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/loiht2/ml-platform-finetune-orchestrator/models"
	"github.com/loiht2/ml-platform-finetune-orchestrator/storage"
)

const (
	// MetadataJobID is the upload metadata key naming the job an artifact belongs to
	MetadataJobID = "job-id"
	// MetadataRunRef carries the receiving connector's own ref for that job
	MetadataRunRef = "run-ref"
)

// UploadFile stores a local artifact under prefix/<job-id>/<file name> and returns its
// s3:// URI. Transient store errors are retried with backoff; anything left after
// that is reported as ErrUpload.
func UploadFile(ctx context.Context, store storage.ArtifactStore, backoff wait.Backoff, prefix, file string, metadata map[string]string) (string, error) {
	info, err := os.Stat(file)
	if errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("artifact %s: %w", file, models.ErrFileNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("artifact %s: %v: %w", file, err, models.ErrUpload)
	}
	if info.IsDir() {
		return "", fmt.Errorf("artifact %s is a directory: %w", file, models.ErrFileNotFound)
	}

	key := path.Join(prefix, metadata[MetadataJobID], filepath.Base(file))
	contentType := mime.TypeByExtension(filepath.Ext(file))
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	var obj storage.Object
	err = Retry(ctx, backoff, func(ctx context.Context) error {
		f, err := os.Open(file)
		if err != nil {
			return fmt.Errorf("opening artifact: %w", err)
		}
		defer f.Close()
		obj, err = store.UploadFile(ctx, key, f, info.Size(), storage.UploadOptions{ContentType: contentType, Metadata: metadata})
		return err
	})
	if err != nil {
		return "", fmt.Errorf("uploading %s: %v: %w", file, err, models.ErrUpload)
	}
	return obj.URI(), nil
}
