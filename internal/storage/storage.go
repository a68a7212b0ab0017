// Package storage provides file storage for inspection photos.
//
// Two implementations back the Storage interface: LocalStorage for
// development and R2Storage (S3-compatible) for production. The analysis
// orchestrator only reads through this interface; intake writes originals
// and thumbnails through it.
package storage

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// Storage defines the interface for file storage operations. All methods are
// context-aware for timeout and cancellation support.
type Storage interface {
	// Put stores data at the specified key with the given options.
	Put(ctx context.Context, key string, data io.Reader, opts PutOptions) error

	// Get retrieves the data at the specified key. The caller must close the
	// returned reader. Returns ErrNotFound if the key doesn't exist.
	Get(ctx context.Context, key string) (io.ReadCloser, ObjectInfo, error)

	// Delete removes the object at the specified key. Idempotent.
	Delete(ctx context.Context, key string) error

	// URL returns a URL for accessing the object. For private objects this
	// is a presigned URL valid for the given duration.
	URL(ctx context.Context, key string, expires time.Duration) (string, error)

	// Exists checks if an object exists at the specified key.
	Exists(ctx context.Context, key string) (bool, error)
}

// PutOptions configures how an object is stored.
type PutOptions struct {
	// ContentType specifies the MIME type. Auto-detected when empty.
	ContentType string

	// MaxSize is the maximum allowed size in bytes; 0 means no limit.
	MaxSize int64

	// Overwrite allows replacing an existing object at the same key.
	Overwrite bool

	// Public marks the object publicly accessible where the backend
	// supports ACLs.
	Public bool
}

// ObjectInfo contains metadata about a stored object.
type ObjectInfo struct {
	Key          string
	Size         int64
	ContentType  string
	LastModified time.Time
	ETag         string
}

// LocalConfig holds configuration for local filesystem storage.
type LocalConfig struct {
	BasePath string // Root directory, e.g. "./storage"
	BaseURL  string // Public URL prefix, e.g. "http://localhost:8080/files"
}

// R2Config holds configuration for Cloudflare R2 storage.
type R2Config struct {
	AccountID       string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string
	PublicURL       string // Optional custom-domain URL; presigned URLs otherwise
	Region          string // Any valid region string; R2 default is "auto"
}

const (
	// ProviderLocal identifies the local filesystem storage provider.
	ProviderLocal = "local"

	// ProviderR2 identifies the Cloudflare R2 storage provider.
	ProviderR2 = "r2"
)

// PhotoKey generates a storage key for an inspection photo.
// Format: inspections/{inspectionID}/photos/{uuid}.{ext}
func PhotoKey(inspectionID uuid.UUID, filename string) string {
	ext := filepath.Ext(filename)
	photoID := uuid.New()
	return fmt.Sprintf("inspections/%s/photos/%s%s", inspectionID, photoID, ext)
}

// ThumbnailKey generates a storage key for a photo thumbnail. Thumbnails are
// always JPEG.
// Format: inspections/{inspectionID}/thumbnails/{uuid}.jpg
func ThumbnailKey(inspectionID uuid.UUID) string {
	thumbnailID := uuid.New()
	return fmt.Sprintf("inspections/%s/thumbnails/%s.jpg", inspectionID, thumbnailID)
}
