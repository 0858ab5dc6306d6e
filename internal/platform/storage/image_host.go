package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"

	gcs "cloud.google.com/go/storage"
	"github.com/oklog/ulid/v2"
)

const (
	imagePrefix  = "products/"
	maxImageSize = 10 << 20
)

var (
	// ErrContentTypeDenied is returned for uploads that are not images.
	ErrContentTypeDenied = errors.New("storage: content type not allowed")
	// ErrImageTooLarge is returned when an upload exceeds the size limit.
	ErrImageTooLarge = errors.New("storage: image exceeds size limit")

	allowedImageTypes = map[string]string{
		"image/jpeg": ".jpg",
		"image/png":  ".png",
		"image/webp": ".webp",
		"image/gif":  ".gif",
	}
)

// objectStore is the slice of Cloud Storage used by ImageHost.
type objectStore interface {
	NewWriter(ctx context.Context, bucket, object, contentType string) io.WriteCloser
	Delete(ctx context.Context, bucket, object string) error
}

// ImageHost uploads product images to a public bucket and deletes them by URL.
type ImageHost struct {
	objects objectStore
	bucket  string
	baseURL string
}

// NewImageHost wraps a Cloud Storage client bound to bucket. baseURL is the public
// origin serving the bucket, usually https://storage.googleapis.com.
func NewImageHost(client *gcs.Client, bucket, baseURL string) (*ImageHost, error) {
	if client == nil {
		return nil, errors.New("storage: client is required")
	}
	return newImageHost(gcsObjects{client: client}, bucket, baseURL)
}

func newImageHost(objects objectStore, bucket, baseURL string) (*ImageHost, error) {
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return nil, errors.New("storage: bucket name is required")
	}
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "https://storage.googleapis.com"
	}
	return &ImageHost{objects: objects, bucket: bucket, baseURL: baseURL}, nil
}

// Upload stores r under a fresh object name derived from name and returns its public URL.
func (h *ImageHost) Upload(ctx context.Context, name, contentType string, r io.Reader) (string, error) {
	contentType = strings.ToLower(strings.TrimSpace(contentType))
	ext, ok := allowedImageTypes[contentType]
	if !ok {
		return "", ErrContentTypeDenied
	}
	object := imagePrefix + ulid.Make().String() + "-" + slug(name) + ext

	// Cancelling the writer's context aborts the upload instead of committing a partial object.
	wctx, cancel := context.WithCancel(ctx)
	defer cancel()
	w := h.objects.NewWriter(wctx, h.bucket, object, contentType)
	n, err := io.Copy(w, io.LimitReader(r, maxImageSize+1))
	if err == nil && n > maxImageSize {
		err = ErrImageTooLarge
	}
	if err != nil {
		cancel()
		_ = w.Close()
		return "", err
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("storage: upload %s: %w", object, err)
	}
	return h.baseURL + "/" + h.bucket + "/" + object, nil
}

// Delete removes the object behind rawURL. It reports false, without error, for URLs
// outside this host's bucket and for objects that no longer exist.
func (h *ImageHost) Delete(ctx context.Context, rawURL string) (bool, error) {
	object, ok := h.objectFromURL(rawURL)
	if !ok {
		return false, nil
	}
	err := h.objects.Delete(ctx, h.bucket, object)
	if errors.Is(err, gcs.ErrObjectNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("storage: delete %s: %w", object, err)
	}
	return true, nil
}

func (h *ImageHost) objectFromURL(rawURL string) (string, bool) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", false
	}
	base, err := url.Parse(h.baseURL)
	if err != nil || !strings.EqualFold(u.Host, base.Host) {
		return "", false
	}
	prefix := strings.TrimRight(base.Path, "/") + "/" + h.bucket + "/"
	object, ok := strings.CutPrefix(u.Path, prefix)
	if !ok || !strings.HasPrefix(object, imagePrefix) || strings.Contains(object, "..") {
		return "", false
	}
	return object, true
}

func slug(name string) string {
	name = strings.TrimSuffix(path.Base(name), path.Ext(name))
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-' || r == '_' || r == ' ' || r == '.':
			b.WriteByte('-')
		}
		if b.Len() >= 48 {
			break
		}
	}
	out := strings.Trim(b.String(), "-")
	if out == "" {
		return "image"
	}
	return out
}

type gcsObjects struct {
	client *gcs.Client
}

func (g gcsObjects) NewWriter(ctx context.Context, bucket, object, contentType string) io.WriteCloser {
	w := g.client.Bucket(bucket).Object(object).If(gcs.Conditions{DoesNotExist: true}).NewWriter(ctx)
	w.ContentType = contentType
	w.CacheControl = "public, max-age=31536000, immutable"
	return w
}

func (g gcsObjects) Delete(ctx context.Context, bucket, object string) error {
	return g.client.Bucket(bucket).Object(object).Delete(ctx)
}
