package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/threadline/storefront/internal/platform/httpx"
	"github.com/threadline/storefront/internal/platform/storage"
)

const maxImageFormSize = 10<<20 + 64*1024

// ImageHost stores product images and removes them by URL.
type ImageHost interface {
	Upload(ctx context.Context, name, contentType string, r io.Reader) (string, error)
	Delete(ctx context.Context, rawURL string) (bool, error)
}

var _ ImageHost = (*storage.ImageHost)(nil)

// AdminImageHandlers exposes product image maintenance to administrators.
type AdminImageHandlers struct {
	images ImageHost
}

// NewAdminImageHandlers constructs admin image handlers.
func NewAdminImageHandlers(images ImageHost) *AdminImageHandlers {
	return &AdminImageHandlers{images: images}
}

// Routes wires the image endpoints onto the admin router.
func (h *AdminImageHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/images", h.upload)
	r.Delete("/images", h.delete)
}

func (h *AdminImageHandlers) upload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.images == nil {
		httpx.WriteError(ctx, w, httpx.NewError("images_unavailable", "image host is not configured", http.StatusServiceUnavailable))
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxImageFormSize)
	file, header, err := r.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "image exceeds size limit", http.StatusRequestEntityTooLarge))
			return
		}
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "multipart field \"file\" is required", http.StatusBadRequest))
		return
	}
	defer file.Close()

	contentType := header.Header.Get("Content-Type")
	url, err := h.images.Upload(ctx, header.Filename, contentType, file)
	switch {
	case errors.Is(err, storage.ErrContentTypeDenied):
		httpx.WriteError(ctx, w, httpx.NewError("unsupported_media_type", "only jpeg, png, webp and gif images are accepted", http.StatusUnsupportedMediaType))
	case errors.Is(err, storage.ErrImageTooLarge):
		httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "image exceeds size limit", http.StatusRequestEntityTooLarge))
	case err != nil:
		httpx.WriteError(ctx, w, httpx.NewError("upload_failed", "image upload failed", http.StatusBadGateway))
	default:
		httpx.WriteJSON(w, http.StatusCreated, map[string]any{"url": url})
	}
}

func (h *AdminImageHandlers) delete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.images == nil {
		httpx.WriteError(ctx, w, httpx.NewError("images_unavailable", "image host is not configured", http.StatusServiceUnavailable))
		return
	}
	var req struct {
		URL string `json:"url"`
	}
	if !decodeJSONBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.URL) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("validation_failed", "request validation failed", http.StatusUnprocessableEntity).
			WithFields(map[string]string{"url": "is required"}))
		return
	}
	deleted, err := h.images.Delete(ctx, req.URL)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("delete_failed", "image delete failed", http.StatusBadGateway))
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"deleted": deleted})
}
