package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"photocache/internal/images"
	"photocache/internal/logging"
	"photocache/internal/store"
	"photocache/internal/unsplash"
)

var validImageIDPattern = regexp.MustCompile(`^[a-zA-Z0-9-]+$`)

// DefaultQuery is the search used when a caller does not supply one.
const DefaultQuery = "nature,landscape"

// Handler handles HTTP requests.
type Handler struct {
	images *images.Service
	apiKey string
	mux    *http.ServeMux
}

// NewHandler creates a new HTTP handler. apiKey guards the administrative
// endpoints; when empty they are open (development setups).
func NewHandler(svc *images.Service, apiKey string) *Handler {
	h := &Handler{
		images: svc,
		apiKey: apiKey,
		mux:    http.NewServeMux(),
	}
	h.registerRoutes()
	return h
}

func (h *Handler) registerRoutes() {
	h.mux.HandleFunc("GET /api/v1/health", h.handleHealth)
	h.mux.HandleFunc("GET /api/v1/images", h.handleListImages)
	h.mux.HandleFunc("GET /api/v1/images/stats", h.handleCacheStats)
	h.mux.HandleFunc("POST /api/v1/images/refresh", h.handleRefresh)
	h.mux.HandleFunc("DELETE /api/v1/images/{id}", h.handleDeleteImage)
	h.mux.HandleFunc("POST /api/v1/track/view", h.handleTrackView)
	h.mux.HandleFunc("POST /api/v1/track/download", h.handleTrackDownload)
	h.mux.HandleFunc("GET /api/v1/stats", h.handleAnalytics)
	h.mux.HandleFunc("GET /cache/images/{id}", h.handleServeImage)
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func isValidImageID(id string) bool {
	return id != "" && len(id) <= 64 && validImageIDPattern.MatchString(id)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Internal.Printf("failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{
		"success": false,
		"message": message,
	})
}

// requireAPIKey guards administrative endpoints. Returns false after
// writing the error response when the caller is not authorized.
func (h *Handler) requireAPIKey(w http.ResponseWriter, r *http.Request) bool {
	if h.apiKey == "" {
		return true
	}
	key := presentedAPIKey(r)
	if key == "" {
		writeError(w, http.StatusUnauthorized, "API key is required")
		return false
	}
	if key != h.apiKey {
		writeError(w, http.StatusForbidden, "The provided API key is invalid")
		return false
	}
	return true
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"status":  "ok",
	})
}

// ImageResponse is one image entry in a list response.
type ImageResponse struct {
	ID               string    `json:"id"`
	UpstreamID       string    `json:"upstreamId"`
	URL              string    `json:"url"`
	Photographer     string    `json:"photographer"`
	PhotographerURL  string    `json:"photographerUrl"`
	SourceURL        string    `json:"sourceUrl"`
	DownloadLocation string    `json:"downloadLocation,omitempty"`
	Width            int       `json:"width"`
	Height           int       `json:"height"`
	Color            string    `json:"color"`
	Description      string    `json:"description"`
	DownloadCount    int64     `json:"downloadCount"`
	CachedAt         time.Time `json:"cachedAt,omitzero"`
	Cached           bool      `json:"cached"`
}

// handleListImages serves the cached working set, newest first. While the
// cache is empty (or the store is briefly unavailable) it degrades to a
// live upstream fetch rather than an error.
func (h *Handler) handleListImages(w http.ResponseWriter, r *http.Request) {
	count, _ := strconv.Atoi(r.URL.Query().Get("count"))

	cached, err := h.images.ListRecent(r.Context(), count)
	if err != nil {
		logging.Internal.Printf("failed to list cached images: %v", err)
		cached = nil
	}

	if len(cached) > 0 {
		resp := make([]ImageResponse, 0, len(cached))
		for _, img := range cached {
			resp = append(resp, ImageResponse{
				ID:               img.ID,
				UpstreamID:       img.UpstreamID,
				URL:              "/cache/images/" + img.ID,
				Photographer:     img.Photographer,
				PhotographerURL:  img.PhotographerURL,
				SourceURL:        img.SourceURL,
				DownloadLocation: img.TrackingURL,
				Width:            img.Width,
				Height:           img.Height,
				Color:            img.Color,
				Description:      img.Description,
				DownloadCount:    img.DownloadCount,
				CachedAt:         img.CachedAt,
				Cached:           true,
			})
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"success": true,
			"count":   len(resp),
			"cached":  true,
			"images":  resp,
		})
		return
	}

	// Fallback: no cached images yet, ask upstream directly.
	query := r.URL.Query().Get("query")
	if query == "" {
		query = DefaultQuery
	}
	if count <= 0 {
		count = 10
	}
	photos, err := h.images.FetchLive(r.Context(), query, count)
	if err != nil {
		logging.Internal.Printf("live fetch failed: %v", err)
		writeError(w, http.StatusBadGateway, "no images available")
		return
	}

	resp := make([]ImageResponse, 0, len(photos))
	for _, p := range photos {
		resp = append(resp, liveImageResponse(p))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"count":   len(resp),
		"cached":  false,
		"images":  resp,
	})
}

func liveImageResponse(p unsplash.Photo) ImageResponse {
	return ImageResponse{
		UpstreamID:       p.UpstreamID,
		URL:              p.AssetURL,
		Photographer:     p.Photographer,
		PhotographerURL:  p.PhotographerURL,
		SourceURL:        p.SourceURL,
		DownloadLocation: p.TrackingURL,
		Width:            p.Width,
		Height:           p.Height,
		Color:            p.Color,
		Description:      p.Description,
		Cached:           false,
	}
}

func (h *Handler) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	stats := h.images.Stats(r.Context())

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"cache": map[string]any{
			"imageCount":   stats.ImageCount,
			"totalBytes":   stats.TotalBytes,
			"avgBytes":     stats.AvgBytes,
			"oldestImage":  stats.OldestCachedAt,
			"newestImage":  stats.NewestCachedAt,
			"storageLimit": stats.StorageLimit,
			"usagePercent": stats.UsagePercent,
		},
	})
}

func (h *Handler) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if !h.requireAPIKey(w, r) {
		return
	}

	query := r.URL.Query().Get("query")
	if query == "" {
		query = DefaultQuery
	}

	result, err := h.images.RefreshCache(r.Context(), query)
	if err != nil {
		logging.Internal.Printf("cache refresh failed: %v", err)
		writeError(w, http.StatusInternalServerError, "cache refresh failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"downloaded": result.Succeeded,
		"failed":     result.Failed,
	})
}

func (h *Handler) handleDeleteImage(w http.ResponseWriter, r *http.Request) {
	if !h.requireAPIKey(w, r) {
		return
	}

	id := r.PathValue("id")
	if !isValidImageID(id) {
		writeError(w, http.StatusBadRequest, "invalid image ID")
		return
	}

	freed, err := h.images.DeleteOne(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Image not found")
		return
	}
	if err != nil {
		logging.Internal.Printf("failed to delete image %s: %v", id, err)
		writeError(w, http.StatusInternalServerError, "failed to delete image")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"message":    "Image deleted successfully",
		"freedBytes": freed,
	})
}

// TrackingRequest is the request body for view/download tracking.
type TrackingRequest struct {
	ImageID         string `json:"imageId"`
	Photographer    string `json:"photographer"`
	PhotographerURL string `json:"photographerUrl"`
	Platform        string `json:"platform"`
}

func (h *Handler) handleTrackView(w http.ResponseWriter, r *http.Request) {
	h.handleTrack(w, r, h.images.RecordView)
}

func (h *Handler) handleTrackDownload(w http.ResponseWriter, r *http.Request) {
	h.handleTrack(w, r, h.images.RecordDownload)
}

func (h *Handler) handleTrack(w http.ResponseWriter, r *http.Request, record func(ctx context.Context, ev *store.TrackingEvent) error) {
	var req TrackingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ev := &store.TrackingEvent{
		ImageID:         req.ImageID,
		Photographer:    req.Photographer,
		PhotographerURL: req.PhotographerURL,
		UserAgent:       r.UserAgent(),
		IPAddress:       extractIP(r),
		Platform:        req.Platform,
		CreatedAt:       time.Now(),
	}

	if err := record(r.Context(), ev); err != nil {
		logging.Internal.Printf("failed to record tracking event: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to record event")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (h *Handler) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	days, _ := strconv.Atoi(r.URL.Query().Get("days"))
	if days <= 0 {
		days = 30
	}

	summary, err := h.images.Analytics(r.Context(), days)
	if err != nil {
		logging.Internal.Printf("failed to read analytics: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to read analytics")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"period":  strconv.Itoa(days) + " days",
		"totals": map[string]any{
			"totalViews":      summary.TotalViews,
			"totalDownloads":  summary.TotalDownloads,
			"recentViews":     summary.RecentViews,
			"recentDownloads": summary.RecentDownloads,
		},
	})
}

func (h *Handler) handleServeImage(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !isValidImageID(id) {
		writeError(w, http.StatusBadRequest, "invalid image ID")
		return
	}

	rc, img, err := h.images.Open(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) || errors.Is(err, images.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Image not found")
		return
	}
	if err != nil {
		logging.Internal.Printf("failed to open image %s: %v", id, err)
		writeError(w, http.StatusInternalServerError, "failed to open image")
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Content-Length", strconv.FormatInt(img.FileSize, 10))
	w.Header().Set("Cache-Control", "public, max-age=86400")
	if _, err := io.Copy(w, rc); err != nil {
		logging.Internal.Printf("failed to serve image %s: %v", id, err)
	}
}
