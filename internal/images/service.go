package images

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/golang/groupcache/singleflight"
	"github.com/google/uuid"

	"photocache/internal/logging"
	"photocache/internal/store"
	"photocache/internal/unsplash"
)

// Config holds the cache tuning knobs.
type Config struct {
	MaxStorageBytes       int64         // storage ceiling for all cached files
	MaxImages             int           // item-count ceiling
	CleanupThresholdRatio float64       // eviction triggers above MaxStorageBytes*ratio
	ImagesPerFetch        int           // batch size per refresh
	Quality               string        // recorded on each row, informational
	DownloadTimeout       time.Duration // per-item streaming budget
	ListHardCap           int           // absolute ceiling on ListRecent
}

// DefaultConfig returns the production cache limits.
func DefaultConfig() Config {
	return Config{
		MaxStorageBytes:       1 << 30, // 1 GiB
		MaxImages:             200,
		CleanupThresholdRatio: 0.9,
		ImagesPerFetch:        10,
		Quality:               "raw",
		DownloadTimeout:       10 * time.Minute,
		ListHardCap:           30,
	}
}

// evictionTargetRatio is the share of MaxImages kept after a cleanup; the
// gap below MaxImages keeps eviction from firing on every new item.
const evictionTargetRatio = 0.75

// Fetcher is the upstream photo provider.
type Fetcher interface {
	Search(ctx context.Context, query string, count int) ([]unsplash.Photo, error)
	TrackDownload(ctx context.Context, trackingURL string) error
}

// Service owns the bounded image cache: it downloads photos into storage,
// records their metadata, and evicts the oldest entries to stay under the
// configured ceilings.
type Service struct {
	storage Storage
	store   store.Store
	fetcher Fetcher
	cfg     Config
	client  *http.Client

	refresh singleflight.Group // one in-flight refresh per query
	evictMu sync.Mutex         // eviction never runs concurrently with itself
}

// NewService creates a new cache service.
func NewService(storage Storage, st store.Store, fetcher Fetcher, cfg Config) *Service {
	return &Service{
		storage: storage,
		store:   st,
		fetcher: fetcher,
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.DownloadTimeout},
	}
}

// RefreshResult aggregates one refresh cycle.
type RefreshResult struct {
	Succeeded int
	Failed    int
}

// EvictionResult aggregates one eviction pass.
type EvictionResult struct {
	Deleted    int
	FreedBytes int64
}

// RefreshCache fetches a batch of photos for query and caches any that are
// not already present, then enforces the storage limits. Per-item download
// failures are counted, never propagated; only fetcher or store
// unavailability makes the whole cycle fail. Concurrent calls for the same
// query share a single in-flight refresh.
func (s *Service) RefreshCache(ctx context.Context, query string) (*RefreshResult, error) {
	v, err := s.refresh.Do(query, func() (interface{}, error) {
		return s.doRefresh(ctx, query)
	})
	if err != nil {
		return nil, err
	}
	return v.(*RefreshResult), nil
}

func (s *Service) doRefresh(ctx context.Context, query string) (*RefreshResult, error) {
	logging.Cache.Printf("starting cache refresh (query=%q)", query)

	photos, err := s.fetcher.Search(ctx, query, s.cfg.ImagesPerFetch)
	if err != nil {
		return nil, fmt.Errorf("upstream search failed: %w", err)
	}

	result := &RefreshResult{}
	if len(photos) == 0 {
		logging.Cache.Printf("no photos returned for %q", query)
		return result, nil
	}

	// Sequential by design: one download at a time bounds outbound
	// bandwidth and disk contention.
	for _, photo := range photos {
		exists, err := s.store.HasUpstreamID(ctx, photo.UpstreamID)
		if err != nil {
			return nil, fmt.Errorf("store lookup failed: %w", err)
		}
		if exists {
			logging.Cache.Printf("photo %s already cached, skipping", photo.UpstreamID)
			continue
		}

		id := uuid.New().String()
		filename := id + ".jpg"

		size, err := s.downloadAsset(ctx, photo, filename)
		if err != nil {
			logging.Cache.Printf("failed to download photo %s: %v", photo.UpstreamID, err)
			result.Failed++
			continue
		}

		img := &store.CachedImage{
			ID:              id,
			UpstreamID:      photo.UpstreamID,
			FileName:        filename,
			FilePath:        s.storage.Location(filename),
			FileSize:        size,
			Quality:         s.cfg.Quality,
			Photographer:    photo.Photographer,
			PhotographerURL: photo.PhotographerURL,
			SourceURL:       photo.SourceURL,
			TrackingURL:     photo.TrackingURL,
			Width:           photo.Width,
			Height:          photo.Height,
			Color:           photo.Color,
			Description:     photo.Description,
			CachedAt:        time.Now(),
		}

		if err := s.store.InsertImage(ctx, img); err != nil {
			s.storage.Delete(ctx, filename)
			if errors.Is(err, store.ErrDuplicate) {
				// Another refresh inserted this upstream id mid-flight.
				logging.Cache.Printf("photo %s cached concurrently, discarding copy", photo.UpstreamID)
				continue
			}
			return nil, fmt.Errorf("failed to record photo %s: %w", photo.UpstreamID, err)
		}
		result.Succeeded++

		// Provider tracking is best effort and must never block or fail
		// the caching operation.
		if photo.TrackingURL != "" {
			go func(url string) {
				if err := s.fetcher.TrackDownload(context.Background(), url); err != nil {
					logging.Cache.Printf("download tracking failed (non-blocking): %v", err)
				}
			}(photo.TrackingURL)
		}
	}

	logging.Cache.Printf("refresh complete: %d succeeded, %d failed", result.Succeeded, result.Failed)

	if _, err := s.EnforceLimits(ctx); err != nil {
		logging.Cache.Printf("post-refresh cleanup failed: %v", err)
	}

	return result, nil
}

// downloadAsset streams one photo into storage, reporting progress every
// few seconds for large originals.
func (s *Service) downloadAsset(ctx context.Context, photo unsplash.Photo, filename string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.DownloadTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, "GET", photo.AssetURL, nil)
	if err != nil {
		return 0, err
	}

	start := time.Now()
	resp, err := s.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return 0, fmt.Errorf("download returned status %d", resp.StatusCode)
	}

	total := resp.ContentLength
	logging.Cache.Printf("downloading photo %s (%dx%d, expected %s)",
		photo.UpstreamID, photo.Width, photo.Height, expectedSize(total))

	lastLogged := start
	onProgress := func(written, total int64) {
		now := time.Now()
		if now.Sub(lastLogged) < 5*time.Second {
			return
		}
		lastLogged = now
		elapsed := now.Sub(start).Seconds()
		speed := humanize.IBytes(uint64(float64(written)/elapsed)) + "/s"
		if total > 0 {
			logging.Cache.Printf("  progress: %.1f%% (%s/%s) - %s",
				float64(written)/float64(total)*100,
				humanize.IBytes(uint64(written)), humanize.IBytes(uint64(total)), speed)
		} else {
			logging.Cache.Printf("  progress: %s - %s", humanize.IBytes(uint64(written)), speed)
		}
	}

	size, err := s.storage.SaveWithProgress(ctx, filename, resp.Body, total, onProgress)
	if err != nil {
		return 0, err
	}

	elapsed := time.Since(start)
	logging.Cache.Printf("downloaded %s (%s) in %.1fs",
		filename, humanize.IBytes(uint64(size)), elapsed.Seconds())
	return size, nil
}

func expectedSize(total int64) string {
	if total <= 0 {
		return "unknown size"
	}
	return humanize.IBytes(uint64(total))
}

// EnforceLimits deletes the oldest cached images until the cache is back
// under its ceilings. A file that cannot be unlinked is logged and its
// metadata removed anyway; the row going away is still progress.
func (s *Service) EnforceLimits(ctx context.Context) (*EvictionResult, error) {
	s.evictMu.Lock()
	defer s.evictMu.Unlock()

	result := &EvictionResult{}

	totals, err := s.store.CacheTotals(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read cache totals: %w", err)
	}

	needsCleanup := totals.TotalBytes > int64(float64(s.cfg.MaxStorageBytes)*s.cfg.CleanupThresholdRatio) ||
		totals.ImageCount > s.cfg.MaxImages
	if !needsCleanup {
		return result, nil
	}

	target := int(float64(s.cfg.MaxImages) * evictionTargetRatio)
	toDelete := totals.ImageCount - target
	if toDelete <= 0 {
		return result, nil
	}

	logging.Cache.Printf("cache at %d images / %s, evicting %d oldest",
		totals.ImageCount, humanize.IBytes(uint64(totals.TotalBytes)), toDelete)

	victims, err := s.store.ListOldest(ctx, toDelete)
	if err != nil {
		return nil, fmt.Errorf("failed to select eviction candidates: %w", err)
	}

	for _, img := range victims {
		if err := s.storage.Delete(ctx, img.FileName); err != nil && !errors.Is(err, ErrNotFound) {
			logging.Cache.Printf("failed to delete file %s: %v", img.FileName, err)
		}
		if err := s.store.DeleteImage(ctx, img.ID); err != nil {
			logging.Cache.Printf("failed to delete metadata for %s: %v", img.ID, err)
			continue
		}
		result.Deleted++
		result.FreedBytes += img.FileSize
	}

	logging.Cache.Printf("eviction complete: deleted %d images, freed %s",
		result.Deleted, humanize.IBytes(uint64(result.FreedBytes)))
	return result, nil
}

// ListRecent returns up to limit cached images, newest first. The limit is
// clamped to the configured hard cap so responses stay bounded.
func (s *Service) ListRecent(ctx context.Context, limit int) ([]*store.CachedImage, error) {
	if limit <= 0 {
		limit = 10
	}
	if limit > s.cfg.ListHardCap {
		limit = s.cfg.ListHardCap
	}
	return s.store.ListRecent(ctx, limit)
}

// CacheStats is a point-in-time view of cache usage.
type CacheStats struct {
	ImageCount     int
	TotalBytes     int64
	AvgBytes       int64
	OldestCachedAt time.Time
	NewestCachedAt time.Time
	StorageLimit   int64
	UsagePercent   float64
}

// Stats reports current cache usage. The observability path must never go
// dark: on store failure it logs and returns a zeroed result instead of an
// error.
func (s *Service) Stats(ctx context.Context) *CacheStats {
	stats := &CacheStats{StorageLimit: s.cfg.MaxStorageBytes}

	totals, err := s.store.CacheTotals(ctx)
	if err != nil {
		logging.Cache.Printf("failed to read cache stats: %v", err)
		return stats
	}

	stats.ImageCount = totals.ImageCount
	stats.TotalBytes = totals.TotalBytes
	stats.AvgBytes = totals.AvgBytes
	stats.OldestCachedAt = totals.OldestItem
	stats.NewestCachedAt = totals.NewestItem
	stats.UsagePercent = float64(totals.TotalBytes) / float64(s.cfg.MaxStorageBytes) * 100
	return stats
}

// DeleteOne removes a single cached image by id and reports the bytes freed
// according to the metadata row, whether or not the physical file could be
// deleted. A missing id returns store.ErrNotFound.
func (s *Service) DeleteOne(ctx context.Context, id string) (int64, error) {
	img, err := s.store.GetImage(ctx, id)
	if err != nil {
		return 0, err
	}

	if err := s.storage.Delete(ctx, img.FileName); err != nil && !errors.Is(err, ErrNotFound) {
		logging.Cache.Printf("failed to delete file %s: %v", img.FileName, err)
	}

	if err := s.store.DeleteImage(ctx, id); err != nil {
		return 0, err
	}

	logging.Cache.Printf("deleted image %s (freed %s)", id, humanize.IBytes(uint64(img.FileSize)))
	return img.FileSize, nil
}

// Open returns the cached file bytes and metadata for serving.
func (s *Service) Open(ctx context.Context, id string) (io.ReadCloser, *store.CachedImage, error) {
	img, err := s.store.GetImage(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	rc, err := s.storage.Load(ctx, img.FileName)
	if err != nil {
		return nil, nil, err
	}
	return rc, img, nil
}

// FetchLive asks the upstream provider directly, bypassing the cache. Used
// as a read-path fallback while the cache is still empty.
func (s *Service) FetchLive(ctx context.Context, query string, count int) ([]unsplash.Photo, error) {
	return s.fetcher.Search(ctx, query, count)
}

// RecordView appends a view analytics event.
func (s *Service) RecordView(ctx context.Context, ev *store.TrackingEvent) error {
	return s.store.InsertViewEvent(ctx, ev)
}

// RecordDownload appends a download analytics event.
func (s *Service) RecordDownload(ctx context.Context, ev *store.TrackingEvent) error {
	return s.store.InsertDownloadEvent(ctx, ev)
}

// Analytics reports aggregate view/download counts over the last days.
func (s *Service) Analytics(ctx context.Context, days int) (*store.AnalyticsSummary, error) {
	return s.store.AnalyticsSummary(ctx, days)
}
