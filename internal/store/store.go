package store

import (
	"context"
	"time"
)

// CachedImage is the metadata row for one locally cached photo.
// Rows are immutable after insertion; DownloadCount is derived from the
// image_downloads table and is only populated by ListRecent.
type CachedImage struct {
	ID              string
	UpstreamID      string
	FileName        string
	FilePath        string
	FileSize        int64
	Quality         string
	Photographer    string
	PhotographerURL string
	SourceURL       string
	TrackingURL     string
	Width           int
	Height          int
	Color           string
	Description     string
	CachedAt        time.Time
	DownloadCount   int64
}

// TrackingEvent is one append-only view or download analytics row.
// ImageID may reference an image that has since been evicted; the
// reference is logical only, never enforced.
type TrackingEvent struct {
	ImageID         string
	Photographer    string
	PhotographerURL string
	UserAgent       string
	IPAddress       string
	Platform        string
	CreatedAt       time.Time
}

// CacheTotals contains aggregate figures over the cached_images table.
type CacheTotals struct {
	ImageCount int
	TotalBytes int64
	AvgBytes   int64
	OldestItem time.Time
	NewestItem time.Time
}

// AnalyticsSummary contains aggregate view/download counts.
type AnalyticsSummary struct {
	TotalViews      int64
	TotalDownloads  int64
	RecentViews     int64
	RecentDownloads int64
}

// Store defines the interface for metadata persistence.
type Store interface {
	InsertImage(ctx context.Context, img *CachedImage) error
	GetImage(ctx context.Context, id string) (*CachedImage, error)
	HasUpstreamID(ctx context.Context, upstreamID string) (bool, error)
	DeleteImage(ctx context.Context, id string) error
	ListRecent(ctx context.Context, limit int) ([]*CachedImage, error)
	ListOldest(ctx context.Context, limit int) ([]*CachedImage, error)
	CacheTotals(ctx context.Context) (*CacheTotals, error)
	InsertViewEvent(ctx context.Context, ev *TrackingEvent) error
	InsertDownloadEvent(ctx context.Context, ev *TrackingEvent) error
	AnalyticsSummary(ctx context.Context, days int) (*AnalyticsSummary, error)
	Close() error
}
