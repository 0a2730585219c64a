package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("duplicate upstream id")
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite-backed store.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, err
	}

	if err := db.Ping(); err != nil {
		return nil, err
	}

	if err := migrate(db); err != nil {
		return nil, err
	}

	return &SQLiteStore{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS cached_images (
			id TEXT PRIMARY KEY,
			upstream_id TEXT NOT NULL UNIQUE,
			filename TEXT NOT NULL,
			file_path TEXT NOT NULL,
			file_size INTEGER NOT NULL,
			quality TEXT NOT NULL DEFAULT '',
			photographer TEXT NOT NULL DEFAULT '',
			photographer_url TEXT NOT NULL DEFAULT '',
			source_url TEXT NOT NULL DEFAULT '',
			tracking_url TEXT NOT NULL DEFAULT '',
			width INTEGER NOT NULL DEFAULT 0,
			height INTEGER NOT NULL DEFAULT 0,
			color TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			cached_at DATETIME NOT NULL
		)
	`)
	if err != nil {
		return err
	}

	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_cached_images_cached_at ON cached_images(cached_at)`)
	if err != nil {
		return err
	}

	for _, table := range []string{"image_views", "image_downloads"} {
		_, err = db.Exec(fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				image_id TEXT,
				photographer TEXT,
				photographer_url TEXT,
				user_agent TEXT,
				ip_address TEXT,
				platform TEXT,
				created_at DATETIME NOT NULL
			)
		`, table))
		if err != nil {
			return err
		}
	}

	return nil
}

const imageColumns = `id, upstream_id, filename, file_path, file_size, quality,
	photographer, photographer_url, source_url, tracking_url,
	width, height, color, description, cached_at`

// InsertImage inserts a new metadata row. The unique constraint on
// upstream_id guarantees at most one local copy per upstream image;
// violations are reported as ErrDuplicate.
func (s *SQLiteStore) InsertImage(ctx context.Context, img *CachedImage) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cached_images (`+imageColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, img.ID, img.UpstreamID, img.FileName, img.FilePath, img.FileSize, img.Quality,
		img.Photographer, img.PhotographerURL, img.SourceURL, img.TrackingURL,
		img.Width, img.Height, img.Color, img.Description, img.CachedAt)

	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
		return ErrDuplicate
	}
	return err
}

func scanImage(row interface{ Scan(...any) error }) (*CachedImage, error) {
	var img CachedImage
	err := row.Scan(&img.ID, &img.UpstreamID, &img.FileName, &img.FilePath, &img.FileSize,
		&img.Quality, &img.Photographer, &img.PhotographerURL, &img.SourceURL, &img.TrackingURL,
		&img.Width, &img.Height, &img.Color, &img.Description, &img.CachedAt)
	if err != nil {
		return nil, err
	}
	return &img, nil
}

func (s *SQLiteStore) GetImage(ctx context.Context, id string) (*CachedImage, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+imageColumns+` FROM cached_images WHERE id = ?
	`, id)

	img, err := scanImage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return img, nil
}

func (s *SQLiteStore) HasUpstreamID(ctx context.Context, upstreamID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `
		SELECT 1 FROM cached_images WHERE upstream_id = ?
	`, upstreamID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *SQLiteStore) DeleteImage(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM cached_images WHERE id = ?`, id)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// ListRecent returns the newest images first, each with its derived
// download count from the image_downloads table.
func (s *SQLiteStore) ListRecent(ctx context.Context, limit int) ([]*CachedImage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, upstream_id, filename, file_path, file_size, quality,
			photographer, photographer_url, source_url, tracking_url,
			width, height, color, description, cached_at,
			COALESCE((SELECT COUNT(*) FROM image_downloads d WHERE d.image_id = cached_images.id), 0)
		FROM cached_images
		ORDER BY cached_at DESC, rowid DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var images []*CachedImage
	for rows.Next() {
		var img CachedImage
		err := rows.Scan(&img.ID, &img.UpstreamID, &img.FileName, &img.FilePath, &img.FileSize,
			&img.Quality, &img.Photographer, &img.PhotographerURL, &img.SourceURL, &img.TrackingURL,
			&img.Width, &img.Height, &img.Color, &img.Description, &img.CachedAt, &img.DownloadCount)
		if err != nil {
			return nil, err
		}
		images = append(images, &img)
	}
	return images, rows.Err()
}

// ListOldest returns eviction candidates, oldest first. Ties on cached_at
// fall back to insertion order so eviction stays strictly FIFO.
func (s *SQLiteStore) ListOldest(ctx context.Context, limit int) ([]*CachedImage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+imageColumns+`
		FROM cached_images
		ORDER BY cached_at ASC, rowid ASC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var images []*CachedImage
	for rows.Next() {
		img, err := scanImage(rows)
		if err != nil {
			return nil, err
		}
		images = append(images, img)
	}
	return images, rows.Err()
}

func (s *SQLiteStore) CacheTotals(ctx context.Context) (*CacheTotals, error) {
	totals := &CacheTotals{}

	row := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) as image_count,
			COALESCE(SUM(file_size), 0) as total_bytes,
			COALESCE(AVG(file_size), 0) as avg_bytes,
			COALESCE(MIN(cached_at), '') as oldest,
			COALESCE(MAX(cached_at), '') as newest
		FROM cached_images
	`)

	var avg float64
	var oldest, newest string
	err := row.Scan(&totals.ImageCount, &totals.TotalBytes, &avg, &oldest, &newest)
	if err != nil {
		return nil, err
	}
	totals.AvgBytes = int64(avg)

	totals.OldestItem = parseStoredTime(oldest)
	totals.NewestItem = parseStoredTime(newest)

	return totals, nil
}

func parseStoredTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, _ := time.Parse("2006-01-02 15:04:05-07:00", s)
	if t.IsZero() {
		t, _ = time.Parse("2006-01-02T15:04:05Z", s)
	}
	return t
}

func (s *SQLiteStore) InsertViewEvent(ctx context.Context, ev *TrackingEvent) error {
	return s.insertEvent(ctx, "image_views", ev)
}

func (s *SQLiteStore) InsertDownloadEvent(ctx context.Context, ev *TrackingEvent) error {
	return s.insertEvent(ctx, "image_downloads", ev)
}

func (s *SQLiteStore) insertEvent(ctx context.Context, table string, ev *TrackingEvent) error {
	createdAt := ev.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (image_id, photographer, photographer_url, user_agent, ip_address, platform, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, table), nullable(ev.ImageID), ev.Photographer, ev.PhotographerURL,
		ev.UserAgent, ev.IPAddress, ev.Platform, createdAt)
	return err
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func (s *SQLiteStore) AnalyticsSummary(ctx context.Context, days int) (*AnalyticsSummary, error) {
	summary := &AnalyticsSummary{}
	cutoff := time.Now().AddDate(0, 0, -days)

	row := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM image_views),
			(SELECT COUNT(*) FROM image_downloads),
			(SELECT COUNT(*) FROM image_views WHERE created_at >= ?),
			(SELECT COUNT(*) FROM image_downloads WHERE created_at >= ?)
	`, cutoff, cutoff)

	err := row.Scan(&summary.TotalViews, &summary.TotalDownloads,
		&summary.RecentViews, &summary.RecentDownloads)
	if err != nil {
		return nil, err
	}
	return summary, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
