package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"

	"photocache/internal/api"
	"photocache/internal/images"
	"photocache/internal/logging"
	"photocache/internal/store"
	"photocache/internal/unsplash"
)

func printStats(st *store.SQLiteStore, cfg images.Config) {
	ctx := context.Background()
	totals, err := st.CacheTotals(ctx)
	if err != nil {
		logging.Internal.Fatalf("failed to get cache totals: %v", err)
	}
	analytics, err := st.AnalyticsSummary(ctx, 30)
	if err != nil {
		logging.Internal.Fatalf("failed to get analytics: %v", err)
	}

	usage := float64(totals.TotalBytes) / float64(cfg.MaxStorageBytes) * 100

	fmt.Println("╔══════════════════════════════════════════╗")
	fmt.Println("║           PhotoCache Statistics          ║")
	fmt.Println("╠══════════════════════════════════════════╣")
	fmt.Printf("║  Cached Images:   %-22d║\n", totals.ImageCount)
	fmt.Printf("║  Total Storage:   %-22s║\n", humanize.IBytes(uint64(totals.TotalBytes)))
	fmt.Printf("║  Average Size:    %-22s║\n", humanize.IBytes(uint64(totals.AvgBytes)))
	fmt.Printf("║  Storage Limit:   %-22s║\n", humanize.IBytes(uint64(cfg.MaxStorageBytes)))
	fmt.Printf("║  Usage:           %-22s║\n", fmt.Sprintf("%.1f%%", usage))
	fmt.Println("╠══════════════════════════════════════════╣")
	if !totals.OldestItem.IsZero() {
		fmt.Printf("║  Oldest Image:    %-22s║\n", totals.OldestItem.Format("2006-01-02 15:04"))
		fmt.Printf("║  Newest Image:    %-22s║\n", totals.NewestItem.Format("2006-01-02 15:04"))
	} else {
		fmt.Println("║  No images in cache                      ║")
	}
	fmt.Println("╠══════════════════════════════════════════╣")
	fmt.Printf("║  Total Views:     %-22d║\n", analytics.TotalViews)
	fmt.Printf("║  Total Downloads: %-22d║\n", analytics.TotalDownloads)
	fmt.Printf("║  Views (30d):     %-22d║\n", analytics.RecentViews)
	fmt.Printf("║  Downloads (30d): %-22d║\n", analytics.RecentDownloads)
	fmt.Println("╚══════════════════════════════════════════╝")
}

// cacheConfigFromEnv applies optional env overrides on top of the defaults.
// Invalid values are fatal: a mistyped ceiling must not silently fall back.
func cacheConfigFromEnv() images.Config {
	cfg := images.DefaultConfig()

	if v := os.Getenv("CACHE_MAX_BYTES"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n <= 0 {
			logging.Internal.Fatalf("invalid CACHE_MAX_BYTES: %q", v)
		}
		cfg.MaxStorageBytes = n
	}
	if v := os.Getenv("CACHE_MAX_IMAGES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			logging.Internal.Fatalf("invalid CACHE_MAX_IMAGES: %q", v)
		}
		cfg.MaxImages = n
	}
	if v := os.Getenv("CACHE_FETCH_COUNT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			logging.Internal.Fatalf("invalid CACHE_FETCH_COUNT: %q", v)
		}
		cfg.ImagesPerFetch = n
	}
	if v := os.Getenv("CACHE_DOWNLOAD_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			logging.Internal.Fatalf("invalid CACHE_DOWNLOAD_TIMEOUT: %q", v)
		}
		cfg.DownloadTimeout = d
	}

	return cfg
}

func main() {
	addr := flag.String("addr", ":8080", "HTTP listen address")
	dbPath := flag.String("db", "photocache.db", "SQLite database path")
	imagesDir := flag.String("images", "./data/images", "Cache directory for downloaded images")
	showStats := flag.Bool("stats", false, "Show cache statistics and exit")
	devMode := flag.Bool("dev", false, "Development mode: disables CORS restrictions and rate limiting")
	corsOrigins := flag.String("cors-origins", "*", "Comma-separated list of allowed CORS origins")
	refreshEvery := flag.Duration("refresh-interval", 12*time.Hour, "Scheduled cache refresh interval")
	refreshQuery := flag.String("query", api.DefaultQuery, "Search query for scheduled refreshes")
	flag.Parse()

	cacheCfg := cacheConfigFromEnv()

	// Initialize store
	st, err := store.NewSQLiteStore(*dbPath)
	if err != nil {
		logging.Internal.Fatalf("failed to open database: %v", err)
	}
	defer st.Close()

	// Show stats and exit if requested
	if *showStats {
		printStats(st, cacheCfg)
		return
	}

	// Initialize image storage - use S3 if configured, otherwise local filesystem
	var storage images.Storage
	s3Bucket := os.Getenv("S3_BUCKET")
	if s3Bucket != "" {
		s3Storage, err := images.NewS3Storage(images.S3Config{
			Endpoint: os.Getenv("S3_ENDPOINT"),
			KeyID:    os.Getenv("S3_KEY_ID"),
			Secret:   os.Getenv("S3_SECRET"),
			Bucket:   s3Bucket,
			Prefix:   os.Getenv("S3_PREFIX"),
		})
		if err != nil {
			logging.Internal.Fatalf("failed to initialize s3 storage: %v", err)
		}
		storage = s3Storage
		logging.Internal.Printf("using s3 storage (bucket: %s)", s3Bucket)
	} else {
		fsStorage, err := images.NewFSStorage(*imagesDir)
		if err != nil {
			logging.Internal.Fatalf("failed to initialize storage: %v", err)
		}
		// Clean up partial downloads left behind by a previous run
		if cleanedUp := fsStorage.CleanupOrphanedTempFiles(); cleanedUp > 0 {
			logging.Internal.Printf("cleaned up %d orphaned temp files from previous run", cleanedUp)
		}
		storage = fsStorage
		logging.Internal.Printf("using local filesystem storage (%s)", *imagesDir)
	}

	// Initialize the Unsplash client; the access key is required to start.
	fetcher, err := unsplash.NewClient(unsplash.Config{
		AccessKey: os.Getenv("UNSPLASH_ACCESS_KEY"),
	})
	if err != nil {
		logging.Internal.Fatalf("failed to initialize Unsplash client (set UNSPLASH_ACCESS_KEY): %v", err)
	}

	cacheSvc := images.NewService(storage, st, fetcher, cacheCfg)

	apiKey := os.Getenv("API_KEY")
	if apiKey == "" {
		logging.Internal.Println("warning: API_KEY not set, administrative endpoints are open")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Scheduled cache refresh
	go func() {
		ticker := time.NewTicker(*refreshEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				logging.Internal.Printf("running scheduled cache refresh (query=%q)", *refreshQuery)
				result, err := cacheSvc.RefreshCache(ctx, *refreshQuery)
				if err != nil {
					logging.Internal.Printf("scheduled refresh failed: %v", err)
				} else {
					logging.Internal.Printf("scheduled refresh completed: %d downloaded, %d failed",
						result.Succeeded, result.Failed)
				}
			}
		}
	}()

	// Setup HTTP handler
	handler := api.NewHandler(cacheSvc, apiKey)

	// Configure CORS
	var corsConfig api.CORSConfig
	if *devMode {
		logging.Internal.Println("development mode: CORS allowing all origins")
	} else if *corsOrigins != "*" {
		origins := strings.Split(*corsOrigins, ",")
		for i, o := range origins {
			origins[i] = strings.TrimSpace(o)
		}
		corsConfig.AllowedOrigins = origins
		logging.Internal.Printf("CORS restricted to origins: %v", origins)
	}

	// Apply middleware (order: Logger -> RateLimit -> CORS -> handler)
	var finalHandler http.Handler = handler
	finalHandler = api.CORS(corsConfig)(finalHandler)
	var rateLimiter *api.RateLimiterMiddleware
	if !*devMode {
		rateLimiter = api.NewRateLimiter(api.DefaultRateLimitConfig(), apiKey)
		finalHandler = rateLimiter.Middleware(finalHandler)
		logging.Internal.Println("rate limiting enabled")
	}
	finalHandler = api.Logger(finalHandler)

	server := &http.Server{
		Addr:    *addr,
		Handler: finalHandler,
	}

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		logging.Internal.Println("shutting down...")
		cancel()

		if rateLimiter != nil {
			rateLimiter.Stop()
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logging.Internal.Printf("shutdown error: %v", err)
		}
	}()

	logging.Internal.Printf("starting server on %s", *addr)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		logging.Internal.Fatalf("server error: %v", err)
	}
}
