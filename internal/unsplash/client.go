package unsplash

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"photocache/internal/logging"
)

const apiBase = "https://api.unsplash.com"

// Photo is one image descriptor returned by the provider.
type Photo struct {
	UpstreamID      string
	AssetURL        string // full-resolution download URL
	ThumbnailURL    string
	TrackingURL     string // download_location, for provider-side tracking
	Photographer    string
	PhotographerURL string
	SourceURL       string
	Width           int
	Height          int
	Color           string
	Description     string
}

// Config holds configuration for the Unsplash client.
type Config struct {
	AccessKey       string        // required
	BaseURL         string        // defaults to the public API; override in tests
	SearchTimeout   time.Duration // defaults to 5m (slow links, large result payloads)
	TrackingTimeout time.Duration // defaults to 2m
	CacheTTL        time.Duration // memoization of identical searches, defaults to 1h
}

// Client talks to the Unsplash HTTP API. Outbound calls are paced by an
// internal courtesy limiter so repeated refreshes never hammer the provider.
type Client struct {
	accessKey   string
	baseURL     string
	httpClient  *http.Client
	trackClient *http.Client
	limiter     *rate.Limiter

	mu      sync.Mutex
	memo    map[string]memoEntry
	memoTTL time.Duration
}

type memoEntry struct {
	photos  []Photo
	expires time.Time
}

// NewClient creates an Unsplash API client. The access key is required;
// without it the service must not start.
func NewClient(cfg Config) (*Client, error) {
	if cfg.AccessKey == "" {
		return nil, fmt.Errorf("access key is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = apiBase
	}
	if cfg.SearchTimeout == 0 {
		cfg.SearchTimeout = 5 * time.Minute
	}
	if cfg.TrackingTimeout == 0 {
		cfg.TrackingTimeout = 2 * time.Minute
	}
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = time.Hour
	}

	return &Client{
		accessKey:   cfg.AccessKey,
		baseURL:     cfg.BaseURL,
		httpClient:  &http.Client{Timeout: cfg.SearchTimeout},
		trackClient: &http.Client{Timeout: cfg.TrackingTimeout},
		limiter:     rate.NewLimiter(rate.Every(time.Second), 3),
		memo:        make(map[string]memoEntry),
		memoTTL:     cfg.CacheTTL,
	}, nil
}

// photoResponse mirrors the provider's random-photos payload.
type photoResponse struct {
	ID             string `json:"id"`
	Width          int    `json:"width"`
	Height         int    `json:"height"`
	Color          string `json:"color"`
	Description    string `json:"description"`
	AltDescription string `json:"alt_description"`
	URLs           struct {
		Raw   string `json:"raw"`
		Full  string `json:"full"`
		Thumb string `json:"thumb"`
	} `json:"urls"`
	Links struct {
		DownloadLocation string `json:"download_location"`
	} `json:"links"`
	User struct {
		Name  string `json:"name"`
		Links struct {
			HTML string `json:"html"`
		} `json:"links"`
	} `json:"user"`
}

// Search fetches count random photos matching the query. Identical searches
// within the memoization TTL are served from memory; the provider asks API
// consumers to keep request volume down.
func (c *Client) Search(ctx context.Context, query string, count int) ([]Photo, error) {
	memoKey := fmt.Sprintf("%d|%s", count, query)

	c.mu.Lock()
	if entry, ok := c.memo[memoKey]; ok && time.Now().Before(entry.expires) {
		c.mu.Unlock()
		logging.Unsplash.Printf("returning %d memoized photos for %q", len(entry.photos), query)
		return entry.photos, nil
	}
	c.mu.Unlock()

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	reqURL := c.baseURL + "/photos/random?count=" + strconv.Itoa(count) +
		"&query=" + url.QueryEscape(query) + "&orientation=landscape"

	req, err := http.NewRequestWithContext(ctx, "GET", reqURL, nil)
	if err != nil {
		return nil, err
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("API returned status %d: %s", resp.StatusCode, string(body))
	}

	var payload []photoResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	photos := make([]Photo, 0, len(payload))
	for _, p := range payload {
		assetURL := p.URLs.Raw
		if assetURL == "" {
			assetURL = p.URLs.Full
		}
		description := p.Description
		if description == "" {
			description = p.AltDescription
		}
		photos = append(photos, Photo{
			UpstreamID:      p.ID,
			AssetURL:        assetURL,
			ThumbnailURL:    p.URLs.Thumb,
			TrackingURL:     p.Links.DownloadLocation,
			Photographer:    p.User.Name,
			PhotographerURL: p.User.Links.HTML + "?utm_source=photocache&utm_medium=referral",
			SourceURL:       "https://unsplash.com?utm_source=photocache&utm_medium=referral",
			Width:           p.Width,
			Height:          p.Height,
			Color:           p.Color,
			Description:     description,
		})
	}

	c.mu.Lock()
	c.memo[memoKey] = memoEntry{photos: photos, expires: time.Now().Add(c.memoTTL)}
	c.mu.Unlock()

	logging.Unsplash.Printf("fetched %d photos for %q", len(photos), query)
	return photos, nil
}

// TrackDownload hits the provider's download-tracking endpoint, required by
// the API guidelines whenever a cached photo is actually downloaded.
// Failures are the caller's to log; they must never block a download.
func (c *Client) TrackDownload(ctx context.Context, trackingURL string) error {
	if trackingURL == "" {
		return fmt.Errorf("no tracking URL provided")
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, "GET", trackingURL, nil)
	if err != nil {
		return err
	}
	c.setHeaders(req)

	resp, err := c.trackClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("tracking endpoint returned status %d", resp.StatusCode)
	}
	return nil
}

// ClearCache drops all memoized search results.
func (c *Client) ClearCache() {
	c.mu.Lock()
	c.memo = make(map[string]memoEntry)
	c.mu.Unlock()
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Client-ID "+c.accessKey)
	req.Header.Set("Accept-Version", "v1")
}
