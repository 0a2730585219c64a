package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"photocache/internal/images"
	"photocache/internal/store"
	"photocache/internal/unsplash"
)

type stubFetcher struct {
	photos []unsplash.Photo
}

func (f *stubFetcher) Search(ctx context.Context, query string, count int) ([]unsplash.Photo, error) {
	return f.photos, nil
}

func (f *stubFetcher) TrackDownload(ctx context.Context, trackingURL string) error {
	return nil
}

type testEnv struct {
	handler *Handler
	store   *store.SQLiteStore
	dir     string
}

func newTestEnv(t *testing.T, fetcher images.Fetcher, apiKey string) *testEnv {
	t.Helper()

	st, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	dir := t.TempDir()
	storage, err := images.NewFSStorage(dir)
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}

	svc := images.NewService(storage, st, fetcher, images.DefaultConfig())
	return &testEnv{
		handler: NewHandler(svc, apiKey),
		store:   st,
		dir:     dir,
	}
}

func (e *testEnv) insertImage(t *testing.T, id string, size int64, cachedAt time.Time) {
	t.Helper()
	img := &store.CachedImage{
		ID:         id,
		UpstreamID: "up-" + id,
		FileName:   id + ".jpg",
		FilePath:   filepath.Join(e.dir, id+".jpg"),
		FileSize:   size,
		CachedAt:   cachedAt,
	}
	if err := e.store.InsertImage(context.Background(), img); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
}

func doJSON(t *testing.T, h http.Handler, method, target, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reqBody *strings.Reader
	if body == "" {
		reqBody = strings.NewReader("")
	} else {
		reqBody = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reqBody)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var decoded map[string]any
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		json.Unmarshal(rec.Body.Bytes(), &decoded)
	}
	return rec, decoded
}

func TestHandler_Health(t *testing.T) {
	env := newTestEnv(t, &stubFetcher{}, "")

	rec, body := doJSON(t, env.handler, "GET", "/api/v1/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if body["status"] != "ok" {
		t.Errorf("body = %v", body)
	}
}

func TestHandler_ListImages(t *testing.T) {
	t.Run("ServesCachedSet", func(t *testing.T) {
		env := newTestEnv(t, &stubFetcher{}, "")
		base := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
		for i, id := range []string{"aaa", "bbb", "ccc"} {
			env.insertImage(t, id, 100, base.Add(time.Duration(i)*time.Hour))
		}

		rec, body := doJSON(t, env.handler, "GET", "/api/v1/images?count=2", "")
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d", rec.Code)
		}
		if body["cached"] != true {
			t.Error("expected cached=true")
		}
		imgs := body["images"].([]any)
		if len(imgs) != 2 {
			t.Fatalf("expected 2 images, got %d", len(imgs))
		}
		first := imgs[0].(map[string]any)
		if first["id"] != "ccc" {
			t.Errorf("expected newest first, got %v", first["id"])
		}
		if first["url"] != "/cache/images/ccc" {
			t.Errorf("url = %v", first["url"])
		}
	})

	t.Run("FallsBackToLiveFetchWhenEmpty", func(t *testing.T) {
		fetcher := &stubFetcher{photos: []unsplash.Photo{{
			UpstreamID:   "live-1",
			AssetURL:     "https://images.example.com/live-1",
			Photographer: "Live Tester",
		}}}
		env := newTestEnv(t, fetcher, "")

		rec, body := doJSON(t, env.handler, "GET", "/api/v1/images", "")
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d", rec.Code)
		}
		if body["cached"] != false {
			t.Error("expected cached=false for live fallback")
		}
		imgs := body["images"].([]any)
		if len(imgs) != 1 {
			t.Fatalf("expected 1 image, got %d", len(imgs))
		}
		first := imgs[0].(map[string]any)
		if first["upstreamId"] != "live-1" || first["cached"] != false {
			t.Errorf("unexpected image payload: %v", first)
		}
	})
}

func TestHandler_CacheStats(t *testing.T) {
	env := newTestEnv(t, &stubFetcher{}, "")
	env.insertImage(t, "one", 1000, time.Now())

	rec, body := doJSON(t, env.handler, "GET", "/api/v1/images/stats", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	cache := body["cache"].(map[string]any)
	if cache["imageCount"].(float64) != 1 {
		t.Errorf("imageCount = %v", cache["imageCount"])
	}
	if cache["totalBytes"].(float64) != 1000 {
		t.Errorf("totalBytes = %v", cache["totalBytes"])
	}
}

func TestHandler_Refresh_Auth(t *testing.T) {
	env := newTestEnv(t, &stubFetcher{}, "secret")

	t.Run("MissingKey", func(t *testing.T) {
		rec, _ := doJSON(t, env.handler, "POST", "/api/v1/images/refresh", "")
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", rec.Code)
		}
	})

	t.Run("WrongKey", func(t *testing.T) {
		req := httptest.NewRequest("POST", "/api/v1/images/refresh", nil)
		req.Header.Set("X-API-Key", "nope")
		rec := httptest.NewRecorder()
		env.handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusForbidden {
			t.Errorf("status = %d, want 403", rec.Code)
		}
	})

	t.Run("ValidKey", func(t *testing.T) {
		req := httptest.NewRequest("POST", "/api/v1/images/refresh", nil)
		req.Header.Set("X-API-Key", "secret")
		rec := httptest.NewRecorder()
		env.handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
		var body map[string]any
		json.Unmarshal(rec.Body.Bytes(), &body)
		// Empty fetch means a successful refresh with zero counts.
		if body["success"] != true || body["downloaded"].(float64) != 0 {
			t.Errorf("body = %v", body)
		}
	})
}

func TestHandler_DeleteImage(t *testing.T) {
	env := newTestEnv(t, &stubFetcher{}, "")
	env.insertImage(t, "victim", 4242, time.Now())

	t.Run("NotFound", func(t *testing.T) {
		rec, _ := doJSON(t, env.handler, "DELETE", "/api/v1/images/absent", "")
		if rec.Code != http.StatusNotFound {
			t.Errorf("status = %d, want 404", rec.Code)
		}
	})

	t.Run("InvalidID", func(t *testing.T) {
		rec, _ := doJSON(t, env.handler, "DELETE", "/api/v1/images/no%20good", "")
		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", rec.Code)
		}
	})

	t.Run("Deletes", func(t *testing.T) {
		rec, body := doJSON(t, env.handler, "DELETE", "/api/v1/images/victim", "")
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, body %v", rec.Code, body)
		}
		if body["freedBytes"].(float64) != 4242 {
			t.Errorf("freedBytes = %v, want the recorded size", body["freedBytes"])
		}
	})
}

func TestHandler_Tracking(t *testing.T) {
	env := newTestEnv(t, &stubFetcher{}, "")

	rec, body := doJSON(t, env.handler, "POST", "/api/v1/track/view",
		`{"imageId":"img-1","platform":"clock"}`)
	if rec.Code != http.StatusOK || body["success"] != true {
		t.Fatalf("view: status %d body %v", rec.Code, body)
	}

	rec, body = doJSON(t, env.handler, "POST", "/api/v1/track/download",
		`{"imageId":"img-1","platform":"clock"}`)
	if rec.Code != http.StatusOK || body["success"] != true {
		t.Fatalf("download: status %d body %v", rec.Code, body)
	}

	rec, _ = doJSON(t, env.handler, "POST", "/api/v1/track/view", `{bad json`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("malformed body: status %d, want 400", rec.Code)
	}

	summary, err := env.store.AnalyticsSummary(context.Background(), 30)
	if err != nil {
		t.Fatalf("AnalyticsSummary failed: %v", err)
	}
	if summary.TotalViews != 1 || summary.TotalDownloads != 1 {
		t.Errorf("summary = %+v, want 1 view / 1 download", summary)
	}

	rec, body = doJSON(t, env.handler, "GET", "/api/v1/stats", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("stats: status %d", rec.Code)
	}
	totals := body["totals"].(map[string]any)
	if totals["totalViews"].(float64) != 1 {
		t.Errorf("totals = %v", totals)
	}
}

func TestHandler_ServeImage(t *testing.T) {
	env := newTestEnv(t, &stubFetcher{}, "")

	content := []byte("jpeg body")
	env.insertImage(t, "pic", int64(len(content)), time.Now())
	if err := os.WriteFile(filepath.Join(env.dir, "pic.jpg"), content, 0644); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	t.Run("ServesBytes", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/cache/images/pic", nil)
		rec := httptest.NewRecorder()
		env.handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d", rec.Code)
		}
		if rec.Header().Get("Content-Type") != "image/jpeg" {
			t.Errorf("content type = %s", rec.Header().Get("Content-Type"))
		}
		if rec.Body.String() != string(content) {
			t.Errorf("body = %q", rec.Body.String())
		}
	})

	t.Run("NotFound", func(t *testing.T) {
		rec, _ := doJSON(t, env.handler, "GET", "/cache/images/absent", "")
		if rec.Code != http.StatusNotFound {
			t.Errorf("status = %d, want 404", rec.Code)
		}
	})
}

func TestRateLimitMiddleware(t *testing.T) {
	okHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	cfg := RateLimitConfig{Classes: map[string]ClassConfig{
		ClassGeneral: {MaxRequests: 2, Window: time.Minute},
		ClassAdmin:   {MaxRequests: 1, Window: time.Minute},
	}}

	t.Run("EnforcesBudget", func(t *testing.T) {
		rl := NewRateLimiter(cfg, "")
		defer rl.Stop()
		h := rl.Middleware(okHandler)

		for i := 0; i < 2; i++ {
			req := httptest.NewRequest("GET", "/api/v1/images", nil)
			req.RemoteAddr = "10.0.0.1:1234"
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != http.StatusOK {
				t.Fatalf("call %d: status %d", i+1, rec.Code)
			}
		}

		req := httptest.NewRequest("GET", "/api/v1/images", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusTooManyRequests {
			t.Fatalf("status = %d, want 429", rec.Code)
		}
		if rec.Header().Get("Retry-After") == "" {
			t.Error("expected Retry-After header")
		}
		if rec.Header().Get("RateLimit-Remaining") != "0" {
			t.Errorf("RateLimit-Remaining = %s", rec.Header().Get("RateLimit-Remaining"))
		}
	})

	t.Run("ForwardedForKeysTheWindow", func(t *testing.T) {
		rl := NewRateLimiter(cfg, "")
		defer rl.Stop()
		h := rl.Middleware(okHandler)

		for i := 0; i < 3; i++ {
			req := httptest.NewRequest("GET", "/api/v1/images", nil)
			req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if i < 2 && rec.Code != http.StatusOK {
				t.Fatalf("call %d: status %d", i+1, rec.Code)
			}
			if i == 2 && rec.Code != http.StatusTooManyRequests {
				t.Fatalf("call 3: status %d, want 429", rec.Code)
			}
		}

		// A different forwarded client is a different window.
		req := httptest.NewRequest("GET", "/api/v1/images", nil)
		req.Header.Set("X-Forwarded-For", "198.51.100.9")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Errorf("different client: status %d", rec.Code)
		}
	})

	t.Run("AdminEndpointsUseStrictClass", func(t *testing.T) {
		rl := NewRateLimiter(cfg, "")
		defer rl.Stop()
		h := rl.Middleware(okHandler)

		req := httptest.NewRequest("POST", "/api/v1/images/refresh", nil)
		req.RemoteAddr = "10.0.0.2:1"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("first admin call: status %d", rec.Code)
		}

		req = httptest.NewRequest("POST", "/api/v1/images/refresh", nil)
		req.RemoteAddr = "10.0.0.2:1"
		rec = httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusTooManyRequests {
			t.Errorf("second admin call: status %d, want 429", rec.Code)
		}
	})

	t.Run("APIKeyBypassesLimiter", func(t *testing.T) {
		rl := NewRateLimiter(cfg, "secret")
		defer rl.Stop()
		h := rl.Middleware(okHandler)

		for i := 0; i < 10; i++ {
			req := httptest.NewRequest("GET", "/api/v1/images", nil)
			req.RemoteAddr = "10.0.0.3:1"
			req.Header.Set("X-API-Key", "secret")
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != http.StatusOK {
				t.Fatalf("call %d with valid key: status %d", i+1, rec.Code)
			}
		}
	})
}

func TestExtractIP(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		headers    map[string]string
		want       string
	}{
		{"forwarded chain", "10.0.0.1:80", map[string]string{"X-Forwarded-For": "203.0.113.7, 10.0.0.1"}, "203.0.113.7"},
		{"single forwarded", "10.0.0.1:80", map[string]string{"X-Forwarded-For": "203.0.113.7"}, "203.0.113.7"},
		{"real ip", "10.0.0.1:80", map[string]string{"X-Real-IP": "198.51.100.2"}, "198.51.100.2"},
		{"remote addr", "192.0.2.4:1234", nil, "192.0.2.4"},
		{"nothing", "", nil, "unknown"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/", nil)
			req.RemoteAddr = tc.remoteAddr
			for k, v := range tc.headers {
				req.Header.Set(k, v)
			}
			if got := extractIP(req); got != tc.want {
				t.Errorf("extractIP = %q, want %q", got, tc.want)
			}
		})
	}
}
