package icons

import (
	"bytes"
	"context"
	"image"
	"image/png"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func pngBytes(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 4, 4))); err != nil {
		t.Fatalf("encode png failed: %v", err)
	}
	return buf.Bytes()
}

func newTestCache(t *testing.T, handler http.Handler) (*Cache, *httptest.Server) {
	t.Helper()
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	c := New(t.TempDir(), ts.Client())
	c.urlFor = func(host string) string { return ts.URL + "/" + host + "/favicon.ico" }
	return c, ts
}

func TestImageFetchesAndCaches(t *testing.T) {
	var hits atomic.Int32
	icon := pngBytes(t)
	c, _ := newTestCache(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "image/png")
		w.Write(icon)
	}))

	data, err := c.Image(context.Background(), "https://shop.example")
	if err != nil {
		t.Fatalf("image failed: %v", err)
	}
	if !bytes.Equal(data, icon) {
		t.Fatalf("unexpected icon payload")
	}

	// Second lookup comes from disk.
	if _, err := c.Image(context.Background(), "shop.example"); err != nil {
		t.Fatalf("cached image failed: %v", err)
	}
	if n := hits.Load(); n != 1 {
		t.Fatalf("expected exactly one fetch, got %d", n)
	}
}

func TestImageMemoizesMisses(t *testing.T) {
	var hits atomic.Int32
	c, _ := newTestCache(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.NotFound(w, r)
	}))

	if data, err := c.Image(context.Background(), "gone.example"); err != nil || data != nil {
		t.Fatalf("miss should yield nil, nil; got %v, %v", data, err)
	}
	if !c.HasMissingIcon("gone.example") {
		t.Fatalf("expected miss marker after 404")
	}
	if data, err := c.Image(context.Background(), "gone.example"); err != nil || data != nil {
		t.Fatalf("memoized miss should yield nil, nil; got %v, %v", data, err)
	}
	if n := hits.Load(); n != 1 {
		t.Fatalf("memoized miss must not refetch, got %d fetches", n)
	}
}

func TestRefreshImageClearsMissMarker(t *testing.T) {
	icon := pngBytes(t)
	var serveIcon atomic.Bool
	c, _ := newTestCache(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !serveIcon.Load() {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Write(icon)
	}))

	if _, err := c.Image(context.Background(), "flaky.example"); err != nil {
		t.Fatalf("initial miss failed: %v", err)
	}
	if !c.HasMissingIcon("flaky.example") {
		t.Fatalf("expected miss marker")
	}

	serveIcon.Store(true)
	data, err := c.RefreshImage(context.Background(), "flaky.example")
	if err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	if !bytes.Equal(data, icon) {
		t.Fatalf("expected refreshed icon payload")
	}
	if c.HasMissingIcon("flaky.example") {
		t.Fatalf("refresh must clear the miss marker")
	}
}

func TestUnusablePayloadIsAMiss(t *testing.T) {
	c, _ := newTestCache(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte("<html>not found</html>"))
	}))

	if data, err := c.Image(context.Background(), "soft404.example"); err != nil || data != nil {
		t.Fatalf("html payload should be a miss; got %v, %v", data, err)
	}
	if !c.HasMissingIcon("soft404.example") {
		t.Fatalf("expected miss marker for unusable payload")
	}
}

func TestUnknownFormatAcceptedOnImageContentType(t *testing.T) {
	// .ico is not in the standard decoders; the content type carries it.
	ico := []byte{0x00, 0x00, 0x01, 0x00, 0x01, 0x00, 0x10, 0x10}
	c, _ := newTestCache(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/x-icon")
		w.Write(ico)
	}))

	data, err := c.Image(context.Background(), "legacy.example")
	if err != nil {
		t.Fatalf("image failed: %v", err)
	}
	if !bytes.Equal(data, ico) {
		t.Fatalf("expected ico payload accepted")
	}
}

func TestNormalizeHost(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"https://Shop.Example/path?q=1", "shop.example"},
		{"shop.example", "shop.example"},
		{"http://shop.example:8080", "shop.example"},
		{"  shop.example  ", "shop.example"},
		{"", ""},
		{"://bad", ""},
	}
	for _, tc := range cases {
		if got := NormalizeHost(tc.in); got != tc.want {
			t.Fatalf("NormalizeHost(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
