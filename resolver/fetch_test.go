package resolver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brunobiangulo/ddi/record"
)

func testFetcher() *HTTPFetcher {
	f := NewHTTPFetcher()
	f.RetryDelay = time.Millisecond
	f.PerHostRate = -1
	return f
}

func TestRetryWaitHonoursRetryAfterOnce(t *testing.T) {
	delay := 100 * time.Millisecond
	assert.Equal(t, 100*time.Millisecond, retryWait(delay, 1, 0))
	assert.Equal(t, 30*time.Second, retryWait(delay, 1, 30*time.Second))
	// The next retry goes back to plain backoff from the configured delay.
	assert.Equal(t, 200*time.Millisecond, retryWait(delay, 2, 0))
	assert.Equal(t, 400*time.Millisecond, retryWait(delay, 3, 50*time.Millisecond))
}

func TestHTTPFetcherRetryAfterDoesNotCompound(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch calls.Add(1) {
		case 1:
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
		case 2:
			w.WriteHeader(http.StatusBadGateway)
		default:
			w.Write([]byte("ok"))
		}
	}))
	defer srv.Close()

	f := testFetcher()
	f.MaxRetries = 3
	start := time.Now()
	body, err := f.Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(body))
	assert.Equal(t, int32(3), calls.Load())
	assert.Less(t, time.Since(start), 1800*time.Millisecond, "second retry waited on a compounded Retry-After")
}

func TestHTTPFetcherHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.Header.Get("User-Agent"), "Mozilla/5.0")
		assert.Equal(t, "ko,en;q=0.9", r.Header.Get("Accept-Language"))
		assert.Equal(t, "https://www.health.kr/main.asp", r.Header.Get("Referer"))
		w.Write([]byte("<html>ok</html>"))
	}))
	defer srv.Close()

	f := testFetcher()
	f.Referer = "https://www.health.kr/main.asp"
	body, err := f.Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "<html>ok</html>", string(body))
}

func TestHTTPFetcherRetriesTransient(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("done"))
	}))
	defer srv.Close()

	body, err := testFetcher().Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "done", string(body))
	assert.Equal(t, int32(3), calls.Load())
}

func TestHTTPFetcherNotFound(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.NotFound(w, r)
	}))
	defer srv.Close()

	_, err := testFetcher().Fetch(context.Background(), srv.URL+"/missing")
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
	assert.Equal(t, int32(1), calls.Load(), "4xx responses are not retried")
}

func TestHTTPFetcherRejectsScheme(t *testing.T) {
	_, err := testFetcher().Fetch(context.Background(), "file:///etc/passwd")
	assert.Error(t, err)

	_, err = (&RodFetcher{}).Fetch(context.Background(), "javascript:alert(1)")
	assert.Error(t, err)
}

func TestHTTPFetcherRateLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("x"))
	}))
	defer srv.Close()

	f := testFetcher()
	f.PerHostRate = 20 // burst of 2, then one every 50ms
	start := time.Now()
	for i := 0; i < 4; i++ {
		_, err := f.Fetch(context.Background(), srv.URL)
		require.NoError(t, err)
	}
	assert.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
}

func TestWebSearchPair(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/search", r.URL.Path)
		assert.Equal(t, "json", r.URL.Query().Get("format"))
		assert.Equal(t, "와파린 아스피린 상호작용", r.URL.Query().Get("q"))
		json.NewEncoder(w).Encode(searchResponse{Results: []searchResult{
			{URL: "https://blog.example/1", Title: "와파린 복용법", Content: "와파린은 항응고제입니다."},
			{URL: "https://news.example/2", Title: "와파린과 아스피린", Content: "와파린과 아스피린을 함께 복용하면 출혈 위험이 커서 병용 시 주의가 필요합니다."},
			{URL: "https://qa.example/3", Title: "아스피린 와파린 같이", Content: "두 약은 같이 먹어도 되나요?"},
		}})
	}))
	defer srv.Close()

	ws := &WebSearch{Fetcher: testFetcher(), Endpoint: srv.URL}
	ext, err := ws.Resolve(context.Background(), "와파린", "아스피린")
	require.NoError(t, err)
	require.NotNil(t, ext)

	assert.Equal(t, record.SourceGenericWeb, ext.Source)
	assert.Equal(t, "아스피린", ext.Partner)
	assert.Equal(t, record.SeverityModerate, ext.Severity)
	assert.Contains(t, ext.Description, "출혈")
	assert.Equal(t, []string{"https://news.example/2", "https://qa.example/3"}, ext.Evidence)
}

func TestWebSearchDrug(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(searchResponse{Results: []searchResult{
			{URL: "https://a.example", Title: "타이레놀 가격", Content: "타이레놀 500mg 판매처"},
			{URL: "https://b.example", Title: "타이레놀 효능", Content: "타이레놀은 해열 진통 효과가 있습니다."},
		}})
	}))
	defer srv.Close()

	ws := &WebSearch{Fetcher: testFetcher(), Endpoint: srv.URL}
	ext, err := ws.Resolve(context.Background(), "타이레놀", "")
	require.NoError(t, err)
	require.NotNil(t, ext)
	assert.Equal(t, "타이레놀은 해열 진통 효과가 있습니다.", ext.Indications)
	assert.Empty(t, ext.Partner)
}

func TestWebSearchNoRelevantResults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"results":[{"url":"https://x","title":"unrelated","content":"nothing"}]}`))
	}))
	defer srv.Close()

	ws := &WebSearch{Fetcher: testFetcher(), Endpoint: srv.URL}
	ext, err := ws.Resolve(context.Background(), "와파린", "아스피린")
	require.NoError(t, err)
	assert.Nil(t, ext)
}

func TestWebSearchBadJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html>captcha</html>`))
	}))
	defer srv.Close()

	ws := &WebSearch{Fetcher: testFetcher(), Endpoint: srv.URL}
	_, err := ws.Resolve(context.Background(), "와파린", "")
	assert.Error(t, err)
}
