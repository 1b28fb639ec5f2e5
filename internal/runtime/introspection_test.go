package runtime

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	configpkg "github.com/drblury/topicbus/internal/runtime/config"
	jsoncodec "github.com/drblury/topicbus/internal/runtime/jsoncodec"
)

func introspectionBus(t *testing.T, conf configpkg.Config) (*Bus, http.Handler) {
	t.Helper()
	conf.IntrospectionEnabled = true
	b := newTestBus(t, &conf, BusDependencies{})
	handler := b.HTTPHandler(b.Conf.IntrospectionPort)
	require.NotNil(t, handler)
	return b, handler
}

func get(t *testing.T, h http.Handler, path string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestIntrospectionListsTopics(t *testing.T) {
	b, h := introspectionBus(t, configpkg.Config{})
	assert.Equal(t, configpkg.DefaultIntrospectionPort, b.Conf.IntrospectionPort)

	rec := get(t, h, "/api/topics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())

	_, _ = b.Subscribe([]string{"orders", "audit"}, func(any) {})
	b.Publish("orders", nil)

	rec = get(t, h, "/api/topics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var topics []TopicStats
	require.NoError(t, jsoncodec.Unmarshal(rec.Body.Bytes(), &topics))
	require.Len(t, topics, 2)
	assert.Equal(t, "audit", topics[0].Topic)
	assert.Equal(t, "orders", topics[1].Topic)
	assert.EqualValues(t, 1, topics[1].Published)
}

func TestIntrospectionTopicDetail(t *testing.T) {
	b, h := introspectionBus(t, configpkg.Config{})
	group, _ := b.Subscribe([]string{"billing/eu"}, func(any) {})

	rec := get(t, h, "/api/topics/billing%2Feu", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var detail TopicDetail
	require.NoError(t, jsoncodec.Unmarshal(rec.Body.Bytes(), &detail))
	assert.Equal(t, "billing/eu", detail.Stats.Topic)
	require.Len(t, detail.Subscriptions, 1)
	assert.Equal(t, group, detail.Subscriptions[0].Group)

	rec = get(t, h, "/api/topics/unknown", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), `unknown topic`)
}

func TestIntrospectionStats(t *testing.T) {
	b, h := introspectionBus(t, configpkg.Config{Name: "api-bus"})
	_, _ = b.Subscribe([]string{"t"}, func(any) {})

	rec := get(t, h, "/api/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var stats BusStats
	require.NoError(t, jsoncodec.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, "api-bus", stats.Name)
	assert.Equal(t, 1, stats.Subscriptions)
}

func TestIntrospectionBearerToken(t *testing.T) {
	_, h := introspectionBus(t, configpkg.Config{IntrospectionToken: "s3cret"})

	rec := get(t, h, "/api/stats", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("WWW-Authenticate"))

	rec = get(t, h, "/api/stats", http.Header{"Authorization": {"Bearer wrong"}})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = get(t, h, "/api/stats", http.Header{"Authorization": {"Bearer s3cret"}})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestIntrospectionCORS(t *testing.T) {
	_, h := introspectionBus(t, configpkg.Config{
		IntrospectionCORSAllowedOrigins: []string{"https://dash.example.com"},
		IntrospectionToken:              "s3cret",
	})

	req := httptest.NewRequest(http.MethodOptions, "/api/topics", nil)
	req.Header.Set("Origin", "https://dash.example.com")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code, "preflight is answered before authentication")
	assert.Equal(t, "https://dash.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "Origin", rec.Header().Get("Vary"))

	rec = get(t, h, "/api/topics", http.Header{"Origin": {"https://evil.example.com"}})
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestIntrospectionCORSWildcard(t *testing.T) {
	_, h := introspectionBus(t, configpkg.Config{IntrospectionCORSAllowedOrigins: []string{"*"}})

	rec := get(t, h, "/api/topics", http.Header{"Origin": {"https://any.example.com"}})
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Empty(t, rec.Header().Get("Vary"))
}

func TestIntrospectionRateLimit(t *testing.T) {
	_, h := introspectionBus(t, configpkg.Config{IntrospectionRateLimit: 2})

	for range 2 {
		assert.Equal(t, http.StatusOK, get(t, h, "/api/stats", nil).Code)
	}
	rec := get(t, h, "/api/stats", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
}

func TestIntrospectionDisabledByDefault(t *testing.T) {
	b := newTestBus(t, nil, BusDependencies{})
	assert.Nil(t, b.HTTPHandler(configpkg.DefaultIntrospectionPort))
}

func TestServeWithoutServersReturnsOnCancel(t *testing.T) {
	b := newTestBus(t, nil, BusDependencies{})
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() { errCh <- b.Serve(ctx) }()
	cancel()

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Serve did not return after cancellation")
	}
}
