package runtime

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	jsoncodec "github.com/drblury/topicbus/internal/runtime/jsoncodec"
)

// TopicDetail is the body of GET /api/topics/{topic}.
type TopicDetail struct {
	Stats         TopicStats         `json:"stats"`
	Subscriptions []SubscriptionInfo `json:"subscriptions"`
}

func (b *Bus) setupIntrospection() {
	if !b.Conf.IntrospectionEnabled {
		return
	}
	b.httpRouter(b.Conf.IntrospectionPort).Mount("/api", b.IntrospectionHandler())
}

// IntrospectionHandler serves the read-only introspection API:
//
//	GET /topics          statistics of every known topic
//	GET /topics/{topic}  statistics and subscriptions of one topic (path-escaped)
//	GET /stats           bus-wide statistics
//
// It is mounted under /api on the introspection port when enabled.
func (b *Bus) IntrospectionHandler() http.Handler {
	r := chi.NewRouter()
	r.Use(b.corsMiddleware)
	if limit := b.Conf.IntrospectionRateLimit; limit > 0 {
		r.Use(httprate.Limit(
			limit,
			time.Minute,
			httprate.WithKeyFuncs(httprate.KeyByIP),
			httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Retry-After", "60")
				writeJSONError(w, http.StatusTooManyRequests, "rate limit exceeded")
			}),
		))
	}
	r.Use(b.bearerAuthMiddleware)

	r.Get("/topics", b.handleListTopics)
	r.Get("/topics/{topic}", b.handleGetTopic)
	r.Get("/stats", b.handleGetStats)

	if !b.Conf.TracingEnabled {
		return r
	}
	return otelhttp.NewHandler(r, "topicbus.introspection",
		otelhttp.WithTracerProvider(b.tracerProvider),
		otelhttp.WithSpanNameFormatter(func(operation string, r *http.Request) string {
			return operation + " " + r.Method + " " + r.URL.Path
		}),
	)
}

func (b *Bus) handleListTopics(w http.ResponseWriter, r *http.Request) {
	topics := b.Stats().Topics
	if topics == nil {
		topics = []TopicStats{}
	}
	b.writeJSON(w, http.StatusOK, topics)
}

func (b *Bus) handleGetTopic(w http.ResponseWriter, r *http.Request) {
	topic, err := url.PathUnescape(chi.URLParam(r, "topic"))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid topic")
		return
	}
	stats, ok := b.TopicStats(topic)
	if !ok {
		writeJSONError(w, http.StatusNotFound, fmt.Sprintf("unknown topic %q", topic))
		return
	}
	b.writeJSON(w, http.StatusOK, TopicDetail{
		Stats:         stats,
		Subscriptions: b.Subscriptions(topic),
	})
}

func (b *Bus) handleGetStats(w http.ResponseWriter, r *http.Request) {
	b.writeJSON(w, http.StatusOK, b.Stats())
}

func (b *Bus) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := jsoncodec.Encode(w, v, ""); err != nil {
		b.Logger.Error("Failed to encode introspection response", err, nil)
	}
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = jsoncodec.Encode(w, map[string]string{"error": msg}, "")
}

func (b *Bus) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if allowed := b.getAllowedCORSOrigin(r.Header.Get("Origin")); allowed != "" {
			w.Header().Set("Access-Control-Allow-Origin", allowed)
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
			if allowed != "*" {
				w.Header().Add("Vary", "Origin")
			}
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// getAllowedCORSOrigin checks if the request origin is allowed and returns the appropriate
// Access-Control-Allow-Origin value.
func (b *Bus) getAllowedCORSOrigin(requestOrigin string) string {
	for _, allowed := range b.Conf.IntrospectionCORSAllowedOrigins {
		if allowed == "*" {
			return "*"
		}
		if requestOrigin != "" && strings.EqualFold(allowed, requestOrigin) {
			return requestOrigin
		}
	}
	return ""
}

func (b *Bus) bearerAuthMiddleware(next http.Handler) http.Handler {
	token := b.Conf.IntrospectionToken
	if token == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		presented, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
			w.Header().Set("WWW-Authenticate", `Bearer realm="topicbus"`)
			writeJSONError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}
