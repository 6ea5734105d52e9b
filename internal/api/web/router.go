package web

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// NewRouter assembles the protocol routes. limiter may be nil, in which case
// challenge issuance is unthrottled; metricsHandler may be nil to leave the
// scrape endpoint unregistered.
func NewRouter(h *Handler, limiter *RateLimiter, metricsHandler http.Handler) http.Handler {
	r := chi.NewRouter()

	r.Use(corsMiddleware)
	r.Use(tracingMiddleware)

	if limiter != nil {
		r.With(limiter.Middleware).Post("/challenge", h.Challenge)
	} else {
		r.Post("/challenge", h.Challenge)
	}
	r.Post("/register", h.Register)
	r.Post("/authenticate", h.Authenticate)
	r.Get("/check/{challenge}", h.Check)
	r.Post("/check/{challenge}", h.Redeem)
	r.Get("/verify", h.VerifyLink)
	r.Get("/healthz", h.Healthz)

	if metricsHandler != nil {
		r.Get("/metrics", metricsHandler.ServeHTTP)
	}

	return r
}

// tracingMiddleware opens a span per request on the globally configured
// provider. With tracing disabled this is a no-op tracer.
func tracingMiddleware(next http.Handler) http.Handler {
	tracer := otel.Tracer("authn.one/api/web")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), fmt.Sprintf("%s %s", r.Method, r.URL.Path),
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.target", r.URL.Path),
			),
		)
		defer span.End()

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
