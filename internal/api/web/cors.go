package web

import "net/http"

// Cross-origin policy for the protocol endpoints. The widget runs on
// arbitrary third-party origins, so reads are open while mutating requests
// advertise a constrained method and header set. Authenticity comes from the
// origin binding inside each session, not from CORS.
const (
	corsAllowedMethods = "OPTIONS, POST"
	corsAllowedHeaders = "accept, accept-language, content-type, range"
)

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")

		switch r.Method {
		case http.MethodOptions:
			w.Header().Set("Access-Control-Allow-Methods", corsAllowedMethods)
			w.Header().Set("Access-Control-Allow-Headers", corsAllowedHeaders)
			w.WriteHeader(http.StatusNoContent)
			return
		case http.MethodPost:
			w.Header().Set("Access-Control-Allow-Methods", corsAllowedMethods)
			w.Header().Set("Access-Control-Allow-Headers", corsAllowedHeaders)
		}

		next.ServeHTTP(w, r)
	})
}
