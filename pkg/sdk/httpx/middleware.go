package httpx

import (
	"net/http"
	"time"

	"github.com/nicktill/tinyapm/pkg/model"
	"github.com/nicktill/tinyapm/pkg/sdk"
)

// Recorder receives one call per served request.
type Recorder interface {
	RecordCall(call sdk.Call)
}

// ServiceResolver maps a request to the registered service id serving it.
// ok is false for requests that belong to no service.
type ServiceResolver func(r *http.Request) (serviceID int, ok bool)

// Middleware returns HTTP middleware that reports every request as a callee
// call of the instance and the application, and of the resolved service.
// Responses with status 500 and above count as errors.
//
// Usage:
//
//	client, _ := sdk.New(sdk.ClientConfig{ApplicationID: 1, InstanceID: 7})
//	client.Start(ctx)
//	defer client.Stop()
//
//	handler := httpx.Middleware(client, resolve)(mux)
//	http.ListenAndServe(":3001", handler)
func Middleware(rec Recorder, resolve ServiceResolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(rw, r)

			duration := time.Since(start)
			failed := rw.statusCode >= http.StatusInternalServerError

			rec.RecordCall(sdk.Call{Domain: model.InstanceDomain, Source: model.Callee, Duration: duration, Failed: failed})
			rec.RecordCall(sdk.Call{Domain: model.ApplicationDomain, Source: model.Callee, Duration: duration, Failed: failed})
			if resolve == nil {
				return
			}
			if id, ok := resolve(r); ok {
				rec.RecordCall(sdk.Call{
					Domain:      model.ServiceDomain,
					EntityID:    id,
					Source:      model.Callee,
					Duration:    duration,
					Failed:      failed,
					Transaction: true,
				})
			}
		})
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// PathServices resolves services by exact request path.
func PathServices(ids map[string]int) ServiceResolver {
	return func(r *http.Request) (int, bool) {
		id, ok := ids[r.URL.Path]
		return id, ok
	}
}
