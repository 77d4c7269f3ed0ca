// Package health provides HTTP handlers for health checks.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"runtime"
	"time"

	"github.com/terrpan/dispatch/internal/buildinfo"
)

const checkTimeout = 2 * time.Second

// Check is a named readiness probe.  Run returns nil when the component
// is ready.
type Check struct {
	Name string
	Run  func(ctx context.Context) error
}

// Response represents the health check response body.
type Response struct {
	Status       string            `json:"status"`
	ServiceName  string            `json:"service_name"`
	Version      string            `json:"version"`
	Commit       string            `json:"commit"`
	BuildTime    string            `json:"build_time"`
	GoVersion    string            `json:"go_version"`
	OS           string            `json:"os"`
	Architecture string            `json:"architecture"`
	Engine       string            `json:"engine"`
	Checks       map[string]string `json:"checks,omitempty"`
	Timestamp    time.Time         `json:"timestamp"`
}

// Handler responds to health check requests with build info and the
// configured compute engine.  With no checks it is a pure liveness probe
// and always answers 200 "healthy".  Any failing check turns the answer
// into 503 "unhealthy" and reports the failure under its name.
func Handler(engine string, checks ...Check) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		response := Response{
			Status:       "healthy",
			ServiceName:  "dispatch",
			Version:      buildinfo.Version,
			Commit:       buildinfo.Commit,
			BuildTime:    buildinfo.BuildTime,
			GoVersion:    runtime.Version(),
			OS:           runtime.GOOS,
			Architecture: runtime.GOARCH,
			Engine:       engine,
			Timestamp:    time.Now().UTC(),
		}

		status := http.StatusOK
		if len(checks) > 0 {
			ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
			defer cancel()

			response.Checks = make(map[string]string, len(checks))
			for _, c := range checks {
				if err := c.Run(ctx); err != nil {
					response.Checks[c.Name] = err.Error()
					response.Status = "unhealthy"
					status = http.StatusServiceUnavailable
					continue
				}
				response.Checks[c.Name] = "ok"
			}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(response)
	}
}
