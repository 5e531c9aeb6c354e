// Package health provides HTTP handlers for health checks.
package health

import (
	"encoding/json"
	"net/http"
	"runtime"
	"time"

	"github.com/samber/lo"

	"github.com/terrpan/agentpool/internal/buildinfo"
	"github.com/terrpan/agentpool/internal/cloud"
)

// Response represents the health check response body.
type Response struct {
	Status       string        `json:"status"`
	ServiceName  string        `json:"service_name"`
	Version      string        `json:"version"`
	Commit       string        `json:"commit"`
	BuildTime    string        `json:"build_time"`
	GoVersion    string        `json:"go_version"`
	OS           string        `json:"os"`
	Architecture string        `json:"architecture"`
	Provider     string        `json:"provider"`
	Images       []ImageStatus `json:"images"`
	Timestamp    time.Time     `json:"timestamp"`
}

// ImageStatus summarises one image.
type ImageStatus struct {
	Name         string         `json:"name"`
	MaxInstances int            `json:"max_instances"`
	Instances    map[string]int `json:"instances"`
	Errors       int            `json:"errors"`
}

// Handler responds to health check requests with build info, the
// provider type and per-image instance counts by status.  It is a
// liveness check: the status is always "healthy" (200 OK).
func Handler(provider string, images ...cloud.Image) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)

		response := Response{
			Status:       "healthy",
			ServiceName:  "agentpool",
			Version:      buildinfo.Version,
			Commit:       buildinfo.Commit,
			BuildTime:    buildinfo.BuildTime,
			GoVersion:    runtime.Version(),
			OS:           runtime.GOOS,
			Architecture: runtime.GOARCH,
			Provider:     provider,
			Images:       lo.Map(images, func(img cloud.Image, _ int) ImageStatus { return summarise(img) }),
			Timestamp:    time.Now().UTC(),
		}

		_ = json.NewEncoder(w).Encode(response)
	}
}

func summarise(img cloud.Image) ImageStatus {
	return ImageStatus{
		Name:         img.Name(),
		MaxInstances: img.Details().MaxInstances,
		Instances: lo.CountValuesBy(img.Instances(), func(inst *cloud.Instance) string {
			return inst.Status().String()
		}),
		Errors: len(img.Errors()),
	}
}
