package registry

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/flowmesh/orchestrator/model"
)

// StaticProvider builds the worker set from configuration alone. Each
// configured worker type yields one instance whose endpoint comes from
// <TYPE>_WORKER_URL (dashes mapped to underscores, upper-cased) or
// defaults to http://<type>:3000.
type StaticProvider struct {
	workerTypes []string
}

// NewStaticProvider creates a provider for the given worker types
func NewStaticProvider(workerTypes []string) *StaticProvider {
	return &StaticProvider{workerTypes: workerTypes}
}

// Discover returns the configured instances. It never fails.
func (p *StaticProvider) Discover(_ context.Context) (map[string][]*model.WorkerInstance, error) {
	out := make(map[string][]*model.WorkerInstance, len(p.workerTypes))
	for _, workerType := range p.workerTypes {
		workerType = strings.TrimSpace(workerType)
		if workerType == "" {
			continue
		}
		endpoint := os.Getenv(endpointEnvVar(workerType))
		if endpoint == "" {
			endpoint = fmt.Sprintf("http://%s:3000", workerType)
		}
		out[workerType] = []*model.WorkerInstance{{
			ID:         workerType + "-static",
			WorkerType: workerType,
			Endpoint:   endpoint,
			Health:     model.HealthUnknown,
		}}
	}
	return out, nil
}

func endpointEnvVar(workerType string) string {
	name := strings.ToUpper(strings.ReplaceAll(workerType, "-", "_"))
	return name + "_WORKER_URL"
}
