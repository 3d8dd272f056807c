package orchestration

import (
	"fmt"

	"github.com/flowmesh/orchestrator/core"
)

// Router picks a workflow template for a request: an explicit known
// name wins, otherwise the payload is inspected for pattern signals.
type Router struct {
	catalog *Catalog
	logger  core.Logger
}

// NewRouter creates a router over the catalog
func NewRouter(catalog *Catalog, logger core.Logger) *Router {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Router{catalog: catalog, logger: logger}
}

// Route resolves a template. An explicit unknown name is rejected with
// core.ErrUnknownWorkflow; an empty name falls through to detection.
func (r *Router) Route(workflowName string, payload map[string]interface{}) (*Template, error) {
	if workflowName != "" {
		t, ok := r.catalog.Get(workflowName)
		if !ok {
			return nil, fmt.Errorf("workflow %q: %w", workflowName, core.ErrUnknownWorkflow)
		}
		return t, nil
	}

	name := detectPattern(payload)
	r.logger.Debug("Workflow inferred from payload", map[string]interface{}{
		"workflow": name,
	})
	t, ok := r.catalog.Get(name)
	if !ok {
		return nil, fmt.Errorf("detected workflow %q not registered: %w", name, core.ErrUnknownWorkflow)
	}
	return t, nil
}

// detectPattern maps payload signals to a template name
func detectPattern(payload map[string]interface{}) string {
	_, hasExperiences := payload["experiences"]
	_, hasJobDescription := payload["jobDescription"]
	if hasExperiences && hasJobDescription {
		return "resume-build"
	}
	if _, ok := payload["researchQuery"]; ok {
		return "expert-research"
	}
	if _, ok := payload["messageHistory"]; ok {
		return "conversation-context"
	}
	return SingleWorkerTemplate
}
