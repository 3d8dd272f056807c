// Package orchestration contains the workflow engine: the template
// catalog, the router, the step scheduler and the response correlator.
package orchestration

import (
	"fmt"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/flowmesh/orchestrator/core"
	"github.com/flowmesh/orchestrator/model"
)

// SingleWorkerTemplate is the passthrough template whose single step
// takes its worker type from the request payload
const SingleWorkerTemplate = "single-worker"

// Template is a named step graph selectable by the router
type Template struct {
	Name  string
	Steps []model.StepSpec

	// EstimatedDuration is the per-workflow constant reported on
	// admission
	EstimatedDuration string

	// ResultField names a derived top-level result field filled from
	// the output of the highest-numbered step without dependents
	ResultField string
}

// Clone returns an independent copy with its own step slice
func (t *Template) Clone() *Template {
	steps := make([]model.StepSpec, len(t.Steps))
	copy(steps, t.Steps)
	return &Template{
		Name:              t.Name,
		Steps:             steps,
		EstimatedDuration: t.EstimatedDuration,
		ResultField:       t.ResultField,
	}
}

// Catalog holds the workflow templates enumerated at startup
type Catalog struct {
	mu        sync.RWMutex
	templates map[string]*Template
}

var defaultRetry = model.RetryPolicy{MaxAttempts: 3, BackoffMs: 1000, Exponential: true}

// NewCatalog creates a catalog seeded with the built-in templates
func NewCatalog() *Catalog {
	c := &Catalog{templates: make(map[string]*Template)}

	c.Register(&Template{
		Name:              "resume-build",
		EstimatedDuration: "30-60s",
		ResultField:       "finalDocument",
		Steps: []model.StepSpec{
			{StepNumber: 1, WorkerType: "llm", TimeoutMs: 30000, Retry: defaultRetry},
			{StepNumber: 2, WorkerType: "resume", DependsOn: []int{1}, TimeoutMs: 45000, Retry: defaultRetry},
			{StepNumber: 3, WorkerType: "llm", DependsOn: []int{2}, TimeoutMs: 30000, Retry: defaultRetry},
		},
	})
	c.Register(&Template{
		Name:              "expert-research",
		EstimatedDuration: "60-120s",
		Steps: []model.StepSpec{
			{StepNumber: 1, WorkerType: "research", TimeoutMs: 60000, Retry: defaultRetry},
			{StepNumber: 2, WorkerType: "llm", DependsOn: []int{1}, TimeoutMs: 30000, Retry: defaultRetry},
		},
	})
	c.Register(&Template{
		Name:              "conversation-context",
		EstimatedDuration: "5-15s",
		Steps: []model.StepSpec{
			{StepNumber: 1, WorkerType: "llm", TimeoutMs: 15000, Retry: defaultRetry},
		},
	})
	c.Register(&Template{
		Name:              SingleWorkerTemplate,
		EstimatedDuration: "10-30s",
		Steps: []model.StepSpec{
			// WorkerType is resolved from the payload at instantiation
			{StepNumber: 1, TimeoutMs: 30000, Retry: defaultRetry},
		},
	})
	return c
}

// Register adds or replaces a template
func (c *Catalog) Register(t *Template) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.templates[t.Name] = t
}

// Get returns the template for a name
func (c *Catalog) Get(name string) (*Template, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.templates[name]
	return t, ok
}

// Names returns the registered template names, sorted
func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.templates))
	for name := range c.templates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// WorkerTypes returns every worker type any template can dispatch to,
// sorted. The correlator subscribes one response topic per type.
func (c *Catalog) WorkerTypes() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	seen := make(map[string]bool)
	for _, t := range c.templates {
		for _, s := range t.Steps {
			if s.WorkerType != "" {
				seen[s.WorkerType] = true
			}
		}
	}
	types := make([]string, 0, len(seen))
	for wt := range seen {
		types = append(types, wt)
	}
	sort.Strings(types)
	return types
}

// Instantiate binds a template to a request, producing a validated
// Workflow with all step state at PENDING. The single-worker template
// takes its worker type from the payload's workerType field.
func (c *Catalog) Instantiate(t *Template, workflowID, requestID string, payload map[string]interface{}) (*model.Workflow, error) {
	bound := t.Clone()
	if bound.Name == SingleWorkerTemplate {
		workerType, _ := payload["workerType"].(string)
		if workerType == "" {
			return nil, fmt.Errorf("single-worker request without workerType: %w", core.ErrBadRequest)
		}
		for i := range bound.Steps {
			bound.Steps[i].WorkerType = workerType
		}
	}

	wf := &model.Workflow{
		ID:           workflowID,
		RequestID:    requestID,
		TemplateName: bound.Name,
		Steps:        bound.Steps,
	}
	if err := wf.Validate(); err != nil {
		return nil, err
	}
	if err := validateAcyclic(wf); err != nil {
		return nil, err
	}
	wf.InitState()
	return wf, nil
}

// catalogFile is the YAML shape of an external workflows file
type catalogFile struct {
	Templates []struct {
		Name              string `yaml:"name"`
		EstimatedDuration string `yaml:"estimatedDuration"`
		ResultField       string `yaml:"resultField"`
		Steps             []struct {
			StepNumber int    `yaml:"stepNumber"`
			WorkerType string `yaml:"workerType"`
			DependsOn  []int  `yaml:"dependsOn"`
			Parallel   bool   `yaml:"parallel"`
			TimeoutMs  int64  `yaml:"timeoutMs"`
			Retry      struct {
				MaxAttempts int   `yaml:"maxAttempts"`
				BackoffMs   int64 `yaml:"backoffMs"`
				Exponential bool  `yaml:"exponential"`
			} `yaml:"retry"`
		} `yaml:"steps"`
	} `yaml:"templates"`
	ResponseTopics []string `yaml:"responseTopics"`
}

// LoadFile merges templates from a YAML file into the catalog and
// returns the file's legacy response topic list, if any
func (c *Catalog) LoadFile(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workflows file: %w", err)
	}
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse workflows file %s: %w", path, err)
	}

	for _, ft := range file.Templates {
		t := &Template{
			Name:              ft.Name,
			EstimatedDuration: ft.EstimatedDuration,
			ResultField:       ft.ResultField,
		}
		for _, fs := range ft.Steps {
			retry := model.RetryPolicy{
				MaxAttempts: fs.Retry.MaxAttempts,
				BackoffMs:   fs.Retry.BackoffMs,
				Exponential: fs.Retry.Exponential,
			}
			if retry.MaxAttempts == 0 {
				retry = defaultRetry
			}
			timeoutMs := fs.TimeoutMs
			if timeoutMs == 0 {
				timeoutMs = 30000
			}
			t.Steps = append(t.Steps, model.StepSpec{
				StepNumber: fs.StepNumber,
				WorkerType: fs.WorkerType,
				DependsOn:  fs.DependsOn,
				Parallel:   fs.Parallel,
				TimeoutMs:  timeoutMs,
				Retry:      retry,
			})
		}
		probe := &model.Workflow{TemplateName: t.Name, Steps: t.Steps}
		if err := probe.Validate(); err != nil {
			return nil, err
		}
		if err := validateAcyclic(probe); err != nil {
			return nil, err
		}
		c.Register(t)
	}
	return file.ResponseTopics, nil
}
