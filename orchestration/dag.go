package orchestration

import (
	"fmt"

	"github.com/flowmesh/orchestrator/core"
	"github.com/flowmesh/orchestrator/model"
)

// readySteps returns, in declaration order, every PENDING step whose
// dependencies have all SUCCEEDED. An empty dependsOn qualifies at
// start.
func readySteps(wf *model.Workflow) []model.StepSpec {
	var ready []model.StepSpec
	for _, step := range wf.Steps {
		state := wf.State[step.StepNumber]
		if state == nil || state.Status != model.StepPending {
			continue
		}
		if dependenciesSucceeded(wf, step) {
			ready = append(ready, step)
		}
	}
	return ready
}

func dependenciesSucceeded(wf *model.Workflow, step model.StepSpec) bool {
	for _, dep := range step.DependsOn {
		state := wf.State[dep]
		if state == nil || state.Status != model.StepSucceeded {
			return false
		}
	}
	return true
}

// dependencyOutputs merges the outputs of a step's direct dependencies,
// in dependency declaration order, so later outputs win on key clashes
func dependencyOutputs(wf *model.Workflow, step model.StepSpec) map[string]interface{} {
	merged := make(map[string]interface{})
	for _, dep := range step.DependsOn {
		state := wf.State[dep]
		if state == nil {
			continue
		}
		for k, v := range state.Output {
			merged[k] = v
		}
	}
	return merged
}

// finalStepNumber returns the highest-numbered step no other step
// depends on. Its output fills the template's derived result field.
func finalStepNumber(wf *model.Workflow) int {
	hasDependent := make(map[int]bool)
	for _, step := range wf.Steps {
		for _, dep := range step.DependsOn {
			hasDependent[dep] = true
		}
	}
	final := 0
	for _, step := range wf.Steps {
		if !hasDependent[step.StepNumber] && step.StepNumber > final {
			final = step.StepNumber
		}
	}
	return final
}

// validateAcyclic rejects workflows whose dependency graph contains a
// cycle, using Kahn's algorithm
func validateAcyclic(wf *model.Workflow) error {
	indegree := make(map[int]int, len(wf.Steps))
	dependents := make(map[int][]int)
	for _, step := range wf.Steps {
		indegree[step.StepNumber] = len(step.DependsOn)
		for _, dep := range step.DependsOn {
			dependents[dep] = append(dependents[dep], step.StepNumber)
		}
	}

	var queue []int
	for _, step := range wf.Steps {
		if indegree[step.StepNumber] == 0 {
			queue = append(queue, step.StepNumber)
		}
	}

	visited := 0
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		visited++
		for _, dependent := range dependents[n] {
			indegree[dependent]--
			if indegree[dependent] == 0 {
				queue = append(queue, dependent)
			}
		}
	}
	if visited != len(wf.Steps) {
		return fmt.Errorf("workflow %s has a dependency cycle: %w", wf.TemplateName, core.ErrInvalidWorkflow)
	}
	return nil
}
