// Package orchestrator executes workflow DAGs: template steps materialise
// as jobs submitted to the Queue Manager, data-transfer steps run
// synchronously within the orchestrator itself.
package orchestrator

import (
	"fmt"

	"github.com/jobcore/jobcore/internal/coreerr"
	"github.com/jobcore/jobcore/internal/graphutil"
	"github.com/jobcore/jobcore/internal/store"
	"gopkg.in/yaml.v3"
)

// Definition is the YAML shape a workflow DAG is authored in: named steps,
// each either a template step or a data-transfer step, linked by a
// "needs" predecessor list.
type Definition struct {
	Name   string         `yaml:"name"`
	Policy string         `yaml:"policy,omitempty"`
	Steps  []StepDef      `yaml:"steps"`
}

// StepDef is one node in the authored DAG.
type StepDef struct {
	Name         string            `yaml:"name"`
	Kind         string            `yaml:"kind"`
	Predecessors []string          `yaml:"needs,omitempty"`
	Gate         string            `yaml:"gate,omitempty"`
	Params       map[string]string `yaml:"params,omitempty"`
}

// ParseDefinition unmarshals and structurally validates a workflow DAG
// definition: every step has a name and recognized kind, every declared
// predecessor refers to a step that exists, and the predecessor graph is
// acyclic.
func ParseDefinition(dag string) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal([]byte(dag), &def); err != nil {
		return nil, coreerr.NewValidationError("dag", "malformed workflow YAML: "+err.Error())
	}
	if len(def.Steps) == 0 {
		return nil, coreerr.NewValidationError("dag", "workflow has no steps")
	}

	names := make(map[string]bool, len(def.Steps))
	for _, s := range def.Steps {
		if s.Name == "" {
			return nil, coreerr.NewValidationError("dag", "every step must have a name")
		}
		if names[s.Name] {
			return nil, coreerr.NewValidationError("dag", fmt.Sprintf("duplicate step name %q", s.Name))
		}
		names[s.Name] = true

		switch store.StepKind(s.Kind) {
		case store.StepTemplate, store.StepDataTransfer:
		default:
			return nil, coreerr.NewValidationError("dag", fmt.Sprintf("step %q has unrecognized kind %q", s.Name, s.Kind))
		}
	}

	adjacency := make(map[string][]string, len(def.Steps))
	for _, s := range def.Steps {
		for _, pred := range s.Predecessors {
			if !names[pred] {
				return nil, coreerr.NewValidationError("dag", fmt.Sprintf("step %q depends on unknown step %q", s.Name, pred))
			}
			adjacency[pred] = append(adjacency[pred], s.Name)
		}
	}

	if err := graphutil.AssertAcyclic(adjacency, "workflow DAG"); err != nil {
		return nil, coreerr.NewValidationError("dag", err.Error())
	}

	return &def, nil
}

func (d *Definition) policy() store.ErrorPolicy {
	if d.Policy == string(store.PolicyContinue) {
		return store.PolicyContinue
	}
	return store.PolicyFailFast
}

func (d *Definition) toStoreSteps() []store.WorkflowStep {
	steps := make([]store.WorkflowStep, 0, len(d.Steps))
	for _, s := range d.Steps {
		gate := store.GateAfterSuccess
		if s.Gate != "" {
			gate = store.GateKind(s.Gate)
		}
		paramsJSON, _ := paramsToJSON(s.Params)
		steps = append(steps, store.WorkflowStep{
			Name:         s.Name,
			Kind:         store.StepKind(s.Kind),
			Params:       paramsJSON,
			Predecessors: s.Predecessors,
			Gate:         gate,
			Status:       "pending",
		})
	}
	return steps
}
