package plan

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/roach88/conductor/internal/flow"
)

// RecordVersion is the current encoding version of plan records.
const RecordVersion = 1

// Record is the serializable form of an ExecutionPlan.
type Record struct {
	Version        int            `json:"version"`
	ID             string         `json:"id"`
	Label          string         `json:"label"`
	State          PlanState      `json:"state"`
	Result         Result         `json:"result"`
	RootPlanStepID int            `json:"root_plan_step_id"`
	RunFlow        flow.Record    `json:"run_flow"`
	FinalizeFlow   flow.Record    `json:"finalize_flow"`
	Steps          []*Step        `json:"steps"`
	Actions        []*Action      `json:"actions"`
	History        []HistoryEntry `json:"execution_history"`
	Cancelled      bool           `json:"cancelled,omitempty"`
	StartedAt      time.Time      `json:"started_at"`
	EndedAt        time.Time      `json:"ended_at"`
	ExecutionTime  time.Duration  `json:"execution_time"`
	RealTime       time.Duration  `json:"real_time"`
}

// ToRecord converts the plan into its serializable form with steps and
// actions ordered by id.
func (p *ExecutionPlan) ToRecord() Record {
	r := Record{
		Version:        RecordVersion,
		ID:             p.ID,
		Label:          p.Label,
		State:          p.State,
		Result:         p.Result,
		RootPlanStepID: p.RootPlanStepID,
		RunFlow:        flow.ToRecord(p.RunFlow),
		FinalizeFlow:   flow.ToRecord(p.FinalizeFlow),
		Steps:          make([]*Step, 0, len(p.Steps)),
		Actions:        make([]*Action, 0, len(p.Actions)),
		History:        p.History,
		Cancelled:      p.Cancelled,
		StartedAt:      p.StartedAt,
		EndedAt:        p.EndedAt,
		ExecutionTime:  p.ExecutionTime,
		RealTime:       p.RealTime,
	}
	for _, id := range p.StepIDs() {
		r.Steps = append(r.Steps, p.Steps[id])
	}
	for _, id := range p.actionIDs() {
		r.Actions = append(r.Actions, p.Actions[id])
	}
	return r
}

func (p *ExecutionPlan) actionIDs() []int {
	return slices.Sorted(maps.Keys(p.Actions))
}

// FromRecord rebuilds an ExecutionPlan.
func FromRecord(r Record) (*ExecutionPlan, error) {
	if r.Version != RecordVersion {
		return nil, fmt.Errorf("unsupported plan record version %d", r.Version)
	}
	runFlow, err := flow.FromRecord(r.RunFlow)
	if err != nil {
		return nil, fmt.Errorf("run flow: %w", err)
	}
	finalizeFlow, err := flow.FromRecord(r.FinalizeFlow)
	if err != nil {
		return nil, fmt.Errorf("finalize flow: %w", err)
	}
	p := &ExecutionPlan{
		ID:             r.ID,
		Label:          r.Label,
		State:          r.State,
		Result:         r.Result,
		RootPlanStepID: r.RootPlanStepID,
		RunFlow:        runFlow,
		FinalizeFlow:   finalizeFlow,
		Steps:          make(map[int]*Step, len(r.Steps)),
		Actions:        make(map[int]*Action, len(r.Actions)),
		History:        r.History,
		Cancelled:      r.Cancelled,
		StartedAt:      r.StartedAt,
		EndedAt:        r.EndedAt,
		ExecutionTime:  r.ExecutionTime,
		RealTime:       r.RealTime,
	}
	for _, s := range r.Steps {
		if err := s.Phase.validate(); err != nil {
			return nil, fmt.Errorf("step %d: %w", s.ID, err)
		}
		p.Steps[s.ID] = s
	}
	for _, a := range r.Actions {
		p.Actions[a.ID] = a
	}
	return p, nil
}

// Encode serializes a plan to JSON.
func Encode(p *ExecutionPlan) ([]byte, error) {
	return json.Marshal(p.ToRecord())
}

// Decode parses JSON produced by Encode.
func Decode(data []byte) (*ExecutionPlan, error) {
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decode plan: %w", err)
	}
	return FromRecord(r)
}

// EncodeStep serializes a single step.
func EncodeStep(s *Step) ([]byte, error) {
	return json.Marshal(s)
}

// DecodeStep parses JSON produced by EncodeStep.
func DecodeStep(data []byte) (*Step, error) {
	var s Step
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode step: %w", err)
	}
	if err := s.Phase.validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// EncodeError serializes a step error.
func EncodeError(e *StepError) ([]byte, error) {
	return json.Marshal(e)
}

// DecodeError parses JSON produced by EncodeError.
func DecodeError(data []byte) (*StepError, error) {
	var e StepError
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("decode step error: %w", err)
	}
	return &e, nil
}
