// Package pipeline derives the agent pipeline view of a job from its event
// history. The view is a pure projection of the ledger: it is never stored and
// is recomputed from the full event sequence whenever it is needed.
package pipeline

import (
	"goa.design/jobstream/runtime/ledger"
)

type (
	// Stage is one of the fixed pipeline phases.
	Stage string

	// Status is the state of a stage within the view.
	Status string

	// StageState pairs a stage with its derived status.
	StageState struct {
		Stage  Stage  `json:"stage"`
		Status Status `json:"status"`
	}

	// View lists every stage in canonical order with its status.
	View []StageState
)

const (
	StageCoordinator Stage = "coordinator"
	StagePlanner     Stage = "planner"
	StageBuilder     Stage = "builder"
	StageReviewer    Stage = "reviewer"
)

const (
	StatusPending Status = "pending"
	StatusActive  Status = "active"
	StatusDone    Status = "done"
)

// Stages lists the pipeline stages in canonical order.
var Stages = []Stage{StageCoordinator, StagePlanner, StageBuilder, StageReviewer}

// ParseStage returns the canonical index of the stage named s, or -1 when s is
// not a recognized stage tag.
func ParseStage(s string) int {
	for i, st := range Stages {
		if string(st) == s {
			return i
		}
	}
	return -1
}

// Infer computes the pipeline view for events, which must be in ledger order.
//
// The most recent event carrying a recognized stage tag marks its stage
// active, every earlier stage done and every later stage pending. With no
// events every stage is pending; with events but no recognized tag the
// coordinator is active.
func Infer(events []*ledger.Event) View {
	last := -1
	for i := len(events) - 1; i >= 0; i-- {
		if events[i] == nil {
			continue
		}
		if idx := ParseStage(events[i].Stage); idx >= 0 {
			last = idx
			break
		}
	}
	if last == -1 && len(events) > 0 {
		last = 0
	}
	view := make(View, len(Stages))
	for i, st := range Stages {
		status := StatusPending
		switch {
		case last < 0:
		case i < last:
			status = StatusDone
		case i == last:
			status = StatusActive
		}
		view[i] = StageState{Stage: st, Status: status}
	}
	return view
}

// Status returns the status of stage in v, or the empty string when v does not
// contain stage.
func (v View) Status(stage Stage) Status {
	for _, s := range v {
		if s.Stage == stage {
			return s.Status
		}
	}
	return ""
}

// Active returns the active stage, if any.
func (v View) Active() (Stage, bool) {
	for _, s := range v {
		if s.Status == StatusActive {
			return s.Stage, true
		}
	}
	return "", false
}
