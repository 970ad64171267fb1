package ir

// Action classifies what a run does to one resource.
type Action string

const (
	ActionCreate   Action = "create"
	ActionUpdate   Action = "update"
	ActionDelete   Action = "delete"
	ActionNoop     Action = "noop"
	ActionDeferred Action = "deferred" // inputs not known until dependencies apply
)

// PlanSummary counts the actions of a run.
type PlanSummary struct {
	Create   int `json:"create"`
	Update   int `json:"update"`
	Delete   int `json:"delete"`
	NoOp     int `json:"noop"`
	Deferred int `json:"deferred"`
}

// Add counts one action.
func (s *PlanSummary) Add(a Action) {
	switch a {
	case ActionCreate:
		s.Create++
	case ActionUpdate:
		s.Update++
	case ActionDelete:
		s.Delete++
	case ActionNoop:
		s.NoOp++
	case ActionDeferred:
		s.Deferred++
	}
}

// Changes returns the number of resources that are created, updated or deleted.
func (s *PlanSummary) Changes() int {
	return s.Create + s.Update + s.Delete
}
