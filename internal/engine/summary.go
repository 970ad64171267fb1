package engine

import (
	"time"

	"github.com/picklr-io/deckhand/internal/export"
	"github.com/picklr-io/deckhand/internal/ir"
	"github.com/picklr-io/deckhand/internal/resource"
)

// NodeResult is the terminal state of one resource in a run.
type NodeResult struct {
	Addr     string
	Type     string
	Action   ir.Action
	Status   resource.Status
	Err      error
	Duration time.Duration
}

// Summary describes a finished run.
type Summary struct {
	Mode  Mode
	Nodes []NodeResult
	// Plan counts the actions of nodes that finished, or in a preview, the
	// actions that an apply would take.
	Plan ir.PlanSummary
	// Exports is nil for destroy runs.
	Exports  *export.Rendered
	Duration time.Duration
}

// Count returns the number of nodes that ended in status.
func (s *Summary) Count(status resource.Status) int {
	n := 0
	for _, r := range s.Nodes {
		if r.Status == status {
			n++
		}
	}
	return n
}

// Failed returns the results of nodes that failed.
func (s *Summary) Failed() []NodeResult {
	var out []NodeResult
	for _, r := range s.Nodes {
		if r.Status == resource.Failed {
			out = append(out, r)
		}
	}
	return out
}

// Result returns the entry for addr.
func (s *Summary) Result(addr string) (NodeResult, bool) {
	for _, r := range s.Nodes {
		if r.Addr == addr {
			return r, true
		}
	}
	return NodeResult{}, false
}

func (s *Summary) counts() map[resource.Status]int {
	out := make(map[resource.Status]int)
	for _, r := range s.Nodes {
		out[r.Status]++
	}
	return out
}

// record appends the results of a phase in phase order.
func (s *Summary) record(order []string, types map[string]string, res *phaseResult) {
	for _, addr := range order {
		nr := NodeResult{
			Addr:   addr,
			Type:   types[addr],
			Status: res.status[addr],
			Err:    res.causes[addr],
		}
		if o, ok := res.outcomes[addr]; ok {
			nr.Action = o.action
			nr.Duration = o.duration
			if o.err != nil {
				nr.Err = o.err
			}
		}
		if nr.Status == resource.Done {
			s.Plan.Add(nr.Action)
		}
		s.Nodes = append(s.Nodes, nr)
	}
}
