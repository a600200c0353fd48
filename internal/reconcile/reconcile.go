package reconcile

import (
	"errors"
	"sort"
	"strings"
	"time"

	"golang.org/x/text/cases"
)

// Reconciliation lifecycle for a room. Finalized is terminal; a room never
// re-enters collecting.
const (
	StateCollecting = "collecting"
	StateOneReady   = "one-ready"
	StateConflicted = "both-ready-conflicted"
	StateFinalized  = "finalized"
)

var (
	ErrFinalized  = errors.New("reconcile: record already finalized")
	ErrSealed     = errors.New("reconcile: submissions are sealed once merged")
	ErrPartyLimit = errors.New("reconcile: room already has two parties")
	ErrNoConflict = errors.New("reconcile: field is not in conflict")
	ErrResolved   = errors.New("reconcile: conflict already resolved")
	ErrBadChoice  = errors.New("reconcile: value matches neither candidate")
)

// One party's independently entered field set.
type Submission struct {
	Party      string            `json:"party"`
	Fields     map[string]string `json:"fields"`
	Ready      bool              `json:"ready"`
	ModifiedAt time.Time         `json:"modifiedAt"`

	readySeq int // order in which ready was first set, 0 = never
}

// A field the two submissions disagreed on. Candidates maps party id to
// that party's normalized-distinct value. Resolution is monotonic: once
// Resolved is set the chosen value is immutable.
type Conflict struct {
	Field      string            `json:"field"`
	Candidates map[string]string `json:"candidates"`
	Resolved   bool              `json:"resolved"`
	Chosen     string            `json:"chosen,omitempty"`
}

// Record is the canonical merged field map.
type Record map[string]string

var fold = cases.Fold()

// Engine merges two parties' submissions into one canonical record.
// All methods are called from the owning room's goroutine; the engine
// itself does no locking.
type Engine struct {
	subs       map[string]*Submission
	readySeq   int
	state      string
	record     Record
	conflicts  []*Conflict
	foldFields map[string]bool
}

// NewEngine creates an engine. Field names listed in caseInsensitive are
// compared case-folded during the merge.
func NewEngine(caseInsensitive ...string) *Engine {
	ff := make(map[string]bool, len(caseInsensitive))
	for _, f := range caseInsensitive {
		ff[f] = true
	}
	return &Engine{
		subs:       make(map[string]*Submission),
		state:      StateCollecting,
		foldFields: ff,
	}
}

func (e *Engine) State() string { return e.state }

// Submit records or overwrites a party's field set and ready flag. When the
// flag change makes both parties ready, the merge runs synchronously and
// the returned state is either finalized or both-ready-conflicted.
func (e *Engine) Submit(party string, fields map[string]string, ready bool) (string, error) {
	switch e.state {
	case StateFinalized:
		return e.state, ErrFinalized
	case StateConflicted:
		return e.state, ErrSealed
	}

	sub, ok := e.subs[party]
	if !ok {
		if len(e.subs) >= 2 {
			return e.state, ErrPartyLimit
		}
		sub = &Submission{Party: party}
		e.subs[party] = sub
	}

	sub.Fields = make(map[string]string, len(fields))
	for k, v := range fields {
		sub.Fields[k] = v
	}
	sub.ModifiedAt = time.Now()
	if ready && !sub.Ready {
		e.readySeq++
		sub.readySeq = e.readySeq
	}
	sub.Ready = ready

	e.tryFinalize()
	return e.state, nil
}

// Resolve accepts one candidate value for a conflicted field. When the last
// conflict is resolved the record finalizes.
func (e *Engine) Resolve(field, value string) (string, error) {
	if e.state == StateFinalized {
		return e.state, ErrFinalized
	}

	var c *Conflict
	for _, cand := range e.conflicts {
		if cand.Field == field {
			c = cand
			break
		}
	}
	if c == nil {
		return e.state, ErrNoConflict
	}
	if c.Resolved {
		return e.state, ErrResolved
	}

	matched := false
	for _, v := range c.Candidates {
		if e.normalize(field, v) == e.normalize(field, value) {
			matched = true
			break
		}
	}
	if !matched {
		return e.state, ErrBadChoice
	}

	c.Resolved = true
	c.Chosen = value
	e.record[field] = value

	for _, cand := range e.conflicts {
		if !cand.Resolved {
			return e.state, nil
		}
	}
	e.state = StateFinalized
	return e.state, nil
}

// tryFinalize runs in the same transition that flipped a ready flag, never
// from a poll. Both parties ready triggers the field-by-field merge.
func (e *Engine) tryFinalize() {
	ready := 0
	for _, s := range e.subs {
		if s.Ready {
			ready++
		}
	}
	switch {
	case ready == 0:
		e.state = StateCollecting
		return
	case ready == 1 || len(e.subs) < 2:
		e.state = StateOneReady
		return
	}
	e.merge()
}

func (e *Engine) merge() {
	first, second := e.orderedParties()
	a, b := e.subs[first], e.subs[second]

	names := make(map[string]bool)
	for f := range a.Fields {
		names[f] = true
	}
	for f := range b.Fields {
		names[f] = true
	}

	e.record = make(Record, len(names))
	e.conflicts = nil

	fields := make([]string, 0, len(names))
	for f := range names {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	for _, f := range fields {
		va, vb := a.Fields[f], b.Fields[f]
		switch {
		case strings.TrimSpace(va) == "":
			e.record[f] = vb
		case strings.TrimSpace(vb) == "":
			e.record[f] = va
		case e.normalize(f, va) == e.normalize(f, vb):
			e.record[f] = va
		default:
			// Earlier-ready party's value holds the slot until one
			// side explicitly accepts the other's.
			e.record[f] = va
			e.conflicts = append(e.conflicts, &Conflict{
				Field:      f,
				Candidates: map[string]string{first: va, second: vb},
			})
		}
	}

	if len(e.conflicts) == 0 {
		e.state = StateFinalized
	} else {
		e.state = StateConflicted
	}
}

// orderedParties returns the party ids with the earlier-ready one first.
func (e *Engine) orderedParties() (string, string) {
	parties := make([]*Submission, 0, 2)
	for _, s := range e.subs {
		parties = append(parties, s)
	}
	sort.Slice(parties, func(i, j int) bool {
		return parties[i].readySeq < parties[j].readySeq
	})
	return parties[0].Party, parties[1].Party
}

func (e *Engine) normalize(field, v string) string {
	v = strings.TrimSpace(v)
	if e.foldFields[field] {
		v = fold.String(v)
	}
	return v
}

// Record returns a copy of the canonical record and whether it is final.
func (e *Engine) Record() (Record, bool) {
	out := make(Record, len(e.record))
	for k, v := range e.record {
		out[k] = v
	}
	return out, e.state == StateFinalized
}

// Conflicts returns a copy of the conflict list.
func (e *Engine) Conflicts() []Conflict {
	out := make([]Conflict, len(e.conflicts))
	for i, c := range e.conflicts {
		cand := make(map[string]string, len(c.Candidates))
		for p, v := range c.Candidates {
			cand[p] = v
		}
		out[i] = Conflict{Field: c.Field, Candidates: cand, Resolved: c.Resolved, Chosen: c.Chosen}
	}
	return out
}

// Submissions returns a copy of the current party submissions.
func (e *Engine) Submissions() []Submission {
	out := make([]Submission, 0, len(e.subs))
	for _, s := range e.subs {
		cp := *s
		cp.Fields = make(map[string]string, len(s.Fields))
		for k, v := range s.Fields {
			cp.Fields[k] = v
		}
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Party < out[j].Party })
	return out
}
