// Package lifecycle implements the per-extension state machine and the
// dependency-aware cascade failure described in the Extension Lifecycle
// Manager: strictly-forward transitions, dependency gating on LOADING, and
// BFS cascade of FAILED to every transitive dependent.
package lifecycle

import (
	"fmt"
	"sort"
	"sync"

	"github.com/tapestry-hosting/tapestry/pkg/tapestryerr"
)

// State is a stage in an extension's lifecycle.
type State int

const (
	Discovered State = iota
	Validated
	TypeInitialized
	Frozen
	Loading
	Ready
	Failed
)

var stateNames = [...]string{
	"DISCOVERED", "VALIDATED", "TYPE_INITIALIZED", "FROZEN", "LOADING", "READY", "FAILED",
}

func (s State) String() string {
	if s < Discovered || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// UnknownExtensionError is returned by any accessor given an id never passed
// to InitializeDiscoveredExtensions.
type UnknownExtensionError struct{ ID string }

func (e *UnknownExtensionError) Error() string { return fmt.Sprintf("unknown extension %q", e.ID) }
func (e *UnknownExtensionError) Code() tapestryerr.Code { return tapestryerr.UnknownExtension }

// InvalidTransitionError is returned when target is not reachable from the
// extension's current state.
type InvalidTransitionError struct {
	ID   string
	From State
	To   State
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("extension %q cannot transition %s -> %s", e.ID, e.From, e.To)
}
func (e *InvalidTransitionError) Code() tapestryerr.Code { return tapestryerr.InvalidStateTransition }

// DependencyNotReadyError is returned on a LOADING attempt while some
// required dependency has not reached READY.
type DependencyNotReadyError struct {
	ID          string
	DependsOn   string
	ActualState State
}

func (e *DependencyNotReadyError) Error() string {
	return fmt.Sprintf("extension %q cannot start loading: dependency %q is %s, not READY", e.ID, e.DependsOn, e.ActualState)
}
func (e *DependencyNotReadyError) Code() tapestryerr.Code { return tapestryerr.DependencyNotReady }

// record is the mutable per-extension bookkeeping the manager owns.
type record struct {
	state         State
	failureReason string
	cascaded      bool // true if failureReason came from a cascade, not an explicit call
}

// Logger is the minimal surface Manager needs. slog.Logger satisfies it.
type Logger interface {
	Warn(msg string, args ...any)
	Info(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Warn(string, ...any) {}
func (noopLogger) Info(string, ...any) {}

// Diagnostics summarizes the manager's state for operator visibility.
type Diagnostics struct {
	Counts          map[State]int
	FailureReasons  map[string]string
}

// Manager owns the per-extension state machine and the dependency graph used
// for LOADING gating and cascade failure. requiredDeps maps an extension id
// to the ids it depends on (spec §3's requiredDependencies); it is filled in
// through SetDependencies after construction — descriptors are immutable
// once DISCOVERY completes.
type Manager struct {
	mu           sync.Mutex
	records      map[string]*record
	requiredDeps map[string][]string
	dependents   map[string][]string // reverse edges, built once from requiredDeps
	logger       Logger
}

// New constructs a Manager. requiredDeps need not be populated yet;
// InitializeDiscoveredExtensions and SetDependencies establish the graph.
func New(logger Logger) *Manager {
	if logger == nil {
		logger = noopLogger{}
	}
	return &Manager{
		records:      make(map[string]*record),
		requiredDeps: make(map[string][]string),
		dependents:   make(map[string][]string),
		logger:       logger,
	}
}

// InitializeDiscoveredExtensions sets every id to DISCOVERED. An id that is
// already known is skipped and keeps its current state.
func (m *Manager) InitializeDiscoveredExtensions(ids []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		if _, exists := m.records[id]; exists {
			continue
		}
		m.records[id] = &record{state: Discovered}
	}
}

// SetDependencies records id's requiredDependencies and builds the reverse
// (dependent) edges used by cascade failure. Must be called before any
// FAILED transition involving id's dependents is expected to cascade.
func (m *Manager) SetDependencies(id string, requiredDependencies []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requiredDeps[id] = append([]string(nil), requiredDependencies...)
	for _, dep := range requiredDependencies {
		m.dependents[dep] = append(m.dependents[dep], id)
	}
}

var forward = map[State]State{
	Discovered:      Validated,
	Validated:       TypeInitialized,
	TypeInitialized: Frozen,
	Frozen:          Loading,
	Loading:         Ready,
}

// legalDirect reports whether from->to is a legal non-FAILED transition:
// either the single forward step, or any forward multi-step skip is NOT
// permitted — strictly the immediate next state, per spec §3's "strictly
// forward along the list".
func legalDirect(from, to State) bool {
	next, ok := forward[from]
	return ok && next == to
}

// TransitionState attempts to move id to target. FAILED is reachable from
// any non-FAILED state (including READY) and triggers cascade; any other
// target must be the strict next state in the forward chain. Transitioning
// FAILED to FAILED is an idempotent no-op success, matching "ANY -> FAILED"
// including the terminal state itself.
func (m *Manager) TransitionState(id string, target State) error {
	m.mu.Lock()
	r, ok := m.records[id]
	if !ok {
		m.mu.Unlock()
		return &UnknownExtensionError{ID: id}
	}

	if target == Failed {
		if r.state == Failed {
			m.mu.Unlock()
			return nil
		}
		from := r.state
		r.state = Failed
		m.mu.Unlock()
		m.cascadeFailure(id, from)
		return nil
	}

	if r.state == Failed {
		m.mu.Unlock()
		return &InvalidTransitionError{ID: id, From: Failed, To: target}
	}

	if !legalDirect(r.state, target) {
		from := r.state
		m.mu.Unlock()
		return &InvalidTransitionError{ID: id, From: from, To: target}
	}

	if target == Loading {
		deps := append([]string(nil), m.requiredDeps[id]...)
		m.mu.Unlock()
		for _, dep := range deps {
			depState, err := m.GetExtensionState(dep)
			if err != nil || depState != Ready {
				actual := depState
				return &DependencyNotReadyError{ID: id, DependsOn: dep, ActualState: actual}
			}
		}
		m.mu.Lock()
		// Re-check state hasn't moved under us before committing.
		if r.state != Frozen {
			from := r.state
			m.mu.Unlock()
			return &InvalidTransitionError{ID: id, From: from, To: target}
		}
		r.state = target
		m.mu.Unlock()
		return nil
	}

	r.state = target
	m.mu.Unlock()
	return nil
}

// cascadeFailure walks dependents of id breadth-first, failing every
// transitive dependent that is not already FAILED, with reason
// "Dependency '<id>' failed". Duplicates (diamond dependencies) are
// idempotent because a node already FAILED is skipped.
func (m *Manager) cascadeFailure(id string, wasBefore State) {
	m.mu.Lock()
	queue := append([]string(nil), m.dependents[id]...)
	seen := map[string]bool{id: true}
	var toFail []string
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if seen[cur] {
			continue
		}
		seen[cur] = true
		r, ok := m.records[cur]
		if !ok || r.state == Failed {
			continue
		}
		toFail = append(toFail, cur)
		queue = append(queue, m.dependents[cur]...)
	}
	// Fail the direct dependents of id first with id as the reason parent,
	// then their dependents referencing them, matching BFS discovery order.
	reasonParent := make(map[string]string, len(toFail))
	for _, dep := range m.dependents[id] {
		reasonParent[dep] = id
	}
	for _, failedID := range toFail {
		if _, has := reasonParent[failedID]; !has {
			for parent := range seen {
				for _, d := range m.dependents[parent] {
					if d == failedID {
						reasonParent[failedID] = parent
						break
					}
				}
			}
		}
		if r, ok := m.records[failedID]; ok && r.state != Failed {
			r.state = Failed
			if parent, has := reasonParent[failedID]; has {
				r.failureReason = fmt.Sprintf("Dependency '%s' failed", parent)
			}
			r.cascaded = true
		}
	}
	m.mu.Unlock()
	m.logger.Warn("lifecycle: cascade failure", "root", id, "from", wasBefore.String(), "failed_count", len(toFail))
}

// SetFailureReason records a human-authored reason for id's failure. It
// never overrides a cascade-assigned reason unless id is not currently
// FAILED (in which case the reason is staged for a future FAILED
// transition, matching "attached on -> FAILED").
func (m *Manager) SetFailureReason(id, msg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok {
		return &UnknownExtensionError{ID: id}
	}
	if r.state == Failed && r.cascaded {
		return nil
	}
	r.failureReason = msg
	return nil
}

// GetExtensionState returns id's current state.
func (m *Manager) GetExtensionState(id string) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok {
		return 0, &UnknownExtensionError{ID: id}
	}
	return r.state, nil
}

// GetFailureReason returns id's recorded failure reason, if any.
func (m *Manager) GetFailureReason(id string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok {
		return "", &UnknownExtensionError{ID: id}
	}
	return r.failureReason, nil
}

// GetExtensionsInState returns every id currently in state, sorted for
// determinism.
func (m *Manager) GetExtensionsInState(state State) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for id, r := range m.records {
		if r.state == state {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// GetDiagnostics returns aggregate counts and per-id failure reasons.
func (m *Manager) GetDiagnostics() Diagnostics {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := Diagnostics{
		Counts:         make(map[State]int),
		FailureReasons: make(map[string]string),
	}
	for id, r := range m.records {
		d.Counts[r.state]++
		if r.state == Failed && r.failureReason != "" {
			d.FailureReasons[id] = r.failureReason
		}
	}
	return d
}

// Dependents returns the recorded dependent ids of id (those whose
// requiredDependencies include id).
func (m *Manager) Dependents(id string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := append([]string(nil), m.dependents[id]...)
	sort.Strings(out)
	return out
}

// CycleError reports that one or more extensions could not be ordered
// because their requiredDependencies form a cycle.
type CycleError struct {
	Members []string // ids participating in the cycle, sorted
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle detected among extensions: %v", e.Members)
}
func (e *CycleError) Code() tapestryerr.Code { return tapestryerr.DependencyCycleDetected }

// MissingDependencyError reports that id names a requiredDependency that was
// never discovered.
type MissingDependencyError struct {
	ID        string
	DependsOn string
}

func (e *MissingDependencyError) Error() string {
	return fmt.Sprintf("extension %q requires undiscovered dependency %q", e.ID, e.DependsOn)
}
func (e *MissingDependencyError) Code() tapestryerr.Code { return tapestryerr.DependencyNotFound }

// ResolveRegistrationOrder computes a stable topological order over the
// declared requiredDependencies, via Kahn's algorithm with ties broken by
// declaration order (spec §4.2: "stable topological order… ordering
// guarantee: registration order is preserved"). order lists ids whose
// registration entry point is safe to invoke, in dependency-then-declaration
// order.
//
// A missing dependency or a cycle does not abort the whole call: every
// extension that is unreachable for either reason is returned in failed
// (duplicates removed, deterministically sorted) and excluded from order,
// matching "a cycle or missing dependency makes all involved extensions
// FAILED before any of their registrations run" without punishing the rest
// of the graph.
func (m *Manager) ResolveRegistrationOrder(declarationOrder []string) (order []string, failed []string, err error) {
	m.mu.Lock()
	ids := append([]string(nil), declarationOrder...)
	deps := make(map[string][]string, len(ids))
	known := make(map[string]bool, len(ids))
	for _, id := range ids {
		known[id] = true
	}
	for _, id := range ids {
		deps[id] = append([]string(nil), m.requiredDeps[id]...)
	}
	m.mu.Unlock()

	failedSet := make(map[string]bool)
	var missing []*MissingDependencyError
	for _, id := range ids {
		for _, dep := range deps[id] {
			if !known[dep] {
				failedSet[id] = true
				missing = append(missing, &MissingDependencyError{ID: id, DependsOn: dep})
			}
		}
	}

	cycleMembers := findCycleMembers(ids, deps, failedSet)
	if len(cycleMembers) > 0 {
		for _, id := range cycleMembers {
			failedSet[id] = true
		}
	}

	indegree := make(map[string]int, len(ids))
	forwardEdges := make(map[string][]string, len(ids)) // dep -> dependents, in declaration order
	for _, id := range ids {
		if failedSet[id] {
			continue
		}
		for _, dep := range deps[id] {
			if failedSet[dep] {
				failedSet[id] = true
				continue
			}
			indegree[id]++
			forwardEdges[dep] = append(forwardEdges[dep], id)
		}
	}

	var ready []string
	for _, id := range ids {
		if !failedSet[id] && indegree[id] == 0 {
			ready = append(ready, id)
		}
	}

	for len(ready) > 0 {
		next := ready[0]
		ready = ready[1:]
		if failedSet[next] {
			continue
		}
		order = append(order, next)
		for _, dependent := range forwardEdges[next] {
			if failedSet[dependent] {
				continue
			}
			indegree[dependent]--
			if indegree[dependent] == 0 {
				ready = append(ready, dependent)
			}
		}
		sort.SliceStable(ready, func(i, j int) bool {
			return declarationIndex(ids, ready[i]) < declarationIndex(ids, ready[j])
		})
	}

	// Anything still unordered depends, directly or transitively, on a
	// failed extension that was declared after it.
	placed := make(map[string]bool, len(order))
	for _, id := range order {
		placed[id] = true
	}
	for _, id := range ids {
		if !placed[id] {
			failedSet[id] = true
		}
	}

	failedIDSet := make(map[string]bool)
	for id := range failedSet {
		failedIDSet[id] = true
	}
	for _, id := range ids {
		if failedIDSet[id] {
			failed = append(failed, id)
		}
	}
	sort.Strings(failed)

	if len(cycleMembers) > 0 {
		sorted := append([]string(nil), cycleMembers...)
		sort.Strings(sorted)
		return order, failed, &CycleError{Members: sorted}
	}
	if len(missing) > 0 {
		return order, failed, missing[0]
	}
	return order, failed, nil
}

func declarationIndex(ids []string, id string) int {
	for i, v := range ids {
		if v == id {
			return i
		}
	}
	return len(ids)
}

// findCycleMembers runs Tarjan's strongly-connected-components algorithm
// restricted to nodes not already failed, returning the ids belonging to any
// SCC of size > 1, or a self-loop.
func findCycleMembers(ids []string, deps map[string][]string, excluded map[string]bool) []string {
	index := make(map[string]int)
	lowlink := make(map[string]int)
	onStack := make(map[string]bool)
	var stack []string
	counter := 0
	var members []string

	var strongconnect func(v string)
	strongconnect = func(v string) {
		index[v] = counter
		lowlink[v] = counter
		counter++
		stack = append(stack, v)
		onStack[v] = true

		for _, w := range deps[v] {
			if excluded[w] {
				continue
			}
			if _, ok := index[w]; !ok {
				strongconnect(w)
				if lowlink[w] < lowlink[v] {
					lowlink[v] = lowlink[w]
				}
			} else if onStack[w] {
				if index[w] < lowlink[v] {
					lowlink[v] = index[w]
				}
			}
		}

		if lowlink[v] == index[v] {
			var scc []string
			for {
				n := len(stack) - 1
				w := stack[n]
				stack = stack[:n]
				onStack[w] = false
				scc = append(scc, w)
				if w == v {
					break
				}
			}
			selfLoop := len(scc) == 1 && containsEdge(deps[scc[0]], scc[0])
			if len(scc) > 1 || selfLoop {
				members = append(members, scc...)
			}
		}
	}

	for _, id := range ids {
		if excluded[id] {
			continue
		}
		if _, ok := index[id]; !ok {
			strongconnect(id)
		}
	}
	return members
}

func containsEdge(edges []string, target string) bool {
	for _, e := range edges {
		if e == target {
			return true
		}
	}
	return false
}
