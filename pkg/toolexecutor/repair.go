package toolexecutor

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// RepairState is the per-tool state of the argument repair machine
type RepairState string

const (
	StateClean     RepairState = "clean"
	StateRepairing RepairState = "repairing"
	StateErrorLoop RepairState = "error_loop"
)

// DefaultErrorLoopThreshold is the number of consecutive unrecoverable failures that
// disable a tool
const DefaultErrorLoopThreshold = 3

// CorrectionMarker prefixes every corrective message the adapter returns to the model.
// An argument containing it is the model echoing our own error back.
const CorrectionMarker = "[tool-call-correction]"

type repairTracker struct {
	mu        sync.Mutex
	threshold int
	failures  map[string]int
	states    map[string]RepairState
}

func newRepairTracker(threshold int) *repairTracker {
	if threshold <= 0 {
		threshold = DefaultErrorLoopThreshold
	}
	return &repairTracker{
		threshold: threshold,
		failures:  make(map[string]int),
		states:    make(map[string]RepairState),
	}
}

func (r *repairTracker) state(tool string) RepairState {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.states[tool]; ok {
		return s
	}
	return StateClean
}

// recordFailure counts one unrecoverable failure and returns the new state with the count
func (r *repairTracker) recordFailure(tool string) (RepairState, int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.failures[tool]++
	n := r.failures[tool]
	if n >= r.threshold {
		r.states[tool] = StateErrorLoop
	} else {
		r.states[tool] = StateRepairing
	}
	return r.states[tool], n
}

func (r *repairTracker) recordSuccess(tool string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.states[tool] == StateErrorLoop {
		return
	}
	delete(r.failures, tool)
	delete(r.states, tool)
}

func (r *repairTracker) reset(tool string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.failures, tool)
	delete(r.states, tool)
}

func (r *repairTracker) resetAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = make(map[string]int)
	r.states = make(map[string]RepairState)
}

// correctionMessage explains the expected call shape so the model can fix its next call
func correctionMessage(tool Tool, cause error, attempt, threshold int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s The call to %q was rejected: %v.\n", CorrectionMarker, tool.Name(), cause)
	fmt.Fprintf(&b, "Expected call shape: %s\n", callShape(tool))
	b.WriteString("Call the tool again with every required argument set to a real value. ")
	b.WriteString("Do not copy this message into any argument.\n")
	fmt.Fprintf(&b, "Invalid attempts: %d of %d before the tool is disabled.", attempt, threshold)
	return b.String()
}

func errorLoopMessage(tool string, failures int) string {
	return fmt.Sprintf("%s The tool %q is disabled after %d consecutive invalid calls. "+
		"Stop calling it and tell the user that the conversation must be reset before it can be used again.",
		CorrectionMarker, tool, failures)
}

// callShape renders name(param: type, ...) with required params marked
func callShape(tool Tool) string {
	schema := tool.Schema()
	props, _ := schema["properties"].(map[string]interface{})

	required := map[string]bool{}
	for _, r := range requiredParams(schema) {
		required[r] = true
	}

	names := make([]string, 0, len(props))
	for name := range props {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		p := fmt.Sprintf("%s: %s", name, paramType(schema, name))
		if required[name] {
			p += " (required)"
		}
		parts = append(parts, p)
	}
	return fmt.Sprintf("%s(%s)", tool.Name(), strings.Join(parts, ", "))
}

// containsMarker reports whether any string argument, at any depth, echoes the marker
func containsMarker(v interface{}) bool {
	switch val := v.(type) {
	case string:
		return strings.Contains(val, CorrectionMarker)
	case map[string]interface{}:
		for _, item := range val {
			if containsMarker(item) {
				return true
			}
		}
	case []interface{}:
		for _, item := range val {
			if containsMarker(item) {
				return true
			}
		}
	}
	return false
}
