package resilience

import (
	"fmt"
	"strings"
	"sync"
)

// ErrorAggregator collects failures from a batch of operations (for
// example a historical sync over many block ranges) so the caller gets
// one summarized report instead of the first error only.
type ErrorAggregator struct {
	mu     sync.Mutex
	errors []error
	// maxDetailed bounds how many individual messages the summary quotes
	maxDetailed int
}

// NewErrorAggregator creates an aggregator quoting up to maxDetailed
// individual errors in its summary (0 uses a default of 5).
func NewErrorAggregator(maxDetailed int) *ErrorAggregator {
	if maxDetailed <= 0 {
		maxDetailed = 5
	}
	return &ErrorAggregator{maxDetailed: maxDetailed}
}

// Add records an error. Nil errors are ignored.
func (a *ErrorAggregator) Add(err error) {
	if err == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.errors = append(a.errors, err)
}

// Count returns the number of recorded errors.
func (a *ErrorAggregator) Count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.errors)
}

// Errors returns a copy of the recorded errors.
func (a *ErrorAggregator) Errors() []error {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]error, len(a.errors))
	copy(out, a.errors)
	return out
}

// Err returns nil when no errors were recorded, otherwise a single
// error summarizing the batch.
func (a *ErrorAggregator) Err() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.errors) == 0 {
		return nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%d error(s) occurred", len(a.errors))
	for i, err := range a.errors {
		if i >= a.maxDetailed {
			fmt.Fprintf(&b, "; and %d more", len(a.errors)-a.maxDetailed)
			break
		}
		fmt.Fprintf(&b, "; [%d] %s", i+1, err.Error())
	}
	return fmt.Errorf("%s", b.String())
}
