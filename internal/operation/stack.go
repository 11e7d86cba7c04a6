package operation

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/delphinos/delphinos-partition/internal/report"
	"github.com/sirupsen/logrus"
)

// ErrBackendExecutionFailed is wrapped by every error of a failed batch
var ErrBackendExecutionFailed = errors.New("backend execution failed")

// Stack is an ordered queue of pending operations. It never executes or
// reorders anything; see Run.
type Stack struct {
	ops []Operation
}

// NewStack returns an empty stack
func NewStack() *Stack {
	return &Stack{}
}

// Push appends op
func (s *Stack) Push(op Operation) {
	s.ops = append(s.ops, op)
}

// Operations returns the pending operations in push order
func (s *Stack) Operations() []Operation {
	return append([]Operation(nil), s.ops...)
}

// Size returns the number of pending operations
func (s *Stack) Size() int {
	return len(s.ops)
}

// Clear drops all pending operations
func (s *Stack) Clear() {
	s.ops = nil
}

// Status of an operation after a batch
type Status string

const (
	StatusPending     Status = "pending"
	StatusSucceeded   Status = "succeeded"
	StatusFailed      Status = "failed"
	StatusCompensated Status = "compensated"
)

// Outcome records what happened to one operation of a batch
type Outcome struct {
	Operation Operation
	Status    Status
	Report    *report.Report
}

// Result is the outcome of a batch, in push order
type Result struct {
	Outcomes []Outcome
}

// Succeeded reports whether every operation succeeded
func (r *Result) Succeeded() bool {
	for _, o := range r.Outcomes {
		if o.Status != StatusSucceeded {
			return false
		}
	}
	return true
}

// OperationError describes a failed batch
type OperationError struct {
	Description string
	Err         error
	// Compensated is true when every completed operation before the
	// failure was undone.
	Compensated     bool
	CompensationErr error
}

func (e *OperationError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %v", e.Description, e.Err)
	if e.CompensationErr != nil {
		fmt.Fprintf(&b, " (rollback incomplete: %v)", e.CompensationErr)
	}
	return b.String()
}

func (e *OperationError) Unwrap() []error {
	return []error{ErrBackendExecutionFailed, e.Err}
}

// Run executes the operations of s in push order, each with its own child
// of parent. When an operation fails, the operations completed before it
// are undone in reverse order and an *OperationError is returned. Run does
// not clear s.
func Run(ctx context.Context, s *Stack, parent *report.Report) (*Result, error) {
	ops := s.Operations()
	res := &Result{Outcomes: make([]Outcome, len(ops))}
	for i, op := range ops {
		res.Outcomes[i] = Outcome{Operation: op, Status: StatusPending}
	}

	for i, op := range ops {
		r := parent.Child(op.Description())
		res.Outcomes[i].Report = r

		logrus.WithField("operation", op.Kind()).Info(op.Description())
		if err := op.Execute(ctx, r); err != nil {
			r.Error(err)
			res.Outcomes[i].Status = StatusFailed
			opErr := &OperationError{Description: op.Description(), Err: err}
			opErr.Compensated, opErr.CompensationErr = compensate(ctx, res.Outcomes[:i], parent)
			return res, opErr
		}
		r.Line("done")
		res.Outcomes[i].Status = StatusSucceeded
	}

	return res, nil
}

func compensate(ctx context.Context, done []Outcome, parent *report.Report) (bool, error) {
	if len(done) == 0 {
		return true, nil
	}

	var errs []error
	for i := len(done) - 1; i >= 0; i-- {
		op := done[i].Operation
		if !op.Reversible() {
			errs = append(errs, fmt.Errorf("%s: %w", op.Description(), ErrIrreversible))
			continue
		}
		r := parent.Child("Undo: " + op.Description())
		if err := op.Undo(ctx, r); err != nil {
			r.Error(err)
			errs = append(errs, fmt.Errorf("%s: %w", op.Description(), err))
			continue
		}
		r.Line("done")
		done[i].Status = StatusCompensated
	}

	if len(errs) > 0 {
		return false, errors.Join(errs...)
	}
	return true, nil
}
