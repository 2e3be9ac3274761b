package model

import "errors"

type ProblemKind string

const (
	ProblemFailed  ProblemKind = "failed"
	ProblemSkipped ProblemKind = "skipped"
)

// Problem is the externally visible projection of a failure.
type Problem struct {
	Kind   ProblemKind `json:"kind" yaml:"kind"`
	Reason string      `json:"reason,omitempty" yaml:"reason,omitempty"`
	Error  string      `json:"error,omitempty" yaml:"error,omitempty"`
}

// Failable records at most one failure, either an error or a reason.
// Marking it failed twice is a programming error and panics.
type Failable struct {
	failed bool
	kind   ProblemKind
	err    error
	reason string
}

func (f *Failable) Fail(err error) {
	if err == nil {
		err = errors.New("unknown failure")
	}
	f.mark(ProblemFailed)
	f.err = err
}

func (f *Failable) FailWithReason(reason string) {
	f.mark(ProblemFailed)
	f.reason = reason
}

// Skip marks the scope as not run.
func (f *Failable) Skip(reason string) {
	f.mark(ProblemSkipped)
	f.reason = reason
}

func (f *Failable) mark(kind ProblemKind) {
	if f.failed {
		panic("already marked as failed")
	}
	f.failed = true
	f.kind = kind
}

func (f *Failable) IsSucceeded() bool {
	return !f.failed
}

func (f *Failable) Err() error {
	return f.err
}

func (f *Failable) Problem() *Problem {
	if !f.failed {
		return nil
	}
	p := &Problem{Kind: f.kind, Reason: f.reason}
	if f.err != nil {
		p.Error = f.err.Error()
	}
	return p
}
