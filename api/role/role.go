// Package role holds the host-side representation of an authentication role.
//
// A role is authored in the worker, where its initialization function lives.
// The host only ever sees a rebuilt copy whose InitFn, when present, calls
// back into the worker.
package role

import "context"

// Options are the role options shared by both sides of the bridge.
type Options struct {
	PreserveURL bool `json:"preserveUrl"`
}

// Run is the part of a test run a role initialization needs.
type Run interface {
	ID() string
}

// InitFunc logs a test run in under the role.
type InitFunc func(ctx context.Context, run Run) error

// Role is an authentication role activated for a test run.
type Role struct {
	ID        string
	LoginPage string
	Options   Options

	// InitFn is nil when the role has no initialization function.
	InitFn InitFunc
}

// New returns a role. initFn may be nil.
func New(id, loginPage string, initFn InitFunc, opts Options) *Role {
	return &Role{
		ID:        id,
		LoginPage: loginPage,
		Options:   opts,
		InitFn:    initFn,
	}
}

// Initialize runs InitFn for run, if the role has one.
func (r *Role) Initialize(ctx context.Context, run Run) error {
	if r.InitFn == nil {
		return nil
	}
	return r.InitFn(ctx, run)
}
