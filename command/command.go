// Package command defines the commands test code asks a test run to execute.
//
// Commands cross the process boundary as JSON, except for the fields tagged
// with `json:"-"`, which only make sense on one side: Assertion is evaluated
// where the test code runs, Role is rebuilt by the host.
package command

import (
	"time"

	"gopkg.in/guregu/null.v3"

	"github.com/liuxd6825/k6bridge/api/role"
)

// Type selects how a command is executed.
type Type string

// Command types.
const (
	TypeClick                      Type = "click"
	TypeNavigateTo                 Type = "navigate-to"
	TypeTypeText                   Type = "type-text"
	TypeWait                       Type = "wait"
	TypeAssertion                  Type = "assertion"
	TypeUseRole                    Type = "use-role"
	TypeShowAssertionRetriesStatus Type = "show-assertion-retries-status"
	TypeHideAssertionRetriesStatus Type = "hide-assertion-retries-status"
)

// Command is a single instruction for a test run.
type Command struct {
	Type     Type   `json:"type"`
	Selector string `json:"selector,omitempty"`
	URL      string `json:"url,omitempty"`
	Text     string `json:"text,omitempty"`

	// Timeout is in milliseconds; for assertions an unset value means the
	// test run's default assertion timeout.
	Timeout null.Int  `json:"timeout"`
	Success null.Bool `json:"success"`
	RoleID  string    `json:"roleId,omitempty"`

	Assertion *Assertion `json:"-"`
	Role      *role.Role `json:"-"`
}

// TimeoutDuration returns Timeout as a time.Duration.
func (c *Command) TimeoutDuration() time.Duration {
	return time.Duration(c.Timeout.Int64) * time.Millisecond
}

// NewWait returns a command pausing the test run for timeout.
func NewWait(timeout time.Duration) *Command {
	return &Command{Type: TypeWait, Timeout: null.IntFrom(timeout.Milliseconds())}
}

// NewShowAssertionRetriesStatus returns a command that shows the assertion
// retries indicator for timeout.
func NewShowAssertionRetriesStatus(timeout time.Duration) *Command {
	return &Command{Type: TypeShowAssertionRetriesStatus, Timeout: null.IntFrom(timeout.Milliseconds())}
}

// NewHideAssertionRetriesStatus returns a command that hides the assertion
// retries indicator.
func NewHideAssertionRetriesStatus(success bool) *Command {
	return &Command{Type: TypeHideAssertionRetriesStatus, Success: null.BoolFrom(success)}
}

// NewUseRole returns a command activating r for the test run.
func NewUseRole(r *role.Role) *Command {
	return &Command{Type: TypeUseRole, RoleID: r.ID, URL: r.LoginPage, Role: r}
}
