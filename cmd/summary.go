package cmd

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/liuxd6825/k6bridge/errext"
	"github.com/liuxd6825/k6bridge/execution"
)

type summary struct {
	results  []execution.Result
	passed   int
	failed   int
	skipped  int
	stopped  int
	duration time.Duration
}

func summarize(results []execution.Result, d time.Duration) summary {
	s := summary{results: results, duration: d}
	for _, r := range results {
		switch r.Status {
		case execution.StatusPassed:
			s.passed++
		case execution.StatusFailed:
			s.failed++
		default:
			if errors.Is(r.Err, execution.ErrStopped) {
				s.stopped++
			} else {
				s.skipped++
			}
		}
	}
	return s
}

func (s summary) render(noColor bool) string {
	paint := func(attr color.Attribute) *color.Color {
		c := color.New(attr)
		if noColor {
			c.DisableColor()
		} else {
			c.EnableColor()
		}
		return c
	}
	green, red, yellow, faint := paint(color.FgGreen), paint(color.FgRed), paint(color.FgYellow), paint(color.Faint)

	var b strings.Builder
	fixture := ""
	for _, r := range s.results {
		if name := r.Test.Fixture.Name; name != fixture {
			fixture = name
			fmt.Fprintf(&b, "\n %s\n", name)
		}
		switch r.Status {
		case execution.StatusPassed:
			fmt.Fprintf(&b, " %s %s %s\n", green.Sprint("✓"), r.Test.Name, faint.Sprintf("(%s)", r.Duration.Round(time.Millisecond)))
		case execution.StatusFailed:
			fmt.Fprintf(&b, " %s %s\n", red.Sprint("✗"), r.Test.Name)
			msg, _ := errext.Format(r.Err)
			for _, line := range strings.Split(msg, "\n") {
				fmt.Fprintf(&b, "     %s\n", red.Sprint(line))
			}
		default:
			fmt.Fprintf(&b, " %s %s\n", yellow.Sprint("-"), faint.Sprint(r.Test.Name))
		}
	}

	fmt.Fprintf(&b, "\n %s", green.Sprintf("%d passed", s.passed))
	if s.failed > 0 {
		fmt.Fprintf(&b, ", %s", red.Sprintf("%d failed", s.failed))
	}
	if s.skipped > 0 {
		fmt.Fprintf(&b, ", %s", yellow.Sprintf("%d skipped", s.skipped))
	}
	if s.stopped > 0 {
		fmt.Fprintf(&b, ", %s", yellow.Sprintf("%d stopped", s.stopped))
	}
	fmt.Fprintf(&b, " %s\n", faint.Sprintf("(%s)", s.duration.Round(time.Millisecond)))
	return b.String()
}
