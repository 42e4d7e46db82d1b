// Package verify implements C8: runs an ordered list of step commands with
// per-step timeout via C1 and produces a structured report. Grounded on the
// teacher's internal/tools/installer and internal/scriptengine ordered
// command execution pattern.
package verify

import (
	"context"
	"time"

	"github.com/agentforge/agentforge/internal/command"
)

// Step describes one command in the verification recipe.
type Step struct {
	Name      string
	Cmd       string
	Args      []string
	Cwd       string
	TimeoutMs int
	// Dependent, when true, means the runner short-circuits remaining steps
	// after this one fails (spec.md §4.C8). When false, all steps still run
	// and are reported regardless of this step's outcome.
	Dependent bool
}

// StepResult is one entry of Report.Results.
type StepResult struct {
	Cmd      string
	Args     []string
	ExitCode int
	Stdout   string
	Stderr   string
	Notes    []string
}

// Report is the structured verification output (spec.md §4.C8).
type Report struct {
	Enabled bool
	Results []StepResult
}

// Ok reports whether every executed step exited zero.
func (r Report) Ok() bool {
	if !r.Enabled {
		return true
	}
	for _, res := range r.Results {
		if res.ExitCode != 0 {
			return false
		}
	}
	return true
}

// Run executes steps in order via command.Run, short-circuiting subsequent
// steps only when a dependent step fails.
func Run(ctx context.Context, enabled bool, steps []Step) Report {
	report := Report{Enabled: enabled}
	if !enabled {
		return report
	}

	shortCircuited := false
	for _, step := range steps {
		if shortCircuited {
			report.Results = append(report.Results, StepResult{
				Cmd:   step.Cmd,
				Args:  step.Args,
				Notes: []string{"skipped: earlier dependent step failed"},
			})
			continue
		}

		var timeout time.Duration
		if step.TimeoutMs > 0 {
			timeout = time.Duration(step.TimeoutMs) * time.Millisecond
		}
		res, err := command.Run(ctx, command.Request{
			Cmd:     step.Cmd,
			Args:    step.Args,
			Cwd:     step.Cwd,
			Timeout: timeout,
		})

		sr := StepResult{Cmd: step.Cmd, Args: step.Args}
		if err != nil {
			sr.ExitCode = -1
			sr.Notes = append(sr.Notes, err.Error())
		} else {
			sr.ExitCode = res.ExitCode
			sr.Stdout = string(res.Stdout)
			sr.Stderr = string(res.Stderr)
			if res.Killed {
				sr.Notes = append(sr.Notes, "killed (timeout)")
			}
			if res.Truncated {
				sr.Notes = append(sr.Notes, "output truncated")
			}
		}
		report.Results = append(report.Results, sr)

		if step.Dependent && sr.ExitCode != 0 {
			shortCircuited = true
		}
	}
	return report
}
