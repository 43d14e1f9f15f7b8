package maintain

import (
	"context"
	"fmt"
	"runtime"
	"strings"

	"github.com/sf7293/heartbeat-agent/internal/domain"
)

// Check is one self-inspection step. Run returns a short human-readable finding.
type Check struct {
	Name string
	Run  func(ctx context.Context) (string, error)
}

type Maintainer struct {
	Checks []Check
}

// NewMaintainer is a constructor that takes the checks to run as a dependency
func NewMaintainer(checks ...Check) Maintainer {
	return Maintainer{
		Checks: checks,
	}
}

// Execute runs every check in order. The task succeeds only if all checks pass.
func (m Maintainer) Execute(ctx context.Context, task *domain.Task, report domain.SkillReporter) (*domain.ExecutionResult, error) {
	findings := make([]string, 0, len(m.Checks))
	failed := 0
	for _, check := range m.Checks {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		report(fmt.Sprintf("⚙ %s()", check.Name))
		finding, err := check.Run(ctx)
		if err != nil {
			failed++
			findings = append(findings, fmt.Sprintf("%s: FAILED %v", check.Name, err))
			continue
		}
		findings = append(findings, fmt.Sprintf("%s: %s", check.Name, finding))
	}

	summary := strings.Join(findings, "; ")
	if len(m.Checks) == 0 {
		summary = "no checks configured"
	}
	return &domain.ExecutionResult{
		Success: failed == 0,
		Summary: summary,
	}, nil
}

// PingCheck reports whether a dependency answers.
func PingCheck(name string, ping func(ctx context.Context) error) Check {
	return Check{
		Name: name,
		Run: func(ctx context.Context) (string, error) {
			if err := ping(ctx); err != nil {
				return "", err
			}
			return "ok", nil
		},
	}
}

// QueueCheck reports the task counts per status.
func QueueCheck(summary func(ctx context.Context) (domain.QueueSummary, error)) Check {
	return Check{
		Name: "queue_summary",
		Run: func(ctx context.Context) (string, error) {
			s, err := summary(ctx)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("pending=%d running=%d done=%d failed=%d cancelled=%d",
				s.Pending, s.Running, s.Done, s.Failed, s.Cancelled), nil
		},
	}
}

// RuntimeCheck reports heap usage and goroutine count of this process.
func RuntimeCheck() Check {
	return Check{
		Name: "runtime_stats",
		Run: func(context.Context) (string, error) {
			var ms runtime.MemStats
			runtime.ReadMemStats(&ms)
			return fmt.Sprintf("heap_alloc=%dMiB sys=%dMiB goroutines=%d",
				ms.HeapAlloc>>20, ms.Sys>>20, runtime.NumGoroutine()), nil
		},
	}
}
