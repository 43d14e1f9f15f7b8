package process

import (
	"context"
	"fmt"
	"sort"

	"github.com/sf7293/heartbeat-agent/internal/domain"
	"github.com/sf7293/heartbeat-agent/internal/errval"
)

// Descriptor binds a task type to the capability that executes it.
type Descriptor struct {
	Type     domain.TaskType `json:"task_type"`
	Icon     string          `json:"icon"`
	Local    bool            `json:"local"`
	Executor domain.Executor `json:"-"`
}

// Registry routes tasks to executors by type. It is immutable once built.
type Registry struct {
	descriptors map[domain.TaskType]Descriptor
}

// NewRegistry fails unless every known task type has exactly one descriptor with an executor.
func NewRegistry(descriptors ...Descriptor) (*Registry, error) {
	r := &Registry{descriptors: make(map[domain.TaskType]Descriptor, len(descriptors))}
	for _, d := range descriptors {
		if !d.Type.IsValid() {
			return nil, fmt.Errorf("%w: %q", errval.ErrInvalidTaskType, d.Type)
		}
		if d.Executor == nil {
			return nil, fmt.Errorf("task type %s has no executor", d.Type)
		}
		if _, ok := r.descriptors[d.Type]; ok {
			return nil, fmt.Errorf("task type %s registered twice", d.Type)
		}
		r.descriptors[d.Type] = d
	}

	for _, t := range domain.AllTaskTypes {
		if _, ok := r.descriptors[t]; !ok {
			return nil, fmt.Errorf("task type %s has no executor", t)
		}
	}
	return r, nil
}

var icons = map[domain.TaskType]string{
	domain.Research:    "🔍",
	domain.SelfImprove: "🛠",
	domain.Prepare:     "📋",
	domain.Remind:      "⏰",
	domain.Reflect:     "💭",
	domain.Maintain:    "🔧",
	domain.Custom:      "⚙",
}

// NewDefaultRegistry sends remind and maintain to their local executors and every other type to remote.
func NewDefaultRegistry(remote, reminder, maintainer domain.Executor) (*Registry, error) {
	descriptors := make([]Descriptor, 0, len(domain.AllTaskTypes))
	for _, t := range domain.AllTaskTypes {
		d := Descriptor{Type: t, Icon: icons[t], Executor: remote}
		switch t {
		case domain.Remind:
			d.Executor, d.Local = reminder, true
		case domain.Maintain:
			d.Executor, d.Local = maintainer, true
		}
		descriptors = append(descriptors, d)
	}
	return NewRegistry(descriptors...)
}

func (r *Registry) Resolve(taskType domain.TaskType) (Descriptor, error) {
	d, ok := r.descriptors[taskType]
	if !ok {
		return Descriptor{}, fmt.Errorf("%w: %q", errval.ErrInvalidTaskType, taskType)
	}
	return d, nil
}

// Descriptors lists every registered descriptor in task type order.
func (r *Registry) Descriptors() []Descriptor {
	out := make([]Descriptor, 0, len(r.descriptors))
	for _, d := range r.descriptors {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out
}

// Execute dispatches task to the executor registered for its type.
func (r *Registry) Execute(ctx context.Context, task *domain.Task, report domain.SkillReporter) (*domain.ExecutionResult, error) {
	d, err := r.Resolve(task.Type)
	if err != nil {
		return nil, err
	}
	return d.Executor.Execute(ctx, task, report)
}
