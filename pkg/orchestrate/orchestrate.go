// Package orchestrate implements a thin sequential sub-process task queue
// for driving pack/unpack across multiple subvolumes, ported from the
// reference factory-snapshot upgrade tool's DeployTaskQueue: a fixed list
// of named commands run one at a time, a failed "checked" task aborts the
// queue, a failed "unchecked" task is logged and the queue continues.
package orchestrate

import (
	"context"
	"fmt"
	"os/exec"

	"github.com/sirupsen/logrus"
)

// Task is one step of the queue: a label for logging/progress and the
// command line to run.
type Task struct {
	Name    string
	Command []string
	Checked bool // a failure aborts the queue when true, is logged and skipped when false
}

// Queue runs a fixed ordered list of Tasks, one at a time, waiting for each
// to exit before starting the next.
type Queue struct {
	Name  string
	Tasks []Task
	Log   *logrus.Logger

	// OnTaskDone is called after each task completes, successfully or not.
	OnTaskDone func(index int, task Task, err error)
}

// Run executes every task in order, returning the first error from a
// Checked task (after which remaining tasks are skipped). Errors from
// unchecked tasks are logged but do not stop the queue.
func (q *Queue) Run(ctx context.Context) error {
	log := q.Log
	if log == nil {
		log = logrus.StandardLogger()
	}

	for i, task := range q.Tasks {
		log.WithFields(logrus.Fields{
			"queue": q.Name,
			"task":  task.Name,
			"pos":   i + 1,
			"total": len(q.Tasks),
		}).Debug("running deploy task")

		err := q.runOne(ctx, task)

		if q.OnTaskDone != nil {
			q.OnTaskDone(i, task, err)
		}

		if err == nil {
			continue
		}

		if task.Checked {
			return fmt.Errorf("queue %s: task %q failed: %w", q.Name, task.Name, err)
		}
		log.WithError(err).Warnf("queue %s: task %q failed (ignored)", q.Name, task.Name)
	}

	return nil
}

func (q *Queue) runOne(ctx context.Context, task Task) error {
	if len(task.Command) == 0 {
		return fmt.Errorf("task %q has no command", task.Name)
	}
	cmd := exec.CommandContext(ctx, task.Command[0], task.Command[1:]...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w (output: %s)", err, out)
	}
	return nil
}

// SubvolumeCommand builds the Task list for unpacking a set of subvolumes
// in order, one unpacker invocation per subvolume, matching the reference
// orchestrator's one-subprocess-per-partition driving loop.
func SubvolumeCommand(unpackerPath string, subvolumes []string, args func(subvolume string) []string) []Task {
	tasks := make([]Task, len(subvolumes))
	for i, sv := range subvolumes {
		tasks[i] = Task{
			Name:    fmt.Sprintf("unpack %s", sv),
			Command: append([]string{unpackerPath}, args(sv)...),
			Checked: true,
		}
	}
	return tasks
}
