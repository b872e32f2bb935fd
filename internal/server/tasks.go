package server

import (
	"errors"
	"fmt"
	"sync"

	"github.com/t-sync/tsync/internal/batch"
	"github.com/t-sync/tsync/internal/membership"
)

const (
	taskIdentifierPrefix = "task-"

	errMessageTaskInFlight = "operator already has a running task"
)

// ErrTaskInFlight reports that an operator already has a task in progress.
var ErrTaskInFlight = errors.New(errMessageTaskInFlight)

// TaskKind distinguishes the two pipeline stages an operator can trigger.
type TaskKind string

const (
	TaskKindValidation     TaskKind = "validation"
	TaskKindReconciliation TaskKind = "reconciliation"
)

// TaskStatus represents the lifecycle state of a pipeline task.
type TaskStatus string

const (
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
)

type pipelineTask struct {
	identifier string
	operatorID string
	kind       TaskKind
	status     TaskStatus
	total      int
	completed  int
	failure    string
	summary    *membership.Summary
}

// TaskSnapshot copies the public portions of a task for serialization.
type TaskSnapshot struct {
	Identifier string              `json:"task_id"`
	OperatorID string              `json:"operator_id"`
	Kind       TaskKind            `json:"kind"`
	Status     TaskStatus          `json:"status"`
	Total      int                 `json:"total"`
	Completed  int                 `json:"completed"`
	Error      string              `json:"error,omitempty"`
	Summary    *membership.Summary `json:"summary,omitempty"`
}

// TaskTracker tracks active and completed pipeline tasks and enforces one
// in-flight task per operator.
type TaskTracker struct {
	mutex        sync.Mutex
	tasks        map[string]*pipelineTask
	inFlight     map[string]string
	nextSequence int
}

// NewTaskTracker constructs a tracker with empty state.
func NewTaskTracker() *TaskTracker {
	return &TaskTracker{
		tasks:    make(map[string]*pipelineTask),
		inFlight: make(map[string]string),
	}
}

// CreateTask registers a new task for the operator and returns its snapshot.
func (tracker *TaskTracker) CreateTask(operatorID string, kind TaskKind, total int) (TaskSnapshot, error) {
	tracker.mutex.Lock()
	defer tracker.mutex.Unlock()

	if runningID, running := tracker.inFlight[operatorID]; running {
		return TaskSnapshot{}, fmt.Errorf("%w: %s", ErrTaskInFlight, runningID)
	}

	tracker.nextSequence++
	identifier := fmt.Sprintf("%s%d", taskIdentifierPrefix, tracker.nextSequence)
	task := &pipelineTask{
		identifier: identifier,
		operatorID: operatorID,
		kind:       kind,
		status:     TaskStatusRunning,
		total:      total,
	}
	tracker.tasks[identifier] = task
	tracker.inFlight[operatorID] = identifier
	return snapshotTask(task), nil
}

// BatchProgress records per-item validation progress for the operator's
// running task.
func (tracker *TaskTracker) BatchProgress(report batch.ProgressReport) {
	tracker.recordProgress(report.OperatorID, report.Processed, report.Total)
}

// ReconcileProgress records addition progress for the operator's running task.
func (tracker *TaskTracker) ReconcileProgress(snapshot membership.ProgressSnapshot) {
	tracker.recordProgress(snapshot.OperatorID, snapshot.Current, snapshot.Total)
}

// CompleteTask transitions a task to its terminal status.
func (tracker *TaskTracker) CompleteTask(taskIdentifier string, runErr error) {
	tracker.completeTask(taskIdentifier, nil, runErr)
}

// CompleteReconciliation transitions a reconciliation task to its terminal
// status and attaches the final summary.
func (tracker *TaskTracker) CompleteReconciliation(taskIdentifier string, summary membership.Summary, runErr error) {
	tracker.completeTask(taskIdentifier, &summary, runErr)
}

// TaskSnapshot returns a copy of the task state for external observers.
func (tracker *TaskTracker) TaskSnapshot(taskIdentifier string) (TaskSnapshot, bool) {
	tracker.mutex.Lock()
	defer tracker.mutex.Unlock()

	task, exists := tracker.tasks[taskIdentifier]
	if !exists {
		return TaskSnapshot{}, false
	}
	return snapshotTask(task), true
}

func (tracker *TaskTracker) recordProgress(operatorID string, completed int, total int) {
	tracker.mutex.Lock()
	defer tracker.mutex.Unlock()

	taskIdentifier, running := tracker.inFlight[operatorID]
	if !running {
		return
	}
	task := tracker.tasks[taskIdentifier]
	task.completed = completed
	task.total = total
}

func (tracker *TaskTracker) completeTask(taskIdentifier string, summary *membership.Summary, runErr error) {
	tracker.mutex.Lock()
	defer tracker.mutex.Unlock()

	task, exists := tracker.tasks[taskIdentifier]
	if !exists {
		return
	}
	if runErr != nil {
		task.status = TaskStatusFailed
		task.failure = runErr.Error()
	} else {
		task.status = TaskStatusCompleted
		if task.completed < task.total {
			task.completed = task.total
		}
	}
	task.summary = summary
	delete(tracker.inFlight, task.operatorID)
}

func snapshotTask(task *pipelineTask) TaskSnapshot {
	snapshot := TaskSnapshot{
		Identifier: task.identifier,
		OperatorID: task.operatorID,
		Kind:       task.kind,
		Status:     task.status,
		Total:      task.total,
		Completed:  task.completed,
		Error:      task.failure,
	}
	if task.summary != nil {
		clonedSummary := *task.summary
		snapshot.Summary = &clonedSummary
	}
	return snapshot
}
