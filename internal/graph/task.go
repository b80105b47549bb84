package graph

// Status is the lifecycle state of a task. The store keeps statuses as free
// text; the graph treats anything it does not recognize as pending.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusBlocked    Status = "blocked"
)

// Normalize maps unknown or empty status strings onto the closed enum.
func (s Status) Normalize() Status {
	switch s {
	case StatusPending, StatusInProgress, StatusCompleted, StatusBlocked:
		return s
	default:
		return StatusPending
	}
}

// Task is a node in the dependency graph. Dependencies live in the graph's
// adjacency maps, not on the task itself.
type Task struct {
	ID     int64  `json:"id"`
	Title  string `json:"title"`
	Status Status `json:"status"`
}

// Edge is a directed "blocks" relation: Dependent cannot start until
// Blocker is completed.
type Edge struct {
	BlockerID   int64 `json:"blocker_id"`
	DependentID int64 `json:"dependent_id"`
}

// Stats aggregates task counts by status for the dashboard graph view.
type Stats struct {
	Pending    int `json:"pending"`
	InProgress int `json:"in_progress"`
	Completed  int `json:"completed"`
	Blocked    int `json:"blocked"`
}
