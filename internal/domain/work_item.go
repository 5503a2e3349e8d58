package domain

import "time"

// WorkItemStatus enumerates fulfillment command states.
type WorkItemStatus string

const (
	// WorkItemPending items are eligible for claiming by an executor.
	WorkItemPending WorkItemStatus = "pending"
	// WorkItemInProgress items are claimed and leased to an executor.
	WorkItemInProgress WorkItemStatus = "in_progress"
	// WorkItemCompleted items ran successfully against the game server.
	WorkItemCompleted WorkItemStatus = "completed"
	// WorkItemFailed items exhausted their attempts and need an operator.
	WorkItemFailed WorkItemStatus = "failed"
)

// DefaultMaxAttempts is the retry ceiling applied when none is configured.
const DefaultMaxAttempts = 3

// WorkItem is a single in-game command derived from one unit of a completed order item.
type WorkItem struct {
	ID             string
	OrderID        string
	OrderItemID    string
	PackageID      string
	Unit           int
	Username       string
	Command        string
	Status         WorkItemStatus
	Attempts       int
	MaxAttempts    int
	LastError      string
	ClaimToken     string
	ClaimedBy      string
	ClaimExpiresAt *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
	ExecutedAt     *time.Time
}

// AdminAuditEntry records an operator action against order-core records.
type AdminAuditEntry struct {
	ID         string
	Actor      Actor
	Action     string
	TargetType string
	TargetID   string
	Reason     string
	Details    map[string]string
	CreatedAt  time.Time
}
