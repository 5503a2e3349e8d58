package domain

// Pagination captures cursor-based pagination input.
type Pagination struct {
	PageSize  int
	PageToken string
}

// CursorPage packages list results with an encoded next token.
type CursorPage[T any] struct {
	Items         []T
	NextPageToken string
}

// Actor identifies who initiated a mutation for audit purposes.
type Actor struct {
	ID   string
	Type string
}

const (
	// ActorTypeCustomer marks requests authenticated with a customer identity token.
	ActorTypeCustomer = "customer"
	// ActorTypeOperator marks staff or service accounts calling internal routes.
	ActorTypeOperator = "operator"
	// ActorTypeExecutor marks the game-server command executor.
	ActorTypeExecutor = "executor"
	// ActorTypeSystem marks background maintenance.
	ActorTypeSystem = "system"
)
