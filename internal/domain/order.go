package domain

import (
	"encoding/json"
	"strings"
	"time"
)

// OrderStatus enumerates valid lifecycle states for orders.
type OrderStatus string

const (
	// OrderStatusPending is the only initial state; the order awaits gateway confirmation.
	OrderStatusPending OrderStatus = "pending"
	// OrderStatusCompleted indicates payment succeeded and fulfillment was queued.
	OrderStatusCompleted OrderStatus = "completed"
	// OrderStatusFailed indicates the gateway declined or aborted the payment.
	OrderStatusFailed OrderStatus = "failed"
	// OrderStatusCancelled indicates the order was abandoned before payment.
	OrderStatusCancelled OrderStatus = "cancelled"
	// OrderStatusRefunded indicates a completed order was disputed or charged back.
	OrderStatusRefunded OrderStatus = "refunded"
)

// IsTerminal reports whether the order has left pending.
func (s OrderStatus) IsTerminal() bool {
	return s != OrderStatusPending
}

// Order is a customer purchase. Monetary fields are fixed at creation and never rewritten.
type Order struct {
	ID                   string
	UserID               string
	Number               string
	Currency             string
	Subtotal             Money
	DiscountAmount       Money
	Total                Money
	DiscountCode         string
	Status               OrderStatus
	Provider             string
	GatewayTransactionID string
	FailureReason        string
	Billing              BillingContact
	Flags                []OrderFlag
	Diagnostics          OrderDiagnostics
	Items                []OrderItem
	CreatedAt            time.Time
	UpdatedAt            time.Time
	CompletedAt          *time.Time
	Version              int
}

// HasFlag reports whether an order carries the supplied flag code.
func (o Order) HasFlag(code OrderFlagCode) bool {
	for _, flag := range o.Flags {
		if flag.Code == code {
			return true
		}
	}
	return false
}

// OrderItem is an order line with its price captured at creation time.
type OrderItem struct {
	ID              string
	OrderID         string
	PackageID       string
	PackageName     string
	CommandTemplate string
	Quantity        int
	UnitPrice       Money
	Total           Money
}

// HasCommands reports whether the line produces fulfillment work.
func (i OrderItem) HasCommands() bool {
	return i.Quantity > 0 && strings.TrimSpace(i.CommandTemplate) != ""
}

// BillingContact stores the purchaser's contact fields supplied at checkout.
type BillingContact struct {
	Name    string
	Email   string
	Country string
}

// OrderFlagCode enumerates operator-visible order conditions.
type OrderFlagCode string

const (
	// OrderFlagUnresolvedIdentity marks a paid order whose purchaser has no in-game username.
	OrderFlagUnresolvedIdentity OrderFlagCode = "unresolved_identity"
)

// OrderFlag is an actionable condition attached to an order.
type OrderFlag struct {
	Code     OrderFlagCode `json:"code"`
	Message  string        `json:"message"`
	RaisedAt time.Time     `json:"raisedAt"`
}

// OrderDiagnostics holds gateway-provided details. Known fields are typed; anything else is
// preserved as an opaque blob for support tooling.
type OrderDiagnostics struct {
	Gateway *GatewayDiagnostics `json:"gateway,omitempty"`
	Opaque  json.RawMessage     `json:"opaque,omitempty"`
}

// GatewayDiagnostics are the normalised fields adapters extract from gateway payloads.
type GatewayDiagnostics struct {
	Provider      string `json:"provider,omitempty"`
	EventType     string `json:"eventType,omitempty"`
	FeeAmount     *Money `json:"feeAmount,omitempty"`
	PaymentMethod string `json:"paymentMethod,omitempty"`
	RiskLevel     string `json:"riskLevel,omitempty"`
}

// OrderView is the denormalised projection of an order served to storefront clients.
type OrderView struct {
	OrderID        string
	Number         string
	UserID         string
	Status         OrderStatus
	Currency       string
	Total          Money
	FailureReason  string
	Flags          []OrderFlagCode
	CommandsQueued int
	Version        int
	UpdatedAt      time.Time
}

// ViewOf builds the read-model projection for an order.
func ViewOf(order Order, commandsQueued int) OrderView {
	flags := make([]OrderFlagCode, 0, len(order.Flags))
	for _, flag := range order.Flags {
		flags = append(flags, flag.Code)
	}
	return OrderView{
		OrderID:        order.ID,
		Number:         order.Number,
		UserID:         order.UserID,
		Status:         order.Status,
		Currency:       order.Currency,
		Total:          order.Total,
		FailureReason:  order.FailureReason,
		Flags:          flags,
		CommandsQueued: commandsQueued,
		Version:        order.Version,
		UpdatedAt:      order.UpdatedAt,
	}
}
