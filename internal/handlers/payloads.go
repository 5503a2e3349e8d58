package handlers

import (
	domain "github.com/minestore/api/internal/domain"
	"github.com/minestore/api/internal/services"
)

type moneyPayload struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	Display  string `json:"display"`
}

func money(amount domain.Money, currency string) moneyPayload {
	return moneyPayload{Amount: amount, Currency: currency, Display: domain.FormatMinor(amount)}
}

type quoteLinePayload struct {
	PackageID string       `json:"packageId"`
	Name      string       `json:"name"`
	Quantity  int          `json:"quantity"`
	UnitPrice moneyPayload `json:"unitPrice"`
	Total     moneyPayload `json:"total"`
}

type discountPayload struct {
	Code   string       `json:"code"`
	Type   string       `json:"type"`
	Value  int64        `json:"value"`
	Amount moneyPayload `json:"amount"`
}

type quotePayload struct {
	Currency       string             `json:"currency"`
	Lines          []quoteLinePayload `json:"lines"`
	Subtotal       moneyPayload       `json:"subtotal"`
	DiscountAmount moneyPayload       `json:"discountAmount"`
	Total          moneyPayload       `json:"total"`
	Discount       *discountPayload   `json:"discount,omitempty"`
}

func buildQuotePayload(quote services.Quote) quotePayload {
	payload := quotePayload{
		Currency:       quote.Currency,
		Lines:          make([]quoteLinePayload, 0, len(quote.Lines)),
		Subtotal:       money(quote.Subtotal, quote.Currency),
		DiscountAmount: money(quote.DiscountAmount, quote.Currency),
		Total:          money(quote.Total, quote.Currency),
	}
	for _, line := range quote.Lines {
		payload.Lines = append(payload.Lines, quoteLinePayload{
			PackageID: line.PackageID,
			Name:      line.Name,
			Quantity:  line.Quantity,
			UnitPrice: money(line.UnitPrice, quote.Currency),
			Total:     money(line.Total, quote.Currency),
		})
	}
	if quote.Discount != nil {
		payload.Discount = &discountPayload{
			Code:   quote.Discount.Code,
			Type:   string(quote.Discount.Type),
			Value:  quote.Discount.Value,
			Amount: money(quote.Discount.Amount, quote.Currency),
		}
	}
	return payload
}

type orderItemPayload struct {
	ID          string       `json:"id"`
	PackageID   string       `json:"packageId"`
	PackageName string       `json:"packageName"`
	Quantity    int          `json:"quantity"`
	UnitPrice   moneyPayload `json:"unitPrice"`
	Total       moneyPayload `json:"total"`
}

type orderFlagPayload struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	RaisedAt string `json:"raisedAt"`
}

type orderPayload struct {
	ID             string             `json:"id"`
	Number         string             `json:"number"`
	Status         string             `json:"status"`
	Currency       string             `json:"currency"`
	Subtotal       moneyPayload       `json:"subtotal"`
	DiscountAmount moneyPayload       `json:"discountAmount"`
	Total          moneyPayload       `json:"total"`
	DiscountCode   string             `json:"discountCode,omitempty"`
	Provider       string             `json:"provider,omitempty"`
	FailureReason  string             `json:"failureReason,omitempty"`
	Items          []orderItemPayload `json:"items"`
	Flags          []orderFlagPayload `json:"flags,omitempty"`
	CreatedAt      string             `json:"createdAt"`
	UpdatedAt      string             `json:"updatedAt"`
	CompletedAt    string             `json:"completedAt,omitempty"`
}

func buildOrderPayload(order services.Order) orderPayload {
	payload := orderPayload{
		ID:             order.ID,
		Number:         order.Number,
		Status:         string(order.Status),
		Currency:       order.Currency,
		Subtotal:       money(order.Subtotal, order.Currency),
		DiscountAmount: money(order.DiscountAmount, order.Currency),
		Total:          money(order.Total, order.Currency),
		DiscountCode:   order.DiscountCode,
		Provider:       order.Provider,
		FailureReason:  order.FailureReason,
		Items:          make([]orderItemPayload, 0, len(order.Items)),
		CreatedAt:      formatTime(order.CreatedAt),
		UpdatedAt:      formatTime(order.UpdatedAt),
		CompletedAt:    formatTimePtr(order.CompletedAt),
	}
	for _, item := range order.Items {
		payload.Items = append(payload.Items, orderItemPayload{
			ID:          item.ID,
			PackageID:   item.PackageID,
			PackageName: item.PackageName,
			Quantity:    item.Quantity,
			UnitPrice:   money(item.UnitPrice, order.Currency),
			Total:       money(item.Total, order.Currency),
		})
	}
	for _, flag := range order.Flags {
		payload.Flags = append(payload.Flags, orderFlagPayload{
			Code:     string(flag.Code),
			Message:  flag.Message,
			RaisedAt: formatTime(flag.RaisedAt),
		})
	}
	return payload
}

type workItemPayload struct {
	ID             string `json:"id"`
	OrderID        string `json:"orderId"`
	PackageID      string `json:"packageId"`
	Unit           int    `json:"unit"`
	Username       string `json:"username"`
	Command        string `json:"command"`
	Status         string `json:"status"`
	Attempts       int    `json:"attempts"`
	MaxAttempts    int    `json:"maxAttempts"`
	LastError      string `json:"lastError,omitempty"`
	ClaimToken     string `json:"claimToken,omitempty"`
	ClaimExpiresAt string `json:"claimExpiresAt,omitempty"`
	CreatedAt      string `json:"createdAt"`
	ExecutedAt     string `json:"executedAt,omitempty"`
}

// buildWorkItemPayload omits the claim token unless withToken is set; only the claiming
// executor ever sees it.
func buildWorkItemPayload(item services.WorkItem, withToken bool) workItemPayload {
	payload := workItemPayload{
		ID:             item.ID,
		OrderID:        item.OrderID,
		PackageID:      item.PackageID,
		Unit:           item.Unit,
		Username:       item.Username,
		Command:        item.Command,
		Status:         string(item.Status),
		Attempts:       item.Attempts,
		MaxAttempts:    item.MaxAttempts,
		LastError:      item.LastError,
		ClaimExpiresAt: formatTimePtr(item.ClaimExpiresAt),
		CreatedAt:      formatTime(item.CreatedAt),
		ExecutedAt:     formatTimePtr(item.ExecutedAt),
	}
	if withToken {
		payload.ClaimToken = item.ClaimToken
	}
	return payload
}

func buildWorkItemPayloads(items []services.WorkItem, withToken bool) []workItemPayload {
	out := make([]workItemPayload, 0, len(items))
	for _, item := range items {
		out = append(out, buildWorkItemPayload(item, withToken))
	}
	return out
}

type paymentEventPayload struct {
	ID              string `json:"id"`
	Provider        string `json:"provider"`
	ProviderEventID string `json:"providerEventId"`
	EventType       string `json:"eventType"`
	Outcome         string `json:"outcome"`
	Result          string `json:"result"`
	ReceivedAt      string `json:"receivedAt"`
}

func buildPaymentEventPayloads(events []services.PaymentEvent) []paymentEventPayload {
	out := make([]paymentEventPayload, 0, len(events))
	for _, event := range events {
		out = append(out, paymentEventPayload{
			ID:              event.ID,
			Provider:        event.Provider,
			ProviderEventID: event.ProviderEventID,
			EventType:       event.EventType,
			Outcome:         string(event.Outcome),
			Result:          string(event.Result),
			ReceivedAt:      formatTime(event.ReceivedAt),
		})
	}
	return out
}
