package services

import (
	"context"
	"errors"
	"maps"
	"sort"
	"sync"
	"time"

	domain "github.com/minestore/api/internal/domain"
	"github.com/minestore/api/internal/repositories"
)

type testRepoError struct {
	msg         string
	notFound    bool
	conflict    bool
	unavailable bool
}

func (e *testRepoError) Error() string       { return e.msg }
func (e *testRepoError) IsNotFound() bool    { return e.notFound }
func (e *testRepoError) IsConflict() bool    { return e.conflict }
func (e *testRepoError) IsUnavailable() bool { return e.unavailable }

func errNotFound(msg string) error { return &testRepoError{msg: msg, notFound: true} }
func errConflict(msg string) error { return &testRepoError{msg: msg, conflict: true} }

type txKey struct{}

// memStore is an in-memory system of record. RunInTx snapshots every table and restores it when
// fn fails, so rollback behaviour can be asserted.
type memStore struct {
	mu sync.Mutex

	packages  map[string]domain.StorePackage
	discounts map[string]domain.DiscountCode
	orders    map[string]domain.Order
	events    map[string]domain.PaymentEvent
	workItems map[string]domain.WorkItem
	players   map[string]string
	audit     []domain.AdminAuditEntry

	// hooks
	insertOrderFn     func(domain.Order) error
	insertWorkItemsFn func([]domain.WorkItem) error
	playerErr         error
	txCount           int
}

func newMemStore() *memStore {
	return &memStore{
		packages:  map[string]domain.StorePackage{},
		discounts: map[string]domain.DiscountCode{},
		orders:    map[string]domain.Order{},
		events:    map[string]domain.PaymentEvent{},
		workItems: map[string]domain.WorkItem{},
		players:   map[string]string{},
	}
}

var (
	_ repositories.UnitOfWork             = (*memStore)(nil)
	_ repositories.CatalogRepository      = (*memStore)(nil)
	_ repositories.PlayerDirectory        = (*memStore)(nil)
	_ repositories.AuditLogRepository     = (*memStore)(nil)
	_ repositories.OrderRepository        = memOrders{}
	_ repositories.PaymentEventRepository = memEvents{}
	_ repositories.WorkItemRepository     = memWorkItems{}
)

func (m *memStore) RunInTx(ctx context.Context, fn func(context.Context) error) error {
	if ctx.Value(txKey{}) != nil {
		return fn(ctx)
	}
	m.mu.Lock()
	m.txCount++
	snapshot := struct {
		discounts map[string]domain.DiscountCode
		orders    map[string]domain.Order
		events    map[string]domain.PaymentEvent
		workItems map[string]domain.WorkItem
	}{maps.Clone(m.discounts), maps.Clone(m.orders), maps.Clone(m.events), maps.Clone(m.workItems)}
	m.mu.Unlock()

	if err := fn(context.WithValue(ctx, txKey{}, true)); err != nil {
		m.mu.Lock()
		m.discounts, m.orders, m.events, m.workItems = snapshot.discounts, snapshot.orders, snapshot.events, snapshot.workItems
		m.mu.Unlock()
		return err
	}
	return nil
}

// Catalog

func (m *memStore) FindPackages(_ context.Context, ids []string) ([]domain.StorePackage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.StorePackage
	for _, id := range ids {
		if pkg, ok := m.packages[id]; ok {
			out = append(out, pkg)
		}
	}
	return out, nil
}

func (m *memStore) FindDiscount(_ context.Context, code string) (domain.DiscountCode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	discount, ok := m.discounts[code]
	if !ok {
		return domain.DiscountCode{}, errNotFound("discount " + code)
	}
	return discount, nil
}

func (m *memStore) RedeemDiscount(_ context.Context, code string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	discount, ok := m.discounts[code]
	if !ok || !discount.ValidAt(at) {
		return errConflict("discount " + code + " exhausted")
	}
	discount.Uses++
	m.discounts[code] = discount
	return nil
}

// Players

func (m *memStore) ResolveUsername(_ context.Context, userID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.playerErr != nil {
		return "", m.playerErr
	}
	name, ok := m.players[userID]
	if !ok {
		return "", errNotFound("player " + userID)
	}
	return name, nil
}

// Audit

func (m *memStore) Append(_ context.Context, entry domain.AdminAuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audit = append(m.audit, entry)
	return nil
}

func (m *memStore) ListByTarget(_ context.Context, targetType, targetID string) ([]domain.AdminAuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.AdminAuditEntry
	for _, entry := range m.audit {
		if entry.TargetType == targetType && entry.TargetID == targetID {
			out = append(out, entry)
		}
	}
	return out, nil
}

// Orders

type memOrders struct{ *memStore }

func (m *memStore) Orders() memOrders { return memOrders{m} }

func (r memOrders) Insert(_ context.Context, order domain.Order) error {
	if r.insertOrderFn != nil {
		if err := r.insertOrderFn(order); err != nil {
			return err
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.orders {
		if existing.Number == order.Number {
			return errConflict("order number " + order.Number)
		}
	}
	r.orders[order.ID] = order
	return nil
}

func (r memOrders) FindByID(_ context.Context, orderID string) (domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	order, ok := r.orders[orderID]
	if !ok {
		return domain.Order{}, errNotFound("order " + orderID)
	}
	return order, nil
}

func (r memOrders) LockForTransition(ctx context.Context, lookup repositories.OrderLookup) (domain.Order, error) {
	if ctx.Value(txKey{}) == nil {
		return domain.Order{}, errors.New("LockForTransition requires a transaction")
	}
	if lookup.OrderID != "" {
		return r.FindByID(ctx, lookup.OrderID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, order := range r.orders {
		if lookup.GatewayTransactionID != "" && order.Provider == lookup.Provider && order.GatewayTransactionID == lookup.GatewayTransactionID {
			return order, nil
		}
	}
	return domain.Order{}, errNotFound("order by transaction")
}

func (r memOrders) UpdateStatus(_ context.Context, update repositories.OrderStatusUpdate) (domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	order, ok := r.orders[update.OrderID]
	if !ok || order.Status != update.From {
		return domain.Order{}, errConflict("order moved")
	}
	order.Status = update.To
	if update.Provider != "" {
		order.Provider = update.Provider
	}
	if update.GatewayTransactionID != "" {
		order.GatewayTransactionID = update.GatewayTransactionID
	}
	if update.FailureReason != "" {
		order.FailureReason = update.FailureReason
	}
	if update.Diagnostics.Gateway != nil || len(update.Diagnostics.Opaque) > 0 {
		order.Diagnostics = update.Diagnostics
	}
	order.Flags = append(append([]domain.OrderFlag(nil), order.Flags...), update.AddFlags...)
	if update.CompletedAt != nil {
		order.CompletedAt = update.CompletedAt
	}
	order.UpdatedAt = update.UpdatedAt
	order.Version++
	r.orders[order.ID] = order
	return order, nil
}

func (r memOrders) ClearFlag(_ context.Context, orderID string, code domain.OrderFlagCode, updatedAt time.Time) (domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	order, ok := r.orders[orderID]
	if !ok {
		return domain.Order{}, errNotFound("order " + orderID)
	}
	kept := []domain.OrderFlag{}
	for _, flag := range order.Flags {
		if flag.Code != code {
			kept = append(kept, flag)
		}
	}
	order.Flags = kept
	order.UpdatedAt = updatedAt
	order.Version++
	r.orders[order.ID] = order
	return order, nil
}

func (r memOrders) ListPendingBefore(_ context.Context, cutoff time.Time, limit int) ([]domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Order
	for _, order := range r.orders {
		if order.Status == domain.OrderStatusPending && order.CreatedAt.Before(cutoff) {
			out = append(out, order)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Payment events

type memEvents struct{ *memStore }

func (m *memStore) Events() memEvents { return memEvents{m} }

func (r memEvents) Insert(_ context.Context, event domain.PaymentEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.events {
		if existing.Provider == event.Provider && existing.ProviderEventID == event.ProviderEventID {
			return errConflict("payment event exists")
		}
	}
	r.events[event.ID] = event
	return nil
}

func (r memEvents) SetResult(_ context.Context, eventID, orderID string, result domain.PaymentEventResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	event, ok := r.events[eventID]
	if !ok {
		return errNotFound("event " + eventID)
	}
	event.Result = result
	if orderID != "" {
		event.OrderID = orderID
	}
	r.events[eventID] = event
	return nil
}

func (r memEvents) ListByOrder(_ context.Context, orderID string) ([]domain.PaymentEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.PaymentEvent
	for _, event := range r.events {
		if event.OrderID == orderID {
			out = append(out, event)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) eventCount(provider, providerEventID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, event := range m.events {
		if event.Provider == provider && event.ProviderEventID == providerEventID {
			count++
		}
	}
	return count
}

// Work items

type memWorkItems struct{ *memStore }

func (m *memStore) WorkItems() memWorkItems { return memWorkItems{m} }

func (r memWorkItems) InsertBatch(_ context.Context, items []domain.WorkItem) error {
	if r.insertWorkItemsFn != nil {
		if err := r.insertWorkItemsFn(items); err != nil {
			return err
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, item := range items {
		r.workItems[item.ID] = item
	}
	return nil
}

func (r memWorkItems) FindByID(_ context.Context, itemID string) (domain.WorkItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	item, ok := r.workItems[itemID]
	if !ok {
		return domain.WorkItem{}, errNotFound("work item " + itemID)
	}
	return item, nil
}

func (r memWorkItems) sorted(filter func(domain.WorkItem) bool) []domain.WorkItem {
	var out []domain.WorkItem
	for _, item := range r.workItems {
		if filter(item) {
			out = append(out, item)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (r memWorkItems) ListByOrder(_ context.Context, orderID string) ([]domain.WorkItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sorted(func(item domain.WorkItem) bool { return item.OrderID == orderID }), nil
}

func (r memWorkItems) ListByStatus(_ context.Context, status domain.WorkItemStatus, pager domain.Pagination) (domain.CursorPage[domain.WorkItem], error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	items := r.sorted(func(item domain.WorkItem) bool { return item.Status == status })
	if pager.PageSize > 0 && len(items) > pager.PageSize {
		return domain.CursorPage[domain.WorkItem]{Items: items[:pager.PageSize], NextPageToken: items[pager.PageSize].ID}, nil
	}
	return domain.CursorPage[domain.WorkItem]{Items: items}, nil
}

func (r memWorkItems) Claim(_ context.Context, claim repositories.WorkItemClaim) ([]domain.WorkItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	pending := r.sorted(func(item domain.WorkItem) bool { return item.Status == domain.WorkItemPending })
	if len(pending) > claim.Limit {
		pending = pending[:claim.Limit]
	}
	lease := claim.LeaseUntil
	for i := range pending {
		pending[i].Status = domain.WorkItemInProgress
		pending[i].ClaimToken = claim.Token
		pending[i].ClaimedBy = claim.ExecutorID
		pending[i].ClaimExpiresAt = &lease
		pending[i].UpdatedAt = claim.Now
		r.workItems[pending[i].ID] = pending[i]
	}
	return pending, nil
}

func (r memWorkItems) Complete(_ context.Context, itemID, token string, now time.Time) (domain.WorkItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	item, ok := r.workItems[itemID]
	if !ok {
		return domain.WorkItem{}, errNotFound("work item " + itemID)
	}
	if item.Status != domain.WorkItemInProgress || item.ClaimToken != token {
		return domain.WorkItem{}, errConflict("lease mismatch")
	}
	item.Status = domain.WorkItemCompleted
	item.ExecutedAt = &now
	item.ClaimExpiresAt = nil
	item.UpdatedAt = now
	r.workItems[itemID] = item
	return item, nil
}

func (r memWorkItems) fail(item domain.WorkItem, message string, now time.Time) domain.WorkItem {
	item.Attempts++
	if item.Attempts >= item.MaxAttempts {
		item.Status = domain.WorkItemFailed
	} else {
		item.Status = domain.WorkItemPending
	}
	item.ClaimToken = ""
	item.ClaimedBy = ""
	item.ClaimExpiresAt = nil
	item.LastError = message
	item.UpdatedAt = now
	return item
}

func (r memWorkItems) RecordFailure(_ context.Context, failure repositories.WorkItemFailure) (domain.WorkItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	item, ok := r.workItems[failure.ItemID]
	if !ok {
		return domain.WorkItem{}, errNotFound("work item " + failure.ItemID)
	}
	if item.Status != domain.WorkItemInProgress || item.ClaimToken != failure.Token {
		return domain.WorkItem{}, errConflict("lease mismatch")
	}
	item = r.fail(item, failure.Error, failure.Now)
	r.workItems[item.ID] = item
	return item, nil
}

func (r memWorkItems) Reset(_ context.Context, itemID string, now time.Time) (domain.WorkItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	item, ok := r.workItems[itemID]
	if !ok {
		return domain.WorkItem{}, errNotFound("work item " + itemID)
	}
	if item.Status != domain.WorkItemFailed {
		return domain.WorkItem{}, errConflict("not failed")
	}
	item.Status = domain.WorkItemPending
	item.Attempts = 0
	item.LastError = ""
	item.UpdatedAt = now
	r.workItems[itemID] = item
	return item, nil
}

func (r memWorkItems) ReleaseExpired(_ context.Context, now time.Time, limit int) ([]domain.WorkItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	expired := r.sorted(func(item domain.WorkItem) bool {
		return item.Status == domain.WorkItemInProgress && item.ClaimExpiresAt != nil && !item.ClaimExpiresAt.After(now)
	})
	if len(expired) > limit {
		expired = expired[:limit]
	}
	for i := range expired {
		expired[i] = r.fail(expired[i], "lease expired", now)
		r.workItems[expired[i].ID] = expired[i]
	}
	return expired, nil
}

// Collaborator stubs

type stubPublisher struct {
	events []OrderEvent
	err    error
}

func (s *stubPublisher) PublishOrderEvent(_ context.Context, event OrderEvent) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	s.events = append(s.events, event)
	return event.OrderID, nil
}

type stubProjector struct {
	views []domain.OrderView
}

func (s *stubProjector) Project(_ context.Context, view domain.OrderView) error {
	s.views = append(s.views, view)
	return nil
}

type logEntry struct {
	event  string
	fields map[string]any
}

type captureLogger struct {
	mu      sync.Mutex
	entries []logEntry
}

func (c *captureLogger) log(_ context.Context, event string, fields map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, logEntry{event: event, fields: fields})
}

func (c *captureLogger) has(event string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, entry := range c.entries {
		if entry.event == event {
			return true
		}
	}
	return false
}

func sequentialIDs(prefix string) func() string {
	var mu sync.Mutex
	n := 0
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return prefix + string(rune('A'+(n/26)%26)) + string(rune('A'+n%26))
	}
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func int64Ptr(v int64) *int64 { return &v }
