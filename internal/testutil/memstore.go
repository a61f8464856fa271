// Package testutil holds an in-memory store with the same row semantics as
// supabase.DatabaseClient, for service and handler tests.
package testutil

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"image-creator-backend/internal/models"
)

type MemStore struct {
	mu sync.Mutex

	balances    map[uuid.UUID]*models.CreditBalance
	logs        []models.CreditLog
	tasks       map[string]*models.Task
	payments    map[string]*models.Payment
	paymentLogs []models.PaymentLog
	templates   map[uuid.UUID]*models.Template

	nextLogID int64
	Now       func() time.Time
}

func NewMemStore() *MemStore {
	return &MemStore{
		balances:  map[uuid.UUID]*models.CreditBalance{},
		tasks:     map[string]*models.Task{},
		payments:  map[string]*models.Payment{},
		templates: map[uuid.UUID]*models.Template{},
		Now:       time.Now,
	}
}

// SetBalance writes a user's balance without a log entry. A new row records
// credits as its initial grant; an existing row keeps the grant it has.
func (m *MemStore) SetBalance(userID uuid.UUID, credits int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.Now()
	if b, ok := m.balances[userID]; ok {
		b.Credits = credits
		b.UpdatedAt = now
		return
	}
	m.balances[userID] = &models.CreditBalance{UserID: userID, Credits: credits, InitialGrant: credits, CreatedAt: now, UpdatedAt: now}
}

func (m *MemStore) Balance(userID uuid.UUID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.balances[userID]; ok {
		return b.Credits
	}
	return 0
}

func (m *MemStore) PutPayment(p models.Payment) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = m.Now()
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = p.CreatedAt
	}
	m.payments[p.OrderNo] = &p
}

// PutTask stores a task as is, for arranging states the services would not produce.
func (m *MemStore) PutTask(t models.Task) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[t.ID] = &t
}

// Logs returns every credit log entry, in insertion order.
func (m *MemStore) Logs() []models.CreditLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.CreditLog(nil), m.logs...)
}

func (m *MemStore) PaymentLogs() []models.PaymentLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.PaymentLog(nil), m.paymentLogs...)
}

// credits

func (m *MemStore) EnsureCredits(_ context.Context, userID uuid.UUID, grant int) (*models.CreditBalance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.ensureLocked(userID, grant)
	out := *b
	return &out, nil
}

func (m *MemStore) AdjustCredits(_ context.Context, adj models.CreditAdjustment) (*models.CreditBalance, *models.CreditLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.adjustLocked(adj)
}

func (m *MemStore) ListCreditLogs(_ context.Context, userID uuid.UUID) ([]models.CreditLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.CreditLog
	for _, l := range m.logs {
		if l.UserID == userID {
			out = append(out, l)
		}
	}
	return out, nil
}

func (m *MemStore) ReconcileCredits(_ context.Context, userID uuid.UUID, grant int, decide models.ReconcileFunc) (*models.CreditBalance, *models.CreditLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.ensureLocked(userID, grant)

	var logs []models.CreditLog
	for _, l := range m.logs {
		if l.UserID == userID {
			logs = append(logs, l)
		}
	}
	adj, err := decide(*b, logs)
	if err != nil {
		return nil, nil, err
	}
	if adj == nil {
		out := *b
		return &out, nil, nil
	}
	return m.adjustLocked(*adj)
}

func (m *MemStore) RefundTask(_ context.Context, taskID string, grant int) (*models.CreditLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok || !t.CreditsDeducted || t.CreditsRefunded || !t.Status.Refundable() {
		return nil, nil
	}
	_, entry, err := m.adjustLocked(models.CreditAdjustment{
		UserID:       t.UserID,
		Delta:        t.CreditCost,
		Operation:    models.CreditOpRefund,
		Note:         "refund for task " + taskID,
		DefaultGrant: grant,
	})
	if err != nil {
		return nil, err
	}
	t.CreditsRefunded = true
	t.LockVersion++
	t.UpdatedAt = m.Now()
	return entry, nil
}

func (m *MemStore) ensureLocked(userID uuid.UUID, grant int) *models.CreditBalance {
	b, ok := m.balances[userID]
	if !ok {
		now := m.Now()
		b = &models.CreditBalance{UserID: userID, Credits: grant, InitialGrant: grant, CreatedAt: now, UpdatedAt: now}
		m.balances[userID] = b
	}
	return b
}

func (m *MemStore) adjustLocked(adj models.CreditAdjustment) (*models.CreditBalance, *models.CreditLog, error) {
	b := m.ensureLocked(adj.UserID, adj.DefaultGrant)

	if adj.Operation == models.CreditOpRecharge && adj.OrderNo != "" && m.hasRechargeLocked(adj.OrderNo) {
		return nil, nil, models.ErrDuplicateOrder
	}

	oldValue := b.Credits
	newValue := oldValue + adj.Delta
	if newValue < 0 {
		return nil, nil, models.ErrInsufficientCredits
	}

	now := m.Now()
	b.Credits = newValue
	b.UpdatedAt = now
	if adj.OrderNo != "" {
		b.LastOrderNo = sql.NullString{String: adj.OrderNo, Valid: true}
	}

	m.nextLogID++
	entry := models.CreditLog{
		ID:            m.nextLogID,
		UserID:        adj.UserID,
		OrderNo:       sql.NullString{String: adj.OrderNo, Valid: adj.OrderNo != ""},
		OperationType: adj.Operation,
		OldValue:      oldValue,
		ChangeAmount:  adj.Delta,
		NewValue:      newValue,
		Note:          adj.Note,
		CreatedAt:     now,
	}
	m.logs = append(m.logs, entry)

	out := *b
	return &out, &entry, nil
}

func (m *MemStore) hasRechargeLocked(orderNo string) bool {
	for _, l := range m.logs {
		if l.OperationType == models.CreditOpRecharge && l.OrderNo.Valid && l.OrderNo.String == orderNo {
			return true
		}
	}
	return false
}

// tasks

func (m *MemStore) CreateTaskWithDeduction(_ context.Context, task *models.Task, grant int) (*models.Task, *models.CreditBalance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	balance, _, err := m.adjustLocked(models.CreditAdjustment{
		UserID:       task.UserID,
		Delta:        -task.CreditCost,
		Operation:    models.CreditOpConsume,
		Note:         "image generation " + task.ID,
		DefaultGrant: grant,
	})
	if err != nil {
		return nil, nil, err
	}

	now := m.Now()
	t := *task
	t.Status = models.TaskStatusPending
	t.CreditsDeducted = true
	t.CreditsRefunded = false
	t.LockVersion = 0
	t.CreatedAt = now
	t.UpdatedAt = now
	m.tasks[t.ID] = &t

	out := t
	return &out, balance, nil
}

func (m *MemStore) GetTask(_ context.Context, taskID string) (*models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return nil, models.ErrNotFound
	}
	out := *t
	return &out, nil
}

func (m *MemStore) ListTasks(_ context.Context, userID uuid.UUID, limit int) ([]models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Task
	for _, t := range m.tasks {
		if t.UserID == userID {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemStore) TransitionTask(_ context.Context, taskID string, from []models.TaskStatus, to models.TaskStatus, upd models.TaskUpdate) (*models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return nil, models.ErrNotFound
	}
	allowed := false
	for _, s := range from {
		if t.Status == s {
			allowed = true
			break
		}
	}
	if !allowed {
		return nil, models.ErrInvalidTransition
	}

	now := m.Now()
	t.Status = to
	if upd.ResultURL != "" {
		t.ResultURL = sql.NullString{String: upd.ResultURL, Valid: true}
	}
	if upd.ErrorMessage != "" {
		t.ErrorMessage = sql.NullString{String: upd.ErrorMessage, Valid: true}
	}
	if upd.Progress != nil {
		t.Progress = *upd.Progress
	}
	if upd.Stage != "" {
		t.Stage = sql.NullString{String: upd.Stage, Valid: true}
	}
	if to.IsTerminal() {
		t.CompletedAt = sql.NullTime{Time: now, Valid: true}
	}
	t.UpdatedAt = now
	t.LockVersion++

	out := *t
	return &out, nil
}

func (m *MemStore) UpdateTaskProgress(_ context.Context, taskID string, version, progress int, stage string) (*models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return nil, models.ErrNotFound
	}
	if t.Status.IsTerminal() {
		return nil, models.ErrInvalidTransition
	}
	if t.LockVersion != version {
		return nil, models.ErrVersionConflict
	}

	t.Progress = progress
	if stage != "" {
		t.Stage = sql.NullString{String: stage, Valid: true}
	}
	t.UpdatedAt = m.Now()
	t.LockVersion++

	out := *t
	return &out, nil
}

func (m *MemStore) ListStaleTasks(_ context.Context, status models.TaskStatus, before time.Time, limit int) ([]models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Task
	for _, t := range m.tasks {
		if t.Status == status && t.CreatedAt.Before(before) {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemStore) ListUnrefundedTasks(_ context.Context, limit int) ([]models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Task
	for _, t := range m.tasks {
		if t.Status.Refundable() && t.CreditsDeducted && !t.CreditsRefunded {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// payments

func (m *MemStore) GetPayment(_ context.Context, orderNo string) (*models.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[orderNo]
	if !ok {
		return nil, models.ErrNotFound
	}
	out := *p
	return &out, nil
}

func (m *MemStore) HasRechargeLog(_ context.Context, orderNo string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hasRechargeLocked(orderNo), nil
}

func (m *MemStore) ConfirmPayment(_ context.Context, c models.PaymentConfirmation) (*models.ConfirmResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[c.OrderNo]
	if !ok {
		return nil, models.ErrNotFound
	}

	switch p.Status {
	case models.PaymentStatusFailed:
		return nil, models.ErrPaymentFailed
	case models.PaymentStatusPending:
		now := m.Now()
		p.Status = models.PaymentStatusSuccess
		if c.TradeNo != "" {
			p.TradeNo = sql.NullString{String: c.TradeNo, Valid: true}
		}
		if len(c.CallbackData) > 0 {
			p.CallbackData = c.CallbackData
		}
		p.PaidAt = sql.NullTime{Time: now, Valid: true}
		p.UpdatedAt = now
	}

	note := c.Note
	if note == "" {
		note = "payment " + c.OrderNo
	}
	snapshot := *p
	result := &models.ConfirmResult{Payment: &snapshot}
	_, entry, err := m.adjustLocked(models.CreditAdjustment{
		UserID:       p.UserID,
		Delta:        p.Credits,
		Operation:    models.CreditOpRecharge,
		OrderNo:      p.OrderNo,
		Note:         note,
		DefaultGrant: c.DefaultGrant,
	})
	switch {
	case errors.Is(err, models.ErrDuplicateOrder):
		result.AlreadyProcessed = true
	case err != nil:
		return nil, err
	default:
		result.Log = entry
	}
	return result, nil
}

func (m *MemStore) MarkPaymentFailed(_ context.Context, orderNo string, callback json.RawMessage) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[orderNo]
	if !ok || p.Status != models.PaymentStatusPending {
		return false, nil
	}
	p.Status = models.PaymentStatusFailed
	if len(callback) > 0 {
		p.CallbackData = callback
	}
	p.UpdatedAt = m.Now()
	return true, nil
}

func (m *MemStore) InsertPaymentLog(_ context.Context, orderNo, event string, payload json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.paymentLogs = append(m.paymentLogs, models.PaymentLog{
		ID:        int64(len(m.paymentLogs) + 1),
		OrderNo:   orderNo,
		Event:     event,
		Payload:   payload,
		CreatedAt: m.Now(),
	})
	return nil
}

func (m *MemStore) ListPaymentsSince(_ context.Context, since time.Time) ([]models.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Payment
	for _, p := range m.payments {
		if !p.CreatedAt.Before(since) {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// templates

func (m *MemStore) CreateTemplate(_ context.Context, t *models.Template) (*models.Template, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := *t
	if out.ID == uuid.Nil {
		out.ID = uuid.New()
	}
	now := m.Now()
	out.CreatedAt = now
	out.UpdatedAt = now
	m.templates[out.ID] = &out
	cp := out
	return &cp, nil
}

func (m *MemStore) GetTemplate(_ context.Context, id uuid.UUID) (*models.Template, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.templates[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	out := *t
	return &out, nil
}

func (m *MemStore) ListTemplates(_ context.Context, userID uuid.UUID) ([]models.Template, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Template
	for _, t := range m.templates {
		if t.UserID == userID || t.IsPublic {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		iOwn, jOwn := out[i].UserID == userID, out[j].UserID == userID
		if iOwn != jOwn {
			return iOwn
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}

func (m *MemStore) UpdateTemplate(_ context.Context, t *models.Template) (*models.Template, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.templates[t.ID]
	if !ok || cur.UserID != t.UserID {
		return nil, models.ErrNotFound
	}
	updated := *t
	updated.CreatedAt = cur.CreatedAt
	updated.UpdatedAt = m.Now()
	m.templates[t.ID] = &updated
	out := updated
	return &out, nil
}

func (m *MemStore) DeleteTemplate(_ context.Context, id, userID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.templates[id]
	if !ok || t.UserID != userID {
		return models.ErrNotFound
	}
	delete(m.templates, id)
	return nil
}
