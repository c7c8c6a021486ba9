// Package webhooks notifies institution endpoints about proctoring outcomes.
//
// Administrators register HTTPS endpoints per exam; the engine fires
// session.flagged and session.terminated events at them so an institution's
// own systems (LMS, incident tooling) learn about integrity failures without
// polling. Delivery is best-effort with retry and HMAC-signed payloads;
// the session record stays the source of truth.
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/invigil/invigil/internal/retry"
	"github.com/invigil/invigil/internal/security"
)

// EventType represents the type of webhook event.
type EventType string

const (
	// EventSessionFlagged fires when a session's score crosses the flag tier.
	EventSessionFlagged EventType = "session.flagged"
	// EventSessionTerminated fires when a session is terminated for any reason.
	EventSessionTerminated EventType = "session.terminated"
)

// ValidEventType reports whether a subscription may subscribe to this type.
func ValidEventType(t EventType) bool {
	return t == EventSessionFlagged || t == EventSessionTerminated
}

// Event is one delivered notification.
type Event struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	ExamID    string                 `json:"examId"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// MaxConsecutiveFailures deactivates a subscription that never succeeds,
// so a dead endpoint stops consuming delivery attempts.
const MaxConsecutiveFailures = 10

// Subscription is one registered endpoint for one exam.
type Subscription struct {
	ID                  string      `json:"id"`
	ExamID              string      `json:"examId"`
	URL                 string      `json:"url"`
	Secret              string      `json:"-"` // HMAC signing key, shown once
	Events              []EventType `json:"events"`
	Active              bool        `json:"active"`
	CreatedAt           time.Time   `json:"createdAt"`
	LastSuccess         *time.Time  `json:"lastSuccess,omitempty"`
	LastError           string      `json:"lastError,omitempty"`
	ConsecutiveFailures int         `json:"consecutiveFailures"`
}

// Store persists webhook subscriptions.
type Store interface {
	Create(ctx context.Context, sub *Subscription) error
	Get(ctx context.Context, id string) (*Subscription, error)
	GetByExam(ctx context.Context, examID string) ([]*Subscription, error)
	GetByExamEvent(ctx context.Context, examID string, eventType EventType) ([]*Subscription, error)
	Update(ctx context.Context, sub *Subscription) error
	Delete(ctx context.Context, id string) error
}

// Dispatcher sends webhook events to an exam's subscribed endpoints.
type Dispatcher struct {
	store        Store
	client       *http.Client
	urlValidator func(string) error
}

// NewDispatcher creates a new webhook dispatcher.
func NewDispatcher(store Store) *Dispatcher {
	return &Dispatcher{
		store: store,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		urlValidator: security.ValidateEndpointURL,
	}
}

// DispatchToExam sends an event to every active subscription of the exam
// that includes the event's type. Sends are asynchronous; this never blocks
// on receiver latency.
func (d *Dispatcher) DispatchToExam(ctx context.Context, examID string, event *Event) error {
	subs, err := d.store.GetByExamEvent(ctx, examID, event.Type)
	if err != nil {
		return fmt.Errorf("webhooks: get subscribers: %w", err)
	}

	// Deliveries must outlive the caller: the emitting request returns (and
	// cancels its context) long before a retried HTTP delivery finishes.
	sendCtx := context.WithoutCancel(ctx)
	for _, sub := range subs {
		if !sub.Active {
			continue
		}
		go d.send(sendCtx, sub, event)
	}

	return nil
}

// deliveryTimeout bounds one delivery attempt cycle, retries included.
const deliveryTimeout = 30 * time.Second

// send delivers one event to one endpoint, retrying transient failures.
func (d *Dispatcher) send(ctx context.Context, sub *Subscription, event *Event) {
	ctx, cancel := context.WithTimeout(ctx, deliveryTimeout)
	defer cancel()

	// Re-validate at delivery time: a URL that resolved publicly at
	// registration may have been re-pointed at internal infrastructure.
	if err := d.urlValidator(sub.URL); err != nil {
		d.recordFailure(ctx, sub, fmt.Sprintf("url rejected: %v", err))
		return
	}

	payload, err := json.Marshal(event)
	if err != nil {
		d.recordFailure(ctx, sub, "failed to marshal event")
		return
	}

	err = retry.Do(ctx, 3, 500*time.Millisecond, func() error {
		return d.deliver(ctx, sub, event, payload)
	})
	if err != nil {
		d.recordFailure(ctx, sub, err.Error())
		return
	}
	d.recordSuccess(ctx, sub)
}

func (d *Dispatcher) deliver(ctx context.Context, sub *Subscription, event *Event, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(fmt.Errorf("build request: %w", err))
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Invigil-Event", string(event.Type))
	req.Header.Set("X-Invigil-Timestamp", fmt.Sprintf("%d", event.Timestamp.Unix()))
	if sub.Secret != "" {
		req.Header.Set("X-Invigil-Signature", Sign(payload, sub.Secret))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		// The receiver rejected the payload; retrying won't change that.
		return retry.Permanent(fmt.Errorf("status %d", resp.StatusCode))
	default:
		return fmt.Errorf("status %d", resp.StatusCode)
	}
}

// Sign computes the hex HMAC-SHA256 signature receivers verify.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

func (d *Dispatcher) recordSuccess(ctx context.Context, sub *Subscription) {
	now := time.Now()
	sub.LastSuccess = &now
	sub.LastError = ""
	sub.ConsecutiveFailures = 0
	_ = d.store.Update(ctx, sub)
}

func (d *Dispatcher) recordFailure(ctx context.Context, sub *Subscription, errMsg string) {
	sub.LastError = errMsg
	sub.ConsecutiveFailures++
	if sub.ConsecutiveFailures >= MaxConsecutiveFailures {
		sub.Active = false
	}
	_ = d.store.Update(ctx, sub)
}

// MemoryStore is an in-memory subscription store for demo/development mode.
type MemoryStore struct {
	subs map[string]*Subscription
	mu   sync.RWMutex
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		subs: make(map[string]*Subscription),
	}
}

func (m *MemoryStore) Create(_ context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *sub
	m.subs[sub.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if sub, ok := m.subs[id]; ok {
		cp := *sub
		return &cp, nil
	}
	return nil, fmt.Errorf("webhooks: subscription not found")
}

func (m *MemoryStore) GetByExam(_ context.Context, examID string) ([]*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Subscription
	for _, sub := range m.subs {
		if sub.ExamID == examID {
			cp := *sub
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (m *MemoryStore) GetByExamEvent(_ context.Context, examID string, eventType EventType) ([]*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Subscription
	for _, sub := range m.subs {
		if sub.ExamID != examID {
			continue
		}
		for _, et := range sub.Events {
			if et == eventType {
				cp := *sub
				result = append(result, &cp)
				break
			}
		}
	}
	return result, nil
}

func (m *MemoryStore) Update(_ context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *sub
	m.subs[sub.ID] = &cp
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subs, id)
	return nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
