package webhooks

import (
	"context"
	"crypto/hmac"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

// noopValidator allows any URL (including loopback) for test servers.
func noopValidator(_ string) error { return nil }

// newTestDispatcher creates a dispatcher that skips SSRF checks so it can
// reach localhost test servers.
func newTestDispatcher(store Store) *Dispatcher {
	d := NewDispatcher(store)
	d.urlValidator = noopValidator
	return d
}

func testSubscription(id, examID, url string, events ...EventType) *Subscription {
	if len(events) == 0 {
		events = []EventType{EventSessionFlagged, EventSessionTerminated}
	}
	return &Subscription{
		ID:        id,
		ExamID:    examID,
		URL:       url,
		Secret:    "secret123",
		Events:    events,
		Active:    true,
		CreatedAt: time.Now(),
	}
}

// ---------------------------------------------------------------------------
// MemoryStore
// ---------------------------------------------------------------------------

func TestMemoryStore_CRUD(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	sub := testSubscription("whk_1", "exam_1", "https://example.com/hook")
	if err := store.Create(ctx, sub); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	got, err := store.Get(ctx, "whk_1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.URL != "https://example.com/hook" {
		t.Errorf("URL = %s", got.URL)
	}

	got.Active = false
	if err := store.Update(ctx, got); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	got, _ = store.Get(ctx, "whk_1")
	if got.Active {
		t.Error("Update did not persist")
	}

	if err := store.Delete(ctx, "whk_1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := store.Get(ctx, "whk_1"); err == nil {
		t.Error("Get after Delete should fail")
	}
}

func TestMemoryStore_GetByExamEvent(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	_ = store.Create(ctx, testSubscription("whk_1", "exam_1", "https://a.example.com", EventSessionFlagged))
	_ = store.Create(ctx, testSubscription("whk_2", "exam_1", "https://b.example.com", EventSessionTerminated))
	_ = store.Create(ctx, testSubscription("whk_3", "exam_2", "https://c.example.com", EventSessionFlagged))

	subs, err := store.GetByExamEvent(ctx, "exam_1", EventSessionFlagged)
	if err != nil {
		t.Fatalf("GetByExamEvent failed: %v", err)
	}
	if len(subs) != 1 || subs[0].ID != "whk_1" {
		t.Errorf("got %d subs, want exactly whk_1", len(subs))
	}
}

// ---------------------------------------------------------------------------
// Dispatch and signing
// ---------------------------------------------------------------------------

func TestDispatchToExam_DeliversSignedPayload(t *testing.T) {
	received := make(chan *http.Request, 1)
	var body atomic.Value

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		body.Store(b)
		received <- r.Clone(context.Background())
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := NewMemoryStore()
	_ = store.Create(context.Background(), testSubscription("whk_1", "exam_1", srv.URL, EventSessionTerminated))
	d := newTestDispatcher(store)

	event := &Event{
		ID:        "whe_1",
		Type:      EventSessionTerminated,
		ExamID:    "exam_1",
		Timestamp: time.Now(),
		Data:      map[string]interface{}{"sessionId": "sess_1", "reason": "risk_threshold"},
	}
	if err := d.DispatchToExam(context.Background(), "exam_1", event); err != nil {
		t.Fatalf("DispatchToExam failed: %v", err)
	}

	select {
	case req := <-received:
		if got := req.Header.Get("X-Invigil-Event"); got != string(EventSessionTerminated) {
			t.Errorf("event header = %s", got)
		}
		payload := body.Load().([]byte)

		want := Sign(payload, "secret123")
		if got := req.Header.Get("X-Invigil-Signature"); !hmac.Equal([]byte(got), []byte(want)) {
			t.Errorf("signature mismatch: got %s want %s", got, want)
		}

		var delivered Event
		if err := json.Unmarshal(payload, &delivered); err != nil {
			t.Fatalf("payload not valid JSON: %v", err)
		}
		if delivered.Data["reason"] != "risk_threshold" {
			t.Errorf("reason = %v", delivered.Data["reason"])
		}
	case <-time.After(3 * time.Second):
		t.Fatal("webhook was never delivered")
	}

	// Delivery bookkeeping lands asynchronously.
	deadline := time.Now().Add(2 * time.Second)
	for {
		sub, _ := store.Get(context.Background(), "whk_1")
		if sub.LastSuccess != nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("LastSuccess never recorded")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestDispatchToExam_SkipsOtherExams(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := NewMemoryStore()
	_ = store.Create(context.Background(), testSubscription("whk_other", "exam_2", srv.URL))
	d := newTestDispatcher(store)

	event := &Event{ID: "whe_1", Type: EventSessionFlagged, ExamID: "exam_1", Timestamp: time.Now()}
	if err := d.DispatchToExam(context.Background(), "exam_1", event); err != nil {
		t.Fatalf("DispatchToExam failed: %v", err)
	}

	time.Sleep(200 * time.Millisecond)
	if hits.Load() != 0 {
		t.Errorf("subscription of another exam received %d deliveries", hits.Load())
	}
}

func TestDispatchToExam_DeliveryOutlivesCallerContext(t *testing.T) {
	received := make(chan struct{}, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Slower than the caller, which has already moved on.
		time.Sleep(50 * time.Millisecond)
		received <- struct{}{}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := NewMemoryStore()
	_ = store.Create(context.Background(), testSubscription("whk_1", "exam_1", srv.URL, EventSessionTerminated))
	d := newTestDispatcher(store)

	// The emitting request's context is gone before delivery even starts.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	event := &Event{ID: "whe_1", Type: EventSessionTerminated, ExamID: "exam_1", Timestamp: time.Now()}
	if err := d.DispatchToExam(ctx, "exam_1", event); err != nil {
		t.Fatalf("DispatchToExam failed: %v", err)
	}

	select {
	case <-received:
	case <-time.After(3 * time.Second):
		t.Fatal("delivery was torn down with the caller's context")
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		sub, _ := store.Get(context.Background(), "whk_1")
		if sub.LastSuccess != nil {
			break
		}
		if sub.LastError != "" {
			t.Fatalf("delivery failed: %s", sub.LastError)
		}
		if time.Now().After(deadline) {
			t.Fatal("LastSuccess never recorded")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSend_ClientErrorIsNotRetried(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	store := NewMemoryStore()
	sub := testSubscription("whk_1", "exam_1", srv.URL)
	_ = store.Create(context.Background(), sub)
	d := newTestDispatcher(store)

	d.send(context.Background(), sub, &Event{
		ID: "whe_1", Type: EventSessionFlagged, ExamID: "exam_1", Timestamp: time.Now(),
	})

	if hits.Load() != 1 {
		t.Errorf("4xx response retried: %d attempts", hits.Load())
	}
	got, _ := store.Get(context.Background(), "whk_1")
	if got.LastError == "" {
		t.Error("failure was not recorded")
	}
}

func TestRecordFailure_DeactivatesDeadEndpoint(t *testing.T) {
	store := NewMemoryStore()
	sub := testSubscription("whk_1", "exam_1", "https://dead.example.com")
	_ = store.Create(context.Background(), sub)
	d := newTestDispatcher(store)

	for i := 0; i < MaxConsecutiveFailures; i++ {
		d.recordFailure(context.Background(), sub, "connection refused")
	}

	got, _ := store.Get(context.Background(), "whk_1")
	if got.Active {
		t.Errorf("subscription still active after %d consecutive failures", MaxConsecutiveFailures)
	}
}

// ---------------------------------------------------------------------------
// Emitter
// ---------------------------------------------------------------------------

func TestEmitter_NilSafe(t *testing.T) {
	var e *Emitter
	// Must not panic when no emitter is wired.
	e.EmitSessionFlagged("exam_1", "sess_1", "user_1", 70, 3)
	e.EmitSessionTerminated("exam_1", "sess_1", "user_1", "admin", 0)
}

func TestEmitter_DeliveryCompletesAfterEmitReturns(t *testing.T) {
	received := make(chan struct{}, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Outlasts the fire-and-forget emit call by a wide margin.
		time.Sleep(150 * time.Millisecond)
		received <- struct{}{}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := NewMemoryStore()
	_ = store.Create(context.Background(), testSubscription("whk_1", "exam_1", srv.URL, EventSessionTerminated))
	e := NewEmitter(newTestDispatcher(store), slog.Default())

	e.EmitSessionTerminated("exam_1", "sess_1", "user_1", "risk_threshold", 110)

	select {
	case <-received:
	case <-time.After(3 * time.Second):
		t.Fatal("delivery did not survive emit returning")
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		sub, _ := store.Get(context.Background(), "whk_1")
		if sub.LastSuccess != nil {
			break
		}
		if sub.LastError != "" {
			t.Fatalf("delivery failed: %s", sub.LastError)
		}
		if time.Now().After(deadline) {
			t.Fatal("LastSuccess never recorded")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestEmitter_DeliversToSubscriber(t *testing.T) {
	received := make(chan Event, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var ev Event
		_ = json.NewDecoder(r.Body).Decode(&ev)
		received <- ev
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := NewMemoryStore()
	_ = store.Create(context.Background(), testSubscription("whk_1", "exam_1", srv.URL, EventSessionFlagged))
	e := NewEmitter(newTestDispatcher(store), slog.Default())

	e.EmitSessionFlagged("exam_1", "sess_1", "user_1", 75, 4)

	select {
	case ev := <-received:
		if ev.Type != EventSessionFlagged {
			t.Errorf("type = %s", ev.Type)
		}
		if ev.Data["sessionId"] != "sess_1" {
			t.Errorf("sessionId = %v", ev.Data["sessionId"])
		}
		if score, ok := ev.Data["score"].(float64); !ok || int(score) != 75 {
			t.Errorf("score = %v", ev.Data["score"])
		}
	case <-time.After(3 * time.Second):
		t.Fatal("emitter never delivered")
	}
}
