// Package proctor is the gateway that every proctoring signal flows through.
//
// It ties the catalog, risk engine, consistency tracker, and session state
// machine together under a per-session lock: load, validate, score, persist
// atomically, then fan out. Real-time frames and webhooks are delivered after
// the store commit, outside the lock, so a slow receiver can never stall
// scoring.
package proctor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/invigil/invigil/internal/catalog"
	"github.com/invigil/invigil/internal/consistency"
	"github.com/invigil/invigil/internal/exam"
	"github.com/invigil/invigil/internal/idgen"
	"github.com/invigil/invigil/internal/realtime"
	"github.com/invigil/invigil/internal/risk"
	"github.com/invigil/invigil/internal/session"
	"github.com/invigil/invigil/internal/syncutil"
	"github.com/invigil/invigil/internal/traces"
	"go.opentelemetry.io/otel/codes"
)

var (
	// ErrUnknownEventKind rejects kinds absent from the catalog. The lookup
	// fails closed: a novel kind is an error, never a zero score.
	ErrUnknownEventKind = errors.New("proctor: unknown event kind")
	// ErrReservedEventKind rejects kinds only the platform may synthesize.
	ErrReservedEventKind = errors.New("proctor: reserved event kind")
)

// DefaultStartWindow is how long a created session may sit untouched before
// the watchdog expires it.
const DefaultStartWindow = 15 * time.Minute

// expireBatchSize caps how many overdue sessions one watchdog sweep handles.
const expireBatchSize = 100

// Dispatcher fans frames out to connected clients. Satisfied by
// realtime.Hub; delivery is best-effort and must never block.
type Dispatcher interface {
	SendToSession(sessionID string, frame *realtime.Frame)
	BroadcastToExam(examID string, frame *realtime.Frame)
}

// WebhookEmitter emits lifecycle events to institution endpoints.
type WebhookEmitter interface {
	EmitSessionFlagged(examID, sessionID, userID string, score, violations int)
	EmitSessionTerminated(examID, sessionID, userID, reason string, score int)
}

// TokenIssuer mints the bearer token a student uses for one session.
type TokenIssuer interface {
	IssueSessionToken(ctx context.Context, userID, sessionID string) (string, error)
}

// Service orchestrates proctoring operations. One operation per session runs
// at a time; operations on different sessions proceed in parallel.
type Service struct {
	sessions session.Store
	exams    exam.Store
	catalog  *catalog.Catalog
	engine   *risk.Engine

	hub      Dispatcher
	webhooks WebhookEmitter
	tokens   TokenIssuer

	locks       syncutil.ShardedMutex
	startWindow time.Duration
	logger      *slog.Logger
}

// NewService creates a proctoring gateway over the given stores, catalog,
// and risk engine.
func NewService(sessions session.Store, exams exam.Store, cat *catalog.Catalog, engine *risk.Engine, logger *slog.Logger) *Service {
	return &Service{
		sessions:    sessions,
		exams:       exams,
		catalog:     cat,
		engine:      engine,
		startWindow: DefaultStartWindow,
		logger:      logger,
	}
}

// WithDispatcher adds a real-time dispatcher for student and monitor frames.
func (s *Service) WithDispatcher(d Dispatcher) *Service {
	s.hub = d
	return s
}

// WithWebhookEmitter adds a webhook emitter for flag/termination events.
func (s *Service) WithWebhookEmitter(e WebhookEmitter) *Service {
	s.webhooks = e
	return s
}

// WithTokenIssuer adds a token issuer for session creation.
func (s *Service) WithTokenIssuer(t TokenIssuer) *Service {
	s.tokens = t
	return s
}

// WithStartWindow overrides how long a started session may idle before
// expiring.
func (s *Service) WithStartWindow(d time.Duration) *Service {
	if d > 0 {
		s.startWindow = d
	}
	return s
}

// ReportRequest is one client-reported suspicious event.
type ReportRequest struct {
	Kind        string
	Detail      string
	Fingerprint string
	IP          string
}

// ReportResult is the caller-visible outcome of one report.
type ReportResult struct {
	Score  int            `json:"score"`
	Tier   risk.Tier      `json:"tier"`
	Status session.Status `json:"status"`
}

// HeartbeatResult is the caller-visible outcome of one heartbeat.
type HeartbeatResult struct {
	IPChanged bool           `json:"ipChanged"`
	CurrentIP string         `json:"currentIp,omitempty"`
	Status    session.Status `json:"status"`
}

// scored is one accumulation step: the recorded event, the tier whose
// boundary it newly crossed, and the running score after it.
type scored struct {
	event *session.Event
	tier  risk.Tier
	score int
}

// outbox collects fan-out decided under the lock for delivery after it.
type outbox struct {
	sess           *session.Session
	student        []*realtime.Frame
	observers      []*realtime.Frame
	emitFlagged    bool
	emitTerminated bool
}

// ReportEvent scores one client-reported event against the session.
//
// Consistency observations synthesized from the accompanying fingerprint/IP
// are scored first, through the same path as the reported kind. A terminate
// crossing ends the session when the exam mode enforces termination;
// practice runs keep going with the screen-blank instruction only. Reports
// against a terminal session are a silent no-op returning last known state.
func (s *Service) ReportEvent(ctx context.Context, callerID, sessionID string, req ReportRequest) (_ *ReportResult, retErr error) {
	ctx, span := traces.StartSpan(ctx, "proctor.ReportEvent",
		traces.SessionID(sessionID),
		traces.EventKind(req.Kind),
	)
	defer func() {
		if retErr != nil {
			span.RecordError(retErr)
			span.SetStatus(codes.Error, retErr.Error())
		}
		span.End()
	}()

	result, out, err := s.reportEvent(ctx, callerID, sessionID, req)
	if err != nil {
		return nil, err
	}
	s.deliver(out)

	span.SetAttributes(traces.RiskScore(result.Score), traces.RiskTier(string(result.Tier)))
	eventsRecorded.WithLabelValues(req.Kind).Inc()
	if result.Tier != risk.TierNone {
		tierCrossings.WithLabelValues(string(result.Tier)).Inc()
	}
	return result, nil
}

func (s *Service) reportEvent(ctx context.Context, callerID, sessionID string, req ReportRequest) (*ReportResult, *outbox, error) {
	unlock := s.locks.Lock(sessionID)
	defer unlock()

	sess, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}
	if sess.UserID != callerID {
		return nil, nil, session.ErrNotOwner
	}
	// Terminal absorption beats input validation: a late report, valid or
	// garbage, is answered with last known state and changes nothing.
	if sess.IsTerminal() {
		return &ReportResult{Score: sess.CurrentRiskScore, Tier: risk.TierNone, Status: sess.Status}, nil, nil
	}

	points, err := s.lookupKind(req.Kind, sessionID)
	if err != nil {
		return nil, nil, err
	}

	ex, err := s.exams.Get(ctx, sess.ExamID)
	if err != nil {
		return nil, nil, err
	}
	eng := s.engineFor(ex)

	now := time.Now()
	statusBefore := sess.Status
	s.touch(sess, ex, now)

	passes := s.runConsistency(sess, eng, req.Fingerprint, req.IP, now)
	passes = append(passes, s.score(sess, eng, req.Kind, points, req.Detail, now))

	out, err := s.commit(ctx, sess, ex, eng, passes, statusBefore, now)
	if err != nil {
		return nil, nil, err
	}

	result := &ReportResult{
		Score:  sess.CurrentRiskScore,
		Tier:   highestCrossing(passes),
		Status: sess.Status,
	}
	return result, out, nil
}

// Heartbeat records liveness and runs the consistency pass. The accumulator
// runs only for synthesized observations; a heartbeat with a stable
// fingerprint and IP just bumps LastSeenAt.
func (s *Service) Heartbeat(ctx context.Context, callerID, sessionID, fingerprint, ip string) (_ *HeartbeatResult, retErr error) {
	ctx, span := traces.StartSpan(ctx, "proctor.Heartbeat", traces.SessionID(sessionID))
	defer func() {
		if retErr != nil {
			span.RecordError(retErr)
			span.SetStatus(codes.Error, retErr.Error())
		}
		span.End()
	}()

	result, out, err := s.heartbeat(ctx, callerID, sessionID, fingerprint, ip)
	if err != nil {
		return nil, err
	}
	s.deliver(out)
	return result, nil
}

func (s *Service) heartbeat(ctx context.Context, callerID, sessionID, fingerprint, ip string) (*HeartbeatResult, *outbox, error) {
	unlock := s.locks.Lock(sessionID)
	defer unlock()

	sess, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}
	if sess.UserID != callerID {
		return nil, nil, session.ErrNotOwner
	}
	if sess.IsTerminal() {
		return &HeartbeatResult{CurrentIP: sess.CurrentIP, Status: sess.Status}, nil, nil
	}

	ex, err := s.exams.Get(ctx, sess.ExamID)
	if err != nil {
		return nil, nil, err
	}
	eng := s.engineFor(ex)

	now := time.Now()
	statusBefore := sess.Status
	ipChangesBefore := sess.IPChangeCount
	s.touch(sess, ex, now)

	passes := s.runConsistency(sess, eng, fingerprint, ip, now)

	out, err := s.commit(ctx, sess, ex, eng, passes, statusBefore, now)
	if err != nil {
		return nil, nil, err
	}

	result := &HeartbeatResult{
		IPChanged: sess.IPChangeCount > ipChangesBefore,
		CurrentIP: sess.CurrentIP,
		Status:    sess.Status,
	}
	return result, out, nil
}

// Submit hands the exam in. A second submit and submitting an already-ended
// session are errors, not no-ops: the student needs to know their submission
// did not land.
func (s *Service) Submit(ctx context.Context, callerID, sessionID string) (_ *session.Session, retErr error) {
	ctx, span := traces.StartSpan(ctx, "proctor.Submit", traces.SessionID(sessionID))
	defer func() {
		if retErr != nil {
			span.RecordError(retErr)
			span.SetStatus(codes.Error, retErr.Error())
		}
		span.End()
	}()

	sess, out, err := s.submit(ctx, callerID, sessionID)
	if err != nil {
		return nil, err
	}
	s.deliver(out)
	return sess, nil
}

func (s *Service) submit(ctx context.Context, callerID, sessionID string) (*session.Session, *outbox, error) {
	unlock := s.locks.Lock(sessionID)
	defer unlock()

	sess, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}
	if sess.UserID != callerID {
		return nil, nil, session.ErrNotOwner
	}

	if err := sess.Submit(time.Now()); err != nil {
		return nil, nil, err
	}
	if err := s.sessions.Update(ctx, sess); err != nil {
		return nil, nil, err
	}

	out := &outbox{sess: sess}
	out.observers = append(out.observers, realtime.NewSessionUpdate(
		sess.ID, string(sess.Status), sess.CurrentRiskScore, sess.TotalViolations))
	return sess, out, nil
}

// Terminate force-ends a session on behalf of the exam's administrator. The
// accumulator is skipped entirely; note is recorded on the audit event.
// Terminating an already-terminal session is an idempotent no-op returning
// the record, so racing an in-flight risk termination is harmless.
func (s *Service) Terminate(ctx context.Context, adminID, sessionID, note string) (_ *session.Session, retErr error) {
	ctx, span := traces.StartSpan(ctx, "proctor.Terminate", traces.SessionID(sessionID))
	defer func() {
		if retErr != nil {
			span.RecordError(retErr)
			span.SetStatus(codes.Error, retErr.Error())
		}
		span.End()
	}()

	sess, out, err := s.terminate(ctx, adminID, sessionID, note)
	if err != nil {
		return nil, err
	}
	s.deliver(out)
	return sess, nil
}

func (s *Service) terminate(ctx context.Context, adminID, sessionID, note string) (*session.Session, *outbox, error) {
	unlock := s.locks.Lock(sessionID)
	defer unlock()

	sess, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}
	ex, err := s.exams.Get(ctx, sess.ExamID)
	if err != nil {
		return nil, nil, err
	}
	if ex.AdminID != adminID {
		return nil, nil, session.ErrNotOwner
	}
	if sess.IsTerminal() {
		return sess, nil, nil
	}

	now := time.Now()
	if err := sess.Terminate(session.ReasonAdmin, true, now); err != nil {
		return nil, nil, err
	}

	detail := "terminated by administrator"
	if note != "" {
		detail = note
	}
	audit := s.auditEvent(sess, detail, now)
	if err := s.sessions.RecordViolation(ctx, sess, []*session.Event{audit}); err != nil {
		return nil, nil, err
	}
	terminations.WithLabelValues(session.ReasonAdmin).Inc()

	out := &outbox{sess: sess, emitTerminated: true}
	out.student = append(out.student, realtime.NewSessionTerminated(session.ReasonAdmin))
	out.observers = append(out.observers, realtime.NewSessionUpdate(
		sess.ID, string(sess.Status), sess.CurrentRiskScore, sess.TotalViolations))
	return sess, out, nil
}

// Snapshot returns the exam's active sessions for a monitor:init frame.
// Satisfies realtime.SnapshotSource.
func (s *Service) Snapshot(ctx context.Context, examID string) ([]realtime.SessionSummary, error) {
	active, err := s.sessions.ListActiveByExam(ctx, examID)
	if err != nil {
		return nil, err
	}

	summaries := make([]realtime.SessionSummary, 0, len(active))
	for _, sess := range active {
		summaries = append(summaries, realtime.SessionSummary{
			SessionID:  sess.ID,
			User:       sess.UserName,
			Status:     string(sess.Status),
			Score:      sess.CurrentRiskScore,
			Violations: sess.TotalViolations,
		})
	}
	return summaries, nil
}

// CreateSessionRequest enrolls one student into one exam.
type CreateSessionRequest struct {
	UserID      string
	UserName    string
	Fingerprint string
	IP          string
}

// CreateSession creates a started session for a student and mints the token
// the student's client will authenticate with. The enrollment fingerprint
// and IP seed the consistency baselines without scoring.
func (s *Service) CreateSession(ctx context.Context, adminID, examID string, req CreateSessionRequest) (_ *session.Session, token string, retErr error) {
	ctx, span := traces.StartSpan(ctx, "proctor.CreateSession",
		traces.ExamID(examID),
		traces.UserID(req.UserID),
	)
	defer func() {
		if retErr != nil {
			span.RecordError(retErr)
			span.SetStatus(codes.Error, retErr.Error())
		}
		span.End()
	}()

	ex, err := s.exams.Get(ctx, examID)
	if err != nil {
		return nil, "", err
	}
	if ex.AdminID != adminID {
		return nil, "", session.ErrNotOwner
	}

	now := time.Now()
	sess := &session.Session{
		ID:       idgen.WithPrefix("sess_"),
		ExamID:   examID,
		UserID:   req.UserID,
		UserName: req.UserName,
		Status:   session.StatusStarted,
		// Until the first interaction, the deadline is the start window:
		// a session nobody touches expires when it lapses.
		DeadlineAt: now.Add(s.startWindow),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	// First sighting establishes baselines and synthesizes nothing.
	consistency.Check(sess, req.Fingerprint, req.IP)

	if err := s.sessions.Create(ctx, sess); err != nil {
		return nil, "", err
	}

	if s.tokens != nil {
		token, err = s.tokens.IssueSessionToken(ctx, req.UserID, sess.ID)
		if err != nil {
			return nil, "", fmt.Errorf("issue session token: %w", err)
		}
	}

	if s.hub != nil {
		s.hub.BroadcastToExam(examID, realtime.NewSessionUpdate(sess.ID, string(sess.Status), 0, 0))
	}
	return sess, token, nil
}

// ExpireStale sweeps sessions past their deadline: untouched started
// sessions expire quietly, overrunning in_progress sessions are terminated
// for timeout. Called by the watchdog timer. Returns how many of each it
// transitioned.
func (s *Service) ExpireStale(ctx context.Context) (expired, timedOut int, err error) {
	overdue, err := s.sessions.ListOverdue(ctx, time.Now(), expireBatchSize)
	if err != nil {
		return 0, 0, err
	}

	for _, stale := range overdue {
		out, transition, stepErr := s.expireOne(ctx, stale.ID)
		if stepErr != nil {
			s.logger.Warn("watchdog transition failed", "sessionId", stale.ID, "error", stepErr)
			continue
		}
		s.deliver(out)
		switch transition {
		case session.StatusExpired:
			expired++
		case session.StatusTerminated:
			timedOut++
		}
	}
	return expired, timedOut, nil
}

// expireOne re-reads the session under its lock so a sweep never clobbers a
// submit or report that won the race.
func (s *Service) expireOne(ctx context.Context, sessionID string) (*outbox, session.Status, error) {
	unlock := s.locks.Lock(sessionID)
	defer unlock()

	sess, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, "", err
	}
	now := time.Now()
	if sess.IsTerminal() || sess.DeadlineAt.After(now) {
		return nil, "", nil
	}

	out := &outbox{sess: sess}
	switch sess.Status {
	case session.StatusStarted:
		// Never touched: quiet expiry, no audit event, no blank.
		if err := sess.Expire(now); err != nil {
			return nil, "", err
		}
		if err := s.sessions.Update(ctx, sess); err != nil {
			return nil, "", err
		}
	case session.StatusInProgress:
		if err := sess.Terminate(session.ReasonTimeout, true, now); err != nil {
			return nil, "", err
		}
		audit := s.auditEvent(sess, "exam duration exceeded", now)
		if err := s.sessions.RecordViolation(ctx, sess, []*session.Event{audit}); err != nil {
			return nil, "", err
		}
		terminations.WithLabelValues(session.ReasonTimeout).Inc()
		out.emitTerminated = true
		out.student = append(out.student, realtime.NewSessionTerminated(session.ReasonTimeout))
	default:
		return nil, "", nil
	}

	out.observers = append(out.observers, realtime.NewSessionUpdate(
		sess.ID, string(sess.Status), sess.CurrentRiskScore, sess.TotalViolations))
	return out, sess.Status, nil
}

// GetSession returns one session, enforcing exam ownership for the admin.
func (s *Service) GetSession(ctx context.Context, adminID, sessionID string) (*session.Session, error) {
	sess, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	ex, err := s.exams.Get(ctx, sess.ExamID)
	if err != nil {
		return nil, err
	}
	if ex.AdminID != adminID {
		return nil, session.ErrNotOwner
	}
	return sess, nil
}

// ListEvents returns a session's event log, enforcing exam ownership.
func (s *Service) ListEvents(ctx context.Context, adminID, sessionID string, limit int, opts ...session.ListOption) ([]*session.Event, error) {
	if _, err := s.GetSession(ctx, adminID, sessionID); err != nil {
		return nil, err
	}
	return s.sessions.ListEvents(ctx, sessionID, limit, opts...)
}

// ListSessions returns an exam's sessions, enforcing exam ownership.
func (s *Service) ListSessions(ctx context.Context, adminID, examID string, limit int, opts ...session.ListOption) ([]*session.Session, error) {
	ex, err := s.exams.Get(ctx, examID)
	if err != nil {
		return nil, err
	}
	if ex.AdminID != adminID {
		return nil, session.ErrNotOwner
	}
	return s.sessions.ListByExam(ctx, examID, limit, opts...)
}

// ---------------------------------------------------------------------------
// Internals
// ---------------------------------------------------------------------------

// lookupKind resolves a client-reported kind to its point weight, rejecting
// reserved and unknown kinds.
func (s *Service) lookupKind(kind, sessionID string) (int, error) {
	if catalog.Reserved(kind) {
		return 0, fmt.Errorf("%w: %q", ErrReservedEventKind, kind)
	}
	points, err := s.catalog.Lookup(kind)
	if err != nil {
		s.logger.Warn("rejected unknown event kind", "sessionId", sessionID, "kind", kind)
		return 0, fmt.Errorf("%w: %q", ErrUnknownEventKind, kind)
	}
	return points, nil
}

// engineFor returns the platform engine, or one derived with the exam's
// threshold overrides.
func (s *Service) engineFor(ex *exam.Exam) *risk.Engine {
	if ex.Thresholds == nil {
		return s.engine
	}
	return s.engine.Derive(*ex.Thresholds)
}

// touch promotes a started session on its first interaction and bumps
// LastSeenAt. Promotion rebases the deadline from the start window to the
// exam duration; untimed exams get a deadline the watchdog never reaches.
func (s *Service) touch(sess *session.Session, ex *exam.Exam, now time.Time) {
	if sess.Status == session.StatusStarted {
		sess.Begin(now)
		if d := ex.Deadline(now); d != nil {
			sess.DeadlineAt = *d
		} else {
			sess.DeadlineAt = now.AddDate(100, 0, 0)
		}
	}
	t := now
	sess.LastSeenAt = &t
	sess.UpdatedAt = now
}

// runConsistency scores the observations the consistency tracker synthesizes
// for this request. Same accumulation path as reported events.
func (s *Service) runConsistency(sess *session.Session, eng *risk.Engine, fingerprint, ip string, now time.Time) []scored {
	var passes []scored
	for _, obs := range consistency.Check(sess, fingerprint, ip) {
		points, err := s.catalog.Lookup(obs.Kind)
		if err != nil {
			// Synthesized kinds are always in the catalog.
			continue
		}
		passes = append(passes, s.score(sess, eng, obs.Kind, points, obs.Detail, now))
		eventsRecorded.WithLabelValues(obs.Kind).Inc()
	}
	return passes
}

// score runs one accumulation: updates the session's cached aggregates and
// builds the event record with points captured at recording time.
func (s *Service) score(sess *session.Session, eng *risk.Engine, kind string, points int, detail string, now time.Time) scored {
	newScore, tier := eng.Accumulate(sess.CurrentRiskScore, points)
	sess.CurrentRiskScore = newScore
	if newScore > sess.HighestRiskScore {
		sess.HighestRiskScore = newScore
	}
	sess.TotalViolations++
	sess.UpdatedAt = now

	return scored{
		event: &session.Event{
			ID:        idgen.WithPrefix("evt_"),
			SessionID: sess.ID,
			Kind:      kind,
			Points:    points,
			Detail:    detail,
			CreatedAt: now,
		},
		tier:  tier,
		score: newScore,
	}
}

// auditEvent builds the zero-point session_terminated marker. It counts
// toward TotalViolations like every recorded event.
func (s *Service) auditEvent(sess *session.Session, detail string, now time.Time) *session.Event {
	sess.TotalViolations++
	return &session.Event{
		ID:        idgen.WithPrefix("evt_"),
		SessionID: sess.ID,
		Kind:      catalog.KindSessionTerminated,
		Points:    0,
		Detail:    fmt.Sprintf("%s: %s", sess.TerminationReason, detail),
		CreatedAt: now,
	}
}

// commit applies the terminate-crossing decision, persists the session and
// its new events in one atomic update, and builds the post-commit outbox.
func (s *Service) commit(ctx context.Context, sess *session.Session, ex *exam.Exam, eng *risk.Engine, passes []scored, statusBefore session.Status, now time.Time) (*outbox, error) {
	enforced := eng.Enforces(string(ex.Mode))
	crossedTerminate := false
	for _, p := range passes {
		if p.tier == risk.TierTerminate {
			crossedTerminate = true
		}
	}

	events := make([]*session.Event, 0, len(passes)+1)
	for _, p := range passes {
		events = append(events, p.event)
	}

	if crossedTerminate && enforced {
		if err := sess.Terminate(session.ReasonRiskThreshold, true, now); err != nil {
			return nil, err
		}
		events = append(events, s.auditEvent(sess,
			fmt.Sprintf("risk score %d reached terminate threshold", sess.CurrentRiskScore), now))
	}

	if len(events) > 0 {
		if err := s.sessions.RecordViolation(ctx, sess, events); err != nil {
			return nil, err
		}
	} else {
		if err := s.sessions.Update(ctx, sess); err != nil {
			return nil, err
		}
	}
	if crossedTerminate && enforced {
		terminations.WithLabelValues(session.ReasonRiskThreshold).Inc()
	}

	out := &outbox{sess: sess}
	for _, p := range passes {
		switch p.tier {
		case risk.TierWarning:
			out.student = append(out.student, realtime.NewRiskWarning(
				"Suspicious activity detected. Further violations may end your exam.", p.score))
		case risk.TierFlag:
			out.emitFlagged = true
		case risk.TierTerminate:
			action := realtime.ActionTerminate
			if !enforced {
				action = realtime.ActionBlank
			}
			out.student = append(out.student, realtime.NewRiskCritical(
				"Risk threshold exceeded.", action))
		}
		if sev := eng.TierAt(p.score); sev != risk.TierNone {
			out.observers = append(out.observers, realtime.NewSessionAlert(
				sess.ID, sess.UserName, p.event.Kind, p.event.Points, p.score, string(sev)))
		}
	}

	if sess.Status == session.StatusTerminated && statusBefore != session.StatusTerminated {
		out.student = append(out.student, realtime.NewSessionTerminated(sess.TerminationReason))
		out.emitTerminated = true
	}
	if sess.Status != statusBefore {
		out.observers = append(out.observers, realtime.NewSessionUpdate(
			sess.ID, string(sess.Status), sess.CurrentRiskScore, sess.TotalViolations))
	}
	return out, nil
}

// deliver executes the outbox. Runs outside the session lock; everything
// here is best-effort.
func (s *Service) deliver(o *outbox) {
	if o == nil {
		return
	}
	if s.hub != nil {
		for _, f := range o.student {
			s.hub.SendToSession(o.sess.ID, f)
		}
		for _, f := range o.observers {
			s.hub.BroadcastToExam(o.sess.ExamID, f)
		}
	}
	if s.webhooks != nil {
		if o.emitFlagged {
			s.webhooks.EmitSessionFlagged(o.sess.ExamID, o.sess.ID, o.sess.UserID,
				o.sess.CurrentRiskScore, o.sess.TotalViolations)
		}
		if o.emitTerminated {
			s.webhooks.EmitSessionTerminated(o.sess.ExamID, o.sess.ID, o.sess.UserID,
				o.sess.TerminationReason, o.sess.CurrentRiskScore)
		}
	}
}

// highestCrossing returns the most severe tier newly crossed in this pass.
func highestCrossing(passes []scored) risk.Tier {
	best := risk.TierNone
	for _, p := range passes {
		if tierRank(p.tier) > tierRank(best) {
			best = p.tier
		}
	}
	return best
}

func tierRank(t risk.Tier) int {
	switch t {
	case risk.TierWarning:
		return 1
	case risk.TierFlag:
		return 2
	case risk.TierTerminate:
		return 3
	default:
		return 0
	}
}
