package proctor

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/mind-engage/mindengage-proctor/internal/exam"
	"github.com/mind-engage/mindengage-proctor/internal/metrics"
	syncx "github.com/mind-engage/mindengage-proctor/internal/sync"
)

var ErrUnknownViolation = errors.New("unknown violation kind")

type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
)

// Classify maps a violation kind to its severity. Only tab switches and
// leaving fullscreen end the attempt.
func Classify(kind exam.ViolationKind) (Severity, error) {
	switch {
	case !kind.Valid():
		return "", errors.Wrapf(ErrUnknownViolation, "%q", kind)
	case kind.Critical():
		return SeverityCritical, nil
	}
	return SeverityWarning, nil
}

// Sessions is the part of the state machine the handler drives.
type Sessions interface {
	GetAssignment(ctx context.Context, id string) (exam.Assignment, error)
	SaveAnswer(ctx context.Context, assignmentID, questionID string, p exam.AnswerPayload) error
	Submit(ctx context.Context, assignmentID string, trigger exam.Trigger, violation *exam.ViolationKind) (exam.Assignment, error)
}

type Report struct {
	AssignmentID string
	Kind         exam.ViolationKind
	// Answers are what the client held when the event fired.
	Answers []exam.BufferedAnswer
}

type Outcome struct {
	Kind       exam.ViolationKind `json:"kind"`
	Severity   Severity           `json:"severity"`
	Submitted  bool               `json:"submitted"`
	Assignment exam.Assignment    `json:"assignment"`
}

type Handler struct {
	sessions Sessions
	live     LivePublisher
	events   syncx.Recorder
	log      *zap.Logger
	now      func() time.Time
}

func NewHandler(sessions Sessions, live LivePublisher, events syncx.Recorder, log *zap.Logger) *Handler {
	if live == nil {
		live = NewMemoryPublisher()
	}
	if events == nil {
		events = syncx.NewMemoryLog()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{sessions: sessions, live: live, events: events, log: log, now: time.Now}
}

// Report records a client security event. Critical events flush the
// buffered answers and force a submission; others are only recorded.
func (h *Handler) Report(ctx context.Context, r Report) (Outcome, error) {
	sev, err := Classify(r.Kind)
	if err != nil {
		return Outcome{}, err
	}
	a, err := h.sessions.GetAssignment(ctx, r.AssignmentID)
	if err != nil {
		return Outcome{}, err
	}

	metrics.Violations.WithLabelValues(string(r.Kind), string(sev)).Inc()
	h.log.Info("violation reported",
		zap.String("assignment_id", a.ID),
		zap.String("student_id", a.StudentID),
		zap.String("kind", string(r.Kind)),
		zap.String("severity", string(sev)))
	if err := h.events.Append(ctx, syncx.NewEvent(syncx.TypeViolationReported, a.ID, map[string]any{
		"kind": r.Kind, "severity": sev, "buffered": len(r.Answers),
	})); err != nil {
		h.log.Warn("audit append failed", zap.String("assignment_id", a.ID), zap.Error(err))
	}

	out := Outcome{Kind: r.Kind, Severity: sev, Assignment: a}
	if sev == SeverityCritical && a.SubmittedAt == nil {
		h.flush(ctx, a.ID, r.Answers)
		kind := r.Kind
		if out.Assignment, err = h.sessions.Submit(ctx, a.ID, exam.TriggerViolation, &kind); err != nil {
			return Outcome{}, err
		}
		// A timeout or manual submit may have won the race.
		sv := out.Assignment.SecurityViolation
		out.Submitted = out.Assignment.SubmitTrigger == exam.TriggerViolation && sv != nil && *sv == r.Kind
	}

	h.publish(ctx, out)
	return out, nil
}

// flush saves buffered answers before the forced submit. A failing answer
// never blocks the submission.
func (h *Handler) flush(ctx context.Context, assignmentID string, answers []exam.BufferedAnswer) {
	for _, ba := range answers {
		err := h.sessions.SaveAnswer(ctx, assignmentID, ba.QuestionID, ba.AnswerPayload)
		switch {
		case err == nil:
		case errors.Is(err, exam.ErrSessionClosed):
			return
		default:
			h.log.Warn("buffered answer dropped",
				zap.String("assignment_id", assignmentID),
				zap.String("question_id", ba.QuestionID),
				zap.Error(err))
		}
	}
}

func (h *Handler) publish(ctx context.Context, out Outcome) {
	ev := LiveEvent{
		AssignmentID: out.Assignment.ID,
		ExamID:       out.Assignment.ExamID,
		StudentID:    out.Assignment.StudentID,
		Kind:         out.Kind,
		Severity:     out.Severity,
		Submitted:    out.Submitted,
		At:           h.now().UTC(),
	}
	if err := h.live.Publish(ctx, ev); err != nil {
		h.log.Warn("live publish failed", zap.String("assignment_id", ev.AssignmentID), zap.Error(err))
	}
}
