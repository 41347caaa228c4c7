package exam

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/mind-engage/mindengage-proctor/internal/grading"
	"github.com/mind-engage/mindengage-proctor/internal/metrics"
	syncx "github.com/mind-engage/mindengage-proctor/internal/sync"
)

// Service is the assignment state machine. It is the only writer of
// started_at, submitted_at and scores.
type Service struct {
	store   Store
	engine  *grading.Engine
	events  syncx.Recorder
	log     *zap.Logger
	tracer  trace.Tracer
	now     func() time.Time
	grace   time.Duration
	submits singleflight.Group
}

type Option func(*Service)

func WithClock(now func() time.Time) Option  { return func(s *Service) { s.now = now } }
func WithRecorder(r syncx.Recorder) Option   { return func(s *Service) { s.events = r } }
func WithLogger(l *zap.Logger) Option        { return func(s *Service) { s.log = l } }
func WithEngine(e *grading.Engine) Option    { return func(s *Service) { s.engine = e } }
func WithSubmitGrace(d time.Duration) Option { return func(s *Service) { s.grace = d } }
func WithTracer(t trace.Tracer) Option       { return func(s *Service) { s.tracer = t } }

func NewService(store Store, opts ...Option) *Service {
	s := &Service{
		store:  store,
		engine: grading.NewEngine(),
		events: syncx.NewMemoryLog(),
		log:    zap.NewNop(),
		tracer: otel.Tracer("mindengage-proctor/exam"),
		now:    time.Now,
		grace:  5 * time.Second,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Service) Store() Store { return s.store }

// PutExam validates and stores an exam definition. An exam cannot be
// redefined once any of its attempts has started.
func (s *Service) PutExam(ctx context.Context, e Exam) error {
	if err := validateExam(e); err != nil {
		return err
	}
	return s.store.PutExam(ctx, e)
}

func (s *Service) GetExam(ctx context.Context, id string) (Exam, error) {
	return s.store.GetExam(ctx, id)
}

func (s *Service) ListExams(ctx context.Context, opts ListOpts) ([]ExamSummary, error) {
	return s.store.ListExams(ctx, opts)
}

func (s *Service) GetAssignment(ctx context.Context, id string) (Assignment, error) {
	return s.store.GetAssignment(ctx, id)
}

func (s *Service) ListAssignments(ctx context.Context, opts AssignmentListOpts) ([]Assignment, error) {
	return s.store.ListAssignments(ctx, opts)
}

// Assign distributes an exam to one student.
func (s *Service) Assign(ctx context.Context, examID, studentID string) (Assignment, error) {
	a, err := s.store.CreateAssignment(ctx, Assignment{
		ExamID:     examID,
		StudentID:  studentID,
		Status:     StatusAssigned,
		AssignedAt: s.now().UTC(),
	})
	if err != nil {
		return Assignment{}, err
	}
	s.record(ctx, syncx.TypeAssignmentCreated, a.ID, map[string]string{"exam_id": examID, "student_id": studentID})
	return a, nil
}

// Unassign removes an assignment that has not been started.
func (s *Service) Unassign(ctx context.Context, assignmentID string) error {
	if err := s.store.DeleteAssignment(ctx, assignmentID); err != nil {
		return err
	}
	s.record(ctx, syncx.TypeAssignmentRemoved, assignmentID, nil)
	return nil
}

// StartAttempt starts the student's assignment for examID.
func (s *Service) StartAttempt(ctx context.Context, examID, studentID string) (Assignment, error) {
	a, err := s.store.FindAssignment(ctx, examID, studentID)
	if err != nil {
		return Assignment{}, err
	}
	return s.Start(ctx, a.ID)
}

func (s *Service) Start(ctx context.Context, assignmentID string) (Assignment, error) {
	ctx, span := s.tracer.Start(ctx, "exam.Start", trace.WithAttributes(attribute.String("assignment_id", assignmentID)))
	defer span.End()

	a, err := s.store.GetAssignment(ctx, assignmentID)
	if err != nil {
		return Assignment{}, err
	}
	if a.StartedAt != nil {
		return Assignment{}, ErrAlreadyStarted
	}
	ex, err := s.store.GetExam(ctx, a.ExamID)
	if err != nil {
		return Assignment{}, err
	}
	now := s.now().UTC()
	if !ex.OpenAt(now) {
		return Assignment{}, ErrExamNotActive
	}
	a, err = s.store.MarkStarted(ctx, assignmentID, now)
	if err != nil {
		return Assignment{}, err
	}
	s.log.Info("attempt started", zap.String("assignment_id", a.ID), zap.String("exam_id", a.ExamID), zap.String("student_id", a.StudentID))
	s.record(ctx, syncx.TypeAttemptStarted, a.ID, map[string]any{"started_at": now.Unix()})
	return a, nil
}

// SaveAnswer replaces the stored answer for one question.
func (s *Service) SaveAnswer(ctx context.Context, assignmentID, questionID string, p AnswerPayload) error {
	ctx, span := s.tracer.Start(ctx, "exam.SaveAnswer", trace.WithAttributes(
		attribute.String("assignment_id", assignmentID), attribute.String("question_id", questionID)))
	defer span.End()

	a, err := s.store.GetAssignment(ctx, assignmentID)
	if err != nil {
		return err
	}
	if !a.Open() {
		return ErrSessionClosed
	}
	ex, err := s.store.GetExam(ctx, a.ExamID)
	if err != nil {
		return err
	}
	now := s.now().UTC()
	if s.expired(a, ex, now) {
		if _, _, err := s.submit(ctx, assignmentID, TriggerTimeout, nil); err != nil {
			s.log.Warn("timeout submit on late save failed", zap.String("assignment_id", assignmentID), zap.Error(err))
		}
		return ErrSessionClosed
	}
	q, ok := ex.Question(questionID)
	if !ok {
		return ErrQuestionNotInExam
	}
	rows, err := answerRows(assignmentID, q, p, now)
	if err != nil {
		return err
	}
	return s.store.ReplaceAnswers(ctx, assignmentID, questionID, rows)
}

// Submit is the single submission entry point for manual, timeout and
// violation triggers. Concurrent calls result in one effective submission;
// the others return the submitted assignment without error. The recorded
// trigger follows the server clock: a timeout before the deadline is a
// manual submit and a manual submit after it is a timeout. Only critical
// violations may force a submission.
func (s *Service) Submit(ctx context.Context, assignmentID string, trigger Trigger, violation *ViolationKind) (Assignment, error) {
	a, _, err := s.submit(ctx, assignmentID, trigger, violation)
	return a, err
}

type submitResult struct {
	a   Assignment
	won bool
}

func (s *Service) submit(ctx context.Context, assignmentID string, trigger Trigger, violation *ViolationKind) (Assignment, bool, error) {
	if !trigger.Valid() {
		return Assignment{}, false, ErrInvalidTrigger
	}
	if trigger == TriggerViolation {
		if violation == nil || !violation.Critical() {
			return Assignment{}, false, ErrInvalidTrigger
		}
	} else {
		violation = nil
	}

	// A submission must complete even if the triggering request goes away.
	ctx = context.WithoutCancel(ctx)
	v, err, _ := s.submits.Do(assignmentID, func() (any, error) {
		a, won, err := s.doSubmit(ctx, assignmentID, trigger, violation)
		return submitResult{a: a, won: won}, err
	})
	if err != nil {
		return Assignment{}, false, err
	}
	res := v.(submitResult)
	return res.a, res.won, nil
}

func (s *Service) doSubmit(ctx context.Context, assignmentID string, trigger Trigger, violation *ViolationKind) (Assignment, bool, error) {
	ctx, span := s.tracer.Start(ctx, "exam.Submit", trace.WithAttributes(
		attribute.String("assignment_id", assignmentID), attribute.String("trigger", string(trigger))))
	defer span.End()

	a, err := s.store.GetAssignment(ctx, assignmentID)
	if err != nil {
		return Assignment{}, false, err
	}
	if a.SubmittedAt != nil {
		s.raceLost(ctx, a, trigger)
		return a, false, nil
	}
	if a.StartedAt == nil {
		return Assignment{}, false, ErrNotStarted
	}
	ex, err := s.store.GetExam(ctx, a.ExamID)
	if err != nil {
		return Assignment{}, false, err
	}
	now := s.now().UTC()
	switch {
	case trigger == TriggerManual && s.expired(a, ex, now):
		trigger = TriggerTimeout
	case trigger == TriggerTimeout && !s.due(a, ex, now):
		trigger = TriggerManual
	}

	out, won, err := s.store.FinalizeSubmission(ctx, assignmentID, SubmitRecord{At: now, Trigger: trigger, Violation: violation}, s.scoreFunc(ex))
	if err != nil {
		return Assignment{}, false, err
	}
	if !won {
		s.raceLost(ctx, out, trigger)
		return out, false, nil
	}
	metrics.Submissions.WithLabelValues(string(trigger)).Inc()
	fields := []zap.Field{
		zap.String("assignment_id", out.ID),
		zap.String("trigger", string(trigger)),
		zap.Bool("forced", out.ForcedSubmission),
	}
	if out.AutoScore != nil {
		fields = append(fields, zap.Float64("auto_score", *out.AutoScore))
	}
	if violation != nil {
		fields = append(fields, zap.String("violation", string(*violation)))
	}
	s.log.Info("attempt submitted", fields...)
	s.record(ctx, syncx.TypeAttemptSubmitted, out.ID, map[string]any{
		"trigger":   trigger,
		"violation": violation,
		"forced":    out.ForcedSubmission,
		"auto":      out.AutoScore,
	})
	return out, true, nil
}

func (s *Service) raceLost(ctx context.Context, a Assignment, trigger Trigger) {
	metrics.SubmitRacesLost.Inc()
	s.log.Debug("submit ignored, already submitted", zap.String("assignment_id", a.ID), zap.String("trigger", string(trigger)))
	s.record(ctx, syncx.TypeSubmitRaceLost, a.ID, map[string]any{"trigger": trigger})
}

// GradeAnswer records a teacher's score for a free-text question and
// recomputes the final score.
func (s *Service) GradeAnswer(ctx context.Context, assignmentID, questionID string, score float64, feedback, grader string) (Assignment, error) {
	ctx, span := s.tracer.Start(ctx, "exam.GradeAnswer", trace.WithAttributes(
		attribute.String("assignment_id", assignmentID), attribute.String("question_id", questionID)))
	defer span.End()

	if score < 0 {
		return Assignment{}, ErrInvalidScore
	}
	a, err := s.store.GetAssignment(ctx, assignmentID)
	if err != nil {
		return Assignment{}, err
	}
	ex, err := s.store.GetExam(ctx, a.ExamID)
	if err != nil {
		return Assignment{}, err
	}
	q, ok := ex.Question(questionID)
	if !ok {
		return Assignment{}, ErrQuestionNotInExam
	}
	if q.Type != Text {
		return Assignment{}, ErrNotManuallyGradable
	}
	if score > float64(q.Points) {
		return Assignment{}, ErrScoreExceedsMax
	}
	if a.SubmittedAt == nil {
		return Assignment{}, ErrNotSubmitted
	}
	out, err := s.store.ApplyGrade(ctx, assignmentID, questionID, Grade{
		Score:    score,
		Feedback: feedback,
		GradedBy: grader,
		At:       s.now().UTC(),
	}, s.scoreFunc(ex))
	if err != nil {
		return Assignment{}, err
	}
	s.log.Info("answer graded", zap.String("assignment_id", assignmentID), zap.String("question_id", questionID),
		zap.Float64("score", score), zap.String("status", string(out.Status)))
	s.record(ctx, syncx.TypeAnswerGraded, assignmentID, map[string]any{"question_id": questionID, "score": score, "by": grader})
	return out, nil
}

// GetResults returns the per-question breakdown of a submitted attempt.
func (s *Service) GetResults(ctx context.Context, assignmentID string) (Results, error) {
	a, err := s.store.GetAssignment(ctx, assignmentID)
	if err != nil {
		return Results{}, err
	}
	if a.SubmittedAt == nil {
		return Results{}, ErrNotSubmitted
	}
	ex, err := s.store.GetExam(ctx, a.ExamID)
	if err != nil {
		return Results{}, err
	}
	answers, err := s.store.ListAnswers(ctx, assignmentID)
	if err != nil {
		return Results{}, err
	}
	resp := responses(answers)
	feedback := map[string]string{}
	for _, ans := range answers {
		if ans.Feedback != nil {
			feedback[ans.QuestionID] = *ans.Feedback
		}
	}

	qs := gradingQuestions(ex)
	out := Results{Assignment: a, MaxScore: ex.MaxPoints(), Questions: make([]QuestionResult, 0, len(qs))}
	for i, q := range ex.Questions {
		r, answered := resp[q.ID]
		out.Questions = append(out.Questions, QuestionResult{
			QuestionID:  q.ID,
			Type:        q.Type,
			Points:      q.Points,
			Earned:      grading.Round2(s.engine.CalculateQuestionScore(qs[i], r)),
			IsCorrect:   s.engine.IsCorrect(qs[i], r),
			Answered:    answered,
			NeedsManual: q.Type == Text && answered && r.ManualScore == nil,
			Feedback:    feedback[q.ID],
		})
	}
	out.TotalScore = s.engine.CalculateAssignmentScore(qs, resp)
	if out.MaxScore > 0 {
		out.Percentage = grading.Round2(out.TotalScore / float64(out.MaxScore) * 100)
	}
	return out, nil
}

// Session returns what a client needs to resume an attempt. Remaining time
// is always derived from started_at, never from client state.
func (s *Service) Session(ctx context.Context, assignmentID string) (SessionState, error) {
	a, err := s.store.GetAssignment(ctx, assignmentID)
	if err != nil {
		return SessionState{}, err
	}
	ex, err := s.store.GetExam(ctx, a.ExamID)
	if err != nil {
		return SessionState{}, err
	}
	now := s.now().UTC()
	if a.Open() && s.expired(a, ex, now) {
		if a, _, err = s.submit(ctx, assignmentID, TriggerTimeout, nil); err != nil {
			return SessionState{}, err
		}
	}
	answers, err := s.store.ListAnswers(ctx, assignmentID)
	if err != nil {
		return SessionState{}, err
	}
	st := SessionState{Assignment: a, Exam: ex.StudentView(), Answers: answers}
	switch {
	case a.StartedAt == nil:
		st.RemainingSeconds = int64(ex.Duration().Seconds())
	case a.Open():
		d := a.Deadline(ex)
		st.Deadline = &d
		st.RemainingSeconds = int64(RemainingTime(a, ex, now).Seconds())
	}
	return st, nil
}

// ExpireOverdue submits every open attempt whose deadline has passed.
// It returns how many attempts it submitted.
func (s *Service) ExpireOverdue(ctx context.Context) (int, error) {
	cutoff := s.now().UTC().Add(-s.grace)
	list, err := s.store.ListAssignments(ctx, AssignmentListOpts{OverdueAt: &cutoff, Limit: 500})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, a := range list {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		_, won, err := s.submit(ctx, a.ID, TriggerTimeout, nil)
		if err != nil {
			s.log.Warn("auto-expire submit failed", zap.String("assignment_id", a.ID), zap.Error(err))
			continue
		}
		if won {
			n++
			metrics.AutoExpired.Inc()
			s.record(ctx, syncx.TypeAttemptAutoExpired, a.ID, nil)
		}
	}
	return n, nil
}

// RemainingTime is duration - (now - started_at), floored at zero.
func RemainingTime(a Assignment, ex Exam, now time.Time) time.Duration {
	if a.StartedAt == nil {
		return ex.Duration()
	}
	left := a.Deadline(ex).Sub(now)
	if left < 0 {
		return 0
	}
	return left
}

func (s *Service) expired(a Assignment, ex Exam, now time.Time) bool {
	return a.StartedAt != nil && now.After(a.Deadline(ex).Add(s.grace))
}

// due reports whether the deadline is within the grace period of now, which
// is when a client countdown may legitimately claim a timeout.
func (s *Service) due(a Assignment, ex Exam, now time.Time) bool {
	return a.StartedAt != nil && !now.Before(a.Deadline(ex).Add(-s.grace))
}

func (s *Service) record(ctx context.Context, typ, key string, data any) {
	if err := s.events.Append(ctx, syncx.NewEvent(typ, key, data)); err != nil {
		s.log.Warn("audit append failed", zap.String("type", typ), zap.String("key", key), zap.Error(err))
	}
}
