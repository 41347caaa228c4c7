package exam

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memoryStore struct {
	mu          sync.RWMutex
	exams       map[string]Exam
	assignments map[string]Assignment
	answers     map[string][]Answer // assignmentID -> rows
}

func NewInMemoryStore() Store {
	return &memoryStore{
		exams:       map[string]Exam{},
		assignments: map[string]Assignment{},
		answers:     map[string][]Answer{},
	}
}

func (m *memoryStore) PutExam(_ context.Context, e Exam) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.assignments {
		if a.ExamID == e.ID && a.StartedAt != nil {
			return ErrExamInUse
		}
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	m.exams[e.ID] = copyExam(e)
	return nil
}

func (m *memoryStore) GetExam(_ context.Context, id string) (Exam, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.exams[id]
	if !ok {
		return Exam{}, ErrExamNotFound
	}
	return copyExam(e), nil
}

func (m *memoryStore) ListExams(_ context.Context, opts ListOpts) ([]ExamSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ExamSummary, 0, len(m.exams))
	q := strings.ToLower(strings.TrimSpace(opts.Q))
	for _, e := range m.exams {
		if q != "" && !strings.Contains(strings.ToLower(e.Title), q) {
			continue
		}
		out = append(out, ExamSummary{ID: e.ID, Title: e.Title, DurationMinutes: e.DurationMinutes, Active: e.Active, CreatedAt: e.CreatedAt})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return page(out, opts.Offset, opts.Limit), nil
}

func (m *memoryStore) CreateAssignment(_ context.Context, a Assignment) (Assignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.exams[a.ExamID]; !ok {
		return Assignment{}, ErrExamNotFound
	}
	for _, x := range m.assignments {
		if x.ExamID == a.ExamID && x.StudentID == a.StudentID {
			return Assignment{}, ErrAlreadyAssigned
		}
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	m.assignments[a.ID] = a
	return a, nil
}

func (m *memoryStore) GetAssignment(_ context.Context, id string) (Assignment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.assignments[id]
	if !ok {
		return Assignment{}, ErrAssignmentNotFound
	}
	return a, nil
}

func (m *memoryStore) FindAssignment(_ context.Context, examID, studentID string) (Assignment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, a := range m.assignments {
		if a.ExamID == examID && a.StudentID == studentID {
			return a, nil
		}
	}
	return Assignment{}, ErrNotAssigned
}

func (m *memoryStore) ListAssignments(_ context.Context, opts AssignmentListOpts) ([]Assignment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Assignment, 0)
	for _, a := range m.assignments {
		if opts.ExamID != "" && a.ExamID != opts.ExamID {
			continue
		}
		if opts.StudentID != "" && a.StudentID != opts.StudentID {
			continue
		}
		if opts.Status != "" && a.Status != opts.Status {
			continue
		}
		if opts.OverdueAt != nil {
			if !a.Open() || !a.Deadline(m.exams[a.ExamID]).Before(*opts.OverdueAt) {
				continue
			}
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AssignedAt.After(out[j].AssignedAt) })
	return page(out, opts.Offset, opts.Limit), nil
}

func (m *memoryStore) DeleteAssignment(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.assignments[id]
	if !ok {
		return ErrAssignmentNotFound
	}
	if a.StartedAt != nil {
		return ErrAlreadyStarted
	}
	delete(m.assignments, id)
	delete(m.answers, id)
	return nil
}

func (m *memoryStore) MarkStarted(_ context.Context, id string, at time.Time) (Assignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.assignments[id]
	if !ok {
		return Assignment{}, ErrAssignmentNotFound
	}
	if a.StartedAt != nil {
		return Assignment{}, ErrAlreadyStarted
	}
	a.StartedAt = &at
	a.Status = StatusStarted
	m.assignments[id] = a
	return a, nil
}

func (m *memoryStore) ReplaceAnswers(_ context.Context, assignmentID, questionID string, rows []Answer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.assignments[assignmentID]
	if !ok {
		return ErrAssignmentNotFound
	}
	if !a.Open() {
		return ErrSessionClosed
	}
	kept := make([]Answer, 0, len(m.answers[assignmentID])+len(rows))
	for _, r := range m.answers[assignmentID] {
		if r.QuestionID != questionID {
			kept = append(kept, r)
		}
	}
	for _, r := range rows {
		if r.ID == "" {
			r.ID = uuid.NewString()
		}
		kept = append(kept, r)
	}
	m.answers[assignmentID] = kept
	return nil
}

func (m *memoryStore) ListAnswers(_ context.Context, assignmentID string) ([]Answer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.assignments[assignmentID]; !ok {
		return nil, ErrAssignmentNotFound
	}
	return append([]Answer(nil), m.answers[assignmentID]...), nil
}

func (m *memoryStore) FinalizeSubmission(_ context.Context, id string, rec SubmitRecord, score ScoreFunc) (Assignment, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.assignments[id]
	if !ok {
		return Assignment{}, false, ErrAssignmentNotFound
	}
	if a.StartedAt == nil {
		return Assignment{}, false, ErrNotStarted
	}
	if a.SubmittedAt != nil {
		return a, false, nil
	}
	card := score(append([]Answer(nil), m.answers[id]...))
	at := rec.At
	a.SubmittedAt = &at
	a.SubmitTrigger = rec.Trigger
	a.ForcedSubmission = rec.Trigger.Forced()
	a.SecurityViolation = rec.Violation
	applyCard(&a, card, at)
	m.assignments[id] = a
	return a, true, nil
}

func (m *memoryStore) ApplyGrade(_ context.Context, assignmentID, questionID string, g Grade, score ScoreFunc) (Assignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.assignments[assignmentID]
	if !ok {
		return Assignment{}, ErrAssignmentNotFound
	}
	if a.SubmittedAt == nil {
		return Assignment{}, ErrNotSubmitted
	}
	rows := m.answers[assignmentID]
	found := false
	for i := range rows {
		if rows[i].QuestionID != questionID {
			continue
		}
		s, fb := g.Score, g.Feedback
		rows[i].Score, rows[i].Feedback, rows[i].GradedBy, rows[i].UpdatedAt = &s, &fb, g.GradedBy, g.At
		found = true
	}
	if !found {
		s, fb, empty := g.Score, g.Feedback, ""
		rows = append(rows, Answer{
			ID: uuid.NewString(), AssignmentID: assignmentID, QuestionID: questionID,
			Text: &empty, Score: &s, Feedback: &fb, GradedBy: g.GradedBy, UpdatedAt: g.At,
		})
	}
	m.answers[assignmentID] = rows
	applyCard(&a, score(append([]Answer(nil), rows...)), g.At)
	m.assignments[assignmentID] = a
	return a, nil
}

// applyCard writes recomputed scores and the matching status.
func applyCard(a *Assignment, card ScoreCard, at time.Time) {
	auto, final := card.AutoScore, card.Score
	a.AutoScore = &auto
	a.Score = &final
	if card.Graded {
		a.Status = StatusGraded
		a.GradedAt = &at
	} else {
		a.Status = StatusSubmitted
		a.GradedAt = nil
	}
}

func copyExam(e Exam) Exam {
	out := e
	out.Questions = make([]Question, len(e.Questions))
	for i, q := range e.Questions {
		q.Choices = append([]Choice(nil), q.Choices...)
		out.Questions[i] = q
	}
	return out
}

func page[T any](in []T, offset, limit int) []T {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(in) {
		return []T{}
	}
	in = in[offset:]
	if limit > 0 && limit < len(in) {
		in = in[:limit]
	}
	return in
}
