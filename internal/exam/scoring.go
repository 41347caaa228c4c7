package exam

import (
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/mind-engage/mindengage-proctor/internal/grading"
)

func gradingQuestions(ex Exam) []grading.Q {
	out := make([]grading.Q, 0, len(ex.Questions))
	for _, q := range ex.Questions {
		gq := grading.Q{ID: q.ID, Type: string(q.Type), Points: float64(q.Points)}
		for _, c := range q.Choices {
			gq.Choices = append(gq.Choices, grading.C{ID: c.ID, Correct: c.IsCorrect})
		}
		out = append(out, gq)
	}
	return out
}

// responses groups stored rows by question.
func responses(answers []Answer) map[string]grading.Response {
	out := make(map[string]grading.Response, len(answers))
	for _, a := range answers {
		r := out[a.QuestionID]
		if a.ChoiceID != nil {
			r.ChoiceIDs = append(r.ChoiceIDs, *a.ChoiceID)
		}
		if a.Text != nil {
			r.Text = *a.Text
		}
		if a.Score != nil {
			r.ManualScore = a.Score
		}
		out[a.QuestionID] = r
	}
	return out
}

// scoreFunc recomputes the full score card from stored answers. The final
// score equals the auto score until a teacher grades a text answer.
func (s *Service) scoreFunc(ex Exam) ScoreFunc {
	qs := gradingQuestions(ex)
	return func(answers []Answer) ScoreCard {
		resp := responses(answers)
		return ScoreCard{
			AutoScore: s.engine.CalculateAutoCorrectableScore(qs, resp),
			Score:     s.engine.CalculateAssignmentScore(qs, resp),
			Graded:    fullyGraded(ex, resp),
		}
	}
}

// fullyGraded is true when every answered text question has a manual score.
// Unanswered text questions have nothing to grade.
func fullyGraded(ex Exam, resp map[string]grading.Response) bool {
	for _, q := range ex.Questions {
		if q.Type != Text {
			continue
		}
		if r, ok := resp[q.ID]; ok && r.ManualScore == nil {
			return false
		}
	}
	return true
}

// answerRows turns a payload into the rows that replace the question's answer.
func answerRows(assignmentID string, q Question, p AnswerPayload, now time.Time) ([]Answer, error) {
	row := func() Answer {
		return Answer{AssignmentID: assignmentID, QuestionID: q.ID, UpdatedAt: now}
	}
	switch q.Type {
	case Text:
		if p.Text == nil || p.ChoiceID != "" || len(p.ChoiceIDs) > 0 {
			return nil, ErrInvalidPayload
		}
		a := row()
		text := *p.Text
		a.Text = &text
		return []Answer{a}, nil

	case OneChoice, Boolean:
		if p.ChoiceID == "" || len(p.ChoiceIDs) > 0 || p.Text != nil {
			return nil, ErrInvalidPayload
		}
		if _, ok := q.Choice(p.ChoiceID); !ok {
			return nil, ErrChoiceNotInQuestion
		}
		a := row()
		id := p.ChoiceID
		a.ChoiceID = &id
		return []Answer{a}, nil

	case Multiple:
		if p.ChoiceID != "" || p.Text != nil {
			return nil, ErrInvalidPayload
		}
		seen := map[string]bool{}
		out := make([]Answer, 0, len(p.ChoiceIDs))
		for _, id := range p.ChoiceIDs {
			if seen[id] {
				continue
			}
			seen[id] = true
			if _, ok := q.Choice(id); !ok {
				return nil, ErrChoiceNotInQuestion
			}
			a := row()
			cid := id
			a.ChoiceID = &cid
			out = append(out, a)
		}
		return out, nil
	}
	return nil, ErrInvalidPayload
}

func validateExam(e Exam) error {
	if strings.TrimSpace(e.ID) == "" || strings.TrimSpace(e.Title) == "" {
		return errors.Wrap(ErrInvalidExam, "id and title required")
	}
	if e.DurationMinutes <= 0 {
		return errors.Wrap(ErrInvalidExam, "duration must be positive")
	}
	if e.StartsAt != nil && e.EndsAt != nil && !e.EndsAt.After(*e.StartsAt) {
		return errors.Wrap(ErrInvalidExam, "window ends before it starts")
	}
	seen := map[string]bool{}
	for _, q := range e.Questions {
		if q.ID == "" || seen[q.ID] {
			return errors.Wrapf(ErrInvalidExam, "question id %q missing or duplicated", q.ID)
		}
		seen[q.ID] = true
		if !q.Type.Valid() {
			return errors.Wrapf(ErrInvalidExam, "question %s: unknown type %q", q.ID, q.Type)
		}
		if q.Points <= 0 {
			return errors.Wrapf(ErrInvalidExam, "question %s: points must be positive", q.ID)
		}
		if q.Type.IsChoice() && len(q.Choices) == 0 {
			return errors.Wrapf(ErrInvalidExam, "question %s: choices required", q.ID)
		}
		if !q.Type.IsChoice() && len(q.Choices) > 0 {
			return errors.Wrapf(ErrInvalidExam, "question %s: text questions take no choices", q.ID)
		}
		for _, c := range q.Choices {
			if c.ID == "" || seen[c.ID] {
				return errors.Wrapf(ErrInvalidExam, "choice id %q missing or duplicated", c.ID)
			}
			seen[c.ID] = true
		}
	}
	return nil
}
