package exam

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

type SQLStore struct {
	db     *sql.DB
	driver string // "sqlite" or "postgres"
}

func NewSQLStore(db *sql.DB, driver string) *SQLStore {
	return &SQLStore{db: db, driver: driver}
}

type rowScanner interface {
	Scan(dest ...any) error
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *SQLStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return errors.Wrap(tx.Commit(), "commit")
}

func (s *SQLStore) PutExam(ctx context.Context, e Exam) error {
	sec, err := json.Marshal(e.Security)
	if err != nil {
		return err
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var started int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM assignments WHERE exam_id=$1 AND started_at IS NOT NULL`, e.ID).
			Scan(&started); err != nil {
			return errors.Wrap(err, "count started assignments")
		}
		if started > 0 {
			return ErrExamInUse
		}
		_, err := tx.ExecContext(ctx, `INSERT INTO exams (id,title,duration_minutes,starts_at,ends_at,active,security_json,created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
			ON CONFLICT (id) DO UPDATE SET title=EXCLUDED.title, duration_minutes=EXCLUDED.duration_minutes,
			  starts_at=EXCLUDED.starts_at, ends_at=EXCLUDED.ends_at, active=EXCLUDED.active, security_json=EXCLUDED.security_json`,
			e.ID, e.Title, e.DurationMinutes, unixOrNil(e.StartsAt), unixOrNil(e.EndsAt), e.Active, string(sec), e.CreatedAt.Unix())
		if err != nil {
			return errors.Wrap(err, "upsert exam")
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM choices WHERE exam_id=$1`, e.ID); err != nil {
			return errors.Wrap(err, "clear choices")
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM questions WHERE exam_id=$1`, e.ID); err != nil {
			return errors.Wrap(err, "clear questions")
		}
		for qi, q := range e.Questions {
			_, err := tx.ExecContext(ctx, `INSERT INTO questions (id,exam_id,type,prompt,points,position) VALUES ($1,$2,$3,$4,$5,$6)`,
				q.ID, e.ID, string(q.Type), q.Prompt, q.Points, qi)
			if err != nil {
				return errors.Wrapf(err, "insert question %s", q.ID)
			}
			for ci, c := range q.Choices {
				_, err := tx.ExecContext(ctx, `INSERT INTO choices (id,exam_id,question_id,label,is_correct,position) VALUES ($1,$2,$3,$4,$5,$6)`,
					c.ID, e.ID, q.ID, c.Label, c.IsCorrect, ci)
				if err != nil {
					return errors.Wrapf(err, "insert choice %s", c.ID)
				}
			}
		}
		return nil
	})
}

func (s *SQLStore) GetExam(ctx context.Context, id string) (Exam, error) {
	var (
		e            Exam
		starts, ends sql.NullInt64
		sec          string
		created      int64
	)
	err := s.db.QueryRowContext(ctx, `SELECT id,title,duration_minutes,starts_at,ends_at,active,security_json,created_at FROM exams WHERE id=$1`, id).
		Scan(&e.ID, &e.Title, &e.DurationMinutes, &starts, &ends, &e.Active, &sec, &created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Exam{}, ErrExamNotFound
		}
		return Exam{}, errors.Wrap(err, "select exam")
	}
	e.StartsAt, e.EndsAt, e.CreatedAt = timeOrNil(starts), timeOrNil(ends), time.Unix(created, 0)
	if sec != "" {
		if err := json.Unmarshal([]byte(sec), &e.Security); err != nil {
			return Exam{}, errors.Wrap(err, "decode security_json")
		}
	}

	rows, err := s.db.QueryContext(ctx, `SELECT id,type,prompt,points,position FROM questions WHERE exam_id=$1 ORDER BY position`, id)
	if err != nil {
		return Exam{}, errors.Wrap(err, "select questions")
	}
	defer rows.Close()
	index := map[string]int{}
	for rows.Next() {
		q := Question{ExamID: id}
		var typ string
		if err := rows.Scan(&q.ID, &typ, &q.Prompt, &q.Points, &q.Position); err != nil {
			return Exam{}, err
		}
		q.Type = QuestionType(typ)
		index[q.ID] = len(e.Questions)
		e.Questions = append(e.Questions, q)
	}
	if err := rows.Err(); err != nil {
		return Exam{}, err
	}

	crows, err := s.db.QueryContext(ctx, `SELECT id,question_id,label,is_correct,position
		FROM choices WHERE exam_id=$1 ORDER BY question_id, position`, id)
	if err != nil {
		return Exam{}, errors.Wrap(err, "select choices")
	}
	defer crows.Close()
	for crows.Next() {
		var c Choice
		if err := crows.Scan(&c.ID, &c.QuestionID, &c.Label, &c.IsCorrect, &c.Position); err != nil {
			return Exam{}, err
		}
		if i, ok := index[c.QuestionID]; ok {
			e.Questions[i].Choices = append(e.Questions[i].Choices, c)
		}
	}
	return e, crows.Err()
}

func (s *SQLStore) ListExams(ctx context.Context, opts ListOpts) ([]ExamSummary, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id,title,duration_minutes,active,created_at FROM exams
		WHERE ($1 = '' OR LOWER(title) LIKE '%' || LOWER($1) || '%')
		ORDER BY created_at DESC LIMIT $2 OFFSET $3`, strings.TrimSpace(opts.Q), limit, opts.Offset)
	if err != nil {
		return nil, errors.Wrap(err, "list exams")
	}
	defer rows.Close()
	out := make([]ExamSummary, 0)
	for rows.Next() {
		var (
			es      ExamSummary
			created int64
		)
		if err := rows.Scan(&es.ID, &es.Title, &es.DurationMinutes, &es.Active, &created); err != nil {
			return nil, err
		}
		es.CreatedAt = time.Unix(created, 0)
		out = append(out, es)
	}
	return out, rows.Err()
}

const assignmentCols = `id,exam_id,student_id,status,assigned_at,started_at,submitted_at,auto_score,score,security_violation,forced_submission,submit_trigger,graded_at`

func scanAssignment(r rowScanner) (Assignment, error) {
	var (
		a                          Assignment
		status, trigger            string
		assigned                   int64
		started, submitted, graded sql.NullInt64
		auto, score                sql.NullFloat64
		violation                  sql.NullString
	)
	if err := r.Scan(&a.ID, &a.ExamID, &a.StudentID, &status, &assigned, &started, &submitted, &auto, &score,
		&violation, &a.ForcedSubmission, &trigger, &graded); err != nil {
		return Assignment{}, err
	}
	a.Status, a.SubmitTrigger = Status(status), Trigger(trigger)
	a.AssignedAt = time.Unix(assigned, 0)
	a.StartedAt, a.SubmittedAt, a.GradedAt = timeOrNil(started), timeOrNil(submitted), timeOrNil(graded)
	if auto.Valid {
		a.AutoScore = &auto.Float64
	}
	if score.Valid {
		a.Score = &score.Float64
	}
	if violation.Valid && violation.String != "" {
		k := ViolationKind(violation.String)
		a.SecurityViolation = &k
	}
	return a, nil
}

func getAssignment(ctx context.Context, q queryer, id string) (Assignment, error) {
	a, err := scanAssignment(q.QueryRowContext(ctx, `SELECT `+assignmentCols+` FROM assignments WHERE id=$1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Assignment{}, ErrAssignmentNotFound
		}
		return Assignment{}, errors.Wrap(err, "select assignment")
	}
	return a, nil
}

func (s *SQLStore) CreateAssignment(ctx context.Context, a Assignment) (Assignment, error) {
	var exist int
	if err := s.db.QueryRowContext(ctx, `SELECT 1 FROM exams WHERE id=$1`, a.ExamID).Scan(&exist); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Assignment{}, ErrExamNotFound
		}
		return Assignment{}, errors.Wrap(err, "check exam")
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO assignments (id,exam_id,student_id,status,assigned_at,forced_submission,submit_trigger)
		VALUES ($1,$2,$3,$4,$5,$6,'')`, a.ID, a.ExamID, a.StudentID, string(a.Status), a.AssignedAt.Unix(), false)
	if err != nil {
		if isUniqueViolation(err) {
			return Assignment{}, ErrAlreadyAssigned
		}
		return Assignment{}, errors.Wrap(err, "insert assignment")
	}
	return getAssignment(ctx, s.db, a.ID)
}

func (s *SQLStore) GetAssignment(ctx context.Context, id string) (Assignment, error) {
	return getAssignment(ctx, s.db, id)
}

func (s *SQLStore) FindAssignment(ctx context.Context, examID, studentID string) (Assignment, error) {
	a, err := scanAssignment(s.db.QueryRowContext(ctx, `SELECT `+assignmentCols+` FROM assignments WHERE exam_id=$1 AND student_id=$2`, examID, studentID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Assignment{}, ErrNotAssigned
		}
		return Assignment{}, errors.Wrap(err, "find assignment")
	}
	return a, nil
}

func (s *SQLStore) ListAssignments(ctx context.Context, opts AssignmentListOpts) ([]Assignment, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if opts.ExamID != "" {
		where = append(where, "a.exam_id="+arg(opts.ExamID))
	}
	if opts.StudentID != "" {
		where = append(where, "a.student_id="+arg(opts.StudentID))
	}
	if opts.Status != "" {
		where = append(where, "a.status="+arg(string(opts.Status)))
	}
	if opts.OverdueAt != nil {
		where = append(where, "a.started_at IS NOT NULL", "a.submitted_at IS NULL",
			"a.started_at + e.duration_minutes*60 < "+arg(opts.OverdueAt.Unix()))
	}
	q := `SELECT a.` + strings.ReplaceAll(assignmentCols, ",", ",a.") + ` FROM assignments a JOIN exams e ON e.id=a.exam_id`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	q += " ORDER BY a.assigned_at DESC LIMIT " + arg(limit) + " OFFSET " + arg(opts.Offset)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, errors.Wrap(err, "list assignments")
	}
	defer rows.Close()
	out := make([]Assignment, 0)
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *SQLStore) DeleteAssignment(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM assignments WHERE id=$1 AND started_at IS NULL`, id)
	if err != nil {
		return errors.Wrap(err, "delete assignment")
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	if _, err := getAssignment(ctx, s.db, id); err != nil {
		return err
	}
	return ErrAlreadyStarted
}

func (s *SQLStore) MarkStarted(ctx context.Context, id string, at time.Time) (Assignment, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE assignments SET started_at=$1, status=$2 WHERE id=$3 AND started_at IS NULL`,
		at.Unix(), string(StatusStarted), id)
	if err != nil {
		return Assignment{}, errors.Wrap(err, "mark started")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := getAssignment(ctx, s.db, id); err != nil {
			return Assignment{}, err
		}
		return Assignment{}, ErrAlreadyStarted
	}
	return getAssignment(ctx, s.db, id)
}

func (s *SQLStore) ReplaceAnswers(ctx context.Context, assignmentID, questionID string, answers []Answer) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		// Touching the row first serializes with FinalizeSubmission.
		res, err := tx.ExecContext(ctx, `UPDATE assignments SET status=status
			WHERE id=$1 AND started_at IS NOT NULL AND submitted_at IS NULL`, assignmentID)
		if err != nil {
			return errors.Wrap(err, "lock assignment")
		}
		if n, _ := res.RowsAffected(); n == 0 {
			if _, err := getAssignment(ctx, tx, assignmentID); err != nil {
				return err
			}
			return ErrSessionClosed
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM answers WHERE assignment_id=$1 AND question_id=$2`, assignmentID, questionID); err != nil {
			return errors.Wrap(err, "clear answers")
		}
		for _, a := range answers {
			if a.ID == "" {
				a.ID = uuid.NewString()
			}
			if err := insertAnswer(ctx, tx, a); err != nil {
				return err
			}
		}
		return nil
	})
}

func insertAnswer(ctx context.Context, tx *sql.Tx, a Answer) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO answers (id,assignment_id,question_id,choice_id,answer_text,score,feedback,graded_by,updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		a.ID, a.AssignmentID, a.QuestionID, a.ChoiceID, a.Text, a.Score, a.Feedback, a.GradedBy, a.UpdatedAt.Unix())
	return errors.Wrap(err, "insert answer")
}

func (s *SQLStore) ListAnswers(ctx context.Context, assignmentID string) ([]Answer, error) {
	if _, err := getAssignment(ctx, s.db, assignmentID); err != nil {
		return nil, err
	}
	return listAnswers(ctx, s.db, assignmentID)
}

func listAnswers(ctx context.Context, q queryer, assignmentID string) ([]Answer, error) {
	rows, err := q.QueryContext(ctx, `SELECT id,assignment_id,question_id,choice_id,answer_text,score,feedback,graded_by,updated_at
		FROM answers WHERE assignment_id=$1 ORDER BY question_id, id`, assignmentID)
	if err != nil {
		return nil, errors.Wrap(err, "select answers")
	}
	defer rows.Close()
	out := make([]Answer, 0)
	for rows.Next() {
		var (
			a                      Answer
			choice, text, feedback sql.NullString
			score                  sql.NullFloat64
			updated                int64
		)
		if err := rows.Scan(&a.ID, &a.AssignmentID, &a.QuestionID, &choice, &text, &score, &feedback, &a.GradedBy, &updated); err != nil {
			return nil, err
		}
		if choice.Valid {
			a.ChoiceID = &choice.String
		}
		if text.Valid {
			a.Text = &text.String
		}
		if score.Valid {
			a.Score = &score.Float64
		}
		if feedback.Valid {
			a.Feedback = &feedback.String
		}
		a.UpdatedAt = time.Unix(updated, 0)
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *SQLStore) FinalizeSubmission(ctx context.Context, id string, rec SubmitRecord, score ScoreFunc) (Assignment, bool, error) {
	var (
		out Assignment
		won bool
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var violation any
		if rec.Violation != nil {
			violation = string(*rec.Violation)
		}
		res, err := tx.ExecContext(ctx, `UPDATE assignments
			SET submitted_at=$1, submit_trigger=$2, forced_submission=$3, security_violation=$4, status=$5
			WHERE id=$6 AND started_at IS NOT NULL AND submitted_at IS NULL`,
			rec.At.Unix(), string(rec.Trigger), rec.Trigger.Forced(), violation, string(StatusSubmitted), id)
		if err != nil {
			return errors.Wrap(err, "mark submitted")
		}
		if n, _ := res.RowsAffected(); n == 0 {
			a, err := getAssignment(ctx, tx, id)
			if err != nil {
				return err
			}
			if a.StartedAt == nil {
				return ErrNotStarted
			}
			out = a
			return nil
		}
		won = true
		answers, err := listAnswers(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := writeCard(ctx, tx, id, score(answers), rec.At); err != nil {
			return err
		}
		out, err = getAssignment(ctx, tx, id)
		return err
	})
	if err != nil {
		return Assignment{}, false, err
	}
	return out, won, nil
}

func (s *SQLStore) ApplyGrade(ctx context.Context, assignmentID, questionID string, g Grade, score ScoreFunc) (Assignment, error) {
	var out Assignment
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE assignments SET status=status WHERE id=$1 AND submitted_at IS NOT NULL`, assignmentID)
		if err != nil {
			return errors.Wrap(err, "lock assignment")
		}
		if n, _ := res.RowsAffected(); n == 0 {
			if _, err := getAssignment(ctx, tx, assignmentID); err != nil {
				return err
			}
			return ErrNotSubmitted
		}
		res, err = tx.ExecContext(ctx, `UPDATE answers SET score=$1, feedback=$2, graded_by=$3, updated_at=$4
			WHERE assignment_id=$5 AND question_id=$6`, g.Score, g.Feedback, g.GradedBy, g.At.Unix(), assignmentID, questionID)
		if err != nil {
			return errors.Wrap(err, "grade answer")
		}
		if n, _ := res.RowsAffected(); n == 0 {
			sc, fb, empty := g.Score, g.Feedback, ""
			err := insertAnswer(ctx, tx, Answer{
				ID: uuid.NewString(), AssignmentID: assignmentID, QuestionID: questionID,
				Text: &empty, Score: &sc, Feedback: &fb, GradedBy: g.GradedBy, UpdatedAt: g.At,
			})
			if err != nil {
				return err
			}
		}
		answers, err := listAnswers(ctx, tx, assignmentID)
		if err != nil {
			return err
		}
		if err := writeCard(ctx, tx, assignmentID, score(answers), g.At); err != nil {
			return err
		}
		out, err = getAssignment(ctx, tx, assignmentID)
		return err
	})
	return out, err
}

func writeCard(ctx context.Context, tx *sql.Tx, id string, card ScoreCard, at time.Time) error {
	status, graded := StatusSubmitted, any(nil)
	if card.Graded {
		status, graded = StatusGraded, at.Unix()
	}
	_, err := tx.ExecContext(ctx, `UPDATE assignments SET auto_score=$1, score=$2, status=$3, graded_at=$4 WHERE id=$5`,
		card.AutoScore, card.Score, string(status), graded, id)
	return errors.Wrap(err, "write scores")
}

func unixOrNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Unix()
}

func timeOrNil(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(v.Int64, 0)
	return &t
}

func isUniqueViolation(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || // sqlite
		strings.Contains(msg, "duplicate key") // postgres
}
