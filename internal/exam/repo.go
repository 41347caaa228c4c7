package exam

import (
	"context"
	"time"
)

type Store interface {
	PutExam(ctx context.Context, e Exam) error
	GetExam(ctx context.Context, id string) (Exam, error) // full exam, including correctness flags
	ListExams(ctx context.Context, opts ListOpts) ([]ExamSummary, error)

	CreateAssignment(ctx context.Context, a Assignment) (Assignment, error)
	GetAssignment(ctx context.Context, id string) (Assignment, error)
	FindAssignment(ctx context.Context, examID, studentID string) (Assignment, error)
	ListAssignments(ctx context.Context, opts AssignmentListOpts) ([]Assignment, error)
	// DeleteAssignment only succeeds while the attempt has not started.
	DeleteAssignment(ctx context.Context, id string) error

	// MarkStarted sets started_at if it is still null.
	MarkStarted(ctx context.Context, id string, at time.Time) (Assignment, error)

	// ReplaceAnswers swaps the full answer set of one question while the
	// session is open.
	ReplaceAnswers(ctx context.Context, assignmentID, questionID string, rows []Answer) error
	ListAnswers(ctx context.Context, assignmentID string) ([]Answer, error)

	// FinalizeSubmission sets submitted_at if it is still null and stores the
	// scores computed by score. won is false when another caller got there first.
	FinalizeSubmission(ctx context.Context, id string, rec SubmitRecord, score ScoreFunc) (a Assignment, won bool, err error)

	// ApplyGrade records a manual grade on a text answer and stores the
	// recomputed scores.
	ApplyGrade(ctx context.Context, assignmentID, questionID string, g Grade, score ScoreFunc) (Assignment, error)
}
