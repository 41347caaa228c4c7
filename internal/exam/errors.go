package exam

import "github.com/pkg/errors"

// Class groups errors by how callers should react.
type Class int

const (
	ClassUnknown Class = iota
	ClassNotFound
	// ClassGuard is a state-machine guard rejecting the operation.
	ClassGuard
	// ClassIntegrity is a reference to a question or choice outside the exam.
	ClassIntegrity
)

var (
	ErrExamNotFound       = errors.New("exam not found")
	ErrAssignmentNotFound = errors.New("assignment not found")
	ErrNotAssigned        = errors.New("exam not assigned to student")

	ErrAlreadyAssigned     = errors.New("exam already assigned to student")
	ErrAlreadyStarted      = errors.New("attempt already started")
	ErrExamNotActive       = errors.New("exam not active")
	ErrNotStarted          = errors.New("attempt not started")
	ErrSessionClosed       = errors.New("session closed")
	ErrNotSubmitted        = errors.New("attempt not submitted")
	ErrScoreExceedsMax     = errors.New("score exceeds question points")
	ErrInvalidScore        = errors.New("score must not be negative")
	ErrNotManuallyGradable = errors.New("question is auto-graded")
	ErrInvalidTrigger      = errors.New("invalid submit trigger")
	ErrExamInUse           = errors.New("exam has started attempts")
	ErrInvalidExam         = errors.New("invalid exam definition")

	ErrQuestionNotInExam   = errors.New("question does not belong to exam")
	ErrChoiceNotInQuestion = errors.New("choice does not belong to question")
	ErrInvalidPayload      = errors.New("answer payload does not match question type")
)

type kind struct {
	class Class
	code  string
}

var kinds = map[error]kind{
	ErrExamNotFound:       {ClassNotFound, "exam_not_found"},
	ErrAssignmentNotFound: {ClassNotFound, "assignment_not_found"},
	ErrNotAssigned:        {ClassNotFound, "not_assigned"},

	ErrAlreadyAssigned:     {ClassGuard, "already_assigned"},
	ErrAlreadyStarted:      {ClassGuard, "already_started"},
	ErrExamNotActive:       {ClassGuard, "exam_not_active"},
	ErrNotStarted:          {ClassGuard, "not_started"},
	ErrSessionClosed:       {ClassGuard, "session_closed"},
	ErrNotSubmitted:        {ClassGuard, "not_submitted"},
	ErrScoreExceedsMax:     {ClassGuard, "score_exceeds_max"},
	ErrInvalidScore:        {ClassGuard, "invalid_score"},
	ErrNotManuallyGradable: {ClassGuard, "not_manually_gradable"},
	ErrInvalidTrigger:      {ClassGuard, "invalid_trigger"},
	ErrExamInUse:           {ClassGuard, "exam_in_use"},

	ErrInvalidExam:         {ClassIntegrity, "invalid_exam"},
	ErrQuestionNotInExam:   {ClassIntegrity, "question_not_in_exam"},
	ErrChoiceNotInQuestion: {ClassIntegrity, "choice_not_in_question"},
	ErrInvalidPayload:      {ClassIntegrity, "invalid_payload"},
}

func lookup(err error) (kind, bool) {
	if err == nil {
		return kind{}, false
	}
	for sentinel, k := range kinds {
		if errors.Is(err, sentinel) {
			return k, true
		}
	}
	return kind{}, false
}

// ClassOf returns the class of the first known sentinel in err's chain.
func ClassOf(err error) Class {
	k, _ := lookup(err)
	return k.class
}

// CodeOf returns a stable machine-readable code for known errors, or "".
func CodeOf(err error) string {
	k, _ := lookup(err)
	return k.code
}
