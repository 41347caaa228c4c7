package exam

import "time"

type QuestionType string

const (
	OneChoice QuestionType = "one_choice"
	Multiple  QuestionType = "multiple"
	Boolean   QuestionType = "boolean"
	Text      QuestionType = "text"
)

func (t QuestionType) Valid() bool {
	switch t {
	case OneChoice, Multiple, Boolean, Text:
		return true
	}
	return false
}

// IsChoice reports whether answers to this type reference choices.
func (t QuestionType) IsChoice() bool { return t != Text }

type Status string

const (
	StatusAssigned  Status = "assigned"
	StatusStarted   Status = "started"
	StatusSubmitted Status = "submitted"
	StatusGraded    Status = "graded"
)

// Trigger records what caused a submission.
type Trigger string

const (
	TriggerManual    Trigger = "manual"
	TriggerTimeout   Trigger = "timeout"
	TriggerViolation Trigger = "violation"
)

func (t Trigger) Valid() bool {
	return t == TriggerManual || t == TriggerTimeout || t == TriggerViolation
}

// Forced is true for submissions the student did not ask for.
func (t Trigger) Forced() bool { return t == TriggerTimeout || t == TriggerViolation }

// ViolationKind is a client-reported security event.
type ViolationKind string

const (
	ViolationTabSwitch      ViolationKind = "tab_switch"
	ViolationFullscreenExit ViolationKind = "fullscreen_exit"
	ViolationDevTools       ViolationKind = "devtools_opened"
	ViolationCopyPaste      ViolationKind = "copy_paste"
	ViolationRightClick     ViolationKind = "right_click"
	ViolationPrintAttempt   ViolationKind = "print_attempt"
	ViolationIdleTimeout    ViolationKind = "idle_timeout"
)

func (k ViolationKind) Valid() bool {
	switch k {
	case ViolationTabSwitch, ViolationFullscreenExit, ViolationDevTools, ViolationCopyPaste,
		ViolationRightClick, ViolationPrintAttempt, ViolationIdleTimeout:
		return true
	}
	return false
}

// Critical reports whether the violation ends the attempt.
func (k ViolationKind) Critical() bool {
	return k == ViolationTabSwitch || k == ViolationFullscreenExit
}

// SecurityFeatures selects which client-side monitors run for an exam.
type SecurityFeatures struct {
	DevToolsDetection   bool `json:"devToolsDetection"`
	CopyPastePrevention bool `json:"copyPastePrevention"`
	ContextMenuDisabled bool `json:"contextMenuDisabled"`
	PrintPrevention     bool `json:"printPrevention"`
	TabSwitchDetection  bool `json:"tabSwitchDetection"`
	FullscreenRequired  bool `json:"fullscreenRequired"`
}

type Choice struct {
	ID         string `json:"id"`
	QuestionID string `json:"question_id,omitempty"`
	Label      string `json:"label"`
	IsCorrect  bool   `json:"is_correct,omitempty"`
	Position   int    `json:"position"`
}

type Question struct {
	ID       string       `json:"id"`
	ExamID   string       `json:"exam_id,omitempty"`
	Type     QuestionType `json:"type"`
	Prompt   string       `json:"prompt"`
	Points   int          `json:"points"`
	Position int          `json:"position"`
	Choices  []Choice     `json:"choices,omitempty"`
}

func (q Question) Choice(id string) (Choice, bool) {
	for _, c := range q.Choices {
		if c.ID == id {
			return c, true
		}
	}
	return Choice{}, false
}

type Exam struct {
	ID              string           `json:"id"`
	Title           string           `json:"title"`
	DurationMinutes int              `json:"duration_minutes"`
	StartsAt        *time.Time       `json:"starts_at,omitempty"`
	EndsAt          *time.Time       `json:"ends_at,omitempty"`
	Active          bool             `json:"active"`
	Security        SecurityFeatures `json:"security"`
	Questions       []Question       `json:"questions"`
	CreatedAt       time.Time        `json:"created_at"`
}

func (e Exam) Question(id string) (Question, bool) {
	for _, q := range e.Questions {
		if q.ID == id {
			return q, true
		}
	}
	return Question{}, false
}

// OpenAt reports whether the exam can be started at t.
func (e Exam) OpenAt(t time.Time) bool {
	if !e.Active {
		return false
	}
	if e.StartsAt != nil && t.Before(*e.StartsAt) {
		return false
	}
	if e.EndsAt != nil && t.After(*e.EndsAt) {
		return false
	}
	return true
}

func (e Exam) Duration() time.Duration {
	return time.Duration(e.DurationMinutes) * time.Minute
}

func (e Exam) MaxPoints() int {
	total := 0
	for _, q := range e.Questions {
		total += q.Points
	}
	return total
}

// StudentView strips correctness flags.
func (e Exam) StudentView() Exam {
	out := e
	out.Questions = make([]Question, len(e.Questions))
	for i, q := range e.Questions {
		cs := make([]Choice, len(q.Choices))
		for j, c := range q.Choices {
			c.IsCorrect = false
			cs[j] = c
		}
		q.Choices = cs
		out.Questions[i] = q
	}
	return out
}

// Assignment is one student's attempt at one exam.
type Assignment struct {
	ID                string         `json:"id"`
	ExamID            string         `json:"exam_id"`
	StudentID         string         `json:"student_id"`
	Status            Status         `json:"status"`
	AssignedAt        time.Time      `json:"assigned_at"`
	StartedAt         *time.Time     `json:"started_at,omitempty"`
	SubmittedAt       *time.Time     `json:"submitted_at,omitempty"`
	AutoScore         *float64       `json:"auto_score,omitempty"`
	Score             *float64       `json:"score,omitempty"`
	SecurityViolation *ViolationKind `json:"security_violation,omitempty"`
	ForcedSubmission  bool           `json:"forced_submission"`
	SubmitTrigger     Trigger        `json:"submit_trigger,omitempty"`
	GradedAt          *time.Time     `json:"graded_at,omitempty"`
}

// Deadline is started_at + duration. Zero when not started.
func (a Assignment) Deadline(e Exam) time.Time {
	if a.StartedAt == nil {
		return time.Time{}
	}
	return a.StartedAt.Add(e.Duration())
}

// Open reports whether answers may still be written.
func (a Assignment) Open() bool { return a.StartedAt != nil && a.SubmittedAt == nil }

// Answer is one stored row. Multiple-choice selections produce one row per choice.
type Answer struct {
	ID           string    `json:"id"`
	AssignmentID string    `json:"assignment_id"`
	QuestionID   string    `json:"question_id"`
	ChoiceID     *string   `json:"choice_id,omitempty"`
	Text         *string   `json:"answer_text,omitempty"`
	Score        *float64  `json:"score,omitempty"`
	Feedback     *string   `json:"feedback,omitempty"`
	GradedBy     string    `json:"graded_by,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// AnswerPayload is what a client sends for one question.
type AnswerPayload struct {
	ChoiceID  string   `json:"choiceId,omitempty"`
	ChoiceIDs []string `json:"choiceIds,omitempty"`
	Text      *string  `json:"text,omitempty"`
}

// BufferedAnswer is an answer the client held when a violation fired.
type BufferedAnswer struct {
	QuestionID string `json:"question_id"`
	AnswerPayload
}

// SubmitRecord is what the winning submit writes.
type SubmitRecord struct {
	At        time.Time
	Trigger   Trigger
	Violation *ViolationKind
}

// Grade is a teacher's manual score for a text answer.
type Grade struct {
	Score    float64
	Feedback string
	GradedBy string
	At       time.Time
}

// ScoreCard is the recomputed score state of an assignment.
type ScoreCard struct {
	AutoScore float64
	Score     float64
	Graded    bool
}

// ScoreFunc recomputes scores from the stored answers. Stores call it inside
// the same transaction that changed the answers or submission state.
type ScoreFunc func(answers []Answer) ScoreCard

type ListOpts struct {
	Q      string
	Limit  int
	Offset int
}

type ExamSummary struct {
	ID              string    `json:"id"`
	Title           string    `json:"title"`
	DurationMinutes int       `json:"duration_minutes"`
	Active          bool      `json:"active"`
	CreatedAt       time.Time `json:"created_at"`
}

type AssignmentListOpts struct {
	ExamID    string
	StudentID string
	Status    Status
	// OverdueAt selects started, unsubmitted assignments whose deadline is before it.
	OverdueAt *time.Time
	Limit     int
	Offset    int
}

// QuestionResult is one row of the results breakdown.
type QuestionResult struct {
	QuestionID  string       `json:"question_id"`
	Type        QuestionType `json:"type"`
	Points      int          `json:"points"`
	Earned      float64      `json:"earned"`
	IsCorrect   *bool        `json:"is_correct"`
	Answered    bool         `json:"answered"`
	NeedsManual bool         `json:"needs_manual"`
	Feedback    string       `json:"feedback,omitempty"`
}

type Results struct {
	Assignment Assignment       `json:"assignment"`
	Questions  []QuestionResult `json:"questions"`
	TotalScore float64          `json:"total_score"`
	MaxScore   int              `json:"max_score"`
	Percentage float64          `json:"percentage"`
}

// SessionState is what a client needs to (re)enter a running attempt.
type SessionState struct {
	Assignment       Assignment `json:"assignment"`
	Exam             Exam       `json:"exam"`
	Answers          []Answer   `json:"answers"`
	RemainingSeconds int64      `json:"remaining_seconds"`
	Deadline         *time.Time `json:"deadline,omitempty"`
}
