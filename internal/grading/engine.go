package grading

import "math"

// Question types understood by the engine.
const (
	TypeOneChoice = "one_choice"
	TypeMultiple  = "multiple"
	TypeBoolean   = "boolean"
	TypeText      = "text"
)

// Q is the part of an exam question the engine scores against. Points and
// choice correctness come from the exam definition at grading time.
type Q struct {
	ID      string
	Type    string
	Points  float64
	Choices []C
}

// C is a choice as seen by the engine.
type C struct {
	ID      string
	Correct bool
}

// Response is everything a student stored for one question.
// ChoiceIDs holds one entry per selected choice; ManualScore is set once a
// teacher graded a free-text answer.
type Response struct {
	ChoiceIDs   []string
	Text        string
	ManualScore *float64
}

// Strategy scores one question type.
type Strategy interface {
	Supports(questionType string) bool
	// IsCorrect returns nil when correctness cannot be determined automatically.
	IsCorrect(q Q, r Response) *bool
	CalculateScore(q Q, r Response) float64
}

// Engine routes by question type to the correct Strategy.
type Engine struct {
	strategies map[string]Strategy
}

// NewEngine installs built-in strategies.
func NewEngine() *Engine {
	single := singleChoiceStrategy{}
	return &Engine{
		strategies: map[string]Strategy{
			TypeOneChoice: single,
			TypeBoolean:   single,
			TypeMultiple:  multipleChoiceStrategy{},
			TypeText:      textStrategy{},
		},
	}
}

func (e *Engine) strategy(t string) (Strategy, bool) {
	s, ok := e.strategies[t]
	if !ok || !s.Supports(t) {
		return nil, false
	}
	return s, true
}

// IsAutoGradable reports whether a question type is scored without a teacher.
func IsAutoGradable(t string) bool {
	switch t {
	case TypeOneChoice, TypeMultiple, TypeBoolean:
		return true
	}
	return false
}

// IsCorrect reports whether r fully answers q. It is nil when correctness
// cannot be decided automatically, which is always the case for free text
// and unknown types.
func (e *Engine) IsCorrect(q Q, r Response) *bool {
	s, ok := e.strategy(q.Type)
	if !ok {
		return nil
	}
	return s.IsCorrect(q, r)
}

// CalculateQuestionScore returns the points earned on q. Unknown types earn 0.
func (e *Engine) CalculateQuestionScore(q Q, r Response) float64 {
	s, ok := e.strategy(q.Type)
	if !ok {
		return 0
	}
	return s.CalculateScore(q, r)
}

// CalculateAssignmentScore sums every question of the exam. Questions without
// a response score 0.
func (e *Engine) CalculateAssignmentScore(qs []Q, responses map[string]Response) float64 {
	total := 0.0
	for _, q := range qs {
		total += e.CalculateQuestionScore(q, responses[q.ID])
	}
	return Round2(total)
}

// CalculateAutoCorrectableScore is CalculateAssignmentScore restricted to the
// auto-gradable types.
func (e *Engine) CalculateAutoCorrectableScore(qs []Q, responses map[string]Response) float64 {
	total := 0.0
	for _, q := range qs {
		if !IsAutoGradable(q.Type) {
			continue
		}
		total += e.CalculateQuestionScore(q, responses[q.ID])
	}
	return Round2(total)
}

// Round2 rounds v to two decimal places, half away from zero.
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// --- Strategies ---

// one_choice and boolean: exactly one selected choice, flagged correct.
type singleChoiceStrategy struct{}

func (singleChoiceStrategy) Supports(t string) bool {
	return t == TypeOneChoice || t == TypeBoolean
}

func (singleChoiceStrategy) IsCorrect(q Q, r Response) *bool {
	ok := false
	if len(r.ChoiceIDs) == 1 {
		ok = isCorrectChoice(q, r.ChoiceIDs[0])
	}
	return &ok
}

func (s singleChoiceStrategy) CalculateScore(q Q, r Response) float64 {
	if *s.IsCorrect(q, r) {
		return q.Points
	}
	return 0
}

// multiple: the selected set must equal the correct set. No partial credit.
type multipleChoiceStrategy struct{}

func (multipleChoiceStrategy) Supports(t string) bool { return t == TypeMultiple }

func (multipleChoiceStrategy) IsCorrect(q Q, r Response) *bool {
	correct := make(map[string]struct{})
	for _, c := range q.Choices {
		if c.Correct {
			correct[c.ID] = struct{}{}
		}
	}
	ok := len(correct) > 0 && setEqual(correct, toSet(r.ChoiceIDs))
	return &ok
}

func (s multipleChoiceStrategy) CalculateScore(q Q, r Response) float64 {
	if *s.IsCorrect(q, r) {
		return q.Points
	}
	return 0
}

// text: never auto-determined; the score is whatever a teacher recorded.
type textStrategy struct{}

func (textStrategy) Supports(t string) bool { return t == TypeText }

func (textStrategy) IsCorrect(Q, Response) *bool { return nil }

func (textStrategy) CalculateScore(_ Q, r Response) float64 {
	if r.ManualScore == nil {
		return 0
	}
	return *r.ManualScore
}

// helpers

func isCorrectChoice(q Q, id string) bool {
	for _, c := range q.Choices {
		if c.ID == id {
			return c.Correct
		}
	}
	return false
}

func toSet(arr []string) map[string]struct{} {
	m := make(map[string]struct{}, len(arr))
	for _, s := range arr {
		m[s] = struct{}{}
	}
	return m
}

func setEqual(a, b map[string]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if _, ok := b[k]; !ok {
			return false
		}
	}
	return true
}
