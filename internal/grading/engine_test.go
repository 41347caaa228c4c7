package grading

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func choiceQ(typ string, points float64, correct ...string) Q {
	q := Q{ID: "q1", Type: typ, Points: points}
	isCorrect := toSet(correct)
	for _, id := range []string{"a", "b", "c", "d"} {
		_, ok := isCorrect[id]
		q.Choices = append(q.Choices, C{ID: id, Correct: ok})
	}
	return q
}

func ptr(v float64) *float64 { return &v }

func TestSingleChoice(t *testing.T) {
	e := NewEngine()
	for _, typ := range []string{TypeOneChoice, TypeBoolean} {
		q := choiceQ(typ, 10, "b")
		tests := []struct {
			name string
			sel  []string
			want float64
		}{
			{name: "correct", sel: []string{"b"}, want: 10},
			{name: "wrong", sel: []string{"a"}, want: 0},
			{name: "nothing selected", sel: nil, want: 0},
			{name: "unknown choice", sel: []string{"zz"}, want: 0},
			{name: "two rows", sel: []string{"b", "a"}, want: 0},
		}
		for _, tt := range tests {
			t.Run(typ+"/"+tt.name, func(t *testing.T) {
				r := Response{ChoiceIDs: tt.sel}
				assert.Equal(t, tt.want, e.CalculateQuestionScore(q, r))
				got := e.IsCorrect(q, r)
				require.NotNil(t, got)
				assert.Equal(t, tt.want > 0, *got)
			})
		}
	}
}

func TestMultipleIsAllOrNothing(t *testing.T) {
	e := NewEngine()
	q := choiceQ(TypeMultiple, 15, "a", "c")

	tests := []struct {
		name string
		sel  []string
		want float64
	}{
		{name: "exact set", sel: []string{"c", "a"}, want: 15},
		{name: "strict subset", sel: []string{"a"}, want: 0},
		{name: "superset", sel: []string{"a", "b", "c"}, want: 0},
		{name: "disjoint", sel: []string{"b", "d"}, want: 0},
		{name: "empty", sel: nil, want: 0},
		{name: "duplicates of exact set", sel: []string{"a", "a", "c"}, want: 15},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, e.CalculateQuestionScore(q, Response{ChoiceIDs: tt.sel}))
		})
	}
}

func TestMultipleWithoutCorrectChoicesNeverScores(t *testing.T) {
	e := NewEngine()
	q := choiceQ(TypeMultiple, 5)
	assert.Zero(t, e.CalculateQuestionScore(q, Response{}))
	assert.Zero(t, e.CalculateQuestionScore(q, Response{ChoiceIDs: []string{"a"}}))
}

func TestTextUsesManualScore(t *testing.T) {
	e := NewEngine()
	q := Q{ID: "t", Type: TypeText, Points: 20}

	assert.Nil(t, e.IsCorrect(q, Response{Text: "answer"}))
	assert.Zero(t, e.CalculateQuestionScore(q, Response{Text: "answer"}))
	assert.Equal(t, 15.0, e.CalculateQuestionScore(q, Response{Text: "answer", ManualScore: ptr(15)}))
}

func TestUnknownTypeScoresZero(t *testing.T) {
	e := NewEngine()
	q := Q{ID: "x", Type: "essay", Points: 3}
	assert.Nil(t, e.IsCorrect(q, Response{ChoiceIDs: []string{"a"}}))
	assert.Zero(t, e.CalculateQuestionScore(q, Response{ChoiceIDs: []string{"a"}}))
}

func TestAssignmentScoreSumsAndRounds(t *testing.T) {
	e := NewEngine()
	one := choiceQ(TypeOneChoice, 10, "a")
	one.ID = "one"
	multi := choiceQ(TypeMultiple, 0.34, "a", "b")
	multi.ID = "multi"
	text := Q{ID: "text", Type: TypeText, Points: 20}
	qs := []Q{one, multi, text}

	responses := map[string]Response{
		"one":   {ChoiceIDs: []string{"a"}},
		"multi": {ChoiceIDs: []string{"a", "b"}},
		"text":  {Text: "x", ManualScore: ptr(7.333)},
	}

	sum := 0.0
	for _, q := range qs {
		sum += e.CalculateQuestionScore(q, responses[q.ID])
	}
	assert.Equal(t, Round2(sum), e.CalculateAssignmentScore(qs, responses))
	assert.Equal(t, 17.67, e.CalculateAssignmentScore(qs, responses))
	assert.Equal(t, 10.34, e.CalculateAutoCorrectableScore(qs, responses))
}

func TestPartialAnswersScoreAsIs(t *testing.T) {
	e := NewEngine()
	a := choiceQ(TypeOneChoice, 4, "a")
	a.ID = "a"
	b := choiceQ(TypeBoolean, 6, "b")
	b.ID = "b"

	got := e.CalculateAutoCorrectableScore([]Q{a, b}, map[string]Response{"a": {ChoiceIDs: []string{"a"}}})
	assert.Equal(t, 4.0, got)
}

func TestRound2(t *testing.T) {
	tests := []struct {
		in, want float64
	}{
		{in: 0, want: 0},
		{in: 3.333333, want: 3.33},
		{in: 6.666666, want: 6.67},
		{in: 1.005000001, want: 1.01},
		{in: -2.125000001, want: -2.13},
		{in: 42, want: 42},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Round2(tt.in), "Round2(%v)", tt.in)
	}
}
