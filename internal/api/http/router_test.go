package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	authmw "github.com/mind-engage/mindengage-proctor/internal/auth/middleware"
	"github.com/mind-engage/mindengage-proctor/internal/exam"
	"github.com/mind-engage/mindengage-proctor/internal/proctor"
)

type testAPI struct {
	t      *testing.T
	router http.Handler
	auth   *authmw.AuthService
	svc    *exam.Service
	ready  error
}

func newTestAPI(t *testing.T) *testAPI {
	a := &testAPI{t: t, auth: authmw.NewAuthService("router-test-secret", time.Hour)}
	a.svc = exam.NewService(exam.NewInMemoryStore(), exam.WithLogger(zaptest.NewLogger(t)))
	live := proctor.NewMemoryPublisher()
	a.router = NewRouter(RouterConfig{
		Exams:   a.svc,
		Proctor: proctor.NewHandler(a.svc, live, nil, zaptest.NewLogger(t)),
		Live:    live,
		Auth:    a.auth,
		Log:     zaptest.NewLogger(t),
		Login:   authmw.LoginHandler(a.auth, authmw.LoginConfig{}),
		Ready:   func(context.Context) error { return a.ready },
	})
	return a
}

// call sends body as JSON with a token for sub/role (no token when role is
// empty) and decodes the response into out when given.
func (a *testAPI) call(method, path, sub, role string, body, out any) int {
	a.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(a.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if role != "" {
		tok, err := a.auth.IssueJWT(sub, role)
		require.NoError(a.t, err)
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	if out != nil && rec.Body.Len() > 0 {
		require.NoError(a.t, json.Unmarshal(rec.Body.Bytes(), out), rec.Body.String())
	}
	return rec.Code
}

func quizBody() map[string]any {
	return map[string]any{
		"id": "quiz", "title": "Quiz", "duration_minutes": 20, "active": true,
		"security": map[string]bool{"tabSwitchDetection": true},
		"questions": []map[string]any{
			{"id": "q1", "type": "one_choice", "prompt": "2+2?", "points": 10, "choices": []map[string]any{
				{"id": "four", "label": "4", "is_correct": true},
				{"id": "five", "label": "5"},
			}},
			{"id": "q2", "type": "text", "prompt": "Explain.", "points": 10},
		},
	}
}

// seeded creates the quiz and assigns it to the given students.
func (a *testAPI) seeded(students ...string) {
	a.t.Helper()
	require.Equal(a.t, http.StatusCreated, a.call(http.MethodPost, "/exams", "tina", "teacher", quizBody(), nil))
	if len(students) > 0 {
		var res []assignResult
		require.Equal(a.t, http.StatusOK, a.call(http.MethodPost, "/exams/quiz/assignments", "tina", "teacher",
			map[string]any{"student_ids": students}, &res))
	}
}

func (a *testAPI) start(student string) exam.SessionState {
	a.t.Helper()
	var st exam.SessionState
	require.Equal(a.t, http.StatusOK, a.call(http.MethodPost, "/exams/quiz/start", student, "student", nil, &st))
	return st
}

func TestFullAttemptFlow(t *testing.T) {
	a := newTestAPI(t)
	a.seeded("sam")

	st := a.start("sam")
	assert.Equal(t, int64(20*60), st.RemainingSeconds)
	assert.True(t, st.Exam.Security.TabSwitchDetection)
	for _, q := range st.Exam.Questions {
		for _, c := range q.Choices {
			assert.False(t, c.IsCorrect, "student view leaks correctness")
		}
	}
	id := st.Assignment.ID

	assert.Equal(t, http.StatusNoContent, a.call(http.MethodPut, "/assignments/"+id+"/answers/q1", "sam", "student",
		map[string]any{"choiceId": "four"}, nil))
	assert.Equal(t, http.StatusNoContent, a.call(http.MethodPut, "/assignments/"+id+"/answers/q2", "sam", "student",
		map[string]any{"text": "because"}, nil))

	var sub exam.Assignment
	require.Equal(t, http.StatusOK, a.call(http.MethodPost, "/assignments/"+id+"/submit", "sam", "student",
		map[string]any{"trigger": "manual"}, &sub))
	assert.Equal(t, exam.StatusSubmitted, sub.Status)
	assert.Equal(t, 10.0, *sub.AutoScore)
	assert.Equal(t, 10.0, *sub.Score)

	var again exam.Assignment
	require.Equal(t, http.StatusOK, a.call(http.MethodPost, "/assignments/"+id+"/submit", "sam", "student",
		map[string]any{"trigger": "manual"}, &again))
	assert.Equal(t, sub.SubmittedAt.Unix(), again.SubmittedAt.Unix())

	var graded exam.Assignment
	require.Equal(t, http.StatusOK, a.call(http.MethodPost, "/assignments/"+id+"/grades/q2", "tina", "teacher",
		map[string]any{"score": 7.5, "feedback": "ok"}, &graded))
	assert.Equal(t, exam.StatusGraded, graded.Status)
	assert.Equal(t, 17.5, *graded.Score)

	var res exam.Results
	require.Equal(t, http.StatusOK, a.call(http.MethodGet, "/assignments/"+id+"/results", "sam", "student", nil, &res))
	assert.Equal(t, 17.5, res.TotalScore)
	assert.Equal(t, 20, res.MaxScore)
	assert.InDelta(t, 87.5, res.Percentage, 0.001)
}

func TestErrorMapping(t *testing.T) {
	a := newTestAPI(t)
	a.seeded("sam")
	st := a.start("sam")
	id := st.Assignment.ID

	cases := []struct {
		name         string
		method, path string
		sub, role    string
		body         any
		status       int
		code         string
	}{
		{"unknown exam", http.MethodGet, "/exams/nope", "sam", "student", nil, http.StatusNotFound, "exam_not_found"},
		{"unknown assignment", http.MethodGet, "/assignments/nope/session", "tina", "teacher", nil, http.StatusNotFound, "assignment_not_found"},
		{"not assigned", http.MethodPost, "/exams/quiz/start", "zoe", "student", nil, http.StatusNotFound, "not_assigned"},
		{"start twice", http.MethodPost, "/exams/quiz/start", "sam", "student", nil, http.StatusConflict, "already_started"},
		{"foreign choice", http.MethodPut, "/assignments/" + id + "/answers/q1", "sam", "student",
			map[string]any{"choiceId": "q2"}, http.StatusUnprocessableEntity, "choice_not_in_question"},
		{"foreign question", http.MethodPut, "/assignments/" + id + "/answers/q9", "sam", "student",
			map[string]any{"text": "x"}, http.StatusUnprocessableEntity, "question_not_in_exam"},
		{"bad trigger", http.MethodPost, "/assignments/" + id + "/submit", "sam", "student",
			map[string]any{"trigger": "later"}, http.StatusUnprocessableEntity, "validation"},
		{"violation trigger on submit route", http.MethodPost, "/assignments/" + id + "/submit", "sam", "student",
			map[string]any{"trigger": "violation", "violation": "idle_timeout"}, http.StatusUnprocessableEntity, "validation"},
		{"unknown violation", http.MethodPost, "/assignments/" + id + "/violations", "sam", "student",
			map[string]any{"kind": "screenshot"}, http.StatusUnprocessableEntity, "unknown_violation"},
		{"grade before submit", http.MethodPost, "/assignments/" + id + "/grades/q2", "tina", "teacher",
			map[string]any{"score": 1}, http.StatusConflict, "not_submitted"},
		{"grade without score", http.MethodPost, "/assignments/" + id + "/grades/q2", "tina", "teacher",
			map[string]any{"feedback": "x"}, http.StatusUnprocessableEntity, "validation"},
		{"unassign started", http.MethodDelete, "/assignments/" + id, "tina", "teacher", nil, http.StatusConflict, "already_started"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var body errorBody
			assert.Equal(t, tc.status, a.call(tc.method, tc.path, tc.sub, tc.role, tc.body, &body))
			assert.Equal(t, tc.code, body.Code)
		})
	}
}

func TestBadJSON(t *testing.T) {
	a := newTestAPI(t)
	req := httptest.NewRequest(http.MethodPost, "/exams", bytes.NewBufferString("{"))
	tok, err := a.auth.IssueJWT("tina", "teacher")
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+tok)
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateExamValidation(t *testing.T) {
	a := newTestAPI(t)
	body := quizBody()
	body["title"] = "  "
	body["questions"] = []map[string]any{{"id": "q1", "type": "essay", "prompt": "p", "points": 0}}

	var eb errorBody
	require.Equal(t, http.StatusUnprocessableEntity, a.call(http.MethodPost, "/exams", "tina", "teacher", body, &eb))
	assert.Contains(t, eb.Fields, "title")
	assert.Contains(t, eb.Fields, "questions[0].type")
	assert.Contains(t, eb.Fields, "questions[0].points")

	body = quizBody()
	body["questions"] = []map[string]any{{"id": "q1", "type": "text", "prompt": "p", "points": 1,
		"choices": []map[string]any{{"id": "c"}}}}
	require.Equal(t, http.StatusUnprocessableEntity, a.call(http.MethodPost, "/exams", "tina", "teacher", body, &eb))
	assert.Equal(t, "invalid_exam", eb.Code)
}

func TestAuthAndRoles(t *testing.T) {
	a := newTestAPI(t)
	a.seeded("sam", "sue")
	st := a.start("sam")
	id := st.Assignment.ID

	assert.Equal(t, http.StatusUnauthorized, a.call(http.MethodGet, "/exams", "", "", nil, nil))
	assert.Equal(t, http.StatusForbidden, a.call(http.MethodPost, "/exams", "sam", "student", quizBody(), nil))
	assert.Equal(t, http.StatusForbidden, a.call(http.MethodGet, "/exams/quiz/monitor", "sam", "student", nil, nil))
	assert.Equal(t, http.StatusForbidden, a.call(http.MethodPost, "/assignments/"+id+"/grades/q2", "sam", "student",
		map[string]any{"score": 10}, nil))

	// another student's assignment
	assert.Equal(t, http.StatusForbidden, a.call(http.MethodGet, "/assignments/"+id+"/session", "sue", "student", nil, nil))
	assert.Equal(t, http.StatusForbidden, a.call(http.MethodPut, "/assignments/"+id+"/answers/q1", "sue", "student",
		map[string]any{"choiceId": "four"}, nil))
	assert.Equal(t, http.StatusForbidden, a.call(http.MethodPost, "/assignments/"+id+"/submit", "sue", "student",
		map[string]any{"trigger": "manual"}, nil))

	// teachers see everything
	assert.Equal(t, http.StatusOK, a.call(http.MethodGet, "/assignments/"+id+"/session", "tina", "teacher", nil, nil))

	var own []exam.Assignment
	require.Equal(t, http.StatusOK, a.call(http.MethodGet, "/assignments?student_id=sam", "sue", "student", nil, &own))
	require.Len(t, own, 1)
	assert.Equal(t, "sue", own[0].StudentID)

	var all []exam.Assignment
	require.Equal(t, http.StatusOK, a.call(http.MethodGet, "/assignments?exam_id=quiz", "tina", "teacher", nil, &all))
	assert.Len(t, all, 2)
}

func TestTeacherSeesCorrectness(t *testing.T) {
	a := newTestAPI(t)
	a.seeded()
	var ex exam.Exam
	require.Equal(t, http.StatusOK, a.call(http.MethodGet, "/exams/quiz", "tina", "teacher", nil, &ex))
	c, ok := ex.Questions[0].Choice("four")
	require.True(t, ok)
	assert.True(t, c.IsCorrect)

	var list []exam.ExamSummary
	require.Equal(t, http.StatusOK, a.call(http.MethodGet, "/exams?q=qui", "sam", "student", nil, &list))
	require.Len(t, list, 1)
	assert.Equal(t, "Quiz", list[0].Title)
}

func TestAssignReportsPerStudent(t *testing.T) {
	a := newTestAPI(t)
	a.seeded("sam")
	var res []assignResult
	require.Equal(t, http.StatusOK, a.call(http.MethodPost, "/exams/quiz/assignments", "tina", "teacher",
		map[string]any{"student_ids": []string{"sam", "sue"}}, &res))
	require.Len(t, res, 2)
	assert.Equal(t, "already_assigned", res[0].Error)
	require.NotNil(t, res[1].Assignment)
	assert.Equal(t, exam.StatusAssigned, res[1].Assignment.Status)

	assert.Equal(t, http.StatusNotFound, a.call(http.MethodPost, "/exams/nope/assignments", "tina", "teacher",
		map[string]any{"student_ids": []string{"sam"}}, nil))
	assert.Equal(t, http.StatusNoContent, a.call(http.MethodDelete, "/assignments/"+res[1].Assignment.ID, "tina", "teacher", nil, nil))
}

func TestViolationFlowAndMonitor(t *testing.T) {
	a := newTestAPI(t)
	a.seeded("sam")
	st := a.start("sam")
	id := st.Assignment.ID

	var warn proctor.Outcome
	require.Equal(t, http.StatusOK, a.call(http.MethodPost, "/assignments/"+id+"/violations", "sam", "student",
		map[string]any{"kind": "copy_paste"}, &warn))
	assert.False(t, warn.Submitted)
	assert.Equal(t, proctor.SeverityWarning, warn.Severity)

	var crit proctor.Outcome
	require.Equal(t, http.StatusOK, a.call(http.MethodPost, "/assignments/"+id+"/violations", "sam", "student",
		map[string]any{"kind": "tab_switch", "answers": []map[string]any{{"question_id": "q1", "choiceId": "four"}}}, &crit))
	assert.True(t, crit.Submitted)
	assert.True(t, crit.Assignment.ForcedSubmission)
	assert.Equal(t, 10.0, *crit.Assignment.AutoScore)

	assert.Equal(t, http.StatusConflict, a.call(http.MethodPut, "/assignments/"+id+"/answers/q1", "sam", "student",
		map[string]any{"choiceId": "five"}, nil))

	var mon struct {
		ExamID   string                      `json:"exam_id"`
		Students []proctor.StudentViolations `json:"students"`
	}
	require.Equal(t, http.StatusOK, a.call(http.MethodGet, "/exams/quiz/monitor", "tina", "teacher", nil, &mon))
	assert.Equal(t, "quiz", mon.ExamID)
	require.Len(t, mon.Students, 1)
	assert.Equal(t, int64(2), mon.Students[0].Total)
}

func TestSubmitTriggerIsCheckedAgainstServerClock(t *testing.T) {
	a := newTestAPI(t)
	a.seeded("sam")
	id := a.start("sam").Assignment.ID

	var sub exam.Assignment
	require.Equal(t, http.StatusOK, a.call(http.MethodPost, "/assignments/"+id+"/submit", "sam", "student",
		map[string]any{"trigger": "timeout"}, &sub))
	assert.Equal(t, exam.TriggerManual, sub.SubmitTrigger)
	assert.False(t, sub.ForcedSubmission)
}

func TestExamRedefinitionRejectedOnceStarted(t *testing.T) {
	a := newTestAPI(t)
	a.seeded("sam", "sue")
	require.Equal(t, http.StatusCreated, a.call(http.MethodPost, "/exams", "tina", "teacher", quizBody(), nil))

	a.start("sam")
	var eb errorBody
	require.Equal(t, http.StatusConflict, a.call(http.MethodPost, "/exams", "tina", "teacher", quizBody(), &eb))
	assert.Equal(t, "exam_in_use", eb.Code)
}

func TestLoginRateLimited(t *testing.T) {
	a := newTestAPI(t)
	body := map[string]string{"username": "sam", "password": "sam", "role": "student"}
	for i := 0; i < 10; i++ {
		require.Equal(t, http.StatusOK, a.call(http.MethodPost, "/auth/login", "", "", body, nil), i)
	}
	var eb errorBody
	assert.Equal(t, http.StatusTooManyRequests, a.call(http.MethodPost, "/auth/login", "", "", body, &eb))
	assert.Equal(t, "rate_limited", eb.Code)
}

func TestProbes(t *testing.T) {
	a := newTestAPI(t)
	assert.Equal(t, http.StatusOK, a.call(http.MethodGet, "/healthz", "", "", nil, nil))
	assert.Equal(t, http.StatusOK, a.call(http.MethodGet, "/readyz", "", "", nil, nil))
	a.ready = errors.New("db down")
	assert.Equal(t, http.StatusServiceUnavailable, a.call(http.MethodGet, "/readyz", "", "", nil, nil))

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "http_requests_total")
}
