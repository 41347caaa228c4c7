package http

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	authmw "github.com/mind-engage/mindengage-proctor/internal/auth/middleware"
	"github.com/mind-engage/mindengage-proctor/internal/exam"
	"github.com/mind-engage/mindengage-proctor/internal/proctor"
	"github.com/mind-engage/mindengage-proctor/internal/rbac"
)

// owned loads the assignment in the URL. Callers without attempt:view-all
// may only touch their own.
func owned(svc *exam.Service, w http.ResponseWriter, r *http.Request) (exam.Assignment, bool) {
	a, err := svc.GetAssignment(r.Context(), chi.URLParam(r, "assignmentID"))
	if err != nil {
		writeError(w, r, err)
		return exam.Assignment{}, false
	}
	if !rbac.Allowed(r.Context(), rbac.PermAttemptViewAll) && a.StudentID != authmw.SubjectFromContext(r.Context()) {
		forbidden(w)
		return exam.Assignment{}, false
	}
	return a, true
}

// GET /assignments?exam_id=&student_id=&status=&limit=&offset=
// Without attempt:view-all the student filter is forced to the caller.
func ListAssignmentsHandler(svc *exam.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		studentID := strings.TrimSpace(q.Get("student_id"))
		if !rbac.Allowed(r.Context(), rbac.PermAttemptViewAll) {
			studentID = authmw.SubjectFromContext(r.Context())
		}
		list, err := svc.ListAssignments(r.Context(), exam.AssignmentListOpts{
			ExamID:    strings.TrimSpace(q.Get("exam_id")),
			StudentID: studentID,
			Status:    exam.Status(strings.TrimSpace(q.Get("status"))),
			Limit:     parseIntDefault(q.Get("limit"), 50),
			Offset:    parseIntDefault(q.Get("offset"), 0),
		})
		if err != nil {
			writeError(w, r, err)
			return
		}
		respondJSON(w, http.StatusOK, list)
	}
}

// DELETE /assignments/{assignmentID}
func UnassignHandler(svc *exam.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := svc.Unassign(r.Context(), chi.URLParam(r, "assignmentID")); err != nil {
			writeError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// GET /assignments/{assignmentID}/session
func SessionHandler(svc *exam.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		a, ok := owned(svc, w, r)
		if !ok {
			return
		}
		st, err := svc.Session(r.Context(), a.ID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		respondJSON(w, http.StatusOK, st)
	}
}

// PUT /assignments/{assignmentID}/answers/{questionID}
// Body: {"choiceId": ".."} | {"choiceIds": [..]} | {"text": ".."}
func SaveAnswerHandler(svc *exam.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		a, ok := owned(svc, w, r)
		if !ok {
			return
		}
		var p exam.AnswerPayload
		if err := decode(r, &p); err != nil {
			writeError(w, r, err)
			return
		}
		if err := svc.SaveAnswer(r.Context(), a.ID, chi.URLParam(r, "questionID"), p); err != nil {
			writeError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

type submitReq struct {
	Trigger string `json:"trigger" validate:"required,oneof=manual timeout"`
}

// POST /assignments/{assignmentID}/submit
// Repeated or racing submits return the already submitted assignment.
// Violation submits go through the violations route so they are audited.
func SubmitHandler(svc *exam.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		a, ok := owned(svc, w, r)
		if !ok {
			return
		}
		var req submitReq
		if err := decode(r, &req); err != nil {
			writeError(w, r, err)
			return
		}
		out, err := svc.Submit(r.Context(), a.ID, exam.Trigger(req.Trigger), nil)
		if err != nil {
			writeError(w, r, err)
			return
		}
		respondJSON(w, http.StatusOK, out)
	}
}

type violationReq struct {
	Kind    string                `json:"kind" validate:"notblank"`
	Answers []exam.BufferedAnswer `json:"answers"`
}

// POST /assignments/{assignmentID}/violations
func ReportViolationHandler(svc *exam.Service, h *proctor.Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		a, ok := owned(svc, w, r)
		if !ok {
			return
		}
		var req violationReq
		if err := decode(r, &req); err != nil {
			writeError(w, r, err)
			return
		}
		out, err := h.Report(r.Context(), proctor.Report{
			AssignmentID: a.ID,
			Kind:         exam.ViolationKind(req.Kind),
			Answers:      req.Answers,
		})
		if err != nil {
			writeError(w, r, err)
			return
		}
		respondJSON(w, http.StatusOK, out)
	}
}

type gradeReq struct {
	Score    *float64 `json:"score" validate:"required"`
	Feedback string   `json:"feedback"`
}

// POST /assignments/{assignmentID}/grades/{questionID}
func GradeAnswerHandler(svc *exam.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req gradeReq
		if err := decode(r, &req); err != nil {
			writeError(w, r, err)
			return
		}
		out, err := svc.GradeAnswer(r.Context(),
			chi.URLParam(r, "assignmentID"),
			chi.URLParam(r, "questionID"),
			*req.Score, strings.TrimSpace(req.Feedback),
			authmw.SubjectFromContext(r.Context()))
		if err != nil {
			writeError(w, r, err)
			return
		}
		respondJSON(w, http.StatusOK, out)
	}
}

// GET /assignments/{assignmentID}/results
func ResultsHandler(svc *exam.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		a, ok := owned(svc, w, r)
		if !ok {
			return
		}
		res, err := svc.GetResults(r.Context(), a.ID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		respondJSON(w, http.StatusOK, res)
	}
}
