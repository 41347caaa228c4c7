package http

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	authmw "github.com/mind-engage/mindengage-proctor/internal/auth/middleware"
	"github.com/mind-engage/mindengage-proctor/internal/exam"
	"github.com/mind-engage/mindengage-proctor/internal/proctor"
	"github.com/mind-engage/mindengage-proctor/internal/rbac"
)

type choiceReq struct {
	ID        string `json:"id" validate:"notblank"`
	Label     string `json:"label"`
	IsCorrect bool   `json:"is_correct"`
}

type questionReq struct {
	ID      string      `json:"id" validate:"notblank"`
	Type    string      `json:"type" validate:"required,oneof=one_choice multiple boolean text"`
	Prompt  string      `json:"prompt" validate:"notblank"`
	Points  int         `json:"points" validate:"gt=0"`
	Choices []choiceReq `json:"choices" validate:"dive"`
}

type examReq struct {
	ID              string                `json:"id" validate:"notblank"`
	Title           string                `json:"title" validate:"notblank"`
	DurationMinutes int                   `json:"duration_minutes" validate:"gt=0"`
	StartsAt        *time.Time            `json:"starts_at"`
	EndsAt          *time.Time            `json:"ends_at"`
	Active          bool                  `json:"active"`
	Security        exam.SecurityFeatures `json:"security"`
	Questions       []questionReq         `json:"questions" validate:"required,min=1,dive"`
}

func (req examReq) toExam() exam.Exam {
	e := exam.Exam{
		ID:              strings.TrimSpace(req.ID),
		Title:           strings.TrimSpace(req.Title),
		DurationMinutes: req.DurationMinutes,
		StartsAt:        req.StartsAt,
		EndsAt:          req.EndsAt,
		Active:          req.Active,
		Security:        req.Security,
	}
	for qi, q := range req.Questions {
		eq := exam.Question{ID: q.ID, ExamID: e.ID, Type: exam.QuestionType(q.Type), Prompt: q.Prompt, Points: q.Points, Position: qi}
		for ci, c := range q.Choices {
			eq.Choices = append(eq.Choices, exam.Choice{ID: c.ID, QuestionID: q.ID, Label: c.Label, IsCorrect: c.IsCorrect, Position: ci})
		}
		e.Questions = append(e.Questions, eq)
	}
	return e
}

// POST /exams
func CreateExamHandler(svc *exam.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req examReq
		if err := decode(r, &req); err != nil {
			writeError(w, r, err)
			return
		}
		e := req.toExam()
		if err := svc.PutExam(r.Context(), e); err != nil {
			writeError(w, r, err)
			return
		}
		out, err := svc.GetExam(r.Context(), e.ID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		respondJSON(w, http.StatusCreated, out)
	}
}

// GET /exams?q=&limit=&offset=
func ListExamsHandler(svc *exam.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		list, err := svc.ListExams(r.Context(), exam.ListOpts{
			Q:      strings.TrimSpace(r.URL.Query().Get("q")),
			Limit:  parseIntDefault(r.URL.Query().Get("limit"), 50),
			Offset: parseIntDefault(r.URL.Query().Get("offset"), 0),
		})
		if err != nil {
			writeError(w, r, err)
			return
		}
		respondJSON(w, http.StatusOK, list)
	}
}

// GET /exams/{examID}
// Callers without exam:create get the student view, without correctness flags.
func GetExamHandler(svc *exam.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		e, err := svc.GetExam(r.Context(), chi.URLParam(r, "examID"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		if !rbac.Allowed(r.Context(), rbac.PermExamCreate) {
			e = e.StudentView()
		}
		respondJSON(w, http.StatusOK, e)
	}
}

type assignReq struct {
	StudentIDs []string `json:"student_ids" validate:"required,min=1,dive,notblank"`
}

type assignResult struct {
	StudentID  string           `json:"student_id"`
	Assignment *exam.Assignment `json:"assignment,omitempty"`
	Error      string           `json:"error,omitempty"`
}

// POST /exams/{examID}/assignments
// Distributes the exam to each student. Students that already have the exam
// are reported per item and do not fail the batch.
func AssignExamHandler(svc *exam.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		examID := chi.URLParam(r, "examID")
		var req assignReq
		if err := decode(r, &req); err != nil {
			writeError(w, r, err)
			return
		}
		if _, err := svc.GetExam(r.Context(), examID); err != nil {
			writeError(w, r, err)
			return
		}
		out := make([]assignResult, 0, len(req.StudentIDs))
		for _, sid := range req.StudentIDs {
			sid = strings.TrimSpace(sid)
			a, err := svc.Assign(r.Context(), examID, sid)
			switch {
			case err == nil:
				out = append(out, assignResult{StudentID: sid, Assignment: &a})
			case exam.ClassOf(err) != exam.ClassUnknown:
				out = append(out, assignResult{StudentID: sid, Error: exam.CodeOf(err)})
			default:
				writeError(w, r, err)
				return
			}
		}
		respondJSON(w, http.StatusOK, out)
	}
}

// POST /exams/{examID}/start
// Starts the caller's own assignment.
func StartAttemptHandler(svc *exam.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sub := authmw.SubjectFromContext(r.Context())
		a, err := svc.StartAttempt(r.Context(), chi.URLParam(r, "examID"), sub)
		if err != nil {
			writeError(w, r, err)
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

// GET /exams/{examID}/monitor
// Live violation counters per student for the teacher dashboard.
func MonitorHandler(svc *exam.Service, live proctor.LivePublisher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		examID := chi.URLParam(r, "examID")
		if _, err := svc.GetExam(r.Context(), examID); err != nil {
			writeError(w, r, err)
			return
		}
		snap, err := live.Snapshot(r.Context(), examID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		respondJSON(w, http.StatusOK, map[string]any{"exam_id": examID, "students": snap})
	}
}
