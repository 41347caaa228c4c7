// Package examclient is a Go client for the proctor gateway. Besides the
// plain HTTP calls it carries the student-side session runtime: the
// countdown timer, the security monitor and the guarded submit.
package examclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/mind-engage/mindengage-proctor/internal/exam"
)

type (
	Assignment     = exam.Assignment
	AnswerPayload  = exam.AnswerPayload
	BufferedAnswer = exam.BufferedAnswer
	Results        = exam.Results
	SessionState   = exam.SessionState
	Trigger        = exam.Trigger
	ViolationKind  = exam.ViolationKind
)

// APIError is a non-2xx response from the gateway.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("gateway %d %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("gateway %d: %s", e.Status, e.Message)
}

// IsCode reports whether err is an APIError carrying code.
func IsCode(err error, code string) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.Code == code
}

// Temporary is true for errors worth retrying: transport failures and 5xx/429.
func Temporary(err error) bool {
	var ae *APIError
	if !errors.As(err, &ae) {
		return err != nil
	}
	return ae.Status >= 500 || ae.Status == http.StatusTooManyRequests
}

type Client struct {
	base  string
	hc    *http.Client
	token string
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option { return func(c *Client) { c.hc = hc } }
func WithToken(tok string) Option           { return func(c *Client) { c.token = tok } }

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		base: strings.TrimRight(baseURL, "/"),
		hc:   &http.Client{Timeout: 15 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Login exchanges dev credentials for a token and keeps it for later calls.
func (c *Client) Login(ctx context.Context, username, password, role string) (string, error) {
	var out struct {
		AccessToken string `json:"access_token"`
		Role        string `json:"role"`
	}
	in := map[string]string{"username": username, "password": password, "role": role}
	if err := c.do(ctx, http.MethodPost, "/auth/login", in, &out); err != nil {
		return "", err
	}
	c.token = out.AccessToken
	return out.Role, nil
}

// Start begins the caller's attempt at examID and returns the live session.
func (c *Client) Start(ctx context.Context, examID string) (SessionState, error) {
	var st SessionState
	err := c.do(ctx, http.MethodPost, "/exams/"+url.PathEscape(examID)+"/start", nil, &st)
	return st, err
}

// Session reloads a running attempt, including the server's remaining time.
func (c *Client) Session(ctx context.Context, assignmentID string) (SessionState, error) {
	var st SessionState
	err := c.do(ctx, http.MethodGet, assignmentPath(assignmentID, "session"), nil, &st)
	return st, err
}

func (c *Client) SaveAnswer(ctx context.Context, assignmentID, questionID string, p AnswerPayload) error {
	return c.do(ctx, http.MethodPut, assignmentPath(assignmentID, "answers", questionID), p, nil)
}

// Submit ends the attempt with a manual or timeout trigger. Violations end
// it through ReportViolation.
func (c *Client) Submit(ctx context.Context, assignmentID string, trigger Trigger) (Assignment, error) {
	in := struct {
		Trigger Trigger `json:"trigger"`
	}{trigger}
	var a Assignment
	err := c.do(ctx, http.MethodPost, assignmentPath(assignmentID, "submit"), in, &a)
	return a, err
}

// ViolationOutcome is the gateway's answer to a violation report.
type ViolationOutcome struct {
	Kind       ViolationKind `json:"kind"`
	Severity   string        `json:"severity"`
	Submitted  bool          `json:"submitted"`
	Assignment Assignment    `json:"assignment"`
}

func (c *Client) ReportViolation(ctx context.Context, assignmentID string, kind ViolationKind, answers []BufferedAnswer) (ViolationOutcome, error) {
	in := struct {
		Kind    ViolationKind    `json:"kind"`
		Answers []BufferedAnswer `json:"answers,omitempty"`
	}{kind, answers}
	var out ViolationOutcome
	err := c.do(ctx, http.MethodPost, assignmentPath(assignmentID, "violations"), in, &out)
	return out, err
}

func (c *Client) Results(ctx context.Context, assignmentID string) (Results, error) {
	var res Results
	err := c.do(ctx, http.MethodGet, assignmentPath(assignmentID, "results"), nil, &res)
	return res, err
}

func assignmentPath(id string, parts ...string) string {
	p := "/assignments/" + url.PathEscape(id)
	for _, s := range parts {
		p += "/" + url.PathEscape(s)
	}
	return p
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return errors.Wrap(err, "encode request")
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s %s", method, path)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrapf(err, "decode %s %s", method, path)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	ae := &APIError{Status: resp.StatusCode}
	var body struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}
	if json.Unmarshal(raw, &body) == nil && body.Error != "" {
		ae.Code, ae.Message = body.Code, body.Error
	} else {
		ae.Message = strings.TrimSpace(string(raw))
	}
	return ae
}
