package examclient

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/mind-engage/mindengage-proctor/internal/exam"
)

var ErrLocked = errors.New("session locked")

// Session runs one student attempt on the client. Manual submit, timer
// expiry and critical violations all end in the same guarded submit.
type Session struct {
	c     *Client
	state SessionState
	mon   *Monitor
	timer *Timer
	log   *zap.Logger

	newBackOff func() backoff.BackOff
	onLock     func(Trigger, *ViolationKind)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	begun     bool
	closed    bool
	locked    bool
	pending   map[string]AnswerPayload
	inflight  chan struct{}
	submitted *Assignment
	lastErr   error
}

type SessionOption func(*Session)

func WithLogger(l *zap.Logger) SessionOption { return func(s *Session) { s.log = l } }

// WithBackOff sets the retry policy for background violation reports.
func WithBackOff(fn func() backoff.BackOff) SessionOption {
	return func(s *Session) { s.newBackOff = fn }
}

// WithOnLock is called once when the session stops accepting answers.
func WithOnLock(fn func(Trigger, *ViolationKind)) SessionOption {
	return func(s *Session) { s.onLock = fn }
}

// WithTimerOptions passes options to the countdown.
func WithTimerOptions(opts ...TimerOption) SessionOption {
	return func(s *Session) {
		s.timer = NewTimer(s.remaining(), s.expire, opts...)
	}
}

func NewSession(c *Client, state SessionState, src EventSource, opts ...SessionOption) *Session {
	s := &Session{
		c:       c,
		state:   state,
		mon:     NewMonitor(src, state.Exam.Security),
		log:     zap.NewNop(),
		pending: map[string]AnswerPayload{},
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.MaxElapsedTime = 2 * time.Minute
			return b
		},
	}
	for _, o := range opts {
		o(s)
	}
	if s.timer == nil {
		s.timer = NewTimer(s.remaining(), s.expire)
	}
	if state.Assignment.SubmittedAt != nil {
		a := state.Assignment
		s.submitted = &a
		s.locked = true
	}
	return s
}

func (s *Session) remaining() time.Duration {
	return time.Duration(s.state.RemainingSeconds) * time.Second
}

func (s *Session) Monitor() *Monitor { return s.mon }
func (s *Session) Timer() *Timer     { return s.timer }

// Begin starts the countdown and the security listeners. When the exam
// requires fullscreen, EnterFullscreen must have succeeded first.
func (s *Session) Begin(ctx context.Context) error {
	if !s.mon.CanStart() {
		return ErrFullscreenRequired
	}
	s.mu.Lock()
	if s.begun || s.closed {
		s.mu.Unlock()
		return nil
	}
	s.begun = true
	s.ctx, s.cancel = context.WithCancel(ctx)
	locked := s.locked
	s.mu.Unlock()
	if locked {
		return ErrLocked
	}

	s.mon.Start()
	s.timer.Start()
	s.wg.Add(1)
	go s.watch()
	return nil
}

func (s *Session) watch() {
	defer s.wg.Done()
	for {
		kind, ok := s.mon.Next(s.ctx)
		if !ok {
			return
		}
		s.violation(kind)
	}
}

func (s *Session) violation(kind ViolationKind) {
	if !Critical(kind) {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if _, err := s.reportWithRetry(kind, nil); err != nil {
				s.log.Warn("violation report failed", zap.String("kind", string(kind)), zap.Error(err))
			}
		}()
		return
	}

	// Answers stop here, before the report is sent.
	answers := s.lock(exam.TriggerViolation, &kind)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		_, err := s.guarded(s.ctx, func(context.Context) (Assignment, error) {
			out, err := s.reportWithRetry(kind, answers)
			if err != nil {
				return Assignment{}, err
			}
			if out.Assignment.SubmittedAt == nil {
				return Assignment{}, errors.Errorf("%s report left the attempt open", kind)
			}
			return out.Assignment, nil
		})
		if err != nil {
			s.log.Error("violation submit failed", zap.String("kind", string(kind)), zap.Error(err))
		}
	}()
}

func (s *Session) reportWithRetry(kind ViolationKind, answers []BufferedAnswer) (ViolationOutcome, error) {
	var out ViolationOutcome
	op := func() error {
		var err error
		out, err = s.c.ReportViolation(s.ctx, s.state.Assignment.ID, kind, answers)
		if err != nil && !Temporary(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	err := backoff.Retry(op, backoff.WithContext(s.newBackOff(), s.ctx))
	return out, err
}

func (s *Session) expire() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()
	go func() {
		defer s.wg.Done()
		s.lock(exam.TriggerTimeout, nil)
		if _, err := s.guarded(s.ctx, func(ctx context.Context) (Assignment, error) {
			return s.c.Submit(ctx, s.state.Assignment.ID, exam.TriggerTimeout)
		}); err != nil {
			s.log.Error("timeout submit failed", zap.Error(err))
		}
	}()
}

// lock stops further answers and returns the ones not yet confirmed by the
// server. The first call wins.
func (s *Session) lock(trigger Trigger, kind *ViolationKind) []BufferedAnswer {
	s.mu.Lock()
	first := !s.locked
	s.locked = true
	var buf []BufferedAnswer
	for qid, p := range s.pending {
		buf = append(buf, BufferedAnswer{QuestionID: qid, AnswerPayload: p})
	}
	s.mu.Unlock()
	if first && s.onLock != nil {
		s.onLock(trigger, kind)
	}
	return buf
}

// SaveAnswer sends one answer. Answers the server has not confirmed are
// kept and flushed with a critical violation report.
func (s *Session) SaveAnswer(ctx context.Context, questionID string, p AnswerPayload) error {
	s.mu.Lock()
	if s.locked {
		s.mu.Unlock()
		return ErrLocked
	}
	s.pending[questionID] = p
	s.mu.Unlock()

	err := s.c.SaveAnswer(ctx, s.state.Assignment.ID, questionID, p)
	switch {
	case err == nil:
		s.mu.Lock()
		if cur, ok := s.pending[questionID]; ok && samePayload(cur, p) {
			delete(s.pending, questionID)
		}
		s.mu.Unlock()
	case IsCode(err, "session_closed"):
		s.lock(exam.TriggerTimeout, nil)
		s.timer.Stop()
		if st, serr := s.c.Session(ctx, s.state.Assignment.ID); serr == nil && st.Assignment.SubmittedAt != nil {
			s.mu.Lock()
			a := st.Assignment
			s.submitted = &a
			s.mu.Unlock()
		}
	}
	return err
}

func samePayload(a, b AnswerPayload) bool {
	if a.ChoiceID != b.ChoiceID || len(a.ChoiceIDs) != len(b.ChoiceIDs) {
		return false
	}
	for i := range a.ChoiceIDs {
		if a.ChoiceIDs[i] != b.ChoiceIDs[i] {
			return false
		}
	}
	if (a.Text == nil) != (b.Text == nil) {
		return false
	}
	return a.Text == nil || *a.Text == *b.Text
}

// Submit is the student's manual submit.
func (s *Session) Submit(ctx context.Context) (Assignment, error) {
	s.lock(exam.TriggerManual, nil)
	return s.guarded(ctx, func(ctx context.Context) (Assignment, error) {
		return s.c.Submit(ctx, s.state.Assignment.ID, exam.TriggerManual)
	})
}

// guarded runs op unless a submit already succeeded or is in flight, in
// which case it returns that outcome.
func (s *Session) guarded(ctx context.Context, op func(context.Context) (Assignment, error)) (Assignment, error) {
	for {
		s.mu.Lock()
		if s.submitted != nil {
			a := *s.submitted
			s.mu.Unlock()
			return a, nil
		}
		if ch := s.inflight; ch != nil {
			s.mu.Unlock()
			select {
			case <-ch:
			case <-ctx.Done():
				return Assignment{}, ctx.Err()
			}
			s.mu.Lock()
			if s.submitted == nil && s.lastErr != nil {
				err := s.lastErr
				s.mu.Unlock()
				return Assignment{}, err
			}
			s.mu.Unlock()
			continue
		}
		ch := make(chan struct{})
		s.inflight = ch
		s.mu.Unlock()

		if t := s.timer; t != nil && !t.Fired() {
			t.Stop()
		}
		a, err := op(ctx)

		s.mu.Lock()
		s.inflight = nil
		s.lastErr = err
		if err == nil {
			s.submitted = &a
		}
		s.mu.Unlock()
		close(ch)
		return a, err
	}
}

// Result is the submitted assignment, if any.
func (s *Session) Result() (Assignment, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.submitted == nil {
		return Assignment{}, false
	}
	return *s.submitted, true
}

func (s *Session) Locked() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.locked
}

// Close stops the countdown, removes every listener and waits for
// background reports to finish or give up. Safe to call more than once.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	cancel := s.cancel
	s.mu.Unlock()

	s.timer.Stop()
	s.mon.Stop()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}
