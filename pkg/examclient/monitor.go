package examclient

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/mind-engage/mindengage-proctor/internal/exam"
)

// EventType is a raw environment signal, before it is mapped to a violation.
type EventType string

const (
	EventVisibilityHidden EventType = "visibility_hidden"
	EventFullscreenExit   EventType = "fullscreen_exit"
	EventDevTools         EventType = "devtools"
	EventCopy             EventType = "copy"
	EventCut              EventType = "cut"
	EventPaste            EventType = "paste"
	EventContextMenu      EventType = "contextmenu"
	EventBeforePrint      EventType = "beforeprint"
	EventIdle             EventType = "idle"
)

// EventSource is the host environment the monitor listens on: a browser
// bridge, a kiosk shell or a test fake.
type EventSource interface {
	// Subscribe registers fn for events of type t and returns its remover.
	Subscribe(t EventType, fn func()) (unsubscribe func())
	SupportsFullscreen() bool
	RequestFullscreen() error
}

var (
	ErrGestureRequired    = errors.New("fullscreen must be requested from a user gesture")
	ErrFullscreenRequired = errors.New("exam requires fullscreen")
)

type binding struct {
	event EventType
	kind  exam.ViolationKind
}

// bindings lists the listeners each security feature turns on.
func bindings(f exam.SecurityFeatures) []binding {
	var out []binding
	if f.TabSwitchDetection {
		out = append(out, binding{EventVisibilityHidden, exam.ViolationTabSwitch})
	}
	if f.FullscreenRequired {
		out = append(out, binding{EventFullscreenExit, exam.ViolationFullscreenExit})
	}
	if f.DevToolsDetection {
		out = append(out, binding{EventDevTools, exam.ViolationDevTools})
	}
	if f.CopyPastePrevention {
		out = append(out,
			binding{EventCopy, exam.ViolationCopyPaste},
			binding{EventCut, exam.ViolationCopyPaste},
			binding{EventPaste, exam.ViolationCopyPaste})
	}
	if f.ContextMenuDisabled {
		out = append(out, binding{EventContextMenu, exam.ViolationRightClick})
	}
	if f.PrintPrevention {
		out = append(out, binding{EventBeforePrint, exam.ViolationPrintAttempt})
	}
	return append(out, binding{EventIdle, exam.ViolationIdleTimeout})
}

// Critical reports whether kind ends the attempt.
func Critical(kind ViolationKind) bool { return kind.Critical() }

// Monitor turns environment events into violation kinds on a single queue.
type Monitor struct {
	src      EventSource
	features exam.SecurityFeatures

	mu           sync.Mutex
	unsubs       []func()
	started      bool
	inFullscreen bool
	q            *queue
}

func NewMonitor(src EventSource, features exam.SecurityFeatures) *Monitor {
	return &Monitor{src: src, features: features, q: newQueue()}
}

func (m *Monitor) fullscreenGated() bool {
	return m.features.FullscreenRequired && m.src.SupportsFullscreen()
}

// CanStart is false while the exam requires fullscreen, the environment
// supports it, and it has not been entered yet.
func (m *Monitor) CanStart() bool {
	if !m.fullscreenGated() {
		return true
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inFullscreen
}

// EnterFullscreen must be called from a user gesture. Environments without
// fullscreen support pass the gate.
func (m *Monitor) EnterFullscreen(userGesture bool) error {
	if !userGesture {
		return ErrGestureRequired
	}
	if !m.fullscreenGated() {
		return nil
	}
	if err := m.src.RequestFullscreen(); err != nil {
		return errors.Wrap(err, "request fullscreen")
	}
	m.mu.Lock()
	m.inFullscreen = true
	m.mu.Unlock()
	return nil
}

// Start subscribes one listener per enabled feature.
func (m *Monitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return
	}
	m.started = true
	for _, b := range bindings(m.features) {
		b := b // per-iteration copy; the module targets go 1.21 loop semantics
		m.unsubs = append(m.unsubs, m.src.Subscribe(b.event, func() { m.emit(b) }))
	}
}

func (m *Monitor) emit(b binding) {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	if b.kind == exam.ViolationFullscreenExit {
		if !m.inFullscreen && m.src.SupportsFullscreen() {
			m.mu.Unlock()
			return
		}
		m.inFullscreen = false
	}
	m.mu.Unlock()
	m.q.push(b.kind)
}

// Next blocks for the next violation. ok is false once the monitor is
// stopped and the queue drained, or ctx is done.
func (m *Monitor) Next(ctx context.Context) (ViolationKind, bool) {
	return m.q.pop(ctx)
}

// Stop removes every listener Start added, in reverse order, and closes the
// queue. Safe to call more than once.
func (m *Monitor) Stop() {
	m.mu.Lock()
	unsubs := m.unsubs
	m.unsubs = nil
	m.started = false
	m.mu.Unlock()
	for i := len(unsubs) - 1; i >= 0; i-- {
		unsubs[i]()
	}
	m.q.close()
}

type queue struct {
	mu     sync.Mutex
	items  []ViolationKind
	closed bool
	signal chan struct{}
}

func newQueue() *queue {
	return &queue{signal: make(chan struct{}, 1)}
}

func (q *queue) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *queue) push(k ViolationKind) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, k)
	q.mu.Unlock()
	q.wake()
}

func (q *queue) pop(ctx context.Context) (ViolationKind, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			k := q.items[0]
			q.items = q.items[1:]
			more := len(q.items) > 0 || q.closed
			q.mu.Unlock()
			if more {
				q.wake()
			}
			return k, true
		}
		if q.closed {
			q.mu.Unlock()
			return "", false
		}
		q.mu.Unlock()
		select {
		case <-q.signal:
		case <-ctx.Done():
			return "", false
		}
	}
}

func (q *queue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.wake()
}
