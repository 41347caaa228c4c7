package proctor

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"

	"github.com/mind-engage/mindengage-proctor/internal/exam"
)

// LiveEvent is pushed to teacher dashboards as violations happen.
type LiveEvent struct {
	AssignmentID string             `json:"assignment_id"`
	ExamID       string             `json:"exam_id"`
	StudentID    string             `json:"student_id"`
	Kind         exam.ViolationKind `json:"kind"`
	Severity     Severity           `json:"severity"`
	Submitted    bool               `json:"submitted"`
	At           time.Time          `json:"at"`
}

// StudentViolations counts one student's reports for an exam.
type StudentViolations struct {
	StudentID string                       `json:"student_id"`
	Counts    map[exam.ViolationKind]int64 `json:"counts"`
	Total     int64                        `json:"total"`
}

type LivePublisher interface {
	Publish(ctx context.Context, ev LiveEvent) error
	Snapshot(ctx context.Context, examID string) ([]StudentViolations, error)
}

// ---------- Redis ----------

const counterTTL = 48 * time.Hour

type RedisPublisher struct {
	rdb *redis.Client
}

func NewRedisPublisher(rdb *redis.Client) *RedisPublisher { return &RedisPublisher{rdb: rdb} }

// InitRedis connects and pings.
func InitRedis(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		PoolSize:     50,
		MinIdleConns: 5,
	})
	if _, err := rdb.Ping(ctx).Result(); err != nil {
		_ = rdb.Close()
		return nil, errors.Wrapf(err, "redis ping %s", addr)
	}
	return rdb, nil
}

func Channel(examID string) string { return fmt.Sprintf("proctor:exam:%s:events", examID) }
func countersKey(examID string) string { return fmt.Sprintf("proctor:exam:%s:violations", examID) }

func (p *RedisPublisher) Publish(ctx context.Context, ev LiveEvent) error {
	msg, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	key := countersKey(ev.ExamID)
	pipe := p.rdb.TxPipeline()
	pipe.HIncrBy(ctx, key, ev.StudentID+"|"+string(ev.Kind), 1)
	pipe.Expire(ctx, key, counterTTL)
	pipe.Publish(ctx, Channel(ev.ExamID), msg)
	_, err = pipe.Exec(ctx)
	return errors.Wrap(err, "redis publish")
}

func (p *RedisPublisher) Snapshot(ctx context.Context, examID string) ([]StudentViolations, error) {
	raw, err := p.rdb.HGetAll(ctx, countersKey(examID)).Result()
	if err != nil {
		return nil, errors.Wrap(err, "redis snapshot")
	}
	counts := map[string]map[exam.ViolationKind]int64{}
	for field, v := range raw {
		student, kind, ok := strings.Cut(field, "|")
		if !ok {
			continue
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			continue
		}
		if counts[student] == nil {
			counts[student] = map[exam.ViolationKind]int64{}
		}
		counts[student][exam.ViolationKind(kind)] = n
	}
	return summarize(counts), nil
}

// ---------- in process ----------

// MemoryPublisher keeps counters in process. Used when Redis is not configured.
type MemoryPublisher struct {
	mu     sync.Mutex
	counts map[string]map[string]map[exam.ViolationKind]int64 // exam -> student -> kind
	events []LiveEvent
}

func NewMemoryPublisher() *MemoryPublisher {
	return &MemoryPublisher{counts: map[string]map[string]map[exam.ViolationKind]int64{}}
}

func (m *MemoryPublisher) Publish(_ context.Context, ev LiveEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byStudent := m.counts[ev.ExamID]
	if byStudent == nil {
		byStudent = map[string]map[exam.ViolationKind]int64{}
		m.counts[ev.ExamID] = byStudent
	}
	if byStudent[ev.StudentID] == nil {
		byStudent[ev.StudentID] = map[exam.ViolationKind]int64{}
	}
	byStudent[ev.StudentID][ev.Kind]++
	m.events = append(m.events, ev)
	return nil
}

func (m *MemoryPublisher) Snapshot(_ context.Context, examID string) ([]StudentViolations, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return summarize(m.counts[examID]), nil
}

// Events returns everything published so far.
func (m *MemoryPublisher) Events() []LiveEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]LiveEvent(nil), m.events...)
}

func summarize(counts map[string]map[exam.ViolationKind]int64) []StudentViolations {
	out := make([]StudentViolations, 0, len(counts))
	for student, kinds := range counts {
		sv := StudentViolations{StudentID: student, Counts: map[exam.ViolationKind]int64{}}
		for k, n := range kinds {
			sv.Counts[k] = n
			sv.Total += n
		}
		out = append(out, sv)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Total != out[j].Total {
			return out[i].Total > out[j].Total
		}
		return out[i].StudentID < out[j].StudentID
	})
	return out
}
