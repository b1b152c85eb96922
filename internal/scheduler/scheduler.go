package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"ms-reservations/internal/clock"
	"ms-reservations/internal/logger"

	"github.com/go-redis/redis/v8"
	"golang.org/x/sync/errgroup"
)

// Task is a unit of delayed work. Key doubles as the dedupe id: while a
// task with the same key is queued or running, Schedule ignores new ones.
type Task struct {
	Key         string          `json:"key"`
	Payload     json.RawMessage `json:"payload"`
	Delay       time.Duration   `json:"-"`
	MaxAttempts int             `json:"maxAttempts"`
	Backoff     time.Duration   `json:"backoff"`
	Attempts    int             `json:"attempts"`
	FireAt      time.Time       `json:"fireAt"`
	LastError   string          `json:"lastError,omitempty"`
}

type Handler func(ctx context.Context, task Task) error

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks a handler error as not worth retrying; the task goes
// straight to the dead set.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Queue is a Redis backed delayed queue with at-least-once delivery.
//
//	<prefix>:queue       zset  key -> fire time (ms)
//	<prefix>:processing  zset  key -> visibility deadline (ms)
//	<prefix>:tasks       hash  key -> task json
//	<prefix>:dead        hash  key -> task json
type Queue struct {
	client *redis.Client
	logger *logger.Logger
	clock  clock.Clock

	queueKey      string
	processingKey string
	tasksKey      string
	deadKey       string

	batchSize      int
	concurrency    int
	pollInterval   time.Duration
	visibility     time.Duration
	handlerTimeout time.Duration
}

type Option func(*Queue)

func WithClock(c clock.Clock) Option {
	return func(q *Queue) { q.clock = c }
}

func WithConcurrency(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.concurrency = n
		}
	}
}

func WithBatchSize(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.batchSize = n
		}
	}
}

func WithPollInterval(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.pollInterval = d
		}
	}
}

// WithVisibility sets how long a claimed task may run before another
// worker is allowed to pick it up again.
func WithVisibility(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.visibility = d
		}
	}
}

func WithHandlerTimeout(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.handlerTimeout = d
		}
	}
}

func New(client *redis.Client, prefix string, log *logger.Logger, opts ...Option) *Queue {
	q := &Queue{
		client:         client,
		logger:         log,
		clock:          clock.NewSystem(),
		queueKey:       prefix + ":queue",
		processingKey:  prefix + ":processing",
		tasksKey:       prefix + ":tasks",
		deadKey:        prefix + ":dead",
		batchSize:      50,
		concurrency:    4,
		pollInterval:   time.Second,
		visibility:     30 * time.Second,
		handlerTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Schedule registers t to fire after t.Delay. A task whose key is already
// pending or in flight is left untouched and nil is returned.
func (q *Queue) Schedule(ctx context.Context, t Task) error {
	if t.Key == "" {
		return errors.New("scheduler: task key is required")
	}
	if t.MaxAttempts <= 0 {
		t.MaxAttempts = 1
	}
	t.Attempts = 0
	t.FireAt = q.clock.Now().Add(t.Delay)

	body, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode task %s: %w", t.Key, err)
	}

	added, err := scheduleScript.Run(ctx, q.client,
		[]string{q.queueKey, q.tasksKey},
		t.Key, millis(t.FireAt), string(body),
	).Int()
	if err != nil {
		return fmt.Errorf("schedule task %s: %w", t.Key, err)
	}
	if added == 0 {
		q.logger.Debug("SCHEDULER", fmt.Sprintf("Task %s already scheduled, ignoring duplicate", t.Key))
		return nil
	}
	q.logger.Info("SCHEDULER", fmt.Sprintf("Task %s scheduled for %s", t.Key, t.FireAt.Format(time.RFC3339)))
	return nil
}

// Run polls for due tasks until ctx is cancelled.
func (q *Queue) Run(ctx context.Context, h Handler) error {
	q.logger.Info("SCHEDULER", fmt.Sprintf("Worker started (concurrency=%d, poll=%s)", q.concurrency, q.pollInterval))
	ticker := time.NewTicker(q.pollInterval)
	defer ticker.Stop()

	for {
		if _, err := q.ProcessDue(ctx, h); err != nil && ctx.Err() == nil {
			q.logger.Error("SCHEDULER", fmt.Sprintf("Poll failed: %v", err))
		}

		select {
		case <-ctx.Done():
			q.logger.Info("SCHEDULER", "Worker stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// ProcessDue requeues tasks whose visibility expired, then claims one batch
// of due tasks and runs them with bounded concurrency. It returns how many
// tasks were handled.
func (q *Queue) ProcessDue(ctx context.Context, h Handler) (int, error) {
	if _, err := q.reap(ctx); err != nil {
		return 0, err
	}

	tasks, err := q.claim(ctx)
	if err != nil {
		return 0, err
	}

	var g errgroup.Group
	g.SetLimit(q.concurrency)
	for _, task := range tasks {
		task := task
		g.Go(func() error {
			q.handle(ctx, h, task)
			return nil
		})
	}
	g.Wait()

	return len(tasks), nil
}

func (q *Queue) handle(ctx context.Context, h Handler, task Task) {
	hctx, cancel := context.WithTimeout(ctx, q.handlerTimeout)
	defer cancel()

	err := q.invoke(hctx, h, task)
	if err == nil {
		if ackErr := q.ack(ctx, task.Key); ackErr != nil {
			q.logger.Error("SCHEDULER", fmt.Sprintf("Ack task %s failed: %v", task.Key, ackErr))
		}
		return
	}

	if failErr := q.fail(ctx, task, err); failErr != nil {
		q.logger.Error("SCHEDULER", fmt.Sprintf("Recording failure of task %s failed: %v", task.Key, failErr))
	}
}

// invoke turns a handler panic into an ordinary failure so it is retried
// and eventually dead-lettered like any other error.
func (q *Queue) invoke(ctx context.Context, h Handler, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, task)
}

func (q *Queue) claim(ctx context.Context) ([]Task, error) {
	now := q.clock.Now()
	raw, err := claimScript.Run(ctx, q.client,
		[]string{q.queueKey, q.processingKey, q.tasksKey},
		millis(now), q.batchSize, millis(now.Add(q.visibility)),
	).Slice()
	if err != nil {
		return nil, fmt.Errorf("claim due tasks: %w", err)
	}

	tasks := make([]Task, 0, len(raw))
	for _, item := range raw {
		body, ok := item.(string)
		if !ok {
			continue
		}
		var task Task
		if err := json.Unmarshal([]byte(body), &task); err != nil {
			q.logger.Error("SCHEDULER", fmt.Sprintf("Dropping undecodable task: %v", err))
			continue
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

func (q *Queue) reap(ctx context.Context) (int, error) {
	res, err := reapScript.Run(ctx, q.client,
		[]string{q.processingKey, q.queueKey, q.tasksKey, q.deadKey},
		millis(q.clock.Now()), "visibility timeout expired",
	).Slice()
	if err != nil {
		return 0, fmt.Errorf("requeue stale tasks: %w", err)
	}
	if len(res) != 2 {
		return 0, fmt.Errorf("requeue stale tasks: unexpected reply %v", res)
	}
	requeued, _ := res[0].(int64)
	dead, _ := res[1].(int64)
	if requeued > 0 {
		q.logger.Warn("SCHEDULER", fmt.Sprintf("Requeued %d tasks whose visibility timeout expired", requeued))
	}
	if dead > 0 {
		q.logger.Error("SCHEDULER", fmt.Sprintf("Dead-lettered %d tasks that ran out of attempts on visibility timeout", dead))
	}
	return int(requeued + dead), nil
}

func (q *Queue) ack(ctx context.Context, key string) error {
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, q.processingKey, key)
		pipe.HDel(ctx, q.tasksKey, key)
		return nil
	})
	return err
}

// fail records a handler error and either requeues the task with
// exponential backoff or moves it to the dead set.
func (q *Queue) fail(ctx context.Context, task Task, cause error) error {
	task.Attempts++
	task.LastError = cause.Error()

	if IsPermanent(cause) || task.Attempts >= task.MaxAttempts {
		body, err := json.Marshal(task)
		if err != nil {
			return err
		}
		_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.ZRem(ctx, q.processingKey, task.Key)
			pipe.HDel(ctx, q.tasksKey, task.Key)
			pipe.HSet(ctx, q.deadKey, task.Key, body)
			return nil
		})
		if err != nil {
			return err
		}
		q.logger.Error("SCHEDULER", fmt.Sprintf("Task %s dead-lettered after %d attempts: %v", task.Key, task.Attempts, cause))
		return nil
	}

	delay := backoffDelay(task.Backoff, task.Attempts)
	task.FireAt = q.clock.Now().Add(delay)
	body, err := json.Marshal(task)
	if err != nil {
		return err
	}
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, q.tasksKey, task.Key, body)
		pipe.ZRem(ctx, q.processingKey, task.Key)
		pipe.ZAdd(ctx, q.queueKey, &redis.Z{Score: float64(task.FireAt.UnixMilli()), Member: task.Key})
		return nil
	})
	if err != nil {
		return err
	}
	q.logger.Warn("SCHEDULER", fmt.Sprintf("Task %s failed (attempt %d/%d), retrying in %s: %v", task.Key, task.Attempts, task.MaxAttempts, delay, cause))
	return nil
}

// backoffDelay doubles base for every attempt after the first: 1s, 2s, 4s...
func backoffDelay(base time.Duration, attempts int) time.Duration {
	if base <= 0 || attempts <= 0 {
		return 0
	}
	shift := attempts - 1
	if shift > 20 {
		shift = 20
	}
	return base << uint(shift)
}

// Dead returns the dead-lettered tasks.
func (q *Queue) Dead(ctx context.Context) ([]Task, error) {
	entries, err := q.client.HGetAll(ctx, q.deadKey).Result()
	if err != nil {
		return nil, err
	}
	tasks := make([]Task, 0, len(entries))
	for _, body := range entries {
		var task Task
		if err := json.Unmarshal([]byte(body), &task); err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

// Pending returns the number of tasks waiting to fire.
func (q *Queue) Pending(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, q.queueKey).Result()
}

// FireAt returns when the queued task with key is due, if it is queued.
func (q *Queue) FireAt(ctx context.Context, key string) (time.Time, bool, error) {
	score, err := q.client.ZScore(ctx, q.queueKey, key).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(int64(score)).UTC(), true, nil
}

func millis(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}
