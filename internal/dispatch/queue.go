package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/depotsync/internal/event"
	"github.com/smallbiznis/depotsync/pkg/telemetry"
	"go.uber.org/zap"
)

const jobLockReleaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

// jobLockTTL bounds how long a job id stays deduplicated if the process dies
// mid-flight.
const jobLockTTL = 30 * time.Minute

// QueueDispatcher pushes jobs onto a redis list and drains them with a
// bounded worker pool. Retries are bounded with exponential backoff; a job
// that exhausts its attempts is parked on a dead-letter list, never dropped.
type QueueDispatcher struct {
	log     *zap.Logger
	client  *redis.Client
	handler Handler
	metrics *telemetry.Metrics
	release *redis.Script
	inline  *InlineDispatcher

	cancel context.CancelFunc
	wg     sync.WaitGroup
	tokens sync.Map
}

func NewQueueDispatcher(log *zap.Logger, client *redis.Client, handler Handler, metrics *telemetry.Metrics, inline *InlineDispatcher) *QueueDispatcher {
	return &QueueDispatcher{
		log:     log.Named("dispatch.queue"),
		client:  client,
		handler: handler,
		metrics: metrics,
		release: redis.NewScript(jobLockReleaseScript),
		inline:  inline,
	}
}

func (d *QueueDispatcher) Enqueue(ctx context.Context, evt event.Event) error {
	job := Job{JobID: JobID(evt), Event: evt}

	token := uuid.NewString()
	acquired, err := d.client.SetNX(ctx, jobLockPrefix+job.JobID, token, jobLockTTL).Result()
	if err != nil {
		d.log.Warn("broker unreachable at enqueue, degrading to inline dispatch",
			zap.String("job_id", job.JobID),
			zap.Error(err),
		)
		d.metrics.RecordQueueFallback()
		return d.inline.Enqueue(ctx, evt)
	}
	if !acquired {
		d.log.Debug("job already queued, skipping",
			zap.String("job_id", job.JobID),
			zap.String("event_id", evt.EventID),
		)
		d.metrics.RecordDispatch("queue", "deduped")
		return nil
	}
	d.tokens.Store(job.JobID, token)

	if err := d.push(ctx, job); err != nil {
		d.releaseLock(ctx, job.JobID)
		d.metrics.RecordQueueFallback()
		return d.inline.Enqueue(ctx, evt)
	}
	d.metrics.RecordDispatch("queue", "enqueued")
	return nil
}

func (d *QueueDispatcher) push(ctx context.Context, job Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return d.client.LPush(ctx, queueKey, payload).Err()
}

// Start launches the worker pool. Stop cancels it and waits for in-flight
// jobs to finish.
func (d *QueueDispatcher) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel

	for i := 0; i < workerPoolSize; i++ {
		d.wg.Add(1)
		go d.worker(ctx, i)
	}
	d.log.Info("dispatch workers started", zap.Int("concurrency", workerPoolSize))
}

func (d *QueueDispatcher) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
}

func (d *QueueDispatcher) worker(ctx context.Context, id int) {
	defer d.wg.Done()

	for {
		result, err := d.client.BRPop(ctx, 2*time.Second, queueKey).Result()
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return
			}
			if !errors.Is(err, redis.Nil) {
				d.log.Warn("queue pop failed", zap.Int("worker", id), zap.Error(err))
				select {
				case <-ctx.Done():
					return
				case <-time.After(time.Second):
				}
			}
			continue
		}
		if len(result) < 2 {
			continue
		}

		var job Job
		if err := json.Unmarshal([]byte(result[1]), &job); err != nil {
			d.log.Error("dropping malformed job payload", zap.Error(err))
			d.metrics.RecordDispatch("queue", "malformed")
			continue
		}
		d.handle(ctx, job)
	}
}

func (d *QueueDispatcher) handle(ctx context.Context, job Job) {
	err := d.runHandler(ctx, job)
	if err == nil {
		d.releaseLock(ctx, job.JobID)
		d.metrics.RecordDispatch("queue", "ok")
		return
	}

	if job.Attempt >= maxRetries {
		d.deadLetter(ctx, job, err)
		return
	}

	backoff := backoffFor(job.Attempt)
	d.log.Warn("job failed, scheduling retry",
		zap.String("job_id", job.JobID),
		zap.Int("attempt", job.Attempt+1),
		zap.Duration("backoff", backoff),
		zap.Error(err),
	)
	d.metrics.RecordDispatch("queue", "retry")

	job.Attempt++
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		select {
		case <-ctx.Done():
		case <-time.After(backoff):
		}
		// Requeue even on shutdown so the job survives the restart.
		if err := d.push(context.WithoutCancel(ctx), job); err != nil {
			d.log.Error("requeue failed, parking job in dead letter",
				zap.String("job_id", job.JobID),
				zap.Error(err),
			)
			d.deadLetter(context.WithoutCancel(ctx), job, err)
		}
	}()
}

func (d *QueueDispatcher) runHandler(ctx context.Context, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.New("handler panicked")
			d.log.Error("handler panicked",
				zap.String("job_id", job.JobID),
				zap.Any("panic", r),
			)
		}
	}()
	return d.handler(ctx, job.Event)
}

// deadLetter parks a job for manual inspection with its full envelope so it
// can be replayed.
func (d *QueueDispatcher) deadLetter(ctx context.Context, job Job, cause error) {
	d.releaseLock(ctx, job.JobID)
	d.metrics.RecordDispatch("queue", "dead_letter")

	payload, err := json.Marshal(job)
	if err != nil {
		d.log.Error("cannot encode dead-letter job", zap.String("job_id", job.JobID), zap.Error(err))
		return
	}
	if err := d.client.LPush(ctx, deadLetterKey, payload).Err(); err != nil {
		d.log.Error("dead-letter push failed, job is lost",
			zap.String("job_id", job.JobID),
			zap.Error(err),
		)
		return
	}
	d.log.Error("job exhausted retries, dead-lettered",
		zap.String("job_id", job.JobID),
		zap.String("tenant_id", job.Event.TenantID),
		zap.String("event_id", job.Event.EventID),
		zap.Error(cause),
	)
	if depth, err := d.client.LLen(ctx, deadLetterKey).Result(); err == nil {
		d.metrics.SetDeadLetterDepth(float64(depth))
	}
}

func (d *QueueDispatcher) releaseLock(ctx context.Context, jobID string) {
	value, ok := d.tokens.LoadAndDelete(jobID)
	if !ok {
		return
	}
	token, _ := value.(string)
	if err := d.release.Run(ctx, d.client, []string{jobLockPrefix + jobID}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
		d.log.Warn("job lock release failed", zap.String("job_id", jobID), zap.Error(err))
	}
}

func backoffFor(attempt int) time.Duration {
	return 2 * time.Second << attempt
}
