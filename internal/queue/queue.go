package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

const (
	QueueGenerateScenes   = "queue:generate_scenes"
	QueueGenerateExtended = "queue:generate_extended"
	QueueResumeClip       = "queue:resume_clip"
	QueueConcatenate      = "queue:concatenate"
)

const (
	JobTypeGenerateScenes   = "generate_scenes"
	JobTypeGenerateExtended = "generate_extended"
	JobTypeResumeClip       = "resume_clip"
	JobTypeConcatenate      = "concatenate"
)

type Queue struct {
	client *redis.Client
}

type Job struct {
	ID          uuid.UUID              `json:"id"`
	Type        string                 `json:"type"`
	RunID       uuid.UUID              `json:"run_id"`
	SceneNumber *int                   `json:"scene_number,omitempty"`
	Attempt     int                    `json:"attempt,omitempty"`
	NotBefore   *time.Time             `json:"not_before,omitempty"` // Resume jobs wait until this instant
	Data        map[string]interface{} `json:"data,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
}

func New(redisURL string) (*Queue, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Queue{client: client}, nil
}

func (q *Queue) Close() error {
	return q.client.Close()
}

func (q *Queue) Enqueue(ctx context.Context, queueName string, job *Job) error {
	job.CreatedAt = time.Now()

	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	return q.client.RPush(ctx, queueName, data).Err()
}

func (q *Queue) Dequeue(ctx context.Context, queueName string, timeout time.Duration) (*Job, error) {
	result, err := q.client.BLPop(ctx, timeout, queueName).Result()
	if err == redis.Nil {
		return nil, nil // No job available
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dequeue: %w", err)
	}

	if len(result) != 2 {
		return nil, fmt.Errorf("unexpected redis response")
	}

	var job Job
	if err := json.Unmarshal([]byte(result[1]), &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}

	return &job, nil
}

// delayedKey holds jobs that must not run before their score (unix ms).
func delayedKey(queueName string) string {
	return queueName + ":delayed"
}

// EnqueueAt parks a job until at; PromoteDue moves it onto the queue proper.
func (q *Queue) EnqueueAt(ctx context.Context, queueName string, job *Job, at time.Time) error {
	job.CreatedAt = time.Now()

	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	return q.client.ZAdd(ctx, delayedKey(queueName), &redis.Z{
		Score:  float64(at.UnixMilli()),
		Member: data,
	}).Err()
}

// PromoteDue moves every delayed job whose time has come onto the queue and
// returns how many it moved. ZREM decides ownership, so concurrent promoters
// never push the same job twice.
func (q *Queue) PromoteDue(ctx context.Context, queueName string, now time.Time) (int, error) {
	key := delayedKey(queueName)
	due, err := q.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read delayed jobs: %w", err)
	}

	moved := 0
	for _, member := range due {
		removed, err := q.client.ZRem(ctx, key, member).Result()
		if err != nil {
			return moved, fmt.Errorf("failed to claim delayed job: %w", err)
		}
		if removed == 0 {
			continue
		}
		if err := q.client.RPush(ctx, queueName, member).Err(); err != nil {
			return moved, fmt.Errorf("failed to promote delayed job: %w", err)
		}
		moved++
	}
	return moved, nil
}

func (q *Queue) GetQueueLength(ctx context.Context, queueName string) (int64, error) {
	return q.client.LLen(ctx, queueName).Result()
}

// EnqueueGenerateScenes enqueues per-scene generation for a run
func (q *Queue) EnqueueGenerateScenes(ctx context.Context, runID uuid.UUID) error {
	return q.Enqueue(ctx, QueueGenerateScenes, &Job{
		ID:    uuid.New(),
		Type:  JobTypeGenerateScenes,
		RunID: runID,
	})
}

// EnqueueGenerateExtended enqueues a seed-and-extend run
func (q *Queue) EnqueueGenerateExtended(ctx context.Context, runID uuid.UUID) error {
	return q.Enqueue(ctx, QueueGenerateExtended, &Job{
		ID:    uuid.New(),
		Type:  JobTypeGenerateExtended,
		RunID: runID,
	})
}

// EnqueueResumeClip schedules another poll of a clip that was still processing.
// The job stays parked until notBefore.
func (q *Queue) EnqueueResumeClip(ctx context.Context, runID uuid.UUID, sceneNumber, attempt int, notBefore time.Time) error {
	return q.EnqueueAt(ctx, QueueResumeClip, &Job{
		ID:          uuid.New(),
		Type:        JobTypeResumeClip,
		RunID:       runID,
		SceneNumber: &sceneNumber,
		Attempt:     attempt,
		NotBefore:   &notBefore,
	}, notBefore)
}

// EnqueueConcatenate enqueues the final join of a run's clips
func (q *Queue) EnqueueConcatenate(ctx context.Context, runID uuid.UUID) error {
	return q.Enqueue(ctx, QueueConcatenate, &Job{
		ID:    uuid.New(),
		Type:  JobTypeConcatenate,
		RunID: runID,
	})
}
