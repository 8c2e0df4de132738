// Package nats implements the job substrate port using NATS JetStream.
// Immediate dispatches flow through a work-queue stream; future
// dispatches wait in a KV bucket until a promoter loop publishes them.
package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/wardenhq/warden/internal/config"
	"github.com/wardenhq/warden/internal/domain/trigger"
	"github.com/wardenhq/warden/internal/port/jobs"
)

const (
	streamName    = "WARDEN"
	subjectPrefix = "dispatch."

	schedPrefix = "sched." // scheduled envelopes waiting for their due time
	runPrefix   = "run."   // markers for envelopes a worker is executing
	tombPrefix  = "tomb."  // cancellation tombstones for already-published envelopes

	promoteInterval = 15 * time.Second
)

// envelope is the wire form of one dispatch job.
type envelope struct {
	JobID   string          `json:"job_id"`
	AgentID string          `json:"agent_id"`
	Trigger trigger.Context `json:"trigger"`
	Due     time.Time       `json:"due,omitempty"`
}

// Substrate implements jobs.Substrate on NATS JetStream. The KV bucket
// makes scheduled and running jobs visible across worker processes; the
// health sweep's introspection reads it through List.
type Substrate struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	kv     jetstream.KeyValue
	queue  string
	logger *slog.Logger

	mu      sync.Mutex
	running map[string]string // jobID -> agentID, local in-flight set
}

// Connect establishes the NATS connection and ensures the stream and the
// scheduling bucket exist.
func Connect(ctx context.Context, cfg config.NATS, logger *slog.Logger) (*Substrate, error) {
	nc, err := nats.Connect(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init: %w", err)
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      streamName,
		Subjects:  []string{subjectPrefix + ">"},
		Retention: jetstream.WorkQueuePolicy,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream stream create: %w", err)
	}

	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket: cfg.ScheduleBucket,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream kv create: %w", err)
	}

	logger.Info("nats connected",
		slog.String("url", cfg.URL),
		slog.String("stream", streamName),
		slog.String("bucket", cfg.ScheduleBucket))
	return &Substrate{
		nc:      nc,
		js:      js,
		kv:      kv,
		queue:   cfg.WorkerQueue,
		logger:  logger,
		running: make(map[string]string),
	}, nil
}

func (s *Substrate) Enqueue(ctx context.Context, agentID string, tc trigger.Context) (string, error) {
	env := envelope{JobID: uuid.NewString(), AgentID: agentID, Trigger: tc}
	if err := s.publish(ctx, env); err != nil {
		return "", err
	}
	return env.JobID, nil
}

func (s *Substrate) ScheduleAt(ctx context.Context, at time.Time, agentID string, tc trigger.Context) (string, error) {
	env := envelope{JobID: uuid.NewString(), AgentID: agentID, Trigger: tc, Due: at}
	data, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("marshal envelope: %w", err)
	}
	if _, err := s.kv.Put(ctx, schedPrefix+env.JobID, data); err != nil {
		return "", fmt.Errorf("store scheduled job: %w", err)
	}
	return env.JobID, nil
}

// Cancel removes a scheduled job, or tombstones a queued one so workers
// drop it at delivery. Cancelling an unknown or running job is a no-op.
func (s *Substrate) Cancel(ctx context.Context, jobID string) error {
	err := s.kv.Delete(ctx, schedPrefix+jobID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, jetstream.ErrKeyNotFound) {
		return fmt.Errorf("cancel job %s: %w", jobID, err)
	}

	s.mu.Lock()
	_, isRunning := s.running[jobID]
	s.mu.Unlock()
	if isRunning {
		return nil
	}

	if _, err := s.kv.Put(ctx, tombPrefix+jobID, []byte("cancelled")); err != nil {
		return fmt.Errorf("tombstone job %s: %w", jobID, err)
	}
	return nil
}

// List returns every scheduled and running job visible in the bucket.
func (s *Substrate) List(ctx context.Context) ([]jobs.Info, error) {
	keys, err := s.kv.Keys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("list jobs: %w", err)
	}

	var infos []jobs.Info
	for _, key := range keys {
		switch {
		case strings.HasPrefix(key, schedPrefix):
			entry, err := s.kv.Get(ctx, key)
			if err != nil {
				continue
			}
			var env envelope
			if err := json.Unmarshal(entry.Value(), &env); err != nil {
				continue
			}
			infos = append(infos, jobs.Info{ID: env.JobID, AgentID: env.AgentID, State: jobs.StateScheduled, Due: env.Due})
		case strings.HasPrefix(key, runPrefix):
			entry, err := s.kv.Get(ctx, key)
			if err != nil {
				continue
			}
			infos = append(infos, jobs.Info{
				ID:      strings.TrimPrefix(key, runPrefix),
				AgentID: string(entry.Value()),
				State:   jobs.StateRunning,
			})
		}
	}
	return infos, nil
}

// Subscribe registers a queue-group consumer. Deliveries that carry a
// cancellation tombstone are acked and dropped without reaching the
// handler.
func (s *Substrate) Subscribe(ctx context.Context, h jobs.Handler) (func(), error) {
	consumer, err := s.js.CreateOrUpdateConsumer(ctx, streamName, jetstream.ConsumerConfig{
		Durable:       s.queue,
		FilterSubject: subjectPrefix + ">",
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       15 * time.Minute, // past the loop's wall clock budget
	})
	if err != nil {
		return nil, fmt.Errorf("nats consumer create: %w", err)
	}

	cons, err := consumer.Consume(func(msg jetstream.Msg) {
		var env envelope
		if err := json.Unmarshal(msg.Data(), &env); err != nil {
			s.logger.Error("malformed job envelope dropped", slog.Any("error", err))
			_ = msg.Ack()
			return
		}
		if s.consumeTombstone(ctx, env.JobID) {
			s.logger.Info("cancelled job dropped", slog.String("job_id", env.JobID))
			_ = msg.Ack()
			return
		}

		s.markRunning(ctx, env)
		err := h(ctx, env.JobID, env.AgentID, env.Trigger)
		s.clearRunning(ctx, env.JobID)

		if err != nil {
			s.logger.Error("job handler failed",
				slog.String("job_id", env.JobID),
				slog.String("agent_id", env.AgentID),
				slog.Any("error", err))
			if nakErr := msg.Nak(); nakErr != nil {
				s.logger.Error("nats nak failed", slog.Any("error", nakErr))
			}
			return
		}
		if ackErr := msg.Ack(); ackErr != nil {
			s.logger.Error("nats ack failed", slog.Any("error", ackErr))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("nats consume: %w", err)
	}

	return cons.Stop, nil
}

// StartPromoter publishes due scheduled jobs onto the stream until ctx
// ends. Run one per worker process; the KV delete is the race arbiter,
// so two promoters never double-publish the same job.
func (s *Substrate) StartPromoter(ctx context.Context) {
	ticker := time.NewTicker(promoteInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.promoteDue(ctx)
		}
	}
}

func (s *Substrate) promoteDue(ctx context.Context) {
	keys, err := s.kv.Keys(ctx)
	if err != nil {
		if !errors.Is(err, jetstream.ErrNoKeysFound) {
			s.logger.Error("list scheduled jobs", slog.Any("error", err))
		}
		return
	}
	now := time.Now()
	for _, key := range keys {
		if !strings.HasPrefix(key, schedPrefix) {
			continue
		}
		entry, err := s.kv.Get(ctx, key)
		if err != nil {
			continue
		}
		var env envelope
		if err := json.Unmarshal(entry.Value(), &env); err != nil {
			s.logger.Error("malformed scheduled envelope removed", slog.String("key", key))
			_ = s.kv.Delete(ctx, key)
			continue
		}
		if env.Due.After(now) {
			continue
		}
		// Delete first: whichever promoter wins the delete owns the publish.
		if err := s.kv.Delete(ctx, key, jetstream.LastRevision(entry.Revision())); err != nil {
			continue
		}
		if err := s.publish(ctx, env); err != nil {
			s.logger.Error("promote scheduled job",
				slog.String("job_id", env.JobID),
				slog.Any("error", err))
		}
	}
}

func (s *Substrate) publish(ctx context.Context, env envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if _, err := s.js.Publish(ctx, subjectPrefix+env.AgentID, data); err != nil {
		return fmt.Errorf("nats publish: %w", err)
	}
	return nil
}

func (s *Substrate) consumeTombstone(ctx context.Context, jobID string) bool {
	_, err := s.kv.Get(ctx, tombPrefix+jobID)
	if err != nil {
		return false
	}
	_ = s.kv.Delete(ctx, tombPrefix+jobID)
	return true
}

func (s *Substrate) markRunning(ctx context.Context, env envelope) {
	s.mu.Lock()
	s.running[env.JobID] = env.AgentID
	s.mu.Unlock()
	if _, err := s.kv.Put(ctx, runPrefix+env.JobID, []byte(env.AgentID)); err != nil {
		s.logger.Warn("mark job running", slog.String("job_id", env.JobID), slog.Any("error", err))
	}
}

func (s *Substrate) clearRunning(ctx context.Context, jobID string) {
	s.mu.Lock()
	delete(s.running, jobID)
	s.mu.Unlock()
	_ = s.kv.Delete(ctx, runPrefix+jobID)
}

// Close shuts down the NATS connection.
func (s *Substrate) Close() error {
	s.nc.Close()
	return nil
}
