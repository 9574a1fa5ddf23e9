package mutation

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/roach88/tether/internal/hub"
	"github.com/roach88/tether/internal/ir"
	"github.com/roach88/tether/internal/remote"
)

// Sender delivers queued mutations to the remote, one at a time in
// creation order.
type Sender struct {
	queue     *Queue
	channel   remote.Channel
	hub       *hub.Hub
	refresher remote.Refresher

	limiter  *rate.Limiter
	backoff  Backoff
	timeout  time.Duration
	cooldown time.Duration
	logger   *slog.Logger
}

// SenderOption configures a Sender.
type SenderOption func(*Sender)

// WithRateLimit caps deliveries per second. A non-positive rate removes
// the cap.
func WithRateLimit(perSecond float64, burst int) SenderOption {
	return func(s *Sender) {
		if perSecond <= 0 {
			s.limiter = rate.NewLimiter(rate.Inf, 1)
			return
		}
		s.limiter = rate.NewLimiter(rate.Limit(perSecond), max(burst, 1))
	}
}

// WithBackoff sets the retry schedule for network failures.
func WithBackoff(b Backoff) SenderOption {
	return func(s *Sender) { s.backoff = b }
}

// WithTimeout bounds each remote call. Timeouts are retried like network
// failures.
func WithTimeout(d time.Duration) SenderOption {
	return func(s *Sender) { s.timeout = d }
}

// WithCooldown sets the pause after a delivery exhausted its retries.
func WithCooldown(d time.Duration) SenderOption {
	return func(s *Sender) { s.cooldown = d }
}

// WithRefresher makes the sender wait for refreshed credentials after the
// remote reports them expired, instead of backing off.
func WithRefresher(r remote.Refresher) SenderOption {
	return func(s *Sender) { s.refresher = r }
}

// WithSenderLogger sets the sender logger.
func WithSenderLogger(l *slog.Logger) SenderOption {
	return func(s *Sender) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewSender creates a sender draining q into ch. Delivery outcomes are
// published on h.
func NewSender(q *Queue, ch remote.Channel, h *hub.Hub, opts ...SenderOption) *Sender {
	s := &Sender{
		queue:    q,
		channel:  ch,
		hub:      h,
		limiter:  rate.NewLimiter(rate.Inf, 1),
		backoff:  DefaultBackoff(),
		timeout:  30 * time.Second,
		cooldown: 5 * time.Second,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run delivers events until ctx is cancelled. An event being delivered
// when ctx is cancelled is released, not lost. Run returns nil on
// cancellation.
func (s *Sender) Run(ctx context.Context) error {
	s.logger.Info("mutation sender starting")
	defer s.logger.Info("mutation sender stopped")

	for {
		if ctx.Err() != nil {
			return nil
		}

		ev, found, err := s.queue.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.hub.Publish(hub.ErrorEvent(err))
			if !sleep(ctx, s.cooldown) {
				return nil
			}
			continue
		}
		if !found {
			select {
			case <-ctx.Done():
				return nil
			case <-s.queue.Wait():
			}
			continue
		}

		if err := s.limiter.Wait(ctx); err != nil {
			s.release(ev)
			return nil
		}

		retryLater, err := s.deliver(ctx, ev)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			s.hub.Publish(hub.ErrorEvent(err))
			retryLater = true
		}
		if retryLater && !sleep(ctx, s.cooldown) {
			return nil
		}
	}
}

// deliver sends ev, retrying network failures. retryLater reports that
// retries were exhausted and ev was released back to the queue.
func (s *Sender) deliver(ctx context.Context, ev ir.MutationEvent) (retryLater bool, err error) {
	log := s.logger.With("event", ev.ID, "model", ev.ModelName, "id", ev.ModelID, "kind", ev.Kind)

	req, err := s.request(ctx, ev)
	if err != nil {
		if !ir.IsCode(err, ir.ErrCodeInvalidOperation) {
			s.release(ev)
			return true, err
		}
		// An undecodable event can never be delivered.
		if dropErr := s.queue.Drop(context.WithoutCancel(ctx), ev); dropErr != nil {
			return false, dropErr
		}
		return false, err
	}

	for attempt := 0; ; {
		callCtx, cancel := context.WithTimeout(ctx, s.timeout)
		resp, sendErr := s.channel.SendMutation(callCtx, req)
		cancel()

		// Bookkeeping after the call must happen even if Stop raced it.
		bg := context.WithoutCancel(ctx)

		if sendErr == nil {
			if err := s.queue.Complete(bg, ev, resp.Version); err != nil {
				return false, err
			}
			record := resp.Record
			if record.ID == "" {
				record = req.Record
			}
			s.hub.Publish(hub.Event{
				Kind:     hub.EventOutboxProcessed,
				Model:    ev.ModelName,
				Mutation: ev.Kind,
				Record:   record,
				Source:   hub.SourceLocal,
				Version:  resp.Version,
			})
			log.Debug("mutation delivered", "version", resp.Version)
			return false, nil
		}

		if ctx.Err() != nil {
			s.release(ev)
			return false, ctx.Err()
		}

		classified := remote.Classify(sendErr, ev.ModelName, ev.ModelID)
		switch classified.Code {
		case ir.ErrCodeAuthExpired, ir.ErrCodeNetwork:
			if classified.Code == ir.ErrCodeAuthExpired && s.refresher != nil {
				log.Info("credentials expired, waiting for refresh")
				if err := s.refresher.WaitForRefresh(ctx); err != nil {
					s.release(ev)
					return false, err
				}
				continue
			}
			delay, ok := s.backoff.NextDelay(attempt)
			if !ok {
				log.Warn("mutation delivery failed, will retry later", "attempts", attempt+1, "error", sendErr)
				s.hub.Publish(hub.ErrorEvent(classified))
				s.release(ev)
				return true, nil
			}
			attempt++
			log.Debug("retrying mutation", "attempt", attempt, "delay", delay, "error", sendErr)
			if !sleep(ctx, delay) {
				s.release(ev)
				return false, ctx.Err()
			}
		default:
			log.Warn("mutation rejected, dropping", "error", sendErr)
			if err := s.queue.Drop(bg, ev); err != nil {
				return false, err
			}
			s.hub.Publish(hub.ErrorEvent(classified))
			return false, nil
		}
	}
}

// request builds the remote request for ev. The version sent is the
// latest known at send time, which may be newer than when ev was queued.
func (s *Sender) request(ctx context.Context, ev ir.MutationEvent) (remote.MutationRequest, error) {
	reg := s.queue.store.Registry()
	if reg == nil {
		return remote.MutationRequest{}, ir.NewConfigurationError("sender used before store set up", nil)
	}
	schema, err := reg.Lookup(ev.ModelName)
	if err != nil {
		return remote.MutationRequest{}, err
	}
	rec, err := ev.Record(schema.Key())
	if err != nil {
		e := ir.NewInvalidOperationError("undecodable mutation payload")
		e.Err = err
		return remote.MutationRequest{}, e.WithRecord(ev.ModelName, ev.ModelID)
	}

	req := remote.MutationRequest{
		EventID: ev.ID,
		Model:   ev.ModelName,
		Kind:    ev.Kind,
		Record:  rec,
		Version: ev.Version,
	}
	meta, found, err := s.queue.store.MutationSyncMetadata(ctx, ev.ModelName, ev.ModelID)
	if err != nil {
		return remote.MutationRequest{}, err
	}
	if found {
		v := meta.Version
		req.Version = &v
	}
	return req, nil
}

func (s *Sender) release(ev ir.MutationEvent) {
	if err := s.queue.Release(context.Background(), ev); err != nil {
		s.logger.Error("release mutation failed", "event", ev.ID, "error", err)
	}
}

// sleep waits for d or ctx, reporting false if ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
