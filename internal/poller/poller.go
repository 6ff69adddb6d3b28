// Package poller waits for the feedback backend to finish processing an
// uploaded speech.
//
// A [Poller] queries the status endpoint on a fixed interval and reports
// changes on a channel. The loop is bounded by an attempt budget and a
// wall-clock timeout; hitting either produces a synthetic failed update with
// TimedOut set. Transient query errors and an open circuit breaker cost an
// attempt but do not end the loop. 401 and 404 responses do.
package poller

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/podium/internal/observe"
	"github.com/MrWong99/podium/internal/recording"
	"github.com/MrWong99/podium/internal/resilience"
	"github.com/MrWong99/podium/pkg/backend"
)

// Defaults for the poll bounds.
const (
	DefaultInterval    = 5 * time.Second
	DefaultMaxAttempts = 60
	DefaultTimeout     = 5*time.Minute + 30*time.Second
)

// StatusUpdate is one observation of a speech's processing state.
type StatusUpdate struct {
	Status       recording.ProcessingStatus `json:"status"`
	Feedback     string                     `json:"feedback,omitempty"`
	ErrorMessage string                     `json:"error_message,omitempty"`

	// TimedOut marks the synthetic failure emitted when the poll bounds are
	// exhausted.
	TimedOut bool `json:"timed_out,omitempty"`
}

// IsTerminal reports whether u is the last update of its poll loop.
func (u StatusUpdate) IsTerminal() bool { return u.Status.IsTerminal() }

// Option configures a [Poller].
type Option func(*Poller)

// WithInterval sets the delay before every status query.
func WithInterval(d time.Duration) Option {
	return func(p *Poller) {
		if d > 0 {
			p.interval = d
		}
	}
}

// WithMaxAttempts bounds the number of status queries.
func WithMaxAttempts(n int) Option {
	return func(p *Poller) {
		if n > 0 {
			p.maxAttempts = n
		}
	}
}

// WithTimeout bounds the total wall-clock time of a poll loop.
func WithTimeout(d time.Duration) Option {
	return func(p *Poller) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithBreaker guards status queries with b. Without it every query goes
// straight to the backend.
func WithBreaker(b *resilience.Breaker) Option {
	return func(p *Poller) { p.breaker = b }
}

// WithSleep replaces the interval sleep.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(p *Poller) { p.sleep = fn }
}

// WithNow replaces the clock used for the wall-clock bound.
func WithNow(now func() time.Time) Option {
	return func(p *Poller) { p.now = now }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Poller) { p.metrics = m }
}

// Poller runs bounded status-polling loops. One Poller serves any number of
// concurrent loops.
type Poller struct {
	api         backend.API
	interval    time.Duration
	maxAttempts int
	timeout     time.Duration
	breaker     *resilience.Breaker
	sleep       func(ctx context.Context, d time.Duration) error
	now         func() time.Time
	metrics     *observe.Metrics
}

// New creates a Poller querying api.
func New(api backend.API, opts ...Option) *Poller {
	p := &Poller{
		api:         api,
		interval:    DefaultInterval,
		maxAttempts: DefaultMaxAttempts,
		timeout:     DefaultTimeout,
		sleep:       sleepCtx,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.metrics == nil {
		p.metrics = observe.DefaultMetrics()
	}
	return p
}

// NewBreaker returns a breaker that only counts transient backend errors.
func NewBreaker(name string, maxFailures int, reset time.Duration) *resilience.Breaker {
	return resilience.New(resilience.Config{
		Name:         name,
		MaxFailures:  maxFailures,
		ResetTimeout: reset,
		IsFailure:    backend.IsRetriable,
	})
}

// Poll starts a loop for remoteID and returns its update channel. The loop
// assumes the speech is already processing, so only changes away from that
// status are reported before the terminal update. The channel is closed after
// the terminal update or once ctx is cancelled, in which case nothing more is
// sent.
func (p *Poller) Poll(ctx context.Context, remoteID string) <-chan StatusUpdate {
	out := make(chan StatusUpdate, 1)
	go func() {
		defer close(out)
		p.run(ctx, remoteID, out)
	}()
	return out
}

func (p *Poller) run(ctx context.Context, remoteID string, out chan<- StatusUpdate) {
	ctx, span := observe.StartSpan(ctx, "poll.feedback",
		trace.WithAttributes(attribute.String("remote_id", remoteID)))
	defer span.End()
	log := observe.Logger(ctx).With("remote_id", remoteID)

	p.metrics.ActivePolls.Add(ctx, 1)
	defer p.metrics.ActivePolls.Add(ctx, -1)

	start := p.now()
	deadline := start.Add(p.timeout)
	send := func(u StatusUpdate) bool {
		if ctx.Err() != nil {
			return false
		}
		select {
		case out <- u:
			return true
		case <-ctx.Done():
			return false
		}
	}

	last := recording.ProcessingProcessing
	for n := 1; n <= p.maxAttempts; n++ {
		if err := p.sleep(ctx, p.interval); err != nil {
			return
		}
		if !p.now().Before(deadline) {
			log.Warn("poll: wall-clock bound reached", "attempts", n-1, "timeout", p.timeout)
			break
		}

		res, err := p.query(ctx, n, remoteID)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			p.metrics.RecordPollQuery(ctx, "error")
			if backend.IsRetriable(err) || errors.Is(err, resilience.ErrOpen) {
				log.Debug("poll: transient query error", "attempt", n, "err", err)
				continue
			}
			log.Warn("poll: permanent query error", "attempt", n, "err", err)
			span.SetStatus(codes.Error, err.Error())
			send(StatusUpdate{Status: recording.ProcessingFailed, ErrorMessage: err.Error()})
			return
		}

		status := recording.ParseProcessingStatus(res.Status)
		p.metrics.RecordPollQuery(ctx, string(status))

		if status.IsTerminal() {
			p.metrics.FeedbackLatency.Record(ctx, p.now().Sub(start).Seconds())
			log.Info("poll: processing finished", "status", status, "attempts", n)
			send(StatusUpdate{
				Status:       status,
				Feedback:     res.Feedback(),
				ErrorMessage: res.ErrorMessage,
			})
			return
		}
		if status != last {
			last = status
			if !send(StatusUpdate{Status: status}) {
				return
			}
		}
	}

	span.SetStatus(codes.Error, "timed out")
	send(StatusUpdate{
		Status:       recording.ProcessingFailed,
		ErrorMessage: "feedback was not ready in time",
		TimedOut:     true,
	})
}

func (p *Poller) query(ctx context.Context, n int, remoteID string) (backend.StatusResult, error) {
	ctx, span := observe.StartSpan(ctx, "poll.query", trace.WithAttributes(attribute.Int("attempt", n)))
	defer span.End()

	var res backend.StatusResult
	call := func(ctx context.Context) error {
		var err error
		res, err = p.api.SpeechStatus(ctx, remoteID)
		return err
	}

	var err error
	if p.breaker != nil {
		err = p.breaker.Execute(ctx, call)
	} else {
		err = call(ctx)
	}
	if err != nil {
		span.RecordError(err)
	}
	return res, err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
