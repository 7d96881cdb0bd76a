// Package usecase implements C4/C5/C6: TaskQueue, ActionProcessor, and TaskManager — the
// scheduler and dispatch core described in spec.md §4.4-§4.5.
package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/backspacevenkat/x-orchestrator/internal/adapter/observability"
	"github.com/backspacevenkat/x-orchestrator/internal/domain"
)

var processorTracer = otel.Tracer("usecase.actionprocessor")

// circuitBreakerMaxFailures/Timeout bound how many consecutive PlatformClient failures (per
// job type) trip the breaker, and how long it stays open before allowing a half-open probe.
const (
	circuitBreakerMaxFailures = 5
	circuitBreakerTimeout     = 30 * time.Second
)

// Broadcaster is the narrow WebSocket fan-out port ActionProcessor and TaskManager push
// lifecycle events through; see spec.md §6 WebSocket events.
type Broadcaster interface {
	BroadcastJobUpdate(jobID string, status domain.JobStatus, result map[string]any)
	BroadcastQueueStatus(status string, message string)
}

// NopBroadcaster discards every event; the default when no WS layer is wired.
type NopBroadcaster struct{}

func (NopBroadcaster) BroadcastJobUpdate(string, domain.JobStatus, map[string]any) {}
func (NopBroadcaster) BroadcastQueueStatus(string, string)                         {}

// ActionProcessor is C5: a pure dispatcher keyed on job.Type, each branch calling exactly one
// PlatformClient method with arguments projected from job.InputParams and worker credentials.
type ActionProcessor struct {
	store       domain.Store
	platform    domain.PlatformClient
	broadcaster Broadcaster
	host        string // used to build the canonical tweet URL
	httpTimeout time.Duration
}

func NewActionProcessor(store domain.Store, platform domain.PlatformClient, broadcaster Broadcaster, host string, httpTimeout time.Duration) *ActionProcessor {
	if broadcaster == nil {
		broadcaster = NopBroadcaster{}
	}
	return &ActionProcessor{store: store, platform: platform, broadcaster: broadcaster, host: host, httpTimeout: httpTimeout}
}

// Outcome is ActionProcessor.Execute's classified result, consumed by the worker loop to
// decide the job's next status transition.
type Outcome struct {
	Result       map[string]any
	Err          error
	Kind         domain.PlatformErrorKind // only meaningful when Err != nil
	RetryAfter   *time.Duration
	ActionResult *domain.PlatformResult // set for mutating classes
}

// Execute runs one bound (job, worker) pair against PlatformClient with a per-HTTP-call
// deadline, and classifies the resulting error per spec.md §4.5/§7.
func (p *ActionProcessor) Execute(ctx context.Context, job domain.Job, worker domain.Account) Outcome {
	ctx, span := processorTracer.Start(ctx, "actionprocessor.execute")
	defer span.End()

	callCtx, cancel := context.WithTimeout(ctx, p.httpTimeout)
	defer cancel()

	start := time.Now()
	cb := observability.GetCircuitBreaker("platform:"+string(job.Type), circuitBreakerMaxFailures, circuitBreakerTimeout)
	var result map[string]any
	var platformResult *domain.PlatformResult
	err := cb.Call(func() error {
		var callErr error
		result, platformResult, callErr = p.dispatch(callCtx, job, worker)
		return callErr
	})
	observability.ObserveDispatchLatency(string(job.Type), time.Since(start).Seconds())
	if err != nil {
		kind, retryAfter := classify(err)
		slog.WarnContext(ctx, "action processor call failed",
			slog.String("job_id", job.ID), slog.String("type", string(job.Type)),
			slog.String("worker_id", worker.ID), slog.String("kind", string(kind)), slog.Any("error", err))
		return Outcome{Err: err, Kind: kind, RetryAfter: retryAfter}
	}

	if platformResult != nil {
		if result == nil {
			result = map[string]any{}
		}
		result["id"] = platformResult.ID
		if platformResult.ID != "" && isTweetTarget(job.Type) {
			result["tweet_url"] = TweetURL(p.host, worker.Login, platformResult.ID)
		} else if platformResult.ID != "" {
			result["url"] = HostURL(p.host)
		}
	}
	return Outcome{Result: result, ActionResult: platformResult}
}

func isTweetTarget(t domain.JobType) bool {
	switch t {
	case domain.JobTypeLike, domain.JobTypeRetweet, domain.JobTypeReply, domain.JobTypeQuote, domain.JobTypeCreatePost:
		return true
	default:
		return false
	}
}

// TweetURL builds https://<host>/<worker.handle>/status/<id>.
func TweetURL(host, handle, id string) string { return fmt.Sprintf("https://%s/%s/status/%s", host, handle, id) }

// HostURL builds https://<host>.
func HostURL(host string) string { return fmt.Sprintf("https://%s", host) }

func str(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func intParam(m map[string]any, key string, def int) int {
	switch v := m[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return def
	}
}

func (p *ActionProcessor) dispatch(ctx context.Context, job domain.Job, worker domain.Account) (map[string]any, *domain.PlatformResult, error) {
	params := job.InputParams
	switch job.Type {
	case domain.JobTypeScrapeProfile, domain.JobTypeUserProfile:
		r, err := p.platform.ScrapeProfile(ctx, worker, str(params, "username"))
		return r, nil, err
	case domain.JobTypeScrapePosts, domain.JobTypeUserTweets:
		r, err := p.platform.ScrapePosts(ctx, worker, str(params, "username"), intParam(params, "count", 20), intParam(params, "hours", 24))
		return r, nil, err
	case domain.JobTypeSearchTrending:
		r, err := p.platform.SearchTrending(ctx, worker)
		return r, nil, err
	case domain.JobTypeSearchPosts, domain.JobTypeBatchSearch:
		r, err := p.platform.SearchPosts(ctx, worker, str(params, "query"))
		return r, nil, err
	case domain.JobTypeSearchUsers:
		r, err := p.platform.SearchUsers(ctx, worker, str(params, "query"))
		return r, nil, err
	case domain.JobTypeLike:
		r, err := p.platform.Like(ctx, worker, str(params, "target"))
		return nil, &r, err
	case domain.JobTypeRetweet:
		r, err := p.platform.Retweet(ctx, worker, str(params, "target"))
		return nil, &r, err
	case domain.JobTypeReply:
		r, err := p.platform.Reply(ctx, worker, str(params, "target"), str(params, "text"))
		return nil, &r, err
	case domain.JobTypeQuote:
		r, err := p.platform.Quote(ctx, worker, str(params, "target"), str(params, "text"))
		return nil, &r, err
	case domain.JobTypeCreatePost:
		r, err := p.platform.CreatePost(ctx, worker, str(params, "text"))
		return nil, &r, err
	case domain.JobTypeFollow:
		r, err := p.platform.Follow(ctx, worker, str(params, "target"))
		return nil, &r, err
	case domain.JobTypeDirectMessage:
		r, err := p.platform.DirectMessage(ctx, worker, str(params, "target"), str(params, "text"))
		return nil, &r, err
	case domain.JobTypeUpdateProfile:
		fields := map[string]string{}
		for k, v := range params {
			if s, ok := v.(string); ok {
				fields[k] = s
			}
		}
		r, err := p.platform.UpdateProfile(ctx, worker, fields)
		return nil, &r, err
	default:
		return nil, nil, fmt.Errorf("op=actionprocessor.dispatch: %w: unknown job type %q", domain.ErrInvalidArgument, job.Type)
	}
}

// classify maps a dispatch error onto the §4.5/§7 error taxonomy.
func classify(err error) (domain.PlatformErrorKind, *time.Duration) {
	var pe *domain.PlatformError
	if errors.As(err, &pe) {
		return pe.Kind, pe.RetryAfter
	}
	switch {
	case errors.Is(err, domain.ErrAuth):
		return domain.PlatformErrAuth, nil
	case errors.Is(err, domain.ErrRateLimited), errors.Is(err, domain.ErrUpstreamRateLimit):
		return domain.PlatformErrRateLimit, nil
	case errors.Is(err, domain.ErrPermanent), errors.Is(err, domain.ErrInvalidArgument):
		return domain.PlatformErrPermanent, nil
	case errors.Is(err, domain.ErrUpstreamTimeout), errors.Is(err, context.DeadlineExceeded):
		return domain.PlatformErrTransient, nil
	default:
		// Unknown failures default to transient: per §7, only bugs/panics are "Internal",
		// and those never reach this function (the worker loop recovers from panics itself).
		return domain.PlatformErrTransient, nil
	}
}
