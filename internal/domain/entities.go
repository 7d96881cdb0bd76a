// Package domain defines core entities, ports, and domain-specific errors.
package domain

import (
	"context"
	"errors"
	"time"
)

// Error taxonomy (sentinels). Each corresponds to one of the seven error kinds of the
// error-handling design: validation, dedup, rate-limited, transient, auth, permanent, internal.
var (
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")        // dedup: uniqueness violation on Action
	ErrRateLimited       = errors.New("rate limited")     // CheckAllowed deny, or platform 429
	ErrUpstreamTimeout   = errors.New("upstream timeout") // transient
	ErrUpstreamRateLimit = errors.New("upstream rate limit")
	ErrSchemaInvalid     = errors.New("schema invalid") // platform returned an unparseable body
	ErrAuth              = errors.New("auth failure")   // 401/403 from the platform
	ErrPermanent         = errors.New("permanent failure")
	ErrInternal          = errors.New("internal error")
)

// Context is a type alias to stdlib context.Context for convenience across layers.
type Context = context.Context

// ValidationState is the worker account's credential-validation lifecycle state.
type ValidationState string

const (
	ValidationPending    ValidationState = "pending"
	ValidationValidating ValidationState = "validating"
	ValidationRecovering ValidationState = "recovering"
	ValidationCompleted  ValidationState = "completed"
	ValidationFailed     ValidationState = "failed"
)

// OAuthSetupState is the account's OAuth onboarding lifecycle state.
type OAuthSetupState string

const (
	OAuthSetupPending    OAuthSetupState = "pending"
	OAuthSetupInProgress OAuthSetupState = "in_progress"
	OAuthSetupCompleted  OAuthSetupState = "completed"
	OAuthSetupFailed     OAuthSetupState = "failed"
)

// AccountKind distinguishes normal (non-dispatchable) accounts from worker accounts.
type AccountKind string

const (
	AccountNormal AccountKind = "normal"
	AccountWorker AccountKind = "worker"
)

// Credentials bundles every outbound-identity secret an Account may carry. Individual fields
// are optional because different platforms authenticate differently; ActionProcessor and
// PlatformClient agree out-of-band on which subset a given deployment requires.
type Credentials struct {
	AuthToken          string
	CSRFToken          string // the platform's CSRF-equivalent (e.g. Twitter's ct0)
	TwoFactorSecret    string
	ConsumerKey        string
	ConsumerSecret     string
	BearerToken        string
	AccessToken        string
	AccessTokenSecret  string
	ClientID           string
	ClientSecret       string
}

// Present reports whether the minimum credential set required to dispatch work is populated.
func (c Credentials) Present() bool {
	return c.AuthToken != "" && c.CSRFToken != ""
}

// ProxyConfig is the account's outbound network identity.
type ProxyConfig struct {
	URL      string
	Port     string
	Username string
	Password string
}

// Configured reports whether every proxy field required to route traffic is present.
func (p ProxyConfig) Configured() bool {
	return p.URL != "" && p.Port != "" && p.Username != "" && p.Password != ""
}

// Account is a worker identity: the system's unit of outbound capacity.
type Account struct {
	ID                 string
	AccountNo          string
	Kind               AccountKind
	Login              string
	Credentials        Credentials
	Proxy              ProxyConfig
	UserAgent          string
	Active             bool
	TotalCompleted     int64
	TotalFailed        int64
	Requests15m        int64
	Requests24h        int64
	LastRateLimitReset time.Time
	LastTaskTime       *time.Time
	ValidationState    ValidationState
	OAuthSetupState    OAuthSetupState
	RecoveryAttempts   int
	CreatedAt          time.Time
	UpdatedAt          time.Time
	DeletedAt          *time.Time
}

// IsWorker reports whether this account participates in dispatch at all.
func (a Account) IsWorker() bool { return a.Kind == AccountWorker }

// PlatformRateLimited mirrors the platform's own outer safety counters (distinct from the
// per-action-class RateLimiter): an account that has exhausted the platform's own 15-minute or
// 24-hour request budget must not be handed further work regardless of per-class state.
func (a Account) PlatformRateLimited() bool {
	return a.Requests15m >= 900 || a.Requests24h >= 100000
}

// Dispatchable implements the §3 invariant: kind=worker, active, validation in
// {completed, pending}, credentials present, not soft-deleted, not in recovery/validating.
func (a Account) Dispatchable() bool {
	if a.DeletedAt != nil {
		return false
	}
	if !a.IsWorker() || !a.Active {
		return false
	}
	if a.ValidationState != ValidationCompleted && a.ValidationState != ValidationPending {
		return false
	}
	if !a.Credentials.Present() {
		return false
	}
	return true
}

// Healthy implements the §4.2 health check: unhealthy if stale (>30m since last task),
// missing credentials, or mid-validation/recovery.
func (a Account) Healthy(now time.Time, staleness time.Duration) bool {
	if a.LastTaskTime != nil && now.Sub(*a.LastTaskTime) > staleness {
		return false
	}
	if !a.Credentials.Present() {
		return false
	}
	if a.ValidationState == ValidationValidating || a.ValidationState == ValidationRecovering {
		return false
	}
	return true
}

// SuccessRate returns the account's completed/(completed+failed) ratio as a percentage.
func (a Account) SuccessRate() float64 {
	total := a.TotalCompleted + a.TotalFailed
	if total == 0 {
		return 0
	}
	return float64(a.TotalCompleted) / float64(total) * 100
}

// JobType is the closed enumeration of job kinds the orchestrator accepts.
type JobType string

const (
	JobTypeScrapeProfile   JobType = "scrape_profile"
	JobTypeScrapePosts     JobType = "scrape_posts"
	JobTypeSearchTrending  JobType = "search_trending"
	JobTypeSearchPosts     JobType = "search_posts"
	JobTypeSearchUsers     JobType = "search_users"
	JobTypeBatchSearch     JobType = "batch_search"
	JobTypeLike            JobType = "like"
	JobTypeRetweet         JobType = "retweet"
	JobTypeReply           JobType = "reply"
	JobTypeQuote           JobType = "quote"
	JobTypeCreatePost      JobType = "create_post"
	JobTypeFollow          JobType = "follow"
	JobTypeDirectMessage   JobType = "direct_message"
	JobTypeUpdateProfile   JobType = "update_profile"
	// Reserved: mentioned by the source's task/action-type maps but unused by the REST layer.
	JobTypeUserProfile JobType = "user_profile"
	JobTypeUserTweets  JobType = "user_tweets"
)

// ValidJobTypes is the closed set accepted by TaskManager.AddJob (JobStore.CreateJob itself
// does not check it).
var ValidJobTypes = map[JobType]bool{
	JobTypeScrapeProfile:  true,
	JobTypeScrapePosts:    true,
	JobTypeSearchTrending: true,
	JobTypeSearchPosts:    true,
	JobTypeSearchUsers:    true,
	JobTypeBatchSearch:    true,
	JobTypeLike:           true,
	JobTypeRetweet:        true,
	JobTypeReply:          true,
	JobTypeQuote:          true,
	JobTypeCreatePost:     true,
	JobTypeFollow:         true,
	JobTypeDirectMessage:  true,
	JobTypeUpdateProfile:  true,
	JobTypeUserProfile:    true,
	JobTypeUserTweets:     true,
}

// ActionClass is the rate-limit bucket a JobType maps onto.
type ActionClass string

const (
	ClassLike           ActionClass = "like"
	ClassRetweet        ActionClass = "retweet"
	ClassPost           ActionClass = "post" // reply + quote + create_post, shared daily budget
	ClassFollow         ActionClass = "follow"
	ClassDM             ActionClass = "dm"
	ClassProfileUpdate  ActionClass = "profile_update"
	ClassRead           ActionClass = "read" // all read/scrape classes
)

// ClassForJobType maps a JobType onto its ActionClass rate-limit bucket.
func ClassForJobType(t JobType) (ActionClass, bool) {
	switch t {
	case JobTypeLike:
		return ClassLike, true
	case JobTypeRetweet:
		return ClassRetweet, true
	case JobTypeReply, JobTypeQuote, JobTypeCreatePost:
		return ClassPost, true
	case JobTypeFollow:
		return ClassFollow, true
	case JobTypeDirectMessage:
		return ClassDM, true
	case JobTypeUpdateProfile:
		return ClassProfileUpdate, true
	case JobTypeScrapeProfile, JobTypeScrapePosts, JobTypeSearchTrending, JobTypeSearchPosts,
		JobTypeSearchUsers, JobTypeBatchSearch, JobTypeUserProfile, JobTypeUserTweets:
		return ClassRead, true
	default:
		return "", false
	}
}

// Mutating reports whether the class produces durable Action rows (as opposed to read/scrape
// classes, which are rate-limited but not deduplicated against a target).
func (c ActionClass) Mutating() bool { return c != ClassRead }

// JobStatus captures the lifecycle state of a job. Valid transitions form a DAG:
// pending -> locked -> running -> {completed, failed, cancelled}; failed -> pending on
// reassignment (retry_count++) up to retry_count = 3; any non-running state -> cancelled.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobLocked    JobStatus = "locked"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// MaxRetryCount is the retry budget enforced on every job before it is marked terminally failed.
const MaxRetryCount = 3

// Job is the domain model for one unit of dispatched work.
type Job struct {
	ID               string
	Type             JobType
	InputParams      map[string]any
	Status           JobStatus
	Priority         int // [0,10]
	RetryCount       int
	CreatedAt        time.Time
	StartedAt        *time.Time
	CompletedAt      *time.Time
	UpdatedAt        time.Time
	AssignedWorkerID *string
	Result           map[string]any
	Error            string
	Batch            int
	IdemKey          *string
	// NextRetryAt is the earliest time DequeuePending will consider this job again, set on
	// transient (exponential backoff) and rate-limited (platform-reported or computed
	// earliest_retry_time) requeues per spec.md §7. Nil means immediately eligible.
	NextRetryAt *time.Time
}

// ActionStatus mirrors JobStatus plus the store-local `locked` pre-dispatch state.
type ActionStatus string

const (
	ActionPending   ActionStatus = "pending"
	ActionLocked    ActionStatus = "locked"
	ActionRunning   ActionStatus = "running"
	ActionCompleted ActionStatus = "completed"
	ActionFailed    ActionStatus = "failed"
	ActionCancelled ActionStatus = "cancelled"
)

// ActiveActionStatuses is the set of statuses the uniqueness invariant guards against:
// UNIQUE(account_id, action_type, target_id) WHERE status IN (pending, running, locked).
var ActiveActionStatuses = []ActionStatus{ActionPending, ActionRunning, ActionLocked}

// Action is a durable record of one attempted mutating operation against the platform.
type Action struct {
	ID                string
	AccountID         string
	JobID             string
	ActionType        JobType
	Class             ActionClass
	TargetID          string // tweet id or user handle, when applicable
	Status            ActionStatus
	Error             string
	RateLimitRemaining *int
	RateLimitReset     *time.Time
	Meta              map[string]any
	CreatedAt         time.Time
	ExecutedAt        *time.Time
}

// RateLimitRule is the (per-15m, per-hour, per-day, min-spacing, parallel) tuple for one
// ActionClass. Zero values for a window mean "not enforced" (used by the `read` class, which
// leaves the per-hour window and minimum spacing unset and enforces per-15m, per-day and
// parallel limits).
type RateLimitRule struct {
	Class       ActionClass
	Per15Min    int
	PerHour     int
	PerDay      int
	MinSpacing  time.Duration
	Parallel    int
}

// DefaultRateLimits is the spec.md §4.1 default rate-limit table, carried unchanged from
// the original source's RATE_LIMITS (rate_limiter.py).
var DefaultRateLimits = map[ActionClass]RateLimitRule{
	ClassLike:          {Class: ClassLike, Per15Min: 1, PerHour: 4, PerDay: 96, MinSpacing: 900 * time.Second, Parallel: 1},
	ClassRetweet:       {Class: ClassRetweet, Per15Min: 1, PerHour: 4, PerDay: 96, MinSpacing: 900 * time.Second, Parallel: 1},
	ClassPost:          {Class: ClassPost, Per15Min: 1, PerHour: 4, PerDay: 16, MinSpacing: 900 * time.Second, Parallel: 1},
	ClassFollow:        {Class: ClassFollow, Per15Min: 1, PerHour: 4, PerDay: 50, MinSpacing: 900 * time.Second, Parallel: 1},
	ClassDM:            {Class: ClassDM, Per15Min: 1, PerHour: 4, PerDay: 1000, MinSpacing: 900 * time.Second, Parallel: 1},
	ClassProfileUpdate: {Class: ClassProfileUpdate, Per15Min: 4, PerHour: 16, PerDay: 100, MinSpacing: 300 * time.Second, Parallel: 1},
	ClassRead:          {Class: ClassRead, Per15Min: 900, PerHour: 0, PerDay: 100000, MinSpacing: 0, Parallel: 32},
}

// Repositories (ports).

// AccountRepository is JobStore's account-facing surface.
type AccountRepository interface {
	Create(ctx Context, a Account) (string, error)
	Get(ctx Context, id string) (Account, error)
	// ListDispatchable returns dispatchable worker accounts with FOR UPDATE SKIP LOCKED
	// semantics so concurrent callers never receive the same row.
	ListDispatchable(ctx Context, tx Tx, limit int) ([]Account, error)
	UpdateActivation(ctx Context, tx Tx, id string, active bool) error
	UpdateValidationState(ctx Context, tx Tx, id string, state ValidationState) error
	IncrementCounters(ctx Context, tx Tx, id string, completed, failed bool) error
	IncrementRequestCounter(ctx Context, tx Tx, id string) error
	TouchLastTask(ctx Context, tx Tx, id string, at time.Time) error
	ResetWindowCounters(ctx Context, tx Tx, id string, now time.Time) error
}

// JobRepository is JobStore's job-facing surface.
type JobRepository interface {
	CreateJob(ctx Context, j Job) (Job, error)
	Get(ctx Context, id string) (Job, error)
	FindByIdempotencyKey(ctx Context, key string) (Job, error)
	// DequeuePending selects up to `limit` pending jobs ordered by priority desc, created_at
	// asc, locks them with SKIP LOCKED, transitions them to `locked`, and returns them.
	DequeuePending(ctx Context, tx Tx, limit int) ([]Job, error)
	MarkRunning(ctx Context, tx Tx, id, workerID string, startedAt time.Time) error
	MarkCompleted(ctx Context, tx Tx, id string, result map[string]any) error
	MarkFailed(ctx Context, tx Tx, id string, errMsg string, incrementRetry bool) error
	MarkCancelled(ctx Context, tx Tx, id string) error
	// Requeue moves a `failed` job back to `pending` (reassignment path) without touching
	// retry_count, or with retry_count++ depending on the caller's error classification.
	Requeue(ctx Context, tx Tx, id string, incrementRetry bool) error
	// RequeueAfter is Requeue plus a next_retry_at floor: DequeuePending skips the job until
	// that time, implementing transient exponential backoff and rate-limited earliest_retry_time
	// per spec.md §7.
	RequeueAfter(ctx Context, tx Tx, id string, incrementRetry bool, notBefore time.Time) error
	ReleaseLock(ctx Context, tx Tx, id string) error
	ListByStatus(ctx Context, status JobStatus, offset, limit int) ([]Job, error)
	ListWithFilters(ctx Context, offset, limit int, status string, jobType string) ([]Job, error)
	CountWithFilters(ctx Context, status string, jobType string) (int64, error)
	Count(ctx Context) (int64, error)
	CountByStatus(ctx Context, status JobStatus) (int64, error)
	// RecoverOnBoot resets every `running` and `locked` job to `pending` (spec.md §8
	// round-trip law: Stop followed by cold restart resumes cleanly).
	RecoverOnBoot(ctx Context) (int64, error)
	SetBatch(ctx Context, tx Tx, id string, batch int) error
}

// ActionRepository is JobStore's action-facing surface.
type ActionRepository interface {
	// CreateAction fails distinctly with ErrConflict (wrapping the existing Action id in the
	// error) if the uniqueness invariant would be violated.
	CreateAction(ctx Context, a Action) (Action, error)
	Get(ctx Context, id string) (Action, error)
	FindActive(ctx Context, accountID string, class ActionClass, targetID string) (Action, error)
	FindCompletedDuplicate(ctx Context, accountID string, class ActionClass, targetID string) (Action, bool, error)
	UpdateStatus(ctx Context, tx Tx, id string, status ActionStatus, errMsg string, rateLimitRemaining *int, rateLimitReset *time.Time) error
	// CountInWindow counts non-failed actions for (account, class) within [since, now]. When
	// class == ClassPost, callers must pass the union semantics by calling CountInWindowUnion.
	CountInWindow(ctx Context, accountID string, class ActionClass, since time.Time) (int64, error)
	CountInWindowUnion(ctx Context, accountID string, classes []ActionClass, since time.Time) (int64, error)
	CountRunning(ctx Context, accountID string, class ActionClass) (int64, error)
	LastAttempt(ctx Context, accountID string, class ActionClass) (Action, bool, error)
	// SweepStaleRunning demotes running actions older than maxAge to failed("timeout") and
	// returns the number of rows affected.
	SweepStaleRunning(ctx Context, maxAge time.Duration) (int64, error)
}

// Tx is the narrow transaction handle passed through use cases so that JobStore callers share
// one transaction across jobs/accounts/actions without the domain layer importing pgx.
type Tx interface {
	Commit(ctx Context) error
	Rollback(ctx Context) error
}

// Store is the aggregate JobStore port (C3): a transactional unit of work plus the three
// narrower repositories above.
type Store interface {
	Begin(ctx Context) (Tx, error)
	Accounts() AccountRepository
	Jobs() JobRepository
	Actions() ActionRepository
}

// PlatformClient is the opaque outbound adapter (explicitly out of scope per spec.md §1): its
// contract is the union of methods ActionProcessor invokes. The real HTTP/OAuth implementation
// lives outside this repository; only the port and a deterministic stub are provided here.
type PlatformClient interface {
	ScrapeProfile(ctx Context, worker Account, username string) (map[string]any, error)
	ScrapePosts(ctx Context, worker Account, username string, count int, hours int) (map[string]any, error)
	SearchTrending(ctx Context, worker Account) (map[string]any, error)
	SearchPosts(ctx Context, worker Account, query string) (map[string]any, error)
	SearchUsers(ctx Context, worker Account, query string) (map[string]any, error)
	Like(ctx Context, worker Account, targetID string) (PlatformResult, error)
	Retweet(ctx Context, worker Account, targetID string) (PlatformResult, error)
	Reply(ctx Context, worker Account, targetID, text string) (PlatformResult, error)
	Quote(ctx Context, worker Account, targetID, text string) (PlatformResult, error)
	CreatePost(ctx Context, worker Account, text string) (PlatformResult, error)
	Follow(ctx Context, worker Account, targetUser string) (PlatformResult, error)
	DirectMessage(ctx Context, worker Account, targetUser, text string) (PlatformResult, error)
	UpdateProfile(ctx Context, worker Account, fields map[string]string) (PlatformResult, error)
}

// PlatformResult is the normalized outcome of one mutating PlatformClient call.
type PlatformResult struct {
	ID                 string // e.g. new post id, empty for non-id-bearing actions
	RateLimitRemaining *int
	RateLimitReset     *time.Time
	RetryAfter         *time.Duration // platform-reported retry-after on 429
}

// PlatformError classifies a PlatformClient failure per the §4.5/§7 error taxonomy.
type PlatformErrorKind string

const (
	PlatformErrTransient PlatformErrorKind = "transient"
	PlatformErrAuth      PlatformErrorKind = "auth"
	PlatformErrPermanent PlatformErrorKind = "permanent"
	PlatformErrRateLimit PlatformErrorKind = "rate_limited"
)

// PlatformError wraps a PlatformClient failure with its classification.
type PlatformError struct {
	Kind       PlatformErrorKind
	StatusCode int
	Message    string
	RetryAfter *time.Duration
}

func (e *PlatformError) Error() string { return e.Message }
