// Package platform holds the PlatformClient port (the opaque outbound adapter spec.md §1
// explicitly places out of scope) and a deterministic stub implementation used for local
// development and tests, since the real HTTP/OAuth adapter lives outside this repository.
package platform

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/backspacevenkat/x-orchestrator/internal/domain"
)

// Stub is a deterministic in-memory PlatformClient: every call succeeds immediately and
// manufactures a plausible result. It exists so TaskManager/ActionProcessor wiring can be
// exercised end-to-end without a live credential set or network access.
type Stub struct {
	// Fail, if non-nil, is consulted on every call; returning a non-nil *domain.PlatformError
	// forces that outcome, letting tests exercise the ActionProcessor error-classification
	// paths (transient/auth/permanent/rate_limited) deterministically.
	Fail func(method string, worker domain.Account) *domain.PlatformError
}

func (s *Stub) fail(method string, worker domain.Account) error {
	if s.Fail == nil {
		return nil
	}
	if pe := s.Fail(method, worker); pe != nil {
		return pe
	}
	return nil
}

func (s *Stub) ScrapeProfile(ctx context.Context, worker domain.Account, username string) (map[string]any, error) {
	if err := s.fail("ScrapeProfile", worker); err != nil {
		return nil, err
	}
	return map[string]any{"username": username, "followers": 0, "scraped_at": time.Now().UTC().Format(time.RFC3339)}, nil
}

func (s *Stub) ScrapePosts(ctx context.Context, worker domain.Account, username string, count int, hours int) (map[string]any, error) {
	if err := s.fail("ScrapePosts", worker); err != nil {
		return nil, err
	}
	return map[string]any{"username": username, "posts": []any{}, "requested_count": count, "window_hours": hours}, nil
}

func (s *Stub) SearchTrending(ctx context.Context, worker domain.Account) (map[string]any, error) {
	if err := s.fail("SearchTrending", worker); err != nil {
		return nil, err
	}
	return map[string]any{"trends": []any{}}, nil
}

func (s *Stub) SearchPosts(ctx context.Context, worker domain.Account, query string) (map[string]any, error) {
	if err := s.fail("SearchPosts", worker); err != nil {
		return nil, err
	}
	return map[string]any{"query": query, "results": []any{}}, nil
}

func (s *Stub) SearchUsers(ctx context.Context, worker domain.Account, query string) (map[string]any, error) {
	if err := s.fail("SearchUsers", worker); err != nil {
		return nil, err
	}
	return map[string]any{"query": query, "results": []any{}}, nil
}

func (s *Stub) Like(ctx context.Context, worker domain.Account, targetID string) (domain.PlatformResult, error) {
	if err := s.fail("Like", worker); err != nil {
		return domain.PlatformResult{}, err
	}
	return domain.PlatformResult{ID: targetID}, nil
}

func (s *Stub) Retweet(ctx context.Context, worker domain.Account, targetID string) (domain.PlatformResult, error) {
	if err := s.fail("Retweet", worker); err != nil {
		return domain.PlatformResult{}, err
	}
	return domain.PlatformResult{ID: uuid.NewString()}, nil
}

func (s *Stub) Reply(ctx context.Context, worker domain.Account, targetID, text string) (domain.PlatformResult, error) {
	if err := s.fail("Reply", worker); err != nil {
		return domain.PlatformResult{}, err
	}
	return domain.PlatformResult{ID: uuid.NewString()}, nil
}

func (s *Stub) Quote(ctx context.Context, worker domain.Account, targetID, text string) (domain.PlatformResult, error) {
	if err := s.fail("Quote", worker); err != nil {
		return domain.PlatformResult{}, err
	}
	return domain.PlatformResult{ID: uuid.NewString()}, nil
}

func (s *Stub) CreatePost(ctx context.Context, worker domain.Account, text string) (domain.PlatformResult, error) {
	if err := s.fail("CreatePost", worker); err != nil {
		return domain.PlatformResult{}, err
	}
	return domain.PlatformResult{ID: uuid.NewString()}, nil
}

func (s *Stub) Follow(ctx context.Context, worker domain.Account, targetUser string) (domain.PlatformResult, error) {
	if err := s.fail("Follow", worker); err != nil {
		return domain.PlatformResult{}, err
	}
	return domain.PlatformResult{ID: targetUser}, nil
}

func (s *Stub) DirectMessage(ctx context.Context, worker domain.Account, targetUser, text string) (domain.PlatformResult, error) {
	if err := s.fail("DirectMessage", worker); err != nil {
		return domain.PlatformResult{}, err
	}
	return domain.PlatformResult{ID: uuid.NewString()}, nil
}

func (s *Stub) UpdateProfile(ctx context.Context, worker domain.Account, fields map[string]string) (domain.PlatformResult, error) {
	if err := s.fail("UpdateProfile", worker); err != nil {
		return domain.PlatformResult{}, err
	}
	return domain.PlatformResult{ID: worker.ID}, nil
}

var _ domain.PlatformClient = (*Stub)(nil)

// TweetURL builds the canonical URL spec.md §4.5 requires on a successful tweet-mutating
// action: https://<host>/<worker.handle>/status/<id>.
func TweetURL(host, handle, id string) string {
	return fmt.Sprintf("https://%s/%s/status/%s", host, handle, id)
}

// HostURL builds the canonical URL for a non-tweet-mutating action (e.g. profile update):
// https://<host>.
func HostURL(host string) string {
	return fmt.Sprintf("https://%s", host)
}
