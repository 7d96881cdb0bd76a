package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/backspacevenkat/x-orchestrator/internal/domain"
)

// AccountRepo implements domain.AccountRepository against Postgres.
type AccountRepo struct {
	Pool PgxPool
}

const accountColumns = `id, account_no, kind, login, credentials, proxy, user_agent, active,
	total_completed, total_failed, requests_15m, requests_24h, last_rate_limit_reset,
	last_task_time, validation_state, oauth_setup_state, recovery_attempts, created_at,
	updated_at, deleted_at`

func (r *AccountRepo) Create(ctx context.Context, a domain.Account) (string, error) {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	creds, err := marshalMap(credentialsToMap(a.Credentials))
	if err != nil {
		return "", fmt.Errorf("op=account.create: %w", err)
	}
	proxy, err := marshalMap(proxyToMap(a.Proxy))
	if err != nil {
		return "", fmt.Errorf("op=account.create: %w", err)
	}
	const q = `INSERT INTO accounts (id, account_no, kind, login, credentials, proxy, user_agent,
	             active, validation_state, oauth_setup_state)
	           VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`
	if _, err := r.Pool.Exec(ctx, q, a.ID, a.AccountNo, string(a.Kind), a.Login, creds, proxy,
		a.UserAgent, a.Active, string(a.ValidationState), string(a.OAuthSetupState)); err != nil {
		if isUniqueViolation(err) {
			return "", fmt.Errorf("op=account.create: %w", domain.ErrConflict)
		}
		return "", fmt.Errorf("op=account.create: %w", err)
	}
	return a.ID, nil
}

func scanAccount(row pgx.Row) (domain.Account, error) {
	var a domain.Account
	var creds, proxy []byte
	var kind, validationState, oauthState string
	if err := row.Scan(&a.ID, &a.AccountNo, &kind, &a.Login, &creds, &proxy, &a.UserAgent,
		&a.Active, &a.TotalCompleted, &a.TotalFailed, &a.Requests15m, &a.Requests24h,
		&a.LastRateLimitReset, &a.LastTaskTime, &validationState, &oauthState,
		&a.RecoveryAttempts, &a.CreatedAt, &a.UpdatedAt, &a.DeletedAt); err != nil {
		return domain.Account{}, err
	}
	a.Kind = domain.AccountKind(kind)
	a.ValidationState = domain.ValidationState(validationState)
	a.OAuthSetupState = domain.OAuthSetupState(oauthState)
	credMap, err := unmarshalMap(creds)
	if err != nil {
		return domain.Account{}, err
	}
	a.Credentials = mapToCredentials(credMap)
	proxyMap, err := unmarshalMap(proxy)
	if err != nil {
		return domain.Account{}, err
	}
	a.Proxy = mapToProxy(proxyMap)
	return a, nil
}

func (r *AccountRepo) Get(ctx context.Context, id string) (domain.Account, error) {
	row := r.Pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id=$1`, id)
	a, err := scanAccount(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Account{}, fmt.Errorf("op=account.get: %w", domain.ErrNotFound)
		}
		return domain.Account{}, fmt.Errorf("op=account.get: %w", err)
	}
	return a, nil
}

// ListDispatchable selects active worker accounts not mid-validation/recovery, with
// FOR UPDATE SKIP LOCKED so concurrent worker loops never race on the same account.
func (r *AccountRepo) ListDispatchable(ctx context.Context, tx domain.Tx, limit int) ([]domain.Account, error) {
	pt := txFromDomain(tx)
	rows, err := pt.Query(ctx, `SELECT `+accountColumns+` FROM accounts
	                             WHERE kind=$1 AND active=true AND deleted_at IS NULL
	                               AND validation_state IN ($2,$3)
	                             ORDER BY last_task_time ASC NULLS FIRST
	                             LIMIT $4
	                             FOR UPDATE SKIP LOCKED`,
		string(domain.AccountWorker), string(domain.ValidationCompleted), string(domain.ValidationPending), limit)
	if err != nil {
		return nil, fmt.Errorf("op=account.list_dispatchable: %w", err)
	}
	defer rows.Close()
	var out []domain.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("op=account.list_dispatchable: %w", err)
		}
		if a.Credentials.Present() {
			out = append(out, a)
		}
	}
	return out, rows.Err()
}

func (r *AccountRepo) UpdateActivation(ctx context.Context, tx domain.Tx, id string, active bool) error {
	pt := txFromDomain(tx)
	ct, err := pt.Exec(ctx, `UPDATE accounts SET active=$1, updated_at=now() WHERE id=$2`, active, id)
	return checkRowsAffected(ct, err, "account.update_activation")
}

func (r *AccountRepo) UpdateValidationState(ctx context.Context, tx domain.Tx, id string, state domain.ValidationState) error {
	pt := txFromDomain(tx)
	ct, err := pt.Exec(ctx, `UPDATE accounts SET validation_state=$1, updated_at=now() WHERE id=$2`, string(state), id)
	return checkRowsAffected(ct, err, "account.update_validation_state")
}

func (r *AccountRepo) IncrementCounters(ctx context.Context, tx domain.Tx, id string, completed, failed bool) error {
	pt := txFromDomain(tx)
	ct, err := pt.Exec(ctx, `UPDATE accounts SET total_completed = total_completed + $1,
	                          total_failed = total_failed + $2, updated_at=now() WHERE id=$3`,
		boolToInt(completed), boolToInt(failed), id)
	return checkRowsAffected(ct, err, "account.increment_counters")
}

func (r *AccountRepo) IncrementRequestCounter(ctx context.Context, tx domain.Tx, id string) error {
	pt := txFromDomain(tx)
	ct, err := pt.Exec(ctx, `UPDATE accounts SET requests_15m = requests_15m + 1,
	                          requests_24h = requests_24h + 1, updated_at=now() WHERE id=$1`, id)
	return checkRowsAffected(ct, err, "account.increment_request_counter")
}

func (r *AccountRepo) TouchLastTask(ctx context.Context, tx domain.Tx, id string, at time.Time) error {
	pt := txFromDomain(tx)
	ct, err := pt.Exec(ctx, `UPDATE accounts SET last_task_time=$1, updated_at=now() WHERE id=$2`, at, id)
	return checkRowsAffected(ct, err, "account.touch_last_task")
}

// ResetWindowCounters mirrors the platform's own 15m/24h counter reset, grounded in
// account.py's is_rate_limited bookkeeping.
func (r *AccountRepo) ResetWindowCounters(ctx context.Context, tx domain.Tx, id string, now time.Time) error {
	pt := txFromDomain(tx)
	ct, err := pt.Exec(ctx, `UPDATE accounts SET requests_15m=0, requests_24h=0,
	                          last_rate_limit_reset=$1, updated_at=now() WHERE id=$2`, now, id)
	return checkRowsAffected(ct, err, "account.reset_window_counters")
}

func credentialsToMap(c domain.Credentials) map[string]any {
	return map[string]any{
		"auth_token": c.AuthToken, "csrf_token": c.CSRFToken, "two_factor_secret": c.TwoFactorSecret,
		"consumer_key": c.ConsumerKey, "consumer_secret": c.ConsumerSecret, "bearer_token": c.BearerToken,
		"access_token": c.AccessToken, "access_token_secret": c.AccessTokenSecret,
		"client_id": c.ClientID, "client_secret": c.ClientSecret,
	}
}

func mapToCredentials(m map[string]any) domain.Credentials {
	s := func(k string) string {
		if v, ok := m[k].(string); ok {
			return v
		}
		return ""
	}
	return domain.Credentials{
		AuthToken: s("auth_token"), CSRFToken: s("csrf_token"), TwoFactorSecret: s("two_factor_secret"),
		ConsumerKey: s("consumer_key"), ConsumerSecret: s("consumer_secret"), BearerToken: s("bearer_token"),
		AccessToken: s("access_token"), AccessTokenSecret: s("access_token_secret"),
		ClientID: s("client_id"), ClientSecret: s("client_secret"),
	}
}

func proxyToMap(p domain.ProxyConfig) map[string]any {
	return map[string]any{"url": p.URL, "port": p.Port, "username": p.Username, "password": p.Password}
}

func mapToProxy(m map[string]any) domain.ProxyConfig {
	s := func(k string) string {
		if v, ok := m[k].(string); ok {
			return v
		}
		return ""
	}
	return domain.ProxyConfig{URL: s("url"), Port: s("port"), Username: s("username"), Password: s("password")}
}

var _ domain.AccountRepository = (*AccountRepo)(nil)
