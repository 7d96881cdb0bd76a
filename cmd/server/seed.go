package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/backspacevenkat/x-orchestrator/internal/domain"
)

// seedAccountsYAML is the on-disk shape for --seed-accounts: a flat list of worker accounts
// to insert on boot, for local development and integration tests where standing up real
// platform credentials ahead of time isn't practical.
type seedAccountsYAML struct {
	Accounts []seedAccount `yaml:"accounts"`
}

type seedAccount struct {
	AccountNo   string `yaml:"account_no"`
	Login       string `yaml:"login"`
	AuthToken   string `yaml:"auth_token"`
	CSRFToken   string `yaml:"csrf_token"`
	BearerToken string `yaml:"bearer_token"`
	UserAgent   string `yaml:"user_agent"`
	ProxyURL    string `yaml:"proxy_url"`
	ProxyPort   string `yaml:"proxy_port"`
	ProxyUser   string `yaml:"proxy_user"`
	ProxyPass   string `yaml:"proxy_pass"`
}

// seedAccountsFromYAML reads path and inserts one worker Account per entry via repo.Create.
// Entries are inserted as ValidationPending so the normal revalidation path (out of scope here
// per spec.md §1, left to the platform adapter) picks them up rather than skipping validation.
func seedAccountsFromYAML(ctx domain.Context, repo domain.AccountRepository, path string) (int, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("op=seed.read: %w", err)
	}
	var doc seedAccountsYAML
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return 0, fmt.Errorf("op=seed.parse: %w", err)
	}

	n := 0
	for _, sa := range doc.Accounts {
		if sa.AccountNo == "" {
			return n, fmt.Errorf("op=seed.validate: account_no is required")
		}
		acct := domain.Account{
			AccountNo: sa.AccountNo,
			Kind:      domain.AccountWorker,
			Login:     sa.Login,
			Active:    true,
			Credentials: domain.Credentials{
				AuthToken:   sa.AuthToken,
				CSRFToken:   sa.CSRFToken,
				BearerToken: sa.BearerToken,
			},
			Proxy: domain.ProxyConfig{
				URL:      sa.ProxyURL,
				Port:     sa.ProxyPort,
				Username: sa.ProxyUser,
				Password: sa.ProxyPass,
			},
			UserAgent:       sa.UserAgent,
			ValidationState: domain.ValidationPending,
			OAuthSetupState: domain.OAuthSetupPending,
		}
		if _, err := repo.Create(ctx, acct); err != nil {
			return n, fmt.Errorf("op=seed.create: account %s: %w", sa.AccountNo, err)
		}
		n++
	}
	return n, nil
}
