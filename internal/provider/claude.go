package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/time/rate"

	"github.com/aceteam-ai/tokenwatch/internal/parse"
	"github.com/aceteam-ai/tokenwatch/internal/record"
)

// DefaultClaudeEndpoint is the OAuth usage endpoint queried for quota
// buckets.
const DefaultClaudeEndpoint = "https://api.anthropic.com/api/oauth/usage"

// HTTPDoer is the HTTP execution surface, satisfied by *http.Client.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// ClaudeQuota fetches quota snapshots from the OAuth usage endpoint.
// Credentials come from the CLI's own local state files.
type ClaudeQuota struct {
	// ConfigPath is the CLI config carrying the organization uuid,
	// normally ~/.claude.json.
	ConfigPath string
	// CredentialsPath carries the OAuth access token, normally
	// ~/.claude/.credentials.json.
	CredentialsPath string
	Endpoint        string
	Client          HTTPDoer

	limiter *rate.Limiter
}

// NewClaudeQuota returns an adapter reading credentials under home and
// talking to the default endpoint through client.
func NewClaudeQuota(home string, client HTTPDoer) *ClaudeQuota {
	return &ClaudeQuota{
		ConfigPath:      filepath.Join(home, ".claude.json"),
		CredentialsPath: filepath.Join(home, ".claude", ".credentials.json"),
		Endpoint:        DefaultClaudeEndpoint,
		Client:          client,
		// One request per 10s, small burst. The endpoint is shared with
		// the interactive CLI; polling must stay polite.
		limiter: rate.NewLimiter(rate.Every(10*time.Second), 2),
	}
}

type claudeConfig struct {
	OAuthAccount struct {
		OrganizationUUID string `json:"organizationUuid"`
	} `json:"oauthAccount"`
}

type claudeCredentials struct {
	ClaudeAiOauth struct {
		AccessToken      string `json:"accessToken"`
		SubscriptionType string `json:"subscriptionType"`
	} `json:"claudeAiOauth"`
}

type claudeUsageBucket struct {
	Utilization *float64 `json:"utilization"`
	ResetsAt    string   `json:"resets_at"`
}

type claudeUsageResponse struct {
	FiveHour         *claudeUsageBucket `json:"five_hour"`
	SevenDay         *claudeUsageBucket `json:"seven_day"`
	SevenDaySonnet   *claudeUsageBucket `json:"seven_day_sonnet"`
	SevenDayOpus     *claudeUsageBucket `json:"seven_day_opus"`
	SubscriptionTier string             `json:"subscription_type"`
}

// Fetch performs one quota collection attempt.
func (c *ClaudeQuota) Fetch(ctx context.Context) (record.Snapshot, error) {
	orgUUID, err := c.organizationUUID()
	if err != nil {
		return record.Snapshot{}, err
	}
	creds, err := c.credentials()
	if err != nil {
		return record.Snapshot{}, err
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return record.Snapshot{}, fmt.Errorf("rate limit wait: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.Endpoint, nil)
	if err != nil {
		return record.Snapshot{}, fmt.Errorf("build usage request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+creds.ClaudeAiOauth.AccessToken)
	req.Header.Set("anthropic-organization-id", orgUUID)
	req.Header.Set("Accept", "application/json")

	resp, err := c.Client.Do(req)
	if err != nil {
		return record.Snapshot{}, fmt.Errorf("usage request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return record.Snapshot{}, fmt.Errorf("read usage response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return record.Snapshot{}, fmt.Errorf("usage endpoint returned %d", resp.StatusCode)
	}

	var usage claudeUsageResponse
	if err := json.Unmarshal(body, &usage); err != nil {
		return record.Snapshot{}, decodeErr("claude usage", "invalid JSON: %v", err)
	}

	snap := record.Snapshot{
		Provider:      record.ProviderClaude,
		ObservedAt:    time.Now().UTC(),
		Source:        "oauth",
		Plan:          firstNonEmpty(usage.SubscriptionTier, creds.ClaudeAiOauth.SubscriptionType),
		Confidence:    record.ConfidenceHigh,
		ParserVersion: parse.ParserVersion,
	}
	appendWindow(&snap, "five_hour", "session", usage.FiveHour)
	appendWindow(&snap, "seven_day", "weekly", usage.SevenDay)
	appendWindow(&snap, "seven_day_sonnet", "weekly-sonnet", usage.SevenDaySonnet)
	appendWindow(&snap, "seven_day_opus", "weekly-opus", usage.SevenDayOpus)

	if len(snap.Windows) == 0 {
		return record.Snapshot{}, decodeErr("claude usage", "no usage buckets in response")
	}
	return snap, nil
}

func (c *ClaudeQuota) organizationUUID() (string, error) {
	raw, err := os.ReadFile(c.ConfigPath)
	if err != nil {
		return "", fmt.Errorf("read claude config: %w", err)
	}
	var cfg claudeConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return "", decodeErr("claude config", "invalid JSON: %v", err)
	}
	if cfg.OAuthAccount.OrganizationUUID == "" {
		return "", decodeErr("claude config", "organizationUuid missing")
	}
	return cfg.OAuthAccount.OrganizationUUID, nil
}

func (c *ClaudeQuota) credentials() (claudeCredentials, error) {
	raw, err := os.ReadFile(c.CredentialsPath)
	if err != nil {
		return claudeCredentials{}, fmt.Errorf("read claude credentials: %w", err)
	}
	var creds claudeCredentials
	if err := json.Unmarshal(raw, &creds); err != nil {
		return claudeCredentials{}, decodeErr("claude credentials", "invalid JSON: %v", err)
	}
	if creds.ClaudeAiOauth.AccessToken == "" {
		return claudeCredentials{}, decodeErr("claude credentials", "accessToken missing")
	}
	return creds, nil
}

func appendWindow(snap *record.Snapshot, id, scope string, bucket *claudeUsageBucket) {
	if bucket == nil {
		return
	}
	w := record.UsageWindow{ID: id, Scope: scope}
	if bucket.Utilization != nil {
		w.UsedPercent = record.Float64(*bucket.Utilization)
		w.RemainingPercent = record.Float64(100 - *bucket.Utilization)
	}
	if t, ok := parse.TimeFrom(bucket.ResetsAt); ok {
		utc := t.UTC()
		w.ResetAt = &utc
	}
	snap.Windows = append(snap.Windows, w)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
