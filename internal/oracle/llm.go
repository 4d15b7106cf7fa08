// internal/oracle/llm.go
package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/deltaquant/perpbot/internal/ledger"
	"github.com/deltaquant/perpbot/internal/market"
)

const (
	// HoldOnFailure is the reason attached to the fallback hold when the
	// model endpoint cannot be reached or returns garbage.
	HoldOnFailure = "API error - holding position"

	defaultTimeout  = 120 * time.Second
	defaultMaxTries = 4
)

const systemPrompt = `You are a perpetual futures trading assistant. You receive a market
snapshot, the account state and the open positions, and you respond with
exactly one JSON object and nothing else:
{"action":"buy"|"sell"|"hold","symbol":"BTC","quantity":0.0,
"entry_price":0.0,"leverage":0.0,
"exit_plan":{"profit_target":0.0,"stop_loss":0.0,"invalidation_condition":""},
"confidence":0.0,"reason":""}
Quantity is in coin units, prices in USD, confidence in [0,1].`

// Config holds the chat-completions endpoint settings.
type Config struct {
	BaseURL  string
	Model    string
	APIKey   string
	Timeout  time.Duration
	MaxTries uint
}

// LLMClient asks an OpenAI-compatible chat-completions endpoint for one
// trade recommendation per cycle.
type LLMClient struct {
	cfg        Config
	httpClient *http.Client
	logger     *zap.Logger
}

func NewLLMClient(cfg Config, logger *zap.Logger) *LLMClient {
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxTries == 0 {
		cfg.MaxTries = defaultMaxTries
	}
	return &LLMClient{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 2,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		logger: logger.Named("oracle"),
	}
}

// Recommend calls the model and parses its reply. Any failure after
// retries degrades to a hold; a cycle is never aborted by the oracle.
func (c *LLMClient) Recommend(ctx context.Context, snap market.Snapshot, acct ledger.Account, open []ledger.Position) Recommendation {
	prompt, err := buildUserPrompt(snap, acct, open)
	if err != nil {
		c.logger.Error("Failed to build prompt", zap.Error(err))
		return Hold(HoldOnFailure)
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 2 * time.Second
	policy.MaxInterval = 30 * time.Second

	notify := func(err error, wait time.Duration) {
		c.logger.Warn("Model call failed, retrying",
			zap.Error(err),
			zap.Duration("backoff", wait))
	}

	operation := func() (string, error) {
		return c.callOnce(ctx, prompt)
	}

	raw, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(c.cfg.MaxTries),
		backoff.WithNotify(notify))
	if err != nil {
		c.logger.Error("Model unavailable, holding", zap.Error(err))
		return Hold(HoldOnFailure)
	}

	rec, err := ParseRecommendation(raw)
	if err != nil {
		c.logger.Error("Unparsable model reply",
			zap.Error(err),
			zap.String("reply", truncate(raw, 200)))
		return Hold(HoldOnFailure)
	}
	return rec
}

func (c *LLMClient) callOnce(ctx context.Context, userPrompt string) (string, error) {
	body, err := json.Marshal(map[string]interface{}{
		"model": c.cfg.Model,
		"messages": []map[string]string{
			{"role": "system", "content": systemPrompt},
			{"role": "user", "content": userPrompt},
		},
		"temperature": 0.5,
		"max_tokens":  4000,
	})
	if err != nil {
		return "", backoff.Permanent(fmt.Errorf("marshal request: %w", err))
	}

	url := strings.TrimSuffix(c.cfg.BaseURL, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", backoff.Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return "", backoff.Permanent(fmt.Errorf("endpoint rejected credentials (status %d)", resp.StatusCode))
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("endpoint returned status %d: %s", resp.StatusCode, truncate(string(payload), 200))
	}

	var result struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(payload, &result); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if len(result.Choices) == 0 {
		return "", fmt.Errorf("empty choices in response")
	}
	return result.Choices[0].Message.Content, nil
}

// ParseRecommendation extracts the JSON object from a model reply,
// tolerating markdown code fences and surrounding chatter.
func ParseRecommendation(reply string) (Recommendation, error) {
	text := strings.TrimSpace(reply)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return Recommendation{}, fmt.Errorf("no JSON object in reply")
	}

	var rec Recommendation
	if err := json.Unmarshal([]byte(text[start:end+1]), &rec); err != nil {
		return Recommendation{}, fmt.Errorf("decode recommendation: %w", err)
	}
	return rec.Normalized(), nil
}

// promptState is the cycle context serialized into the user prompt.
type promptState struct {
	Market    map[string]market.CoinData `json:"market"`
	Account   promptAccount              `json:"account"`
	Positions []ledger.Position          `json:"open_positions"`
}

type promptAccount struct {
	AvailableCash string `json:"available_cash"`
	AccountValue  string `json:"account_value"`
	OpenPositions int    `json:"open_position_count"`
}

func buildUserPrompt(snap market.Snapshot, acct ledger.Account, open []ledger.Position) (string, error) {
	state := promptState{
		Market: snap.Coins,
		Account: promptAccount{
			AvailableCash: acct.AvailableCash.StringFixed(2),
			AccountValue:  acct.AccountValue.StringFixed(2),
			OpenPositions: len(open),
		},
		Positions: open,
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return "", err
	}
	return "Current state:\n" + string(data) + "\nRespond with the JSON decision object.", nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
