// Package oracle is the text-completion collaborator. A Completer turns a
// prompt into text; Client wraps one with a timeout and the deterministic
// offline fallback so stages always get an explicit Result.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// #region contract
// Response is what a completer returns for a prompt.
type Response struct {
	Text string `json:"text"`
}

// Completer is implemented by every oracle backend.
type Completer interface {
	Complete(ctx context.Context, prompt string) (Response, error)
}

// ErrEmptyResponse is returned when a backend answers with no usable text.
var ErrEmptyResponse = errors.New("oracle returned empty response")

// #endregion contract

// #region offline
// Canned offline responses, selected by case-insensitive substring match on the prompt.
const (
	CannedFusion  = `{"zones": {"zoneA": {"avg_water":2.8},"zoneB":{"avg_garbage":96}}}`
	CannedPlans   = `{"plans":[{"id":"p1","name":"alert_and_dispatch","cost":100,"time_min":30,"confidence":0.9,"rationale":["water > threshold"]},{"id":"p2","name":"monitor","cost":10,"time_min":120,"confidence":0.6,"rationale":["uncertain data"]}]}`
	CannedSafety  = `{"verified": true, "flags":[]}`
	CannedExplain = `{"explain":"Planner chose p1 because water > threshold; expected to reduce risk by 60%","signature":"sim-sign"}`
	CannedDefault = "OK"
)

// Offline answers every prompt with a fixed string. It never fails.
type Offline struct{}

// Complete implements Completer.
func (Offline) Complete(_ context.Context, prompt string) (Response, error) {
	return Response{Text: Simulate(prompt)}, nil
}

// Simulate picks the canned response for prompt. Checks run in a fixed order,
// so a prompt mentioning both "plan" and "explain" gets the plans answer.
func Simulate(prompt string) string {
	p := strings.ToLower(prompt)
	switch {
	case strings.Contains(p, "fusion"):
		return CannedFusion
	case strings.Contains(p, "plan"):
		return CannedPlans
	case strings.Contains(p, "safety"):
		return CannedSafety
	case strings.Contains(p, "audit"), strings.Contains(p, "explain"):
		return CannedExplain
	default:
		return CannedDefault
	}
}

// #endregion offline

// #region result
// Source says where a Result's text came from.
type Source string

const (
	SourcePrimary  Source = "primary"
	SourceFallback Source = "fallback"
	SourceNone     Source = "none"
)

// Result is the outcome of Client.Ask. Err is set only when no text is
// available; with fallback enabled a failing primary still yields text with
// Source == SourceFallback and the primary error kept in Cause.
type Result struct {
	Text   string
	Source Source
	Cause  error
	Err    error
}

// OK reports whether Text is usable.
func (r Result) OK() bool { return r.Err == nil }

// #endregion result

// #region client
// ClientConfig tunes the oracle wrapper.
type ClientConfig struct {
	Timeout           time.Duration // per-call deadline for the primary; 0 = none
	SimulateOnFailure bool          // answer from Offline when the primary fails
}

// DefaultClientConfig returns the stock wrapper settings.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{Timeout: 30 * time.Second, SimulateOnFailure: true}
}

// Client is the oracle handle stages use.
type Client struct {
	primary Completer
	config  ClientConfig
	logger  *zap.Logger
}

// NewClient wraps primary. A nil primary means offline-only.
func NewClient(primary Completer, config ClientConfig, logger *zap.Logger) *Client {
	if primary == nil {
		primary = Offline{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{primary: primary, config: config, logger: logger}
}

// Ask sends prompt to the primary. A timeout, an error, or blank text
// ("", "null", "none") is a primary failure; on failure the offline answer is
// used when SimulateOnFailure is set, otherwise the Result carries Err.
func (c *Client) Ask(ctx context.Context, prompt string) Result {
	callCtx := ctx
	if c.config.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, c.config.Timeout)
		defer cancel()
	}

	resp, err := c.primary.Complete(callCtx, prompt)
	if err == nil && isBlank(resp.Text) {
		err = ErrEmptyResponse
	}
	if err == nil {
		return Result{Text: strings.TrimSpace(resp.Text), Source: SourcePrimary}
	}

	if !c.config.SimulateOnFailure {
		c.logger.Warn("oracle call failed", zap.Error(err))
		return Result{Source: SourceNone, Cause: err, Err: fmt.Errorf("oracle: %w", err)}
	}
	if _, offline := c.primary.(Offline); !offline {
		c.logger.Info("oracle call failed, using offline simulation", zap.Error(err))
	}
	return Result{Text: Simulate(prompt), Source: SourceFallback, Cause: err}
}

func isBlank(text string) bool {
	switch strings.ToLower(strings.TrimSpace(text)) {
	case "", "null", "none":
		return true
	}
	return false
}

// #endregion client
