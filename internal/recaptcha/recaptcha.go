// Package recaptcha verifies reCAPTCHA v3 tokens.
package recaptcha

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/welldanyogia/jobportal-auth/internal/config"
)

// DefaultMinimumScore is the lowest v3 score treated as human
const DefaultMinimumScore = 0.5

// Verifier checks a client token
type Verifier interface {
	Verify(ctx context.Context, token, clientIP string) (bool, error)
}

type siteVerifyResponse struct {
	Success     bool      `json:"success"`
	Score       float64   `json:"score"`
	Action      string    `json:"action"`
	ChallengeTS time.Time `json:"challenge_ts"`
	Hostname    string    `json:"hostname"`
	ErrorCodes  []string  `json:"error-codes"`
}

// Client calls the siteverify endpoint
type Client struct {
	httpClient   *http.Client
	verifyURL    string
	secret       string
	minimumScore float64
	logger       *slog.Logger
}

// NewClient creates a client from cfg
func NewClient(cfg config.RecaptchaConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	score := cfg.MinimumScore
	if score <= 0 {
		score = DefaultMinimumScore
	}
	return &Client{
		httpClient:   &http.Client{Timeout: 10 * time.Second},
		verifyURL:    cfg.VerifyURL,
		secret:       cfg.SecretKey,
		minimumScore: score,
		logger:       logger,
	}
}

// Verify reports whether token passed with at least the minimum score. A
// transport failure is returned as an error; a rejected token is not.
func (c *Client) Verify(ctx context.Context, token, clientIP string) (bool, error) {
	if token == "" {
		return false, nil
	}

	form := url.Values{"secret": {c.secret}, "response": {token}}
	if clientIP != "" {
		form.Set("remoteip", clientIP)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.verifyURL, strings.NewReader(form.Encode()))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("recaptcha siteverify: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("recaptcha siteverify: status %d", resp.StatusCode)
	}

	var body siteVerifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return false, fmt.Errorf("recaptcha siteverify: decode: %w", err)
	}

	ok := body.Success && body.Score >= c.minimumScore
	if !ok {
		c.logger.InfoContext(ctx, "recaptcha rejected",
			slog.Bool("success", body.Success),
			slog.Float64("score", body.Score),
			slog.Any("error_codes", body.ErrorCodes))
	}
	return ok, nil
}

// Disabled accepts every request. It is used only when RECAPTCHA_ENABLED is
// explicitly false.
type Disabled struct{}

func (Disabled) Verify(context.Context, string, string) (bool, error) { return true, nil }

// New returns the verifier cfg asks for and logs when verification is off
func New(cfg config.RecaptchaConfig, logger *slog.Logger) Verifier {
	if !cfg.Enabled {
		if logger == nil {
			logger = slog.Default()
		}
		logger.Warn("reCAPTCHA verification is disabled by configuration")
		return Disabled{}
	}
	return NewClient(cfg, logger)
}

// PublicConfig is what the browser needs to render the widget
type PublicConfig struct {
	Enabled      bool    `json:"enabled"`
	SiteKey      *string `json:"siteKey"`
	MinimumScore float64 `json:"minimumScore"`
}

// ConfigHandler serves the public widget configuration
// GET /api/v1/recaptcha/config
func ConfigHandler(cfg config.RecaptchaConfig) http.HandlerFunc {
	pub := PublicConfig{Enabled: cfg.Enabled, MinimumScore: cfg.MinimumScore}
	if pub.MinimumScore <= 0 {
		pub.MinimumScore = DefaultMinimumScore
	}
	if cfg.Enabled {
		key := cfg.SiteKey
		pub.SiteKey = &key
	}

	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "public, max-age=300")
		json.NewEncoder(w).Encode(pub)
	}
}
