package producer

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	jsoniter "github.com/json-iterator/go"

	"github.com/daimoniac/bountyline/internal/errors"
	"github.com/daimoniac/bountyline/internal/resilience"
	"github.com/daimoniac/bountyline/internal/types"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// FeedConfig describes one HTTP JSON feed
type FeedConfig struct {
	Name              string
	URL               string
	Token             string
	Platform          string // used when an item carries none
	RequestsPerMinute int
	Timeout           time.Duration

	// Policy overrides the default call policy; pacing still follows
	// RequestsPerMinute
	Policy *resilience.Config
}

// feedItem is the normalized candidate shape a feed returns. Amount may be
// a decimal string or a JSON number.
type feedItem struct {
	ExternalIssueID string `json:"externalIssueId"`
	ID              string `json:"id"`
	Platform        string `json:"platform"`
	RepositoryURL   string `json:"repositoryUrl"`
	Amount          any    `json:"amount"`
	Currency        string `json:"currency"`
	Title           string `json:"title"`
	Description     string `json:"description"`
}

// HTTPFeed polls a URL that returns a JSON array of candidates, or an
// object holding that array under "candidates" or "items".
type HTTPFeed struct {
	cfg    FeedConfig
	client *resty.Client
	caller *resilience.Caller
	logger *slog.Logger
}

// NewHTTPFeed creates a feed producer. Retries, pacing and the circuit
// breaker come from the resilience caller, not from resty.
func NewHTTPFeed(cfg FeedConfig, logger *slog.Logger) *HTTPFeed {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "producer", "source", cfg.Name)

	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	client := resty.New().
		SetTimeout(cfg.Timeout).
		SetRetryCount(0).
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", "bountyline")
	client.SetLogger(newRestyLogger(logger))
	if cfg.Token != "" {
		client.SetAuthToken(cfg.Token)
	}

	policy := resilience.DefaultConfig()
	if cfg.Policy != nil {
		policy = *cfg.Policy
	}
	policy.Timeout = cfg.Timeout
	policy.MaxConcurrentCalls = 1
	if cfg.RequestsPerMinute > 0 {
		policy.MinInterval = time.Minute / time.Duration(cfg.RequestsPerMinute)
	}

	return &HTTPFeed{
		cfg:    cfg,
		client: client,
		caller: resilience.NewCaller("feed-"+cfg.Name, policy, logger),
		logger: logger,
	}
}

// Name implements Producer
func (f *HTTPFeed) Name() string {
	return f.cfg.Name
}

// Poll implements Producer. Items that cannot be normalized are skipped and
// logged; they never fail the whole poll.
func (f *HTTPFeed) Poll(ctx context.Context) ([]types.Candidate, error) {
	var body []byte
	err := f.caller.Do(ctx, "poll", func(ctx context.Context) error {
		resp, err := f.client.R().SetContext(ctx).Get(f.cfg.URL)
		if err != nil {
			return errors.NewTransientf("request %s: %w", f.cfg.URL, err)
		}
		if err := classifyStatus(resp.StatusCode()); err != nil {
			return err
		}
		body = resp.Body()
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("source %s: %w", f.cfg.Name, err)
	}

	items, err := decodeFeed(body)
	if err != nil {
		return nil, fmt.Errorf("source %s: %w", f.cfg.Name, err)
	}

	candidates := make([]types.Candidate, 0, len(items))
	for i, item := range items {
		c, err := f.normalize(item)
		if err != nil {
			f.logger.Warn("skipping feed item",
				"index", i,
				"error", err.Error())
			continue
		}
		candidates = append(candidates, c)
	}

	f.logger.Debug("polled source",
		"items", len(items),
		"candidates", len(candidates))

	return candidates, nil
}

func classifyStatus(code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusTooManyRequests || code == http.StatusRequestTimeout || code >= 500:
		return errors.NewTransientf("feed returned status %d", code)
	default:
		return errors.NewPermanentf("feed returned status %d", code)
	}
}

func decodeFeed(body []byte) ([]feedItem, error) {
	var items []feedItem
	if err := json.Unmarshal(body, &items); err == nil {
		return items, nil
	}

	var wrapped struct {
		Candidates []feedItem `json:"candidates"`
		Items      []feedItem `json:"items"`
	}
	if err := json.Unmarshal(body, &wrapped); err != nil {
		return nil, errors.NewParseError(string(body), err)
	}
	if wrapped.Candidates != nil {
		return wrapped.Candidates, nil
	}
	return wrapped.Items, nil
}

func (f *HTTPFeed) normalize(item feedItem) (types.Candidate, error) {
	externalID := strings.TrimSpace(item.ExternalIssueID)
	if externalID == "" {
		externalID = strings.TrimSpace(item.ID)
	}
	if externalID == "" {
		return types.Candidate{}, fmt.Errorf("missing external issue id")
	}

	platform := item.Platform
	if platform == "" {
		platform = f.cfg.Platform
	}

	amount, err := parseAmount(item.Amount, item.Currency)
	if err != nil {
		return types.Candidate{}, fmt.Errorf("item %s: %w", externalID, err)
	}

	return types.Candidate{
		ExternalIssueID: externalID,
		Platform:        types.ParsePlatform(platform),
		RepositoryURL:   strings.TrimSpace(item.RepositoryURL),
		Amount:          amount,
		Title:           item.Title,
		Description:     item.Description,
	}, nil
}

func parseAmount(raw any, currency string) (*types.Money, error) {
	var (
		m   types.Money
		err error
	)
	switch v := raw.(type) {
	case nil:
		return nil, nil
	case string:
		if strings.TrimSpace(v) == "" {
			return nil, nil
		}
		m, err = types.ParseMoney(v, currency)
	case float64:
		m, err = types.MoneyFromFloat(v, currency)
	default:
		return nil, fmt.Errorf("unsupported amount %s", strconv.Quote(fmt.Sprint(v)))
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}
