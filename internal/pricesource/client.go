package pricesource

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"hotel-price-watch/internal/model"
)

const (
	ratesPathFormat = "/v1/hotels/%s/rates"
	healthPath      = "/v1/health"
	apiKeyHeader    = "X-API-Key"
)

// Fetcher returns the current price and availability of a target.
type Fetcher interface {
	Fetch(ctx context.Context, target model.Target) (model.Observation, error)
}

// Options parameterise the upstream client.
type Options struct {
	BaseURL           string
	APIKey            string
	Timeout           time.Duration
	MaxAttempts       int
	RequestsPerSecond float64
	Burst             int
	CacheTTL          time.Duration
	UserAgent         string
}

// Client calls the hotel pricing API with retry, rate limiting and a short
// response cache.
type Client struct {
	opts    Options
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
	limiter *rate.Limiter
	cache   *cache.Cache

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New constructs a pricing client.
func New(opts Options, logger zerolog.Logger) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}

	limit := rate.Inf
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = 1
	}

	var c *cache.Cache
	if opts.CacheTTL > 0 {
		c = cache.New(opts.CacheTTL, 2*opts.CacheTTL)
	}

	return &Client{
		opts:    opts,
		logger:  logger.With().Str("component", "pricesource").Logger(),
		client:  &http.Client{},
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		limiter: rate.NewLimiter(limit, burst),
		cache:   c,
		now:     time.Now,
		sleep:   sleepContext,
	}
}

// Fetch polls the upstream for target, retrying transient failures with a
// linear backoff. Errors are always *Failure.
func (c *Client) Fetch(ctx context.Context, target model.Target) (model.Observation, error) {
	if c.baseURL == "" {
		return model.Observation{}, &Failure{Kind: KindPermanent, Reason: "upstream base url not configured", Attempts: 0}
	}

	key := target.Key()
	if c.cache != nil {
		if cached, ok := c.cache.Get(key); ok {
			return cached.(model.Observation), nil
		}
	}

	var last *Failure
	for attempt := 1; attempt <= c.opts.MaxAttempts; attempt++ {
		obs, failure := c.attempt(ctx, target)
		if failure == nil {
			if c.cache != nil {
				c.cache.SetDefault(key, obs)
			}
			return obs, nil
		}
		failure.Attempts = attempt
		last = failure

		if err := ctx.Err(); err != nil {
			return model.Observation{}, &Failure{Kind: KindUnexpected, Reason: "cancelled", Attempts: attempt, Err: err}
		}
		if failure.Permanent() || attempt == c.opts.MaxAttempts {
			break
		}

		wait := failure.backoff(attempt)
		c.logger.Warn().
			Str("target", target.String()).
			Str("kind", string(failure.Kind)).
			Int("attempt", attempt).
			Dur("backoff", wait).
			Err(failure).
			Msg("upstream fetch failed, retrying")

		if err := c.sleep(ctx, wait); err != nil {
			return model.Observation{}, &Failure{Kind: KindUnexpected, Reason: "cancelled", Attempts: attempt, Err: err}
		}
	}
	return model.Observation{}, last
}

func (c *Client) attempt(ctx context.Context, target model.Target) (model.Observation, *Failure) {
	if err := c.limiter.Wait(ctx); err != nil {
		return model.Observation{}, &Failure{Kind: KindUnexpected, Reason: "rate limiter", Err: err}
	}

	attemptCtx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, c.ratesURL(target), nil)
	if err != nil {
		return model.Observation{}, &Failure{Kind: KindPermanent, Reason: "build request", Err: err}
	}
	c.decorate(req)

	started := c.now()
	resp, err := c.client.Do(req)
	if err != nil {
		return model.Observation{}, classifyTransport(err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return model.Observation{}, classifyTransport(err)
	}

	if resp.StatusCode != http.StatusOK {
		return model.Observation{}, parseHTTPError(resp.StatusCode, payload)
	}

	obs, err := decodeRates(payload, target, started)
	if err != nil {
		return model.Observation{}, &Failure{Kind: KindPermanent, Reason: "malformed response", Status: resp.StatusCode, Err: err}
	}
	return obs, nil
}

// Ping checks upstream reachability without consuming a rate lookup.
func (c *Client) Ping(ctx context.Context) error {
	if c.baseURL == "" {
		return errors.New("upstream base url not configured")
	}
	pingCtx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(pingCtx, http.MethodGet, c.baseURL+healthPath, nil)
	if err != nil {
		return err
	}
	c.decorate(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return classifyTransport(err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return &Failure{Kind: KindUnexpected, Status: resp.StatusCode, Reason: "health check"}
	}
	return nil
}

func (c *Client) ratesURL(target model.Target) string {
	q := url.Values{}
	q.Set("check_in", target.CheckIn.Format(model.DateLayout))
	q.Set("check_out", target.CheckOut.Format(model.DateLayout))
	q.Set("occupancy", strconv.Itoa(target.Occupancy))
	return c.baseURL + fmt.Sprintf(ratesPathFormat, url.PathEscape(target.HotelID)) + "?" + q.Encode()
}

func (c *Client) decorate(req *http.Request) {
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(c.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", "hotelwatch/1.0")
	}
	if c.opts.APIKey != "" {
		req.Header.Set(apiKeyHeader, c.opts.APIKey)
	}
}

type ratesResponse struct {
	Price          *decimal.Decimal `json:"price"`
	OriginalPrice  *decimal.Decimal `json:"original_price"`
	Status         string           `json:"status"`
	RemainingRooms *int             `json:"remaining_rooms"`
	ObservedAt     *time.Time       `json:"observed_at"`
}

func decodeRates(payload []byte, target model.Target, fetchedAt time.Time) (model.Observation, error) {
	var res ratesResponse
	if err := json.Unmarshal(payload, &res); err != nil {
		return model.Observation{}, err
	}
	if res.Price == nil {
		return model.Observation{}, errors.New("price missing")
	}
	if res.Price.IsNegative() {
		return model.Observation{}, fmt.Errorf("negative price %s", res.Price)
	}
	status, err := model.ParseAvailability(res.Status)
	if err != nil {
		return model.Observation{}, err
	}
	if res.RemainingRooms != nil && *res.RemainingRooms < 0 {
		return model.Observation{}, fmt.Errorf("negative remaining rooms %d", *res.RemainingRooms)
	}

	observedAt := fetchedAt.UTC().Truncate(time.Second)
	if res.ObservedAt != nil && !res.ObservedAt.IsZero() {
		observedAt = res.ObservedAt.UTC()
	}

	return model.Observation{
		Target:         target,
		Price:          *res.Price,
		OriginalPrice:  res.OriginalPrice,
		Status:         status,
		RemainingRooms: res.RemainingRooms,
		ObservedAt:     observedAt,
	}, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

var _ Fetcher = (*Client)(nil)
