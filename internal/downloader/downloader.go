// CTI Updater
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/oxbowsec/cti-updater

// Package downloader fetches content over HTTP with circuit-breaker
// protection and exponential-backoff retry on 5xx responses, reproducing
// the original CtiDownloader::performQueryWithRetry policy: retry
// indefinitely (bounded by the caller's context) on 5xx, fail immediately
// on any other error.
package downloader

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/oxbowsec/cti-updater/internal/logging"
	"github.com/oxbowsec/cti-updater/internal/metrics"
)

func decodeJSON(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

// SnapshotFilePrefix is a client-side constant preserved from the
// original implementation's test fixtures. It is unclear whether the
// server dictates this prefix or the client invents it; we preserve the
// observable behavior and treat it as an implementation detail of this
// stage (spec §9 Open Questions).
const SnapshotFilePrefix = "3-"

// BaseParameters is the small metadata document an offset-mode run
// queries before downloading, mirroring CtiDownloader::getCtiBaseParameters.
type BaseParameters struct {
	LastOffset         uint64 `json:"last_offset"`
	LastSnapshotLink   string `json:"last_snapshot_link"`
	LastSnapshotOffset uint64 `json:"last_snapshot_offset"`
}

type baseParametersEnvelope struct {
	Data BaseParameters `json:"data"`
}

// Downloader fetches a URL and writes its body to dst.
type Downloader interface {
	Download(ctx context.Context, url string, dst io.Writer) error
	BaseParameters(ctx context.Context, url string) (BaseParameters, error)
}

// Config configures an HTTPDownloader.
type Config struct {
	Timeout         time.Duration
	MaxRetryWait    time.Duration
	BreakerName     string
	BreakerSettings gobreaker.Settings
}

// DefaultConfig returns sane defaults grounded on the original's 30s
// backoff cap.
func DefaultConfig(topic string) Config {
	return Config{
		Timeout:      30 * time.Second,
		MaxRetryWait: 30 * time.Second,
		BreakerName:  "downloader-" + topic,
	}
}

// HTTPDownloader is a Downloader backed by net/http, wrapped with a
// gobreaker circuit breaker and cenkalti/backoff exponential retry on 5xx.
type HTTPDownloader struct {
	client  *http.Client
	cfg     Config
	breaker *gobreaker.CircuitBreaker[[]byte]
}

// New constructs an HTTPDownloader.
func New(cfg Config) *HTTPDownloader {
	settings := cfg.BreakerSettings
	if settings.Name == "" {
		settings.Name = cfg.BreakerName
	}
	settings.OnStateChange = func(name string, from, to gobreaker.State) {
		logging.Info().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).
			Msg("downloader: circuit breaker transition")
		metrics.CircuitBreakerTransitions.WithLabelValues(name, from.String(), to.String()).Inc()
		metrics.CircuitBreakerState.WithLabelValues(name).Set(metrics.CircuitBreakerStateValue(to.String()))
	}

	return &HTTPDownloader{
		client:  &http.Client{Timeout: cfg.Timeout},
		cfg:     cfg,
		breaker: gobreaker.NewCircuitBreaker[[]byte](settings),
	}
}

// retryableStatus reports whether status warrants a retry per the
// original policy: only server errors (5xx) are retried; anything else
// (4xx, redirects gone wrong) fails immediately.
func retryableStatus(status int) bool {
	return status >= 500 && status < 600
}

// Download fetches url and copies its body into dst, retrying
// indefinitely on 5xx with exponential backoff capped at cfg.MaxRetryWait,
// bounded by ctx. Any other failure (4xx, transport error, decode error)
// returns immediately without retry.
func (d *HTTPDownloader) Download(ctx context.Context, url string, dst io.Writer) error {
	body, err := d.fetchWithRetry(ctx, url)
	if err != nil {
		return err
	}
	if _, err := dst.Write(body); err != nil {
		return fmt.Errorf("downloader: write body: %w", err)
	}
	return nil
}

// BaseParameters queries the CTI base-parameters metadata endpoint.
func (d *HTTPDownloader) BaseParameters(ctx context.Context, url string) (BaseParameters, error) {
	body, err := d.fetchWithRetry(ctx, url)
	if err != nil {
		return BaseParameters{}, err
	}
	var env baseParametersEnvelope
	if err := decodeJSON(body, &env); err != nil {
		return BaseParameters{}, fmt.Errorf("downloader: decode base parameters: %w", err)
	}
	return env.Data, nil
}

func (d *HTTPDownloader) fetchWithRetry(ctx context.Context, url string) ([]byte, error) {
	start := time.Now()
	defer func() {
		metrics.DownloadDuration.WithLabelValues(d.cfg.BreakerName).Observe(time.Since(start).Seconds())
	}()

	op := func() (result []byte, err error) {
		body, status, doErr := d.doRequest(ctx, url)
		if doErr != nil {
			// Transport-level failures (connection refused, DNS, TLS) are
			// not retried, matching the original's "fail immediately on
			// anything but a 5xx" policy.
			return nil, backoff.Permanent(fmt.Errorf("downloader: request failed: %w", doErr))
		}
		if status == http.StatusOK {
			return body, nil
		}
		if retryableStatus(status) {
			metrics.DownloadRetries.WithLabelValues(d.cfg.BreakerName).Inc()
			return nil, fmt.Errorf("downloader: server error status %d for %s", status, url)
		}
		return nil, backoff.Permanent(fmt.Errorf("downloader: unexpected status %d for %s", status, url))
	}

	backOff := backoff.NewExponentialBackOff()
	backOff.MaxInterval = d.cfg.MaxRetryWait

	result, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(backOff),
		backoff.WithMaxElapsedTime(0),
	)
	if err != nil {
		metrics.DownloadErrors.WithLabelValues(d.cfg.BreakerName, "fetch_failed").Inc()
		return nil, err
	}
	return result, nil
}

func (d *HTTPDownloader) doRequest(ctx context.Context, url string) (body []byte, status int, err error) {
	result, err := d.breaker.Execute(func() ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}
		resp, err := d.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("do request: %w", err)
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("read body: %w", err)
		}
		status = resp.StatusCode
		return data, nil
	})
	return result, status, err
}
