package dispatcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/datarun/lmis/internal/metrics"
)

const maxBodyCapture = 512

var ErrBreakerOpen = errors.New("destination circuit open")

type Config struct {
	URL           string
	Timeout       time.Duration     // per call; default 10s
	Headers       map[string]string // static headers added to every request
	FailThreshold int               // consecutive 5xx/transport failures before opening; default 5
	OpenFor       time.Duration     // default 30s

	// OnBreakerChange is called on every breaker transition, with the breaker lock held.
	OnBreakerChange func(from, to BreakerState)
}

// Result describes a completed HTTP exchange with the destination.
type Result struct {
	StatusCode int
	Body       string
	Duration   time.Duration
}

// DispatchError is returned for non-2xx responses, timeouts and connection errors.
// StatusCode is zero when no response was received.
type DispatchError struct {
	StatusCode int
	Body       string
	Err        error
}

func (e *DispatchError) Error() string {
	switch {
	case e.StatusCode > 0 && e.Body != "":
		return fmt.Sprintf("dispatch: HTTP %d: %s", e.StatusCode, e.Body)
	case e.StatusCode > 0:
		return fmt.Sprintf("dispatch: HTTP %d", e.StatusCode)
	case e.Err != nil:
		return "dispatch: " + e.Err.Error()
	default:
		return "dispatch: failed"
	}
}

func (e *DispatchError) Unwrap() error { return e.Err }

// Dispatcher POSTs mapped payloads to a single configured destination. It never retries.
type Dispatcher struct {
	url     string
	headers map[string]string
	client  *http.Client
	br      *destinationBreaker
}

func New(cfg Config) (*Dispatcher, error) {
	u, err := url.Parse(strings.TrimSpace(cfg.URL))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid destination url %q", cfg.URL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.FailThreshold <= 0 {
		cfg.FailThreshold = 5
	}
	if cfg.OpenFor <= 0 {
		cfg.OpenFor = 30 * time.Second
	}

	headers := make(map[string]string, len(cfg.Headers))
	for k, v := range cfg.Headers {
		headers[k] = v
	}

	br := newDestinationBreaker(cfg.FailThreshold, cfg.OpenFor)
	br.onChange = func(from, to BreakerState) {
		metrics.DestinationBreakerState.Set(float64(to))
		if cfg.OnBreakerChange != nil {
			cfg.OnBreakerChange(from, to)
		}
	}

	return &Dispatcher{
		url:     u.String(),
		headers: headers,
		client:  &http.Client{Timeout: cfg.Timeout},
		br:      br,
	}, nil
}

func (d *Dispatcher) BreakerState() BreakerState { return d.br.current() }

// Ready reports whether Send would currently make a call. Callers check it before taking
// ownership of work, since Send refuses without a call while the breaker is open.
func (d *Dispatcher) Ready() bool { return d.br.ready() }

// Send POSTs body as JSON. A nil error means the destination answered 2xx. While the
// breaker is open it returns ErrBreakerOpen without calling the destination.
func (d *Dispatcher) Send(ctx context.Context, body []byte) (Result, error) {
	if !d.br.allow() {
		return Result{}, ErrBreakerOpen
	}

	res, err := d.post(ctx, body)
	switch {
	case err != nil && ctx.Err() != nil:
		// cancelled by the caller, not a destination outage
		d.br.abandon()
		return res, &DispatchError{Err: err}
	case err != nil:
		d.br.record(false)
		return res, &DispatchError{Err: err}
	case res.StatusCode >= 500:
		d.br.record(false)
		return res, &DispatchError{StatusCode: res.StatusCode, Body: res.Body}
	case res.StatusCode/100 != 2:
		// the destination is up; it rejected this payload
		d.br.record(true)
		return res, &DispatchError{StatusCode: res.StatusCode, Body: res.Body}
	}

	d.br.record(true)
	return res, nil
}

func (d *Dispatcher) post(ctx context.Context, body []byte) (Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(body))
	if err != nil {
		return Result{}, err
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, v := range d.headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	res, err := d.client.Do(req)
	if err != nil {
		return Result{Duration: time.Since(start)}, err
	}
	defer res.Body.Close()

	snippet, _ := io.ReadAll(io.LimitReader(res.Body, maxBodyCapture))
	_, _ = io.Copy(io.Discard, res.Body)

	return Result{
		StatusCode: res.StatusCode,
		Body:       strings.TrimSpace(string(snippet)),
		Duration:   time.Since(start),
	}, nil
}
