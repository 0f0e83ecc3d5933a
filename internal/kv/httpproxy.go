package kv

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/dcm-common/orchestra/pkg/backoff"
)

// HTTPProxyConfig configures the client of the Key-Value-Store API
// (spec §6.3), layering request retries with jittered exponential
// backoff (spec §4.1).
type HTTPProxyConfig struct {
	BaseURL    string
	Timeout    time.Duration
	MaxRetries int
	Backoff    backoff.Config
}

// HTTPProxy is a Store that proxies every operation over HTTP to a
// remote /db endpoint, the "httpproxy" backend of spec §4.1.
type HTTPProxy struct {
	baseURL    *url.URL
	client     *http.Client
	maxRetries int
	backoffCfg backoff.Config
}

// NewHTTPProxy constructs an HTTPProxy Store.
func NewHTTPProxy(cfg HTTPProxyConfig) (*HTTPProxy, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("kv: parse base url: %w", err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &HTTPProxy{
		baseURL:    base,
		client:     &http.Client{Timeout: timeout},
		maxRetries: maxRetries,
		backoffCfg: cfg.Backoff,
	}, nil
}

type dbEntry struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

func (p *HTTPProxy) keyURL(key string) string {
	u := *p.baseURL
	u.Path = joinPath(u.Path, url.PathEscape(key))
	return u.String()
}

func joinPath(base, elem string) string {
	if len(base) > 0 && base[len(base)-1] == '/' {
		return base + elem
	}
	return base + "/" + elem
}

// do issues req, retrying up to maxRetries times with jittered
// exponential backoff on transport errors or 5xx responses.
func (p *HTTPProxy) do(req *http.Request) (*http.Response, error) {
	var lastErr error
	for attempt := 1; attempt <= p.maxRetries+1; attempt++ {
		resp, err := p.client.Do(req)
		if err == nil && resp.StatusCode < 500 {
			return resp, nil
		}
		if err == nil {
			resp.Body.Close()
			lastErr = fmt.Errorf("kv: httpproxy: status %d", resp.StatusCode)
		} else {
			lastErr = err
		}
		if attempt > p.maxRetries {
			break
		}
		delay := backoff.Exponential(attempt, &p.backoffCfg)
		jitter := time.Duration(rand.Int63n(int64(delay)/2 + 1))
		time.Sleep(delay/2 + jitter)
	}
	return nil, lastErr
}

func (p *HTTPProxy) Write(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	body, err := json.Marshal(dbEntry{Key: key, Value: value})
	if err != nil {
		return fmt.Errorf("kv: marshal write body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.keyURL(key), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if ttl > 0 {
		req.Header.Set("X-TTL-Seconds", strconv.Itoa(int(ttl.Seconds())))
	}
	resp, err := p.do(req)
	if err != nil {
		return fmt.Errorf("kv: httpproxy write: %w", err)
	}
	defer resp.Body.Close()
	return nil
}

func (p *HTTPProxy) Read(ctx context.Context, key string, pop bool) ([]byte, error) {
	target := p.keyURL(key)
	if pop {
		target += "?pop=true"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.do(req)
	if err != nil {
		return nil, fmt.Errorf("kv: httpproxy read: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	var entry dbEntry
	if err := json.NewDecoder(resp.Body).Decode(&entry); err != nil {
		return nil, fmt.Errorf("kv: decode read response: %w", err)
	}
	return entry.Value, nil
}

// Update is best-effort on this backend: the Key-Value-Store API (spec
// §6.3) exposes no server-side compare-and-swap, so the read and the
// conditional write are two separate round trips and a concurrent writer
// on another replica can still interleave between them. Callers that need
// the interleave closed (Queue.Lease, Registry.CASWrite) run against the
// sql or memory backends in multi-worker deployments; httpproxy is used
// where the remote KV-Store service is itself the sole writer.
func (p *HTTPProxy) Update(ctx context.Context, key string, ttl time.Duration, fn UpdateFunc) error {
	old, err := p.Read(ctx, key, false)
	exists := true
	if err != nil {
		if err != ErrNotFound {
			return fmt.Errorf("kv: httpproxy update read: %w", err)
		}
		exists = false
		old = nil
	}

	newValue, write, ferr := fn(old, exists)
	if ferr != nil {
		return ferr
	}
	if !write {
		return nil
	}
	return p.Write(ctx, key, newValue, ttl)
}

func (p *HTTPProxy) Delete(ctx context.Context, key string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, p.keyURL(key), nil)
	if err != nil {
		return err
	}
	resp, err := p.do(req)
	if err != nil {
		return fmt.Errorf("kv: httpproxy delete: %w", err)
	}
	defer resp.Body.Close()
	return nil
}

func (p *HTTPProxy) Keys(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodOptions, p.baseURL.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.do(req)
	if err != nil {
		return nil, fmt.Errorf("kv: httpproxy keys: %w", err)
	}
	defer resp.Body.Close()
	var keys []string
	if err := json.NewDecoder(resp.Body).Decode(&keys); err != nil {
		return nil, fmt.Errorf("kv: decode keys response: %w", err)
	}
	return keys, nil
}

func (p *HTTPProxy) Next(ctx context.Context, pop bool) (Entry, error) {
	keys, err := p.Keys(ctx)
	if err != nil {
		return Entry{}, err
	}
	if len(keys) == 0 {
		return Entry{}, ErrNotFound
	}
	key := keys[rand.Intn(len(keys))]
	value, err := p.Read(ctx, key, pop)
	if err != nil {
		return Entry{}, err
	}
	return Entry{Key: key, Value: value}, nil
}

func (p *HTTPProxy) Close() error { return nil }
