package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const userAgent = "GNS/1.0"

// PosterConfig tunes the HTTP client shared by the chat and webhook channels.
type PosterConfig struct {
	Timeout time.Duration // per request, default 30s
	RPS     float64       // per destination host, 0 disables throttling
}

// Poster performs outbound HTTP calls for webhook style channels. Calls to
// the same host are throttled so one noisy task cannot flood an endpoint.
type Poster struct {
	client *http.Client
	rps    float64

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewPoster(cfg PosterConfig) *Poster {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Poster{
		client:   &http.Client{Timeout: timeout},
		rps:      cfg.RPS,
		limiters: make(map[string]*rate.Limiter),
	}
}

// HTTPError is returned for non-2xx responses.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("non-2xx status: %d, body: %s", e.StatusCode, e.Body)
}

func (p *Poster) limiter(host string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()

	l, ok := p.limiters[host]
	if !ok {
		burst := int(p.rps)
		if burst < 1 {
			burst = 1
		}
		l = rate.NewLimiter(rate.Limit(p.rps), burst)
		p.limiters[host] = l
	}
	return l
}

// Do sends body as JSON with method to rawURL and returns the response body.
// Responses outside 2xx produce an *HTTPError.
func (p *Poster) Do(ctx context.Context, method, rawURL string, headers map[string]string, body any) ([]byte, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("invalid url %q", rawURL)
	}

	if p.rps > 0 {
		if err := p.limiter(u.Host).Wait(ctx); err != nil {
			return nil, fmt.Errorf("wait for rate limiter: %w", err)
		}
	}

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("User-Agent", userAgent)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		preview := respBody
		if len(preview) > 1024 {
			preview = preview[:1024]
		}
		return respBody, &HTTPError{StatusCode: resp.StatusCode, Body: string(preview)}
	}

	return respBody, nil
}

func (p *Poster) PostJSON(ctx context.Context, rawURL string, body any) ([]byte, error) {
	return p.Do(ctx, http.MethodPost, rawURL, nil, body)
}

func (p *Poster) Get(ctx context.Context, rawURL string) ([]byte, error) {
	return p.Do(ctx, http.MethodGet, rawURL, nil, nil)
}

// apiResult is the error envelope shared by the DingTalk and WeChat APIs.
type apiResult struct {
	ErrCode int    `json:"errcode"`
	ErrMsg  string `json:"errmsg"`
}

// checkAPIResult decodes raw into the errcode envelope and rejects non-zero codes.
func checkAPIResult(raw []byte) error {
	var res apiResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if res.ErrCode != 0 {
		return fmt.Errorf("api error %d: %s", res.ErrCode, res.ErrMsg)
	}
	return nil
}
