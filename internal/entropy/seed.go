// Package entropy draws session seeds. With a random.org API key it uses
// true randomness and keeps a small local pool; otherwise, or when the API
// is unavailable, it falls back to crypto/rand.
package entropy

import (
	"crypto/rand"
	"encoding/binary"
	"log/slog"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/valyala/fasthttp"
)

const (
	randomOrgURL = "https://api.random.org/json-rpc/4/invoke"
	poolRefill   = 16
	// random.org integers are bounded to ±1e9.
	maxInteger = 1_000_000_000
)

// Source provides session seeds.
type Source struct {
	apiKey  string
	client  *fasthttp.Client
	timeout time.Duration
	url     string

	mu   sync.Mutex
	pool []int64
}

// NewSource creates a seed source. An empty apiKey uses crypto/rand only.
func NewSource(apiKey string) *Source {
	return &Source{
		apiKey:  apiKey,
		client:  &fasthttp.Client{Name: "futuresim"},
		timeout: 10 * time.Second,
		url:     randomOrgURL,
	}
}

// Enabled reports whether random.org is configured.
func (s *Source) Enabled() bool {
	return s != nil && s.apiKey != ""
}

// Seed returns a positive seed. A nil Source uses crypto/rand.
func (s *Source) Seed() int64 {
	if !s.Enabled() {
		return cryptoSeed()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.pool) == 0 {
		s.refill()
	}
	if len(s.pool) == 0 {
		return cryptoSeed()
	}
	v := s.pool[0]
	s.pool = s.pool[1:]
	return v
}

func (s *Source) refill() {
	body, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"method":  "generateIntegers",
		"params": map[string]any{
			"apiKey": s.apiKey,
			"n":      poolRefill,
			"min":    1,
			"max":    maxInteger,
		},
		"id": 1,
	})
	if err != nil {
		slog.Debug("random.org marshal failed", "error", err)
		return
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)
	req.SetRequestURI(s.url)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	req.SetBody(body)

	if err := s.client.DoTimeout(req, resp, s.timeout); err != nil {
		slog.Debug("random.org fetch failed", "error", err)
		return
	}
	if resp.StatusCode() != fasthttp.StatusOK {
		slog.Debug("random.org bad status", "status", resp.StatusCode())
		return
	}

	var result struct {
		Result struct {
			Random struct {
				Data []int64 `json:"data"`
			} `json:"random"`
		} `json:"result"`
		Error *struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(resp.Body(), &result); err != nil {
		slog.Debug("random.org parse failed", "error", err)
		return
	}
	if result.Error != nil {
		slog.Debug("random.org API error", "error", result.Error.Message)
		return
	}
	for _, v := range result.Result.Random.Data {
		if v > 0 {
			s.pool = append(s.pool, v)
		}
	}
	slog.Debug("random.org pool refilled", "count", len(s.pool))
}

// cryptoSeed returns a positive 63-bit seed from crypto/rand.
func cryptoSeed() int64 {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return time.Now().UnixNano()&(1<<62-1) | 1
	}
	v := int64(binary.LittleEndian.Uint64(buf[:]) >> 1)
	if v == 0 {
		v = 1
	}
	return v
}
