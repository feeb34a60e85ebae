package state

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	defaultStoreKeyPrefix = "pharmacy:turns:"
	defaultStoreTTL       = 30 * 24 * time.Hour
	defaultKeepPerCust    = 200
	maxResponseSizeBytes  = 2 << 20
)

// Archive keeps finalized turns per customer.
type Archive interface {
	Save(ctx context.Context, turn *ConversationTurn) error
	// Recent returns up to limit turns for the customer, newest first.
	Recent(ctx context.Context, customerID int64, limit int) ([]*ConversationTurn, error)
}

// MemoryArchive is the in-process Archive.
type MemoryArchive struct {
	mu    sync.RWMutex
	turns map[int64][]*ConversationTurn
}

func NewMemoryArchive() *MemoryArchive {
	return &MemoryArchive{turns: make(map[int64][]*ConversationTurn)}
}

func (a *MemoryArchive) Save(_ context.Context, turn *ConversationTurn) error {
	if err := turn.Validate(); err != nil {
		return err
	}
	snap := turn.Snapshot()
	a.mu.Lock()
	a.turns[snap.CustomerID] = append(a.turns[snap.CustomerID], snap)
	a.mu.Unlock()
	return nil
}

func (a *MemoryArchive) Recent(_ context.Context, customerID int64, limit int) ([]*ConversationTurn, error) {
	a.mu.RLock()
	src := a.turns[customerID]
	out := make([]*ConversationTurn, 0, len(src))
	for i := len(src) - 1; i >= 0; i-- {
		out = append(out, src[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	a.mu.RUnlock()
	return out, nil
}

// StoreOption customizes UpstashArchive.
type StoreOption func(*UpstashArchive)

func WithKeyPrefix(prefix string) StoreOption {
	return func(s *UpstashArchive) {
		trimmed := strings.TrimSpace(prefix)
		if trimmed != "" {
			s.keyPrefix = trimmed
		}
	}
}

func WithTTL(ttl time.Duration) StoreOption {
	return func(s *UpstashArchive) {
		s.ttl = ttl
	}
}

// WithKeep bounds how many turns are kept per customer.
func WithKeep(n int) StoreOption {
	return func(s *UpstashArchive) {
		if n > 0 {
			s.keep = n
		}
	}
}

func WithHTTPClient(client *http.Client) StoreOption {
	return func(s *UpstashArchive) {
		if client != nil {
			s.httpClient = client
		}
	}
}

// UpstashArchive keeps turns in an Upstash Redis list per customer via REST.
// New turns are pushed to the head so LRANGE 0 n-1 is newest first.
type UpstashArchive struct {
	baseURL    string
	token      string
	httpClient *http.Client
	keyPrefix  string
	ttl        time.Duration
	keep       int
}

type redisRESTResponse struct {
	Result json.RawMessage `json:"result"`
	Error  string          `json:"error"`
}

type UpstashRedisConfig struct {
	URL     string        `envconfig:"URL" split_words:"true"`
	Token   string        `envconfig:"TOKEN" split_words:"true"`
	Timeout time.Duration `envconfig:"TIMEOUT" split_words:"true" default:"10s"`
}

func (c UpstashRedisConfig) Enabled() bool {
	return strings.TrimSpace(c.URL) != "" && strings.TrimSpace(c.Token) != ""
}

func NewUpstashArchive(cfg UpstashRedisConfig, opts ...StoreOption) (*UpstashArchive, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.URL), "/")
	if baseURL == "" {
		return nil, errors.New("upstash redis url is required")
	}
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, fmt.Errorf("invalid redis rest url: %w", err)
	}

	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, errors.New("upstash redis token is required")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	store := &UpstashArchive{
		baseURL:    baseURL,
		token:      token,
		httpClient: &http.Client{Timeout: timeout},
		keyPrefix:  defaultStoreKeyPrefix,
		ttl:        defaultStoreTTL,
		keep:       defaultKeepPerCust,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}

	if store.ttl < 0 {
		return nil, errors.New("ttl must be >= 0")
	}

	return store, nil
}

func (s *UpstashArchive) Save(ctx context.Context, turn *ConversationTurn) error {
	if err := turn.Validate(); err != nil {
		return err
	}
	snap := turn.Snapshot()
	if snap.FinishedAt.IsZero() {
		snap.FinishedAt = time.Now().UTC()
	}

	key := s.redisKey(snap.CustomerID)
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal turn: %w", err)
	}

	if _, err := s.exec(ctx, []any{"LPUSH", key, string(payload)}); err != nil {
		return err
	}
	if _, err := s.exec(ctx, []any{"LTRIM", key, 0, s.keep - 1}); err != nil {
		return err
	}
	if s.ttl > 0 {
		if _, err := s.exec(ctx, []any{"EXPIRE", key, ttlSeconds(s.ttl)}); err != nil {
			return err
		}
	}
	return nil
}

func (s *UpstashArchive) Recent(ctx context.Context, customerID int64, limit int) ([]*ConversationTurn, error) {
	if limit <= 0 || limit > s.keep {
		limit = s.keep
	}
	resp, err := s.exec(ctx, []any{"LRANGE", s.redisKey(customerID), 0, limit - 1})
	if err != nil {
		return nil, err
	}

	result := bytes.TrimSpace(resp.Result)
	if len(result) == 0 || bytes.Equal(result, []byte("null")) {
		return []*ConversationTurn{}, nil
	}

	var encoded []string
	if err := json.Unmarshal(result, &encoded); err != nil {
		return nil, fmt.Errorf("decode turn list: %w", err)
	}

	out := make([]*ConversationTurn, 0, len(encoded))
	for _, item := range encoded {
		var turn ConversationTurn
		if err := json.Unmarshal([]byte(item), &turn); err != nil {
			return nil, fmt.Errorf("unmarshal turn: %w", err)
		}
		turn.archived = true
		out = append(out, &turn)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	return out, nil
}

func (s *UpstashArchive) redisKey(customerID int64) string {
	return strings.TrimSpace(s.keyPrefix) + strconv.FormatInt(customerID, 10)
}

func (s *UpstashArchive) exec(ctx context.Context, command []any) (*redisRESTResponse, error) {
	if s == nil {
		return nil, errors.New("nil store")
	}
	if len(command) == 0 {
		return nil, errors.New("empty redis command")
	}

	body, err := json.Marshal(command)
	if err != nil {
		return nil, fmt.Errorf("marshal redis command: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build redis request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute redis request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSizeBytes))
	if err != nil {
		return nil, fmt.Errorf("read redis response: %w", err)
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, fmt.Errorf("redis http status=%d body=%s", resp.StatusCode, string(raw))
	}

	var parsed redisRESTResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("decode redis response: %w", err)
	}
	if parsed.Error != "" {
		return nil, errors.New(parsed.Error)
	}
	return &parsed, nil
}

func ttlSeconds(ttl time.Duration) int64 {
	seconds := ttl / time.Second
	if seconds <= 0 {
		return 1
	}
	if ttl%time.Second != 0 {
		seconds++
	}
	return int64(seconds)
}
