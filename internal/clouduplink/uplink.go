// Package clouduplink forwards peer-acknowledged outbox rows to the
// central cloud service. Cloud sync is strictly downstream of peer sync:
// a pending row is never posted, so at least one surviving neighbor holds
// a copy before data escapes the store LAN.
package clouduplink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/laneforge/possync/internal/bus"
	"github.com/laneforge/possync/internal/store"
	"github.com/laneforge/possync/pkg/logging"
)

// CredentialUnset is the literal value that, like an empty string, leaves
// the uplink dormant.
const CredentialUnset = "UNSET"

// Config configures the cloud uplink.
type Config struct {
	BaseURL      string
	ServiceKey   string
	TerminalID   string
	PollInterval time.Duration // drain tick (default: 5s)
	BackoffBase  time.Duration // per-row retry backoff base (default: 2s)
	MaxRetries   int           // retries before dead-letter (default: 10)
	BatchSize    int           // rows per drain pass (default: 50)
	Concurrency  int           // concurrent POSTs (default: 5)
	HTTPTimeout  time.Duration // per-request timeout (default: 15s)
}

// DefaultConfig returns the default uplink configuration.
func DefaultConfig() Config {
	return Config{
		PollInterval: 5 * time.Second,
		BackoffBase:  2 * time.Second,
		MaxRetries:   10,
		BatchSize:    50,
		Concurrency:  5,
		HTTPTimeout:  15 * time.Second,
	}
}

// ingestBody is the per-row POST body the cloud ingests, idempotent by id.
type ingestBody struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// Uplink drains peer_ack outbox rows to the per-topic cloud endpoints.
type Uplink struct {
	cfg    Config
	bus    *bus.Bus
	client *http.Client
	log    *logging.Logger

	// nextAttempt holds per-row backoff deadlines; a row is skipped until
	// its deadline passes.
	attemptMu   sync.Mutex
	nextAttempt map[string]time.Time

	drainMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a cloud uplink.
func New(cfg Config, b *bus.Bus) *Uplink {
	def := DefaultConfig()
	if cfg.PollInterval == 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.BackoffBase == 0 {
		cfg.BackoffBase = def.BackoffBase
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.Concurrency == 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.HTTPTimeout == 0 {
		cfg.HTTPTimeout = def.HTTPTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Uplink{
		cfg:         cfg,
		bus:         b,
		client:      &http.Client{Timeout: cfg.HTTPTimeout},
		log:         logging.GetDefault().Component("clouduplink"),
		nextAttempt: make(map[string]time.Time),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Dormant reports whether the uplink lacks a usable cloud credential. A
// dormant uplink starts and stops normally but never drains; peer sync is
// unaffected.
func (u *Uplink) Dormant() bool {
	return u.cfg.BaseURL == "" || u.cfg.BaseURL == CredentialUnset ||
		u.cfg.ServiceKey == "" || u.cfg.ServiceKey == CredentialUnset
}

// Start launches the drain ticker. Logs once and stays dormant when the
// cloud credential is missing.
func (u *Uplink) Start() error {
	if u.Dormant() {
		u.log.Info("Cloud credential unset, uplink dormant")
		return nil
	}

	u.wg.Add(1)
	go func() {
		defer u.wg.Done()
		u.run()
	}()

	u.log.Info("Cloud uplink started", "base_url", u.cfg.BaseURL, "poll_interval", u.cfg.PollInterval)
	return nil
}

// Stop cancels the ticker and waits for in-flight POSTs to finish.
func (u *Uplink) Stop() {
	u.cancel()
	u.wg.Wait()
	u.log.Info("Cloud uplink stopped")
}

func (u *Uplink) run() {
	ticker := time.NewTicker(u.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-u.ctx.Done():
			return
		case <-ticker.C:
			u.drain()
		}
	}
}

// drain posts due peer_ack rows with bounded parallelism. Order across
// rows is not preserved; every row is self-contained and the cloud is
// idempotent by id.
func (u *Uplink) drain() {
	if !u.drainMu.TryLock() {
		return
	}
	defer u.drainMu.Unlock()

	rows, err := u.bus.GetPending(u.ctx, store.OutboxPeerAck, u.cfg.BatchSize)
	if err != nil {
		if u.ctx.Err() == nil {
			u.log.Warn("Uplink query failed", "error", err)
		}
		return
	}
	if len(rows) == 0 {
		return
	}

	now := time.Now()
	sem := make(chan struct{}, u.cfg.Concurrency)
	var wg sync.WaitGroup
	for _, row := range rows {
		if !u.due(row.ID, now) {
			continue
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(row *store.OutboxRow) {
			defer wg.Done()
			defer func() { <-sem }()
			u.forward(row)
		}(row)
	}
	wg.Wait()
}

func (u *Uplink) due(id string, now time.Time) bool {
	u.attemptMu.Lock()
	defer u.attemptMu.Unlock()
	deadline, ok := u.nextAttempt[id]
	return !ok || !now.Before(deadline)
}

// forward posts one row to its per-topic endpoint and advances its
// outbox status.
func (u *Uplink) forward(row *store.OutboxRow) {
	endpoint, err := u.endpointFor(row.Topic)
	if err != nil {
		u.log.Error("No cloud endpoint for topic, dead-lettering row", "id", row.ID, "topic", row.Topic)
		if err := u.bus.MarkError(u.ctx, row.ID); err != nil {
			u.log.Warn("Dead-letter mark failed", "id", row.ID, "error", err)
		}
		return
	}

	body, err := json.Marshal(&ingestBody{
		ID:        row.ID,
		Type:      string(row.Topic),
		Payload:   row.Payload,
		Timestamp: row.CreatedAt,
	})
	if err != nil {
		u.log.Error("Marshal failed, dead-lettering row", "id", row.ID, "error", err)
		u.bus.MarkError(u.ctx, row.ID)
		return
	}

	req, err := http.NewRequestWithContext(u.ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		u.log.Error("Request build failed", "id", row.ID, "error", err)
		u.retryLater(row.ID)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+u.cfg.ServiceKey)
	req.Header.Set("x-terminal-id", u.cfg.TerminalID)

	resp, err := u.client.Do(req)
	if err != nil {
		if u.ctx.Err() == nil {
			u.log.Debug("Cloud POST failed", "id", row.ID, "error", err)
		}
		u.retryLater(row.ID)
		return
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if err := u.bus.MarkSent(u.ctx, row.ID, store.OutboxCloudAck); err != nil {
			u.log.Warn("Marking cloud_ack failed", "id", row.ID, "error", err)
			return
		}
		u.clearAttempt(row.ID)
		u.log.Debug("Row forwarded to cloud", "id", row.ID, "topic", row.Topic)
		return
	}

	// Any non-2xx, 4xx included, is a retryable failure until MaxRetries.
	u.log.Debug("Cloud rejected row", "id", row.ID, "status", resp.StatusCode)
	u.retryLater(row.ID)
}

// retryLater counts one failed attempt: increment retries, dead-letter at
// MaxRetries, otherwise schedule the row's next attempt after an
// exponential backoff.
func (u *Uplink) retryLater(id string) {
	retries, err := u.bus.IncrementRetries(u.ctx, id)
	if err != nil {
		if u.ctx.Err() == nil {
			u.log.Warn("Retry increment failed", "id", id, "error", err)
		}
		return
	}
	if retries >= u.cfg.MaxRetries {
		u.log.Warn("Max retries exceeded, dead-lettering row", "id", id, "retries", retries)
		if err := u.bus.MarkError(u.ctx, id); err != nil {
			u.log.Warn("Dead-letter mark failed", "id", id, "error", err)
		}
		u.clearAttempt(id)
		return
	}

	backoff := u.cfg.BackoffBase
	for i := 0; i < retries; i++ {
		backoff *= 2
		if backoff > 10*time.Minute {
			backoff = 10 * time.Minute
			break
		}
	}
	u.attemptMu.Lock()
	u.nextAttempt[id] = time.Now().Add(backoff)
	u.attemptMu.Unlock()
}

func (u *Uplink) clearAttempt(id string) {
	u.attemptMu.Lock()
	delete(u.nextAttempt, id)
	u.attemptMu.Unlock()
}

// endpointFor maps a topic to its ingest endpoint: the topic with ':'
// slugged to '-', under /functions/v1/ingest/.
func (u *Uplink) endpointFor(topic store.Topic) (string, error) {
	if !store.KnownTopics(topic) {
		return "", fmt.Errorf("clouduplink: unknown topic %q", topic)
	}
	slug := strings.ReplaceAll(string(topic), ":", "-")
	return strings.TrimRight(u.cfg.BaseURL, "/") + "/functions/v1/ingest/" + slug, nil
}
