// ============================================================================
// Gateway Registration Heartbeat
// ============================================================================
//
// Package: internal/registration
// File: registration.go
// Purpose: Keep this service's lease alive at the upstream gateway.
//
// The gateway only routes to services holding a live lease. The
// heartbeat registers at startup, renews at 75% of the lease TTL, and
// on failure retries with exponential backoff (30s doubling up to
// 300s) until a renewal lands, then returns to the normal cadence. On
// shutdown it deregisters so the gateway stops routing immediately
// instead of waiting for lease expiry.
//
// ============================================================================

package registration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	secretHeader = "X-DPO-Register-Secret"

	renewFraction  = 0.75
	initialBackoff = 30 * time.Second
	maxBackoff     = 300 * time.Second
)

// Registration is the lease payload sent to the gateway.
type Registration struct {
	BaseURL    string `json:"base_url"`
	Version    string `json:"version"`
	TTLSeconds int    `json:"ttl_seconds"`
}

// Heartbeat maintains the gateway lease in a background goroutine.
type Heartbeat struct {
	client      *http.Client
	registerURL string
	secret      string
	payload     Registration
	logger      *logrus.Entry

	stopCh   chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New creates a heartbeat for the given gateway endpoint. Nothing
// happens until Start is called.
func New(registerURL, secret, baseURL, version string, ttlSeconds int, logger *logrus.Logger) *Heartbeat {
	return &Heartbeat{
		client:      &http.Client{Timeout: 10 * time.Second},
		registerURL: registerURL,
		secret:      secret,
		payload: Registration{
			BaseURL:    baseURL,
			Version:    version,
			TTLSeconds: ttlSeconds,
		},
		logger: logger.WithField("component", "registration"),
		stopCh: make(chan struct{}),
	}
}

// Start registers immediately and then keeps renewing until Stop.
func (h *Heartbeat) Start() {
	h.wg.Add(1)
	go h.loop()
}

// Stop halts renewal and deregisters from the gateway. A gateway that
// has already dropped the lease (404) is treated as success.
func (h *Heartbeat) Stop(ctx context.Context) {
	h.stopOnce.Do(func() {
		close(h.stopCh)
		h.wg.Wait()

		if err := h.deregister(ctx); err != nil {
			h.logger.WithError(err).Warn("Deregistration failed; lease will expire on its own")
			return
		}
		h.logger.Info("Deregistered from gateway")
	})
}

func (h *Heartbeat) loop() {
	defer h.wg.Done()

	renewEvery := time.Duration(float64(h.payload.TTLSeconds)*renewFraction) * time.Second
	backoff := initialBackoff

	for {
		var wait time.Duration
		if err := h.register(); err != nil {
			h.logger.WithFields(logrus.Fields{"error": err, "retry_in": backoff}).Warn("Lease renewal failed")
			wait = backoff
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		} else {
			h.logger.WithField("renew_in", renewEvery).Debug("Lease renewed")
			wait = renewEvery
			backoff = initialBackoff
		}

		select {
		case <-h.stopCh:
			return
		case <-time.After(wait):
		}
	}
}

func (h *Heartbeat) register() error {
	body, err := json.Marshal(h.payload)
	if err != nil {
		return fmt.Errorf("encoding registration: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, h.registerURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building registration request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(secretHeader, h.secret)

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting registration: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("gateway rejected registration: status %d", resp.StatusCode)
	}
	return nil
}

func (h *Heartbeat) deregister(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, h.registerURL, nil)
	if err != nil {
		return fmt.Errorf("building deregistration request: %w", err)
	}
	req.Header.Set(secretHeader, h.secret)

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("deleting registration: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound || (resp.StatusCode >= 200 && resp.StatusCode <= 299) {
		return nil
	}
	return fmt.Errorf("gateway rejected deregistration: status %d", resp.StatusCode)
}
