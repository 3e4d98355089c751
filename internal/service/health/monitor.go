// Package health watches account fleet health and raises alerts.
//
// The monitor scans on an interval and produces alerts for low health
// scores, exhausted daily quotas, elevated failure ratios and suspensions.
// Alerts fan out to registered handlers; a logging handler is always
// installed so no alert is silently lost.
package health

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fairyhunter13/upload-orchestrator/internal/domain"
	"github.com/fairyhunter13/upload-orchestrator/internal/service/events"
	"github.com/fairyhunter13/upload-orchestrator/internal/service/registry"
)

// Handler consumes one alert. Handlers must not block.
type Handler func(domain.Alert)

// Config tunes the monitor.
type Config struct {
	CheckInterval time.Duration
	// LowThreshold raises health_low while the account is still active.
	LowThreshold int
	// ErrorRateThreshold raises error_rate_high when failed/total over
	// ErrorRateWindow exceeds it.
	ErrorRateThreshold float64
	ErrorRateWindow    time.Duration
	// MinAttempts suppresses the ratio alert on thin samples.
	MinAttempts int
	PageSize    int
}

// Monitor scans accounts and dispatches alerts.
type Monitor struct {
	registry *registry.Registry
	history  domain.HistoryRepository
	bus      *events.Bus
	cfg      Config

	mu       sync.Mutex
	handlers []Handler
	// lastKind deduplicates: one alert per (account, kind) until the
	// condition clears.
	lastKind map[string]string
}

// New constructs a Monitor with the logging handler preinstalled.
func New(reg *registry.Registry, history domain.HistoryRepository, bus *events.Bus, cfg Config) *Monitor {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = time.Minute
	}
	if cfg.LowThreshold <= 0 {
		cfg.LowThreshold = 40
	}
	if cfg.ErrorRateThreshold <= 0 {
		cfg.ErrorRateThreshold = 0.5
	}
	if cfg.ErrorRateWindow <= 0 {
		cfg.ErrorRateWindow = 24 * time.Hour
	}
	if cfg.MinAttempts <= 0 {
		cfg.MinAttempts = 5
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 200
	}
	m := &Monitor{
		registry: reg,
		history:  history,
		bus:      bus,
		cfg:      cfg,
		lastKind: make(map[string]string),
	}
	m.OnAlert(logHandler)
	return m
}

func logHandler(a domain.Alert) {
	attrs := []any{
		slog.String("kind", a.Kind),
		slog.String("severity", a.Severity),
		slog.String("account_id", a.AccountID),
		slog.String("message", a.Message),
	}
	switch a.Severity {
	case "critical":
		slog.Error("account alert", attrs...)
	default:
		slog.Warn("account alert", attrs...)
	}
}

// OnAlert registers a handler for all future alerts.
func (m *Monitor) OnAlert(h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, h)
}

// Run scans every CheckInterval until ctx ends.
func (m *Monitor) Run(ctx domain.Context) {
	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.CheckOnce(ctx); err != nil {
				slog.Error("health check failed", slog.Any("error", err))
			}
		}
	}
}

// CheckOnce runs one full fleet scan.
func (m *Monitor) CheckOnce(ctx domain.Context) error {
	offset := 0
	for {
		accounts, err := m.registry.List(ctx, offset, m.cfg.PageSize)
		if err != nil {
			return fmt.Errorf("op=health.check: %w", err)
		}
		for _, a := range accounts {
			m.checkAccount(ctx, a)
		}
		if len(accounts) < m.cfg.PageSize {
			return nil
		}
		offset += m.cfg.PageSize
	}
}

func (m *Monitor) checkAccount(ctx domain.Context, a domain.Account) {
	switch {
	case a.Status == domain.AccountSuspended:
		m.raise(a, "suspended", "critical",
			fmt.Sprintf("account %s suspended (health %d)", a.Email, a.HealthScore))
		return
	case a.Status == domain.AccountActive && a.HealthScore < m.cfg.LowThreshold:
		m.raise(a, "health_low", "warning",
			fmt.Sprintf("account %s health %d below %d", a.Email, a.HealthScore, m.cfg.LowThreshold))
	case a.Status == domain.AccountActive && !a.HasAvailableUploads():
		m.raise(a, "limit_reached", "info",
			fmt.Sprintf("account %s exhausted daily quota (%d/%d)", a.Email, a.DailyUploadCount, a.DailyUploadLimit))
	default:
		m.clear(a.ID)
	}

	if a.Status != domain.AccountActive {
		return
	}
	ratio, total, err := m.history.FailureRatio(ctx, a.ID, m.cfg.ErrorRateWindow)
	if err != nil {
		slog.Debug("failure ratio unavailable", slog.String("account_id", a.ID), slog.Any("error", err))
		return
	}
	if total >= m.cfg.MinAttempts && ratio > m.cfg.ErrorRateThreshold {
		m.raise(a, "error_rate_high", "warning",
			fmt.Sprintf("account %s failed %.0f%% of %d attempts", a.Email, ratio*100, total))
	}
}

// raise dispatches unless the same kind already fired for this account.
func (m *Monitor) raise(a domain.Account, kind, severity, msg string) {
	m.mu.Lock()
	if m.lastKind[a.ID] == kind {
		m.mu.Unlock()
		return
	}
	m.lastKind[a.ID] = kind
	handlers := make([]Handler, len(m.handlers))
	copy(handlers, m.handlers)
	m.mu.Unlock()

	alert := domain.Alert{
		Severity:  severity,
		Kind:      kind,
		AccountID: a.ID,
		Message:   msg,
		At:        time.Now().UTC(),
	}
	for _, h := range handlers {
		h(alert)
	}
	if m.bus != nil {
		m.bus.Publish(events.Event{Kind: events.AlertRaised, AccountID: a.ID, Detail: kind})
	}
}

func (m *Monitor) clear(accountID string) {
	m.mu.Lock()
	delete(m.lastKind, accountID)
	m.mu.Unlock()
}

// TriggerRecovery is the manual override: it returns a suspended account to
// rotation and clears its alert state.
func (m *Monitor) TriggerRecovery(ctx domain.Context, accountID string) (domain.Account, error) {
	a, err := m.registry.Recover(ctx, accountID)
	if err != nil {
		return domain.Account{}, fmt.Errorf("op=health.recover: %w", err)
	}
	m.clear(accountID)
	slog.Info("account recovered by operator",
		slog.String("account_id", a.ID),
		slog.Int("health_score", a.HealthScore))
	return a, nil
}
