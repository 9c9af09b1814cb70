package service

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/Arke-Institute/attestation/internal/alert"
	"github.com/Arke-Institute/attestation/internal/arweave"
	"github.com/Arke-Institute/attestation/internal/config"
)

// BalanceLevel classifies the wallet balance against configured thresholds.
type BalanceLevel string

const (
	BalanceOK       BalanceLevel = "ok"
	BalanceLow      BalanceLevel = "low"
	BalanceCritical BalanceLevel = "critical"
	BalanceUnknown  BalanceLevel = "unknown"
)

// BalanceStatus is the outcome of one balance check.
type BalanceStatus struct {
	Level   BalanceLevel `json:"level"`
	AR      float64      `json:"ar"`
	Address string       `json:"address"`
}

// balanceAlertInterval throttles repeat alerts for a persistently low
// wallet. Escalation to critical always alerts immediately.
const balanceAlertInterval = time.Hour

// BalanceGate checks the wallet balance ahead of each tick and raises
// alerts when it crosses the warning or critical thresholds.
type BalanceGate struct {
	gateway Gateway
	alerter Alerter
	clock   clockwork.Clock
	logger  *slog.Logger

	address    string
	warnAR     float64
	criticalAR float64

	mu         sync.Mutex
	lastAlert  time.Time
	lastLevel  BalanceLevel
	lastStatus *BalanceStatus
}

// NewBalanceGate creates a balance gate for the given wallet address.
func NewBalanceGate(gateway Gateway, alerter Alerter, address string, cfg config.BalanceConfig, clock clockwork.Clock, logger *slog.Logger) *BalanceGate {
	return &BalanceGate{
		gateway:    gateway,
		alerter:    alerter,
		clock:      clock,
		logger:     logger,
		address:    address,
		warnAR:     cfg.WarningAR,
		criticalAR: cfg.CriticalAR,
		lastLevel:  BalanceOK,
	}
}

// Check fetches the wallet balance and classifies it. Gateway errors
// degrade to BalanceUnknown rather than blocking writes: the upload path
// surfaces real payment failures on its own.
func (g *BalanceGate) Check(ctx context.Context) BalanceStatus {
	winston, err := g.gateway.Balance(ctx, g.address)
	if err != nil {
		g.logger.Warn("failed to check wallet balance", "address", g.address, "error", err)
		return BalanceStatus{Level: BalanceUnknown, Address: g.address}
	}

	ar := arweave.WinstonToAR(winston)
	walletBalanceAR.Set(ar)

	status := BalanceStatus{Level: BalanceOK, AR: ar, Address: g.address}
	switch {
	case ar < g.criticalAR:
		status.Level = BalanceCritical
	case ar < g.warnAR:
		status.Level = BalanceLow
	}

	g.mu.Lock()
	g.lastStatus = &status
	g.mu.Unlock()

	if status.Level == BalanceOK {
		g.mu.Lock()
		g.lastLevel = BalanceOK
		g.mu.Unlock()
		return status
	}

	g.maybeAlert(ctx, status)
	return status
}

// Cached returns the last successful check without touching the gateway.
// The health endpoint reads this; ticks refresh it every interval.
func (g *BalanceGate) Cached() (BalanceStatus, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.lastStatus == nil {
		return BalanceStatus{Level: BalanceUnknown, Address: g.address}, false
	}
	return *g.lastStatus, true
}

// Address returns the monitored wallet address.
func (g *BalanceGate) Address() string {
	return g.address
}

func (g *BalanceGate) maybeAlert(ctx context.Context, status BalanceStatus) {
	g.mu.Lock()
	now := g.clock.Now()
	escalated := status.Level == BalanceCritical && g.lastLevel != BalanceCritical
	if !escalated && now.Sub(g.lastAlert) < balanceAlertInterval {
		g.mu.Unlock()
		return
	}
	g.lastAlert = now
	g.lastLevel = status.Level
	g.mu.Unlock()

	severity := alert.SeverityWarn
	title := "wallet balance low"
	if status.Level == BalanceCritical {
		severity = alert.SeverityCritical
		title = "wallet balance critical, writes paused"
	}

	g.alerter.Send(ctx, alert.Alert{
		Title:    title,
		Detail:   fmt.Sprintf("wallet %s holds %.4f AR", status.Address, status.AR),
		Severity: severity,
		Fields: map[string]string{
			"address":    status.Address,
			"balance_ar": strconv.FormatFloat(status.AR, 'f', 6, 64),
		},
	})
}
