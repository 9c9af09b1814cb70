package service

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/Arke-Institute/attestation/internal/alert"
	"github.com/Arke-Institute/attestation/internal/repository"
)

// abandonedReportLimit caps how many abandoned rows one alert names.
const abandonedReportLimit = 20

// Maintenance runs the housekeeping jobs the scheduler triggers daily:
// re-offering failed rows that still have retry budget and reclaiming
// rows stranded mid-flight.
type Maintenance struct {
	queueRepo      repository.QueueRepository
	alerter        Alerter
	maxRetries     int
	stuckThreshold time.Duration
	clock          clockwork.Clock
	logger         *slog.Logger
}

// NewMaintenance creates a Maintenance service.
func NewMaintenance(
	queueRepo repository.QueueRepository,
	alerter Alerter,
	maxRetries int,
	stuckThreshold time.Duration,
	clock clockwork.Clock,
	logger *slog.Logger,
) *Maintenance {
	return &Maintenance{
		queueRepo:      queueRepo,
		alerter:        alerter,
		maxRetries:     maxRetries,
		stuckThreshold: stuckThreshold,
		clock:          clock,
		logger:         logger,
	}
}

// RetryFailed moves failed rows under the retry cap back to pending and
// alerts on rows abandoned at the cap. Abandoned rows stay visible in the
// queue until an operator intervenes; they are never silently dropped.
func (m *Maintenance) RetryFailed(ctx context.Context) (int64, error) {
	n, err := m.queueRepo.ResetFailedUnderLimit(ctx, m.maxRetries)
	if err != nil {
		return 0, fmt.Errorf("failed to reset failed rows: %w", err)
	}
	if n > 0 {
		m.logger.Info("re-queued failed rows for retry", "count", n)
	}

	abandoned, err := m.queueRepo.ListAbandoned(ctx, m.maxRetries, abandonedReportLimit)
	if err != nil {
		m.logger.Warn("failed to list abandoned rows", "error", err)
		return n, nil
	}
	if len(abandoned) > 0 {
		entities := make([]string, len(abandoned))
		for i, item := range abandoned {
			entities[i] = item.EntityID
		}
		m.alerter.Send(ctx, alert.Alert{
			Title:    "queue rows abandoned at retry cap",
			Detail:   fmt.Sprintf("%d rows exhausted their %d retries and need operator attention", len(abandoned), m.maxRetries),
			Severity: alert.SeverityWarn,
			Fields: map[string]string{
				"count":    strconv.Itoa(len(abandoned)),
				"entities": strings.Join(entities, ","),
			},
		})
	}
	return n, nil
}

// ResetStuck reclaims rows stranded in transient states longer than the
// stuck threshold. The processor also runs this before every tick; the
// daily call is a backstop for writers that stop ticking entirely.
func (m *Maintenance) ResetStuck(ctx context.Context) (int64, error) {
	cutoff := m.clock.Now().Add(-m.stuckThreshold)
	n, err := m.queueRepo.ResetStuck(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to reset stuck rows: %w", err)
	}
	if n > 0 {
		m.logger.Warn("reclaimed stuck queue rows", "count", n)
	}
	return n, nil
}
