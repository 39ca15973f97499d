package monitor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"hotel-price-watch/internal/dispatch"
	"hotel-price-watch/internal/model"
	"hotel-price-watch/internal/storage"
)

const healthCheckTimeout = 10 * time.Second

// DigestReport summarises a digest run.
type DigestReport struct {
	Users  int       `json:"users"`
	Sent   int       `json:"sent"`
	Failed int       `json:"failed"`
	At     time.Time `json:"at"`
}

// HealthReport maps dependency name to its error ("" when healthy).
type HealthReport struct {
	At     time.Time         `json:"at"`
	Checks map[string]string `json:"checks"`
}

// Healthy reports whether every check passed.
func (r HealthReport) Healthy() bool {
	for _, v := range r.Checks {
		if v != "" {
			return false
		}
	}
	return true
}

// MaintenanceReport counts rows touched by maintenance.
type MaintenanceReport struct {
	Deactivated  int64     `json:"deactivated"`
	Observations int64     `json:"observations"`
	Alerts       int64     `json:"alerts"`
	Ledger       int64     `json:"ledger"`
	MonitorQueue int64     `json:"monitor_queue"`
	At           time.Time `json:"at"`
}

func (o *Orchestrator) runDigest(ctx context.Context) (DigestReport, error) {
	now := o.now().UTC()
	report := DigestReport{At: now}
	log := o.logger.With().Str("job", JobDigest).Logger()

	entries, err := o.deps.Repo.ListDigestAlerts(ctx, now.Add(-o.opts.DigestWindow))
	if err != nil {
		err = fmt.Errorf("list digest alerts: %w", err)
		o.deps.Metrics.JobRun(JobDigest, err)
		return report, err
	}

	byUser := make(map[string][]model.DigestEntry)
	var users []string
	for _, e := range entries {
		if _, ok := byUser[e.Alert.UserID]; !ok {
			users = append(users, e.Alert.UserID)
		}
		byUser[e.Alert.UserID] = append(byUser[e.Alert.UserID], e)
	}
	sort.Strings(users)
	report.Users = len(users)

	var errs []error
	for _, userID := range users {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		list := byUser[userID]
		sort.SliceStable(list, func(i, j int) bool {
			if list[i].Alert.Priority != list[j].Alert.Priority {
				return list[i].Alert.Priority > list[j].Alert.Priority
			}
			return list[i].Alert.ObservedAt.Before(list[j].Alert.ObservedAt)
		})
		first := list[0]
		if err := o.deps.Dispatcher.SendDigest(ctx, userID, first.UserEmail, first.UserName, list); err != nil {
			report.Failed++
			errs = append(errs, fmt.Errorf("user %s: %w", userID, err))
			log.Warn().Err(err).Str("user_id", userID).Msg("digest delivery failed")
			continue
		}
		report.Sent++
	}

	o.mu.Lock()
	o.lastDigest = &report
	o.mu.Unlock()

	err = errors.Join(errs...)
	o.deps.Metrics.JobRun(JobDigest, err)
	log.Info().Int("users", report.Users).Int("sent", report.Sent).Int("failed", report.Failed).Msg("digest finished")
	return report, err
}

func (o *Orchestrator) runHealthCheck(ctx context.Context) (HealthReport, error) {
	report := HealthReport{At: o.now().UTC(), Checks: make(map[string]string)}

	probes := map[string]func(context.Context) error{
		"database": o.deps.Repo.Ping,
	}
	if p, ok := o.deps.Fetcher.(Pinger); ok {
		probes["upstream"] = p.Ping
	}
	if o.deps.Dispatcher != nil {
		if c, ok := o.deps.Dispatcher.Mailer().(dispatch.Checker); ok {
			probes["email"] = c.Check
		}
	}

	names := make([]string, 0, len(probes))
	for name := range probes {
		names = append(names, name)
	}
	sort.Strings(names)

	var failures []string
	for _, name := range names {
		probeCtx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
		err := probes[name](probeCtx)
		cancel()

		o.deps.Metrics.Health(name, err == nil)
		if err != nil {
			report.Checks[name] = err.Error()
			failures = append(failures, fmt.Sprintf("%s: %v", name, err))
			continue
		}
		report.Checks[name] = ""
	}

	o.mu.Lock()
	o.lastHealth = &report
	o.mu.Unlock()

	if len(failures) == 0 {
		o.deps.Metrics.JobRun(JobHealth, nil)
		return report, nil
	}

	err := fmt.Errorf("health check failed: %d of %d dependencies unhealthy", len(failures), len(names))
	o.deps.Metrics.JobRun(JobHealth, err)
	o.logger.Error().Strs("failures", failures).Msg("health check failed")
	o.notifyOps(ctx, JobHealth, "dependency health check failed", failures...)
	return report, err
}

func (o *Orchestrator) runMaintenance(ctx context.Context) (MaintenanceReport, error) {
	now := o.now()
	report := MaintenanceReport{At: now.UTC()}
	log := o.logger.With().Str("job", JobMaintenance).Logger()

	local := now.In(o.opts.Location)
	today := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, time.UTC)

	var errs []error
	n, err := o.deps.Repo.DeactivateExpiredWatchItems(ctx, today)
	if err != nil {
		errs = append(errs, fmt.Errorf("deactivate expired: %w", err))
	}
	report.Deactivated = n

	prunes := []struct {
		table     storage.Table
		retention time.Duration
		count     *int64
	}{
		{storage.TableObservations, o.opts.Retention.Observations, &report.Observations},
		{storage.TableAlerts, o.opts.Retention.Alerts, &report.Alerts},
		{storage.TableLedger, o.opts.Retention.Ledger, &report.Ledger},
		{storage.TableMonitorQueue, o.opts.Retention.MonitorQueue, &report.MonitorQueue},
	}
	for _, p := range prunes {
		if p.retention <= 0 {
			continue
		}
		n, err := o.deps.Repo.PruneOlderThan(ctx, p.table, now.Add(-p.retention).UTC())
		if err != nil {
			errs = append(errs, fmt.Errorf("prune %s: %w", p.table, err))
			continue
		}
		*p.count = n
		o.deps.Metrics.PrunedRows(string(p.table), n)
	}

	o.mu.Lock()
	o.lastMaint = &report
	o.mu.Unlock()

	err = errors.Join(errs...)
	o.deps.Metrics.JobRun(JobMaintenance, err)
	event := log.Info()
	if err != nil {
		event = log.Error().Err(err)
	}
	event.
		Int64("deactivated", report.Deactivated).
		Int64("observations", report.Observations).
		Int64("alerts", report.Alerts).
		Int64("ledger", report.Ledger).
		Int64("monitor_queue", report.MonitorQueue).
		Msg("maintenance finished")
	return report, err
}
