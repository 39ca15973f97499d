package monitor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"hotel-price-watch/internal/detector"
	"hotel-price-watch/internal/model"
	"hotel-price-watch/internal/pricesource"
)

const (
	maxFailureBackoff  = 6 * time.Hour
	permanentRetryWait = 24 * time.Hour
)

// CycleStats summarises one price-check cycle.
type CycleStats struct {
	RunID           string        `json:"run_id"`
	TargetsChecked  int           `json:"targets_checked"`
	Processed       int           `json:"processed"`
	Skipped         int           `json:"skipped"`
	Replays         int           `json:"replays"`
	AlertsSent      int           `json:"alerts_sent"`
	AlertsThrottled int           `json:"alerts_throttled"`
	AlertsFailed    int           `json:"alerts_failed"`
	Errors          int           `json:"errors"`
	Started         time.Time     `json:"started"`
	Duration        time.Duration `json:"duration"`
}

// AlertOutcome is what happened to one evaluated alert.
type AlertOutcome struct {
	AlertID     uuid.UUID            `json:"alert_id"`
	WatchItemID int64                `json:"watch_item_id"`
	UserID      string               `json:"user_id"`
	Type        model.AlertType      `json:"type"`
	Status      model.DeliveryStatus `json:"status"`
	Error       string               `json:"error,omitempty"`
}

// TargetResult is the outcome of polling one target.
type TargetResult struct {
	Target      model.Target           `json:"-"`
	Observation *model.Observation     `json:"-"`
	Change      *detector.ChangeResult `json:"-"`
	Inserted    bool                   `json:"inserted"`
	Items       int                    `json:"items"`
	Alerts      []AlertOutcome         `json:"alerts"`
	Errors      int                    `json:"errors"`
	Err         error                  `json:"-"`
}

// targetGroup is every active watch item sharing one target.
type targetGroup struct {
	target model.Target
	items  []model.WatchItem
	queue  *model.MonitorQueueEntry
}

func (o *Orchestrator) runCycle(ctx context.Context) (CycleStats, error) {
	stats := CycleStats{RunID: newRunID(), Started: o.now().UTC()}
	log := o.logger.With().Str("run_id", stats.RunID).Logger()

	unlock, proceed, err := o.acquireLock(ctx)
	if err != nil {
		o.finishCycle(&stats, err, log)
		return stats, err
	}
	if !proceed {
		log.Debug().Msg("skip cycle because advisory lock held elsewhere")
		return stats, nil
	}
	if unlock != nil {
		defer unlock()
	}

	items, err := o.deps.Repo.ListActiveWatchItems(ctx)
	if err != nil {
		err = fmt.Errorf("list watch items: %w", err)
		o.finishCycle(&stats, err, log)
		o.notifyOps(ctx, JobCycle, "price-check cycle aborted", err.Error())
		return stats, err
	}

	queue, err := o.deps.Repo.ListQueueEntries(ctx)
	if err != nil {
		log.Error().Err(err).Msg("list monitor queue failed, polling every target")
	}

	now := o.now()
	var eligible []targetGroup
	for _, g := range groupByTarget(items, queue) {
		if !g.queue.Eligible(now) {
			stats.Skipped++
			log.Debug().Str("target", g.target.String()).Time("next_check_at", g.queue.NextCheckAt).Msg("target backing off")
			continue
		}
		eligible = append(eligible, g)
	}
	log.Info().Int("items", len(items)).Int("targets", len(eligible)).Int("skipped", stats.Skipped).Msg("cycle started")

	for start := 0; start < len(eligible); start += o.opts.BatchSize {
		end := min(start+o.opts.BatchSize, len(eligible))
		batch := eligible[start:end]

		results := make([]TargetResult, len(batch))
		var g errgroup.Group
		for i := range batch {
			g.Go(func() error {
				results[i] = o.safeProcess(ctx, batch[i], log)
				return nil
			})
		}
		_ = g.Wait()

		for _, r := range results {
			stats.add(r)
		}

		if end < len(eligible) && o.opts.BatchDelay > 0 {
			if err := sleepContext(ctx, o.opts.BatchDelay); err != nil {
				o.finishCycle(&stats, err, log)
				return stats, err
			}
		}
	}

	o.finishCycle(&stats, nil, log)
	return stats, nil
}

func (s *CycleStats) add(r TargetResult) {
	if r.Observation != nil || r.Errors > 0 {
		s.TargetsChecked++
	}
	if r.Observation != nil && !r.Inserted && r.Err == nil {
		s.Replays++
	}
	s.Processed += r.Items
	s.Errors += r.Errors
	for _, a := range r.Alerts {
		switch a.Status {
		case model.StatusSent:
			s.AlertsSent++
		case model.StatusThrottled:
			s.AlertsThrottled++
		case model.StatusFailed:
			s.AlertsFailed++
		}
	}
}

func (o *Orchestrator) finishCycle(stats *CycleStats, err error, log zerolog.Logger) {
	finished := o.now()
	stats.Duration = finished.Sub(stats.Started)
	o.deps.Metrics.CycleFinished(err != nil, stats.Duration, finished)

	o.mu.Lock()
	snapshot := *stats
	o.lastCycle = &snapshot
	o.lastErr = ""
	if err != nil {
		o.lastErr = err.Error()
	}
	o.mu.Unlock()

	event := log.Info()
	if err != nil {
		event = log.Error().Err(err)
	}
	event.
		Int("targets_checked", stats.TargetsChecked).
		Int("processed", stats.Processed).
		Int("skipped", stats.Skipped).
		Int("replays", stats.Replays).
		Int("alerts_sent", stats.AlertsSent).
		Int("alerts_throttled", stats.AlertsThrottled).
		Int("alerts_failed", stats.AlertsFailed).
		Int("errors", stats.Errors).
		Dur("duration", stats.Duration).
		Msg("cycle finished")
}

// CheckTarget polls one target now, outside the cycle. Active watch items on
// the target are evaluated and notified as in a cycle.
func (o *Orchestrator) CheckTarget(ctx context.Context, target model.Target) (TargetResult, error) {
	if err := target.Validate(); err != nil {
		return TargetResult{}, err
	}
	if o.stopping.Load() {
		return TargetResult{}, ErrStopping
	}

	items, err := o.deps.Repo.ListActiveWatchItems(ctx)
	if err != nil {
		return TargetResult{}, fmt.Errorf("list watch items: %w", err)
	}
	queue, err := o.deps.Repo.ListQueueEntries(ctx)
	if err != nil {
		o.logger.Warn().Err(err).Msg("list monitor queue failed")
	}

	group := targetGroup{target: target}
	for _, g := range groupByTarget(items, queue) {
		if g.target.Key() == target.Key() {
			group = g
			break
		}
	}
	if group.queue == nil {
		for i := range queue {
			if queue[i].Target.Key() == target.Key() {
				group.queue = &queue[i]
				break
			}
		}
	}

	res := o.safeProcess(ctx, group, o.logger.With().Str("run_id", "manual").Logger())
	return res, res.Err
}

func (o *Orchestrator) safeProcess(ctx context.Context, g targetGroup, log zerolog.Logger) (res TargetResult) {
	defer func() {
		if r := recover(); r != nil {
			res.Target = g.target
			res.Errors++
			res.Err = fmt.Errorf("panic processing %s: %v", g.target, r)
			log.Error().Str("target", g.target.String()).Interface("panic", r).Msg("target processing panicked")
		}
	}()
	return o.processTarget(ctx, g, log)
}

func (o *Orchestrator) processTarget(ctx context.Context, g targetGroup, log zerolog.Logger) TargetResult {
	res := TargetResult{Target: g.target}
	log = log.With().Str("target", g.target.String()).Logger()

	started := o.now()
	obs, err := o.deps.Fetcher.Fetch(ctx, g.target)
	if err != nil {
		o.deps.Metrics.Fetched(string(pricesource.KindOf(err)), o.now().Sub(started))
		res.Errors++
		res.Err = err
		o.recordFailure(ctx, g, err, log)
		return res
	}
	o.deps.Metrics.Fetched("", o.now().Sub(started))
	res.Observation = &obs

	inserted, err := o.deps.Repo.InsertObservation(ctx, obs)
	if err != nil {
		res.Errors++
		res.Err = fmt.Errorf("%w: insert observation: %w", ErrPersistence, err)
		log.Error().Err(err).Msg("store observation failed, evaluation abandoned")
		return res
	}
	o.deps.Metrics.Observation(inserted)
	if !inserted {
		log.Debug().Time("observed_at", obs.ObservedAt).Msg("observation already recorded")
		return res
	}
	res.Inserted = true

	if g.queue != nil {
		if err := o.deps.Repo.ClearQueueEntry(ctx, g.target); err != nil {
			log.Warn().Err(err).Msg("clear monitor queue entry failed")
		}
	}

	prev, err := o.deps.Repo.LatestObservationBefore(ctx, g.target, obs.ObservedAt)
	if err != nil {
		res.Errors++
		res.Err = fmt.Errorf("%w: load previous observation: %w", ErrPersistence, err)
		log.Error().Err(err).Msg("load previous observation failed, evaluation abandoned")
		return res
	}

	change := detector.Detect(prev, obs)
	res.Change = &change
	if change.HasChange {
		log.Info().
			Str("price", obs.Price.String()).
			Str("delta", change.PriceDelta.String()).
			Str("transition", string(change.Transition)).
			Msg("change detected")
	}

	checkedAt := o.now().UTC()
	for _, item := range g.items {
		if err := ctx.Err(); err != nil {
			res.Errors++
			res.Err = err
			return res
		}
		if err := o.deps.Repo.MarkWatchItemChecked(ctx, item.ID, checkedAt); err != nil {
			log.Warn().Err(err).Int64("watch_item_id", item.ID).Msg("mark checked failed")
		}
		res.Items++

		for _, alert := range o.deps.Evaluator.Evaluate(item, obs, change) {
			outcome := o.deliver(ctx, item, obs, alert, log)
			if outcome.Error != "" {
				res.Errors++
			}
			res.Alerts = append(res.Alerts, outcome)
		}
	}
	return res
}

// deliver runs the throttle check, alert insert, dispatch and ledger write
// for one alert while holding the user's lock.
func (o *Orchestrator) deliver(ctx context.Context, item model.WatchItem, obs model.Observation, alert model.Alert, log zerolog.Logger) AlertOutcome {
	alert.ID = uuid.New()
	alert.CreatedAt = o.now().UTC()
	out := AlertOutcome{AlertID: alert.ID, WatchItemID: item.ID, UserID: item.UserID, Type: alert.Type}
	log = log.With().Str("user_id", item.UserID).Str("type", string(alert.Type)).Logger()

	unlock := o.deps.Throttle.Lock(item.UserID)
	defer unlock()

	allowed, err := o.deps.Throttle.MayNotify(ctx, item.UserID)
	if err != nil {
		out.Status = model.StatusPending
		out.Error = fmt.Errorf("%w: %w", ErrPersistence, err).Error()
		log.Error().Err(err).Msg("throttle check failed, alert dropped for this poll")
		return out
	}

	if !allowed {
		alert.Status = model.StatusThrottled
		msg := fmt.Sprintf("daily cap of %d reached", o.deps.Throttle.Cap())
		alert.Error = &msg
		out.Status = model.StatusThrottled
		if _, err := o.deps.Repo.InsertAlert(ctx, alert); err != nil {
			out.Error = err.Error()
			log.Error().Err(err).Msg("store throttled alert failed")
		}
		o.deps.Metrics.Alert(string(alert.Type), string(model.StatusThrottled))
		log.Info().Msg("alert throttled")
		return out
	}

	alert.Status = model.StatusPending
	inserted, err := o.deps.Repo.InsertAlert(ctx, alert)
	if err != nil {
		out.Status = model.StatusPending
		out.Error = fmt.Errorf("%w: insert alert: %w", ErrPersistence, err).Error()
		log.Error().Err(err).Msg("store alert failed, not sending")
		return out
	}
	if !inserted {
		out.Status = model.StatusPending
		log.Debug().Msg("alert already recorded for this observation")
		return out
	}

	result := o.deps.Dispatcher.Send(ctx, alert, item, obs)
	out.Status = result.Status
	if result.Err != nil {
		out.Error = result.Err.Error()
	}
	o.deps.Metrics.Alert(string(alert.Type), string(result.Status))
	return out
}

// recordFailure pushes the target's next eligible check out.
func (o *Orchestrator) recordFailure(ctx context.Context, g targetGroup, cause error, log zerolog.Logger) {
	now := o.now().UTC()
	count := 1
	if g.queue != nil {
		count = g.queue.ErrorCount + 1
	}

	status := model.QueuePending
	wait := time.Duration(count) * o.opts.Interval
	if wait > maxFailureBackoff {
		wait = maxFailureBackoff
	}
	if pricesource.IsPermanent(cause) {
		status = model.QueueFailed
		wait = permanentRetryWait
	}

	entry := model.MonitorQueueEntry{
		Target:      g.target,
		Status:      status,
		ErrorCount:  count,
		LastError:   cause.Error(),
		NextCheckAt: now.Add(wait),
		UpdatedAt:   now,
	}
	if err := o.deps.Repo.UpsertQueueEntry(ctx, entry); err != nil {
		log.Error().Err(err).Msg("record monitor queue failure failed")
	}

	var f *pricesource.Failure
	event := log.Warn().Err(cause).Int("error_count", count).Time("next_check_at", entry.NextCheckAt)
	if errors.As(cause, &f) {
		event = event.Str("kind", string(f.Kind)).Int("attempts", f.Attempts)
	}
	event.Msg("fetch failed")
}

func groupByTarget(items []model.WatchItem, queue []model.MonitorQueueEntry) []targetGroup {
	byKey := make(map[string]*targetGroup)
	var keys []string
	for _, item := range items {
		key := item.Target.Key()
		g, ok := byKey[key]
		if !ok {
			g = &targetGroup{target: item.Target}
			byKey[key] = g
			keys = append(keys, key)
		}
		g.items = append(g.items, item)
	}
	for i := range queue {
		if g, ok := byKey[queue[i].Target.Key()]; ok {
			entry := queue[i]
			g.queue = &entry
		}
	}

	sort.Strings(keys)
	out := make([]targetGroup, 0, len(keys))
	for _, k := range keys {
		out = append(out, *byKey[k])
	}
	return out
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
