// Package fanout replicates one inbound signal across every eligible tenant.
// Each tenant runs as an isolated pool job with its own deadline; one
// tenant's failure never touches another's execution.
package fanout

import (
	"context"
	"sync"
	"time"

	"signalbridge/internal/core"
	"signalbridge/internal/engine"
	"signalbridge/internal/telemetry"
	"signalbridge/internal/tenant"
	"signalbridge/pkg/concurrency"
)

// TenantEntry is one tenant's dispatch eligibility
type TenantEntry struct {
	ID               string
	Enabled          bool
	AutoTradeEnabled bool
	Credentials      tenant.Credentials
}

// Broadcaster dispatches signals to tenants through a bounded worker pool
type Broadcaster struct {
	engine     *engine.Engine
	pool       *concurrency.WorkerPool
	tenants    func() []TenantEntry
	jobTimeout time.Duration
	logger     core.ILogger
}

// NewBroadcaster creates a broadcaster over the given tenant roster.
// tenants is called per broadcast so roster changes take effect without a
// restart.
func NewBroadcaster(eng *engine.Engine, pool *concurrency.WorkerPool, tenants func() []TenantEntry,
	jobTimeout time.Duration, logger core.ILogger) *Broadcaster {
	if jobTimeout <= 0 {
		jobTimeout = 30 * time.Second
	}
	return &Broadcaster{
		engine:     eng,
		pool:       pool,
		tenants:    tenants,
		jobTimeout: jobTimeout,
		logger:     logger.WithField("component", "fanout"),
	}
}

// Summary aggregates the per-tenant outcomes of one broadcast
type Summary struct {
	Executed  int `json:"executed"`
	Rejected  int `json:"rejected"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
	Skipped   int `json:"skipped"`
}

// Broadcast fans the signal out to every eligible tenant and waits for all
// tenant jobs to finish, returning their aggregated outcomes.
func (b *Broadcaster) Broadcast(sig *core.TradeSignal) Summary {
	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		summary Summary
	)

	for _, entry := range b.tenants() {
		if !entry.Enabled || !entry.AutoTradeEnabled {
			summary.Skipped++
			continue
		}
		if entry.Credentials.APIKey == "" || entry.Credentials.SecretKey == "" {
			b.logger.Warn("Tenant has no credentials, skipping", "tenant", entry.ID)
			summary.Skipped++
			continue
		}

		entry := entry
		jobSig := copySignal(sig)

		wg.Add(1)
		err := b.pool.Submit(func() {
			defer wg.Done()

			// The job binds its own identity and deadline; nothing from the
			// inbound request context leaks into tenant execution.
			jctx, cancel := context.WithTimeout(context.Background(), b.jobTimeout)
			defer cancel()
			jctx = tenant.WithID(jctx, entry.ID)
			jctx = tenant.WithCredentials(jctx, entry.Credentials)

			res := b.engine.Execute(jctx, jobSig)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case jctx.Err() != nil:
				telemetry.FanoutJobs.WithLabelValues("cancelled").Inc()
				b.logger.Warn("Tenant execution ran out of time", "tenant", entry.ID, "reason", res.Reason)
				summary.Cancelled++
			case res.Status == core.ExecutionExecuted:
				telemetry.FanoutJobs.WithLabelValues("executed").Inc()
				summary.Executed++
			case res.Status == core.ExecutionFailed:
				telemetry.FanoutJobs.WithLabelValues("failed").Inc()
				b.logger.Error("Tenant execution failed", "tenant", entry.ID, "reason", res.Reason)
				summary.Failed++
			default:
				telemetry.FanoutJobs.WithLabelValues("rejected").Inc()
				summary.Rejected++
			}
		})
		if err != nil {
			wg.Done()
			b.logger.Error("Fanout pool rejected job", "tenant", entry.ID, "error", err)
			telemetry.FanoutJobs.WithLabelValues("queue_full").Inc()
			summary.Failed++
		}
	}

	wg.Wait()
	return summary
}

// Stop drains the pool
func (b *Broadcaster) Stop() {
	b.pool.Stop()
}

// copySignal hands each tenant job its own signal value: the engine infers
// missing fields in place and tenants must not observe each other's writes
func copySignal(sig *core.TradeSignal) *core.TradeSignal {
	cp := *sig
	if len(sig.TakeProfits) > 0 {
		cp.TakeProfits = append(cp.TakeProfits[:0:0], sig.TakeProfits...)
	}
	if sig.Source != nil {
		src := *sig.Source
		cp.Source = &src
	}
	return &cp
}
