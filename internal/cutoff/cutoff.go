// Package cutoff discovers the earliest timestamp with usable historical
// market data by binary-searching over trial executions.
package cutoff

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/iamcos/labrunner/internal/execution"
	"github.com/iamcos/labrunner/internal/telemetry"
)

// DefaultProbeBudget bounds the number of trial executions per discovery.
// A 2-year window converges within 11 halvings, so 10 probes land within a
// day or two of the true cutoff.
const DefaultProbeBudget = 10

// ProbeFunc reports whether data is usable at ts. An error counts as "no
// data" so discovery always terminates within its budget.
type ProbeFunc func(ctx context.Context, ts time.Time) (bool, error)

// Discovery runs the search.
type Discovery struct {
	probe  ProbeFunc
	budget int
	log    *zap.Logger
}

// New builds a discovery with the given probe and attempt budget.
func New(probe ProbeFunc, budget int, log *zap.Logger) *Discovery {
	if budget <= 0 {
		budget = DefaultProbeBudget
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Discovery{probe: probe, budget: budget, log: log.Named("cutoff")}
}

// Find binary-searches [earliest, latest] and returns the discovered cutoff
// plus the number of probes spent. The invariant throughout: earliest is
// known to have data (or is the assumed floor), latest is known or assumed
// not to. Callers add a one-day safety margin before using the result as a
// backtest start boundary.
func (d *Discovery) Find(ctx context.Context, earliest, latest time.Time) (time.Time, int, error) {
	attempts := 0
	for latest.Sub(earliest) > 24*time.Hour && attempts < d.budget {
		if err := ctx.Err(); err != nil {
			return earliest, attempts, err
		}
		mid := earliest.Add(latest.Sub(earliest) / 2)
		attempts++
		telemetry.CutoffProbes.Inc()

		ok, err := d.probe(ctx, mid)
		if err != nil {
			// Conservative: an unprobeable midpoint moves the upper bound
			// down, shrinking the claimed window instead of growing it.
			d.log.Warn("probe errored, assuming no data",
				zap.Time("midpoint", mid), zap.Error(err))
			ok = false
		}
		if ok {
			earliest = mid
		} else {
			latest = mid
		}
		d.log.Debug("probe",
			zap.Time("midpoint", mid),
			zap.Bool("has_data", ok),
			zap.Int("attempt", attempts))
	}
	return earliest, attempts, nil
}

// ExecutionProbe builds a ProbeFunc that issues a minimal 1-hour trial run
// and interprets acceptance as "data available". Accepted trials are
// cancelled immediately; they exist only to test the window.
func ExecutionProbe(svc execution.Service, server, scriptID, market, accountID string) ProbeFunc {
	return func(ctx context.Context, ts time.Time) (bool, error) {
		h, err := svc.Start(ctx, execution.RunSpec{
			Server:    server,
			ScriptID:  scriptID,
			Market:    market,
			AccountID: accountID,
			Start:     ts,
			End:       ts.Add(time.Hour),
		})
		if err != nil {
			var rejected *execution.RunFailure
			if errors.As(err, &rejected) {
				return false, nil
			}
			return false, err
		}
		_ = svc.Cancel(ctx, h)
		return true, nil
	}
}
