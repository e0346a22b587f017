package health

import (
	"context"
	"database/sql"
	"time"

	"github.com/mbd888/consignguard/internal/circuitbreaker"
)

// DefaultTimeout bounds a single checker.
const DefaultTimeout = 2 * time.Second

// PingChecker reports name healthy when ping succeeds within DefaultTimeout.
func PingChecker(name string, ping func(ctx context.Context) error) Checker {
	return func(ctx context.Context) Status {
		ctx, cancel := context.WithTimeout(ctx, DefaultTimeout)
		defer cancel()
		if err := ping(ctx); err != nil {
			return Status{Name: name, Healthy: false, Detail: err.Error()}
		}
		return Status{Name: name, Healthy: true}
	}
}

// DBChecker pings a database and reports its pool usage.
func DBChecker(name string, db *sql.DB) Checker {
	ping := PingChecker(name, db.PingContext)
	return func(ctx context.Context) Status {
		st := ping(ctx)
		if st.Healthy {
			stats := db.Stats()
			if stats.MaxOpenConnections > 0 && stats.InUse >= stats.MaxOpenConnections {
				st.Detail = "connection pool exhausted"
			}
		}
		return st
	}
}

// BreakerChecker reports the state of a circuit breaker dependency.
func BreakerChecker(name string, b *circuitbreaker.Breaker, dependency string) Checker {
	return func(context.Context) Status {
		state := b.State(dependency)
		return Status{
			Name:    name,
			Healthy: state == circuitbreaker.StateClosed,
			Detail:  "circuit " + state.String(),
		}
	}
}
