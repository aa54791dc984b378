package metrics

import (
	"github.com/jackc/pgx/v5/pgxpool"
)

// RecordDBPoolMetrics updates connection pool gauges of the Postgres KV store.
func RecordDBPoolMetrics(pool *pgxpool.Pool) {
	stats := pool.Stat()

	states := map[string]int32{
		"in_use": stats.AcquiredConns(),
		"idle":   stats.IdleConns(),
		"total":  stats.TotalConns(),
		"max":    stats.MaxConns(),
	}
	for state, n := range states {
		DBPoolConnections.WithLabelValues(state).Set(float64(n))
	}
}
