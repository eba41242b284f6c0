package metrics

import (
	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"
)

// RecordPostgresPool updates pool gauges for a pgx pool.
func RecordPostgresPool(pool *pgxpool.Pool) {
	stats := pool.Stat()

	PoolConnections.WithLabelValues("postgres", "in_use").Set(float64(stats.AcquiredConns()))
	PoolConnections.WithLabelValues("postgres", "idle").Set(float64(stats.IdleConns()))
	PoolConnections.WithLabelValues("postgres", "max").Set(float64(stats.MaxConns()))
}

// RecordRedisPool updates pool gauges for a go-redis client.
func RecordRedisPool(client goredis.UniversalClient) {
	stats := client.PoolStats()

	PoolConnections.WithLabelValues("redis", "total").Set(float64(stats.TotalConns))
	PoolConnections.WithLabelValues("redis", "idle").Set(float64(stats.IdleConns))
	PoolConnections.WithLabelValues("redis", "stale").Set(float64(stats.StaleConns))
}
