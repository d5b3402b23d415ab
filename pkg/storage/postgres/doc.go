// Package postgres manages the service's datastore connections: a
// PostgreSQL primary with optional read replicas, and the Redis client
// backing sessions, replay guards, and rate limits.
//
// Reads that tolerate replication lag (discovery lookups, configuration
// listings) go to replicas round-robin; everything in the login hot path
// that must observe its own writes uses the primary.
package postgres
