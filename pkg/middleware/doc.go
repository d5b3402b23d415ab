// Package middleware holds HTTP middleware for the authentication
// surface, chiefly rate limiting.
//
// The limiter runs in front of the request body parsers: a rejected
// request is answered 429 before any of its content is examined, so the
// discover/start/verify endpoints cannot be used for cheap enumeration
// or code guessing. Two Limiter implementations exist: an in-process
// token bucket for single-instance deployments and tests, and a
// Redis-backed fixed-window counter that shares the budget across
// replicas. Both fail open; the limiter's backend going down must not
// take logins down with it.
package middleware
