// Package httputil provides HTTP handler utilities for consistent error
// handling, JSON encoding/decoding, and request parsing.
//
// All success responses use a data envelope:
//
//	{"data": {...}}
//
// and all error responses use an error envelope:
//
//	{"error": "message"}
//
// so API clients can switch on the presence of "data" without inspecting
// status codes.
package httputil
