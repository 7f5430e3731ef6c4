// Package httputil provides shared HTTP response/request utilities for
// the control-plane handlers.
//
// Handlers use these helpers instead of writing raw http.ResponseWriter
// calls so that JSON formatting, error envelopes, and logging stay
// consistent across all endpoints.
package httputil
