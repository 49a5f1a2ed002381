// Package httputil provides shared HTTP response/request utilities for
// handlers.
//
// Every handler file should use these helpers instead of writing raw
// http.ResponseWriter calls. This keeps JSON formatting, error envelopes,
// and pipeline error-code mapping consistent across all endpoints.
package httputil
