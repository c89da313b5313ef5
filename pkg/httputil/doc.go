// Package httputil provides HTTP helpers shared by the registry resolver and
// the artifact fetcher.
//
// # Retry
//
// [Retry] wraps an operation with a bounded number of attempts. Only errors
// wrapped in [RetryableError] trigger another attempt:
//
//   - Network errors (connection refused, reset, per-attempt timeout)
//   - 5xx server errors
//
// Everything else (4xx, integrity failures, policy denials) is returned
// immediately. The delay doubles after each failed attempt:
//
//	err := httputil.Retry(ctx, 2, time.Second, func() error {
//	    return download(ctx)
//	})
//
// # Status classification
//
// [CheckStatus] maps an HTTP status code to nil, [ErrNotFound], or a
// retryable [ErrNetwork] so that every client in this module agrees on what
// is worth retrying.
package httputil
