// Package retry provides exponential backoff for blob store calls and startup
// dependencies.
//
// Do runs a function until it succeeds, the attempts run out, the context is
// cancelled, or the error is rejected by Config.Retryable:
//
//	ref, err := retry.DoWithResult(ctx, cfg, func() (int64, error) {
//	    return backend.Put(ctx, key, data, meta)
//	})
//
// Errors wrapped with NonRetryable are never repeated regardless of the
// predicate. The last error stays reachable through errors.Is and errors.As.
package retry
