// Package errors provides the error taxonomy shared by the chunk store, the
// hydration pipeline, the projector and the access-control resolver.
//
// # Classification
//
// Errors fall into three classes:
//
//   - Transient: blob store and connection failures; a caller may retry
//   - Invalid: malformed input, missing resources, denied access; never retried
//   - Fatal: broken configuration or corrupted state; stop processing
//
// # Domain Errors
//
// The boundary errors are sentinel values matched with errors.Is:
//
//	ErrEmptyPayload      payload absent or empty                 400
//	ErrUnsupportedShape  payload cannot be classified            400
//	ErrInvalidID         malformed identifier                    400
//	ErrPermission        caller lacks the role or permission     403
//	ErrNotFound          chunk, transaction or channel missing   404
//	ErrStorage           blob store failure                      500
//
// HTTPStatus performs that mapping for the REST surface.
//
// # Error Wrapping Pattern
//
// All error wrapping follows the standardized format:
//
//	"component.method: action failed: %w"
//
// Classification-aware wrappers:
//
//	errors.WrapTransient(err, "Component", "Method", "action")
//	errors.WrapInvalid(err, "Component", "Method", "action")
//	errors.WrapFatal(err, "Component", "Method", "action")
//
// Storage wraps a backend failure so that it matches ErrStorage while the
// original cause stays reachable through errors.Is and errors.As:
//
//	if _, err := backend.Put(ctx, key, data, meta); err != nil {
//	    return errors.Storage(err, "ChunkStore", "Store", "upload payload")
//	}
//
// # Retry
//
// RetryConfig converts into a retry.Config whose Retryable predicate is
// IsTransient, so validation, lookup and permission errors fail fast.
package errors
