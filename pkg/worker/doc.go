// Package worker provides a generic bounded worker pool.
//
// The pool backs background work that must not hold up a request, such as
// reclaiming the stored bodies of deleted transactions:
//
//	pool := worker.NewPool(4, 256, func(ctx context.Context, ref chunkstore.Reference) error {
//	    return store.Delete(ctx, ref)
//	}, worker.WithMetricsRegistry[chunkstore.Reference](registry, "reclaimer"))
//
//	if err := pool.Start(ctx); err != nil {
//	    return err
//	}
//	defer pool.Stop(5 * time.Second)
//
// Submit never blocks: a full queue returns ErrQueueFull and counts the item
// as dropped. Stop closes the queue and waits for queued items to finish.
package worker
