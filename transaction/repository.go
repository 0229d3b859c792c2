package transaction

import "context"

// DefaultLimit is the page size used when a Filter has none
const DefaultLimit = 100

// Filter selects transactions for List
type Filter struct {
	// ChannelIDs restricts results to these channels. Nil matches every
	// channel; an empty non-nil slice matches none.
	ChannelIDs []string
	ClientID   string
	Status     string
	Page       int
	Limit      int
}

// Offset returns the number of rows skipped for the page
func (f Filter) Offset() int {
	if f.Page <= 0 {
		return 0
	}
	return f.Page * f.PageSize()
}

// PageSize returns Limit or DefaultLimit
func (f Filter) PageSize() int {
	if f.Limit <= 0 {
		return DefaultLimit
	}
	return f.Limit
}

// Restricted reports whether the filter can match nothing
func (f Filter) Restricted() bool {
	return f.ChannelIDs != nil && len(f.ChannelIDs) == 0
}

// Repository stores transactions. Get and Delete return errors.ErrNotFound
// for unknown ids. List orders by request timestamp, newest first.
type Repository interface {
	Get(ctx context.Context, id string) (*Transaction, error)
	List(ctx context.Context, filter Filter) ([]*Transaction, error)
	Create(ctx context.Context, tx *Transaction) error
	Delete(ctx context.Context, id string) error
}
