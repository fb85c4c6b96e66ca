package inbound

import "context"

// Repository is the persistence contract for inbounds and their effective
// user sets.
type Repository interface {
	GetByID(ctx context.Context, id uint) (*Inbound, error)
	GetByTag(ctx context.Context, tag string) (*Inbound, error)
	ListEnabled(ctx context.Context) ([]*Inbound, error)

	// EffectiveAccounts returns the flattened user set for an inbound:
	// direct user-inbound relations unioned with group-expanded relations,
	// deduplicated by user id with the direct relation winning, restricted
	// to active users, ordered by priority then user id.
	EffectiveAccounts(ctx context.Context, inboundID uint) ([]Account, error)
}
