package selection

import (
	"context"
	"fmt"
)

// BlockReader lists users on either side of a block with userID.
type BlockReader interface {
	BlockedUserIDs(ctx context.Context, userID string) ([]string, error)
}

// RelationshipFilter computes the users that may never be paired with a sender.
type RelationshipFilter struct {
	blocks BlockReader
}

// NewRelationshipFilter builds a filter over blocks.
func NewRelationshipFilter(blocks BlockReader) *RelationshipFilter {
	return &RelationshipFilter{blocks: blocks}
}

// ExcludedIDs returns the set of users userID blocked or was blocked by.
func (f *RelationshipFilter) ExcludedIDs(ctx context.Context, userID string) (map[string]struct{}, error) {
	ids, err := f.blocks.BlockedUserIDs(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("excluded ids: %w", err)
	}
	out := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if id != "" && id != userID {
			out[id] = struct{}{}
		}
	}
	return out, nil
}
