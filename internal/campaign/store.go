package campaign

import (
	"context"
	"errors"
)

var (
	ErrNotFound        = errors.New("campaign: not found")
	ErrInvalidArgument = errors.New("campaign: invalid argument")
)

// Store is the persistence contract for campaigns and their jobs.
// Assumed strongly consistent per campaign; the service serializes writers
// per campaign, so implementations do not need their own row locking beyond
// transactional saves.
type Store interface {
	Create(ctx context.Context, c *Campaign) error
	Get(ctx context.Context, id string) (*Campaign, error)
	// Save persists the campaign row and all of its job rows atomically.
	Save(ctx context.Context, c *Campaign) error
	// ListActive returns ids of campaigns in processing status, for the
	// dispatcher sweep and boot recovery.
	ListActive(ctx context.Context) ([]string, error)
}
