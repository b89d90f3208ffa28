package service

import (
	"context"
	"errors"

	"github.com/rickgao/marketfeed/internal/universe"
)

// retryFailed re-drives Failed keys.
func (s *Service) retryFailed(ctx context.Context) error {
	res, err := s.coordinator.RetryFailed(ctx)
	if res.Requested > 0 {
		s.logger.Info("retried failed subscriptions",
			"requested", res.Requested,
			"succeeded", res.Succeeded,
			"failed", res.Failed,
			"deferred", res.Deferred,
		)
	}
	return err
}

// refreshUniverse reloads the source and applies what changed. A change that is not fully
// applied is not committed, so the next refresh offers it again.
func (s *Service) refreshUniverse(ctx context.Context) error {
	_, err := s.registry.Sync(ctx, s.apply)
	return err
}

// apply unsubscribes removed keys first so their capacity is free for added keys.
func (s *Service) apply(ctx context.Context, diff universe.Diff) error {
	var errs []error

	if len(diff.Removed) > 0 {
		if _, err := s.coordinator.Unsubscribe(ctx, diff.Removed); err != nil {
			errs = append(errs, err)
		}
		s.latest.Remove(diff.Removed...)
		if s.redis != nil {
			if err := s.redis.Remove(ctx, diff.Removed...); err != nil {
				errs = append(errs, err)
			}
		}
	}

	if len(diff.Added) > 0 {
		res, err := s.coordinator.Subscribe(ctx, s.mode, diff.Added)
		if err != nil {
			errs = append(errs, err)
		}
		s.logger.Info("universe subscribed",
			"added", len(diff.Added),
			"succeeded", res.Succeeded,
			"deferred", res.Deferred,
			"failed", res.Failed,
		)
	}

	return errors.Join(errs...)
}
