package token

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Sweep deletes tokens that can no longer change state and were last
// touched before the retention window. Expiry itself is lazy; sweeping only
// reclaims space.
func (m *Manager) Sweep(ctx context.Context, retention time.Duration) (int, error) {
	cutoff := m.now().UTC().Add(-retention)
	n, err := m.store.DeleteBefore(ctx, cutoff)
	if err != nil {
		return 0, eris.Wrap(err, "token: sweep")
	}
	return n, nil
}

// RunSweeper calls Sweep every interval until ctx is done.
func (m *Manager) RunSweeper(ctx context.Context, interval, retention time.Duration) error {
	if interval <= 0 {
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := m.Sweep(ctx, retention)
			if err != nil {
				zap.L().Warn("token: sweep failed", zap.Error(err))
				continue
			}
			if n > 0 {
				zap.L().Info("token: swept tokens", zap.Int("deleted", n))
			}
		}
	}
}
