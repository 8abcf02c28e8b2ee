package swarm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/mtzanidakis/swarmcrew/internal/config"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// RegisterNodes registers the configured nodes concurrently. Nodes that cannot be
// reached yet are retried with backoff until they answer or ctx is done; a node that
// refuses the registration is not retried. The returned error joins every node that
// ended up unregistered.
func (m *Manager) RegisterNodes(ctx context.Context, entries []config.NodeEntry) error {
	cfg := m.config()
	errs := make([]error, len(entries))

	var g errgroup.Group
	for i, n := range entries {
		g.Go(func() error {
			bo := backoff.NewExponentialBackOff()
			if cfg.RetryBackoff > 0 {
				bo.InitialInterval = cfg.RetryBackoff
				bo.MaxInterval = max(cfg.MaxBackoff, cfg.RetryBackoff)
			}

			_, err := backoff.Retry(ctx, func() (Node, error) {
				node, err := m.RegisterNode(ctx, n.ID, n.Address, n.Agents)
				if err != nil && refused(err) {
					return node, backoff.Permanent(err)
				}
				return node, err
			},
				backoff.WithBackOff(bo),
				backoff.WithMaxElapsedTime(0),
				backoff.WithNotify(func(err error, next time.Duration) {
					m.logger.Warn("node not reachable, retrying registration", "node", n.ID, "address", n.Address, "retry_in", next, "error", err)
				}),
			)
			if err != nil {
				errs[i] = fmt.Errorf("node %s: %w", n.ID, err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// refused reports whether the node answered and rejected the registration, as
// opposed to not answering at all.
func refused(err error) bool {
	if errors.Is(err, ErrRegistrationRejected) {
		return true
	}
	var se interface{ GRPCStatus() *status.Status }
	if !errors.As(err, &se) {
		return false
	}
	switch se.GRPCStatus().Code() {
	case codes.InvalidArgument, codes.FailedPrecondition, codes.Unimplemented:
		return true
	}
	return false
}

// ApplyNodes brings the registry in line with a reloaded node list: removed nodes are
// dropped, added and changed nodes are (re)registered.
func (m *Manager) ApplyNodes(ctx context.Context, d config.ConfigDiff) error {
	var errs []error
	for _, id := range d.NodesRemoved {
		if err := m.RemoveNode(ctx, id); err != nil && !errors.Is(err, ErrUnknownNode) {
			errs = append(errs, err)
		}
	}
	entries := append(append([]config.NodeEntry(nil), d.NodesAdded...), d.NodesChanged...)
	if len(entries) > 0 {
		if err := m.RegisterNodes(ctx, entries); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
