package failover

import (
	"context"

	"github.com/outofforest/logger"
	"github.com/outofforest/parallel"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/outofforest/failover/manager"
	"github.com/outofforest/failover/nodes"
	"github.com/outofforest/failover/partition"
	"github.com/outofforest/failover/processor"
	"github.com/outofforest/failover/store"
	"github.com/outofforest/failover/types"
)

// Collaborators are the external components the failover manager talks to.
type Collaborators struct {
	// Registry defaults to the empty node registry.
	Registry *nodes.Registry
	Ranker   types.PromotionRanker
	Sender   manager.Sender
	Catalog  processor.ServiceCatalog
}

// Run runs failover manager processing events received from intake channel.
// It exits when intake channel is closed.
func Run(ctx context.Context, config types.Config, c Collaborators, intake <-chan any) error {
	s, err := openStore(config.StateDir)
	if err != nil {
		return err
	}
	defer func() {
		if err := s.Close(); err != nil {
			logger.Get(ctx).Error("Closing store failed", zap.Error(err))
		}
	}()

	registry := c.Registry
	if registry == nil {
		registry = nodes.New()
	}

	m, err := manager.New(config, manager.Collaborators{
		Store:    s,
		Registry: registry,
		Ranker:   c.Ranker,
		Sender:   c.Sender,
		Catalog:  c.Catalog,
	})
	if err != nil {
		return err
	}

	return parallel.Run(ctx, func(ctx context.Context, spawn parallel.SpawnFn) error {
		spawn("manager", parallel.Fail, m.Run)
		spawn("intake", parallel.Exit, func(ctx context.Context) error {
			log := logger.Get(ctx)
			for {
				select {
				case <-ctx.Done():
					return errors.WithStack(ctx.Err())
				case event, ok := <-intake:
					if !ok {
						return nil
					}
					if err := m.Submit(ctx, event); err != nil {
						if ctx.Err() != nil {
							return errors.WithStack(ctx.Err())
						}
						log.Error("Event rejected", zap.Error(err))
					}
				}
			}
		})
		return nil
	})
}

func openStore(dir string) (*store.Store, error) {
	if dir == "" {
		return store.New(partition.NewMarshaller()), nil
	}
	return store.Open(dir, partition.NewMarshaller())
}
