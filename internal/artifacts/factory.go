package artifacts

import (
	"context"
	"log/slog"
	"sync"

	"github.com/plxctl/plx/internal/client"
	"github.com/plxctl/plx/internal/config"
	"github.com/plxctl/plx/internal/objectstore"
	"github.com/plxctl/plx/internal/types"
)

// Factory returns the Transfer bound to one run.
type Factory func(ctx context.Context, run *types.Run) (*Transfer, error)

// NewFactory picks the backend from cfg: the object store when
// artifacts.store.kind is s3, the streams API of the server otherwise. The
// object store connection is opened once and shared by every run.
func NewFactory(cfg *config.Config, api StreamsAPI, logger *slog.Logger) Factory {
	var (
		mu    sync.Mutex
		store *objectstore.Client
	)
	opts := Options{Workers: cfg.Workers(0), Logger: logger}

	return func(ctx context.Context, run *types.Run) (*Transfer, error) {
		if cfg.Artifacts.Store.Kind == config.StoreS3 {
			mu.Lock()
			defer mu.Unlock()
			if store == nil {
				s, err := objectstore.New(ctx, cfg.Artifacts.Store)
				if err != nil {
					return nil, err
				}
				store = s
			}
			return New(NewObjectStoreBackend(store, run.UUID), opts), nil
		}

		namespace := run.Namespace()
		if namespace == "" {
			namespace = cfg.Agent.Namespace
		}
		ref := client.RunRef{Namespace: namespace, Owner: run.Owner, Project: run.Project, UUID: run.UUID}
		return New(NewStreamsBackend(api, ref), opts), nil
	}
}
