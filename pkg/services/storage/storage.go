// Package storage runs the agent's local pebble database as a module, so
// everything that persists session state shares one store and its lifetime.
package storage

import (
	"context"
	"log/slog"

	"github.com/cockroachdb/pebble/v2"
	"github.com/grafana/dskit/services"

	"github.com/otelfleet/fleetlink/pkg/storage"
	fleetpebble "github.com/otelfleet/fleetlink/pkg/storage/pebble"
)

type StorageService struct {
	logger *slog.Logger
	db     *pebble.DB
	broker storage.KVBroker

	services.Service
	storagePath string
}

var _ services.Service = (*StorageService)(nil)
var _ storage.KVBroker = (*StorageService)(nil)

func NewStorageService(
	logger *slog.Logger,
	storagePath string,
) (*StorageService, error) {
	kvDb, err := pebble.Open(
		storagePath,
		&pebble.Options{},
	)
	if err != nil {
		logger.With("err", err, "path", storagePath).Error("failed to open the session database")
		return nil, err
	}
	s := &StorageService{
		logger:      logger,
		storagePath: storagePath,
		db:          kvDb,
		broker:      fleetpebble.NewKVBroker(kvDb),
	}

	s.Service = services.NewBasicService(nil, s.running, s.stopping)
	return s, nil
}

func (s *StorageService) running(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func (s *StorageService) stopping(_ error) error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *StorageService) KeyValue(prefix string) storage.KV {
	return s.broker.KeyValue(prefix)
}
