package storage

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/open-telemetry/opamp-go/protobufs"
)

const (
	sessionPrefix = "session"

	keyInstanceUid  = "instance-uid"
	keySequence     = "last-sequence"
	keyRemoteConfig = "remote-config-status"
	keyPackages     = "package-statuses"
)

// SessionStore persists the identity and counters a session resumes from
// after a process restart: the instance uid, the last outbound sequence
// number, and the last reported config and package statuses.
type SessionStore struct {
	kv       KV
	remote   KeyValue[*protobufs.RemoteConfigStatus]
	packages KeyValue[*protobufs.PackageStatuses]
}

func NewSessionStore(logger *slog.Logger, broker KVBroker) *SessionStore {
	kv := broker.KeyValue(sessionPrefix)
	return &SessionStore{
		kv:       kv,
		remote:   NewProtoKV[*protobufs.RemoteConfigStatus](logger, kv),
		packages: NewProtoKV[*protobufs.PackageStatuses](logger, kv),
	}
}

func (s *SessionStore) InstanceUid(ctx context.Context) (uuid.UUID, error) {
	raw, err := s.kv.Get(ctx, keyInstanceUid)
	if err != nil {
		return uuid.Nil, err
	}
	id, err := uuid.FromBytes(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("stored instance uid is invalid: %w", err)
	}
	return id, nil
}

func (s *SessionStore) SetInstanceUid(ctx context.Context, id uuid.UUID) error {
	return s.kv.Put(ctx, keyInstanceUid, id[:])
}

func (s *SessionStore) LastSequence(ctx context.Context) (uint64, error) {
	raw, err := s.kv.Get(ctx, keySequence)
	if err != nil {
		return 0, err
	}
	if len(raw) != 8 {
		return 0, fmt.Errorf("stored sequence number has %d bytes", len(raw))
	}
	return binary.BigEndian.Uint64(raw), nil
}

func (s *SessionStore) SetLastSequence(ctx context.Context, seq uint64) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, seq)
	return s.kv.Put(ctx, keySequence, buf)
}

func (s *SessionStore) RemoteConfigStatus(ctx context.Context) (*protobufs.RemoteConfigStatus, error) {
	return s.remote.Get(ctx, keyRemoteConfig)
}

func (s *SessionStore) SetRemoteConfigStatus(ctx context.Context, status *protobufs.RemoteConfigStatus) error {
	return s.remote.Put(ctx, keyRemoteConfig, status)
}

func (s *SessionStore) PackageStatuses(ctx context.Context) (*protobufs.PackageStatuses, error) {
	return s.packages.Get(ctx, keyPackages)
}

func (s *SessionStore) SetPackageStatuses(ctx context.Context, statuses *protobufs.PackageStatuses) error {
	return s.packages.Put(ctx, keyPackages, statuses)
}
