// Package configstore keeps the agent's configuration on disk: the files the
// server pushed, the hash they came with, and the machinery to read them back
// as an effective config report. A watcher picks up out-of-band edits.
package configstore

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"
	"strings"
	"sync"

	"github.com/natefinch/atomic"
	"github.com/open-telemetry/opamp-go/protobufs"
)

const hashFileName = "config.hash"

// FileStore materializes remote configuration in a directory, one file per
// config map entry. The hash file is written last, so a half-applied
// directory never claims the new revision and gets re-applied on the next
// offer.
type FileStore struct {
	logger *slog.Logger
	dir    string

	mu      sync.Mutex
	curHash []byte
}

func NewFileStore(logger *slog.Logger, dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating config directory: %w", err)
	}
	fs := &FileStore{
		logger: logger,
		dir:    dir,
	}
	hash, err := os.ReadFile(path.Join(dir, hashFileName))
	if err == nil {
		fs.curHash = hash
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading config hash: %w", err)
	}
	return fs, nil
}

// Dir is the directory the store writes into.
func (f *FileStore) Dir() string { return f.dir }

// CurrentHash is the hash of the last fully applied revision.
func (f *FileStore) CurrentHash() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.curHash
}

// Apply writes the offered config map to disk. An offer matching the current
// hash is a no-op. Files absent from the offer are removed so the directory
// always mirrors exactly one revision.
func (f *FileStore) Apply(_ context.Context, incoming *protobufs.AgentRemoteConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(incoming.GetConfigHash()) > 0 && bytes.Equal(f.curHash, incoming.GetConfigHash()) {
		f.logger.Info("got identical config, skipping apply")
		return nil
	}

	configMap := incoming.GetConfig().GetConfigMap()
	for name, contents := range configMap {
		if err := f.writeFileLocked(name, contents); err != nil {
			return err
		}
	}
	if err := f.removeDanglingLocked(configMap); err != nil {
		return err
	}

	hashPath := path.Join(f.dir, hashFileName)
	if err := atomic.WriteFile(hashPath, bytes.NewReader(incoming.GetConfigHash())); err != nil {
		return fmt.Errorf("writing config hash: %w", err)
	}
	f.curHash = incoming.GetConfigHash()
	f.logger.With("files", len(configMap)).Info("config revision applied")
	return nil
}

// EffectiveConfig reads the directory back as the config the agent runs
// with.
func (f *FileStore) EffectiveConfig(context.Context) (*protobufs.EffectiveConfig, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	configMap, err := f.readConfigMapLocked()
	if err != nil {
		return nil, err
	}
	return &protobufs.EffectiveConfig{ConfigMap: configMap}, nil
}

// ConfigMap reads the current revision's files.
func (f *FileStore) ConfigMap() (*protobufs.AgentConfigMap, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.readConfigMapLocked()
}

func (f *FileStore) writeFileLocked(name string, config *protobufs.AgentConfigFile) error {
	if name != path.Base(name) || strings.HasPrefix(name, ".") {
		return fmt.Errorf("refusing config file name %q", name)
	}
	fileName := path.Join(f.dir, name)
	f.logger.With("file", fileName).Debug("writing config file")
	if err := atomic.WriteFile(fileName, bytes.NewReader(config.GetBody())); err != nil {
		return fmt.Errorf("writing config file %s: %w", name, err)
	}
	return nil
}

func (f *FileStore) removeDanglingLocked(configMap map[string]*protobufs.AgentConfigFile) error {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return fmt.Errorf("reading config directory: %w", err)
	}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || name == hashFileName || strings.HasPrefix(name, ".") {
			continue
		}
		if _, keep := configMap[name]; keep {
			continue
		}
		f.logger.With("file", name).Info("removing config file not in current revision")
		if err := os.Remove(path.Join(f.dir, name)); err != nil {
			return fmt.Errorf("removing stale config file %s: %w", name, err)
		}
	}
	return nil
}

func (f *FileStore) readConfigMapLocked() (*protobufs.AgentConfigMap, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, fmt.Errorf("reading config directory: %w", err)
	}

	configMap := make(map[string]*protobufs.AgentConfigFile)
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || name == hashFileName || strings.HasPrefix(name, ".") {
			continue
		}
		body, err := os.ReadFile(path.Join(f.dir, name))
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", name, err)
		}
		configMap[name] = &protobufs.AgentConfigFile{
			Body:        body,
			ContentType: guessContentType(name),
		}
	}
	return &protobufs.AgentConfigMap{ConfigMap: configMap}, nil
}

func guessContentType(filename string) string {
	switch strings.ToLower(path.Ext(filename)) {
	case ".yaml", ".yml":
		return "application/x-yaml"
	case ".json":
		return "application/json"
	case ".toml":
		return "application/toml"
	default:
		return "text/plain"
	}
}
