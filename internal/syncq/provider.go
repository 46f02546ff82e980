package syncq

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/helixdyn/helix/internal/config"
	"github.com/helixdyn/helix/internal/rollback"
)

// Ack is what a provider returns for a stored blob. The checksum lets the
// queue verify integrity; the timestamp drives conflict resolution.
type Ack struct {
	Checksum  string    `json:"checksum"`
	Timestamp time.Time `json:"timestamp"`
}

// Provider is an external storage target. The queue treats every provider
// uniformly: accept a blob, return an ack or an error. Protocol details
// (git hosting, document stores) live behind this interface.
type Provider interface {
	Name() string
	Store(ctx context.Context, key string, blob []byte) (Ack, error)
	Fetch(ctx context.Context, key string) ([]byte, Ack, error)
}

// NewProvider builds a provider from config.
func NewProvider(cfg config.ProviderConfig) (Provider, error) {
	switch cfg.Type {
	case "filesystem":
		return NewFilesystemProvider(cfg.Name, cfg.Path)
	default:
		return nil, fmt.Errorf("unknown provider type: %s", cfg.Type)
	}
}

// FilesystemProvider stores blobs as files under a base directory.
type FilesystemProvider struct {
	name string
	dir  string
}

// NewFilesystemProvider creates a filesystem-backed provider.
func NewFilesystemProvider(name, dir string) (*FilesystemProvider, error) {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("create provider directory: %w", err)
	}
	return &FilesystemProvider{name: name, dir: dir}, nil
}

// Name returns the provider identifier.
func (p *FilesystemProvider) Name() string { return p.name }

// Store writes the blob and acks with its checksum and mtime.
func (p *FilesystemProvider) Store(ctx context.Context, key string, blob []byte) (Ack, error) {
	if err := ctx.Err(); err != nil {
		return Ack{}, err
	}

	path := p.path(key)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, blob, 0640); err != nil {
		return Ack{}, fmt.Errorf("provider %s: write: %w", p.name, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return Ack{}, fmt.Errorf("provider %s: replace: %w", p.name, err)
	}

	info, err := os.Stat(path)
	if err != nil {
		return Ack{}, fmt.Errorf("provider %s: stat: %w", p.name, err)
	}

	return Ack{Checksum: rollback.Checksum(blob), Timestamp: info.ModTime()}, nil
}

// Fetch reads a previously stored blob.
func (p *FilesystemProvider) Fetch(ctx context.Context, key string) ([]byte, Ack, error) {
	if err := ctx.Err(); err != nil {
		return nil, Ack{}, err
	}

	path := p.path(key)
	blob, err := os.ReadFile(path)
	if err != nil {
		return nil, Ack{}, fmt.Errorf("provider %s: read: %w", p.name, err)
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, Ack{}, fmt.Errorf("provider %s: stat: %w", p.name, err)
	}
	return blob, Ack{Checksum: rollback.Checksum(blob), Timestamp: info.ModTime()}, nil
}

func (p *FilesystemProvider) path(key string) string {
	return filepath.Join(p.dir, key+".json")
}
