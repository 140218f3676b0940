package client

import (
	"flag"

	"github.com/pkg/errors"
)

const (
	Filesystem = "filesystem"
	Memory     = "memory"
)

var ErrUnsupportedStorageBackend = errors.New("unsupported storage backend")

// Config selects where executable bytes are kept.
type Config struct {
	Backend   string `yaml:"backend"`
	Directory string `yaml:"directory"`
}

func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	f.StringVar(&cfg.Backend, "blobs.backend", Filesystem, "Backend for executable bytes. Supported values: filesystem, memory.")
	f.StringVar(&cfg.Directory, "blobs.directory", "", "Directory for the filesystem backend. Defaults to <storage.path>/blobs.")
}

func (cfg *Config) Validate() error {
	switch cfg.Backend {
	case Filesystem, Memory:
		return nil
	}
	return errors.Wrapf(ErrUnsupportedStorageBackend, "%q", cfg.Backend)
}
