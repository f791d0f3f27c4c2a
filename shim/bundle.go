package shim

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/containerd/errdefs"
)

const bundleConfigFile = "config.json"

// SourceExtensions are the file extensions accepted as a task entrypoint.
var SourceExtensions = []string{".bf", ".b", ".brainfuck"}

// subset of the OCI runtime spec the shim cares about
type ociConfig struct {
	Root struct {
		Path string `json:"path"`
	} `json:"root"`
	Process struct {
		Args []string `json:"args"`
	} `json:"process"`
}

// Bundle is the program a task runs: a source file under the rootfs.
type Bundle struct {
	Dir        string
	Root       string
	Entrypoint string
}

// ReadBundle reads config.json of the bundle in dir. The process args must
// name exactly one source file, which has to exist under the rootfs.
func ReadBundle(dir string) (*Bundle, error) {
	data, err := os.ReadFile(filepath.Join(dir, bundleConfigFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s not found in bundle %s: %w", bundleConfigFile, dir, errdefs.ErrNotFound)
		}
		return nil, err
	}

	var cfg ociConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", bundleConfigFile, err)
	}

	if cfg.Root.Path == "" {
		return nil, fmt.Errorf("root path missing from %s: %w", bundleConfigFile, errdefs.ErrInvalidArgument)
	}
	if n := len(cfg.Process.Args); n != 1 {
		return nil, fmt.Errorf("expected 1 process arg, got %d: %w", n, errdefs.ErrInvalidArgument)
	}

	b := &Bundle{
		Dir:        dir,
		Root:       cfg.Root.Path,
		Entrypoint: cfg.Process.Args[0],
	}
	if !b.isSource() {
		return nil, fmt.Errorf("entrypoint %s is not a brainfuck source file: %w", b.Entrypoint, errdefs.ErrInvalidArgument)
	}

	if _, err := os.Stat(b.Source()); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("entrypoint %s does not exist: %w", b.Entrypoint, errdefs.ErrNotFound)
		}
		return nil, fmt.Errorf("checking entrypoint %s: %w", b.Entrypoint, err)
	}

	return b, nil
}

func (b *Bundle) isSource() bool {
	ext := filepath.Ext(b.Entrypoint)
	for _, e := range SourceExtensions {
		if ext == e {
			return true
		}
	}
	return false
}

// Source is the path of the entrypoint on the host. A relative rootfs is
// resolved against the bundle directory.
func (b *Bundle) Source() string {
	root := b.Root
	if !filepath.IsAbs(root) {
		root = filepath.Join(b.Dir, root)
	}
	return filepath.Join(root, b.Entrypoint)
}
