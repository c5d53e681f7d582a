package prompt

import (
	"embed"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

//go:embed assets
var embeddedAssets embed.FS

// assetLoader resolves integration docs and example files. A configured
// prompt directory takes precedence over the embedded defaults, so curated
// docs can be updated without rebuilding the worker. Loads are cached.
type assetLoader struct {
	dir string

	mu    sync.Mutex
	cache map[string]string
}

func newAssetLoader(dir string) *assetLoader {
	return &assetLoader{dir: dir, cache: make(map[string]string)}
}

// load returns the asset's content, or an empty string (with a logged error)
// if neither the override directory nor the embedded copy has it. A missing
// asset degrades the prompt but never fails the job.
func (l *assetLoader) load(name string) string {
	l.mu.Lock()
	defer l.mu.Unlock()

	if cached, ok := l.cache[name]; ok {
		return cached
	}

	if l.dir != "" {
		if data, err := os.ReadFile(filepath.Join(l.dir, filepath.FromSlash(name))); err == nil {
			l.cache[name] = string(data)
			return l.cache[name]
		}
	}

	data, err := embeddedAssets.ReadFile("assets/" + name)
	if err != nil {
		slog.Error("Missing prompt asset", "name", name, "error", err)
		l.cache[name] = ""
		return ""
	}
	l.cache[name] = string(data)
	return l.cache[name]
}
