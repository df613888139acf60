package watermark

import (
	"fmt"
	"net/url"
	"strings"
	"sync"
)

type StoreFactory func(dsn string) (Store, error)

var storeFactories = struct {
	mu        sync.RWMutex
	factories map[string]StoreFactory
}{
	factories: map[string]StoreFactory{},
}

// RegisterStoreFactory makes BuildStoreFromDSN resolve scheme through
// factory before the built-in backends.
func RegisterStoreFactory(scheme string, factory StoreFactory) {
	scheme = strings.ToLower(strings.TrimSpace(scheme))
	if scheme == "" || factory == nil {
		return
	}
	storeFactories.mu.Lock()
	defer storeFactories.mu.Unlock()
	storeFactories.factories[scheme] = factory
}

func lookupStoreFactory(scheme string) (StoreFactory, bool) {
	storeFactories.mu.RLock()
	defer storeFactories.mu.RUnlock()
	factory, ok := storeFactories.factories[scheme]
	return factory, ok
}

// BuildStoreFromDSN resolves file://, memory:// and postgres:// DSNs. A bare
// path is treated as a file store.
func BuildStoreFromDSN(dsn string) (Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	if isDrivePath(dsn) {
		return NewFileStore(dsn), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	if factory, ok := lookupStoreFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewFileStore(path), nil
	case "memory", "mem", "inmem":
		return NewMemoryStore(), nil
	case "postgres", "postgresql":
		return NewPostgresStore(dsn)
	case "mysql", "sqlite":
		return nil, fmt.Errorf("%w: watermark store %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported watermark store scheme: %s", scheme)
	}
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if strings.TrimSpace(parsed.Scheme) == "" {
		return strings.TrimSpace(raw), nil
	}
	path := strings.TrimSpace(parsed.Host + parsed.Path)
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if path == "" {
		return "", ErrInvalidInput
	}
	return path, nil
}

// isDrivePath reports a Windows path such as C:\data\state.json, which
// url.Parse would otherwise read as scheme "c".
func isDrivePath(raw string) bool {
	if len(raw) < 3 || raw[1] != ':' {
		return false
	}
	c := raw[0] | 0x20
	return c >= 'a' && c <= 'z' && (raw[2] == '\\' || raw[2] == '/')
}
