package outbox

import (
	"fmt"
	"net/url"
	"strings"
	"sync"
)

type Factory func(dsn string, opts Options) (Store, error)

var factories = struct {
	mu sync.RWMutex
	m  map[string]Factory
}{
	m: map[string]Factory{},
}

// RegisterFactory makes BuildFromDSN resolve scheme through factory before
// the built-in backends.
func RegisterFactory(scheme string, factory Factory) {
	scheme = strings.ToLower(strings.TrimSpace(scheme))
	if scheme == "" || factory == nil {
		return
	}
	factories.mu.Lock()
	defer factories.mu.Unlock()
	factories.m[scheme] = factory
}

func lookupFactory(scheme string) (Factory, bool) {
	factories.mu.RLock()
	defer factories.mu.RUnlock()
	factory, ok := factories.m[scheme]
	return factory, ok
}

// BuildFromDSN opens the outbox named by dsn. A bare path or file:// DSN is
// a directory.
func BuildFromDSN(dsn string, opts Options) (Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	if isDrivePath(dsn) {
		return NewFileStore(dsn, opts)
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	if factory, ok := lookupFactory(scheme); ok {
		return factory(dsn, opts)
	}
	switch scheme {
	case "", "file":
		path := dsn
		if scheme != "" {
			path = strings.TrimSpace(parsed.Host + parsed.Path)
		}
		if path == "" {
			return nil, ErrInvalidInput
		}
		return NewFileStore(path, opts)
	case "memory", "mem", "inmem":
		return NewMemoryStore(opts), nil
	case "postgres", "postgresql":
		return NewPostgresStore(dsn, opts)
	case "redis", "rediss", "sqs":
		return nil, fmt.Errorf("%w: outbox backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported outbox scheme: %s", scheme)
	}
}

func isDrivePath(raw string) bool {
	if len(raw) < 3 || raw[1] != ':' {
		return false
	}
	c := raw[0] | 0x20
	return c >= 'a' && c <= 'z' && (raw[2] == '\\' || raw[2] == '/')
}
