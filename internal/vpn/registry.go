package vpn

import (
	"context"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/punchamoorthee/vpnledger/internal/domain"
	"github.com/sirupsen/logrus"
)

const defaultRegistrySize = 64

// Registry hands out one OutlineClient per server, created on first use and
// kept in an LRU so retired servers eventually drop out.
type Registry struct {
	clients *lru.Cache[string, *OutlineClient]
	timeout time.Duration
	log     logrus.FieldLogger
}

func NewRegistry(size int, timeout time.Duration, log logrus.FieldLogger) (*Registry, error) {
	if size <= 0 {
		size = defaultRegistrySize
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	clients, err := lru.New[string, *OutlineClient](size)
	if err != nil {
		return nil, fmt.Errorf("create client cache: %w", err)
	}
	return &Registry{clients: clients, timeout: timeout, log: log}, nil
}

// Client returns the cached client for server, building it if needed.
func (r *Registry) Client(server domain.Server) (*OutlineClient, error) {
	if server.APIURL == "" {
		return nil, fmt.Errorf("server %d has no management API URL", server.ID)
	}
	cacheKey := server.APIURL + "|" + server.CertSHA256
	if c, ok := r.clients.Get(cacheKey); ok {
		return c, nil
	}
	c, err := NewOutlineClient(server.APIURL, server.CertSHA256, r.timeout)
	if err != nil {
		return nil, fmt.Errorf("server %d: %w", server.ID, err)
	}
	if evicted := r.clients.Add(cacheKey, c); evicted {
		r.log.Debug("outline client cache evicted an entry")
	}
	return c, nil
}

// CreateKey returns an access URL for a key labelled label on server.
func (r *Registry) CreateKey(ctx context.Context, server domain.Server, label string) (string, error) {
	c, err := r.Client(server)
	if err != nil {
		return "", err
	}
	accessURL, err := c.GetOrCreateKey(ctx, label)
	if err != nil {
		return "", err
	}
	r.log.WithFields(logrus.Fields{"server_id": server.ID, "label": label}).Debug("outline key ready")
	return accessURL, nil
}
