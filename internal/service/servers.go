package service

import (
	"context"
	"fmt"

	"github.com/punchamoorthee/vpnledger/internal/domain"
	"github.com/punchamoorthee/vpnledger/internal/store"
)

type Servers struct {
	store store.Store
}

func NewServers(s store.Store) *Servers {
	return &Servers{store: s}
}

// ListAvailable returns the active servers a user may pick from.
func (s *Servers) ListAvailable(ctx context.Context) ([]domain.Server, error) {
	servers, err := s.store.ListActiveServers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list servers: %w", err)
	}
	return servers, nil
}

// Import registers the servers whose management URL is not known yet and
// returns how many were added. Entries without a management URL are matched
// by address.
func (s *Servers) Import(ctx context.Context, servers []domain.Server) (int, error) {
	added := 0
	err := s.store.InTx(ctx, func(q store.Queries) error {
		known, err := q.ListServers(ctx)
		if err != nil {
			return err
		}
		seen := make(map[string]struct{}, len(known))
		for _, srv := range known {
			seen[serverIdentity(srv)] = struct{}{}
		}
		for i := range servers {
			id := serverIdentity(servers[i])
			if _, ok := seen[id]; ok {
				continue
			}
			if err := q.CreateServer(ctx, &servers[i]); err != nil {
				return fmt.Errorf("register server %s: %w", servers[i].Address, err)
			}
			seen[id] = struct{}{}
			added++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("import servers: %w", err)
	}
	return added, nil
}

func serverIdentity(srv domain.Server) string {
	if srv.APIURL != "" {
		return srv.APIURL
	}
	return "addr:" + srv.Address
}
