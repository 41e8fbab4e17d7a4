package tunnel

import (
	"context"
	"log"

	"github.com/kage-kao/VK-Music-Saver/internal/repo"
)

// StoreEndpoints resolves the active endpoint from persisted proxy records.
// Worker processes use it since the forwarders live in the API process.
type StoreEndpoints struct {
	repo repo.ProxyRepo
}

func NewStoreEndpoints(proxyRepo repo.ProxyRepo) *StoreEndpoints {
	return &StoreEndpoints{repo: proxyRepo}
}

func (s *StoreEndpoints) ActiveEndpoint() (string, bool) {
	list, err := s.repo.List(context.Background())
	if err != nil {
		log.Printf("tunnel: load proxies failed: %v", err)
		return "", false
	}
	for _, p := range list {
		if !p.Enabled {
			continue
		}
		if endpoint := Endpoint(p); endpoint != "" {
			return endpoint, true
		}
	}
	return "", false
}
