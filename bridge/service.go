// Package bridge converts between stored entities and the envelopes nodes exchange.
package bridge

import (
	"github.com/bradfitz/gomemcache/memcache"
	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"

	"github.com/concrnt/socialnode/fqid"
	"github.com/concrnt/socialnode/store"
	"github.com/concrnt/socialnode/types"
)

var tracer = otel.Tracer("bridge")

// embeddedPageSize is the size of the first comments/likes page inlined in a post.
const embeddedPageSize = 5

type Service struct {
	store    *store.Store
	minter   fqid.Minter
	config   types.NodeConfig
	mc       *memcache.Client
	validate *validator.Validate
}

// NewService returns a codec. mc may be nil, in which case rendered markdown is not memoized.
func NewService(
	store *store.Store,
	minter fqid.Minter,
	config types.NodeConfig,
	mc *memcache.Client,
) *Service {
	return &Service{
		store:    store,
		minter:   minter,
		config:   config,
		mc:       mc,
		validate: newValidator(),
	}
}

// Minter returns the minter the codec builds URLs with.
func (s *Service) Minter() fqid.Minter {
	return s.minter
}
