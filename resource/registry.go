package resource

import (
	"time"

	"github.com/evmotors/dealer-core/cache"
	"github.com/evmotors/dealer-core/transport"
)

// Registry is the adapter table, built explicitly at startup. Catalog-ish
// resources (vehicles, users) keep their entries longer than transactional
// ones, which fall back to the store default.
type Registry struct {
	Vehicles    *Adapter[Vehicle]
	Orders      *Adapter[Order]
	Allocations *Adapter[Allocation]
	Users       *Adapter[User]
	Customers   *Adapter[Customer]
}

// NewRegistry binds every resource type to the given store and client.
func NewRegistry(store *cache.Store, client *transport.Client) *Registry {
	return &Registry{
		Vehicles: NewAdapter[Vehicle](store, client, AdapterConfig{
			Type:      TypeVehicles,
			Retention: 5 * time.Minute,
		}),
		Orders: NewAdapter[Order](store, client, AdapterConfig{
			Type: TypeOrders,
		}),
		Allocations: NewAdapter[Allocation](store, client, AdapterConfig{
			Type: TypeAllocations,
		}),
		Users: NewAdapter[User](store, client, AdapterConfig{
			Type:      TypeUsers,
			Retention: 5 * time.Minute,
		}),
		Customers: NewAdapter[Customer](store, client, AdapterConfig{
			Type: TypeCustomers,
		}),
	}
}
