package settings

import (
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/skobkin/relocker-web/internal/instrument"
)

// ConflictError rejects a routing change that would share a board resource
// with another channel.
type ConflictError struct {
	Channel  string
	Other    string
	Address  string
	Resource string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("channel %s: %s on %s is already used by channel %s", e.Channel, e.Resource, e.Address, e.Other)
}

type resourceKey struct {
	address  string
	resource string
}

// Routing tracks which channel owns each physical route and block on each
// board. It is the only state channels share.
type Routing struct {
	mu     sync.Mutex
	owners map[resourceKey]string
}

// NewRouting returns an empty claim table.
func NewRouting() *Routing {
	return &Routing{owners: make(map[resourceKey]string)}
}

// Claim replaces the claims held by c.Name with the resources c needs. On
// conflict nothing changes and a *ConflictError is returned.
func (r *Routing) Claim(c Channel) error {
	wanted := resources(c)

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, key := range wanted {
		if owner, ok := r.owners[key]; ok && owner != c.Name {
			return &ConflictError{Channel: c.Name, Other: owner, Address: key.address, Resource: key.resource}
		}
	}

	r.releaseLocked(c.Name)
	for _, key := range wanted {
		r.owners[key] = c.Name
	}
	return nil
}

// Release drops every claim held by channel.
func (r *Routing) Release(channel string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.releaseLocked(channel)
}

// Claims lists the resources held by channel, sorted.
func (r *Routing) Claims(channel string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for key, owner := range r.owners {
		if owner == channel {
			out = append(out, key.resource)
		}
	}
	sort.Strings(out)
	return out
}

func (r *Routing) releaseLocked(channel string) {
	for key, owner := range r.owners {
		if owner == channel {
			delete(r.owners, key)
		}
	}
}

func resources(c Channel) []resourceKey {
	address := c.Address
	if instrument.IsSimAddress(address) {
		address = instrument.SimAddress
	}
	keys := []resourceKey{
		{address: address, resource: "pid" + strconv.Itoa(c.ControllerIndex)},
		{address: address, resource: "asg" + strconv.Itoa(c.GeneratorIndex)},
	}
	if c.Input != instrument.RouteOff && c.Input != "" {
		keys = append(keys, resourceKey{address: address, resource: "input " + string(c.Input)})
	}
	if c.Output != instrument.RouteOff && c.Output != "" {
		keys = append(keys, resourceKey{address: address, resource: "output " + string(c.Output)})
	}
	return keys
}
