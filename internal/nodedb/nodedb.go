// Package nodedb implements the Node-DB seam (spec.md §6): a purely
// diagnostic lookup from a mesh node ID to its advertised names. Lookup
// results never influence protocol behavior (spec.md §1).
package nodedb

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/skywave-mesh/storeforward-node/internal/transport"
)

// NodeInfo is the diagnostic identity of a mesh node.
type NodeInfo struct {
	LongName  string
	ShortName string
}

// Source is the host-provided Node-DB, typically backed by the same
// database the mesh firmware maintains from received NODEINFO packets.
type Source interface {
	Lookup(id transport.NodeID) (*NodeInfo, bool)
}

// cacheTTL bounds how long a lookup is trusted before Source is
// consulted again; node identities change about as rarely as a topic
// tree's shape, so an hour-long lifetime carries over unchanged.
const cacheTTL = time.Hour

// cacheSize is generous for a mesh node's neighbor table, which is
// bounded by radio range rather than fleet size.
const cacheSize = 256

// Cache wraps a Source with a bounded, time-expiring lookup cache so
// diagnostic name formatting never blocks the cooperative tick loop on a
// slow Node-DB (spec.md §5).
type Cache struct {
	src Source
	lru *expirable.LRU[transport.NodeID, *NodeInfo]
}

// NewCache wraps src with an LRU cache.
func NewCache(src Source) *Cache {
	return &Cache{
		src: src,
		lru: expirable.NewLRU[transport.NodeID, *NodeInfo](cacheSize, nil, cacheTTL),
	}
}

// Lookup returns the cached or freshly-fetched NodeInfo for id.
func (c *Cache) Lookup(id transport.NodeID) (*NodeInfo, bool) {
	if info, ok := c.lru.Get(id); ok {
		return info, true
	}
	info, ok := c.src.Lookup(id)
	if !ok {
		return nil, false
	}
	c.lru.Add(id, info)
	return info, true
}

// DisplayName renders the best available name for id, falling back to
// its numeric form when the Node-DB has no entry (spec.md §1: diagnostic
// only, never a hard dependency).
func (c *Cache) DisplayName(id transport.NodeID) string {
	if info, ok := c.Lookup(id); ok && info.ShortName != "" {
		return info.ShortName
	}
	return formatNodeID(id)
}

func formatNodeID(id transport.NodeID) string {
	const hexDigits = "0123456789abcdef"
	b := make([]byte, 0, 10)
	b = append(b, '!')
	for shift := 28; shift >= 0; shift -= 4 {
		b = append(b, hexDigits[(id>>uint(shift))&0xF])
	}
	return string(b)
}
