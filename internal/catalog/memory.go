package catalog

import "sync"

// entry bundles a connector with its endpoints for in-memory storage.
type entry struct {
	connector *Connector
	endpoints []*Endpoint
}

// MemoryCatalog is an in-process Catalog seeded at startup (optionally from
// a YAML file via config.CatalogPath) and safe for concurrent reads.
// Connectors are looked up by slug only — scope/visibility is the
// executor's concern (auth.VerifyConnectorAccess), not the catalog's.
type MemoryCatalog struct {
	mu     sync.RWMutex
	bySlug map[string]*entry
}

// NewMemoryCatalog returns an empty catalog ready for Put calls.
func NewMemoryCatalog() *MemoryCatalog {
	return &MemoryCatalog{bySlug: make(map[string]*entry)}
}

// Put registers or replaces a connector and its endpoints.
func (c *MemoryCatalog) Put(conn *Connector, endpoints []*Endpoint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bySlug[conn.Slug] = &entry{connector: conn, endpoints: endpoints}
}

// Delete removes a connector by slug.
func (c *MemoryCatalog) Delete(slug string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.bySlug, slug)
}

func (c *MemoryCatalog) Resolve(_ string, slug, method, consumerPath string) (*Match, error) {
	c.mu.RLock()
	e, ok := c.bySlug[slug]
	c.mu.RUnlock()
	if !ok {
		return nil, nil
	}

	ep, params := selectBestMatch(e.endpoints, method, consumerPath)
	if ep == nil {
		return nil, nil
	}

	return &Match{Connector: e.connector, Endpoint: ep, PathParams: params}, nil
}
