package engine

import "fmt"

// Collection is the ordered set of resources declared for a run.
type Collection struct {
	resources []*Resource
	index     map[ResourceID]*Resource
}

// NewCollection creates an empty collection.
func NewCollection() *Collection {
	return &Collection{index: make(map[ResourceID]*Resource)}
}

// Add appends a resource in declaration order. Identifiers must be unique.
func (c *Collection) Add(r *Resource) error {
	if r == nil {
		return fmt.Errorf("resource is nil")
	}
	if r.ID.Type == "" || r.ID.Name == "" {
		return NewValidationError("resource must have a type and a name", nil).
			WithCode(ErrCodeInvalidProperties).
			WithDetail("id", r.ID.String())
	}
	if existing, ok := c.index[r.ID]; ok {
		return NewValidationError("duplicate resource identifier", nil).
			WithResource(r.ID).
			WithCode(ErrCodeDuplicateResource).
			WithDetail("first_recipe", existing.Recipe).
			WithDetail("second_recipe", r.Recipe)
	}
	r.Index = len(c.resources)
	c.resources = append(c.resources, r)
	c.index[r.ID] = r
	return nil
}

// Get returns the resource with the given identifier.
func (c *Collection) Get(id ResourceID) (*Resource, bool) {
	r, ok := c.index[id]
	return r, ok
}

// Resources returns the resources in declaration order.
func (c *Collection) Resources() []*Resource {
	out := make([]*Resource, len(c.resources))
	copy(out, c.resources)
	return out
}

// Len returns the number of declared resources.
func (c *Collection) Len() int {
	return len(c.resources)
}
