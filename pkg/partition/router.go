package partition

// Scope describes how many partitions a query must visit.
type Scope string

const (
	ScopeSingle Scope = "single"
	ScopeMulti  Scope = "multi"
	ScopeGlobal Scope = "global"
)

// Predicates narrows a query's routing the way original_source's
// route_query predicates dict does: a specific capsule id takes priority,
// then domain tags, then owner, falling back to every active partition.
type Predicates struct {
	CapsuleID  string
	DomainTags []string
	UserID     string
}

// Router determines which partitions a query must visit.
type Router struct {
	manager *Manager
}

// NewRouter constructs a Router over manager.
func NewRouter(manager *Manager) *Router {
	return &Router{manager: manager}
}

// Route returns the query scope and the partition ids it must visit.
func (r *Router) Route(p Predicates) (Scope, []string) {
	if p.CapsuleID != "" {
		if id, ok := r.manager.CapsulePartition(p.CapsuleID); ok {
			return ScopeSingle, []string{id}
		}
	}

	if len(p.DomainTags) > 0 {
		matches := r.findByTags(p.DomainTags)
		if len(matches) > 0 {
			return scopeFor(matches), matches
		}
	}

	if p.UserID != "" {
		matches := r.findByUser(p.UserID)
		if len(matches) > 0 {
			return scopeFor(matches), matches
		}
	}

	var all []string
	for _, part := range r.manager.ListPartitions() {
		if part.State == StateActive {
			all = append(all, part.ID)
		}
	}
	return ScopeGlobal, all
}

func scopeFor(ids []string) Scope {
	if len(ids) == 1 {
		return ScopeSingle
	}
	return ScopeMulti
}

func (r *Router) findByTags(tags []string) []string {
	var matches []string
	for _, p := range r.manager.ListPartitions() {
		for _, t := range tags {
			if p.DomainTags[t] {
				matches = append(matches, p.ID)
				break
			}
		}
	}
	return matches
}

func (r *Router) findByUser(userID string) []string {
	var matches []string
	for _, p := range r.manager.ListPartitions() {
		if p.UserIDs[userID] {
			matches = append(matches, p.ID)
		}
	}
	return matches
}
