package processor

import "github.com/latticeio/latticed/internal/ids"

// cidSet is an insertion-ordered set of connection ids. Publish fan-out
// follows insertion order (spec.md §4.2, "Publish fan-out tie-break").
type cidSet struct {
	order []ids.Cid
	index map[ids.Cid]int
}

func newCidSet() *cidSet {
	return &cidSet{index: make(map[ids.Cid]int)}
}

func (s *cidSet) Add(cid ids.Cid) {
	if _, ok := s.index[cid]; ok {
		return
	}
	s.index[cid] = len(s.order)
	s.order = append(s.order, cid)
}

func (s *cidSet) Remove(cid ids.Cid) {
	i, ok := s.index[cid]
	if !ok {
		return
	}
	delete(s.index, cid)
	s.order = append(s.order[:i], s.order[i+1:]...)
	for cid2, idx := range s.index {
		if idx > i {
			s.index[cid2] = idx - 1
		}
	}
}

func (s *cidSet) Has(cid ids.Cid) bool {
	_, ok := s.index[cid]
	return ok
}

func (s *cidSet) Len() int { return len(s.order) }

// Ordered returns the members in insertion order. The returned slice
// must not be mutated by the caller.
func (s *cidSet) Ordered() []ids.Cid { return s.order }

// sessionIdSet is a small unordered set of SessionId, used for per-cid
// watch lists and per-session connection membership.
type sessionIdSet map[ids.SessionId]struct{}

func (s sessionIdSet) Add(id ids.SessionId)    { s[id] = struct{}{} }
func (s sessionIdSet) Remove(id ids.SessionId) { delete(s, id) }
func (s sessionIdSet) Has(id ids.SessionId) bool {
	_, ok := s[id]
	return ok
}

type topicSet map[ids.Topic]struct{}

func (s topicSet) Add(t ids.Topic)    { s[t] = struct{}{} }
func (s topicSet) Remove(t ids.Topic) { delete(s, t) }
func (s topicSet) Has(t ids.Topic) bool {
	_, ok := s[t]
	return ok
}

type namespaceSet map[ids.Namespace]struct{}

func (s namespaceSet) Add(n ids.Namespace)    { s[n] = struct{}{} }
func (s namespaceSet) Remove(n ids.Namespace) { delete(s, n) }
func (s namespaceSet) Has(n ids.Namespace) bool {
	_, ok := s[n]
	return ok
}
