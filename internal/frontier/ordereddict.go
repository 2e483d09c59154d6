// Package frontier implements the crawl frontier: the dynamic, deduplicated
// RequestQueue and the static, resumable RequestList.
package frontier

import "container/list"

// orderedSet is an insertion-ordered set of ids with O(1) membership,
// front/back insertion and front removal. The RequestQueue uses it as the
// locally cached prefix of pending work.
type orderedSet struct {
	ll *list.List
	m  map[string]*list.Element
}

func newOrderedSet() *orderedSet {
	return &orderedSet{ll: list.New(), m: make(map[string]*list.Element)}
}

// pushBack appends id unless it is already present.
func (s *orderedSet) pushBack(id string) bool {
	if _, ok := s.m[id]; ok {
		return false
	}
	s.m[id] = s.ll.PushBack(id)
	return true
}

// pushFront prepends id unless it is already present.
func (s *orderedSet) pushFront(id string) bool {
	if _, ok := s.m[id]; ok {
		return false
	}
	s.m[id] = s.ll.PushFront(id)
	return true
}

// popFront removes and returns the first id.
func (s *orderedSet) popFront() (string, bool) {
	front := s.ll.Front()
	if front == nil {
		return "", false
	}
	s.ll.Remove(front)
	id := front.Value.(string)
	delete(s.m, id)
	return id, true
}

func (s *orderedSet) has(id string) bool {
	_, ok := s.m[id]
	return ok
}

func (s *orderedSet) len() int { return s.ll.Len() }

func (s *orderedSet) clear() {
	s.ll.Init()
	s.m = make(map[string]*list.Element)
}
