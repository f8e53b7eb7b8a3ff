package common

// StringSet is a set of strings
type StringSet map[string]struct{}

// NewStringSet creates a StringSet from the given elements
func NewStringSet(elems ...string) StringSet {
	ss := StringSet{}
	for _, elem := range elems {
		ss.Add(elem)
	}
	return ss
}

// Contains checks if StringSet contains the string
func (ss StringSet) Contains(elem string) bool {
	_, ok := ss[elem]
	return ok
}

// Add adds the string to StringSet
func (ss StringSet) Add(elem string) {
	ss[elem] = struct{}{}
}

// Remove removes the string from StringSet
func (ss StringSet) Remove(elem string) {
	delete(ss, elem)
}

// ToList converts StringSet to string slice
func (ss StringSet) ToList() []string {
	keys := make([]string, 0, len(ss))
	for s := range ss {
		keys = append(keys, s)
	}
	return keys
}

// Copy returns a shallow copy of the StringSet
func (ss StringSet) Copy() StringSet {
	cp := make(StringSet, len(ss))
	for s := range ss {
		cp[s] = struct{}{}
	}
	return cp
}

// Intersects reports whether the two sets share at least one element
func (ss StringSet) Intersects(other StringSet) bool {
	small, big := ss, other
	if len(big) < len(small) {
		small, big = big, small
	}
	for s := range small {
		if big.Contains(s) {
			return true
		}
	}
	return false
}

// ObjectIDSet is a set of ObjectIDs
type ObjectIDSet map[ObjectID]struct{}

// Add adds the id to ObjectIDSet
func (s ObjectIDSet) Add(id ObjectID) {
	s[id] = struct{}{}
}

// Remove removes the id from ObjectIDSet
func (s ObjectIDSet) Remove(id ObjectID) {
	delete(s, id)
}

// Contains checks if ObjectIDSet contains the id
func (s ObjectIDSet) Contains(id ObjectID) bool {
	_, ok := s[id]
	return ok
}

// ToList converts ObjectIDSet to ObjectID slice
func (s ObjectIDSet) ToList() []ObjectID {
	ids := make([]ObjectID, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	return ids
}

// ObserverIDSet is a set of ObserverIDs
type ObserverIDSet map[ObserverID]struct{}

// Add adds the id to ObserverIDSet
func (s ObserverIDSet) Add(id ObserverID) {
	s[id] = struct{}{}
}

// Remove removes the id from ObserverIDSet
func (s ObserverIDSet) Remove(id ObserverID) {
	delete(s, id)
}

// Contains checks if ObserverIDSet contains the id
func (s ObserverIDSet) Contains(id ObserverID) bool {
	_, ok := s[id]
	return ok
}

// ToList converts ObserverIDSet to ObserverID slice
func (s ObserverIDSet) ToList() []ObserverID {
	ids := make([]ObserverID, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	return ids
}

// Copy returns a shallow copy of the ObserverIDSet
func (s ObserverIDSet) Copy() ObserverIDSet {
	cp := make(ObserverIDSet, len(s))
	for id := range s {
		cp[id] = struct{}{}
	}
	return cp
}
