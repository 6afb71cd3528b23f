package registry

// Store holds registry records. The Registry serializes all access; stores
// need no locking of their own.
type Store interface {
	Get(key string) (Record, bool)
	Set(r Record)
	Delete(key string)
	Keys() []string
}

// InMemoryStore is a map-backed Store.
type InMemoryStore struct {
	records map[string]Record
}

// NewInMemoryStore constructs an empty InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{records: make(map[string]Record)}
}

// Get implements Store.
func (s *InMemoryStore) Get(key string) (Record, bool) {
	r, ok := s.records[key]
	return r, ok
}

// Set implements Store.
func (s *InMemoryStore) Set(r Record) {
	s.records[r.StreamKey] = r
}

// Delete implements Store.
func (s *InMemoryStore) Delete(key string) {
	delete(s.records, key)
}

// Keys implements Store.
func (s *InMemoryStore) Keys() []string {
	keys := make([]string, 0, len(s.records))
	for k := range s.records {
		keys = append(keys, k)
	}
	return keys
}
