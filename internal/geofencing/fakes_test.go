package geofencing

import (
	"context"
	"sort"
	"sync"
)

type fakeBikes struct {
	zones map[string]string
	err   error
}

func (f fakeBikes) CurrentZoneID(_ context.Context, bikeID string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.zones[bikeID], nil
}

type fakeZones struct {
	mu    sync.Mutex
	zones map[string]*Zone
	err   error
	calls int
}

func (f *fakeZones) GetZone(_ context.Context, zoneID string) (*Zone, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	z, ok := f.zones[zoneID]
	if !ok {
		return nil, ErrZoneNotFound
	}
	cp := *z
	return &cp, nil
}

func (f *fakeZones) ListActiveZoneIDs(context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	var ids []string
	for id, z := range f.zones {
		if z.IsActive {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (f *fakeZones) LoadZones(_ context.Context, zoneIDs []string) ([]Zone, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	var zones []Zone
	for _, id := range zoneIDs {
		if z, ok := f.zones[id]; ok {
			zones = append(zones, *z)
		}
	}
	return zones, nil
}

func (f *fakeZones) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeRentals struct {
	rentals map[string]*ActiveRental
	err     error
}

func (f fakeRentals) ActiveRental(_ context.Context, bikeID string) (*ActiveRental, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.rentals[bikeID], nil
}

// memStore is an in-memory ViolationStore keyed the same way as the unique index.
type memStore struct {
	mu          sync.Mutex
	rows        map[string]Violation
	order       []string
	findCalls   int
	insertCalls int
	findErr     error
	insertErr   error

	// raceOnInsert simulates a concurrent writer committing the same key
	// between FindExisting and InsertIfAbsent.
	raceOnInsert bool
}

func newMemStore() *memStore {
	return &memStore{rows: map[string]Violation{}}
}

func (s *memStore) FindExisting(_ context.Context, key DedupKey) (*Violation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.findCalls++
	if s.findErr != nil {
		return nil, s.findErr
	}
	if v, ok := s.rows[key.String()]; ok {
		return &v, nil
	}
	return nil, nil
}

func (s *memStore) InsertIfAbsent(_ context.Context, v Violation) (Violation, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.insertCalls++
	if s.insertErr != nil {
		return Violation{}, false, s.insertErr
	}
	k := v.Key().String()
	if s.raceOnInsert {
		s.raceOnInsert = false
		other := v
		other.Notes = "written by another process"
		s.rows[k] = other
		s.order = append(s.order, k)
	}
	if existing, ok := s.rows[k]; ok {
		return existing, false, nil
	}
	s.rows[k] = v
	s.order = append(s.order, k)
	return v, true, nil
}

func (s *memStore) all() []Violation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Violation, 0, len(s.order))
	for _, k := range s.order {
		out = append(out, s.rows[k])
	}
	return out
}

func (s *memStore) calls() (find, insert int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.findCalls, s.insertCalls
}

type fakeLister struct {
	events []RawExitEvent
	err    error
}

func (f fakeLister) ListRecent(_ context.Context, limit int) ([]RawExitEvent, error) {
	if f.err != nil {
		return nil, f.err
	}
	if limit < len(f.events) {
		return f.events[:limit], nil
	}
	return f.events, nil
}

// chanFeed forwards changes from src on every subscription. Subscriptions
// after the first fail with failErr once when set.
type chanFeed struct {
	src chan EventChange

	mu         sync.Mutex
	subscribes int
	failFirst  error
}

func newChanFeed() *chanFeed {
	return &chanFeed{src: make(chan EventChange)}
}

func (f *chanFeed) Subscribe(ctx context.Context, out chan<- EventChange) error {
	f.mu.Lock()
	f.subscribes++
	fail := f.failFirst
	f.failFirst = nil
	f.mu.Unlock()
	if fail != nil {
		return fail
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case c := <-f.src:
			select {
			case out <- c:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

func (f *chanFeed) subscribeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subscribes
}

func square() []LatLng {
	return []LatLng{
		{Latitude: 0, Longitude: 0},
		{Latitude: 0, Longitude: 10},
		{Latitude: 10, Longitude: 10},
		{Latitude: 10, Longitude: 0},
	}
}
