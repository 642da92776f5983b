package audit

import (
	"sort"
	"time"
)

const (
	// DailyWindowDays bounds the daily activity histogram.
	DailyWindowDays = 30
	topActorLimit   = 10
)

// EventCounts folds event types into the four reporting buckets. Soft and
// hard deletes count as Delete.
type EventCounts struct {
	Create int `json:"create"`
	Read   int `json:"read"`
	Update int `json:"update"`
	Delete int `json:"delete"`
}

func (c *EventCounts) add(t EventType, n int) {
	switch {
	case t == EventCreate:
		c.Create += n
	case t == EventRead:
		c.Read += n
	case t == EventUpdate:
		c.Update += n
	case t.IsDelete():
		c.Delete += n
	}
}

type TableCount struct {
	TableName string `json:"table_name"`
	Count     int    `json:"count"`
}

type DailyCount struct {
	Date  string `json:"date"`
	Count int    `json:"count"`
}

type ActorCount struct {
	ActorID int64 `json:"actor_id"`
	Count   int   `json:"count"`
}

// Statistics is the aggregate view over a filtered set of entries.
type Statistics struct {
	TotalEntries   int            `json:"total_entries"`
	UniqueActors   int            `json:"unique_actors"`
	UniquePatients int            `json:"unique_patients"`
	UniqueIPs      int            `json:"unique_ips"`
	EventCounts    EventCounts    `json:"event_counts"`
	ByEventType    map[string]int `json:"by_event_type"`
	TableActivity  []TableCount   `json:"table_activity"`
	DailyActivity  []DailyCount   `json:"daily_activity"`
	TopActors      []ActorCount   `json:"top_actors"`
	GeneratedAt    time.Time      `json:"generated_at"`
}

// DailySince returns the first instant of the histogram window ending at now.
func DailySince(now time.Time) time.Time {
	day := now.UTC().Truncate(24 * time.Hour)
	return day.AddDate(0, 0, -(DailyWindowDays - 1))
}

// Aggregate computes Statistics over entries already matched by a filter.
// Backends that cannot aggregate in place use it.
func Aggregate(entries []*Entry, since time.Time) *Statistics {
	t := newTally(since)
	for _, e := range entries {
		t.add(e)
	}
	return t.result()
}

// tally accumulates Statistics from entries already matched by a filter.
type tally struct {
	since    time.Time
	total    int
	actors   map[int64]int
	patients map[int64]struct{}
	ips      map[string]struct{}
	events   map[string]int
	tables   map[string]int
	daily    map[string]int
}

func newTally(since time.Time) *tally {
	return &tally{
		since:    since,
		actors:   make(map[int64]int),
		patients: make(map[int64]struct{}),
		ips:      make(map[string]struct{}),
		events:   make(map[string]int),
		tables:   make(map[string]int),
		daily:    make(map[string]int),
	}
}

func (t *tally) add(e *Entry) {
	t.total++
	if e.ActorID != nil {
		t.actors[*e.ActorID]++
	}
	if e.PatientID != nil {
		t.patients[*e.PatientID] = struct{}{}
	}
	if e.IPAddress != nil {
		t.ips[*e.IPAddress] = struct{}{}
	}
	t.events[string(e.EventType)]++
	t.tables[e.TableName]++
	if !e.Timestamp.Before(t.since) {
		t.daily[e.Timestamp.UTC().Format(dateOnly)]++
	}
}

func (t *tally) result() *Statistics {
	s := &Statistics{
		TotalEntries:   t.total,
		UniqueActors:   len(t.actors),
		UniquePatients: len(t.patients),
		UniqueIPs:      len(t.ips),
		ByEventType:    t.events,
	}
	for et, n := range t.events {
		s.EventCounts.add(EventType(et), n)
	}
	for name, n := range t.tables {
		s.TableActivity = append(s.TableActivity, TableCount{TableName: name, Count: n})
	}
	for day, n := range t.daily {
		s.DailyActivity = append(s.DailyActivity, DailyCount{Date: day, Count: n})
	}
	for id, n := range t.actors {
		s.TopActors = append(s.TopActors, ActorCount{ActorID: id, Count: n})
	}
	s.normalize()
	return s
}

// normalize applies the ordering every backend must agree on and caps the
// actor ranking.
func (s *Statistics) normalize() {
	if s.ByEventType == nil {
		s.ByEventType = map[string]int{}
	}
	if s.TableActivity == nil {
		s.TableActivity = []TableCount{}
	}
	if s.DailyActivity == nil {
		s.DailyActivity = []DailyCount{}
	}
	if s.TopActors == nil {
		s.TopActors = []ActorCount{}
	}
	sort.Slice(s.TableActivity, func(i, j int) bool {
		a, b := s.TableActivity[i], s.TableActivity[j]
		if a.Count != b.Count {
			return a.Count > b.Count
		}
		return a.TableName < b.TableName
	})
	sort.Slice(s.DailyActivity, func(i, j int) bool {
		return s.DailyActivity[i].Date < s.DailyActivity[j].Date
	})
	sort.Slice(s.TopActors, func(i, j int) bool {
		a, b := s.TopActors[i], s.TopActors[j]
		if a.Count != b.Count {
			return a.Count > b.Count
		}
		return a.ActorID < b.ActorID
	})
	if len(s.TopActors) > topActorLimit {
		s.TopActors = s.TopActors[:topActorLimit]
	}
}
