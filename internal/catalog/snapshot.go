package catalog

import "sort"

// snapshot is an immutable view of the main context. Saves build a new one
// and swap it in, so readers never see a half-applied changeset.
type snapshot struct {
	byHandle   map[Handle]Record
	byLocation map[string]Handle
}

func newSnapshot(records []Record) *snapshot {
	s := &snapshot{
		byHandle:   make(map[Handle]Record, len(records)),
		byLocation: make(map[string]Handle, len(records)),
	}
	for _, r := range records {
		s.byHandle[r.Handle] = r
		s.byLocation[r.Location] = r.Handle
	}
	return s
}

func (s *snapshot) apply(cs Changeset) *snapshot {
	next := &snapshot{
		byHandle:   make(map[Handle]Record, len(s.byHandle)+len(cs.Upserts)),
		byLocation: make(map[string]Handle, len(s.byLocation)+len(cs.Upserts)),
	}
	for h, r := range s.byHandle {
		next.byHandle[h] = r
	}
	for l, h := range s.byLocation {
		next.byLocation[l] = h
	}

	for _, h := range cs.Deletes {
		if old, ok := next.byHandle[h]; ok {
			next.unindex(old)
			delete(next.byHandle, h)
		}
	}
	for _, r := range cs.Upserts {
		if old, ok := next.byHandle[r.Handle]; ok && old.Location != r.Location {
			next.unindex(old)
		}
		next.byHandle[r.Handle] = r
		next.byLocation[r.Location] = r.Handle
	}
	return next
}

// unindex drops r's location entry unless another record has already
// claimed that location in the same changeset.
func (s *snapshot) unindex(r Record) {
	if s.byLocation[r.Location] == r.Handle {
		delete(s.byLocation, r.Location)
	}
}

func (s *snapshot) records() []Record {
	out := make([]Record, 0, len(s.byHandle))
	for _, r := range s.byHandle {
		out = append(out, r)
	}
	sortByLocation(out)
	return out
}

func sortByLocation(rs []Record) {
	sort.Slice(rs, func(i, j int) bool { return rs[i].Location < rs[j].Location })
}
