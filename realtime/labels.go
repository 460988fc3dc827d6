package realtime

import (
	"cmp"
	"slices"
)

func (s *Store) sortedLabels() []Label {
	out := make([]Label, 0, len(s.labels))
	for _, l := range s.labels {
		out = append(out, l)
	}
	slices.SortFunc(out, func(a, b Label) int {
		if c := cmp.Compare(a.Name, b.Name); c != 0 {
			return c
		}
		return cmp.Compare(a.ID.String(), b.ID.String())
	})
	return out
}

func (s *Store) sortedLinks(keep func(CardLabel) bool) []CardLabel {
	var out []CardLabel
	for _, cl := range s.links {
		if keep(cl) {
			out = append(out, cl)
		}
	}
	slices.SortFunc(out, func(a, b CardLabel) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID.String(), b.ID.String())
	})
	return out
}

// Labels returns the board's labels ordered by name.
func (s *Store) Labels() []Label {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sortedLabels()
}

// Label returns the label with id.
func (s *Store) Label(id EntityID) (Label, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.labels[id]
	return l, ok
}

// UpsertLabel inserts the label or replaces the record with the same id.
func (s *Store) UpsertLabel(l Label) {
	s.mu.Lock()
	s.labels[l.ID] = l
	s.mu.Unlock()
	s.changed()
}

// RemoveLabel removes the label and detaches it from every card. It returns
// the removed assignments.
func (s *Store) RemoveLabel(id EntityID) (Label, []CardLabel, bool) {
	s.mu.Lock()
	l, ok := s.labels[id]
	if !ok {
		s.mu.Unlock()
		return Label{}, nil, false
	}
	links := s.sortedLinks(func(cl CardLabel) bool { return cl.LabelID == id })
	for _, cl := range links {
		delete(s.links, cl.ID)
	}
	delete(s.labels, id)
	s.mu.Unlock()
	s.changed()
	return l, links, true
}

// CardLabel returns the assignment with id.
func (s *Store) CardLabel(id EntityID) (CardLabel, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cl, ok := s.links[id]
	return cl, ok
}

// Assignment returns the assignment of label to card, pending or not.
func (s *Store) Assignment(cardID, labelID EntityID) (CardLabel, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, cl := range s.links {
		if cl.CardID == cardID && cl.LabelID == labelID {
			return cl, true
		}
	}
	return CardLabel{}, false
}

// CardLabels returns the assignments of one card in the order they were made.
func (s *Store) CardLabels(cardID EntityID) []CardLabel {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sortedLinks(func(cl CardLabel) bool { return cl.CardID == cardID })
}

// AllCardLabels returns every assignment in the order they were made.
func (s *Store) AllCardLabels() []CardLabel {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sortedLinks(func(CardLabel) bool { return true })
}

// LabelsOf returns the labels attached to a card, ordered by name.
func (s *Store) LabelsOf(cardID EntityID) []Label {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Label
	for _, l := range s.sortedLabels() {
		for _, cl := range s.links {
			if cl.CardID == cardID && cl.LabelID == l.ID {
				out = append(out, l)
				break
			}
		}
	}
	return out
}

// UpsertCardLabel inserts the assignment or replaces the record with the same id.
func (s *Store) UpsertCardLabel(cl CardLabel) {
	s.mu.Lock()
	s.links[cl.ID] = cl
	s.mu.Unlock()
	s.changed()
}

// RemoveCardLabel removes the assignment. Removing an absent id is a no-op.
func (s *Store) RemoveCardLabel(id EntityID) bool {
	s.mu.Lock()
	_, ok := s.links[id]
	delete(s.links, id)
	s.mu.Unlock()
	if ok {
		s.changed()
	}
	return ok
}

// ReplaceLabels swaps every label and assignment, as after a full fetch.
func (s *Store) ReplaceLabels(labels []Label, links []CardLabel) {
	s.mu.Lock()
	s.labels = make(map[EntityID]Label, len(labels))
	for _, l := range labels {
		s.labels[l.ID] = l
	}
	s.links = make(map[EntityID]CardLabel, len(links))
	for _, cl := range links {
		s.links[cl.ID] = cl
	}
	s.mu.Unlock()
	s.changed()
}
