package realtime

import (
	"slices"
	"strings"

	"github.com/CrowderSoup/kanban-sync/models"
)

// BoardStats counts the cards of a board by progress.
type BoardStats struct {
	TotalCards      int     `json:"total_cards"`
	TotalColumns    int     `json:"total_columns"`
	CompletedCards  int     `json:"completed_cards"`
	InProgressCards int     `json:"in_progress_cards"`
	CompletionRate  float64 `json:"completion_rate"`
}

// ColumnStats counts the cards of one column.
type ColumnStats struct {
	TotalCards     int     `json:"total_cards"`
	CompletedCards int     `json:"completed_cards"`
	CompletionRate float64 `json:"completion_rate"`
}

func percent(part, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(part) / float64(total) * 100
}

// Stats computes BoardStats over the current snapshot.
func (s *Store) Stats() (BoardStats, bool) {
	if _, ok := s.Board(); !ok {
		return BoardStats{}, false
	}
	cards := s.AllCards()
	st := BoardStats{TotalCards: len(cards), TotalColumns: len(s.Columns())}
	for _, c := range cards {
		switch {
		case c.Status == models.StatusCompleted:
			st.CompletedCards++
		case c.Status.Active():
			st.InProgressCards++
		}
	}
	st.CompletionRate = percent(st.CompletedCards, st.TotalCards)
	return st, true
}

// ColumnStats computes the statistics of one column.
func (s *Store) ColumnStats(id EntityID) (ColumnStats, bool) {
	if _, ok := s.Column(id); !ok {
		return ColumnStats{}, false
	}
	cards := s.Cards(id)
	st := ColumnStats{TotalCards: len(cards)}
	for _, c := range cards {
		if c.Status == models.StatusCompleted {
			st.CompletedCards++
		}
	}
	st.CompletionRate = percent(st.CompletedCards, st.TotalCards)
	return st, true
}

// CardsByPriority groups cards by priority. Cards without a known priority
// are grouped under the empty key.
func (s *Store) CardsByPriority() map[models.Priority][]Card {
	out := map[models.Priority][]Card{
		models.PriorityP1: nil,
		models.PriorityP2: nil,
		models.PriorityP3: nil,
		"":                nil,
	}
	for _, c := range s.AllCards() {
		p := c.Priority
		if !p.Valid() {
			p = ""
		}
		out[p] = append(out[p], c)
	}
	return out
}

// CardsByStatus groups cards by status. Unknown statuses count as not started.
func (s *Store) CardsByStatus() map[models.Status][]Card {
	out := map[models.Status][]Card{
		models.StatusNotStarted: nil,
		models.StatusStarted:    nil,
		models.StatusOngoing:    nil,
		models.StatusInProgress: nil,
		models.StatusCompleted:  nil,
	}
	for _, c := range s.AllCards() {
		st := c.Status
		if !st.Valid() {
			st = models.StatusNotStarted
		}
		out[st] = append(out[st], c)
	}
	return out
}

// CardFilter narrows FilterCards. Empty fields match everything.
type CardFilter struct {
	// Search matches title or description, case-insensitively.
	Search     string
	Priority   models.Priority
	Status     models.Status
	AssigneeID string
	// Labels matches cards carrying any of the labels.
	Labels []EntityID
}

func (f CardFilter) match(c Card) bool {
	if f.Search != "" {
		q := strings.ToLower(f.Search)
		inTitle := strings.Contains(strings.ToLower(c.Title), q)
		inDesc := c.Description != nil && strings.Contains(strings.ToLower(*c.Description), q)
		if !inTitle && !inDesc {
			return false
		}
	}
	if f.Priority != "" && c.Priority != f.Priority {
		return false
	}
	if f.Status != "" && c.Status != f.Status {
		return false
	}
	if f.AssigneeID != "" && (c.AssigneeID == nil || *c.AssigneeID != f.AssigneeID) {
		return false
	}
	return true
}

// FilterCards returns the cards matching f in board order.
func (s *Store) FilterCards(f CardFilter) []Card {
	var labeled map[EntityID]bool
	if len(f.Labels) > 0 {
		labeled = s.cardsLabeled(f.Labels)
	}
	var out []Card
	for _, c := range s.AllCards() {
		if f.match(c) && (labeled == nil || labeled[c.ID]) {
			out = append(out, c)
		}
	}
	return out
}

func (s *Store) cardsLabeled(labels []EntityID) map[EntityID]bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[EntityID]bool)
	for _, cl := range s.links {
		if slices.Contains(labels, cl.LabelID) {
			out[cl.CardID] = true
		}
	}
	return out
}
