package realtime

import (
	"slices"
	"sync"

	"github.com/CrowderSoup/kanban-sync/models"
)

type entity[T any] interface {
	entityKey() EntityID
	parentKey() EntityID
	position() int
	placed(parent EntityID, pos int) T
}

// collection holds one entity kind keyed by id, ordered per parent by position
// with the id as tie-break.
type collection[T entity[T]] struct {
	items map[EntityID]T
}

func newCollection[T entity[T]]() collection[T] {
	return collection[T]{items: make(map[EntityID]T)}
}

func (c *collection[T]) upsert(v T) {
	c.items[v.entityKey()] = v
}

func (c *collection[T]) remove(id EntityID) bool {
	if _, ok := c.items[id]; !ok {
		return false
	}
	delete(c.items, id)
	return true
}

func (c *collection[T]) get(id EntityID) (T, bool) {
	v, ok := c.items[id]
	return v, ok
}

func (c *collection[T]) children(parent EntityID) []T {
	var out []T
	for _, v := range c.items {
		if v.parentKey() == parent {
			out = append(out, v)
		}
	}
	sortByPosition(out)
	return out
}

func (c *collection[T]) all() []T {
	out := make([]T, 0, len(c.items))
	for _, v := range c.items {
		out = append(out, v)
	}
	sortByPosition(out)
	return out
}

// reorder moves the entity at index from to index to within the parent's
// sorted sublist, then renumbers the whole sublist 0..n-1. Out of range
// indices leave the collection untouched.
func (c *collection[T]) reorder(parent EntityID, from, to int) ([]T, bool) {
	list := c.children(parent)
	if from < 0 || from >= len(list) || to < 0 || to >= len(list) {
		return nil, false
	}
	moved := list[from]
	list = slices.Delete(list, from, from+1)
	list = slices.Insert(list, to, moved)
	for i, v := range list {
		v = v.placed(parent, i)
		list[i] = v
		c.items[v.entityKey()] = v
	}
	return list, true
}

// move reparents an entity and sets its position. Siblings are not renumbered.
func (c *collection[T]) move(id, parent EntityID, pos int) (T, bool) {
	v, ok := c.items[id]
	if !ok {
		return v, false
	}
	v = v.placed(parent, pos)
	c.items[id] = v
	return v, true
}

func sortByPosition[T entity[T]](list []T) {
	slices.SortStableFunc(list, func(a, b T) int {
		if a.position() != b.position() {
			return a.position() - b.position()
		}
		switch {
		case a.entityKey() == b.entityKey():
			return 0
		case a.entityKey().Less(b.entityKey()):
			return -1
		default:
			return 1
		}
	})
}

// Store is this client's snapshot of one board, its columns, its cards and its
// labels. Store operations never fail; every method is safe for concurrent use.
type Store struct {
	mu      sync.RWMutex
	board   *Board
	columns collection[Column]
	cards   collection[Card]
	labels  map[EntityID]Label
	links   map[EntityID]CardLabel

	listenersMu sync.Mutex
	listeners   map[int]func()
	nextID      int
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		columns:   newCollection[Column](),
		cards:     newCollection[Card](),
		labels:    make(map[EntityID]Label),
		links:     make(map[EntityID]CardLabel),
		listeners: make(map[int]func()),
	}
}

// OnChange registers fn to run after every mutation. The returned func removes it.
//
// fn runs synchronously on the goroutine that changed the store, which may hold
// the session lock. It must not call into the Session or its Mutator; hand the
// work to another goroutine instead.
func (s *Store) OnChange(fn func()) func() {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	return func() {
		s.listenersMu.Lock()
		delete(s.listeners, id)
		s.listenersMu.Unlock()
	}
}

func (s *Store) changed() {
	s.listenersMu.Lock()
	fns := make([]func(), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.listenersMu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// Board returns the loaded board.
func (s *Store) Board() (Board, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.board == nil {
		return Board{}, false
	}
	return *s.board, true
}

// SetBoard replaces the board record.
func (s *Store) SetBoard(b Board) {
	s.mu.Lock()
	s.board = &b
	s.mu.Unlock()
	s.changed()
}

// Replace swaps the whole snapshot, as after a full fetch.
func (s *Store) Replace(board Board, columns []Column, cards []Card) {
	s.mu.Lock()
	s.board = &board
	s.columns = newCollection[Column]()
	s.cards = newCollection[Card]()
	for _, c := range columns {
		s.columns.upsert(c)
	}
	for _, c := range cards {
		s.cards.upsert(c)
	}
	s.mu.Unlock()
	s.changed()
}

// Clear drops everything, as when the board itself is deleted.
func (s *Store) Clear() {
	s.mu.Lock()
	s.board = nil
	s.columns = newCollection[Column]()
	s.cards = newCollection[Card]()
	s.labels = make(map[EntityID]Label)
	s.links = make(map[EntityID]CardLabel)
	s.mu.Unlock()
	s.changed()
}

// UpsertColumn inserts the column or replaces the record with the same id.
func (s *Store) UpsertColumn(c Column) {
	s.mu.Lock()
	s.columns.upsert(c)
	s.mu.Unlock()
	s.changed()
}

// UpsertCard inserts the card or replaces the record with the same id.
func (s *Store) UpsertCard(c Card) {
	s.mu.Lock()
	s.cards.upsert(c)
	s.mu.Unlock()
	s.changed()
}

// RemoveColumn removes the column. Removing an absent id is a no-op.
func (s *Store) RemoveColumn(id EntityID) bool {
	s.mu.Lock()
	ok := s.columns.remove(id)
	s.mu.Unlock()
	if ok {
		s.changed()
	}
	return ok
}

// RemoveColumnCascade removes the column together with every card under it.
func (s *Store) RemoveColumnCascade(id EntityID) (Column, []Card, bool) {
	s.mu.Lock()
	col, ok := s.columns.get(id)
	if !ok {
		s.mu.Unlock()
		return Column{}, nil, false
	}
	cards := s.cards.children(id)
	for _, c := range cards {
		s.cards.remove(c.ID)
	}
	s.columns.remove(id)
	s.mu.Unlock()
	s.changed()
	return col, cards, true
}

// RemoveCard removes the card. Removing an absent id is a no-op.
func (s *Store) RemoveCard(id EntityID) bool {
	s.mu.Lock()
	ok := s.cards.remove(id)
	s.mu.Unlock()
	if ok {
		s.changed()
	}
	return ok
}

// Column returns the column with id.
func (s *Store) Column(id EntityID) (Column, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.columns.get(id)
}

// Card returns the card with id.
func (s *Store) Card(id EntityID) (Card, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cards.get(id)
}

// Columns returns every column in left-to-right order.
func (s *Store) Columns() []Column {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.columns.all()
}

// Cards returns the cards of one column in top-to-bottom order.
func (s *Store) Cards(columnID EntityID) []Card {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cards.children(columnID)
}

// AllCards returns every card, grouped by column order.
func (s *Store) AllCards() []Card {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Card
	seen := make(map[EntityID]bool)
	for _, col := range s.columns.all() {
		seen[col.ID] = true
		out = append(out, s.cards.children(col.ID)...)
	}
	for _, c := range s.cards.all() {
		if !seen[c.ColumnID] {
			out = append(out, c)
		}
	}
	return out
}

// ReorderColumns moves the column at index from to index to and renumbers
// every column of the board densely.
func (s *Store) ReorderColumns(boardID string, from, to int) ([]Column, bool) {
	s.mu.Lock()
	list, ok := s.columns.reorder(Confirmed(boardID), from, to)
	s.mu.Unlock()
	if ok {
		s.changed()
	}
	return list, ok
}

// ReorderCards moves the card at index from to index to within the column and
// renumbers every card of the column densely.
func (s *Store) ReorderCards(columnID EntityID, from, to int) ([]Card, bool) {
	s.mu.Lock()
	list, ok := s.cards.reorder(columnID, from, to)
	s.mu.Unlock()
	if ok {
		s.changed()
	}
	return list, ok
}

// MoveCard changes the card's column and position without renumbering siblings.
func (s *Store) MoveCard(id, columnID EntityID, pos int) (Card, bool) {
	s.mu.Lock()
	c, ok := s.cards.move(id, columnID, pos)
	s.mu.Unlock()
	if ok {
		s.changed()
	}
	return c, ok
}

// ReparentCards appends the confirmed cards of from to the end of to, keeping
// their order, and returns them as placed. Pending cards stay in from.
func (s *Store) ReparentCards(from, to EntityID) []Card {
	s.mu.Lock()
	base := len(s.cards.children(to))
	var moved []Card
	for _, c := range s.cards.children(from) {
		if c.ID.IsPending() {
			continue
		}
		next, _ := s.cards.move(c.ID, to, base+len(moved))
		moved = append(moved, next)
	}
	s.mu.Unlock()
	if len(moved) > 0 {
		s.changed()
	}
	return moved
}

// Snapshot returns the confirmed records in wire form.
func (s *Store) Snapshot() models.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var snap models.Snapshot
	if s.board != nil {
		snap.Board = s.board.Row()
	}
	for _, c := range s.columns.all() {
		if !c.ID.IsPending() {
			snap.Columns = append(snap.Columns, c.Row())
		}
	}
	for _, c := range s.cards.all() {
		if !c.ID.IsPending() {
			snap.Cards = append(snap.Cards, c.Row())
		}
	}
	for _, l := range s.sortedLabels() {
		if !l.ID.IsPending() {
			snap.Labels = append(snap.Labels, l.Row())
		}
	}
	for _, cl := range s.sortedLinks(func(CardLabel) bool { return true }) {
		if _, ok := s.cards.get(cl.CardID); ok && !cl.ID.IsPending() {
			snap.CardLabels = append(snap.CardLabels, cl.Row())
		}
	}
	return snap
}
