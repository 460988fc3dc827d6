package realtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/CrowderSoup/kanban-sync/models"
)

// Options configures a Session. The zero value is usable.
type Options struct {
	Logger *zerolog.Logger
	Retry  RetryPolicy
	// Clock drives retry timers. Nil uses real time.
	Clock Clock
	// Now stamps optimistic records. Nil uses time.Now.
	Now func() time.Time
	// RefetchOnRecover reloads the board whenever a channel comes back after
	// an interruption, since events sent in between are lost.
	RefetchOnRecover bool
}

// Session owns everything needed to keep one board in sync: the Store, the
// Mutator (embedded), the Ingester and the Supervisor of its feed channels.
type Session struct {
	*Mutator

	boardID    string
	backend    Backend
	store      *Store
	ledger     *ledger
	ingester   *Ingester
	supervisor *Supervisor
	logger     zerolog.Logger
	refetches  singleflight.Group

	mu     sync.Mutex
	closed bool
}

// Open loads board boardID and subscribes to its changes. Channels are opened
// before the initial load so that nothing committed in between is missed.
func Open(ctx context.Context, boardID string, backend Backend, feed ChangeFeed, opts Options) (*Session, error) {
	if boardID == "" {
		return nil, &ValidationError{Field: "board_id", Reason: "is required"}
	}
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	logger = logger.With().Str("board_id", boardID).Logger()
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	store := NewStore()
	l := newLedger()
	s := &Session{
		Mutator:    newMutator(boardID, store, l, backend, logger, now),
		boardID:    boardID,
		backend:    backend,
		store:      store,
		ledger:     l,
		ingester:   newIngester(boardID, store, l, logger),
		supervisor: NewSupervisor(feed, opts.Retry, opts.Clock, logger),
		logger:     logger,
	}
	if opts.RefetchOnRecover {
		s.supervisor.OnRecovered(func(key string) {
			go s.refetchAfterRecovery(key)
		})
	}

	for _, ch := range s.channels() {
		if err := s.supervisor.Subscribe(ch.key, ch.topic, s.ingester.Apply); err != nil {
			return nil, multierr.Append(err, s.supervisor.UnsubscribeAll())
		}
	}
	if err := s.Refetch(ctx); err != nil {
		return nil, multierr.Append(err, s.supervisor.UnsubscribeAll())
	}
	s.logger.Info().Int("columns", len(store.Columns())).Int("cards", len(store.AllCards())).Msg("board session opened")
	return s, nil
}

type channelSpec struct {
	key   string
	topic Topic
}

// channels lists the feeds of the session. Columns, cards and label
// assignments are received unfiltered because delete events may carry only
// the id; the Ingester decides relevance.
func (s *Session) channels() []channelSpec {
	return []channelSpec{
		{key: "boards:" + s.boardID, topic: Topic{Table: models.TableBoards, Filter: "id=" + s.boardID}},
		{key: "columns:" + s.boardID, topic: Topic{Table: models.TableColumns}},
		{key: "cards:" + s.boardID, topic: Topic{Table: models.TableCards}},
		{key: "labels:" + s.boardID, topic: Topic{Table: models.TableLabels, Filter: "board_id=" + s.boardID}},
		{key: "card_labels:" + s.boardID, topic: Topic{Table: models.TableCardLabels}},
	}
}

// BoardID returns the id of the session's board.
func (s *Session) BoardID() string { return s.boardID }

// Store returns the local snapshot.
func (s *Session) Store() *Store { return s.store }

// Status reports the health of the feed channels.
func (s *Session) Status() ConnectionStatus { return s.supervisor.Status() }

// ChannelStates returns the state of every feed channel by key.
func (s *Session) ChannelStates() map[string]ChannelState {
	out := make(map[string]ChannelState)
	for _, key := range s.supervisor.Keys() {
		out[key] = s.supervisor.State(key)
	}
	return out
}

// Refetch reloads the board with its columns, cards and labels and merges
// them into the Store. Local records with a newer version, records with a request in
// flight and pending records are kept.
func (s *Session) Refetch(ctx context.Context) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrClosed
	}

	var (
		board   models.Board
		columns []models.Column
		cards   []models.Card
		labels  []models.Label
		links   []models.CardLabel
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		rows, err := s.backend.Boards.Select(gctx, models.Filter{ID: s.boardID})
		if err != nil {
			return fmt.Errorf("failed to fetch board: %w", err)
		}
		if len(rows) == 0 {
			return fmt.Errorf("board %s: %w", s.boardID, ErrNotFound)
		}
		board = rows[0]
		return nil
	})
	g.Go(func() error {
		rows, err := s.backend.Columns.Select(gctx, models.Filter{BoardID: s.boardID})
		if err != nil {
			return fmt.Errorf("failed to fetch columns: %w", err)
		}
		columns = rows
		return nil
	})
	g.Go(func() error {
		rows, err := s.backend.Cards.Select(gctx, models.Filter{BoardID: s.boardID})
		if err != nil {
			return fmt.Errorf("failed to fetch cards: %w", err)
		}
		cards = rows
		return nil
	})
	g.Go(func() error {
		rows, err := s.backend.Labels.Select(gctx, models.Filter{BoardID: s.boardID})
		if err != nil {
			return fmt.Errorf("failed to fetch labels: %w", err)
		}
		labels = rows
		return nil
	})
	g.Go(func() error {
		rows, err := s.backend.CardLabels.Select(gctx, models.Filter{BoardID: s.boardID})
		if err != nil {
			return fmt.Errorf("failed to fetch label assignments: %w", err)
		}
		links = rows
		return nil
	})
	if err := g.Wait(); err != nil {
		return fmt.Errorf("failed to load board %s: %w", s.boardID, err)
	}

	s.ledger.mu.Lock()
	settled := s.merge(board, columns, cards)
	s.mergeLabels(labels, links, settled)
	s.ledger.mu.Unlock()
	return nil
}

// merge requires ledger.mu. It returns the pending records whose create
// already committed.
func (s *Session) merge(boardRow models.Board, columnRows []models.Column, cardRows []models.Card) map[EntityID]bool {
	board := boardFromRow(boardRow)
	if local, ok := s.store.Board(); ok && (local.Version > board.Version || s.ledger.busy(local.ID)) {
		board = local
	} else {
		s.ledger.accept(boardRow.ID, boardRow.Version)
	}

	// settled holds pending records whose create already committed.
	settled := make(map[EntityID]bool)

	fetchedCols := make(map[EntityID]bool, len(columnRows))
	var columns []Column
	for _, row := range columnRows {
		if !s.adopt(row.ClientRef, row.ID, settled) || s.ledger.buried(row.ID) {
			continue
		}
		id := Confirmed(row.ID)
		fetchedCols[id] = true
		if local, ok := s.store.Column(id); ok && (local.Version > row.Version || s.ledger.busy(id)) {
			columns = append(columns, local)
			continue
		}
		s.ledger.accept(row.ID, row.Version)
		columns = append(columns, columnFromRow(row))
	}
	for _, local := range s.store.Columns() {
		if !fetchedCols[local.ID] && !settled[local.ID] && (local.ID.IsPending() || s.ledger.busy(local.ID)) {
			fetchedCols[local.ID] = true
			columns = append(columns, local)
		}
	}

	fetchedCards := make(map[EntityID]bool, len(cardRows))
	var cards []Card
	for _, row := range cardRows {
		if !s.adopt(row.ClientRef, row.ID, settled) || s.ledger.buried(row.ID) {
			continue
		}
		id := Confirmed(row.ID)
		fetchedCards[id] = true
		if local, ok := s.store.Card(id); ok && (local.Version > row.Version || s.ledger.busy(id)) {
			cards = append(cards, local)
			continue
		}
		s.ledger.accept(row.ID, row.Version)
		cards = append(cards, cardFromRow(row))
	}
	for _, local := range s.store.AllCards() {
		if !fetchedCards[local.ID] && !settled[local.ID] && (local.ID.IsPending() || s.ledger.busy(local.ID)) {
			cards = append(cards, local)
		}
	}
	cards = filterCards(cards, func(c Card) bool { return fetchedCols[c.ColumnID] })

	s.store.Replace(board, columns, cards)
	return settled
}

// mergeLabels runs after merge, with ledger.mu held, and keeps the same rules
// for labels. Assignments whose card or label is gone are dropped.
func (s *Session) mergeLabels(labelRows []models.Label, linkRows []models.CardLabel, settled map[EntityID]bool) {
	fetched := make(map[EntityID]bool, len(labelRows))
	var labels []Label
	for _, row := range labelRows {
		if !s.adopt(row.ClientRef, row.ID, settled) || s.ledger.buried(row.ID) {
			continue
		}
		id := Confirmed(row.ID)
		fetched[id] = true
		if local, ok := s.store.Label(id); ok && (local.Version > row.Version || s.ledger.busy(id)) {
			labels = append(labels, local)
			continue
		}
		s.ledger.accept(row.ID, row.Version)
		labels = append(labels, labelFromRow(row))
	}
	for _, local := range s.store.Labels() {
		if !fetched[local.ID] && !settled[local.ID] && (local.ID.IsPending() || s.ledger.busy(local.ID)) {
			fetched[local.ID] = true
			labels = append(labels, local)
		}
	}

	keep := func(cl CardLabel) bool {
		_, ok := s.store.Card(cl.CardID)
		return ok && fetched[cl.LabelID]
	}
	seen := make(map[EntityID]bool, len(linkRows))
	var links []CardLabel
	for _, row := range linkRows {
		if !s.adopt(row.ClientRef, row.ID, settled) || s.ledger.buried(row.ID) {
			continue
		}
		cl := cardLabelFromRow(row)
		seen[cl.ID] = true
		if keep(cl) {
			links = append(links, cl)
		}
	}
	for _, local := range s.store.AllCardLabels() {
		if !seen[local.ID] && !settled[local.ID] && (local.ID.IsPending() || s.ledger.busy(local.ID)) && keep(local) {
			links = append(links, local)
		}
	}
	s.store.ReplaceLabels(labels, links)
}

// adopt resolves a fetched row that echoes the client_ref of a create still
// waiting for its response, marking the pending record in settled. It reports
// false when that create was cancelled by a local delete.
func (s *Session) adopt(ref, serverID string, settled map[EntityID]bool) bool {
	if ref == "" {
		return true
	}
	pc := s.ledger.creates[ref]
	if pc == nil {
		return true
	}
	pc.serverID = serverID
	settled[pc.id] = true
	if pc.cancelled {
		s.ledger.bury(serverID)
		return false
	}
	return true
}

func filterCards(cards []Card, keep func(Card) bool) []Card {
	out := cards[:0]
	for _, c := range cards {
		if keep(c) {
			out = append(out, c)
		}
	}
	return out
}

func (s *Session) refetchAfterRecovery(key string) {
	_, err, _ := s.refetches.Do("refetch", func() (any, error) {
		return nil, s.Refetch(context.Background())
	})
	if err != nil {
		s.logger.Warn().Err(err).Str("key", key).Msg("refetch after reconnect failed")
	}
}

// Close tears down every feed channel. The Store keeps its last contents.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	err := s.supervisor.UnsubscribeAll()
	if err != nil {
		s.logger.Warn().Err(err).Msg("board session closed with errors")
		return fmt.Errorf("failed to close session: %w", err)
	}
	s.logger.Info().Msg("board session closed")
	return nil
}
