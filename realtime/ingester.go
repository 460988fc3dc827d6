package realtime

import (
	"github.com/rs/zerolog"

	"github.com/CrowderSoup/kanban-sync/models"
)

// Ingester merges feed events into the Store. Events arrive for every row of
// a table, so relevance to the session's board is decided here.
//
// Convergence with the optimistic path does not depend on arrival order:
// rows older than the last applied version are dropped, deleted ids stay
// deleted, inserts carrying a pending client_ref settle that pending record,
// and updates for an entity with a request in flight are held until the
// request settles.
type Ingester struct {
	boardID string
	store   *Store
	ledger  *ledger
	logger  zerolog.Logger
}

func newIngester(boardID string, store *Store, l *ledger, logger zerolog.Logger) *Ingester {
	return &Ingester{boardID: boardID, store: store, ledger: l, logger: logger}
}

// Apply merges one event.
func (in *Ingester) Apply(ev Event) {
	in.ledger.mu.Lock()
	defer in.ledger.mu.Unlock()

	switch e := ev.(type) {
	case Insert[models.Board]:
		if e.After.ID == in.boardID {
			in.boardChanged(e.After)
		}
	case Update[models.Board]:
		if e.After.ID == in.boardID {
			id := Confirmed(e.After.ID)
			if in.ledger.busy(id) {
				in.ledger.hold(id, e.After.Version, func() { in.boardChanged(e.After) })
				return
			}
			in.boardChanged(e.After)
		}
	case Delete[models.Board]:
		if e.Before.ID == in.boardID {
			in.logger.Info().Str("board_id", in.boardID).Msg("board deleted remotely")
			in.ledger.bury(e.Before.ID)
			in.store.Clear()
		}

	case Insert[models.Column]:
		if e.After.BoardID != in.boardID {
			return
		}
		if in.settlePending(e.After.ClientRef, e.After.ID, func(pending EntityID) {
			in.store.RemoveColumnCascade(pending)
		}) {
			return
		}
		if _, ok := in.store.Column(Confirmed(e.After.ID)); ok {
			return
		}
		in.columnChanged(e.After)
	case Update[models.Column]:
		id := Confirmed(e.After.ID)
		if _, local := in.store.Column(id); !local && e.After.BoardID != in.boardID {
			return
		}
		if in.ledger.busy(id) {
			in.ledger.hold(id, e.After.Version, func() { in.columnChanged(e.After) })
			return
		}
		in.columnChanged(e.After)
	case Delete[models.Column]:
		id := Confirmed(e.Before.ID)
		if _, local := in.store.Column(id); !local && e.Before.BoardID != in.boardID {
			return
		}
		in.ledger.bury(e.Before.ID)
		in.store.RemoveColumnCascade(id)

	case Insert[models.Card]:
		if !in.relevantCard(e.After) {
			return
		}
		if in.settlePending(e.After.ClientRef, e.After.ID, func(pending EntityID) {
			in.store.RemoveCard(pending)
		}) {
			return
		}
		if _, ok := in.store.Card(Confirmed(e.After.ID)); ok {
			return
		}
		in.cardChanged(e.After)
	case Update[models.Card]:
		id := Confirmed(e.After.ID)
		if !in.relevantCard(e.After) {
			if _, local := in.store.Card(id); !local {
				return
			}
		}
		if in.ledger.busy(id) {
			in.ledger.hold(id, e.After.Version, func() { in.cardChanged(e.After) })
			return
		}
		in.cardChanged(e.After)
	case Delete[models.Card]:
		id := Confirmed(e.Before.ID)
		if _, local := in.store.Card(id); !local && !in.relevantCard(e.Before) {
			return
		}
		in.ledger.bury(e.Before.ID)
		in.store.RemoveCard(id)

	case Insert[models.Label]:
		if e.After.BoardID != in.boardID {
			return
		}
		if in.settlePending(e.After.ClientRef, e.After.ID, func(pending EntityID) {
			in.store.RemoveLabel(pending)
		}) {
			return
		}
		if _, ok := in.store.Label(Confirmed(e.After.ID)); ok {
			return
		}
		in.labelChanged(e.After)
	case Update[models.Label]:
		id := Confirmed(e.After.ID)
		if _, local := in.store.Label(id); !local && e.After.BoardID != in.boardID {
			return
		}
		if in.ledger.busy(id) {
			in.ledger.hold(id, e.After.Version, func() { in.labelChanged(e.After) })
			return
		}
		in.labelChanged(e.After)
	case Delete[models.Label]:
		id := Confirmed(e.Before.ID)
		if _, local := in.store.Label(id); !local && e.Before.BoardID != in.boardID {
			return
		}
		in.ledger.bury(e.Before.ID)
		in.store.RemoveLabel(id)

	case Insert[models.CardLabel]:
		if !in.relevantLink(e.After) {
			return
		}
		if in.settlePending(e.After.ClientRef, e.After.ID, func(pending EntityID) {
			in.store.RemoveCardLabel(pending)
		}) {
			return
		}
		if _, ok := in.store.CardLabel(Confirmed(e.After.ID)); ok {
			return
		}
		if in.ledger.accept(e.After.ID, 0) {
			in.store.UpsertCardLabel(cardLabelFromRow(e.After))
		}
	case Delete[models.CardLabel]:
		id := Confirmed(e.Before.ID)
		if _, local := in.store.CardLabel(id); !local && !in.relevantLink(e.Before) {
			return
		}
		in.ledger.bury(e.Before.ID)
		in.store.RemoveCardLabel(id)

	default:
		in.logger.Warn().Str("event", eventName(ev)).Msg("ignoring unknown event")
	}
}

// relevantCard reports whether the card belongs under a column of this board.
func (in *Ingester) relevantCard(row models.Card) bool {
	if row.ColumnID == "" {
		return false
	}
	_, ok := in.store.Column(Confirmed(row.ColumnID))
	return ok
}

// relevantLink reports whether both ends of an assignment are on this board.
func (in *Ingester) relevantLink(row models.CardLabel) bool {
	if _, ok := in.store.Card(Confirmed(row.CardID)); !ok {
		return false
	}
	_, ok := in.store.Label(Confirmed(row.LabelID))
	return ok
}

// settlePending resolves an insert that echoes the client_ref of a create
// still waiting for its response. The pending record is swapped for the
// confirmed one right away, unless it was deleted locally in the meantime.
// It reports whether the insert was consumed.
func (in *Ingester) settlePending(ref, serverID string, drop func(pending EntityID)) bool {
	if ref == "" {
		return false
	}
	pc := in.ledger.creates[ref]
	if pc == nil {
		return false
	}
	pc.serverID = serverID
	drop(pc.id)
	if pc.cancelled {
		in.ledger.bury(serverID)
		return true
	}
	return false
}

func (in *Ingester) boardChanged(row models.Board) {
	if !in.ledger.accept(row.ID, row.Version) {
		return
	}
	in.store.SetBoard(boardFromRow(row))
}

func (in *Ingester) columnChanged(row models.Column) {
	if !in.ledger.accept(row.ID, row.Version) {
		return
	}
	if row.BoardID != in.boardID {
		in.store.RemoveColumnCascade(Confirmed(row.ID))
		return
	}
	in.store.UpsertColumn(columnFromRow(row))
}

func (in *Ingester) cardChanged(row models.Card) {
	if !in.ledger.accept(row.ID, row.Version) {
		return
	}
	if !in.relevantCard(row) {
		in.store.RemoveCard(Confirmed(row.ID))
		return
	}
	in.store.UpsertCard(cardFromRow(row))
}

func (in *Ingester) labelChanged(row models.Label) {
	if !in.ledger.accept(row.ID, row.Version) {
		return
	}
	if row.BoardID != in.boardID {
		in.store.RemoveLabel(Confirmed(row.ID))
		return
	}
	in.store.UpsertLabel(labelFromRow(row))
}

func eventName(ev Event) string {
	if ev == nil {
		return "nil"
	}
	return string(ev.table())
}
