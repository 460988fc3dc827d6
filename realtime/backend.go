package realtime

import (
	"context"

	"github.com/CrowderSoup/kanban-sync/models"
)

// Table is row-level CRUD over one server table. Every call may fail with a
// transport or validation error.
type Table[R Row, P any] interface {
	Select(ctx context.Context, filter models.Filter) ([]R, error)
	Insert(ctx context.Context, row R) (R, error)
	Update(ctx context.Context, id string, patch P) (R, error)
	Delete(ctx context.Context, id string) error
}

// OrderedTable is a Table whose rows carry a position under a parent.
type OrderedTable[R Row, P any] interface {
	Table[R, P]
	BulkUpsert(ctx context.Context, placements []models.Placement) error
}

// Backend bundles the tables a board session talks to.
type Backend struct {
	Boards     Table[models.Board, models.BoardPatch]
	Columns    OrderedTable[models.Column, models.ColumnPatch]
	Cards      OrderedTable[models.Card, models.CardPatch]
	Labels     Table[models.Label, models.LabelPatch]
	CardLabels Table[models.CardLabel, models.CardLabelPatch]
}

// ChannelStatus is a health signal reported by a feed channel.
type ChannelStatus string

const (
	ChannelSubscribing ChannelStatus = "SUBSCRIBING"
	ChannelSubscribed  ChannelStatus = "SUBSCRIBED"
	ChannelTimedOut    ChannelStatus = "TIMED_OUT"
	ChannelClosed      ChannelStatus = "CLOSED"
	ChannelError       ChannelStatus = "CHANNEL_ERROR"
)

// Topic selects the changes a channel receives. An empty Filter receives every
// change of the table.
type Topic struct {
	Table  models.Table
	Filter string
}

// Channel is a handle to one feed subscription.
type Channel interface {
	Topic() Topic
}

// ChangeFeed delivers row changes. onEvent and onStatus may be called from any
// goroutine but never concurrently for the same channel.
type ChangeFeed interface {
	Subscribe(topic Topic, onEvent func(Event), onStatus func(ChannelStatus)) (Channel, error)
	Unsubscribe(ch Channel) error
}
