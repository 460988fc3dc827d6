package realtime

import (
	"encoding/json"
	"fmt"

	"github.com/CrowderSoup/kanban-sync/models"
)

// Row is the set of row shapes a change event can carry.
type Row interface {
	models.Board | models.Column | models.Card | models.Label | models.CardLabel
}

// Event is a change notification delivered by the feed. It is one of
// Insert[R], Update[R] or Delete[R] for R in Row.
type Event interface {
	table() models.Table
}

// Insert reports a newly created row.
type Insert[R Row] struct {
	After R
}

// Update reports a modified row. Before may be nil when the feed omits it.
type Update[R Row] struct {
	Before *R
	After  R
}

// Delete reports a removed row. Before may carry only the id.
type Delete[R Row] struct {
	Before R
}

func (Insert[R]) table() models.Table { return tableOf[R]() }
func (Update[R]) table() models.Table { return tableOf[R]() }
func (Delete[R]) table() models.Table { return tableOf[R]() }

func tableOf[R Row]() models.Table {
	var zero R
	switch any(zero).(type) {
	case models.Board:
		return models.TableBoards
	case models.Column:
		return models.TableColumns
	case models.Label:
		return models.TableLabels
	case models.CardLabel:
		return models.TableCardLabels
	default:
		return models.TableCards
	}
}

// DecodeChange converts a wire change into a typed Event.
func DecodeChange(c models.Change) (Event, error) {
	switch c.Table {
	case models.TableBoards:
		return decodeAs[models.Board](c)
	case models.TableColumns:
		return decodeAs[models.Column](c)
	case models.TableCards:
		return decodeAs[models.Card](c)
	case models.TableLabels:
		return decodeAs[models.Label](c)
	case models.TableCardLabels:
		return decodeAs[models.CardLabel](c)
	default:
		return nil, fmt.Errorf("unknown table %q", c.Table)
	}
}

func decodeAs[R Row](c models.Change) (Event, error) {
	switch c.Kind {
	case models.ChangeInsert:
		var after R
		if err := json.Unmarshal(c.After, &after); err != nil {
			return nil, fmt.Errorf("failed to decode insert image: %w", err)
		}
		return Insert[R]{After: after}, nil
	case models.ChangeUpdate:
		var ev Update[R]
		if err := json.Unmarshal(c.After, &ev.After); err != nil {
			return nil, fmt.Errorf("failed to decode update image: %w", err)
		}
		if len(c.Before) > 0 {
			var before R
			if err := json.Unmarshal(c.Before, &before); err == nil {
				ev.Before = &before
			}
		}
		return ev, nil
	case models.ChangeDelete:
		var before R
		if err := json.Unmarshal(c.Before, &before); err != nil {
			return nil, fmt.Errorf("failed to decode delete image: %w", err)
		}
		return Delete[R]{Before: before}, nil
	default:
		return nil, fmt.Errorf("unknown change kind %q", c.Kind)
	}
}
