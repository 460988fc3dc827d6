package realtime

import (
	"time"

	"github.com/CrowderSoup/kanban-sync/models"
)

// Board is the local copy of a board row.
type Board struct {
	ID        EntityID
	Name      string
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Column is the local copy of a column row.
type Column struct {
	ID        EntityID
	BoardID   string
	Name      string
	Position  int
	Color     *string
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Card is the local copy of a card row.
type Card struct {
	ID          EntityID
	ColumnID    EntityID
	Title       string
	Description *string
	DueDate     *time.Time
	Priority    models.Priority
	Status      models.Status
	Position    int
	AssigneeID  *string
	Version     int64
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (c Column) entityKey() EntityID { return c.ID }
func (c Column) parentKey() EntityID { return Confirmed(c.BoardID) }
func (c Column) position() int       { return c.Position }

func (c Column) placed(parent EntityID, pos int) Column {
	if id, ok := parent.ServerID(); ok {
		c.BoardID = id
	}
	c.Position = pos
	return c
}

func (c Card) entityKey() EntityID { return c.ID }
func (c Card) parentKey() EntityID { return c.ColumnID }
func (c Card) position() int       { return c.Position }

func (c Card) placed(parent EntityID, pos int) Card {
	c.ColumnID = parent
	c.Position = pos
	return c
}

func boardFromRow(r models.Board) Board {
	return Board{
		ID:        Confirmed(r.ID),
		Name:      r.Name,
		Version:   r.Version,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}

func columnFromRow(r models.Column) Column {
	return Column{
		ID:        Confirmed(r.ID),
		BoardID:   r.BoardID,
		Name:      r.Name,
		Position:  r.Position,
		Color:     r.Color,
		Version:   r.Version,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}

func cardFromRow(r models.Card) Card {
	return Card{
		ID:          Confirmed(r.ID),
		ColumnID:    Confirmed(r.ColumnID),
		Title:       r.Title,
		Description: r.Description,
		DueDate:     r.DueDate,
		Priority:    r.Priority,
		Status:      r.Status,
		Position:    r.Position,
		AssigneeID:  r.AssigneeID,
		Version:     r.Version,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
}

// Row converts the board back to its wire shape.
func (b Board) Row() models.Board {
	id, _ := b.ID.ServerID()
	return models.Board{ID: id, Name: b.Name, Version: b.Version, CreatedAt: b.CreatedAt, UpdatedAt: b.UpdatedAt}
}

// Row converts the column back to its wire shape. Pending ids become empty.
func (c Column) Row() models.Column {
	id, _ := c.ID.ServerID()
	return models.Column{
		ID:        id,
		BoardID:   c.BoardID,
		Name:      c.Name,
		Position:  c.Position,
		Color:     c.Color,
		Version:   c.Version,
		CreatedAt: c.CreatedAt,
		UpdatedAt: c.UpdatedAt,
	}
}

// Row converts the card back to its wire shape. Pending ids become empty.
func (c Card) Row() models.Card {
	id, _ := c.ID.ServerID()
	columnID, _ := c.ColumnID.ServerID()
	return models.Card{
		ID:          id,
		ColumnID:    columnID,
		Title:       c.Title,
		Description: c.Description,
		DueDate:     c.DueDate,
		Priority:    c.Priority,
		Status:      c.Status,
		Position:    c.Position,
		AssigneeID:  c.AssigneeID,
		Version:     c.Version,
		CreatedAt:   c.CreatedAt,
		UpdatedAt:   c.UpdatedAt,
	}
}

// apply merges the non-nil fields of p into the card.
func (c Card) apply(p models.CardPatch) Card {
	if p.Title != nil {
		c.Title = *p.Title
	}
	if p.Description != nil {
		c.Description = p.Description
	}
	if p.DueDate != nil {
		c.DueDate = p.DueDate
	}
	if p.Priority != nil {
		c.Priority = *p.Priority
	}
	if p.Status != nil {
		c.Status = *p.Status
	}
	if p.ColumnID != nil {
		c.ColumnID = Confirmed(*p.ColumnID)
	}
	if p.Position != nil {
		c.Position = *p.Position
	}
	if p.AssigneeID != nil {
		c.AssigneeID = p.AssigneeID
	}
	return c
}

func (c Column) apply(p models.ColumnPatch) Column {
	if p.Name != nil {
		c.Name = *p.Name
	}
	if p.Position != nil {
		c.Position = *p.Position
	}
	if p.Color != nil {
		c.Color = p.Color
	}
	return c
}

// Label is the local copy of a board label.
type Label struct {
	ID        EntityID
	BoardID   string
	Name      string
	Color     models.LabelColor
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// CardLabel attaches a label to a card. ID is pending until the server
// confirms the assignment.
type CardLabel struct {
	ID        EntityID
	CardID    EntityID
	LabelID   EntityID
	CreatedAt time.Time
}

func labelFromRow(r models.Label) Label {
	return Label{
		ID:        Confirmed(r.ID),
		BoardID:   r.BoardID,
		Name:      r.Name,
		Color:     r.Color,
		Version:   r.Version,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}

func cardLabelFromRow(r models.CardLabel) CardLabel {
	return CardLabel{
		ID:        Confirmed(r.ID),
		CardID:    Confirmed(r.CardID),
		LabelID:   Confirmed(r.LabelID),
		CreatedAt: r.CreatedAt,
	}
}

// Row converts the label back to its wire shape. Pending ids become empty.
func (l Label) Row() models.Label {
	id, _ := l.ID.ServerID()
	return models.Label{
		ID:        id,
		BoardID:   l.BoardID,
		Name:      l.Name,
		Color:     l.Color,
		Version:   l.Version,
		CreatedAt: l.CreatedAt,
		UpdatedAt: l.UpdatedAt,
	}
}

func (cl CardLabel) Row() models.CardLabel {
	id, _ := cl.ID.ServerID()
	cardID, _ := cl.CardID.ServerID()
	labelID, _ := cl.LabelID.ServerID()
	return models.CardLabel{ID: id, CardID: cardID, LabelID: labelID, CreatedAt: cl.CreatedAt}
}

func (l Label) apply(p models.LabelPatch) Label {
	if p.Name != nil {
		l.Name = *p.Name
	}
	if p.Color != nil {
		l.Color = *p.Color
	}
	return l
}
