// Package models holds the row shapes exchanged between the board server and its clients.
package models

import (
	"slices"
	"time"
)

// Table names a row collection on the server.
type Table string

const (
	TableBoards     Table = "boards"
	TableColumns    Table = "columns"
	TableCards      Table = "cards"
	TableLabels     Table = "labels"
	TableCardLabels Table = "card_labels"
)

// Valid reports whether t is one of the known tables.
func (t Table) Valid() bool {
	switch t {
	case TableBoards, TableColumns, TableCards, TableLabels, TableCardLabels:
		return true
	}
	return false
}

// Priority orders cards by urgency, P1 first.
type Priority string

const (
	PriorityP1 Priority = "P1"
	PriorityP2 Priority = "P2"
	PriorityP3 Priority = "P3"
)

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityP1, PriorityP2, PriorityP3:
		return true
	}
	return false
}

// Weight returns a sort weight, higher is more urgent.
func (p Priority) Weight() int {
	switch p {
	case PriorityP1:
		return 3
	case PriorityP2:
		return 2
	case PriorityP3:
		return 1
	default:
		return 0
	}
}

// Status is the progress of a card. Any transition is allowed by direct edit.
type Status string

const (
	StatusNotStarted Status = "not_started"
	StatusStarted    Status = "started"
	StatusOngoing    Status = "ongoing"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusNotStarted, StatusStarted, StatusOngoing, StatusInProgress, StatusCompleted:
		return true
	}
	return false
}

// Active reports whether work on the card has begun but not finished.
func (s Status) Active() bool {
	return s == StatusStarted || s == StatusOngoing || s == StatusInProgress
}

// LabelColor is one of the fixed label palette entries.
type LabelColor string

const (
	LabelRed    LabelColor = "red"
	LabelOrange LabelColor = "orange"
	LabelYellow LabelColor = "yellow"
	LabelGreen  LabelColor = "green"
	LabelBlue   LabelColor = "blue"
	LabelPurple LabelColor = "purple"
	LabelPink   LabelColor = "pink"
	LabelGray   LabelColor = "gray"
)

// LabelColors lists the palette in display order.
var LabelColors = []LabelColor{LabelRed, LabelOrange, LabelYellow, LabelGreen, LabelBlue, LabelPurple, LabelPink, LabelGray}

// Valid reports whether c is in the palette.
func (c LabelColor) Valid() bool {
	return slices.Contains(LabelColors, c)
}

type Board struct {
	ID        string    `json:"id" yaml:"id"`
	Name      string    `json:"name" yaml:"name"`
	Version   int64     `json:"version" yaml:"version"`
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
	UpdatedAt time.Time `json:"updated_at" yaml:"updated_at"`
}

type Column struct {
	ID        string    `json:"id" yaml:"id"`
	BoardID   string    `json:"board_id" yaml:"board_id"`
	Name      string    `json:"name" yaml:"name"`
	Position  int       `json:"position" yaml:"position"`
	Color     *string   `json:"color,omitempty" yaml:"color,omitempty"`
	ClientRef string    `json:"client_ref,omitempty" yaml:"-"`
	Version   int64     `json:"version" yaml:"version"`
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
	UpdatedAt time.Time `json:"updated_at" yaml:"updated_at"`
}

type Card struct {
	ID          string     `json:"id" yaml:"id"`
	ColumnID    string     `json:"column_id" yaml:"column_id"`
	Title       string     `json:"title" yaml:"title"`
	Description *string    `json:"description,omitempty" yaml:"description,omitempty"`
	DueDate     *time.Time `json:"due_date,omitempty" yaml:"due_date,omitempty"`
	Priority    Priority   `json:"priority" yaml:"priority"`
	Status      Status     `json:"status" yaml:"status"`
	Position    int        `json:"position" yaml:"position"`
	AssigneeID  *string    `json:"assignee_id,omitempty" yaml:"assignee_id,omitempty"`
	ClientRef   string     `json:"client_ref,omitempty" yaml:"-"`
	Version     int64      `json:"version" yaml:"version"`
	CreatedAt   time.Time  `json:"created_at" yaml:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at" yaml:"updated_at"`
}

// Label is a named, colored tag defined per board.
type Label struct {
	ID        string     `json:"id" yaml:"id"`
	BoardID   string     `json:"board_id" yaml:"board_id"`
	Name      string     `json:"name" yaml:"name"`
	Color     LabelColor `json:"color" yaml:"color"`
	ClientRef string     `json:"client_ref,omitempty" yaml:"-"`
	Version   int64      `json:"version" yaml:"version"`
	CreatedAt time.Time  `json:"created_at" yaml:"created_at"`
	UpdatedAt time.Time  `json:"updated_at" yaml:"updated_at"`
}

// CardLabel attaches a label to a card. Rows are only inserted and deleted,
// so they carry no version.
type CardLabel struct {
	ID        string    `json:"id" yaml:"id"`
	CardID    string    `json:"card_id" yaml:"card_id"`
	LabelID   string    `json:"label_id" yaml:"label_id"`
	ClientRef string    `json:"client_ref,omitempty" yaml:"-"`
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
}

// BoardPatch carries the fields of a board update. Nil fields are left untouched.
type BoardPatch struct {
	Name *string `json:"name,omitempty"`
}

// ColumnPatch carries the fields of a column update. Nil fields are left untouched.
type ColumnPatch struct {
	Name     *string `json:"name,omitempty"`
	Position *int    `json:"position,omitempty"`
	Color    *string `json:"color,omitempty"`
}

// CardPatch carries the fields of a card update. Nil fields are left untouched.
type CardPatch struct {
	Title       *string    `json:"title,omitempty"`
	Description *string    `json:"description,omitempty"`
	DueDate     *time.Time `json:"due_date,omitempty"`
	Priority    *Priority  `json:"priority,omitempty"`
	Status      *Status    `json:"status,omitempty"`
	ColumnID    *string    `json:"column_id,omitempty"`
	Position    *int       `json:"position,omitempty"`
	AssigneeID  *string    `json:"assignee_id,omitempty"`
}

// Empty reports whether the patch changes nothing.
func (p CardPatch) Empty() bool {
	return p == CardPatch{}
}

// LabelPatch carries the fields of a label update. Nil fields are left untouched.
type LabelPatch struct {
	Name  *string     `json:"name,omitempty"`
	Color *LabelColor `json:"color,omitempty"`
}

// CardLabelPatch exists to satisfy the generic row API; card labels are
// never updated in place.
type CardLabelPatch struct{}

// Placement is one entry of a bulk position update.
type Placement struct {
	ID       string `json:"id"`
	ParentID string `json:"parent_id"`
	Position int    `json:"position"`
}

// Filter narrows a select. Empty fields match everything.
type Filter struct {
	ID      string `json:"id,omitempty"`
	BoardID string `json:"board_id,omitempty"`
}

// Snapshot is a whole board with its columns, cards and labels.
type Snapshot struct {
	Board      Board       `json:"board" yaml:"board"`
	Columns    []Column    `json:"columns" yaml:"columns"`
	Cards      []Card      `json:"cards" yaml:"cards"`
	Labels     []Label     `json:"labels,omitempty" yaml:"labels,omitempty"`
	CardLabels []CardLabel `json:"card_labels,omitempty" yaml:"card_labels,omitempty"`
}
