package database

// SeedData is the JSONC document accepted by Seed.
type SeedData struct {
	Boards []SeedBoard `json:"boards"`
}

type SeedBoard struct {
	Name    string       `json:"name"`
	Labels  []SeedLabel  `json:"labels,omitempty"`
	Columns []SeedColumn `json:"columns"`
}

type SeedLabel struct {
	Name  string `json:"name"`
	Color string `json:"color,omitempty"`
}

type SeedColumn struct {
	Title string     `json:"title"`
	Color *string    `json:"color,omitempty"`
	Tasks []SeedTask `json:"tasks"`
}

type SeedTask struct {
	Title       string  `json:"title"`
	Description string  `json:"description"`
	DueDate     string  `json:"dueDate"` // YYYY-MM-DD or RFC 3339
	Priority    *string `json:"priority"`
	Status      *string `json:"status"`
	AssigneeID  *string `json:"assigneeId,omitempty"`
	// Labels names labels of the board.
	Labels []string `json:"labels,omitempty"`
}
