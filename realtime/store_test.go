package realtime

import (
	"math/rand/v2"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CrowderSoup/kanban-sync/models"
)

func newSeededStore(t *testing.T, titles ...string) (*Store, EntityID) {
	t.Helper()
	s := NewStore()
	s.SetBoard(Board{ID: Confirmed("b1"), Name: "Roadmap"})
	col := Confirmed("todo")
	s.UpsertColumn(Column{ID: col, BoardID: "b1", Name: "To Do"})
	for i, title := range titles {
		s.UpsertCard(Card{ID: Confirmed(title), ColumnID: col, Title: title, Position: i})
	}
	return s, col
}

func Test_Store_RemoveCard_Is_Idempotent(t *testing.T) {
	t.Parallel()

	s, col := newSeededStore(t, "A", "B")

	assert.True(t, s.RemoveCard(Confirmed("A")))
	once := s.Cards(col)
	assert.False(t, s.RemoveCard(Confirmed("A")))

	require.Equal(t, once, s.Cards(col))
	require.Equal(t, []string{"B"}, titles(s.Cards(col)))
}

func Test_Store_UpsertCard_Replaces_Record_When_ID_Exists(t *testing.T) {
	t.Parallel()

	s, col := newSeededStore(t, "A")
	s.UpsertCard(Card{ID: Confirmed("A"), ColumnID: col, Title: "renamed"})
	s.UpsertCard(Card{ID: Confirmed("A"), ColumnID: col, Title: "renamed"})

	require.Len(t, s.Cards(col), 1)
	require.Equal(t, "renamed", s.Cards(col)[0].Title)
}

func Test_Store_ReorderCards_Keeps_Positions_Dense_When_Reordered_Repeatedly(t *testing.T) {
	t.Parallel()

	s, col := newSeededStore(t, "A", "B", "C", "D", "E", "F", "G")
	rng := rand.New(rand.NewPCG(7, 11))

	for range 200 {
		from, to := rng.IntN(7), rng.IntN(7)
		s.ReorderCards(col, from, to)

		got := positions(s.Cards(col))
		require.Equal(t, []int{0, 1, 2, 3, 4, 5, 6}, got, "positions after moving %d to %d", from, to)
	}
}

func Test_Store_ReorderCards_Is_Deterministic(t *testing.T) {
	t.Parallel()

	a, colA := newSeededStore(t, "A", "B", "C", "D")
	b, colB := newSeededStore(t, "A", "B", "C", "D")

	a.ReorderCards(colA, 3, 1)
	b.ReorderCards(colB, 3, 1)

	if diff := cmp.Diff(a.Cards(colA), b.Cards(colB)); diff != "" {
		t.Fatalf("reorder diverged (-a +b):\n%s", diff)
	}
	require.Equal(t, []string{"A", "D", "B", "C"}, titles(a.Cards(colA)))
}

func Test_Store_ReorderCards_Leaves_Store_Untouched_When_Index_Out_Of_Range(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name     string
		from, to int
	}{
		{name: "NegativeFrom", from: -1, to: 0},
		{name: "FromPastEnd", from: 3, to: 0},
		{name: "ToPastEnd", from: 0, to: 3},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			s, col := newSeededStore(t, "A", "B", "C")
			_, ok := s.ReorderCards(col, testCase.from, testCase.to)

			require.False(t, ok)
			require.Equal(t, []string{"A", "B", "C"}, titles(s.Cards(col)))
		})
	}
}

func Test_Store_MoveCard_Does_Not_Renumber_Siblings(t *testing.T) {
	t.Parallel()

	s, todo := newSeededStore(t, "A", "B", "C")
	done := Confirmed("done")
	s.UpsertColumn(Column{ID: done, BoardID: "b1", Name: "Done", Position: 1})
	s.UpsertCard(Card{ID: Confirmed("D"), ColumnID: done, Title: "D", Position: 0})

	s.MoveCard(Confirmed("A"), done, 0)

	assert.Equal(t, []int{1, 2}, positions(s.Cards(todo)))
	assert.Equal(t, []int{0, 0}, positions(s.Cards(done)))
	assert.Equal(t, []string{"A", "D"}, titles(s.Cards(done)), "equal positions fall back to id order")
}

func Test_Store_Cards_Sorts_Confirmed_Before_Pending_When_Positions_Tie(t *testing.T) {
	t.Parallel()

	s, col := newSeededStore(t, "A")
	s.UpsertCard(Card{ID: NewPending(), ColumnID: col, Title: "new", Position: 0})

	require.Equal(t, []string{"A", "new"}, titles(s.Cards(col)))
}

func Test_Store_RemoveColumnCascade_Removes_Cards_Of_Column(t *testing.T) {
	t.Parallel()

	s, col := newSeededStore(t, "A", "B")

	removed, cards, ok := s.RemoveColumnCascade(col)

	require.True(t, ok)
	assert.Equal(t, "To Do", removed.Name)
	assert.Len(t, cards, 2)
	assert.Empty(t, s.AllCards())
	assert.Empty(t, s.Columns())
}

func Test_Store_Snapshot_Skips_Pending_Records(t *testing.T) {
	t.Parallel()

	s, col := newSeededStore(t, "A")
	s.UpsertCard(Card{ID: NewPending(), ColumnID: col, Title: "draft"})

	snap := s.Snapshot()

	require.Equal(t, "b1", snap.Board.ID)
	require.Len(t, snap.Cards, 1)
	require.Equal(t, "A", snap.Cards[0].ID)
	require.Equal(t, "todo", snap.Cards[0].ColumnID)
}

func Test_Store_OnChange_Notifies_Until_Removed(t *testing.T) {
	t.Parallel()

	s, col := newSeededStore(t)
	calls := 0
	remove := s.OnChange(func() { calls++ })

	s.UpsertCard(Card{ID: Confirmed("A"), ColumnID: col})
	s.RemoveCard(Confirmed("missing"))
	remove()
	s.UpsertCard(Card{ID: Confirmed("B"), ColumnID: col})

	require.Equal(t, 1, calls)
}

func Test_Store_Stats_Counts_Cards_By_Progress(t *testing.T) {
	t.Parallel()

	s, col := newSeededStore(t)
	statuses := []models.Status{models.StatusCompleted, models.StatusStarted, models.StatusInProgress, models.StatusNotStarted}
	for i, st := range statuses {
		s.UpsertCard(Card{ID: Confirmed(string(st)), ColumnID: col, Status: st, Position: i})
	}

	st, ok := s.Stats()
	require.True(t, ok)
	require.Equal(t, BoardStats{
		TotalCards:      4,
		TotalColumns:    1,
		CompletedCards:  1,
		InProgressCards: 2,
		CompletionRate:  25,
	}, st)

	colStats, ok := s.ColumnStats(col)
	require.True(t, ok)
	require.Equal(t, ColumnStats{TotalCards: 4, CompletedCards: 1, CompletionRate: 25}, colStats)

	_, ok = s.ColumnStats(Confirmed("missing"))
	require.False(t, ok)
}

func Test_Store_FilterCards_Matches_All_Given_Fields(t *testing.T) {
	t.Parallel()

	s, col := newSeededStore(t)
	desc := "Fix the login flow"
	alice := "alice"
	s.UpsertCard(Card{ID: Confirmed("1"), ColumnID: col, Title: "Auth", Description: &desc, Priority: models.PriorityP1, Status: models.StatusStarted, AssigneeID: &alice})
	s.UpsertCard(Card{ID: Confirmed("2"), ColumnID: col, Title: "Login page", Priority: models.PriorityP2, Status: models.StatusStarted, Position: 1})
	s.UpsertCard(Card{ID: Confirmed("3"), ColumnID: col, Title: "Docs", Priority: models.PriorityP1, Status: models.StatusCompleted, Position: 2})

	testCases := []struct {
		name   string
		filter CardFilter
		want   []string
	}{
		{name: "Empty", filter: CardFilter{}, want: []string{"Auth", "Login page", "Docs"}},
		{name: "SearchTitleAndDescription", filter: CardFilter{Search: "LOGIN"}, want: []string{"Auth", "Login page"}},
		{name: "Priority", filter: CardFilter{Priority: models.PriorityP1}, want: []string{"Auth", "Docs"}},
		{name: "PriorityAndStatus", filter: CardFilter{Priority: models.PriorityP1, Status: models.StatusStarted}, want: []string{"Auth"}},
		{name: "Assignee", filter: CardFilter{AssigneeID: "alice"}, want: []string{"Auth"}},
		{name: "NoMatch", filter: CardFilter{Search: "zzz"}, want: []string{}},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			require.Equal(t, testCase.want, titles(s.FilterCards(testCase.filter)))
		})
	}
}

func Test_Store_CardsByPriority_Groups_Unknown_Priority_Under_Empty_Key(t *testing.T) {
	t.Parallel()

	s, col := newSeededStore(t)
	s.UpsertCard(Card{ID: Confirmed("1"), ColumnID: col, Title: "a", Priority: models.PriorityP3})
	s.UpsertCard(Card{ID: Confirmed("2"), ColumnID: col, Title: "b", Priority: "urgent", Position: 1})

	byPriority := s.CardsByPriority()

	assert.Equal(t, []string{"a"}, titles(byPriority[models.PriorityP3]))
	assert.Equal(t, []string{"b"}, titles(byPriority[""]))
	assert.Empty(t, byPriority[models.PriorityP1])

	byStatus := s.CardsByStatus()
	assert.Len(t, byStatus[models.StatusNotStarted], 2, "unset status counts as not started")
}
