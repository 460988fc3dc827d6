package realtime

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CrowderSoup/kanban-sync/models"
)

func labelNames(labels []Label) []string {
	out := make([]string, 0, len(labels))
	for _, l := range labels {
		out = append(out, l.Name)
	}
	return out
}

func Test_Open_Loads_Labels_And_Assignments(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	store := env.session.Store()

	assert.Equal(t, []string{"bug", "ux"}, labelNames(store.Labels()))
	assert.Equal(t, []string{"bug"}, labelNames(store.LabelsOf(Confirmed("A"))))
	assert.Empty(t, store.LabelsOf(Confirmed("B")))

	snap := store.Snapshot()
	assert.Len(t, snap.Labels, 2)
	require.Len(t, snap.CardLabels, 1)
	assert.Equal(t, "A-bug", snap.CardLabels[0].ID)
}

func Test_Store_Snapshot_Drops_Assignments_Of_Removed_Cards(t *testing.T) {
	t.Parallel()

	s, _ := newSeededStore(t, "A")
	s.UpsertLabel(Label{ID: Confirmed("bug"), BoardID: "b1", Name: "bug"})
	s.UpsertCardLabel(CardLabel{ID: Confirmed("L1"), CardID: Confirmed("A"), LabelID: Confirmed("bug")})
	s.UpsertCardLabel(CardLabel{ID: Confirmed("L2"), CardID: Confirmed("gone"), LabelID: Confirmed("bug")})

	snap := s.Snapshot()

	require.Len(t, snap.CardLabels, 1)
	assert.Equal(t, "L1", snap.CardLabels[0].ID)
}

func Test_Store_RemoveLabel_Detaches_It_From_Cards(t *testing.T) {
	t.Parallel()

	s, _ := newSeededStore(t, "A", "B")
	s.UpsertLabel(Label{ID: Confirmed("bug"), BoardID: "b1", Name: "bug"})
	s.UpsertCardLabel(CardLabel{ID: Confirmed("L1"), CardID: Confirmed("A"), LabelID: Confirmed("bug")})
	s.UpsertCardLabel(CardLabel{ID: Confirmed("L2"), CardID: Confirmed("B"), LabelID: Confirmed("bug")})

	removed, links, ok := s.RemoveLabel(Confirmed("bug"))

	require.True(t, ok)
	assert.Equal(t, "bug", removed.Name)
	assert.Len(t, links, 2)
	assert.Empty(t, s.AllCardLabels())
	_, _, ok = s.RemoveLabel(Confirmed("bug"))
	assert.False(t, ok)
}

func Test_FilterCards_Matches_Any_Of_The_Labels(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	store := env.session.Store()
	store.UpsertCardLabel(CardLabel{ID: Confirmed("D-ux"), CardID: Confirmed("D"), LabelID: Confirmed("ux")})

	testCases := []struct {
		name   string
		filter CardFilter
		want   []string
	}{
		{name: "One", filter: CardFilter{Labels: []EntityID{Confirmed("bug")}}, want: []string{"Card A"}},
		{name: "AnyOf", filter: CardFilter{Labels: []EntityID{Confirmed("bug"), Confirmed("ux")}}, want: []string{"Card A", "Card D"}},
		{name: "WithSearch", filter: CardFilter{Search: "card d", Labels: []EntityID{Confirmed("bug"), Confirmed("ux")}}, want: []string{"Card D"}},
		{name: "NoCarrier", filter: CardFilter{Labels: []EntityID{Confirmed("missing")}}, want: []string{}},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			assert.Equal(t, testCase.want, titles(store.FilterCards(testCase.filter)))
		})
	}
}

func Test_Ingester_Applies_Label_Events(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	store := env.session.Store()

	env.feed.emit(Insert[models.Label]{After: models.Label{ID: "ops", BoardID: "b1", Name: "ops", Color: models.LabelGreen, Version: 1}})
	env.feed.emit(Insert[models.Label]{After: models.Label{ID: "far", BoardID: "b2", Name: "elsewhere", Version: 1}})
	env.feed.emit(Update[models.Label]{After: models.Label{ID: "ux", BoardID: "b1", Name: "design", Color: models.LabelPink, Version: 2}})
	env.feed.emit(Insert[models.CardLabel]{After: models.CardLabel{ID: "B-ops", CardID: "B", LabelID: "ops"}})
	env.feed.emit(Insert[models.CardLabel]{After: models.CardLabel{ID: "X-ops", CardID: "X", LabelID: "ops"}})

	assert.Equal(t, []string{"bug", "design", "ops"}, labelNames(store.Labels()))
	assert.Equal(t, []string{"ops"}, labelNames(store.LabelsOf(Confirmed("B"))))
	_, ok := store.CardLabel(Confirmed("X-ops"))
	assert.False(t, ok, "assignment of a card not on the board")

	env.feed.emit(Delete[models.CardLabel]{Before: models.CardLabel{ID: "A-bug"}})
	assert.Empty(t, store.LabelsOf(Confirmed("A")))

	env.feed.emit(Delete[models.Label]{Before: models.Label{ID: "ops", BoardID: "b1"}})
	assert.Empty(t, store.LabelsOf(Confirmed("B")))
	env.feed.emit(Insert[models.Label]{After: models.Label{ID: "ops", BoardID: "b1", Name: "ops", Version: 1}})
	_, ok = store.Label(Confirmed("ops"))
	assert.False(t, ok, "deleted labels stay deleted")
}

func Test_CreateLabel_Confirms_Pending_Label(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	store := env.session.Store()
	var during []Label
	env.server.hook("labels.insert", func(any) { during = store.Labels() })

	l, err := env.session.CreateLabel(context.Background(), LabelDraft{Name: " ops "})

	require.NoError(t, err)
	assert.False(t, l.ID.IsPending())
	assert.Equal(t, models.LabelGray, l.Color)
	assert.Equal(t, "ops", l.Name)
	require.Len(t, during, 3)
	assert.True(t, during[1].ID.IsPending(), "pending label shown while the request runs")
	assert.Equal(t, []string{"bug", "ops", "ux"}, labelNames(store.Labels()))
}

func Test_CreateLabel_Rejects_Input_Before_Any_Request(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)

	testCases := []struct {
		name  string
		draft LabelDraft
	}{
		{name: "BlankName", draft: LabelDraft{Name: "  "}},
		{name: "UnknownColor", draft: LabelDraft{Name: "ops", Color: "teal"}},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			_, err := env.session.CreateLabel(context.Background(), testCase.draft)
			require.ErrorIs(t, err, ErrInvalid)
		})
	}
	assert.Equal(t, 0, env.server.callsTo("labels.insert"))
}

func Test_UpdateLabel_Restores_Label_When_Request_Fails(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	store := env.session.Store()
	env.server.failNext("labels.update", errors.New("boom"))
	name := "defect"

	_, err := env.session.UpdateLabel(context.Background(), Confirmed("bug"), models.LabelPatch{Name: &name})

	require.Error(t, err)
	got, _ := store.Label(Confirmed("bug"))
	assert.Equal(t, "bug", got.Name)

	got, err = env.session.UpdateLabel(context.Background(), Confirmed("bug"), models.LabelPatch{Name: &name})
	require.NoError(t, err)
	assert.Equal(t, "defect", got.Name)
	assert.Equal(t, int64(2), got.Version)
}

func Test_DeleteLabel_Restores_Label_And_Assignments_When_Request_Fails(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	store := env.session.Store()
	var during []Label
	env.server.hook("labels.delete", func(any) { during = store.LabelsOf(Confirmed("A")) })
	env.server.failNext("labels.delete", errors.New("boom"))

	err := env.session.DeleteLabel(context.Background(), Confirmed("bug"))

	require.Error(t, err)
	assert.Empty(t, during, "label detached while the request runs")
	assert.Equal(t, []string{"bug"}, labelNames(store.LabelsOf(Confirmed("A"))))

	require.NoError(t, env.session.DeleteLabel(context.Background(), Confirmed("bug")))
	assert.Empty(t, store.LabelsOf(Confirmed("A")))
	assert.False(t, env.server.linked("A", "bug"))
}

func Test_AssignLabel_Confirms_And_Is_Idempotent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	env := newTestEnv(t)
	store := env.session.Store()
	var pending bool
	env.server.hook("card_labels.insert", func(any) {
		cl, ok := store.Assignment(Confirmed("B"), Confirmed("ux"))
		pending = ok && cl.ID.IsPending()
	})

	cl, err := env.session.AssignLabel(ctx, Confirmed("B"), Confirmed("ux"))

	require.NoError(t, err)
	assert.True(t, pending)
	assert.False(t, cl.ID.IsPending())
	assert.True(t, env.server.linked("B", "ux"))
	assert.Equal(t, []string{"ux"}, labelNames(store.LabelsOf(Confirmed("B"))))

	again, err := env.session.AssignLabel(ctx, Confirmed("B"), Confirmed("ux"))
	require.NoError(t, err)
	assert.Equal(t, cl.ID, again.ID)
	assert.Equal(t, 1, env.server.callsTo("card_labels.insert"))
}

func Test_AssignLabel_Settles_Once_When_Echo_Arrives_First(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	store := env.session.Store()
	env.server.hook("card_labels.insert", func(v any) {
		env.feed.emit(Insert[models.CardLabel]{After: v.(models.CardLabel)})
	})

	_, err := env.session.AssignLabel(context.Background(), Confirmed("B"), Confirmed("ux"))

	require.NoError(t, err)
	assert.Len(t, store.CardLabels(Confirmed("B")), 1)
}

func Test_AssignLabel_Rejects_Unknown_Or_Pending_Ends(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	pendingCard := NewPending()
	env.session.Store().UpsertCard(Card{ID: pendingCard, ColumnID: Confirmed("todo"), Title: "draft"})

	testCases := []struct {
		name  string
		card  EntityID
		label EntityID
		want  error
	}{
		{name: "NoCard", card: Confirmed("nope"), label: Confirmed("bug"), want: ErrNotFound},
		{name: "NoLabel", card: Confirmed("A"), label: Confirmed("nope"), want: ErrNotFound},
		{name: "PendingCard", card: pendingCard, label: Confirmed("bug"), want: ErrNotConfirmed},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			_, err := env.session.AssignLabel(context.Background(), testCase.card, testCase.label)
			require.ErrorIs(t, err, testCase.want)
		})
	}
	assert.Equal(t, 0, env.server.callsTo("card_labels.insert"))
}

func Test_UnassignLabel_Restores_Assignment_When_Request_Fails(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	env := newTestEnv(t)
	store := env.session.Store()
	env.server.failNext("card_labels.delete", errors.New("boom"))

	require.Error(t, env.session.UnassignLabel(ctx, Confirmed("A"), Confirmed("bug")))
	assert.Equal(t, []string{"bug"}, labelNames(store.LabelsOf(Confirmed("A"))))

	require.NoError(t, env.session.UnassignLabel(ctx, Confirmed("A"), Confirmed("bug")))
	assert.Empty(t, store.LabelsOf(Confirmed("A")))
	assert.False(t, env.server.linked("A", "bug"))
	require.NoError(t, env.session.UnassignLabel(ctx, Confirmed("A"), Confirmed("bug")), "no-op once detached")
}

func Test_UnassignLabel_Cancels_Assignment_Still_In_Flight(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	env := newTestEnv(t)
	store := env.session.Store()
	env.server.hook("card_labels.insert", func(any) {
		require.NoError(t, env.session.UnassignLabel(ctx, Confirmed("B"), Confirmed("ux")))
	})

	_, err := env.session.AssignLabel(ctx, Confirmed("B"), Confirmed("ux"))

	require.ErrorIs(t, err, ErrSuperseded)
	assert.Empty(t, store.LabelsOf(Confirmed("B")))
	assert.False(t, env.server.linked("B", "ux"), "assignment created after the local unassign is deleted")
}

func Test_Refetch_Merges_Labels_And_Keeps_Pending_Assignment(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	env := newTestEnv(t)
	store := env.session.Store()
	env.server.addLabel("b1", "ops", "ops", models.LabelGreen)
	env.server.mu.Lock()
	delete(env.server.links, "A-bug")
	env.server.mu.Unlock()
	env.server.hook("card_labels.insert", func(any) {
		require.NoError(t, env.session.Refetch(ctx))
	})

	_, err := env.session.AssignLabel(ctx, Confirmed("C"), Confirmed("bug"))

	require.NoError(t, err)
	assert.Equal(t, []string{"bug", "ops", "ux"}, labelNames(store.Labels()))
	assert.Empty(t, store.LabelsOf(Confirmed("A")))
	assert.Len(t, store.CardLabels(Confirmed("C")), 1, "assignment shown once")
}
