package oncall

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshgov/warden/internal/models"
	"github.com/meshgov/warden/internal/store"
)

func setup(t *testing.T) (*store.Memory, *clockwork.FakeClock, time.Time) {
	t.Helper()
	clk := clockwork.NewFakeClock()
	return store.NewMemory(), clk, clk.Now()
}

func putTeam(t *testing.T, st *store.Memory, id string, members ...string) {
	t.Helper()
	require.NoError(t, st.PutNew(context.Background(), &models.Team{
		Meta:    models.Meta{ID: id},
		Members: members,
	}))
}

func putSchedule(t *testing.T, st *store.Memory, id, teamID, primary, override string, start, end time.Time) {
	t.Helper()
	require.NoError(t, st.PutNew(context.Background(), &models.OnCallSchedule{
		Meta:     models.Meta{ID: id},
		TeamID:   teamID,
		Primary:  primary,
		Override: override,
		Start:    start,
		End:      end,
	}))
}

func TestResolveActiveSchedulePrimary(t *testing.T) {
	st, clk, now := setup(t)
	putTeam(t, st, "team-1", "member-1")
	putSchedule(t, st, "s1", "team-1", "alice", "", now.Add(-time.Hour), now.Add(time.Hour))

	r := NewResolver(st, clk, "")
	got, err := r.Resolve(context.Background(), "team-1")
	require.NoError(t, err)
	assert.Equal(t, "alice", got)
}

func TestResolveOverrideWins(t *testing.T) {
	st, clk, now := setup(t)
	putTeam(t, st, "team-1", "member-1")
	putSchedule(t, st, "s1", "team-1", "alice", "bob", now.Add(-time.Hour), now.Add(time.Hour))

	r := NewResolver(st, clk, "")
	got, err := r.Resolve(context.Background(), "team-1")
	require.NoError(t, err)
	assert.Equal(t, "bob", got)
}

func TestResolveGreatestStartWins(t *testing.T) {
	st, clk, now := setup(t)
	putTeam(t, st, "team-1", "member-1")
	putSchedule(t, st, "older", "team-1", "alice", "", now.Add(-3*time.Hour), now.Add(time.Hour))
	putSchedule(t, st, "newer", "team-1", "carol", "", now.Add(-time.Hour), now.Add(time.Hour))

	r := NewResolver(st, clk, "")
	got, err := r.Resolve(context.Background(), "team-1")
	require.NoError(t, err)
	assert.Equal(t, "carol", got)
}

func TestResolveEqualStartTieBreaksOnScheduleID(t *testing.T) {
	st, clk, now := setup(t)
	putTeam(t, st, "team-1", "member-1")
	start := now.Add(-time.Hour)
	putSchedule(t, st, "s-bbb", "team-1", "from-bbb", "", start, now.Add(time.Hour))
	putSchedule(t, st, "s-aaa", "team-1", "from-aaa", "", start, now.Add(time.Hour))

	r := NewResolver(st, clk, "")
	got, err := r.Resolve(context.Background(), "team-1")
	require.NoError(t, err)
	assert.Equal(t, "from-aaa", got, "lexicographically smallest schedule id wins")
}

func TestResolveInactiveScheduleFallsBackToMembers(t *testing.T) {
	st, clk, now := setup(t)
	putTeam(t, st, "team-1", "first-member", "second-member")
	putSchedule(t, st, "s1", "team-1", "alice", "", now.Add(time.Hour), now.Add(2*time.Hour))

	r := NewResolver(st, clk, "")
	got, err := r.Resolve(context.Background(), "team-1")
	require.NoError(t, err)
	assert.Equal(t, "first-member", got)
}

func TestResolveScheduleBoundsInclusive(t *testing.T) {
	st, clk, now := setup(t)
	putTeam(t, st, "team-1", "member-1")
	putSchedule(t, st, "s1", "team-1", "alice", "", now, now.Add(time.Hour))

	r := NewResolver(st, clk, "")
	got, err := r.Resolve(context.Background(), "team-1")
	require.NoError(t, err)
	assert.Equal(t, "alice", got, "schedule starting exactly now is active")

	clk.Advance(time.Hour)
	got, err = r.Resolve(context.Background(), "team-1")
	require.NoError(t, err)
	assert.Equal(t, "alice", got, "schedule ending exactly now is still active")
}

func TestResolveEmptyTeamUsesDefaultContact(t *testing.T) {
	st, clk, _ := setup(t)
	putTeam(t, st, "team-1")

	r := NewResolver(st, clk, "duty-officer")
	got, err := r.Resolve(context.Background(), "team-1")
	require.NoError(t, err)
	assert.Equal(t, "duty-officer", got)
}

func TestResolveNoTeamNoDefault(t *testing.T) {
	st, clk, _ := setup(t)

	r := NewResolver(st, clk, "")
	got, err := r.Resolve(context.Background(), "ghost-team")
	require.NoError(t, err)
	assert.Empty(t, got)
}
