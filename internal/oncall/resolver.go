// Package oncall resolves (team, instant) to the contact currently
// responsible for that team.
package oncall

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/meshgov/warden/internal/clock"
	"github.com/meshgov/warden/internal/models"
	"github.com/meshgov/warden/internal/store"
)

// Resolver selects the on-call contact for a team by consulting schedules
// and overrides in the store.
type Resolver struct {
	store          store.Store
	clk            clock.Clock
	defaultContact string
}

// NewResolver creates a resolver. defaultContact is the last-resort target
// when a team has no members; it may be empty.
func NewResolver(st store.Store, clk clock.Clock, defaultContact string) *Resolver {
	return &Resolver{store: st, clk: clk, defaultContact: defaultContact}
}

// DefaultContact returns the configured last-resort contact ("" when unset).
func (r *Resolver) DefaultContact() string { return r.defaultContact }

// Resolve returns the contact on call for teamID at the given instant.
// Selection: among active schedules pick the one with the greatest start
// (ties broken by lexicographically smallest schedule ID); its override wins
// over its primary. With no active schedule the team's first member is used,
// then the configured default contact. An empty result means nobody could be
// resolved; the caller must surface that.
func (r *Resolver) Resolve(ctx context.Context, teamID string) (string, error) {
	now := r.clk.Now()

	var best *models.OnCallSchedule
	err := r.store.ScanKind(ctx, models.KindSchedule, func(raw json.RawMessage) error {
		var sched models.OnCallSchedule
		if err := json.Unmarshal(raw, &sched); err != nil {
			return fmt.Errorf("decode schedule: %w", err)
		}
		if sched.TeamID != teamID || !sched.ActiveAt(now) {
			return nil
		}
		if best == nil || sched.Start.After(best.Start) ||
			(sched.Start.Equal(best.Start) && sched.ID < best.ID) {
			s := sched
			best = &s
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("scan schedules for team %s: %w", teamID, err)
	}

	if best != nil {
		if best.Override != "" {
			log.Debug().
				Str("teamID", teamID).
				Str("scheduleID", best.ID).
				Str("contactID", best.Override).
				Msg("On-call resolved via schedule override")
			return best.Override, nil
		}
		if best.Primary != "" {
			return best.Primary, nil
		}
	}

	// No active schedule: fall back to the team's first listed member.
	var team models.Team
	if err := r.store.Get(ctx, models.KindTeam, teamID, &team); err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			return "", fmt.Errorf("get team %s: %w", teamID, err)
		}
	}
	if len(team.Members) > 0 {
		log.Debug().
			Str("teamID", teamID).
			Str("contactID", team.Members[0]).
			Msg("On-call fell back to first team member")
		return team.Members[0], nil
	}

	if r.defaultContact != "" {
		log.Warn().
			Str("teamID", teamID).
			Str("contactID", r.defaultContact).
			Msg("Team has no members, using default contact")
		return r.defaultContact, nil
	}

	log.Error().Str("teamID", teamID).Msg("No on-call contact could be resolved")
	return "", nil
}
