package tasks

import (
	"context"
	"fmt"

	"github.com/basket/clubfleet/internal/fleet"
)

// StartMembership begins a membership probe over the given bots, or every
// connected bot when botIDs is empty, and returns immediately with the run
// id. Bots are visited one at a time: each joins the target club, lets the
// join settle, queries its permissions, and records the outcome. Results
// land in the roster and the members file when the run finishes.
func (e *Engine) StartMembership(ctx context.Context, botIDs []string) (string, error) {
	runID, ids, err := e.begin(KindMembership, botIDs)
	if err != nil {
		return "", err
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer e.finish(KindMembership)
		club := e.reg.ClubCode()
		for _, botID := range ids {
			if ctx.Err() != nil || e.stopRequested(KindMembership) {
				return
			}
			e.record(KindMembership, botID, e.probeBot(ctx, botID, club))
			pause(ctx, e.cfg.Delays.BetweenBots())
		}
	}()
	return runID, nil
}

func (e *Engine) probeBot(ctx context.Context, botID, club string) error {
	conn := e.reg.Connection(botID)
	if conn == nil {
		return fmt.Errorf("bot %s: %w", botID, fleet.ErrNotConnected)
	}
	if err := e.ensureInClub(conn, club); err != nil {
		return fmt.Errorf("join club: %w", err)
	}
	ev, err := e.probeMembership(ctx, conn)
	if err != nil {
		return fmt.Errorf("membership probe: %w", err)
	}
	e.applyProbe(botID, ev)
	return nil
}
