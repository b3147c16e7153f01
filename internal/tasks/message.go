package tasks

import (
	"context"
	"fmt"

	"github.com/basket/clubfleet/internal/fleet"
)

// StartMessage begins a message campaign over the given bots, or every
// connected bot when botIDs is empty: each joins the target club and sends
// the configured number of paced chat messages. Each bot gets its own
// deadline; one bot stalling never blocks the next.
func (e *Engine) StartMessage(ctx context.Context, text string, botIDs []string) (string, error) {
	if text == "" {
		return "", fmt.Errorf("message text must not be empty")
	}
	runID, ids, err := e.begin(KindMessage, botIDs)
	if err != nil {
		return "", err
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer e.finish(KindMessage)
		club := e.reg.ClubCode()
		for _, botID := range ids {
			if ctx.Err() != nil || e.stopRequested(KindMessage) {
				return
			}
			e.record(KindMessage, botID, e.messageBot(ctx, botID, club, text))
			pause(ctx, e.cfg.Delays.BetweenBots())
		}
	}()
	return runID, nil
}

func (e *Engine) messageBot(ctx context.Context, botID, club, text string) error {
	conn := e.reg.Connection(botID)
	if conn == nil {
		return fmt.Errorf("bot %s: %w", botID, fleet.ErrNotConnected)
	}
	if err := e.ensureInClub(conn, club); err != nil {
		return fmt.Errorf("join club: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeouts.MessageTask())
	defer cancel()
	for i := 0; i < e.cfg.MessagesPerBot; i++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("message %d/%d: %w", i, e.cfg.MessagesPerBot, err)
		}
		if err := conn.SendClubMessage(text, club); err != nil {
			return fmt.Errorf("message %d/%d: %w", i+1, e.cfg.MessagesPerBot, err)
		}
		pause(ctx, e.cfg.Delays.BetweenMessages())
	}
	return nil
}
