package tasks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/basket/clubfleet/internal/bus"
	"github.com/basket/clubfleet/internal/fleet"
)

// micRequestMessage is the chat command the platform treats as a mic-slot
// request.
const micRequestMessage = "/mic"

// StartMic begins a mic-acquisition campaign over the given bots, or every
// connected bot when botIDs is empty. Bots work in concurrent batches: each
// joins the club, requests a mic slot in chat until its invitation is
// accepted, then probes its permissions until the mic permission shows up
// or the per-bot window elapses. A stop request is honored between batches;
// the batch in flight runs to completion.
func (e *Engine) StartMic(ctx context.Context, botIDs []string) (string, error) {
	runID, ids, err := e.begin(KindMic, botIDs)
	if err != nil {
		return "", err
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer e.finish(KindMic)
		club := e.reg.ClubCode()
		batch := e.cfg.MicBatchSize
		for start := 0; start < len(ids); start += batch {
			if ctx.Err() != nil || e.stopRequested(KindMic) {
				return
			}
			end := start + batch
			if end > len(ids) {
				end = len(ids)
			}
			e.runMicBatch(ctx, ids[start:end], club)
		}
	}()
	return runID, nil
}

func (e *Engine) runMicBatch(ctx context.Context, ids []string, club string) {
	var wg sync.WaitGroup
	for _, botID := range ids {
		wg.Add(1)
		go func(botID string) {
			defer wg.Done()
			e.record(KindMic, botID, e.acquireMic(ctx, botID, club))
		}(botID)
	}
	wg.Wait()
}

// acquireMic drives one bot until it holds a mic slot. The connection
// accepts invitations on its own; this loop keeps asking in chat until the
// acceptance lands, then switches to probing permissions until the mic
// permission shows up.
func (e *Engine) acquireMic(ctx context.Context, botID, club string) error {
	conn := e.reg.Connection(botID)
	if conn == nil {
		return fmt.Errorf("bot %s: %w", botID, fleet.ErrNotConnected)
	}

	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeouts.MicTask())
	defer cancel()

	// Subscribe before the first request so the acceptance cannot slip past.
	accepted := e.bus.Subscribe(bus.ConnTopic(botID, bus.KindMicAccepted))
	defer e.bus.Unsubscribe(accepted)

	if err := e.ensureInClub(conn, club); err != nil {
		return fmt.Errorf("join club: %w", err)
	}

	onMic := false
	for {
		if !onMic {
			if err := conn.SendClubMessage(micRequestMessage, club); err != nil {
				return fmt.Errorf("mic request: %w", err)
			}
		} else {
			ev, err := e.probeMembership(ctx, conn)
			if err == nil {
				e.applyProbe(botID, ev)
				if ev.CanMic {
					return nil
				}
			}
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("mic slot not acquired: %w", ctx.Err())
		case <-accepted.Ch():
			onMic = true
		case <-time.After(e.cfg.Delays.MicCheckInterval()):
		}
	}
}
