package bot

import (
	"context"
	"time"

	linger "github.com/lingerbot/linger"
)

// backfillPage is the gateway history page size.
const backfillPage = 100

// backfill seeds the message store from channel history for every
// configured server. Re-running it is harmless: the store upserts.
func (a *App) backfill(ctx context.Context) {
	bf := a.cfg.Discord.Backfill
	var cutoff int64
	if !bf.Unlimited {
		cutoff = time.Now().AddDate(0, 0, -bf.Days).UnixMilli()
	}

	start := time.Now()
	var total int
	for _, serverID := range a.cfg.Discord.Servers {
		channels, err := a.platform.Channels(ctx, serverID)
		if err != nil {
			a.logger.Warn("backfill: list channels failed", "server_id", serverID, "error", err)
			continue
		}
		for _, ch := range channels {
			n, err := backfillChannel(ctx, a.store, a.platform, ch.ID, cutoff)
			if err != nil {
				a.logger.Warn("backfill: channel failed", "channel_id", ch.ID, "error", err)
				continue
			}
			total += n
		}
	}
	a.logger.Info("backfill complete", "messages", total, "duration", time.Since(start))
}

// backfillChannel pages backward through one channel until it reaches the
// cutoff timestamp (milliseconds UTC; 0 means no cutoff) or the start of
// the channel. Returns the number of messages stored.
func backfillChannel(ctx context.Context, store linger.MessageStore, platform linger.Platform, channelID string, cutoff int64) (int, error) {
	var total int
	beforeID := ""
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		page, err := platform.History(ctx, channelID, beforeID, backfillPage)
		if err != nil {
			return total, err
		}
		if len(page) == 0 {
			return total, nil
		}

		// Pages arrive newest first; the oldest entry is last.
		batch := make([]linger.Message, 0, len(page))
		reachedCutoff := false
		for _, m := range page {
			if cutoff > 0 && m.Timestamp < cutoff {
				reachedCutoff = true
				continue
			}
			batch = append(batch, m)
		}
		if len(batch) > 0 {
			if err := store.Backfill(ctx, batch); err != nil {
				return total, err
			}
			total += len(batch)
		}
		if reachedCutoff || len(page) < backfillPage {
			return total, nil
		}
		beforeID = page[len(page)-1].ID
	}
}
