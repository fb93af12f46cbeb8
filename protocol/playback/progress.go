package playback

import (
	"context"
	"time"
)

const DefaultProgressInterval = time.Second

// Reporter samples a player's progress for a presentation layer. It only
// reads; the one way back is SeekTo.
type Reporter struct {
	player   *Player
	interval time.Duration
}

func NewReporter(p *Player, interval time.Duration) *Reporter {
	if interval <= 0 {
		interval = DefaultProgressInterval
	}
	return &Reporter{player: p, interval: interval}
}

// Subscribe emits a sample right away and then once per interval until ctx
// is done. The channel is closed on return.
func (r *Reporter) Subscribe(ctx context.Context) <-chan Progress {
	ch := make(chan Progress, 1)
	go func() {
		defer close(ch)
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case ch <- r.player.Progress():
			case <-ctx.Done():
				return
			}
			select {
			case <-ticker.C:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}

// SeekTo moves playback to a slider position, a frame index in [0, Total].
func (r *Reporter) SeekTo(position int) error {
	if position < 0 {
		position = 0
	}
	return r.player.Seek(position)
}
