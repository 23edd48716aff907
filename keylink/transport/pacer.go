package transport

import (
	"context"
	"fmt"
	"time"
)

// Pacer writes to a Link one packet at a time and waits for readiness after
// each write. A wait abandoned by cancellation leaves that readiness signal
// owed; the next Write consumes it before writing, so at most one write is
// ever unacknowledged on the link.
//
// A Pacer is not safe for concurrent use. Everything that writes to one link
// must share its Pacer.
type Pacer struct {
	link  Link
	stats *Metrics
	owed  int
}

// NewPacer returns a pacer for link. m may be nil.
func NewPacer(link Link, m *Metrics) *Pacer {
	return &Pacer{link: link, stats: m}
}

// Link returns the paced link.
func (p *Pacer) Link() Link { return p.link }

// Owed returns how many readiness signals abandoned writes still owe.
func (p *Pacer) Owed() int { return p.owed }

// Write waits out any owed readiness, writes b and waits for the link to
// accept another write. Errors wrap ErrTransport; cancellation also wraps
// ctx's error.
func (p *Pacer) Write(ctx context.Context, b []byte) error {
	for p.owed > 0 {
		select {
		case <-p.link.Ready():
			p.owed--
		case <-ctx.Done():
			return fmt.Errorf("%w: %d earlier writes unacknowledged: %w", ErrTransport, p.owed, ctx.Err())
		}
	}

	if err := p.link.Write(b); err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	p.stats.packetSent(len(b))

	start := time.Now()
	select {
	case <-p.link.Ready():
		p.stats.readyWaited(time.Since(start))
		return nil
	case <-ctx.Done():
		p.owed++
		return fmt.Errorf("%w: waiting for readiness: %w", ErrTransport, ctx.Err())
	}
}
