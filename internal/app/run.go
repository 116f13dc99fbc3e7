// Package app drives a peer: the fixed-rate tick that moves the session and
// replication forward, and the demo that gives the table something to show.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/1ureka/tablesync/internal/replicate"
)

// Session is the transport surface the tick loop drives.
type Session interface {
	replicate.Network
	Update()
	Flush() error
}

// Tick runs one pass: drain backend events, announce owned pieces, handle
// inbound packets, then push batched reliable traffic out.
func Tick(s Session, p *replicate.Protocol) error {
	s.Update()
	if err := p.Broadcast(); err != nil {
		return fmt.Errorf("broadcast: %w", err)
	}
	if err := p.Process(); err != nil {
		return fmt.Errorf("process: %w", err)
	}
	if err := s.Flush(); err != nil {
		return fmt.Errorf("flush: %w", err)
	}
	return nil
}

// Run ticks every interval until ctx is cancelled or a tick fails. Each
// before hook runs ahead of every tick with the tick time.
func Run(ctx context.Context, s Session, p *replicate.Protocol, interval time.Duration, before ...func(time.Time)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			for _, fn := range before {
				fn(now)
			}
			if err := Tick(s, p); err != nil {
				return err
			}
		}
	}
}
