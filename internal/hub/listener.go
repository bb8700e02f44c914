package hub

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
)

// acceptLoop accepts device connections until the listener is closed.
// Transient accept errors are retried with exponential backoff.
func acceptLoop(ctx context.Context, log zerolog.Logger, ln net.Listener, metrics *Metrics, handle func(net.Conn)) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 5 * time.Millisecond
	bo.MaxInterval = time.Second
	bo.MaxElapsedTime = 0
	bo.Reset()

	for {
		nc, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return
			}
			metrics.AcceptErrors.Inc()
			wait := bo.NextBackOff()
			log.Error().Err(err).Dur("retry_in", wait).Msg("accept failed")

			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			continue
		}
		bo.Reset()
		handle(nc)
	}
}
