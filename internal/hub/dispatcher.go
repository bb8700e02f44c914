package hub

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/stm32hub/stm32hub/internal/protocol"
	"github.com/stm32hub/stm32hub/internal/store"
)

// Dispatcher periodically delivers pending commands to connected devices.
//
// A command that was written successfully stays pending until the device
// answers with a command_response. Commands for devices that are not
// connected are left untouched.
type Dispatcher struct {
	log      zerolog.Logger
	registry *Registry
	storage  Storage
	metrics  *Metrics
	notify   func(Notice)
	interval time.Duration
	breaker  *gobreaker.CircuitBreaker
	wake     chan struct{}
}

// NewDispatcher creates a dispatcher. notify may be nil.
func NewDispatcher(log zerolog.Logger, registry *Registry, storage Storage, metrics *Metrics, interval time.Duration, notify func(Notice)) *Dispatcher {
	if notify == nil {
		notify = func(Notice) {}
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	d := &Dispatcher{
		log:      log.With().Str("component", "dispatcher").Logger(),
		registry: registry,
		storage:  storage,
		metrics:  metrics,
		notify:   notify,
		interval: interval,
		wake:     make(chan struct{}, 1),
	}
	d.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "pending-commands",
		Timeout: 10 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			d.log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("storage breaker state changed")
		},
	})
	return d
}

// Run executes cycles on every tick or wake-up until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	d.log.Info().Dur("interval", d.interval).Msg("dispatcher started")
	for {
		select {
		case <-ctx.Done():
			d.log.Info().Msg("dispatcher stopped")
			return
		case <-ticker.C:
			d.RunCycle()
		case <-d.wake:
			d.RunCycle()
		}
	}
}

// Wake requests an immediate cycle. Requests made while one is already
// queued are coalesced.
func (d *Dispatcher) Wake() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// RunCycle delivers pending commands for every registered device once and
// returns how many were written and how many failed.
func (d *Dispatcher) RunCycle() (sent, failed int) {
	start := time.Now()
	defer func() { d.metrics.CycleDuration.Observe(time.Since(start).Seconds()) }()

	for _, id := range d.registry.SnapshotIDs() {
		cmds, err := d.pendingFor(id)
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) {
				d.log.Debug().Msg("storage breaker open, skipping cycle")
				return sent, failed
			}
			d.metrics.StorageErrors.WithLabelValues("get_pending").Inc()
			d.log.Error().Err(err).Str("device", id).Msg("failed to load pending commands")
			continue
		}

		for _, cmd := range cmds {
			// The device may disconnect mid-cycle; what is left stays pending.
			conn, ok := d.registry.Lookup(id)
			if !ok {
				break
			}
			if err := d.deliver(conn, cmd); err != nil {
				failed++
				// A broken transport ends the session.
				_ = conn.Close()
				break
			}
			sent++
		}
	}
	return sent, failed
}

// pendingFor returns pending commands addressed to id or to the serial it
// claimed, oldest first.
func (d *Dispatcher) pendingFor(id string) ([]store.Command, error) {
	addrs := []string{id}
	if serial := d.registry.SerialOf(id); serial != "" && serial != id {
		addrs = append(addrs, serial)
	}

	var all []store.Command
	for _, addr := range addrs {
		res, err := d.breaker.Execute(func() (interface{}, error) {
			return d.storage.GetPendingCommands(addr)
		})
		if err != nil {
			return nil, err
		}
		all = append(all, res.([]store.Command)...)
	}
	if len(addrs) > 1 {
		sort.SliceStable(all, func(i, j int) bool {
			if all[i].CreatedAt.Equal(all[j].CreatedAt) {
				return all[i].ID < all[j].ID
			}
			return all[i].CreatedAt.Before(all[j].CreatedAt)
		})
	}
	return all, nil
}

func (d *Dispatcher) deliver(conn *Conn, cmd store.Command) error {
	log := d.log.With().Str("device", conn.ID).Int64("command_id", cmd.ID).Str("type", cmd.CommandType).Logger()

	line, err := protocol.EncodeCommand(cmd.ID, cmd.CommandType, cmd.Parameters)
	if err == nil {
		err = conn.WriteLine(line)
	}
	if err == nil {
		d.metrics.CommandsSent.Inc()
		log.Debug().Msg("command sent")
		return nil
	}

	log.Warn().Err(err).Msg("command delivery failed")
	d.metrics.CommandsFailed.Inc()
	if uerr := d.storage.UpdateCommandStatus(cmd.ID, store.StatusFailed, err.Error()); uerr != nil {
		if !errors.Is(uerr, store.ErrCommandNotPending) {
			d.metrics.StorageErrors.WithLabelValues("update_command").Inc()
			log.Error().Err(uerr).Msg("failed to mark command failed")
		}
		return err
	}
	d.notify(Notice{
		Type:     NoticeCommandUpdated,
		DeviceID: conn.ID,
		Payload: CommandUpdate{
			CommandID: cmd.ID,
			Type:      cmd.CommandType,
			Status:    store.StatusFailed,
			Response:  err.Error(),
		},
	})
	return err
}
