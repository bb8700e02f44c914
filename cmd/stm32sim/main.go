// stm32sim simulates an STM32 device: it streams temperature and humidity
// readings to the hub and acknowledges every command it receives.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/stm32hub/stm32hub/internal/protocol"
)

func main() {
	addr := flag.String("addr", "localhost:8080", "hub address")
	serial := flag.String("serial", "", "stable serial to announce with hello (optional)")
	interval := flag.Duration("interval", 2*time.Second, "reading interval")
	useJSON := flag.Bool("json", false, "send readings as sensor_data JSON instead of text")
	count := flag.Int("count", 0, "stop after this many reading rounds (0 runs forever)")
	debug := flag.Bool("debug", false, "debug logging")
	flag.Parse()

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		With().
		Timestamp().
		Str("component", "stm32sim").
		Logger()
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if *debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	conn, err := dial(ctx, *addr, log)
	if err != nil {
		log.Fatal().Err(err).Str("addr", *addr).Msg("failed to connect to hub")
	}
	defer func() { _ = conn.Close() }()
	log.Info().Str("addr", *addr).Str("local", conn.LocalAddr().String()).Msg("connected")

	sim := &simulator{conn: conn, log: log, useJSON: *useJSON}

	if *serial != "" {
		line, err := protocol.EncodeHello(*serial)
		if err == nil {
			err = sim.write(line)
		}
		if err != nil {
			log.Fatal().Err(err).Msg("failed to send hello")
		}
	}

	go func() {
		sim.readCommands()
		cancel()
	}()

	if err := sim.sendReadings(ctx, *interval, *count); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("simulator stopped")
		os.Exit(1)
	}
}

func dial(ctx context.Context, addr string, log zerolog.Logger) (net.Conn, error) {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 30 * time.Second

	var conn net.Conn
	err := backoff.Retry(func() error {
		var d net.Dialer
		c, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			log.Warn().Err(err).Msg("dial failed, retrying")
			return err
		}
		conn = c
		return nil
	}, backoff.WithContext(bo, ctx))
	return conn, err
}

type simulator struct {
	conn    net.Conn
	log     zerolog.Logger
	useJSON bool
	writeMu sync.Mutex
}

func (s *simulator) write(line []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.conn.Write(line)
	return err
}

func (s *simulator) sendReadings(ctx context.Context, interval time.Duration, count int) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for round := 1; count == 0 || round <= count; round++ {
		temp := round1(20 + rand.Float64()*10)
		hum := round1(40 + rand.Float64()*30)

		if s.useJSON {
			line, err := protocol.EncodeSensorData(map[string]float64{"TEMPERATURE": temp, "HUMIDITY": hum})
			if err != nil {
				return err
			}
			if err := s.write(line); err != nil {
				return fmt.Errorf("send readings: %w", err)
			}
		} else {
			for _, line := range [][]byte{
				protocol.EncodeSensorText("TEMPERATURE", temp),
				protocol.EncodeSensorText("HUMIDITY", hum),
			} {
				if err := s.write(line); err != nil {
					return fmt.Errorf("send readings: %w", err)
				}
			}
		}
		s.log.Debug().Float64("temperature", temp).Float64("humidity", hum).Msg("readings sent")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// readCommands answers every command with "ok" until the hub hangs up.
func (s *simulator) readCommands() {
	reader := protocol.NewLineReader(s.conn, protocol.DefaultMaxLine)
	for {
		line, err := reader.ReadLine()
		if errors.Is(err, protocol.ErrLineTooLong) {
			continue
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.log.Warn().Err(err).Msg("read failed")
			}
			s.log.Info().Msg("hub closed the connection")
			return
		}

		cmd, err := protocol.DecodeCommand(line)
		if err != nil {
			s.log.Warn().Err(err).Msg("ignoring unknown message")
			continue
		}
		params := ""
		if cmd.Parameters != nil {
			params = *cmd.Parameters
		}
		s.log.Info().Int64("command_id", cmd.CommandID).Str("type", cmd.Type).Str("parameters", params).Msg("command received")

		resp, err := protocol.EncodeCommandResponse(cmd.CommandID, "ok")
		if err == nil {
			err = s.write(resp)
		}
		if err != nil {
			s.log.Warn().Err(err).Msg("failed to acknowledge command")
			return
		}
	}
}

func round1(v float64) float64 {
	return float64(int(v*10+0.5)) / 10
}
