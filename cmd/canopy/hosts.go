package main

import (
	"context"
	"errors"

	"github.com/23skdu/canopy/internal/comm"
	"github.com/23skdu/canopy/internal/distributed"
	cerrors "github.com/23skdu/canopy/internal/errors"
)

// hostFunc is the body every host runs once its communicator is up.
type hostFunc func(ctx context.Context, c comm.Communicator) error

// runHosts runs fn on every host this process is responsible for: all of
// them with the local transport, its own rank with the flight transport.
func (a *app) runHosts(ctx context.Context, fn hostFunc) error {
	switch a.cfg.Transport {
	case TransportFlight:
		c, err := comm.NewFlightComm(comm.FlightConfig{
			Rank:       a.cfg.Rank,
			Peers:      a.cfg.Peers,
			ListenAddr: a.cfg.ListenAddr,
			MaxMsgSize: a.cfg.GRPCMaxMsgSize,
			Logger:     a.logger,
		})
		if err != nil {
			return err
		}
		runErr := fn(ctx, c)
		return errors.Join(runErr, c.Close())
	default:
		w, err := comm.NewLocalWorld(a.cfg.Hosts)
		if err != nil {
			return err
		}
		defer w.Close()
		return w.Run(ctx, fn)
	}
}

// partition returns the slice of total items owned by c. An uneven split is
// reported once, by rank 0.
func (a *app) partition(c comm.Communicator, total int) (lo, hi int, err error) {
	lo, hi, err = distributed.PartitionRange(total, c.Size(), c.Rank())
	if errors.Is(err, cerrors.ErrPartitionImbalance) {
		if c.Rank() == 0 {
			a.logger.Warn().Err(err).Int("hosts", c.Size()).Msg("items split unevenly across hosts")
		}
		err = nil
	}
	return lo, hi, err
}
