package engine

import (
	"context"
	"math/rand"
	"time"

	"github.com/des-testbed/etxd/internal/neighbor"
	"github.com/des-testbed/etxd/internal/netio"
	"github.com/des-testbed/etxd/internal/probe"
	"github.com/des-testbed/etxd/internal/util"
)

// ProbeConn is the send side of a probe socket.
type ProbeConn interface {
	Send(data []byte) error
}

// Sender broadcasts one probe per interval on a single interface. Each
// probe carries the next sequence number and a snapshot of the local
// in-window reception counts, which is what lets neighbors compute
// their forward delivery ratio.
type Sender struct {
	iface    netio.Interface
	conn     ProbeConn
	table    *neighbor.Table
	interval time.Duration
	modulus  int
	jitter   bool
	rng      *rand.Rand
	logger   util.Logger

	seq int
}

func NewSender(iface netio.Interface, conn ProbeConn, table *neighbor.Table, interval time.Duration, modulus int, jitter bool, rng *rand.Rand, logger util.Logger) *Sender {
	return &Sender{
		iface:    iface,
		conn:     conn,
		table:    table,
		interval: interval,
		modulus:  modulus,
		jitter:   jitter,
		rng:      rng,
		logger:   logger,
	}
}

// Run sends probes until the context is cancelled. A failed send is
// logged and skipped; the next tick is the retry.
func (s *Sender) Run(ctx context.Context) {
	timer := time.NewTimer(s.nextDelay())
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		if err := s.sendProbe(time.Now()); err != nil {
			s.logger.Warn("probe send failed", "iface", s.iface.Name, "error", err)
		}
		timer.Reset(s.nextDelay())
	}
}

func (s *Sender) sendProbe(now time.Time) error {
	s.seq = (s.seq + 1) % s.modulus
	msg := probe.Message{
		Sender:    s.iface.HardwareAddr,
		Seq:       uint16(s.seq),
		Neighbors: s.table.Snapshot(s.iface.Name, now),
	}
	data, err := probe.Encode(msg)
	if err != nil {
		return err
	}
	if err := s.conn.Send(data); err != nil {
		return err
	}
	s.logger.Debug("probe sent", "iface", s.iface.Name, "seq", msg.Seq, "neighbors", len(msg.Neighbors))
	return nil
}

// nextDelay varies the interval by +-10% so that nodes booted together
// do not keep colliding their broadcasts.
func (s *Sender) nextDelay() time.Duration {
	if !s.jitter {
		return s.interval
	}
	spread := time.Duration(s.rng.Int63n(int64(s.interval) / 5))
	return s.interval - s.interval/10 + spread
}
