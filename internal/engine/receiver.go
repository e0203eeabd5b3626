package engine

import (
	"bytes"
	"context"
	"errors"
	"net"
	"time"

	"github.com/des-testbed/etxd/internal/neighbor"
	"github.com/des-testbed/etxd/internal/netio"
	"github.com/des-testbed/etxd/internal/probe"
	"github.com/des-testbed/etxd/internal/util"
)

// maxDatagramBytes bounds a single probe read. UDP caps a payload at
// 65507 bytes, which holds roughly 8k neighbor entries, so the buffer
// never truncates a probe that fit in a datagram.
const maxDatagramBytes = 64 * 1024

// PacketSource is the receive side of a probe socket.
type PacketSource interface {
	ReadFrom(buf []byte) (int, *net.UDPAddr, error)
}

// Receiver consumes probe broadcasts on a single interface and feeds
// them into the neighbor table. Malformed and self-originated packets
// are dropped here and never travel further.
type Receiver struct {
	iface  netio.Interface
	conn   PacketSource
	table  *neighbor.Table
	logger util.Logger
}

func NewReceiver(iface netio.Interface, conn PacketSource, table *neighbor.Table, logger util.Logger) *Receiver {
	return &Receiver{
		iface:  iface,
		conn:   conn,
		table:  table,
		logger: logger,
	}
}

// Run reads datagrams until the socket is closed or the context is
// cancelled.
func (r *Receiver) Run(ctx context.Context) {
	buf := make([]byte, maxDatagramBytes)
	for {
		n, src, err := r.conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			r.logger.Error("probe read failed", "iface", r.iface.Name, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}
		r.handle(buf[:n], src, time.Now())
	}
}

func (r *Receiver) handle(data []byte, src *net.UDPAddr, now time.Time) {
	msg, err := probe.Decode(data)
	if err != nil {
		r.logger.Debug("dropping malformed probe", "iface", r.iface.Name, "src", src, "error", err)
		return
	}
	// our own broadcast echoed back
	if bytes.Equal(msg.Sender, r.iface.HardwareAddr) {
		return
	}
	var ip net.IP
	if src != nil {
		ip = src.IP
	}
	r.table.Upsert(r.iface.Name, msg.Sender, ip, msg.Seq, msg.Neighbors, r.iface.HardwareAddr, now)
	r.logger.Debug("probe received", "iface", r.iface.Name, "from", msg.Sender.String(), "seq", msg.Seq)
}
