package app

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/des-testbed/etxd/internal/config"
	"github.com/des-testbed/etxd/internal/engine"
	"github.com/des-testbed/etxd/internal/history"
	"github.com/des-testbed/etxd/internal/ipc"
	"github.com/des-testbed/etxd/internal/neighbor"
	"github.com/des-testbed/etxd/internal/netio"
	"github.com/des-testbed/etxd/internal/util"
	"github.com/des-testbed/etxd/internal/web"
	"github.com/google/uuid"
)

// reaperTicksPerStaleness: the reaper fires a few times per staleness
// period so a dead neighbor lingers at most a fraction beyond its
// timeout.
const reaperTicksPerStaleness = 3

type probeInterface struct {
	iface  netio.Interface
	socket *netio.ProbeSocket
}

// Runtime wires the daemon together: one sender and one receiver per
// usable interface, the shared neighbor table, the reaper, and the IPC,
// web and history surfaces.
type Runtime struct {
	cfg        config.Config
	ctx        context.Context
	cancel     context.CancelFunc
	logger     util.Logger
	runID      string
	table      *neighbor.Table
	interfaces []probeInterface
	ipcServer  *ipc.Server
	webServer  *web.Server
	histStore  *history.Store
	wg         sync.WaitGroup
}

func NewRuntime(cfg config.Config, logger util.Logger) (*Runtime, error) {
	ctx, cancel := context.WithCancel(context.Background())

	table := neighbor.NewTable(
		cfg.Probe.Interval.Duration(),
		cfg.Probe.Window.Duration(),
		cfg.Probe.Staleness.Duration(),
	)

	var group net.IP
	if cfg.Probe.MulticastGroup != "" {
		group = net.ParseIP(cfg.Probe.MulticastGroup).To4()
	}

	// A configured interface that cannot be opened is skipped, not
	// fatal; only a node with no usable interface at all refuses to
	// start.
	var interfaces []probeInterface
	for _, name := range cfg.Interfaces {
		iface, err := netio.Resolve(name)
		if err != nil {
			logger.Error("skipping interface", "iface", name, "error", err)
			continue
		}
		var socket *netio.ProbeSocket
		if group != nil {
			socket, err = netio.OpenMulticast(iface, cfg.Probe.Port, group)
		} else {
			socket, err = netio.OpenBroadcast(iface, cfg.Probe.Port)
		}
		if err != nil {
			logger.Error("skipping interface", "iface", name, "error", err)
			continue
		}
		logger.Info("probing on interface", "iface", name, "hwaddr", iface.HardwareAddr.String(), "port", cfg.Probe.Port)
		interfaces = append(interfaces, probeInterface{iface: iface, socket: socket})
	}
	if len(interfaces) == 0 {
		cancel()
		return nil, errors.New("no usable probe interfaces")
	}

	rt := &Runtime{
		cfg:        cfg,
		ctx:        ctx,
		cancel:     cancel,
		logger:     logger,
		runID:      uuid.NewString(),
		table:      table,
		interfaces: interfaces,
	}

	if util.BoolValue(cfg.IPC.Enabled, true) {
		rt.ipcServer = ipc.NewServer(util.NetJoin(cfg.IPC.BindAddr, cfg.IPC.BindPort), table, logger)
	}
	if util.BoolValue(cfg.Web.Enabled, true) {
		rt.webServer = web.NewServer(
			util.NetJoin(cfg.Web.BindAddr, cfg.Web.BindPort),
			cfg.NodeName, rt.runID, table,
			cfg.Probe.Interval.Duration(), logger,
		)
	}
	return rt, nil
}

// RunID identifies this daemon incarnation.
func (r *Runtime) RunID() string {
	return r.runID
}

func (r *Runtime) Start() error {
	if r.ipcServer != nil {
		if err := r.ipcServer.Start(r.ctx); err != nil {
			return err
		}
	}
	if r.webServer != nil {
		if err := r.webServer.Start(r.ctx); err != nil {
			return err
		}
	}
	if r.cfg.History.Enabled {
		store, err := history.Open(r.cfg.History.Path, r.table, r.cfg.History.Interval.Duration(), r.logger)
		if err != nil {
			return err
		}
		r.histStore = store
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			store.Run(r.ctx)
		}()
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	jitter := util.BoolValue(r.cfg.Probe.Jitter, true)
	for _, pi := range r.interfaces {
		sender := engine.NewSender(
			pi.iface, pi.socket, r.table,
			r.cfg.Probe.Interval.Duration(),
			r.cfg.Probe.SeqModulus,
			jitter,
			rand.New(rand.NewSource(rng.Int63())),
			r.logger,
		)
		receiver := engine.NewReceiver(pi.iface, pi.socket, r.table, r.logger)
		r.wg.Add(2)
		go func() {
			defer r.wg.Done()
			sender.Run(r.ctx)
		}()
		go func() {
			defer r.wg.Done()
			receiver.Run(r.ctx)
		}()
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.reaperLoop()
	}()

	if r.logger.Enabled(r.ctx, slog.LevelDebug) {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.debugDumpLoop()
		}()
	}
	return nil
}

func (r *Runtime) Stop() {
	r.cancel()
	for _, pi := range r.interfaces {
		_ = pi.socket.Close()
	}
	r.wg.Wait()
	if r.ipcServer != nil {
		r.ipcServer.Wait()
	}
	if r.histStore != nil {
		_ = r.histStore.Close()
	}
}

func (r *Runtime) reaperLoop() {
	period := r.cfg.Probe.Staleness.Duration() / reaperTicksPerStaleness
	if period <= 0 {
		period = time.Second
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
		}
		if dropped := r.table.Reap(time.Now()); dropped > 0 {
			r.logger.Info("reaped stale neighbors", "count", dropped)
		}
	}
}

func (r *Runtime) debugDumpLoop() {
	ticker := time.NewTicker(r.cfg.Probe.Window.Duration())
	defer ticker.Stop()
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
		}
		now := time.Now()
		for _, info := range r.table.All(now) {
			attrs := []any{
				"iface", info.Iface,
				"neighbor", info.Addr.String(),
				"dr", info.DR,
			}
			if info.HasDF {
				attrs = append(attrs, "df", info.DF)
			}
			if info.Defined {
				attrs = append(attrs, "etx", info.ETX)
			}
			r.logger.Debug("neighbor state", attrs...)
		}
	}
}
