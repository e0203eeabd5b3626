package neighbor

import (
	"bytes"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/des-testbed/etxd/internal/probe"
)

// Info is a read-only snapshot of one neighbor, safe to hold after the
// table lock is released.
type Info struct {
	Iface    string
	Addr     net.HardwareAddr
	IP       net.IP
	LastSeen time.Time
	Metrics
}

type key struct {
	iface string
	addr  string
}

type record struct {
	addr      net.HardwareAddr
	ip        net.IP
	window    *Window
	reported  int
	hasReport bool
	lastSeen  time.Time

	// read-through cache of the last computed metrics, valid for a
	// single read timestamp and invalidated by every update
	cached   Metrics
	cachedAt time.Time
	dirty    bool
}

// Table is the shared neighbor store. Every interface's sender reads
// it, every receiver writes it, the reaper deletes from it and the
// query surfaces read it; one mutex keeps each record update atomic
// with respect to all of them. The lock is never held across I/O.
type Table struct {
	mu        sync.Mutex
	interval  time.Duration
	window    time.Duration
	staleness time.Duration
	records   map[key]*record
}

func NewTable(interval, window, staleness time.Duration) *Table {
	return &Table{
		interval:  interval,
		window:    window,
		staleness: staleness,
		records:   make(map[key]*record),
	}
}

// Upsert records one received probe: the sender's sequence number goes
// into its window, and if the probe's piggybacked entries mention
// localAddr, that count becomes the neighbor's self-reported forward
// count for this node. Unknown senders get a fresh record.
func (t *Table) Upsert(iface string, sender net.HardwareAddr, ip net.IP, seq uint16, entries []probe.NeighborEntry, localAddr net.HardwareAddr, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	k := key{iface: iface, addr: sender.String()}
	rec, ok := t.records[k]
	if !ok {
		rec = &record{
			addr:   append(net.HardwareAddr(nil), sender...),
			window: NewWindow(t.interval, t.window),
		}
		t.records[k] = rec
	}
	rec.window.Record(seq, now)
	if ip != nil {
		rec.ip = append(net.IP(nil), ip...)
	}
	for _, entry := range entries {
		if bytes.Equal(entry.Addr, localAddr) {
			rec.reported = entry.Count
			rec.hasReport = true
			break
		}
	}
	rec.lastSeen = now
	rec.dirty = true
}

// Snapshot returns the piggyback entries for the next outgoing probe on
// iface: each neighbor's in-window reception count, which the neighbor
// will read back as its own forward count.
func (t *Table) Snapshot(iface string, now time.Time) []probe.NeighborEntry {
	t.mu.Lock()
	defer t.mu.Unlock()

	var entries []probe.NeighborEntry
	for k, rec := range t.records {
		if k.iface != iface {
			continue
		}
		count := rec.window.Count(now)
		if count == 0 {
			continue
		}
		entries = append(entries, probe.NeighborEntry{
			Addr:  append(net.HardwareAddr(nil), rec.addr...),
			Count: count,
		})
	}
	sort.Slice(entries, func(i, j int) bool {
		return bytes.Compare(entries[i].Addr, entries[j].Addr) < 0
	})
	return entries
}

// Get returns the snapshot for a single neighbor, if present.
func (t *Table) Get(iface string, addr net.HardwareAddr, now time.Time) (Info, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[key{iface: iface, addr: addr.String()}]
	if !ok {
		return Info{}, false
	}
	return t.infoLocked(iface, rec, now), true
}

// Neighbors returns snapshots for every neighbor on one interface,
// ordered by hardware address.
func (t *Table) Neighbors(iface string, now time.Time) []Info {
	t.mu.Lock()
	defer t.mu.Unlock()

	var infos []Info
	for k, rec := range t.records {
		if k.iface == iface {
			infos = append(infos, t.infoLocked(iface, rec, now))
		}
	}
	sortInfos(infos)
	return infos
}

// All returns snapshots for every neighbor on every interface, ordered
// by interface name then hardware address.
func (t *Table) All(now time.Time) []Info {
	t.mu.Lock()
	defer t.mu.Unlock()

	infos := make([]Info, 0, len(t.records))
	for k, rec := range t.records {
		infos = append(infos, t.infoLocked(k.iface, rec, now))
	}
	sortInfos(infos)
	return infos
}

// Lookup returns snapshots for one hardware address across all
// interfaces.
func (t *Table) Lookup(addr net.HardwareAddr, now time.Time) []Info {
	t.mu.Lock()
	defer t.mu.Unlock()

	want := addr.String()
	var infos []Info
	for k, rec := range t.records {
		if k.addr == want {
			infos = append(infos, t.infoLocked(k.iface, rec, now))
		}
	}
	sortInfos(infos)
	return infos
}

// Reap removes records that have been silent longer than the staleness
// timeout and returns how many were dropped.
func (t *Table) Reap(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := now.Add(-t.staleness)
	var dropped int
	for k, rec := range t.records {
		if rec.lastSeen.Before(cutoff) {
			delete(t.records, k)
			dropped++
			continue
		}
		rec.window.Prune(now)
	}
	return dropped
}

// Len returns the number of live neighbor records.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.records)
}

func (t *Table) infoLocked(iface string, rec *record, now time.Time) Info {
	if rec.dirty || !rec.cachedAt.Equal(now) {
		rec.cached = computeMetrics(rec.window.Ratio(now), rec.reported, rec.hasReport, rec.window.Expected())
		rec.cachedAt = now
		rec.dirty = false
	}
	metrics := rec.cached
	info := Info{
		Iface:    iface,
		Addr:     append(net.HardwareAddr(nil), rec.addr...),
		LastSeen: rec.lastSeen,
		Metrics:  metrics,
	}
	if rec.ip != nil {
		info.IP = append(net.IP(nil), rec.ip...)
	}
	return info
}

func sortInfos(infos []Info) {
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].Iface != infos[j].Iface {
			return infos[i].Iface < infos[j].Iface
		}
		return bytes.Compare(infos[i].Addr, infos[j].Addr) < 0
	})
}
