package neighbor

import (
	"math"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/des-testbed/etxd/internal/probe"
)

var (
	localMAC    = net.HardwareAddr{2, 0, 0, 0, 0, 1}
	neighborMAC = net.HardwareAddr{2, 0, 0, 0, 0, 2}
	otherMAC    = net.HardwareAddr{2, 0, 0, 0, 0, 3}
)

func newTestTable() *Table {
	return NewTable(time.Second, 10*time.Second, 30*time.Second)
}

// feedProbes delivers n probes from neighborMAC, one per second
// starting at base, each reporting that the neighbor received
// `reported` of our probes. reported < 0 means no self-report entry.
func feedProbes(t *testing.T, table *Table, base time.Time, n, reported int) {
	t.Helper()
	for i := 0; i < n; i++ {
		var entries []probe.NeighborEntry
		if reported >= 0 {
			entries = []probe.NeighborEntry{{Addr: localMAC, Count: reported}}
		}
		table.Upsert("wlan0", neighborMAC, net.IPv4(10, 0, 0, 2), uint16(i+1), entries, localMAC, base.Add(time.Duration(i)*time.Second))
	}
}

func TestTableScenarioFullWindow(t *testing.T) {
	// interval 1s, window 10s; ten probes all received, last one
	// reporting that the neighbor got 9 of ours
	table := newTestTable()
	base := time.Unix(1000, 0)
	feedProbes(t, table, base, 10, 9)

	now := base.Add(9 * time.Second)
	info, ok := table.Get("wlan0", neighborMAC, now)
	if !ok {
		t.Fatalf("Get returned absent for known neighbor")
	}
	if info.DR != 1.0 {
		t.Fatalf("DR = %v, want 1.0", info.DR)
	}
	if info.DF != 0.9 {
		t.Fatalf("DF = %v, want 0.9", info.DF)
	}
	if !info.Defined {
		t.Fatalf("ETX undefined, want defined")
	}
	if want := 1 / 0.9; math.Abs(info.ETX-want) > 1e-9 {
		t.Fatalf("ETX = %v, want %v", info.ETX, want)
	}
}

func TestTableUnknownNeighborAbsent(t *testing.T) {
	table := newTestTable()
	if _, ok := table.Get("wlan0", neighborMAC, time.Unix(1000, 0)); ok {
		t.Fatalf("Get = present, want absent")
	}
}

func TestTableNoSelfReportMeansUndefined(t *testing.T) {
	// neighbor heard once but it never echoed our reception count
	table := newTestTable()
	base := time.Unix(1000, 0)
	feedProbes(t, table, base, 1, -1)

	info, ok := table.Get("wlan0", neighborMAC, base)
	if !ok {
		t.Fatalf("Get returned absent")
	}
	if info.DR != 0.1 {
		t.Fatalf("DR = %v, want 0.1", info.DR)
	}
	if info.HasDF || info.Defined {
		t.Fatalf("metric defined without self-report: %+v", info.Metrics)
	}
}

func TestTableReportForOtherNodeIgnored(t *testing.T) {
	table := newTestTable()
	base := time.Unix(1000, 0)
	entries := []probe.NeighborEntry{{Addr: otherMAC, Count: 5}}
	table.Upsert("wlan0", neighborMAC, nil, 1, entries, localMAC, base)

	info, _ := table.Get("wlan0", neighborMAC, base)
	if info.HasDF {
		t.Fatalf("self-report taken from entry addressed to another node")
	}
}

func TestTableSnapshot(t *testing.T) {
	table := newTestTable()
	base := time.Unix(1000, 0)
	feedProbes(t, table, base, 3, -1)
	table.Upsert("wlan1", otherMAC, nil, 9, nil, localMAC, base)

	entries := table.Snapshot("wlan0", base.Add(2*time.Second))
	if len(entries) != 1 {
		t.Fatalf("Snapshot returned %d entries, want 1", len(entries))
	}
	if entries[0].Addr.String() != neighborMAC.String() {
		t.Fatalf("Snapshot addr = %s, want %s", entries[0].Addr, neighborMAC)
	}
	if entries[0].Count != 3 {
		t.Fatalf("Snapshot count = %d, want 3", entries[0].Count)
	}

	// the wlan1 neighbor must not leak into wlan0's probe
	for _, e := range entries {
		if e.Addr.String() == otherMAC.String() {
			t.Fatalf("Snapshot leaked neighbor from another interface")
		}
	}
}

func TestTableSnapshotOmitsEmptyWindows(t *testing.T) {
	table := newTestTable()
	base := time.Unix(1000, 0)
	feedProbes(t, table, base, 2, -1)

	// a minute later all records are outside the window, but the
	// record itself is not yet reaped
	entries := table.Snapshot("wlan0", base.Add(time.Minute))
	if len(entries) != 0 {
		t.Fatalf("Snapshot returned %d entries for expired window, want 0", len(entries))
	}
}

func TestTableReap(t *testing.T) {
	table := newTestTable()
	base := time.Unix(1000, 0)
	feedProbes(t, table, base, 5, 4)

	if dropped := table.Reap(base.Add(10 * time.Second)); dropped != 0 {
		t.Fatalf("Reap before staleness dropped %d, want 0", dropped)
	}
	if dropped := table.Reap(base.Add(40 * time.Second)); dropped != 1 {
		t.Fatalf("Reap after staleness dropped %d, want 1", dropped)
	}
	if _, ok := table.Get("wlan0", neighborMAC, base.Add(40*time.Second)); ok {
		t.Fatalf("Get = present after reap, want absent")
	}
	if table.Len() != 0 {
		t.Fatalf("Len = %d after reap, want 0", table.Len())
	}
}

func TestTableETXMonotonicInForwardCount(t *testing.T) {
	base := time.Unix(1000, 0)
	prev := math.Inf(1)
	for reported := 1; reported <= 10; reported++ {
		table := newTestTable()
		feedProbes(t, table, base, 10, reported)
		info, _ := table.Get("wlan0", neighborMAC, base.Add(9*time.Second))
		if !info.Defined {
			t.Fatalf("ETX undefined for reported=%d", reported)
		}
		if info.ETX >= prev {
			t.Fatalf("ETX not strictly decreasing: reported=%d etx=%v prev=%v", reported, info.ETX, prev)
		}
		prev = info.ETX
	}
}

func TestTableLookupAcrossInterfaces(t *testing.T) {
	table := newTestTable()
	base := time.Unix(1000, 0)
	report := []probe.NeighborEntry{{Addr: localMAC, Count: 5}}
	table.Upsert("wlan0", neighborMAC, nil, 1, report, localMAC, base)
	table.Upsert("wlan1", neighborMAC, nil, 1, report, localMAC, base)

	infos := table.Lookup(neighborMAC, base)
	if len(infos) != 2 {
		t.Fatalf("Lookup returned %d records, want 2", len(infos))
	}
	if infos[0].Iface != "wlan0" || infos[1].Iface != "wlan1" {
		t.Fatalf("Lookup order = %s, %s, want wlan0, wlan1", infos[0].Iface, infos[1].Iface)
	}
}

func TestTableAllSorted(t *testing.T) {
	table := newTestTable()
	base := time.Unix(1000, 0)
	table.Upsert("wlan1", neighborMAC, nil, 1, nil, localMAC, base)
	table.Upsert("wlan0", otherMAC, nil, 1, nil, localMAC, base)
	table.Upsert("wlan0", neighborMAC, nil, 1, nil, localMAC, base)

	infos := table.All(base)
	if len(infos) != 3 {
		t.Fatalf("All returned %d records, want 3", len(infos))
	}
	if infos[0].Iface != "wlan0" || infos[0].Addr.String() != neighborMAC.String() {
		t.Fatalf("first record = %s/%s, want wlan0/%s", infos[0].Iface, infos[0].Addr, neighborMAC)
	}
	if infos[2].Iface != "wlan1" {
		t.Fatalf("last record iface = %s, want wlan1", infos[2].Iface)
	}
}

// The table is shared by every sender, receiver and server goroutine,
// so hammer it from several writers and readers at once. Run with
// -race; the assertions only sanity-check that nothing got lost.
func TestTableConcurrentAccess(t *testing.T) {
	table := newTestTable()
	base := time.Now()
	const writers, readers, rounds = 4, 4, 200

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			mac := net.HardwareAddr{2, 0, 0, 0, 1, byte(w + 1)}
			for i := 0; i < rounds; i++ {
				now := base.Add(time.Duration(i) * time.Millisecond)
				entries := []probe.NeighborEntry{{Addr: localMAC, Count: i}}
				table.Upsert("wlan0", mac, net.IPv4(10, 0, 1, byte(w+1)), uint16(i+1), entries, localMAC, now)
			}
		}(w)
	}
	for r := 0; r < readers; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < rounds; i++ {
				now := base.Add(time.Duration(i) * time.Millisecond)
				table.Snapshot("wlan0", now)
				table.All(now)
				table.Neighbors("wlan0", now)
				table.Reap(now)
			}
		}()
	}
	wg.Wait()

	if got := table.Len(); got != writers {
		t.Fatalf("Len() = %d, want %d", got, writers)
	}
	for w := 0; w < writers; w++ {
		mac := net.HardwareAddr{2, 0, 0, 0, 1, byte(w + 1)}
		info, ok := table.Get("wlan0", mac, base.Add(rounds*time.Millisecond))
		if !ok {
			t.Fatalf("neighbor %s missing after concurrent writes", mac)
		}
		if info.DR == 0 {
			t.Fatalf("neighbor %s has DR 0 after %d probes", mac, rounds)
		}
	}
}
