package history

import (
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/des-testbed/etxd/internal/neighbor"
	"github.com/des-testbed/etxd/internal/probe"
	"github.com/des-testbed/etxd/internal/util"
)

func TestStoreSample(t *testing.T) {
	localMAC := net.HardwareAddr{2, 0, 0, 0, 0, 1}
	neighborMAC := net.HardwareAddr{2, 0, 0, 0, 0, 2}
	silentMAC := net.HardwareAddr{2, 0, 0, 0, 0, 3}

	base := time.Unix(1000, 0)
	table := neighbor.NewTable(time.Second, 10*time.Second, 30*time.Second)
	report := []probe.NeighborEntry{{Addr: localMAC, Count: 5}}
	for i := 0; i < 10; i++ {
		at := base.Add(time.Duration(i) * time.Second)
		table.Upsert("wlan0", neighborMAC, nil, uint16(i), report, localMAC, at)
		table.Upsert("wlan0", silentMAC, nil, uint16(i), nil, localMAC, at)
	}

	path := filepath.Join(t.TempDir(), "etxd.db")
	store, err := Open(path, table, time.Second, util.NewLogger(false))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()

	now := base.Add(9 * time.Second)
	if err := store.Sample(now, table.All(now)); err != nil {
		t.Fatalf("Sample: %v", err)
	}

	rows, err := store.db.Query(`SELECT neighbor, dr, df, etx FROM etx_samples ORDER BY neighbor`)
	if err != nil {
		t.Fatalf("query samples: %v", err)
	}
	defer rows.Close()

	type row struct {
		neighbor string
		dr       float64
		df       *float64
		etx      *float64
	}
	var got []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.neighbor, &r.dr, &r.df, &r.etx); err != nil {
			t.Fatalf("scan: %v", err)
		}
		got = append(got, r)
	}
	if err := rows.Err(); err != nil {
		t.Fatalf("rows: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("stored %d rows, want 2", len(got))
	}

	measured := got[0]
	if measured.neighbor != neighborMAC.String() {
		t.Fatalf("first row neighbor = %s, want %s", measured.neighbor, neighborMAC)
	}
	if measured.dr != 1.0 || measured.df == nil || *measured.df != 0.5 || measured.etx == nil || *measured.etx != 2.0 {
		t.Fatalf("measured row = %+v, want dr=1 df=0.5 etx=2", measured)
	}

	silent := got[1]
	if silent.df != nil || silent.etx != nil {
		t.Fatalf("unmeasured neighbor stored non-NULL df/etx: %+v", silent)
	}
}

func TestStoreSampleEmptyIsNoop(t *testing.T) {
	table := neighbor.NewTable(time.Second, 10*time.Second, 30*time.Second)
	path := filepath.Join(t.TempDir(), "etxd.db")
	store, err := Open(path, table, time.Second, util.NewLogger(false))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()
	if err := store.Sample(time.Now(), nil); err != nil {
		t.Fatalf("Sample with no neighbors: %v", err)
	}
}
