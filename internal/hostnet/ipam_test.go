package hostnet

import "testing"

func TestIPAMAllocateAssignsFirstFreeAddress(t *testing.T) {
	pool, err := NewIPAM(IPAMConfig{CIDR: "172.16.0.0/24", TapPrefix: "hftap"})
	if err != nil {
		t.Fatalf("NewIPAM() error = %v", err)
	}

	lease1, err := pool.Allocate("m1")
	if err != nil {
		t.Fatalf("Allocate() error = %v", err)
	}
	if lease1.IP.String() != "172.16.0.2" {
		t.Errorf("lease1.IP = %s, want 172.16.0.2", lease1.IP)
	}
	if lease1.TapName != "hftap0" {
		t.Errorf("lease1.TapName = %s, want hftap0", lease1.TapName)
	}

	lease2, err := pool.Allocate("m2")
	if err != nil {
		t.Fatalf("Allocate() error = %v", err)
	}
	if lease2.IP.String() != "172.16.0.3" {
		t.Errorf("lease2.IP = %s, want 172.16.0.3", lease2.IP)
	}
	if lease2.TapName != "hftap1" {
		t.Errorf("lease2.TapName = %s, want hftap1", lease2.TapName)
	}
}

func TestIPAMAllocateIsIdempotentPerMachine(t *testing.T) {
	pool, _ := NewIPAM(IPAMConfig{CIDR: "172.16.0.0/24"})
	l1, _ := pool.Allocate("m1")
	l2, _ := pool.Allocate("m1")
	if l1.IP.String() != l2.IP.String() {
		t.Errorf("re-allocating m1 returned a different lease: %s vs %s", l1.IP, l2.IP)
	}
}

func TestIPAMReleaseDoesNotReuseTapSequence(t *testing.T) {
	pool, _ := NewIPAM(IPAMConfig{CIDR: "172.16.0.0/24", TapPrefix: "hftap"})
	l1, _ := pool.Allocate("m1")
	pool.Release("m1")
	l2, _ := pool.Allocate("m2")

	if l1.TapName == l2.TapName {
		t.Errorf("tap name %s reused after release", l1.TapName)
	}
	if l2.IP.String() != l1.IP.String() {
		t.Errorf("released IP %s was not reallocated, got %s", l1.IP, l2.IP)
	}
}

func TestIPAMGeneratesDeterministicMACWithinOUI(t *testing.T) {
	pool, _ := NewIPAM(IPAMConfig{CIDR: "172.16.0.0/24"})
	l1, _ := pool.Allocate("m1")
	if got := l1.MAC.String()[:8]; got != "aa:fc:00" {
		t.Errorf("MAC = %s, want AA:FC OUI prefix", l1.MAC)
	}

	pool2, _ := NewIPAM(IPAMConfig{CIDR: "172.16.0.0/24"})
	l2, _ := pool2.Allocate("different-id")
	if l1.MAC.String() != l2.MAC.String() {
		t.Errorf("MAC should be a pure function of IP, got %s vs %s", l1.MAC, l2.MAC)
	}
}

func TestIPAMStats(t *testing.T) {
	pool, _ := NewIPAM(IPAMConfig{CIDR: "172.16.0.0/28"})
	stats := pool.Stats()
	if stats.Allocated != 0 {
		t.Errorf("Allocated = %d, want 0", stats.Allocated)
	}
	pool.Allocate("m1")
	stats = pool.Stats()
	if stats.Allocated != 1 || stats.Available != stats.Total-1 {
		t.Errorf("stats = %+v, want Allocated=1", stats)
	}
}

func TestIPAMExportImportRoundTrip(t *testing.T) {
	pool, _ := NewIPAM(IPAMConfig{CIDR: "172.16.0.0/24", TapPrefix: "hftap"})
	l1, _ := pool.Allocate("m1")
	pool.Allocate("m2")
	pool.Release("m2")
	l3, _ := pool.Allocate("m3")

	data, err := pool.Export()
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}

	restored, _ := NewIPAM(IPAMConfig{CIDR: "172.16.0.0/24", TapPrefix: "hftap"})
	if err := restored.Import(data); err != nil {
		t.Fatalf("Import() error = %v", err)
	}

	rl1, ok := restored.Lookup("m1")
	if !ok {
		t.Fatal("m1 lease missing after import")
	}
	if rl1.IP.String() != l1.IP.String() || rl1.MAC.String() != l1.MAC.String() || rl1.TapName != l1.TapName {
		t.Errorf("m1 lease mismatch after import: got %+v, want %+v", rl1, l1)
	}

	if _, ok := restored.Lookup("m2"); ok {
		t.Error("m2 lease present after import, want released lease to stay released")
	}

	rl3, ok := restored.Lookup("m3")
	if !ok || rl3.IP.String() != l3.IP.String() {
		t.Fatalf("m3 lease missing or mismatched after import: %+v", rl3)
	}

	// The next tap index must also survive the round trip so a
	// post-import Allocate never collides with a restored tap name.
	next, err := restored.Allocate("m4")
	if err != nil {
		t.Fatalf("Allocate() after import error = %v", err)
	}
	if next.TapName == l1.TapName || next.TapName == l3.TapName {
		t.Errorf("post-import tap name %s collides with a restored lease", next.TapName)
	}
}

func TestIPAMExhaustion(t *testing.T) {
	pool, _ := NewIPAM(IPAMConfig{CIDR: "172.16.0.0/30", StartOffset: 2, EndOffset: 2})
	if _, err := pool.Allocate("m1"); err != nil {
		t.Fatalf("first Allocate() error = %v", err)
	}
	if _, err := pool.Allocate("m2"); err == nil {
		t.Fatal("Allocate() on exhausted pool = nil error, want error")
	}
}
