package tier

import "testing"

func TestPolicyForUnknownFallsBackToFree(t *testing.T) {
	got := PolicyFor("nonexistent")
	want := PolicyFor("free")
	if got.Name != want.Name {
		t.Fatalf("PolicyFor(unknown) = %q, want %q", got.Name, want.Name)
	}
}

func TestTierOrderingIsMonotoneNonDecreasing(t *testing.T) {
	for i := 1; i < len(Names); i++ {
		prev := PolicyFor(Names[i-1])
		cur := PolicyFor(Names[i])

		if cur.Resources.CPUs < prev.Resources.CPUs {
			t.Errorf("%s has fewer CPUs (%d) than %s (%d)", cur.Name, cur.Resources.CPUs, prev.Name, prev.Resources.CPUs)
		}
		if cur.Resources.MemMB < prev.Resources.MemMB {
			t.Errorf("%s has less memory (%d) than %s (%d)", cur.Name, cur.Resources.MemMB, prev.Name, prev.Resources.MemMB)
		}
		if cur.MaxDurationHours < prev.MaxDurationHours {
			t.Errorf("%s has shorter max duration (%d) than %s (%d)", cur.Name, cur.MaxDurationHours, prev.Name, prev.MaxDurationHours)
		}
	}
}

func TestValidateLimits(t *testing.T) {
	cases := []struct {
		name string
		r    Resources
		ok   bool
	}{
		{"within ceiling", Resources{CPUs: 4, MemMB: 2048, DiskGB: 5}, true},
		{"at ceiling", Resources{CPUs: 8, MemMB: 4096, DiskGB: 10}, true},
		{"over cpu ceiling", Resources{CPUs: 9, MemMB: 1024, DiskGB: 1}, false},
		{"over memory ceiling", Resources{CPUs: 1, MemMB: 4097, DiskGB: 1}, false},
		{"zero cpu", Resources{CPUs: 0, MemMB: 512, DiskGB: 1}, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := ValidateLimits(c.r); got != c.ok {
				t.Errorf("ValidateLimits(%+v) = %v, want %v", c.r, got, c.ok)
			}
		})
	}
}

func TestApplyHardeningFiltersPortsAndAlwaysSetsNoNewPrivileges(t *testing.T) {
	free := PolicyFor("free")
	spec := ApplyHardening(RequestedPorts{Ports: []int{8080, 9999, 22}}, free)

	if len(spec.AllowedPorts) != 1 || spec.AllowedPorts[0] != 8080 {
		t.Fatalf("AllowedPorts = %v, want [8080]", spec.AllowedPorts)
	}
	if !spec.NoNewPrivileges {
		t.Fatal("NoNewPrivileges must always be true")
	}
	if len(spec.Checks) != 2 {
		t.Fatalf("expected 2 default checks, got %d", len(spec.Checks))
	}
}

func TestApplyHardeningIsIdempotent(t *testing.T) {
	pro := PolicyFor("pro")
	requested := RequestedPorts{Ports: []int{8080, 3000, 1234}}

	once := ApplyHardening(requested, pro)
	twice := ApplyHardening(RequestedPorts{Ports: once.AllowedPorts}, pro)

	if len(once.AllowedPorts) != len(twice.AllowedPorts) {
		t.Fatalf("hardening not idempotent: %v vs %v", once.AllowedPorts, twice.AllowedPorts)
	}
	for i := range once.AllowedPorts {
		if once.AllowedPorts[i] != twice.AllowedPorts[i] {
			t.Fatalf("hardening not idempotent: %v vs %v", once.AllowedPorts, twice.AllowedPorts)
		}
	}
}
