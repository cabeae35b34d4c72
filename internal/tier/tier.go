// Package tier is a pure, side-effect-free lookup table of resource,
// security, and quota policy by subscription tier. It performs no I/O
// and holds no logger: every function here is deterministic.
package tier

import "time"

// CPUKind distinguishes shared vCPU allocation from dedicated.
type CPUKind string

const (
	CPUShared    CPUKind = "shared"
	CPUDedicated CPUKind = "dedicated"
)

// Resources describes the compute shape granted to a tier's containers.
type Resources struct {
	CPUKind CPUKind
	CPUs    int
	MemMB   int
	DiskGB  int
}

// Security describes the hardening baseline applied to a tier's containers.
type Security struct {
	AllowedPorts     []int
	DropCapabilities []string
	NoNewPrivileges  bool
	ReadOnlyRootfs   bool
	SeccompProfile   string
}

// QuotaLimit describes one resource's rate-limit shape for a tier.
type QuotaLimit struct {
	RequestsPerWindow int
	WindowSeconds     int
	Burst             int  // 0 means no independent burst window
	Tokens            int  // 0 means no token bucket
	Concurrent        int  // 0 means no concurrency cap
	GracefulDegrade   bool // whether denials on this resource may degrade instead of hard-fail
}

// Tier is an immutable policy record, compiled in rather than persisted.
type Tier struct {
	Name              string
	Resources         Resources
	Security          Security
	MaxDurationHours  int
	Quotas            map[string]QuotaLimit
	PriorityBoostable bool // pro/enterprise: one grace grant per hour when only the sliding window would block
}

// MaxDuration returns the tier's max session duration as a time.Duration.
func (t Tier) MaxDuration() time.Duration {
	return time.Duration(t.MaxDurationHours) * time.Hour
}

// Names lists every tier in ascending order, used by tests to assert
// monotonicity of resource/duration limits across tiers.
var Names = []string{"free", "basic", "pro", "enterprise"}

var policies = map[string]Tier{
	"free": {
		Name: "free",
		Resources: Resources{
			CPUKind: CPUShared, CPUs: 1, MemMB: 512, DiskGB: 1,
		},
		Security: Security{
			AllowedPorts:     []int{8080},
			DropCapabilities: []string{"ALL"},
			NoNewPrivileges:  true,
			ReadOnlyRootfs:   true,
			SeccompProfile:   "default",
		},
		MaxDurationHours: 2,
		Quotas: map[string]QuotaLimit{
			"session_create":    {RequestsPerWindow: 5, WindowSeconds: 3600, Burst: 2, Concurrent: 1},
			"code_generation":   {RequestsPerWindow: 20, WindowSeconds: 3600, Burst: 5, Tokens: 20, GracefulDegrade: true},
			"quality_analysis":  {RequestsPerWindow: 10, WindowSeconds: 3600, Burst: 3, GracefulDegrade: true},
		},
		PriorityBoostable: false,
	},
	"basic": {
		Name: "basic",
		Resources: Resources{
			CPUKind: CPUShared, CPUs: 2, MemMB: 1024, DiskGB: 2,
		},
		Security: Security{
			AllowedPorts:     []int{8080, 3000},
			DropCapabilities: []string{"ALL"},
			NoNewPrivileges:  true,
			ReadOnlyRootfs:   true,
			SeccompProfile:   "default",
		},
		MaxDurationHours: 4,
		Quotas: map[string]QuotaLimit{
			"session_create":   {RequestsPerWindow: 20, WindowSeconds: 3600, Burst: 5, Concurrent: 2},
			"code_generation":  {RequestsPerWindow: 100, WindowSeconds: 3600, Burst: 20, Tokens: 100, GracefulDegrade: true},
			"quality_analysis": {RequestsPerWindow: 50, WindowSeconds: 3600, Burst: 10, GracefulDegrade: true},
		},
		PriorityBoostable: false,
	},
	"pro": {
		Name: "pro",
		Resources: Resources{
			CPUKind: CPUDedicated, CPUs: 4, MemMB: 2048, DiskGB: 5,
		},
		Security: Security{
			AllowedPorts:     []int{8080, 3000, 5000, 9000},
			DropCapabilities: []string{"NET_RAW", "SYS_ADMIN"},
			NoNewPrivileges:  true,
			ReadOnlyRootfs:   false,
			SeccompProfile:   "default",
		},
		MaxDurationHours: 8,
		Quotas: map[string]QuotaLimit{
			"session_create":   {RequestsPerWindow: 100, WindowSeconds: 3600, Burst: 20, Concurrent: 5},
			"code_generation":  {RequestsPerWindow: 1000, WindowSeconds: 3600, Burst: 100, Tokens: 1000, GracefulDegrade: true},
			"quality_analysis": {RequestsPerWindow: 500, WindowSeconds: 3600, Burst: 50, GracefulDegrade: true},
		},
		PriorityBoostable: true,
	},
	"enterprise": {
		Name: "enterprise",
		Resources: Resources{
			CPUKind: CPUDedicated, CPUs: 8, MemMB: 4096, DiskGB: 10,
		},
		Security: Security{
			AllowedPorts:     []int{8080, 3000, 5000, 9000, 9090},
			DropCapabilities: []string{"NET_RAW"},
			NoNewPrivileges:  true,
			ReadOnlyRootfs:   false,
			SeccompProfile:   "default",
		},
		MaxDurationHours: 24,
		Quotas: map[string]QuotaLimit{
			"session_create":   {RequestsPerWindow: 1000, WindowSeconds: 3600, Burst: 200, Concurrent: 20},
			"code_generation":  {RequestsPerWindow: 0, WindowSeconds: 3600}, // 0 requests-per-window with no tokens means unlimited; see Unlimited below
			"quality_analysis": {RequestsPerWindow: 0, WindowSeconds: 3600},
		},
		PriorityBoostable: true,
	},
}

// validationCeiling is the most-permissive envelope for ValidateLimits:
// these numbers equal the largest concrete tier (enterprise) and serve
// only as upper bounds, never as a tier default.
var validationCeiling = Resources{CPUs: 8, MemMB: 4096, DiskGB: 10}

// PolicyFor returns the Tier for name, falling back deterministically to
// "free" for unknown names.
func PolicyFor(name string) Tier {
	if t, ok := policies[name]; ok {
		return t
	}
	return policies["free"]
}

// Unlimited reports whether a tier's quota for a resource is unlimited
// (zero requests-per-window and no token bucket means the check
// short-circuits to allowed).
func (q QuotaLimit) Unlimited() bool {
	return q.RequestsPerWindow == 0 && q.Tokens == 0
}

// ValidateLimits accepts only resource requests that fit within the
// most-permissive envelope across tiers: CPU <= 8, memory <= 4096 MB,
// disk <= 10 GB.
func ValidateLimits(r Resources) bool {
	if r.CPUs <= 0 || r.CPUs > validationCeiling.CPUs {
		return false
	}
	if r.MemMB <= 0 || r.MemMB > validationCeiling.MemMB {
		return false
	}
	if r.DiskGB < 0 || r.DiskGB > validationCeiling.DiskGB {
		return false
	}
	return true
}

// HardenedSpec is the derived machine spec ApplyHardening produces.
type HardenedSpec struct {
	Resources        Resources
	AllowedPorts     []int
	DropCapabilities []string
	NoNewPrivileges  bool
	ReadOnlyRootfs   bool
	SeccompProfile   string
	Checks           []HealthCheck
}

// HealthCheck describes one of the two default checks ApplyHardening
// injects.
type HealthCheck struct {
	Kind            string // "http" or "process"
	Path            string // for http checks
	Script          string // for process-liveness checks
	IntervalSeconds int
}

// RequestedPorts is the caller-declared port list before tier filtering.
type RequestedPorts struct {
	Ports []int
}

// ApplyHardening returns a derived spec with tier-appropriate security
// settings applied: dropped capabilities, no_new_privileges always true,
// read-only rootfs per tier, ports filtered to the tier's allow-list, and
// two default health checks injected. It is idempotent:
// ApplyHardening(ApplyHardening(spec, t), t) == ApplyHardening(spec, t).
func ApplyHardening(requested RequestedPorts, t Tier) HardenedSpec {
	allowed := make(map[int]bool, len(t.Security.AllowedPorts))
	for _, p := range t.Security.AllowedPorts {
		allowed[p] = true
	}

	filtered := make([]int, 0, len(requested.Ports))
	seen := make(map[int]bool, len(requested.Ports))
	for _, p := range requested.Ports {
		if allowed[p] && !seen[p] {
			filtered = append(filtered, p)
			seen[p] = true
		}
	}

	interval := 10
	if t.MaxDurationHours > 0 {
		interval = 10
	}

	return HardenedSpec{
		Resources:        t.Resources,
		AllowedPorts:     filtered,
		DropCapabilities: append([]string(nil), t.Security.DropCapabilities...),
		NoNewPrivileges:  true,
		ReadOnlyRootfs:   t.Security.ReadOnlyRootfs,
		SeccompProfile:   t.Security.SeccompProfile,
		Checks: []HealthCheck{
			{Kind: "http", Path: "/health", IntervalSeconds: interval},
			{Kind: "process", Script: "pgrep -f app || exit 1", IntervalSeconds: interval},
		},
	}
}
