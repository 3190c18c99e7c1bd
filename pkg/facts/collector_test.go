package facts

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/rs/zerolog"

	"github.com/openfroyo/galley/pkg/attributes"
	"github.com/openfroyo/galley/pkg/system"
)

type mockCommander struct {
	outputs map[string]string
}

func (m *mockCommander) Run(ctx context.Context, cmd system.Command) (*system.Result, error) {
	out, ok := m.outputs[cmd.String()]
	if !ok {
		return &system.Result{ExitCode: 127, Stderr: "not found"}, nil
	}
	return &system.Result{Stdout: out}, nil
}

var testFiles = map[string]string{
	"/etc/os-release": `NAME="Ubuntu"
VERSION_ID="22.04"
ID=ubuntu
ID_LIKE=debian
`,
	"/proc/cpuinfo": `processor	: 0
vendor_id	: GenuineIntel
model name	: Intel(R) Xeon(R) CPU
processor	: 1
vendor_id	: GenuineIntel
model name	: Intel(R) Xeon(R) CPU
`,
	"/proc/meminfo": `MemTotal:        8167848 kB
MemAvailable:    6167848 kB
SwapTotal:       2097148 kB
SwapFree:        2097148 kB
`,
	"/sys/class/net/eth0/address": "52:54:00:12:34:56\n",
}

func readTestFile(path string) ([]byte, error) {
	if content, ok := testFiles[path]; ok {
		return []byte(content), nil
	}
	return nil, os.ErrNotExist
}

func newTestCollector() *Collector {
	commander := &mockCommander{outputs: map[string]string{
		"uname -r": "5.15.0-91-generic\n",
		"uname -m": "x86_64\n",
		"hostname": "web1\n",
		"df -P -k": "Filesystem 1024-blocks Used Available Capacity Mounted on\n/dev/sda1 41152736 12345678 26700000 32% /\ntmpfs 1000 0 1000 0% /run\n",
		"ip -o addr show": "1: lo    inet 127.0.0.1/8 scope host lo\n" +
			"2: eth0    inet 10.0.0.5/24 brd 10.0.0.255 scope global eth0\n" +
			"2: eth0    inet6 fe80::1/64 scope link\n",
	}}
	return NewCollector(commander, zerolog.Nop(), WithFileReader(readTestFile))
}

func TestCollect(t *testing.T) {
	facts, err := newTestCollector().Collect(context.Background(), nil)
	if err != nil {
		t.Fatalf("Collect failed: %v", err)
	}

	if facts.OS == nil {
		t.Fatal("Expected OS facts")
	}
	if facts.OS.Platform != "ubuntu" || facts.OS.PlatformFamily != "debian" || facts.OS.Version != "22.04" {
		t.Errorf("Unexpected OS facts: %+v", facts.OS)
	}
	if facts.OS.Hostname != "web1" || facts.OS.Arch != "x86_64" {
		t.Errorf("Unexpected OS facts: %+v", facts.OS)
	}
	if facts.CPU.Total != 2 || facts.CPU.Vendor != "GenuineIntel" {
		t.Errorf("Unexpected CPU facts: %+v", facts.CPU)
	}
	if facts.Memory.TotalMB != 7976 {
		t.Errorf("Expected 7976 MB, got %d", facts.Memory.TotalMB)
	}
	if len(facts.Disks) != 1 || facts.Disks[0].MountPoint != "/" || facts.Disks[0].UsePercent != 32 {
		t.Errorf("Unexpected disks: %+v", facts.Disks)
	}
	if len(facts.Interfaces) != 1 {
		t.Fatalf("Expected 1 interface, got %d", len(facts.Interfaces))
	}
	eth0 := facts.Interfaces[0]
	if eth0.MACAddress != "52:54:00:12:34:56" || len(eth0.IPAddresses) != 2 {
		t.Errorf("Unexpected interface: %+v", eth0)
	}
}

func TestCollectSkipsFailedTypes(t *testing.T) {
	c := NewCollector(&mockCommander{}, zerolog.Nop(), WithFileReader(func(string) ([]byte, error) {
		return nil, errors.New("permission denied")
	}))

	facts, err := c.Collect(context.Background(), []string{TypeOS, TypeDisk})
	if err != nil {
		t.Fatalf("Collect failed: %v", err)
	}
	if facts.OS != nil || facts.Disks != nil {
		t.Errorf("Expected failed types to be skipped, got %+v", facts)
	}

	if _, err := c.Collect(context.Background(), []string{"gpu"}); err == nil {
		t.Error("Expected error for unknown fact type")
	}
}

func TestLoadIntoForcedLayer(t *testing.T) {
	store := attributes.NewStore()
	if err := store.Set(attributes.LayerDefault, "hostname", "placeholder"); err != nil {
		t.Fatal(err)
	}

	if _, err := newTestCollector().Load(context.Background(), store, nil); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	tests := map[string]interface{}{
		"hostname":                          "web1",
		"platform":                          "ubuntu",
		"platform_family":                   "debian",
		"facts.cpu.total":                   2,
		"facts.network.interfaces.eth0.mac": "52:54:00:12:34:56",
	}
	for path, want := range tests {
		got, ok := store.Lookup(path)
		if !ok {
			t.Errorf("Expected %s to be set", path)
			continue
		}
		if got != want {
			t.Errorf("Expected %s = %v, got %v", path, want, got)
		}
	}

	if layer, _ := store.Origin("hostname"); layer != attributes.LayerForced {
		t.Errorf("Expected hostname from forced layer, got %s", layer)
	}
}

func TestPlatformFamily(t *testing.T) {
	tests := []struct {
		id, like, want string
	}{
		{"ubuntu", "debian", "debian"},
		{"rocky", "rhel centos fedora", "rhel"},
		{"fedora", "", "fedora"},
		{"opensuse-leap", "suse opensuse", "suse"},
		{"gentoo", "", "gentoo"},
	}
	for _, tt := range tests {
		if got := platformFamily(tt.id, tt.like); got != tt.want {
			t.Errorf("platformFamily(%q, %q) = %q, want %q", tt.id, tt.like, got, tt.want)
		}
	}
}
