// Package facts collects information about the local host. Collected facts
// are loaded into the forced attribute layer before recipes are evaluated.
package facts

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/galley/pkg/attributes"
	"github.com/openfroyo/galley/pkg/system"
)

// Fact types.
const (
	TypeOS      = "os"
	TypeCPU     = "cpu"
	TypeMemory  = "memory"
	TypeDisk    = "disk"
	TypeNetwork = "network"
)

// DefaultTypes are collected when no types are requested.
var DefaultTypes = []string{TypeOS, TypeCPU, TypeMemory, TypeDisk, TypeNetwork}

// OSFacts contains OS information.
type OSFacts struct {
	Name           string `json:"name"`
	Version        string `json:"version"`
	Platform       string `json:"platform"`
	PlatformFamily string `json:"platform_family"`
	Kernel         string `json:"kernel"`
	Arch           string `json:"arch"`
	Hostname       string `json:"hostname"`
}

// CPUFacts contains CPU information.
type CPUFacts struct {
	Model  string `json:"model"`
	Total  int    `json:"total"`
	Vendor string `json:"vendor"`
}

// MemoryFacts contains memory information.
type MemoryFacts struct {
	TotalMB     int64 `json:"total_mb"`
	AvailableMB int64 `json:"available_mb"`
	SwapTotalMB int64 `json:"swap_total_mb"`
	SwapFreeMB  int64 `json:"swap_free_mb"`
}

// DiskDevice represents a mounted filesystem.
type DiskDevice struct {
	Device      string `json:"device"`
	MountPoint  string `json:"mount_point"`
	TotalKB     int64  `json:"total_kb"`
	UsedKB      int64  `json:"used_kb"`
	AvailableKB int64  `json:"available_kb"`
	UsePercent  int    `json:"use_percent"`
}

// NetworkInterface represents a network interface.
type NetworkInterface struct {
	Name        string   `json:"name"`
	IPAddresses []string `json:"ip_addresses"`
	MACAddress  string   `json:"mac_address"`
}

// Facts is the result of a collection.
type Facts struct {
	OS          *OSFacts           `json:"os,omitempty"`
	CPU         *CPUFacts          `json:"cpu,omitempty"`
	Memory      *MemoryFacts       `json:"memory,omitempty"`
	Disks       []DiskDevice       `json:"disks,omitempty"`
	Interfaces  []NetworkInterface `json:"interfaces,omitempty"`
	CollectedAt time.Time          `json:"collected_at"`
	Duration    time.Duration      `json:"duration"`
}

// Option configures a Collector.
type Option func(*Collector)

// WithFileReader replaces os.ReadFile, used for /etc and /proc files.
func WithFileReader(read func(string) ([]byte, error)) Option {
	return func(c *Collector) {
		c.readFile = read
	}
}

// Collector collects facts from the local host.
type Collector struct {
	commander system.Commander
	readFile  func(string) ([]byte, error)
	logger    zerolog.Logger
}

// NewCollector creates a new facts collector.
func NewCollector(commander system.Commander, logger zerolog.Logger, opts ...Option) *Collector {
	c := &Collector{
		commander: commander,
		readFile:  os.ReadFile,
		logger:    logger.With().Str("component", "facts").Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Collect gathers the requested fact types. A type that fails is logged and skipped.
func (c *Collector) Collect(ctx context.Context, types []string) (*Facts, error) {
	start := time.Now()
	if len(types) == 0 {
		types = DefaultTypes
	}

	facts := &Facts{}
	collected := 0
	for _, factType := range types {
		var err error
		switch factType {
		case TypeOS:
			facts.OS, err = c.collectOS(ctx)
		case TypeCPU:
			facts.CPU, err = c.collectCPU()
		case TypeMemory:
			facts.Memory, err = c.collectMemory()
		case TypeDisk:
			facts.Disks, err = c.collectDisks(ctx)
		case TypeNetwork:
			facts.Interfaces, err = c.collectNetwork(ctx)
		default:
			return nil, fmt.Errorf("unknown fact type: %s", factType)
		}
		if err != nil {
			c.logger.Warn().Err(err).Str("type", factType).Msg("Failed to collect fact")
			continue
		}
		collected++
	}

	facts.CollectedAt = time.Now()
	facts.Duration = time.Since(start)

	c.logger.Debug().
		Int("facts_count", collected).
		Dur("duration", facts.Duration).
		Msg("Facts collection completed")

	return facts, nil
}

// Load collects facts and writes them into the forced layer of a store.
func (c *Collector) Load(ctx context.Context, store *attributes.Store, types []string) (*Facts, error) {
	facts, err := c.Collect(ctx, types)
	if err != nil {
		return nil, err
	}
	if err := store.Merge(attributes.LayerForced, facts.Attributes()); err != nil {
		return nil, fmt.Errorf("failed to load facts: %w", err)
	}
	return facts, nil
}

// Attributes renders facts as an attribute tree: everything under "facts",
// plus top-level hostname and platform keys.
func (f *Facts) Attributes() map[string]interface{} {
	tree := map[string]interface{}{}
	all := map[string]interface{}{}

	if f.OS != nil {
		tree["hostname"] = f.OS.Hostname
		tree["platform"] = f.OS.Platform
		tree["platform_version"] = f.OS.Version
		tree["platform_family"] = f.OS.PlatformFamily
		all["os"] = map[string]interface{}{
			"name":            f.OS.Name,
			"version":         f.OS.Version,
			"platform":        f.OS.Platform,
			"platform_family": f.OS.PlatformFamily,
			"kernel":          f.OS.Kernel,
			"arch":            f.OS.Arch,
			"hostname":        f.OS.Hostname,
		}
	}
	if f.CPU != nil {
		all["cpu"] = map[string]interface{}{
			"model":  f.CPU.Model,
			"total":  f.CPU.Total,
			"vendor": f.CPU.Vendor,
		}
	}
	if f.Memory != nil {
		all["memory"] = map[string]interface{}{
			"total_mb":      f.Memory.TotalMB,
			"available_mb":  f.Memory.AvailableMB,
			"swap_total_mb": f.Memory.SwapTotalMB,
			"swap_free_mb":  f.Memory.SwapFreeMB,
		}
	}
	if f.Disks != nil {
		mounts := map[string]interface{}{}
		for _, d := range f.Disks {
			mounts[d.MountPoint] = map[string]interface{}{
				"device":       d.Device,
				"total_kb":     d.TotalKB,
				"used_kb":      d.UsedKB,
				"available_kb": d.AvailableKB,
				"use_percent":  d.UsePercent,
			}
		}
		all["filesystem"] = mounts
	}
	if f.Interfaces != nil {
		ifaces := map[string]interface{}{}
		for _, iface := range f.Interfaces {
			addrs := make([]interface{}, len(iface.IPAddresses))
			for i, a := range iface.IPAddresses {
				addrs[i] = a
			}
			ifaces[iface.Name] = map[string]interface{}{
				"addresses": addrs,
				"mac":       iface.MACAddress,
			}
		}
		all["network"] = map[string]interface{}{"interfaces": ifaces}
	}

	tree["facts"] = all
	return tree
}

func (c *Collector) output(ctx context.Context, name string, args ...string) (string, error) {
	return system.Output(ctx, c.commander, system.Program(name, args...))
}

// collectOS reads /etc/os-release and uname.
func (c *Collector) collectOS(ctx context.Context) (*OSFacts, error) {
	facts := &OSFacts{}

	release, err := c.readFile("/etc/os-release")
	if err != nil {
		return nil, fmt.Errorf("failed to read os-release: %w", err)
	}
	values := parseOSRelease(string(release))
	facts.Name = values["NAME"]
	facts.Version = values["VERSION_ID"]
	facts.Platform = values["ID"]
	facts.PlatformFamily = platformFamily(values["ID"], values["ID_LIKE"])

	if out, err := c.output(ctx, "uname", "-r"); err == nil {
		facts.Kernel = out
	}
	if out, err := c.output(ctx, "uname", "-m"); err == nil {
		facts.Arch = out
	}
	if out, err := c.output(ctx, "hostname"); err == nil && out != "" {
		facts.Hostname = out
	} else if name, err := os.Hostname(); err == nil {
		facts.Hostname = name
	}

	return facts, nil
}

func parseOSRelease(content string) map[string]string {
	values := make(map[string]string)
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		values[key] = strings.Trim(value, `"'`)
	}
	return values
}

// platformFamily maps an os-release ID and ID_LIKE onto a platform family.
func platformFamily(id, idLike string) string {
	candidates := append([]string{id}, strings.Fields(idLike)...)
	for _, candidate := range candidates {
		switch candidate {
		case "debian", "ubuntu":
			return "debian"
		case "rhel", "centos", "rocky", "almalinux", "ol":
			return "rhel"
		case "fedora":
			return "fedora"
		case "suse", "opensuse", "sles":
			return "suse"
		case "arch":
			return "arch"
		case "alpine":
			return "alpine"
		}
	}
	return id
}

func (c *Collector) collectCPU() (*CPUFacts, error) {
	data, err := c.readFile("/proc/cpuinfo")
	if err != nil {
		return nil, fmt.Errorf("failed to read /proc/cpuinfo: %w", err)
	}

	facts := &CPUFacts{}
	for _, line := range strings.Split(string(data), "\n") {
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		switch key {
		case "processor":
			facts.Total++
		case "model name":
			facts.Model = value
		case "vendor_id":
			facts.Vendor = value
		}
	}
	return facts, nil
}

func (c *Collector) collectMemory() (*MemoryFacts, error) {
	data, err := c.readFile("/proc/meminfo")
	if err != nil {
		return nil, fmt.Errorf("failed to read /proc/meminfo: %w", err)
	}

	facts := &MemoryFacts{}
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		value, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			continue
		}
		switch fields[0] {
		case "MemTotal:":
			facts.TotalMB = value / 1024
		case "MemAvailable:":
			facts.AvailableMB = value / 1024
		case "SwapTotal:":
			facts.SwapTotalMB = value / 1024
		case "SwapFree:":
			facts.SwapFreeMB = value / 1024
		}
	}
	return facts, nil
}

func (c *Collector) collectDisks(ctx context.Context) ([]DiskDevice, error) {
	out, err := c.output(ctx, "df", "-P", "-k")
	if err != nil {
		return nil, fmt.Errorf("failed to get disk info: %w", err)
	}

	devices := make([]DiskDevice, 0)
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 6 || !strings.HasPrefix(fields[0], "/") {
			continue
		}
		device := DiskDevice{Device: fields[0], MountPoint: fields[5]}
		device.TotalKB, _ = strconv.ParseInt(fields[1], 10, 64)
		device.UsedKB, _ = strconv.ParseInt(fields[2], 10, 64)
		device.AvailableKB, _ = strconv.ParseInt(fields[3], 10, 64)
		device.UsePercent, _ = strconv.Atoi(strings.TrimSuffix(fields[4], "%"))
		devices = append(devices, device)
	}
	return devices, nil
}

func (c *Collector) collectNetwork(ctx context.Context) ([]NetworkInterface, error) {
	out, err := c.output(ctx, "ip", "-o", "addr", "show")
	if err != nil {
		return nil, fmt.Errorf("failed to get network interfaces: %w", err)
	}

	byName := make(map[string]*NetworkInterface)
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 4 {
			continue
		}
		name := strings.TrimSuffix(fields[1], ":")
		if name == "lo" {
			continue
		}
		iface, ok := byName[name]
		if !ok {
			iface = &NetworkInterface{Name: name, IPAddresses: make([]string, 0)}
			byName[name] = iface
		}
		for i, field := range fields {
			if (field == "inet" || field == "inet6") && i+1 < len(fields) {
				iface.IPAddresses = append(iface.IPAddresses, strings.Split(fields[i+1], "/")[0])
			}
		}
	}

	names := make([]string, 0, len(byName))
	for name := range byName {
		names = append(names, name)
	}
	sort.Strings(names)

	interfaces := make([]NetworkInterface, 0, len(names))
	for _, name := range names {
		iface := byName[name]
		if mac, err := c.readFile(fmt.Sprintf("/sys/class/net/%s/address", name)); err == nil {
			iface.MACAddress = strings.TrimSpace(string(mac))
		}
		interfaces = append(interfaces, *iface)
	}
	return interfaces, nil
}
