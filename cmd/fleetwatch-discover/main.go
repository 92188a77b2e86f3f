// cmd/fleetwatch-discover/main.go
package main

import (
	"bytes"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	probing "github.com/prometheus-community/pro-bing"
	"gopkg.in/yaml.v3"

	"fleetwatch/internal/config"
)

// discovery is one responding address found during a sweep.
type discovery struct {
	addr     string
	hostname string
	latency  time.Duration
}

// classKeywords maps hostname fragments to device classes, checked in
// order so the more specific fragments win.
var classKeywords = []struct {
	keyword string
	class   string
}{
	{"router", "router"},
	{"gateway", "router"},
	{"firewall", "router"},
	{"gw", "router"},
	{"switch", "switch"},
	{"sw-", "switch"},
	{"printer", "printer"},
	{"print", "printer"},
	{"nas", "server"},
	{"server", "server"},
	{"srv", "server"},
	{"ap-", "access-point"},
	{"wap", "access-point"},
	{"cam", "camera"},
}

func main() {
	var (
		network    = flag.String("network", "", "CIDR network to sweep (e.g., 192.168.1.0/24)")
		output     = flag.String("output", "devices.yaml", "Output file for the generated device inventory")
		group      = flag.String("group", "discovered", "Group name for discovered devices")
		timeout    = flag.Duration("timeout", 2*time.Second, "Per-address probe timeout")
		workers    = flag.Int("workers", 64, "Concurrent probes")
		enabled    = flag.Bool("enabled", true, "Mark discovered devices as monitoring-enabled")
		privileged = flag.Bool("privileged", false, "Use raw-socket ICMP (requires CAP_NET_RAW)")
	)
	flag.Parse()

	if *network == "" {
		detected := detectLocalNetwork()
		if detected == "" {
			log.Fatal("No network specified and couldn't detect local network. Use -network flag.")
		}
		*network = detected
		fmt.Printf("Auto-detected network: %s\n", *network)
	}

	addrs, err := expandCIDR(*network)
	if err != nil {
		log.Fatalf("Invalid network %q: %v", *network, err)
	}

	fmt.Printf("Sweeping %s (%d addresses, %d workers)\n", *network, len(addrs), *workers)

	found := sweep(addrs, *workers, *timeout, *privileged)
	if len(found) == 0 {
		fmt.Println("No responding devices found")
	}

	devices := buildDevices(found, *group, *enabled)

	if err := writeDevices(devices, *network, *output); err != nil {
		log.Fatalf("Failed to write %s: %v", *output, err)
	}

	fmt.Printf("\nWrote %d devices to %s\n", len(devices), *output)
}

func detectLocalNetwork() string {
	interfaces, err := net.Interfaces()
	if err != nil {
		return ""
	}

	for _, iface := range interfaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}

		for _, addr := range addrs {
			if ipnet, ok := addr.(*net.IPNet); ok && ipnet.IP.To4() != nil {
				if ipnet.IP.IsGlobalUnicast() {
					return ipnet.String()
				}
			}
		}
	}
	return ""
}

// expandCIDR lists every probeable address in the network. Anything wider
// than a /16 is refused rather than swept.
func expandCIDR(cidr string) ([]string, error) {
	ip, ipnet, err := net.ParseCIDR(cidr)
	if err != nil {
		return nil, err
	}

	ones, bits := ipnet.Mask.Size()
	if bits-ones > 16 {
		return nil, fmt.Errorf("network spans %d addresses; refusing to sweep more than a /16", 1<<(bits-ones))
	}

	var addrs []string
	for current := ip.Mask(ipnet.Mask); ipnet.Contains(current); current = nextIP(current) {
		addrs = append(addrs, current.String())
	}

	// Drop the network and broadcast addresses on real subnets.
	if len(addrs) > 2 && ones < 31 {
		addrs = addrs[1 : len(addrs)-1]
	}
	return addrs, nil
}

func nextIP(ip net.IP) net.IP {
	next := make(net.IP, len(ip))
	copy(next, ip)
	for i := len(next) - 1; i >= 0; i-- {
		next[i]++
		if next[i] != 0 {
			break
		}
	}
	return next
}

func sweep(addrs []string, workers int, timeout time.Duration, privileged bool) []discovery {
	jobs := make(chan string)
	results := make(chan discovery, len(addrs))

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for addr := range jobs {
				latency, ok := probe(addr, timeout, privileged)
				if !ok {
					continue
				}
				results <- discovery{
					addr:     addr,
					hostname: reverseLookup(addr),
					latency:  latency,
				}
			}
		}()
	}

	for _, addr := range addrs {
		jobs <- addr
	}
	close(jobs)
	wg.Wait()
	close(results)

	var found []discovery
	for d := range results {
		label := d.addr
		if d.hostname != "" {
			label = fmt.Sprintf("%s (%s)", d.addr, d.hostname)
		}
		fmt.Printf("  %-50s %v\n", label, d.latency.Round(100*time.Microsecond))
		found = append(found, d)
	}

	sort.Slice(found, func(i, j int) bool {
		return bytes.Compare(net.ParseIP(found[i].addr).To16(), net.ParseIP(found[j].addr).To16()) < 0
	})
	return found
}

func probe(addr string, timeout time.Duration, privileged bool) (time.Duration, bool) {
	pinger, err := probing.NewPinger(addr)
	if err != nil {
		return 0, false
	}
	pinger.Count = 1
	pinger.Timeout = timeout
	pinger.SetPrivileged(privileged)

	if err := pinger.Run(); err != nil {
		return 0, false
	}

	stats := pinger.Statistics()
	if stats.PacketsRecv == 0 {
		return 0, false
	}
	return stats.AvgRtt, true
}

func reverseLookup(addr string) string {
	names, err := net.LookupAddr(addr)
	if err != nil || len(names) == 0 {
		return ""
	}
	return strings.TrimSuffix(names[0], ".")
}

func buildDevices(found []discovery, group string, enabled bool) []config.DeviceConfig {
	devices := make([]config.DeviceConfig, 0, len(found))
	seen := make(map[string]bool)

	for _, d := range found {
		id := deviceID(d)
		for n := 2; seen[id]; n++ {
			id = fmt.Sprintf("%s-%d", deviceID(d), n)
		}
		seen[id] = true

		name := id
		if d.hostname != "" {
			name = strings.Split(d.hostname, ".")[0]
		}

		tags := map[string]string{
			"latency":    fmt.Sprintf("%.1fms", float64(d.latency)/float64(time.Millisecond)),
			"discovered": time.Now().Format(time.RFC3339),
		}
		if d.hostname != "" {
			tags["hostname"] = d.hostname
		}

		devices = append(devices, config.DeviceConfig{
			ID:      id,
			Name:    name,
			Address: d.addr,
			Class:   classify(d.hostname),
			Group:   group,
			Enabled: enabled,
			Tags:    tags,
		})
	}
	return devices
}

func deviceID(d discovery) string {
	if d.hostname != "" {
		parts := strings.Split(d.hostname, ".")
		return strings.ToLower(parts[0])
	}

	parts := strings.Split(d.addr, ".")
	if len(parts) == 4 {
		return fmt.Sprintf("device-%s", parts[3])
	}

	return fmt.Sprintf("device-%s", strings.NewReplacer(".", "-", ":", "-").Replace(d.addr))
}

func classify(hostname string) string {
	name := strings.ToLower(hostname)
	if name == "" {
		return ""
	}

	for _, kc := range classKeywords {
		if strings.Contains(name, kc.keyword) {
			return kc.class
		}
	}
	return ""
}

func writeDevices(devices []config.DeviceConfig, network, filename string) error {
	data, err := yaml.Marshal(struct {
		Devices []config.DeviceConfig `yaml:"devices"`
	}{Devices: devices})
	if err != nil {
		return fmt.Errorf("failed to marshal YAML: %w", err)
	}

	// The devices section doubles as a config include file.
	header := fmt.Sprintf("# fleetwatch device inventory\n# Generated by fleetwatch-discover on %s from %s\n# Place this file in the config include directory or merge it into config.yaml.\n\n",
		time.Now().Format("2006-01-02 15:04:05"), network)

	finalData := append([]byte(header), data...)

	if err := os.WriteFile(filename, finalData, 0644); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}

	return nil
}
