// ABOUTME: mDNS service discovery for JamLink peers on the local network
// ABOUTME: Servers advertise the control port; clients browse for one
// Package discovery lets clients find a JamLink server on the LAN
// without knowing its address, and lets servers announce themselves.
package discovery

import (
	"context"
	"fmt"
	"log"
	"net"
	"time"

	"github.com/hashicorp/mdns"
)

// serviceType is the advertised mDNS service.
const serviceType = "_jamlink._udp"

// Config holds discovery parameters.
type Config struct {
	InstanceName string // human-readable server name
	Port         int    // control port being advertised
}

// ServerInfo describes a discovered server.
type ServerInfo struct {
	Name string
	Host string
	Port int
}

// Manager handles advertisement and browsing.
type Manager struct {
	config Config
	ctx    context.Context
	cancel context.CancelFunc
	server *mdns.Server
}

// NewManager creates a discovery manager.
func NewManager(config Config) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{config: config, ctx: ctx, cancel: cancel}
}

// Advertise announces this server's control port via mDNS.
func (m *Manager) Advertise() error {
	ips, err := localIPs()
	if err != nil {
		return fmt.Errorf("discovery: no usable interfaces: %w", err)
	}

	service, err := mdns.NewMDNSService(
		m.config.InstanceName,
		serviceType,
		"",
		"",
		m.config.Port,
		ips,
		[]string{"proto=jamlink"},
	)
	if err != nil {
		return fmt.Errorf("discovery: service setup: %w", err)
	}

	server, err := mdns.NewServer(&mdns.Config{Zone: service})
	if err != nil {
		return fmt.Errorf("discovery: mdns server: %w", err)
	}
	m.server = server

	log.Printf("discovery: advertising %q on port %d", m.config.InstanceName, m.config.Port)

	go func() {
		<-m.ctx.Done()
		server.Shutdown()
	}()
	return nil
}

// DiscoverFirst browses the LAN and returns the first server seen within
// timeout.
func DiscoverFirst(timeout time.Duration) (*ServerInfo, error) {
	entries := make(chan *mdns.ServiceEntry, 10)
	found := make(chan *ServerInfo, 1)
	done := make(chan struct{})

	go func() {
		defer close(done)
		for entry := range entries {
			if entry.AddrV4 == nil {
				continue
			}
			info := &ServerInfo{
				Name: entry.Name,
				Host: entry.AddrV4.String(),
				Port: entry.Port,
			}
			select {
			case found <- info:
			default:
			}
		}
	}()

	params := &mdns.QueryParam{
		Service: serviceType,
		Domain:  "local",
		Timeout: timeout,
		Entries: entries,
	}
	err := mdns.Query(params)
	close(entries)
	// The query window has elapsed, but the consumer may still be
	// draining buffered entries; wait for it before judging the result.
	<-done
	if err != nil {
		return nil, fmt.Errorf("discovery: query failed: %w", err)
	}

	select {
	case info := <-found:
		log.Printf("discovery: found %s at %s:%d", info.Name, info.Host, info.Port)
		return info, nil
	default:
		return nil, fmt.Errorf("discovery: no server found within %v", timeout)
	}
}

// Stop withdraws the advertisement.
func (m *Manager) Stop() {
	m.cancel()
}

// localIPs returns the machine's non-loopback IPv4 addresses.
func localIPs() ([]net.IP, error) {
	var ips []net.IP
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			if ipnet, ok := addr.(*net.IPNet); ok && !ipnet.IP.IsLoopback() && ipnet.IP.To4() != nil {
				ips = append(ips, ipnet.IP)
			}
		}
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("no non-loopback IPv4 address")
	}
	return ips, nil
}
