// ABOUTME: mDNS service discovery for loopstream servers
// ABOUTME: Servers advertise _loopstream._tcp or _loopstream._udp; clients browse when no address is configured
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/mdns"
	"github.com/loopstream/loopstream-go/internal/version"
)

// ErrNotFound is returned by Find when no server answered in time
var ErrNotFound = errors.New("no loopstream server found")

// Config holds discovery configuration
type Config struct {
	ServiceName string
	Port        int
	Transport   string // tcp, udp or websocket
	Compression bool
}

// Manager handles mDNS advertisement for a server
type Manager struct {
	config     Config
	instanceID string
	server     *mdns.Server
}

// ServerInfo describes a discovered server
type ServerInfo struct {
	Name        string
	Host        string
	Port        int
	Transport   string
	Compression bool
	ID          string
}

// Addr returns host:port
func (s ServerInfo) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// NewManager creates a discovery manager
func NewManager(config Config) *Manager {
	return &Manager{
		config:     config,
		instanceID: uuid.New().String(),
	}
}

// InstanceID identifies this advertisement across restarts of the browser
func (m *Manager) InstanceID() string {
	return m.instanceID
}

// ServiceType maps a transport kind to its mDNS service type
func ServiceType(transport string) string {
	if transport == "udp" {
		return "_loopstream._udp"
	}
	return "_loopstream._tcp"
}

func (m *Manager) txtRecords() []string {
	compression := "none"
	if m.config.Compression {
		compression = "zstd"
	}
	return []string{
		"transport=" + m.config.Transport,
		"compression=" + compression,
		"path=/loopstream",
		"id=" + m.instanceID,
		"version=" + version.Version,
	}
}

// Advertise advertises this server via mDNS
func (m *Manager) Advertise() error {
	ips, err := getLocalIPs()
	if err != nil {
		return fmt.Errorf("failed to get local IPs: %w", err)
	}

	serviceType := ServiceType(m.config.Transport)

	service, err := mdns.NewMDNSService(
		m.config.ServiceName,
		serviceType,
		"",
		"",
		m.config.Port,
		ips,
		m.txtRecords(),
	)
	if err != nil {
		return fmt.Errorf("failed to create service: %w", err)
	}

	server, err := mdns.NewServer(&mdns.Config{Zone: service})
	if err != nil {
		return fmt.Errorf("failed to create mdns server: %w", err)
	}
	m.server = server

	log.Printf("Advertising mDNS service: %s on port %d (type: %s)", m.config.ServiceName, m.config.Port, serviceType)
	return nil
}

// Stop withdraws the advertisement
func (m *Manager) Stop() {
	if m.server != nil {
		m.server.Shutdown()
		m.server = nil
	}
}

// Find browses for a server offering transport and returns the first answer
func Find(ctx context.Context, transport string, timeout time.Duration) (*ServerInfo, error) {
	entries := make(chan *mdns.ServiceEntry, 10)
	found := make(chan *ServerInfo, 1)

	go func() {
		for entry := range entries {
			info := parseEntry(entry)
			if info == nil || (info.Transport != "" && info.Transport != transport) {
				continue
			}
			log.Printf("Discovered server: %s at %s", info.Name, info.Addr())
			select {
			case found <- info:
			default:
			}
		}
	}()

	params := mdns.DefaultParams(ServiceType(transport))
	params.Entries = entries
	params.Timeout = timeout
	params.DisableIPv6 = true

	queryErr := make(chan error, 1)
	go func() {
		queryErr <- mdns.Query(params)
		close(entries)
	}()

	select {
	case info := <-found:
		return info, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case err := <-queryErr:
		// the query finished; an entry may still be in flight
		select {
		case info := <-found:
			return info, nil
		default:
		}
		if err != nil {
			return nil, fmt.Errorf("mdns query: %w", err)
		}
		return nil, ErrNotFound
	}
}

// parseEntry converts an mDNS answer into ServerInfo
func parseEntry(entry *mdns.ServiceEntry) *ServerInfo {
	if entry == nil || entry.AddrV4 == nil || entry.Port == 0 {
		return nil
	}

	info := &ServerInfo{
		Name: strings.TrimSuffix(entry.Name, "."),
		Host: entry.AddrV4.String(),
		Port: entry.Port,
	}
	for _, field := range entry.InfoFields {
		key, value, ok := strings.Cut(field, "=")
		if !ok {
			continue
		}
		switch key {
		case "transport":
			info.Transport = value
		case "compression":
			info.Compression = value == "zstd"
		case "id":
			info.ID = value
		}
	}
	return info
}

// getLocalIPs returns local IP addresses
func getLocalIPs() ([]net.IP, error) {
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
			if ipnet, ok := addr.(*net.IPNet); ok && !ipnet.IP.IsLoopback() {
				if ipnet.IP.To4() != nil {
					ips = append(ips, ipnet.IP)
				}
			}
		}
	}

	return ips, nil
}
