// Package discovery locates cameras on the local network by browsing
// the "_jvc_procam_web._tcp.local." mDNS/DNS-SD service type (RFC 6762 /
// RFC 6763). No dedicated mDNS client exists anywhere in the retrieved
// dependency corpus, so the browser is hand-written here directly on a
// UDP multicast socket; only the DNS message codec itself is delegated
// to golang.org/x/net/dns/dnsmessage rather than hand-rolled, since that
// package is already a transitive dependency of the module and is the
// wire format this component actually needs, not a hand-rolled parser.
package discovery

import (
	"context"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/ipv4"
)

// ServiceType is the DNS-SD service instance type cameras advertise.
const ServiceType = "_jvc_procam_web._tcp.local."

const (
	mdnsGroup = "224.0.0.251:5353"
	queryEvery = 15 * time.Second
	sweepEvery = 5 * time.Second
	defaultTTL = 120 * time.Second
)

// EventKind names the three events a Discovery browser emits.
type EventKind string

const (
	ServiceAdded   EventKind = "added"
	ServiceUpdated EventKind = "updated"
	ServiceRemoved EventKind = "removed"
)

// Service is a resolved DNS-SD service instance for one camera.
type Service struct {
	// InstanceName is the full DNS-SD instance name, used as the map key
	// callers should track services by.
	InstanceName string
	Host         string
	Port         int
	// Attrs holds the parsed TXT record key/value pairs, if any.
	Attrs map[string]string
	// Expires is when this entry should be treated as stale absent a
	// refresh. The record's advertised TTL is not read: a zero Expires is
	// set to defaultTTL after the sighting.
	Expires time.Time
}

// Event is one add/update/remove notification delivered on Discovery's
// output channel.
type Event struct {
	Kind    EventKind
	Service Service
}

// Discovery browses for camera services and emits Events until its
// context is cancelled.
type Discovery struct {
	log *slog.Logger

	mu       sync.Mutex
	services map[string]Service
}

// New constructs a Discovery browser.
func New(log *slog.Logger) *Discovery {
	return &Discovery{log: log, services: make(map[string]Service)}
}

// Run opens the mDNS multicast socket, issues periodic PTR queries for
// ServiceType, and emits Events on out as services are seen or expire.
// It blocks until ctx is cancelled.
func (d *Discovery) Run(ctx context.Context, out chan<- Event) error {
	conn, err := joinMulticast()
	if err != nil {
		return err
	}
	defer conn.Close()

	go d.readLoop(ctx, conn, out)

	queryTicker := time.NewTicker(queryEvery)
	sweepTicker := time.NewTicker(sweepEvery)
	defer queryTicker.Stop()
	defer sweepTicker.Stop()

	d.sendQuery(conn)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-queryTicker.C:
			d.sendQuery(conn)
		case <-sweepTicker.C:
			d.sweep(out)
		}
	}
}

func (d *Discovery) sendQuery(conn *net.UDPConn) {
	msg, err := encodeQuery(ServiceType)
	if err != nil {
		d.log.Warn("discovery: encode query failed", "err", err)
		return
	}
	dst, err := net.ResolveUDPAddr("udp4", mdnsGroup)
	if err != nil {
		return
	}
	if _, err := conn.WriteToUDP(msg, dst); err != nil {
		d.log.Warn("discovery: query send failed", "err", err)
	}
}

func (d *Discovery) readLoop(ctx context.Context, conn *net.UDPConn, out chan<- Event) {
	buf := make([]byte, 9000)
	for {
		if ctx.Err() != nil {
			return
		}
		conn.SetReadDeadline(time.Now().Add(time.Second))
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			continue
		}
		svcs, err := decodeResponse(buf[:n])
		if err != nil {
			continue
		}
		for _, svc := range svcs {
			d.observe(svc, out)
		}
	}
}

func (d *Discovery) observe(svc Service, out chan<- Event) {
	if svc.Expires.IsZero() {
		svc.Expires = time.Now().Add(defaultTTL)
	}
	d.mu.Lock()
	existing, had := d.services[svc.InstanceName]
	d.services[svc.InstanceName] = svc
	d.mu.Unlock()

	kind := ServiceAdded
	if had {
		if existing.Host == svc.Host && existing.Port == svc.Port {
			kind = ServiceUpdated
		}
	}
	d.log.Debug("discovery: service observed", "kind", kind, "instance", instanceHostname(svc.InstanceName), "host", svc.Host, "port", svc.Port)
	select {
	case out <- Event{Kind: kind, Service: svc}:
	default:
		d.log.Warn("discovery: event dropped, receiver not keeping up", "instance", svc.InstanceName)
	}
}

func (d *Discovery) sweep(out chan<- Event) {
	now := time.Now()
	var expired []Service
	d.mu.Lock()
	for name, svc := range d.services {
		if now.After(svc.Expires) {
			expired = append(expired, svc)
			delete(d.services, name)
		}
	}
	d.mu.Unlock()
	for _, svc := range expired {
		select {
		case out <- Event{Kind: ServiceRemoved, Service: svc}:
		default:
		}
	}
}

// Snapshot returns a copy of the currently known services, keyed by
// instance name.
func (d *Discovery) Snapshot() map[string]Service {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]Service, len(d.services))
	for k, v := range d.services {
		out[k] = v
	}
	return out
}

func joinMulticast() (*net.UDPConn, error) {
	addr, err := net.ResolveUDPAddr("udp4", mdnsGroup)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: addr.Port})
	if err != nil {
		return nil, err
	}
	pc := ipv4.NewPacketConn(conn)
	ifaces, err := net.Interfaces()
	if err != nil {
		return conn, nil
	}
	for i := range ifaces {
		iface := ifaces[i]
		if iface.Flags&net.FlagMulticast == 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}
		_ = pc.JoinGroup(&iface, &net.UDPAddr{IP: addr.IP})
	}
	return conn, nil
}

// instanceHostname strips the trailing service-type suffix from a PTR
// target to recover the bare instance label used for logging.
func instanceHostname(name string) string {
	return strings.TrimSuffix(name, "."+ServiceType)
}
