package discovery

import (
	"fmt"
	"strings"

	"golang.org/x/net/dns/dnsmessage"
)

// encodeQuery builds a one-shot mDNS PTR query for the given service type.
func encodeQuery(serviceType string) ([]byte, error) {
	name, err := dnsmessage.NewName(serviceType)
	if err != nil {
		return nil, fmt.Errorf("discovery: invalid service name %q: %w", serviceType, err)
	}
	msg := dnsmessage.Message{
		Header: dnsmessage.Header{Response: false},
		Questions: []dnsmessage.Question{
			{Name: name, Type: dnsmessage.TypePTR, Class: dnsmessage.ClassINET},
		},
	}
	return msg.Pack()
}

// decodeResponse extracts services from one mDNS response packet. An
// instance is reported once its SRV record (target host and port) is in
// the packet; an A record for that target, if also present, replaces the
// host name with its address, and TXT records are merged in if present.
// A PTR record alone does not yield a service.
func decodeResponse(raw []byte) ([]Service, error) {
	var parser dnsmessage.Parser
	header, err := parser.Start(raw)
	if err != nil {
		return nil, err
	}
	if !header.Response {
		// Query packets loop back on some platforms; ignore them.
		return nil, nil
	}
	if err := parser.SkipAllQuestions(); err != nil {
		return nil, err
	}

	byInstance := map[string]*mdnsPartial{}
	hostToInstance := map[string]string{}

	for {
		rh, err := parser.AnswerHeader()
		if err != nil {
			break
		}
		switch rh.Type {
		case dnsmessage.TypePTR:
			r, err := parser.PTRResource()
			if err != nil {
				continue
			}
			instance := r.PTR.String()
			if _, ok := byInstance[instance]; !ok {
				byInstance[instance] = &mdnsPartial{instance: instance, attrs: map[string]string{}}
			}
		case dnsmessage.TypeSRV:
			r, err := parser.SRVResource()
			if err != nil {
				continue
			}
			instance := rh.Name.String()
			p, ok := byInstance[instance]
			if !ok {
				p = &mdnsPartial{instance: instance, attrs: map[string]string{}}
				byInstance[instance] = p
			}
			p.host = strings.TrimSuffix(r.Target.String(), ".")
			p.port = int(r.Port)
			hostToInstance[r.Target.String()] = instance
		case dnsmessage.TypeTXT:
			r, err := parser.TXTResource()
			if err != nil {
				continue
			}
			instance := rh.Name.String()
			p, ok := byInstance[instance]
			if !ok {
				p = &mdnsPartial{instance: instance, attrs: map[string]string{}}
				byInstance[instance] = p
			}
			for _, kv := range r.TXT {
				parseTXTPair(kv, p.attrs)
			}
		case dnsmessage.TypeA:
			r, err := parser.AResource()
			if err != nil {
				continue
			}
			name := rh.Name.String()
			ip := fmt.Sprintf("%d.%d.%d.%d", r.A[0], r.A[1], r.A[2], r.A[3])
			if instance, ok := hostToInstance[name]; ok {
				byInstance[instance].ip = ip
			} else {
				for _, p := range byInstance {
					if p.host == strings.TrimSuffix(name, ".") {
						p.ip = ip
					}
				}
			}
		default:
			if err := parser.SkipAnswer(); err != nil {
				return toServices(byInstance), nil
			}
			continue
		}
	}

	return toServices(byInstance), nil
}

// mdnsPartial accumulates one instance's fields as PTR/SRV/TXT/A records
// arrive in a single response packet, in whatever order the responder
// wrote them.
type mdnsPartial struct {
	instance string
	host     string
	port     int
	ip       string
	attrs    map[string]string
}

func toServices(byInstance map[string]*mdnsPartial) []Service {
	var out []Service
	for _, p := range byInstance {
		host := p.ip
		if host == "" {
			host = p.host
		}
		if host == "" || p.port == 0 {
			continue
		}
		out = append(out, Service{
			InstanceName: p.instance,
			Host:         host,
			Port:         p.port,
			Attrs:        p.attrs,
		})
	}
	return out
}

func parseTXTPair(kv string, into map[string]string) {
	idx := strings.IndexByte(kv, '=')
	if idx < 0 {
		into[kv] = ""
		return
	}
	into[kv[:idx]] = kv[idx+1:]
}
