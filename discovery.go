package onvifctl

import (
	"context"
	"encoding/xml"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/gofrs/uuid"
	"github.com/juju/errors"
	"github.com/rs/zerolog"
	"golang.org/x/net/ipv4"
	"golang.org/x/sync/errgroup"
)

const probeTemplate = `<?xml version="1.0" encoding="UTF-8"?>
<Envelope xmlns="http://www.w3.org/2003/05/soap-envelope"
          xmlns:a="http://schemas.xmlsoap.org/ws/2004/08/addressing"
          xmlns:d="http://schemas.xmlsoap.org/ws/2005/04/discovery"
          xmlns:dn="http://www.onvif.org/ver10/network/wsdl">
    <Header>
        <a:Action>http://schemas.xmlsoap.org/ws/2005/04/discovery/Probe</a:Action>
        <a:MessageID>uuid:%s</a:MessageID>
        <a:To>urn:schemas-xmlsoap-org:ws:2005:04:discovery</a:To>
    </Header>
    <Body>
        <d:Probe>
            <d:Types>dn:NetworkVideoTransmitter</d:Types>
        </d:Probe>
    </Body>
</Envelope>`

const multicastTTL = 2

// Discovery response structures
type envelope struct {
	XMLName xml.Name `xml:"Envelope"`
	Header  header   `xml:"Header"`
	Body    body     `xml:"Body"`
}

type header struct {
	MessageID string `xml:"MessageID"`
	RelatesTo string `xml:"RelatesTo"`
	Action    string `xml:"Action"`
}

type body struct {
	ProbeMatches probeMatches `xml:"ProbeMatches"`
}

type probeMatches struct {
	ProbeMatch []probeMatch `xml:"ProbeMatch"`
}

type probeMatch struct {
	EndpointReference endpointRef `xml:"EndpointReference"`
	Types             string      `xml:"Types"`
	Scopes            string      `xml:"Scopes"`
	XAddrs            string      `xml:"XAddrs"`
	MetadataVersion   int         `xml:"MetadataVersion"`
}

type endpointRef struct {
	Address string `xml:"Address"`
}

// Discoverer finds devices on the local network by WS-Discovery
type Discoverer struct {
	cfg     DiscoveryConfig
	pool    *Pool
	log     zerolog.Logger
	metrics *Metrics
}

// NewDiscoverer creates a discoverer. Follow-up queries go through pool.
func NewDiscoverer(cfg DiscoveryConfig, pool *Pool, log zerolog.Logger, metrics *Metrics) *Discoverer {
	if cfg.MulticastAddr == "" {
		cfg.MulticastAddr = DefaultMulticastAddr
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Workers < 1 {
		cfg.Workers = 4
	}
	return &Discoverer{
		cfg:     cfg,
		pool:    pool,
		log:     log.With().Str("component", "discovery").Logger(),
		metrics: metrics,
	}
}

// Discover probes for devices and enriches each one with device information
// and capabilities. Enrichment failures degrade a device, they never drop it.
func (d *Discoverer) Discover(ctx context.Context, timeout time.Duration) ([]Device, error) {
	devices, err := d.Probe(ctx, timeout)
	if len(devices) == 0 {
		return devices, err
	}

	d.enrich(ctx, devices)
	d.metrics.recordDiscovered(len(devices))
	return devices, err
}

// Probe sends one WS-Discovery Probe and collects ProbeMatches until the
// timeout elapses or ctx is done. Devices are returned in arrival order,
// deduplicated by endpoint address. Results collected before a socket
// error are returned along with it.
func (d *Discoverer) Probe(ctx context.Context, timeout time.Duration) ([]Device, error) {
	if timeout <= 0 {
		timeout = d.cfg.Timeout
	}

	addr, err := net.ResolveUDPAddr("udp4", d.cfg.MulticastAddr)
	if err != nil {
		return nil, errors.NewNotValid(err, "multicast address "+d.cfg.MulticastAddr)
	}

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		return nil, errors.Annotate(err, "create UDP socket")
	}
	defer conn.Close()

	pc := ipv4.NewPacketConn(conn)
	if err := pc.SetMulticastTTL(multicastTTL); err != nil {
		d.log.Debug().Err(err).Msg("set multicast TTL")
	}
	if err := pc.SetMulticastLoopback(true); err != nil {
		d.log.Debug().Err(err).Msg("set multicast loopback")
	}

	deadline := time.Now().Add(timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	if err := conn.SetReadDeadline(deadline); err != nil {
		return nil, errors.Annotate(err, "set read deadline")
	}

	// Unblock the read loop when ctx is cancelled
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.SetReadDeadline(time.Now())
		case <-stop:
		}
	}()

	messageID, err := uuid.NewV4()
	if err != nil {
		return nil, errors.Annotate(err, "generate message id")
	}
	probe := fmt.Sprintf(probeTemplate, messageID.String())
	if _, err := conn.WriteToUDP([]byte(probe), addr); err != nil {
		return nil, errors.Annotate(err, "send probe message")
	}
	d.log.Debug().Str("message_id", messageID.String()).Str("addr", d.cfg.MulticastAddr).Dur("timeout", timeout).Msg("probe sent")

	var devices []Device
	seen := make(map[string]bool)
	buffer := make([]byte, 65536)

	for {
		n, from, err := conn.ReadFromUDP(buffer)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				break
			}
			if ctx.Err() != nil {
				break
			}
			d.log.Warn().Err(err).Int("collected", len(devices)).Msg("discovery read failed")
			return devices, errors.Annotate(err, "read probe matches")
		}

		for _, dev := range parseProbeMatches(buffer[:n]) {
			if seen[dev.ID] {
				continue
			}
			seen[dev.ID] = true
			d.log.Debug().Str("device_id", dev.ID).Str("from", from.String()).Str("service_url", dev.ServiceURL).Msg("probe match")
			devices = append(devices, dev)
		}
	}

	return devices, nil
}

// parseProbeMatches converts one datagram into devices. Malformed
// datagrams yield nothing.
func parseProbeMatches(data []byte) []Device {
	var env envelope
	if err := xml.Unmarshal(data, &env); err != nil {
		return nil
	}

	var devices []Device
	for _, match := range env.Body.ProbeMatches.ProbeMatch {
		xaddr := getFirstAddress(strings.TrimSpace(match.XAddrs))
		id := strings.TrimSpace(match.EndpointReference.Address)
		if id == "" {
			id = xaddr
		}
		if id == "" {
			continue
		}

		name, location, hardware := parseScopes(match.Scopes)
		host, port := hostPort(xaddr)

		devices = append(devices, Device{
			ID:         id,
			Name:       name,
			IPAddress:  host,
			Port:       port,
			ServiceURL: xaddr,
			Location:   location,
			Hardware:   hardware,
			Scopes:     strings.Fields(match.Scopes),
		})
	}
	return devices
}

func parseScopes(scopes string) (name, location, hardware string) {
	for _, scope := range strings.Fields(scopes) {
		switch {
		case strings.HasPrefix(scope, "onvif://www.onvif.org/name/"):
			name = scopeValue(scope, "onvif://www.onvif.org/name/")
		case strings.HasPrefix(scope, "onvif://www.onvif.org/location/"):
			location = scopeValue(scope, "onvif://www.onvif.org/location/")
		case strings.HasPrefix(scope, "onvif://www.onvif.org/hardware/"):
			hardware = scopeValue(scope, "onvif://www.onvif.org/hardware/")
		}
	}
	return
}

func scopeValue(scope, prefix string) string {
	v := strings.TrimPrefix(scope, prefix)
	if unescaped, err := url.PathUnescape(v); err == nil {
		v = unescaped
	}
	return strings.ReplaceAll(v, "_", " ")
}

// enrich runs GetDeviceInformation and GetCapabilities per device on a
// bounded worker group
func (d *Discoverer) enrich(ctx context.Context, devices []Device) {
	if d.pool == nil {
		return
	}
	creds := d.cfg.Credentials()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.cfg.Workers)

	for i := range devices {
		dev := &devices[i]
		if dev.ServiceURL == "" {
			continue
		}
		g.Go(func() error {
			dev.Credentials = creds
			client := d.pool.Acquire(dev.ServiceURL, creds)
			defer d.pool.Release(client)

			infoErr, capsErr := enrichDevice(gctx, client, dev)
			if infoErr != nil || capsErr != nil {
				d.log.Debug().
					AnErr("info_err", infoErr).
					AnErr("caps_err", capsErr).
					Str("device_id", dev.ID).
					Msg("device enrichment degraded")
			}
			return nil
		})
	}
	_ = g.Wait()
}
