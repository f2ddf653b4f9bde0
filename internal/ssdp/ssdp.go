// Package ssdp is the UPnP/SSDP discovery responder (spec §4.1): it
// joins the UPnP multicast group, answers M-SEARCH queries and emits
// periodic NOTIFY alive announcements pointing clients at the HTTP
// description document. Grounded on the two-thread suspension model
// CasaPlatform-hue's Bridge.Start uses for its MQTT handler loop,
// generalized here to the inbound/outbound socket pair spec §4.6
// describes as "Thread A" / "Thread B".
package ssdp

import (
	"fmt"
	"math/rand"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/stufisher/homiehuebridge/internal/logging"
)

var log = logging.WithComponent("ssdp")

const (
	multicastAddr = "239.255.255.250:1900"
	server        = "Linux/3.14.0 UPnP/1.0 IpBridge/1.20.0"
	notifyPeriod  = 60 * time.Second
)

// Responder owns the inbound multicast listener and the outbound NOTIFY
// ticker. Zero value is not usable; construct with New.
type Responder struct {
	bridgeID string
	mac      string
	ip       string
	port     int

	conn      *net.UDPConn
	stop      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New builds a Responder advertising the bridge at ip:port, identified
// by bridgeID (config.bridgeid) and mac12 (bare 12-hex MAC, no colons).
func New(bridgeID, mac12, ip string, port int) *Responder {
	return &Responder{
		bridgeID: strings.ToUpper(bridgeID),
		mac:      strings.ToLower(mac12),
		ip:       ip,
		port:     port,
		stop:     make(chan struct{}),
	}
}

// Start joins the multicast group and launches the inbound M-SEARCH
// listener and outbound NOTIFY announcer. Returns once both are running.
func (r *Responder) Start() error {
	group, err := net.ResolveUDPAddr("udp4", multicastAddr)
	if err != nil {
		return errors.Wrap(err, "resolving multicast address")
	}

	conn, err := net.ListenMulticastUDP("udp4", nil, group)
	if err != nil {
		return errors.Wrap(err, "joining multicast group")
	}
	conn.SetReadBuffer(2048)
	r.conn = conn

	r.wg.Add(2)
	go r.serveInbound()
	go r.serveOutbound()

	log.WithFields(map[string]interface{}{"ip": r.ip, "port": r.port}).Info("SSDP responder started")
	return nil
}

// Shutdown stops both threads and closes the multicast socket; the
// inbound thread unblocks via the socket close itself, per spec §4.6.
func (r *Responder) Shutdown() {
	r.closeOnce.Do(func() {
		close(r.stop)
		if r.conn != nil {
			r.conn.Close()
		}
	})
	r.wg.Wait()
	log.Info("SSDP responder stopped")
}

func (r *Responder) serveInbound() {
	defer r.wg.Done()
	buf := make([]byte, 2048)
	for {
		n, from, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-r.stop:
				return
			default:
				log.WithError(err).Warn("SSDP read failed")
				return
			}
		}
		msg := string(buf[:n])
		if !strings.HasPrefix(msg, "M-SEARCH * HTTP/1.1") || !strings.Contains(msg, "ssdp:discover") {
			continue
		}

		go r.respond(from)
	}
}

func (r *Responder) respond(to *net.UDPAddr) {
	delay := time.Duration(100+rand.Intn(900)) * time.Millisecond
	select {
	case <-time.After(delay):
	case <-r.stop:
		return
	}

	conn, err := net.DialUDP("udp4", nil, to)
	if err != nil {
		log.WithError(err).Warn("unicast reply dial failed")
		return
	}
	defer conn.Close()

	for _, msg := range r.responses() {
		if _, err := conn.Write([]byte(msg)); err != nil {
			log.WithError(err).Warn("unicast reply send failed")
		}
	}
}

func (r *Responder) serveOutbound() {
	defer r.wg.Done()
	ticker := time.NewTicker(notifyPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.announce()
		case <-r.stop:
			return
		}
	}
}

func (r *Responder) announce() {
	dest, err := net.ResolveUDPAddr("udp4", multicastAddr)
	if err != nil {
		log.WithError(err).Warn("resolving multicast address for announce")
		return
	}
	conn, err := net.DialUDP("udp4", nil, dest)
	if err != nil {
		log.WithError(err).Warn("announce dial failed")
		return
	}
	defer conn.Close()

	for _, msg := range r.notifications() {
		if _, err := conn.Write([]byte(msg)); err != nil {
			log.WithError(err).Warn("announce send failed")
		}
	}
}

func (r *Responder) uuid() string {
	return fmt.Sprintf("uuid:2f402f80-da50-11e1-9b23-%s", r.mac)
}

func (r *Responder) location() string {
	return fmt.Sprintf("http://%s:%d/description.xml", r.ip, r.port)
}

// variant is one of the three advertised ST/NT + USN pairs (spec §4.1).
type variant struct {
	stOrNT string
	usn    string
}

func (r *Responder) variants() []variant {
	uuid := r.uuid()
	return []variant{
		{stOrNT: "upnp:rootdevice", usn: uuid + "::upnp:rootdevice"},
		{stOrNT: uuid, usn: uuid},
		{stOrNT: "urn:schemas-upnp-org:device:basic:1", usn: uuid + "::urn:schemas-upnp-org:device:basic:1"},
	}
}

// responses renders the three M-SEARCH reply variants.
func (r *Responder) responses() []string {
	out := make([]string, 0, 3)
	for _, v := range r.variants() {
		out = append(out, r.render("HTTP/1.1 200 OK", map[string]string{
			"CACHE-CONTROL": "max-age=100",
			"LOCATION":      r.location(),
			"SERVER":        server,
			"ST":            v.stOrNT,
			"USN":           v.usn,
			"hue-bridgeid":  r.bridgeID,
		}))
	}
	return out
}

// notifications renders the three NOTIFY alive variants.
func (r *Responder) notifications() []string {
	out := make([]string, 0, 3)
	for _, v := range r.variants() {
		out = append(out, r.render("NOTIFY * HTTP/1.1", map[string]string{
			"HOST":          multicastAddr,
			"CACHE-CONTROL": "max-age=100",
			"LOCATION":      r.location(),
			"SERVER":        server,
			"NTS":           "ssdp:alive",
			"NT":            v.stOrNT,
			"USN":           v.usn,
			"hue-bridgeid":  r.bridgeID,
		}))
	}
	return out
}

// headerOrder fixes the header emission order to match the values a
// real Hue bridge sends, for clients that parse positionally.
var headerOrder = []string{"HOST", "CACHE-CONTROL", "LOCATION", "SERVER", "hue-bridgeid", "ST", "NT", "NTS", "USN"}

func (r *Responder) render(startLine string, headers map[string]string) string {
	var b strings.Builder
	b.WriteString(startLine)
	b.WriteString("\r\n")
	for _, key := range headerOrder {
		v, ok := headers[key]
		if !ok {
			continue
		}
		b.WriteString(key)
		b.WriteString(": ")
		b.WriteString(v)
		b.WriteString("\r\n")
	}
	b.WriteString("\r\n")
	return b.String()
}
