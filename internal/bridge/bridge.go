// Package bridge wires the Config Store, SSDP responder, Light Adapter,
// Rule/Schedule Engine and HTTP API server into a single running
// service. Grounded on HomieHueBridge.py's Huebridge.setup/shutdown: MAC
// and IP auto-detection, the config-dir layout, and the device-table
// reconcile-then-serve startup order all carry over from there.
package bridge

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/stufisher/homiehuebridge/internal/bus/mqttbus"
	"github.com/stufisher/homiehuebridge/internal/config"
	"github.com/stufisher/homiehuebridge/internal/devicetype"
	"github.com/stufisher/homiehuebridge/internal/httpapi"
	"github.com/stufisher/homiehuebridge/internal/lightadapter"
	"github.com/stufisher/homiehuebridge/internal/logging"
	"github.com/stufisher/homiehuebridge/internal/rules"
	"github.com/stufisher/homiehuebridge/internal/ssdp"
	"github.com/stufisher/homiehuebridge/internal/store"
)

var log = logging.WithComponent("bridge")

// Options configures a Bridge's identity and network bindings (spec §6;
// HomieHueBridge.py's parse_args/Huebridge.setup).
type Options struct {
	Port      int
	Bind      string // IP to advertise; auto-detected when empty (HTTP listens on all interfaces)
	MAC       string // 12-hex MAC to broadcast on; auto-detected when empty
	ConfigDir string // defaults to "config"
}

// Bridge owns every core component's lifecycle.
type Bridge struct {
	store   *store.Store
	ssdp    *ssdp.Responder
	adapter *lightadapter.Adapter
	engine  *rules.Engine
	server  *httpapi.Server
	bus     *mqttbus.Bus
	httpSrv *http.Server

	port int
}

// New resolves the bridge's network identity, loads the Config Store and
// device-type database, connects the message bus and wires the four core
// components together. It does not start anything yet; call Start.
func New(deployment *config.Config, opts Options) (*Bridge, error) {
	mac12, err := resolveMAC(opts.MAC)
	if err != nil {
		return nil, errors.Wrap(err, "resolving MAC address")
	}
	ip := opts.Bind
	if ip == "" {
		ip, err = resolveOutboundIP()
		if err != nil {
			return nil, errors.Wrap(err, "resolving outbound IP")
		}
	}
	configDir := opts.ConfigDir
	if configDir == "" {
		configDir = "config"
	}

	st := store.New(filepath.Join(configDir, "hue.json"))
	if err := st.Load(); err != nil {
		return nil, errors.Wrap(err, "loading config store")
	}
	st.Lock()
	st.SetIdentityLocked(mac12, ip)
	saveErr := st.SaveLocked()
	st.Unlock()
	if saveErr != nil {
		return nil, errors.Wrap(saveErr, "persisting bridge identity")
	}

	db, err := devicetype.Load()
	if err != nil {
		return nil, errors.Wrap(err, "loading device type database")
	}

	bus, err := mqttbus.New(deployment.MQTT)
	if err != nil {
		return nil, errors.Wrap(err, "connecting to message bus")
	}

	adapter := lightadapter.New(bus, deployment.BaseTopic, deployment.DeviceMappings(), db, st)
	responder := ssdp.New(store.BridgeID(mac12), mac12, ip, opts.Port)

	// Server and Engine need a reference to each other (PUT .../state
	// publishes through the adapter; sensor flag writes invoke the
	// engine; the engine dispatches rule/schedule actions back through
	// the server), so the server is built first with its rule trigger
	// installed once the engine exists.
	server := httpapi.New(st, adapter, nil, ip, opts.Port, mac12)
	engine := rules.New(st, server)
	server.SetRuleTrigger(engine)

	return &Bridge{
		store:   st,
		ssdp:    responder,
		adapter: adapter,
		engine:  engine,
		server:  server,
		bus:     bus,
		port:    opts.Port,
	}, nil
}

// Start reconciles the configured device table against `lights`,
// subscribes the Light Adapter to the bus, then brings up the SSDP
// responder, the Rule/Schedule Engine tick loop and the HTTP API server.
func (b *Bridge) Start() error {
	if err := b.adapter.Reconcile(); err != nil {
		return errors.Wrap(err, "reconciling configured devices")
	}
	if err := b.adapter.SubscribeAll(); err != nil {
		return errors.Wrap(err, "subscribing light adapter to bus")
	}
	if err := b.ssdp.Start(); err != nil {
		return errors.Wrap(err, "starting SSDP responder")
	}
	b.engine.Start()

	b.httpSrv = &http.Server{Addr: fmt.Sprintf(":%d", b.port), Handler: b.server}
	go func() {
		if err := b.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("http server stopped unexpectedly")
		}
	}()

	log.WithField("port", b.port).Info("bridge started")
	return nil
}

// Shutdown stops the SSDP responder, the Rule/Schedule Engine, the HTTP
// server and the bus connection, in that order, and persists the store
// one last time (HomieHueBridge.py's Huebridge.shutdown).
func (b *Bridge) Shutdown(ctx context.Context) error {
	b.ssdp.Shutdown()
	b.engine.Shutdown()
	if b.httpSrv != nil {
		if err := b.httpSrv.Shutdown(ctx); err != nil {
			log.WithError(err).Warn("http server shutdown did not complete cleanly")
		}
	}
	b.bus.Close(250)
	return b.store.Save()
}

// resolveMAC returns mac as given, or the first non-loopback interface's
// hardware address as 12 lowercase hex digits, matching "%012x" %
// get_mac().
func resolveMAC(mac string) (string, error) {
	if mac != "" {
		return mac, nil
	}
	ifaces, err := net.Interfaces()
	if err != nil {
		return "", errors.Wrap(err, "listing network interfaces")
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || len(iface.HardwareAddr) != 6 {
			continue
		}
		return fmt.Sprintf("%012x", []byte(iface.HardwareAddr)), nil
	}
	return "", errors.New("no network interface with a hardware address found")
}

// resolveOutboundIP returns the local address a connection to the public
// internet would use, without sending any traffic, matching
// get_ip_address()'s UDP-connect trick.
func resolveOutboundIP() (string, error) {
	conn, err := net.Dial("udp4", "8.8.8.8:80")
	if err != nil {
		return "", errors.Wrap(err, "dialing to determine outbound address")
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String(), nil
}
