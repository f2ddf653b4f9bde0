// Package config loads the deployment configuration file (huebridge.json,
// an external collaborator per spec.md §1/§6: "loading of a deployment
// configuration file ... is explicitly OUT of scope" for the core). It is
// the only package that knows the file's on-disk shape; everything past
// Load speaks in terms of internal/lightadapter.DeviceMapping and
// internal/bus/mqttbus.Config. Grounded on CasaPlatform-hue's
// Bridge.Start(config *viper.Viper), which consumes a *viper.Viper the
// same way.
package config

import (
	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/stufisher/homiehuebridge/internal/bus/mqttbus"
	"github.com/stufisher/homiehuebridge/internal/lightadapter"
)

// Device is one HUEDEVICES entry: which bus address a configured device
// lives at, its device type, and any property/value renames
// (HomieHueBridge.py's BridgeDevice._config).
type Device struct {
	Type            string            `mapstructure:"type"`
	Name            string            `mapstructure:"name"`
	Address         string            `mapstructure:"address"`
	PropertyRenames map[string]string `mapstructure:"properties"`
	ValueOn         string            `mapstructure:"value_on"`
	ValueOff        string            `mapstructure:"value_off"`
}

// Config is the parsed deployment configuration.
type Config struct {
	MQTT      mqttbus.Config
	BaseTopic string
	Devices   map[string]Device
}

// Load reads and parses the deployment config at path.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetDefault("base_topic", "homie")
	v.SetDefault("mqtt.broker", "tcp://127.0.0.1:1883")

	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "reading deployment config %s", path)
	}

	var cfg Config
	if err := v.UnmarshalKey("huedevices", &cfg.Devices); err != nil {
		return nil, errors.Wrap(err, "decoding huedevices table")
	}
	cfg.BaseTopic = v.GetString("base_topic")
	cfg.MQTT = mqttbus.Config{
		Broker:   v.GetString("mqtt.broker"),
		ClientID: v.GetString("mqtt.client_id"),
		Username: v.GetString("mqtt.username"),
		Password: v.GetString("mqtt.password"),
	}
	return &cfg, nil
}

// DeviceMappings projects the deployment's device table into the shape
// the Light Adapter consumes.
func (c *Config) DeviceMappings() map[string]lightadapter.DeviceMapping {
	out := make(map[string]lightadapter.DeviceMapping, len(c.Devices))
	for id, d := range c.Devices {
		out[id] = lightadapter.DeviceMapping{
			Type:            d.Type,
			Name:            d.Name,
			Address:         d.Address,
			PropertyRenames: d.PropertyRenames,
			ValueOn:         d.ValueOn,
			ValueOff:        d.ValueOff,
		}
	}
	return out
}
