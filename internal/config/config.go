// Package config loads YAML configuration for the commands and maps it
// onto engine options.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/acogoluegnes/qpid-protonj2/encoding"
	"github.com/acogoluegnes/qpid-protonj2/engine"
)

type Config struct {
	Addr    string        `yaml:"addr"`
	Log     LogConfig     `yaml:"log"`
	Metrics MetricsConfig `yaml:"metrics"`
	Conn    ConnConfig    `yaml:"connection"`
	Session SessionConfig `yaml:"session"`
	Link    LinkConfig    `yaml:"link"`
}

type LogConfig struct {
	// Verbosity 1 logs frames, 2 adds state changes.
	Verbosity int `yaml:"verbosity"`
}

type MetricsConfig struct {
	Addr      string `yaml:"addr"` // empty disables the exporter
	Namespace string `yaml:"namespace"`
}

type ConnConfig struct {
	ContainerID  string            `yaml:"container_id"`
	Hostname     string            `yaml:"hostname"`
	MaxFrameSize uint32            `yaml:"max_frame_size"`
	ChannelMax   uint16            `yaml:"channel_max"`
	IdleTimeout  time.Duration     `yaml:"idle_timeout"`
	Properties   map[string]string `yaml:"properties"`
	SASL         SASLConfig        `yaml:"sasl"`
}

type SASLConfig struct {
	Mechanism    string `yaml:"mechanism"` // plain, anonymous, xoauth2 or empty
	Username     string `yaml:"username"`
	Password     string `yaml:"password"`
	Token        string `yaml:"token"`
	MaxFrameSize uint32 `yaml:"max_frame_size"`
}

type SessionConfig struct {
	IncomingWindow uint32 `yaml:"incoming_window"`
	OutgoingWindow uint32 `yaml:"outgoing_window"`
	MaxLinks       int    `yaml:"max_links"`
}

type LinkConfig struct {
	Name           string `yaml:"name"`
	Source         string `yaml:"source"`
	Target         string `yaml:"target"`
	Selector       string `yaml:"selector"`
	Credit         uint32 `yaml:"credit"`
	SenderSettle   string `yaml:"sender_settle"`   // unsettled, settled or mixed
	ReceiverSettle string `yaml:"receiver_settle"` // first or second
	MaxMessageSize uint64 `yaml:"max_message_size"`
}

// Load reads and parses the YAML file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read config")
	}
	return Parse(data)
}

// Parse decodes YAML configuration and applies defaults.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrap(err, "unmarshal config")
	}
	cfg.SetDefaults()
	return &cfg, nil
}

func (c *Config) SetDefaults() {
	if c.Addr == "" {
		c.Addr = "localhost:5672"
	}

	if c.Metrics.Namespace == "" {
		c.Metrics.Namespace = "amqp"
	}

	if c.Conn.MaxFrameSize == 0 {
		c.Conn.MaxFrameSize = engine.DefaultMaxFrameSize
	}

	if c.Conn.ChannelMax == 0 {
		c.Conn.ChannelMax = engine.DefaultChannelMax
	}

	if c.Session.IncomingWindow == 0 {
		c.Session.IncomingWindow = engine.DefaultWindow
	}

	if c.Session.OutgoingWindow == 0 {
		c.Session.OutgoingWindow = engine.DefaultWindow
	}

	if c.Link.Credit == 0 {
		c.Link.Credit = 10
	}
}

// ConnOptions converts the connection section to engine options.
func (c *Config) ConnOptions() ([]engine.ConnOption, error) {
	cc := c.Conn
	opts := []engine.ConnOption{
		engine.ConnMaxFrameSize(cc.MaxFrameSize),
		engine.ConnChannelMax(cc.ChannelMax),
		engine.ConnIdleTimeout(cc.IdleTimeout),
	}
	if cc.ContainerID != "" {
		opts = append(opts, engine.ConnContainerID(cc.ContainerID))
	}
	if cc.Hostname != "" {
		opts = append(opts, engine.ConnHostname(cc.Hostname))
	}
	for k, v := range cc.Properties {
		opts = append(opts, engine.ConnProperty(k, v))
	}

	switch strings.ToLower(cc.SASL.Mechanism) {
	case "":
	case "plain":
		opts = append(opts, engine.ConnSASLPlain(cc.SASL.Username, cc.SASL.Password))
	case "anonymous":
		opts = append(opts, engine.ConnSASLAnonymous())
	case "xoauth2":
		opts = append(opts, engine.ConnSASLXOAUTH2(cc.SASL.Username, cc.SASL.Token, cc.SASL.MaxFrameSize))
	default:
		return nil, errors.Errorf("unsupported SASL mechanism %q", cc.SASL.Mechanism)
	}
	return opts, nil
}

// SessionOptions converts the session section to engine options.
func (c *Config) SessionOptions() []engine.SessionOption {
	opts := []engine.SessionOption{
		engine.SessionIncomingWindow(c.Session.IncomingWindow),
		engine.SessionOutgoingWindow(c.Session.OutgoingWindow),
	}
	if c.Session.MaxLinks > 0 {
		opts = append(opts, engine.SessionMaxLinks(c.Session.MaxLinks))
	}
	return opts
}

// LinkOptions converts the link section to engine options.
func (c *Config) LinkOptions() ([]engine.LinkOption, error) {
	lc := c.Link
	var opts []engine.LinkOption
	if lc.Name != "" {
		opts = append(opts, engine.LinkName(lc.Name))
	}
	if lc.Source != "" {
		opts = append(opts, engine.LinkSourceAddress(lc.Source))
	}
	if lc.Target != "" {
		opts = append(opts, engine.LinkTargetAddress(lc.Target))
	}
	if lc.Selector != "" {
		opts = append(opts, engine.LinkSelectorFilter(lc.Selector))
	}
	if lc.MaxMessageSize > 0 {
		opts = append(opts, engine.LinkMaxMessageSize(lc.MaxMessageSize))
	}

	switch strings.ToLower(lc.SenderSettle) {
	case "":
	case "unsettled":
		opts = append(opts, engine.LinkSenderSettle(encoding.ModeUnsettled))
	case "settled":
		opts = append(opts, engine.LinkSenderSettle(encoding.ModeSettled))
	case "mixed":
		opts = append(opts, engine.LinkSenderSettle(encoding.ModeMixed))
	default:
		return nil, errors.Errorf("unknown sender settle mode %q", lc.SenderSettle)
	}

	switch strings.ToLower(lc.ReceiverSettle) {
	case "":
	case "first":
		opts = append(opts, engine.LinkReceiverSettle(encoding.ModeFirst))
	case "second":
		opts = append(opts, engine.LinkReceiverSettle(encoding.ModeSecond))
	default:
		return nil, errors.Errorf("unknown receiver settle mode %q", lc.ReceiverSettle)
	}
	return opts, nil
}
