package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acogoluegnes/qpid-protonj2/encoding"
	"github.com/acogoluegnes/qpid-protonj2/engine"
	"github.com/acogoluegnes/qpid-protonj2/frames"
)

const sample = `
addr: broker:5672
log:
  verbosity: 1
connection:
  container_id: demo
  max_frame_size: 4096
  idle_timeout: 30s
  properties:
    product: demo
  sasl:
    mechanism: PLAIN
    username: guest
    password: guest
session:
  incoming_window: 50
  max_links: 4
link:
  source: orders
  selector: "color = 'red'"
  credit: 5
  receiver_settle: second
`

func TestParse(t *testing.T) {
	cfg, err := Parse([]byte(sample))
	require.NoError(t, err)

	assert.Equal(t, "broker:5672", cfg.Addr)
	assert.Equal(t, 1, cfg.Log.Verbosity)
	assert.Equal(t, "demo", cfg.Conn.ContainerID)
	assert.Equal(t, uint32(4096), cfg.Conn.MaxFrameSize)
	assert.Equal(t, 30*time.Second, cfg.Conn.IdleTimeout)
	assert.Equal(t, map[string]string{"product": "demo"}, cfg.Conn.Properties)
	assert.Equal(t, "PLAIN", cfg.Conn.SASL.Mechanism)
	assert.Equal(t, uint32(50), cfg.Session.IncomingWindow)
	assert.Equal(t, "orders", cfg.Link.Source)
	assert.Equal(t, uint32(5), cfg.Link.Credit)

	// defaults fill the rest
	assert.Equal(t, uint16(engine.DefaultChannelMax), cfg.Conn.ChannelMax)
	assert.Equal(t, uint32(engine.DefaultWindow), cfg.Session.OutgoingWindow)
	assert.Equal(t, "amqp", cfg.Metrics.Namespace)
}

func TestSetDefaults(t *testing.T) {
	var cfg Config
	cfg.SetDefaults()
	assert.Equal(t, "localhost:5672", cfg.Addr)
	assert.Equal(t, uint32(engine.DefaultMaxFrameSize), cfg.Conn.MaxFrameSize)
	assert.Equal(t, uint32(10), cfg.Link.Credit)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "broker:5672", cfg.Addr)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestParseInvalid(t *testing.T) {
	_, err := Parse([]byte("connection: [1, 2"))
	assert.Error(t, err)
}

func TestConnOptions(t *testing.T) {
	cfg, err := Parse([]byte(sample))
	require.NoError(t, err)

	opts, err := cfg.ConnOptions()
	require.NoError(t, err)
	c, err := engine.New(opts...)
	require.NoError(t, err)
	assert.Equal(t, "demo", c.ContainerID())

	// SASL is configured: Open starts with the SASL header
	require.NoError(t, c.Open())
	out := c.Output()
	require.Len(t, out, 8)
	assert.Equal(t, byte(frames.ProtoSASL), out[4])
}

func TestOptionErrors(t *testing.T) {
	tests := []struct {
		label  string
		mutate func(*Config)
		conn   bool
	}{
		{"sasl mechanism", func(c *Config) { c.Conn.SASL.Mechanism = "gssapi" }, true},
		{"sender settle", func(c *Config) { c.Link.SenderSettle = "sometimes" }, false},
		{"receiver settle", func(c *Config) { c.Link.ReceiverSettle = "third" }, false},
	}

	for _, tt := range tests {
		t.Run(tt.label, func(t *testing.T) {
			var cfg Config
			cfg.SetDefaults()
			tt.mutate(&cfg)

			var err error
			if tt.conn {
				_, err = cfg.ConnOptions()
			} else {
				_, err = cfg.LinkOptions()
			}
			assert.Error(t, err)
		})
	}
}

func TestLinkAndSessionOptions(t *testing.T) {
	cfg, err := Parse([]byte(sample))
	require.NoError(t, err)

	c, err := engine.New()
	require.NoError(t, err)
	s, err := c.NewSession(cfg.SessionOptions()...)
	require.NoError(t, err)
	assert.Equal(t, uint32(50), s.IncomingWindow())

	linkOpts, err := cfg.LinkOptions()
	require.NoError(t, err)
	r, err := s.NewReceiver(linkOpts...)
	require.NoError(t, err)
	assert.Equal(t, "orders", r.Source().Address)
	assert.Contains(t, r.Source().Filter, encoding.SelectorFilter)
}
