package h2d

import (
	"fmt"
	"os"
	"time"

	"sigs.k8s.io/yaml"
)

// Version is reported in the server header.
const Version = "1.18.1"

// ServerSoftware is the server header value sent with every response.
const ServerSoftware = "nghttpd nghttp2/" + Version

// HeaderKV is a configured header field, used for static trailers.
type HeaderKV struct {
	Name    string `json:"name"`
	Value   string `json:"value"`
	NoIndex bool   `json:"no_index,omitempty"`
}

// Config holds all server options. Immutable after startup; every
// worker shares the same value.
type Config struct {
	// Stream timeouts in seconds.
	StreamReadTimeout  float64 `json:"stream_read_timeout"`
	StreamWriteTimeout float64 `json:"stream_write_timeout"`

	// Extra bytes of padding per DATA frame.
	Padding int `json:"padding"`

	// Number of event workers. 1 serves connections on the listener's
	// own dispatcher.
	NumWorker int `json:"num_worker"`

	// HPACK HEADER_TABLE_SIZE to advertise; -1 keeps the codec default.
	HeaderTableSize int `json:"header_table_size"`

	Port    int    `json:"port"`
	Address string `json:"address,omitempty"`

	// Document root.
	Htdocs string `json:"htdocs"`

	// Request (but never reject) a client certificate.
	VerifyClient bool `json:"verify_client"`

	NoTLS bool `json:"no_tls"`

	// Gzip-encode error page bodies.
	ErrorGzip bool `json:"error_gzip"`

	// Respond at end of headers, ignoring any request body.
	EarlyResponse bool `json:"early_response"`

	// Static trailer fields appended to every file response.
	Trailer []HeaderKV `json:"trailer,omitempty"`

	// Push maps a request path to the paths pushed alongside it.
	Push map[string][]string `json:"push,omitempty"`

	PrivateKeyFile string `json:"private_key_file,omitempty"`
	CertFile       string `json:"cert_file,omitempty"`
	DHParamFile    string `json:"dh_param_file,omitempty"`

	Verbose bool `json:"verbose"`

	// Upper bound on concurrently served sessions across all workers.
	MaxSessions int `json:"max_sessions"`
}

// NewConfig returns a Config with the standard defaults.
func NewConfig() *Config {
	return &Config{
		StreamReadTimeout:  60,
		StreamWriteTimeout: 60,
		NumWorker:          1,
		HeaderTableSize:    -1,
		Htdocs:             ".",
		MaxSessions:        10000,
	}
}

// LoadConfig reads a YAML (or JSON) config file over the defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := NewConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("h2d: config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) readTimeout() time.Duration {
	return time.Duration(c.StreamReadTimeout * float64(time.Second))
}

func (c *Config) writeTimeout() time.Duration {
	return time.Duration(c.StreamWriteTimeout * float64(time.Second))
}
