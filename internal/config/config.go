// Package config holds the CLI configuration type and its viper-backed
// loading.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/1ureka/rtcvoice/internal/negotiation"
	"github.com/1ureka/rtcvoice/internal/util"
)

// Mode selects the signaling transport used by the caller.
type Mode string

const (
	ModeWS   Mode = "ws"   // persistent WebSocket, trickle ICE
	ModeHTTP Mode = "http" // POST /session, vanilla ICE
)

// Config keys, also used as flag names (with '_' → '-').
const (
	KeyMode            = "mode"
	KeyURL             = "url"
	KeyRole            = "role"
	KeyListen          = "listen"
	KeyICEServers      = "ice_servers"
	KeyAudioFile       = "audio_file"
	KeyRecordFile      = "record_file"
	KeyOfferInBand     = "offer_in_band"
	KeyEcho            = "echo"
	KeyExchangeTimeout = "exchange_timeout"
	KeyAnswerTimeout   = "answer_timeout"
	KeyDialAttempts    = "dial_attempts"
	KeyDialBackoff     = "dial_backoff"
	KeyLogLevel        = "log_level"
	KeyStatsInterval   = "stats_interval"
)

// EnvPrefix is prepended to every key when read from the environment,
// e.g. RTCVOICE_ICE_SERVERS.
const EnvPrefix = "RTCVOICE"

// DefaultICEServers are public STUN servers for candidate gathering.
var DefaultICEServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

// Config stores every parameter of a call or a server.
type Config struct {
	Mode        Mode
	URL         string           // call: signaling endpoint
	Role        negotiation.Role // glare role of the local session
	Listen      string           // serve: listen address
	ICEServers  []string
	AudioFile   string // Ogg/Opus file streamed into the local audio track
	RecordFile  string // call: Ogg file the remote track is written to
	OfferInBand bool   // send local renegotiation offers over the data channel
	Echo        bool   // serve: send each caller's audio back instead of AudioFile

	ExchangeTimeout time.Duration // HTTP offer/answer round trip
	AnswerTimeout   time.Duration // serve: wait for a local answer
	DialAttempts    int
	DialBackoff     time.Duration

	LogLevel      string
	StatsInterval time.Duration
}

// SetDefaults registers default values for every key.
func SetDefaults(v *viper.Viper) {
	v.SetDefault(KeyMode, string(ModeWS))
	v.SetDefault(KeyURL, "")
	v.SetDefault(KeyRole, "impolite")
	v.SetDefault(KeyListen, ":9000")
	v.SetDefault(KeyICEServers, DefaultICEServers)
	v.SetDefault(KeyAudioFile, "")
	v.SetDefault(KeyRecordFile, "")
	v.SetDefault(KeyOfferInBand, true)
	v.SetDefault(KeyEcho, false)
	v.SetDefault(KeyExchangeTimeout, 15*time.Second)
	v.SetDefault(KeyAnswerTimeout, 10*time.Second)
	v.SetDefault(KeyDialAttempts, 3)
	v.SetDefault(KeyDialBackoff, 500*time.Millisecond)
	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyStatsInterval, 10*time.Second)
}

// New returns a viper instance with defaults and environment binding.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return v
}

// ReadFile merges a config file into v. An empty path or a missing file is
// not an error.
func ReadFile(v *viper.Viper, path string) error {
	if path == "" {
		return nil
	}

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) || errors.Is(err, fs.ErrNotExist) {
			util.LogDebug("no config file found at %s", path)
			return nil
		}
		return fmt.Errorf("read config %s: %w", path, err)
	}

	util.LogDebug("config loaded from %s", v.ConfigFileUsed())
	return nil
}

// Load builds a validated Config from v.
func Load(v *viper.Viper) (*Config, error) {
	role, err := negotiation.ParseRole(v.GetString(KeyRole))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Mode:            Mode(strings.ToLower(v.GetString(KeyMode))),
		URL:             strings.TrimSpace(v.GetString(KeyURL)),
		Role:            role,
		Listen:          v.GetString(KeyListen),
		ICEServers:      v.GetStringSlice(KeyICEServers),
		AudioFile:       v.GetString(KeyAudioFile),
		RecordFile:      v.GetString(KeyRecordFile),
		OfferInBand:     v.GetBool(KeyOfferInBand),
		Echo:            v.GetBool(KeyEcho),
		ExchangeTimeout: v.GetDuration(KeyExchangeTimeout),
		AnswerTimeout:   v.GetDuration(KeyAnswerTimeout),
		DialAttempts:    v.GetInt(KeyDialAttempts),
		DialBackoff:     v.GetDuration(KeyDialBackoff),
		LogLevel:        v.GetString(KeyLogLevel),
		StatsInterval:   v.GetDuration(KeyStatsInterval),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field ranges and normalizes URL for the selected mode.
// An empty URL is allowed; the caller command requires one separately.
func (c *Config) Validate() error {
	switch c.Mode {
	case ModeWS, ModeHTTP:
	default:
		return fmt.Errorf("invalid mode %q: must be 'ws' or 'http'", c.Mode)
	}

	if c.URL != "" {
		u, err := NormalizeURL(c.Mode, c.URL)
		if err != nil {
			return err
		}
		c.URL = u
	}

	if _, err := util.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	if c.DialAttempts < 1 {
		return fmt.Errorf("invalid %s %d: must be at least 1", KeyDialAttempts, c.DialAttempts)
	}
	if c.ExchangeTimeout < 0 || c.AnswerTimeout < 0 || c.DialBackoff < 0 {
		return errors.New("timeouts must not be negative")
	}
	return nil
}

// NormalizeURL validates a signaling endpoint and returns it with a scheme
// matching mode. A bare host gets the secure scheme; the path is kept, minus
// a trailing slash for HTTP bases.
func NormalizeURL(mode Mode, raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if !strings.Contains(raw, "://") {
		raw = "//" + raw
	}

	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid signaling URL: %s", raw)
	}

	switch mode {
	case ModeWS:
		switch u.Scheme {
		case "ws", "wss":
		case "http":
			u.Scheme = "ws"
		default:
			u.Scheme = "wss"
		}
		if u.Path == "" {
			u.Path = "/"
		}
	case ModeHTTP:
		switch u.Scheme {
		case "http", "https":
		case "ws":
			u.Scheme = "http"
		default:
			u.Scheme = "https"
		}
		u.Path = strings.TrimSuffix(u.Path, "/")
	}

	return u.String(), nil
}
