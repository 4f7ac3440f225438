package websocket

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/net/http/httpguts"
	"gopkg.in/yaml.v3"
)

// Configuration defaults.
const (
	DefaultMaxFramePayloadLength = 64 * 1024
	DefaultHandshakeTimeout      = 10 * time.Second
	DefaultCloseTimeout          = 5 * time.Second

	// WildcardProtocol in a server protocol list accepts the client's first offer.
	WildcardProtocol = "*"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("ws_token", func(fl validator.FieldLevel) bool {
		s := fl.Field().String()
		return s != WildcardProtocol && isToken(s)
	})
	_ = v.RegisterValidation("ws_protocol", func(fl validator.FieldLevel) bool {
		s := fl.Field().String()
		return s == WildcardProtocol || isToken(s)
	})
	return v
}

// isToken reports whether s is an RFC 7230 token, the syntax required for
// subprotocol names by RFC 6455 section 4.1.
func isToken(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !httpguts.IsTokenRune(r) {
			return false
		}
	}
	return true
}

// ProtocolList is an ordered list of subprotocol names. In YAML it is either
// a sequence or a single comma-separated string such as "proto2, *".
type ProtocolList []string

// ParseProtocols splits a comma-separated protocol list, dropping blanks.
func ParseProtocols(s string) ProtocolList {
	var out ProtocolList
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// UnmarshalYAML accepts both scalar and sequence forms.
func (pl *ProtocolList) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		*pl = ParseProtocols(node.Value)
		return nil
	case yaml.SequenceNode:
		var items []string
		if err := node.Decode(&items); err != nil {
			return err
		}
		out := make(ProtocolList, 0, len(items))
		for _, item := range items {
			out = append(out, ParseProtocols(item)...)
		}
		*pl = out
		return nil
	default:
		return fmt.Errorf("websocket: protocols must be a string or a list, got yaml kind %d", node.Kind)
	}
}

// ConnConfig holds the settings shared by servers and clients.
type ConnConfig struct {
	// MaxFramePayloadLength caps the payload of a single incoming frame.
	// It must be positive; Upgrade and DialContext refuse a config without it.
	MaxFramePayloadLength int64 `yaml:"max_frame_payload_length" validate:"gt=0"`

	// MaxMessageLength caps an aggregated (and inflated) message.
	// Zero means MaxFramePayloadLength.
	MaxMessageLength int64 `yaml:"max_message_length" validate:"gte=0"`

	// Compress enables permessage-deflate negotiation (RFC 7692).
	Compress bool `yaml:"compress"`

	// CompressionLevel is the DEFLATE level for outgoing messages.
	CompressionLevel int `yaml:"compression_level" validate:"gte=-2,lte=9"`

	// HandlePing answers incoming pings with a pong and hides them from
	// the application. When false pings are surfaced and the application
	// is responsible for answering.
	HandlePing bool `yaml:"handle_ping"`

	// HandshakeTimeout bounds the opening handshake. Zero disables it.
	HandshakeTimeout time.Duration `yaml:"handshake_timeout" validate:"gte=0"`

	// CloseTimeout bounds writes of close frames and the wait for the
	// peer's close in Shutdown when the context has no deadline.
	CloseTimeout time.Duration `yaml:"close_timeout" validate:"gte=0"`

	ReadBufferSize  int `yaml:"read_buffer_size" validate:"gte=0"`
	WriteBufferSize int `yaml:"write_buffer_size" validate:"gte=0"`
}

func (c *ConnConfig) messageLimit() int64 {
	if c.MaxMessageLength > 0 {
		return c.MaxMessageLength
	}
	return c.MaxFramePayloadLength
}

func defaultConnConfig() ConnConfig {
	return ConnConfig{
		MaxFramePayloadLength: DefaultMaxFramePayloadLength,
		CompressionLevel:      defaultCompressionLevel,
		HandshakeTimeout:      DefaultHandshakeTimeout,
		CloseTimeout:          DefaultCloseTimeout,
		ReadBufferSize:        defaultReadBufferSize,
		WriteBufferSize:       defaultWriteBufferSize,
	}
}

// ServerConfig configures the server side of the opening handshake and the
// resulting connections.
type ServerConfig struct {
	// Protocols lists supported subprotocols; "*" accepts any client offer.
	Protocols ProtocolList `yaml:"protocols" validate:"dive,ws_protocol"`

	ConnConfig `yaml:",inline"`
}

// ClientConfig configures the client side of the opening handshake and the
// resulting connections.
type ClientConfig struct {
	// Protocols lists offered subprotocols in order of preference.
	Protocols ProtocolList `yaml:"protocols" validate:"dive,ws_token"`

	ConnConfig `yaml:",inline"`
}

// DefaultServerConfig returns the server defaults. Servers answer pings.
func DefaultServerConfig() *ServerConfig {
	cfg := &ServerConfig{ConnConfig: defaultConnConfig()}
	cfg.HandlePing = true
	return cfg
}

// DefaultClientConfig returns the client defaults. Clients surface pings.
func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{ConnConfig: defaultConnConfig()}
}

// Validate checks the configuration.
func (c *ServerConfig) Validate() error {
	return validationError(validate.Struct(c))
}

// Validate checks the configuration.
func (c *ClientConfig) Validate() error {
	return validationError(validate.Struct(c))
}

// ParseServerConfig decodes YAML over DefaultServerConfig and validates the result.
func ParseServerConfig(data []byte) (*ServerConfig, error) {
	cfg := DefaultServerConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("websocket: decode server config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ParseClientConfig decodes YAML over DefaultClientConfig and validates the result.
func ParseClientConfig(data []byte) (*ClientConfig, error) {
	cfg := DefaultClientConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("websocket: decode client config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func validationError(err error) error {
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fe.Namespace()+" failed "+fe.Tag())
	}
	return fmt.Errorf("%w: %s: %w", ErrInvalidConfig, strings.Join(msgs, "; "), err)
}
