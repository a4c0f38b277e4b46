package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
)

// Defaults carried over from the production agent deployment.
const (
	DefaultAgentName           = "outbound-caller-dev"
	DefaultModel               = "gemini-2.5-flash-native-audio-preview-09-2025"
	DefaultVoice               = "Charon"
	DefaultMinEndpointingDelay = 100 * time.Millisecond
	DefaultMaxEndpointingDelay = time.Second
	DefaultDialTimeout         = 60 * time.Second
)

// Config holds the dialout worker configuration.
type Config struct {
	AgentName string
	NodeID    string

	// SIP settings
	SIPPort       int
	BindAddr      string // Address to bind for listening
	AdvertiseAddr string // Address to advertise in SIP headers and SDP
	Transport     string

	// Outbound trunk. OutboundTrunkID may be empty: jobs then fail validation
	// unless they carry their own trunk id.
	OutboundTrunkID string
	TrunksFile      string
	Trunks          map[string]Trunk

	// Inline trunk used when no trunks file is configured.
	TrunkHost     string
	TrunkPort     int
	TrunkUser     string
	TrunkPassword string
	CallerID      string

	// Media
	RTPPortMin int
	RTPPortMax int

	// Realtime model
	APIKey               string
	Model                string
	Voice                string
	PreemptiveGeneration bool
	MinEndpointingDelay  time.Duration
	MaxEndpointingDelay  time.Duration
	NoiseGateThreshold   float64

	// Orchestration
	ParticipantJoinTimeout time.Duration // 0 means: use the trunk dial timeout
	SessionStartTimeout    time.Duration // 0 means: no ceiling

	// Worker
	NATSURL            string
	JobSubject         string
	QueueGroup         string
	MaxConcurrentCalls int
	HTTPAddr           string
	GRPCAddr           string

	// Logging
	LogLevel string
	LogFile  string
}

// Default returns a Config populated with defaults.
func Default() *Config {
	host, _ := os.Hostname()
	return &Config{
		AgentName:            DefaultAgentName,
		NodeID:               host,
		SIPPort:              5070,
		BindAddr:             "0.0.0.0",
		Transport:            "udp",
		TrunkPort:            5060,
		RTPPortMin:           20000,
		RTPPortMax:           20999,
		Model:                DefaultModel,
		Voice:                DefaultVoice,
		PreemptiveGeneration: true,
		MinEndpointingDelay:  DefaultMinEndpointingDelay,
		MaxEndpointingDelay:  DefaultMaxEndpointingDelay,
		NoiseGateThreshold:   0.01,
		JobSubject:           "dialout.jobs",
		QueueGroup:           "dialout-workers",
		MaxConcurrentCalls:   10,
		HTTPAddr:             ":8080",
		GRPCAddr:             ":9090",
		LogLevel:             "info",
	}
}

// RegisterFlags binds command line flags to the config fields.
func (c *Config) RegisterFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.AgentName, "agent-name", c.AgentName, "Agent name used in SIP headers and events")
	fs.StringVar(&c.NodeID, "node-id", c.NodeID, "Node identifier for events")

	fs.IntVar(&c.SIPPort, "sip-port", c.SIPPort, "SIP listening port")
	fs.StringVar(&c.BindAddr, "bind", c.BindAddr, "SIP bind address")
	fs.StringVar(&c.AdvertiseAddr, "advertise", c.AdvertiseAddr, "Address to advertise in SIP headers and SDP (auto-detected if not set)")
	fs.StringVar(&c.Transport, "transport", c.Transport, "SIP transport (udp, tcp)")

	fs.StringVar(&c.OutboundTrunkID, "trunk", c.OutboundTrunkID, "Outbound SIP trunk id")
	fs.StringVar(&c.TrunksFile, "trunks-file", c.TrunksFile, "Path to trunk registry YAML")
	fs.StringVar(&c.TrunkHost, "trunk-host", c.TrunkHost, "Inline trunk host (used without a trunks file)")
	fs.IntVar(&c.TrunkPort, "trunk-port", c.TrunkPort, "Inline trunk port")
	fs.StringVar(&c.TrunkUser, "trunk-user", c.TrunkUser, "Inline trunk auth username")
	fs.StringVar(&c.TrunkPassword, "trunk-password", c.TrunkPassword, "Inline trunk auth password")
	fs.StringVar(&c.CallerID, "caller-id", c.CallerID, "Inline trunk caller id")

	fs.IntVar(&c.RTPPortMin, "rtp-port-min", c.RTPPortMin, "Lowest RTP port")
	fs.IntVar(&c.RTPPortMax, "rtp-port-max", c.RTPPortMax, "Highest RTP port")

	fs.StringVar(&c.Model, "model", c.Model, "Realtime model identifier")
	fs.StringVar(&c.Voice, "voice", c.Voice, "Realtime model voice")
	fs.BoolVar(&c.PreemptiveGeneration, "preemptive-generation", c.PreemptiveGeneration, "Start replies before the callee's turn is confirmed")
	fs.DurationVar(&c.MinEndpointingDelay, "min-endpointing-delay", c.MinEndpointingDelay, "Minimum end-of-turn silence")
	fs.DurationVar(&c.MaxEndpointingDelay, "max-endpointing-delay", c.MaxEndpointingDelay, "Maximum end-of-turn silence")
	fs.Float64Var(&c.NoiseGateThreshold, "noise-gate", c.NoiseGateThreshold, "RMS threshold below which callee audio is muted (0 disables)")

	fs.DurationVar(&c.ParticipantJoinTimeout, "participant-join-timeout", c.ParticipantJoinTimeout, "Ceiling on waiting for the callee's media after answer (0: trunk dial timeout)")
	fs.DurationVar(&c.SessionStartTimeout, "session-start-timeout", c.SessionStartTimeout, "Ceiling on realtime session start (0: none)")

	fs.StringVar(&c.NATSURL, "nats", c.NATSURL, "NATS URL for jobs and events (empty disables)")
	fs.StringVar(&c.JobSubject, "job-subject", c.JobSubject, "NATS subject carrying call jobs")
	fs.StringVar(&c.QueueGroup, "queue-group", c.QueueGroup, "NATS queue group for job distribution")
	fs.IntVar(&c.MaxConcurrentCalls, "max-calls", c.MaxConcurrentCalls, "Maximum concurrent calls per worker")
	fs.StringVar(&c.HTTPAddr, "http", c.HTTPAddr, "HTTP control API address (empty disables)")
	fs.StringVar(&c.GRPCAddr, "grpc", c.GRPCAddr, "gRPC health address (empty disables)")

	fs.StringVar(&c.LogLevel, "loglevel", c.LogLevel, "Log level (debug, info, warn, error)")
	fs.StringVar(&c.LogFile, "log-file", c.LogFile, "Rotating log file path (empty disables)")
}

// Resolve applies environment overrides, loads the trunk registry and
// validates the result. getenv is os.Getenv outside tests.
func (c *Config) Resolve(getenv func(string) string) error {
	c.applyEnv(getenv)

	if c.AdvertiseAddr == "" || !isValidAddress(c.AdvertiseAddr) {
		c.AdvertiseAddr = getPrimaryInterfaceIP()
	}

	trunks, err := c.loadTrunks()
	if err != nil {
		return err
	}
	c.Trunks = trunks

	return c.Validate()
}

func (c *Config) applyEnv(getenv func(string) string) {
	str := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	integer := func(key string, dst *int) {
		if v := getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	duration := func(key string, dst *time.Duration) {
		if v := getenv(key); v != "" {
			if d, err := time.ParseDuration(v); err == nil {
				*dst = d
			}
		}
	}

	str("SIP_OUTBOUND_TRUNK_ID", &c.OutboundTrunkID)
	str("AGENT_NAME", &c.AgentName)
	str("NODE_ID", &c.NodeID)
	integer("SIP_PORT", &c.SIPPort)
	str("SIP_BIND", &c.BindAddr)
	str("SIP_ADVERTISE", &c.AdvertiseAddr)
	str("TRUNKS_FILE", &c.TrunksFile)
	str("SIP_TRUNK_HOST", &c.TrunkHost)
	str("SIP_TRUNK_USER", &c.TrunkUser)
	str("SIP_TRUNK_PASSWORD", &c.TrunkPassword)
	str("SIP_CALLER_ID", &c.CallerID)
	integer("RTP_PORT_MIN", &c.RTPPortMin)
	integer("RTP_PORT_MAX", &c.RTPPortMax)
	str("GEMINI_API_KEY", &c.APIKey)
	str("GEMINI_MODEL", &c.Model)
	str("GEMINI_VOICE", &c.Voice)
	duration("PARTICIPANT_JOIN_TIMEOUT", &c.ParticipantJoinTimeout)
	duration("SESSION_START_TIMEOUT", &c.SessionStartTimeout)
	str("NATS_URL", &c.NATSURL)
	str("HTTP_ADDR", &c.HTTPAddr)
	str("GRPC_ADDR", &c.GRPCAddr)
	str("LOGLEVEL", &c.LogLevel)
	str("LOG_FILE", &c.LogFile)
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.SIPPort <= 0 || c.SIPPort > 65535 {
		return fmt.Errorf("invalid SIP port %d", c.SIPPort)
	}
	switch strings.ToLower(c.Transport) {
	case "udp", "tcp":
	default:
		return fmt.Errorf("unsupported SIP transport %q", c.Transport)
	}
	if c.RTPPortMin <= 0 || c.RTPPortMax > 65535 || c.RTPPortMin >= c.RTPPortMax {
		return fmt.Errorf("invalid RTP port range %d-%d", c.RTPPortMin, c.RTPPortMax)
	}
	if c.MinEndpointingDelay < 0 || c.MaxEndpointingDelay < c.MinEndpointingDelay {
		return fmt.Errorf("invalid endpointing delays min=%s max=%s", c.MinEndpointingDelay, c.MaxEndpointingDelay)
	}
	if c.MaxConcurrentCalls <= 0 {
		return fmt.Errorf("max concurrent calls must be positive, got %d", c.MaxConcurrentCalls)
	}
	if c.OutboundTrunkID != "" && len(c.Trunks) > 0 {
		if _, ok := c.Trunks[c.OutboundTrunkID]; !ok {
			return fmt.Errorf("outbound trunk %q not found in trunk registry", c.OutboundTrunkID)
		}
	}
	return nil
}

// JoinTimeoutFor returns the participant join ceiling for a trunk: the
// configured value, else the trunk's dial timeout.
func (c *Config) JoinTimeoutFor(trunkID string) time.Duration {
	if c.ParticipantJoinTimeout > 0 {
		return c.ParticipantJoinTimeout
	}
	if t, ok := c.Trunks[trunkID]; ok && t.DialTimeout > 0 {
		return t.DialTimeout
	}
	return DefaultDialTimeout
}

// isValidAddress checks if the address is a valid IP or resolvable hostname
func isValidAddress(addr string) bool {
	if ip := net.ParseIP(addr); ip != nil {
		return true
	}
	if ips, err := net.LookupIP(addr); err == nil && len(ips) > 0 {
		return true
	}
	return false
}

// getPrimaryInterfaceIP detects the primary network interface IP address
func getPrimaryInterfaceIP() string {
	// The UDP "connection" never sends a packet; it only selects a route.
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err == nil {
		defer conn.Close()
		if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
			return addr.IP.String()
		}
	}

	ifaces, err := net.Interfaces()
	if err != nil {
		return "127.0.0.1"
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			if ipnet, ok := addr.(*net.IPNet); ok && ipnet.IP.To4() != nil {
				return ipnet.IP.String()
			}
		}
	}
	return "127.0.0.1"
}
