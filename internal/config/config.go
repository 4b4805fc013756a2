package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"
)

// Default configuration values (production)
const (
	DefaultDomain   = "meet.milletlovemouse.io"
	DefaultSTUN     = "stun:stun.l.google.com:19302"
	DefaultTURN     = "" // optional, empty by default
	DefaultTURNUser = ""
	DefaultTURNPass = ""
)

// Data channel tuning defaults. The high-water mark is the message
// queue size threshold checked before every chunk send.
const (
	MinChunkSize     = 4 * 1024
	MaxChunkSize     = 64 * 1024
	DefaultChunkSize = 16 * 1024

	DefaultHighWaterMark = 2 * 1024 * 1024
	DefaultLowWaterMark  = 512 * 1024

	DefaultNegotiationTimeout = 30 * time.Second
	DefaultSendRetryDelay     = 50 * time.Millisecond
	DefaultRosterDebounce     = 100 * time.Millisecond
)

// Config holds application configuration
type Config struct {
	// Domain is the signaling relay domain
	Domain string

	// WebSocketURL is constructed from domain
	WebSocketURL string

	// ICE servers for WebRTC
	STUNServer string
	TURNServer string
	TURNUser   string
	TURNPass   string
	ForceRelay bool

	// Data channel transfer tuning
	ChunkSize     int
	HighWaterMark uint64
	LowWaterMark  uint64

	// Orchestration timing
	NegotiationTimeout time.Duration
	SendRetryDelay     time.Duration
	RosterDebounce     time.Duration
}

// Options for loading config with CLI flag overrides
type Options struct {
	Domain     string
	STUNServer string
	TURNServer string
	TURNUser   string
	TURNPass   string
	ForceRelay bool
}

// Load reads configuration with the following priority:
// 1. CLI flags (passed via Options) - highest priority
// 2. Environment variables
// 3. Hardcoded defaults - lowest priority
func Load(opts Options) (*Config, error) {
	domain := firstNonEmpty(opts.Domain, os.Getenv("DOMAIN"), DefaultDomain)
	stunServer := firstNonEmpty(opts.STUNServer, os.Getenv("STUN_SERVER"), DefaultSTUN)
	turnServer := firstNonEmpty(opts.TURNServer, os.Getenv("TURN_SERVER"), DefaultTURN)
	turnUser := firstNonEmpty(opts.TURNUser, os.Getenv("TURN_USERNAME"), DefaultTURNUser)
	turnPass := firstNonEmpty(opts.TURNPass, os.Getenv("TURN_PASSWORD"), DefaultTURNPass)

	chunkSize := intFromEnv("CHUNK_SIZE", DefaultChunkSize)
	if chunkSize < MinChunkSize || chunkSize > MaxChunkSize {
		return nil, fmt.Errorf("chunk size %d outside [%d, %d]", chunkSize, MinChunkSize, MaxChunkSize)
	}

	return &Config{
		Domain:             domain,
		WebSocketURL:       fmt.Sprintf("wss://%s/ws", domain),
		STUNServer:         stunServer,
		TURNServer:         turnServer,
		TURNUser:           turnUser,
		TURNPass:           turnPass,
		ForceRelay:         opts.ForceRelay,
		ChunkSize:          chunkSize,
		HighWaterMark:      uint64(intFromEnv("HIGH_WATER_MARK", DefaultHighWaterMark)),
		LowWaterMark:       uint64(intFromEnv("LOW_WATER_MARK", DefaultLowWaterMark)),
		NegotiationTimeout: DefaultNegotiationTimeout,
		SendRetryDelay:     DefaultSendRetryDelay,
		RosterDebounce:     DefaultRosterDebounce,
	}, nil
}

// GetRoomLink returns the webapp URL for a room name
func (c *Config) GetRoomLink(room string) string {
	return fmt.Sprintf("https://%s/r/%s", c.Domain, room)
}

// GetSTUNServers returns STUN server URLs as strings
func (c *Config) GetSTUNServers() []string {
	return []string{c.STUNServer}
}

// GetTURNServers returns TURN server URLs if configured
func (c *Config) GetTURNServers() []string {
	if c.TURNServer == "" {
		return nil
	}
	return []string{
		fmt.Sprintf("%s:3478?transport=udp", c.TURNServer),
		fmt.Sprintf("%s:3478?transport=tcp", c.TURNServer),
		fmt.Sprintf("turns:%s:5349?transport=tcp", c.TURNServer),
	}
}

// GetTURNCredentials returns TURN username and password
func (c *Config) GetTURNCredentials() (string, string) {
	return c.TURNUser, c.TURNPass
}

// ShouldForceRelay reports whether TURN should be forced: either
// requested explicitly, or the host sits behind a VPN or CGNAT where
// direct paths rarely survive.
func (c *Config) ShouldForceRelay() bool {
	if c.GetTURNServers() == nil {
		return false
	}
	return c.ForceRelay || behindRestrictiveNetwork()
}

// behindRestrictiveNetwork checks interfaces for VPN-style names and
// addresses inside the CGNAT block 100.64.0.0/10 (WARP, Tailscale,
// carrier NAT).
func behindRestrictiveNetwork() bool {
	interfaces, err := net.Interfaces()
	if err != nil {
		return false
	}

	_, cgnatBlock, _ := net.ParseCIDR("100.64.0.0/10")

	for _, iface := range interfaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}

		name := strings.ToLower(iface.Name)
		if strings.Contains(name, "tun") ||
			strings.Contains(name, "tap") ||
			strings.Contains(name, "wg") ||
			strings.Contains(name, "ppp") ||
			strings.Contains(name, "warp") {
			return true
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			var ip net.IP
			switch v := addr.(type) {
			case *net.IPNet:
				ip = v.IP
			case *net.IPAddr:
				ip = v.IP
			}
			if cgnatBlock.Contains(ip) {
				return true
			}
		}
	}

	return false
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func intFromEnv(key string, fallback int) int {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}
