package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const maxTrunksFileSize = 1024 * 1024

// trunkEnvPrefix marks environment variables that override trunk fields.
// DIALOUT_TRUNKS__<id>__<field> maps to trunks.<id>.<field>, which keeps
// credentials out of the YAML file.
const trunkEnvPrefix = "DIALOUT_TRUNKS__"

// Trunk describes one outbound SIP trunk.
type Trunk struct {
	ID           string        `koanf:"id"`
	Host         string        `koanf:"host"`
	Port         int           `koanf:"port"`
	Transport    string        `koanf:"transport"`
	Domain       string        `koanf:"domain"` // Request-URI host when it differs from Host
	Username     string        `koanf:"username"`
	AuthUsername string        `koanf:"auth_username"`
	Password     string        `koanf:"password"`
	CallerID     string        `koanf:"caller_id"`
	CallerName   string        `koanf:"caller_name"`
	DialTimeout  time.Duration `koanf:"dial_timeout"`
	// CallsPerSecond limits new INVITEs on this trunk. 0 means unlimited.
	CallsPerSecond float64 `koanf:"calls_per_second"`
	Burst          int     `koanf:"burst"`
}

// Address returns host:port of the trunk's SIP server.
func (t Trunk) Address() string {
	port := t.Port
	if port == 0 {
		port = 5060
	}
	return fmt.Sprintf("%s:%d", t.Host, port)
}

// URIHost returns the host used in Request-URI and To headers.
func (t Trunk) URIHost() string {
	if t.Domain != "" {
		return t.Domain
	}
	return t.Host
}

// AuthUser returns the digest username.
func (t Trunk) AuthUser() string {
	if t.AuthUsername != "" {
		return t.AuthUsername
	}
	return t.Username
}

type trunksFile struct {
	Trunks map[string]Trunk `koanf:"trunks"`
}

// loadTrunks builds the trunk registry from the YAML file, or from the
// inline trunk flags when no file is configured.
func (c *Config) loadTrunks() (map[string]Trunk, error) {
	if c.TrunksFile == "" {
		if c.OutboundTrunkID == "" || c.TrunkHost == "" {
			return map[string]Trunk{}, nil
		}
		t := Trunk{
			ID:       c.OutboundTrunkID,
			Host:     c.TrunkHost,
			Port:     c.TrunkPort,
			Username: c.TrunkUser,
			Password: c.TrunkPassword,
			CallerID: c.CallerID,
		}
		applyTrunkDefaults(&t, c.Transport)
		return map[string]Trunk{t.ID: t}, nil
	}

	content, err := readLimited(c.TrunksFile)
	if err != nil {
		return nil, err
	}
	return ParseTrunks(content, c.Transport)
}

// ParseTrunks parses a trunk registry document and applies DIALOUT_TRUNKS__
// environment overrides.
//
//	trunks:
//	  main:
//	    host: sip.example.net
//	    username: acme
//	    caller_id: "+37060000000"
//	    dial_timeout: 45s
func ParseTrunks(content []byte, defaultTransport string) (map[string]Trunk, error) {
	k := koanf.New(".")

	if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("failed to parse trunks file: %w", err)
	}

	if err := k.Load(env.Provider(trunkEnvPrefix, ".", transformTrunkEnv), nil); err != nil {
		return nil, fmt.Errorf("failed to load trunk environment overrides: %w", err)
	}

	var doc trunksFile
	if err := k.Unmarshal("", &doc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal trunks: %w", err)
	}

	trunks := make(map[string]Trunk, len(doc.Trunks))
	for id, t := range doc.Trunks {
		if t.ID == "" {
			t.ID = id
		}
		if t.Host == "" {
			return nil, fmt.Errorf("trunk %q: host is required", id)
		}
		applyTrunkDefaults(&t, defaultTransport)
		trunks[id] = t
	}
	return trunks, nil
}

// transformTrunkEnv maps DIALOUT_TRUNKS__main__PASSWORD to trunks.main.password.
func transformTrunkEnv(s string) string {
	rest := strings.TrimPrefix(s, trunkEnvPrefix)
	parts := strings.SplitN(rest, "__", 2)
	if len(parts) != 2 {
		return ""
	}
	return "trunks." + parts[0] + "." + strings.ToLower(parts[1])
}

func applyTrunkDefaults(t *Trunk, transport string) {
	if t.Port == 0 {
		t.Port = 5060
	}
	if t.Transport == "" {
		t.Transport = transport
	}
	if t.DialTimeout <= 0 {
		t.DialTimeout = DefaultDialTimeout
	}
	if t.Burst <= 0 {
		t.Burst = 1
	}
}

func readLimited(path string) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat trunks file: %w", err)
	}
	if info.Size() > maxTrunksFileSize {
		return nil, fmt.Errorf("trunks file %s exceeds %d bytes", path, maxTrunksFileSize)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read trunks file: %w", err)
	}
	return content, nil
}
