package main

import (
	"encoding/json"
	"io/ioutil"
	"net"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

const (
	DefaultConfigPath = "/etc/flowd.json"
	DefaultMaxPeers   = 128
	DefaultQueueLen   = 10000
)

type ListenConfig struct {
	Address    string
	Port       int
	BufferSize int
}

func (l ListenConfig) HostPort() string {
	return net.JoinHostPort(l.Address, strconv.Itoa(l.Port))
}

type FilterRuleConfig struct {
	Action          string
	Tag             *uint32
	Agent           string
	Source          string
	Destination     string
	Protocol        *int
	SourcePort      *int
	DestinationPort *int
}

type StatsConfig struct {
	Address string
}

type DatabaseConfig struct {
	Driver      string
	Address     string
	Table       string
	BatchSize   int
	QueueLength int
	Workers     int
}

type GeoipConfig struct {
	AsnPath     string
	CountryPath string
	Workers     int
}

type SnmpSection struct {
	Agents         map[string]SnmpAgentConfig
	AgentCacheSize int
	Workers        int
}

type Config struct {
	LogFile     string
	MaxPeers    int
	StoreFields []string
	QueueLength int
	Listen      []ListenConfig
	Filter      []FilterRuleConfig

	Stats    *StatsConfig
	Database *DatabaseConfig
	Snmp     *SnmpSection
	Geoip    *GeoipConfig

	storeMask FieldMask
	rules     []*FilterRule
}

// LoadConfig reads and validates the configuration file. Occurrences
// of ${name} are substituted from the -D macro definitions before
// parsing.
func LoadConfig(path string, macros map[string]string) (*Config, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "config read")
	}

	text := string(data)
	for name, value := range macros {
		text = strings.Replace(text, "${"+name+"}", value, -1)
	}

	config := &Config{
		MaxPeers:    DefaultMaxPeers,
		QueueLength: DefaultQueueLen,
	}
	if err := json.Unmarshal([]byte(text), config); err != nil {
		return nil, errors.Wrap(err, "config parse")
	}

	if err := config.validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func (c *Config) validate() error {
	if c.LogFile == "" {
		return errors.New("config: LogFile is required")
	}
	if c.MaxPeers <= 0 {
		return errors.Errorf("config: invalid MaxPeers %d", c.MaxPeers)
	}
	if c.QueueLength <= 0 {
		c.QueueLength = DefaultQueueLen
	}
	if len(c.Listen) == 0 {
		return errors.New("config: at least one Listen address is required")
	}
	for i, l := range c.Listen {
		if l.Port <= 0 || l.Port > 65535 {
			return errors.Errorf("config: Listen[%d]: invalid port %d", i, l.Port)
		}
		if l.Address != "" && net.ParseIP(l.Address) == nil {
			return errors.Errorf("config: Listen[%d]: invalid address %q", i, l.Address)
		}
	}

	var err error
	c.storeMask, err = ParseFieldMask(c.StoreFields)
	if err != nil {
		return errors.Wrap(err, "config")
	}

	c.rules = make([]*FilterRule, 0, len(c.Filter))
	for i, rc := range c.Filter {
		rule, err := parseFilterRule(rc)
		if err != nil {
			return errors.Wrapf(err, "config: Filter[%d]", i)
		}
		c.rules = append(c.rules, rule)
	}

	if c.Database != nil {
		if err := c.Database.validate(); err != nil {
			return err
		}
	}

	return nil
}

func (d *DatabaseConfig) validate() error {
	switch d.Driver {
	case "mysql", "postgres", "clickhouse", "sqlite3":
	default:
		return errors.Errorf("config: unsupported database driver %q", d.Driver)
	}
	if d.Address == "" {
		return errors.New("config: Database.Address is required")
	}
	if d.Table == "" {
		d.Table = "flows"
	}
	if d.BatchSize <= 0 {
		d.BatchSize = 1000
	}
	if d.QueueLength <= 0 {
		d.QueueLength = DefaultQueueLen
	}
	if d.Workers <= 0 {
		d.Workers = 1
	}
	return nil
}

func parseFilterRule(rc FilterRuleConfig) (*FilterRule, error) {
	rule := &FilterRule{
		Protocol:   -1,
		SourcePort: -1,
		DestPort:   -1,
	}

	switch strings.ToLower(rc.Action) {
	case "accept":
		rule.Action = FilterAccept
	case "discard":
		rule.Action = FilterDiscard
	default:
		return nil, errors.Errorf("invalid action %q", rc.Action)
	}

	if rc.Tag != nil {
		rule.Tag = *rc.Tag
		rule.HasTag = true
	}

	var err error
	if rule.Agent, err = parseCIDR(rc.Agent); err != nil {
		return nil, err
	}
	if rule.Source, err = parseCIDR(rc.Source); err != nil {
		return nil, err
	}
	if rule.Destination, err = parseCIDR(rc.Destination); err != nil {
		return nil, err
	}

	if rc.Protocol != nil {
		if *rc.Protocol < 0 || *rc.Protocol > 255 {
			return nil, errors.Errorf("invalid protocol %d", *rc.Protocol)
		}
		rule.Protocol = *rc.Protocol
	}
	if rc.SourcePort != nil {
		if *rc.SourcePort < 0 || *rc.SourcePort > 65535 {
			return nil, errors.Errorf("invalid source port %d", *rc.SourcePort)
		}
		rule.SourcePort = *rc.SourcePort
	}
	if rc.DestinationPort != nil {
		if *rc.DestinationPort < 0 || *rc.DestinationPort > 65535 {
			return nil, errors.Errorf("invalid destination port %d", *rc.DestinationPort)
		}
		rule.DestPort = *rc.DestinationPort
	}

	return rule, nil
}

// parseCIDR accepts a CIDR prefix or a bare host address.
func parseCIDR(s string) (*net.IPNet, error) {
	if s == "" {
		return nil, nil
	}

	if strings.Contains(s, "/") {
		_, ipnet, err := net.ParseCIDR(s)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid prefix %q", s)
		}
		return ipnet, nil
	}

	ip := net.ParseIP(s)
	if ip == nil {
		return nil, errors.Errorf("invalid address %q", s)
	}
	if ip4 := ip.To4(); ip4 != nil {
		return &net.IPNet{IP: ip4, Mask: net.CIDRMask(32, 32)}, nil
	}
	return &net.IPNet{IP: ip, Mask: net.CIDRMask(128, 128)}, nil
}
