package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/ini.v1"
)

// Config holds the proxy configuration
type Config struct {
	Listen           string
	MetricsAddr      string
	BackendUser      string
	BackendPassword  string
	DefaultHostgroup uint32
	CacheSize        int
	Hostgroups       map[uint32]HostgroupConfig
}

// HostgroupConfig holds the backends of one logical hostgroup
type HostgroupConfig struct {
	Primary  string   // Primary database address
	Replicas []string // Read replica addresses
}

// Load reads configuration from an INI file with environment variable overrides
func Load(path string) (*Config, error) {
	cfg, err := ini.Load(path)
	if err != nil {
		return nil, err
	}

	server := cfg.Section("server")
	config := &Config{
		Listen:           server.Key("listen").MustString(":3307"),
		MetricsAddr:      server.Key("metrics").MustString(":9090"),
		BackendUser:      server.Key("backend_user").MustString("tqstmtproxy"),
		BackendPassword:  server.Key("backend_password").MustString("tqstmtproxy"),
		DefaultHostgroup: uint32(server.Key("default_hostgroup").MustUint(0)),
		CacheSize:        server.Key("cache_size").MustInt(10000),
		Hostgroups:       make(map[uint32]HostgroupConfig),
	}

	// Hostgroup sections: [hostgroup.0], [hostgroup.1], ...
	for _, sec := range cfg.Sections() {
		name := sec.Name()
		if !strings.HasPrefix(name, "hostgroup.") {
			continue
		}
		id, err := strconv.ParseUint(strings.TrimPrefix(name, "hostgroup."), 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid hostgroup section %q: %v", name, err)
		}
		config.Hostgroups[uint32(id)] = loadHostgroup(sec)
	}

	if len(config.Hostgroups) == 0 {
		config.Hostgroups[0] = HostgroupConfig{Primary: "127.0.0.1:3306"}
	}

	// Environment variable overrides
	if v := os.Getenv("TQSTMTPROXY_LISTEN"); v != "" {
		config.Listen = v
	}
	if v := os.Getenv("TQSTMTPROXY_METRICS"); v != "" {
		config.MetricsAddr = v
	}
	if v := os.Getenv("TQSTMTPROXY_BACKEND_USER"); v != "" {
		config.BackendUser = v
	}
	if v := os.Getenv("TQSTMTPROXY_BACKEND_PASSWORD"); v != "" {
		config.BackendPassword = v
	}

	if _, ok := config.Hostgroups[config.DefaultHostgroup]; !ok {
		return nil, fmt.Errorf("default hostgroup %d has no [hostgroup.%d] section",
			config.DefaultHostgroup, config.DefaultHostgroup)
	}

	return config, nil
}

func loadHostgroup(sec *ini.Section) HostgroupConfig {
	primary := sec.Key("primary").MustString("127.0.0.1:3306")

	// Parse replicas (replica1, replica2, etc.)
	var replicas []string
	for i := 1; i <= 10; i++ { // Support up to 10 replicas
		keyName := "replica" + strconv.Itoa(i)
		replica := sec.Key(keyName).String()
		if replica != "" {
			replicas = append(replicas, replica)
		}
	}

	return HostgroupConfig{
		Primary:  primary,
		Replicas: replicas,
	}
}

// HostgroupIDs returns the configured hostgroup ids in ascending order
func (c *Config) HostgroupIDs() []uint32 {
	ids := make([]uint32, 0, len(c.Hostgroups))
	for id := range c.Hostgroups {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
