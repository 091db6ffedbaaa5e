// Copyright 2019 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pingcap-incubator/tinybalance/pkg/typeutil"
	"github.com/pingcap-incubator/tinybalance/server/core"
	"github.com/pingcap/log"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config is the balance server configuration.
type Config struct {
	*flag.FlagSet `json:"-"`

	Version bool `json:"-"`

	Name   string `toml:"name" json:"name"`
	NodeID string `toml:"node-id" json:"node-id"`
	RackID uint32 `toml:"rack-id" json:"rack-id"`

	DataDir  string `toml:"data-dir" json:"data-dir"`
	InfoAddr string `toml:"info-addr" json:"info-addr"`
	APIAddr  string `toml:"api-addr" json:"api-addr"`

	// TickerInterval is the period of the stats log line.
	TickerInterval typeutil.Duration `toml:"ticker-interval" json:"ticker-interval"`

	// Log related config.
	Log log.Config `toml:"log" json:"log"`

	Migration MigrationConfig `toml:"migration" json:"migration"`

	Namespaces []NamespaceConfig `toml:"namespace" json:"namespace"`

	configFile string

	logger   *zap.Logger
	logProps *log.ZapProperties
}

// MigrationConfig tunes the migration engine.
type MigrationConfig struct {
	// Threads is the emigration worker pool size.
	Threads int `toml:"threads" json:"threads"`
	// MaxIncoming caps concurrently active inbound sessions; excess
	// starts are answered with eagain.
	MaxIncoming int `toml:"max-incoming" json:"max-incoming"`
	// FillDelay postpones emigrations toward nodes that held no copy,
	// so a transiently absent node can return without churn.
	FillDelay typeutil.Duration `toml:"fill-delay" json:"fill-delay"`
	// RetransmitInterval is the unacked-message resend period.
	RetransmitInterval typeutil.Duration `toml:"retransmit-interval" json:"retransmit-interval"`
	// RecordsPerSecond throttles record shipping, 0 means unlimited.
	RecordsPerSecond int64 `toml:"records-per-second" json:"records-per-second"`
	// AppealRetransmitInterval is the appeal resend period.
	AppealRetransmitInterval typeutil.Duration `toml:"appeal-retransmit-interval" json:"appeal-retransmit-interval"`
}

// NamespaceConfig declares one namespace.
type NamespaceConfig struct {
	Name              string `toml:"name" json:"name"`
	Partitions        uint32 `toml:"partitions" json:"partitions"`
	ReplicationFactor int    `toml:"replication-factor" json:"replication-factor"`
	StrongConsistency bool   `toml:"strong-consistency" json:"strong-consistency"`
	// PreferUniformBalance spreads masters evenly instead of following
	// the hash order.
	PreferUniformBalance bool `toml:"prefer-uniform-balance" json:"prefer-uniform-balance"`
	// MigrateOrder ranks this namespace against others when migration
	// workers are contended; lower runs first.
	MigrateOrder int `toml:"migrate-order" json:"migrate-order"`
	// AdoptRosterOnExchange adopts a durably staged pending roster at
	// the next view change instead of waiting for an explicit recluster.
	AdoptRosterOnExchange bool `toml:"adopt-roster-on-exchange" json:"adopt-roster-on-exchange"`

	// StayQuiesced starts the node quiesced for this namespace and keeps
	// it quiesced across restarts.
	StayQuiesced bool `toml:"stay-quiesced" json:"stay-quiesced"`
}

// NewConfig creates a new config.
func NewConfig() *Config {
	cfg := &Config{}
	cfg.FlagSet = flag.NewFlagSet("balance", flag.ContinueOnError)
	fs := cfg.FlagSet

	fs.BoolVar(&cfg.Version, "V", false, "print version information and exit")
	fs.BoolVar(&cfg.Version, "version", false, "print version information and exit")
	fs.StringVar(&cfg.configFile, "config", "", "Config file")

	fs.StringVar(&cfg.Name, "name", "", "human-readable name for this member")
	fs.StringVar(&cfg.NodeID, "node-id", "", "node id as hex (default derived from the name)")
	fs.StringVar(&cfg.DataDir, "data-dir", "", "path to the data directory (default 'default.${name}')")
	fs.StringVar(&cfg.InfoAddr, "info-addr", defaultInfoAddr, "listen address for the admin text protocol")
	fs.StringVar(&cfg.APIAddr, "api-addr", defaultAPIAddr, "listen address for the HTTP API")

	fs.StringVar(&cfg.Log.Level, "L", "", "log level: debug, info, warn, error, fatal (default 'info')")
	fs.StringVar(&cfg.Log.File.Filename, "log-file", "", "log file path")

	return cfg
}

const (
	defaultName     = "balance"
	defaultInfoAddr = "127.0.0.1:3003"
	defaultAPIAddr  = "127.0.0.1:3080"

	defaultTickerInterval = 10 * time.Second

	defaultPartitions        = uint32(4096)
	defaultReplicationFactor = 2

	defaultMigrateThreads      = 1
	defaultMaxIncoming         = 4
	defaultRetransmitInterval  = 5 * time.Second
	defaultAppealRetransmitInt = time.Second
)

func adjustString(v *string, defValue string) {
	if len(*v) == 0 {
		*v = defValue
	}
}

func adjustInt(v *int, defValue int) {
	if *v == 0 {
		*v = defValue
	}
}

func adjustUint32(v *uint32, defValue uint32) {
	if *v == 0 {
		*v = defValue
	}
}

func adjustDuration(v *typeutil.Duration, defValue time.Duration) {
	if v.Duration == 0 {
		v.Duration = defValue
	}
}

// Parse parses flag definitions from the argument list.
func (c *Config) Parse(arguments []string) error {
	// Parse first to get config file.
	err := c.FlagSet.Parse(arguments)
	if err != nil {
		return errors.WithStack(err)
	}

	var meta *toml.MetaData
	if c.configFile != "" {
		meta, err = c.configFromFile(c.configFile)
		if err != nil {
			return err
		}
	}

	// Parse again to replace with command line options.
	err = c.FlagSet.Parse(arguments)
	if err != nil {
		return errors.WithStack(err)
	}

	if len(c.FlagSet.Args()) != 0 {
		return errors.Errorf("'%s' is an invalid flag", c.FlagSet.Arg(0))
	}

	return c.Adjust(meta)
}

// Adjust fills defaults and validates the result.
func (c *Config) Adjust(meta *toml.MetaData) error {
	if meta != nil {
		if undecoded := meta.Undecoded(); len(undecoded) != 0 {
			return errors.Errorf("config contains undefined item: %s", undecoded[0].String())
		}
	}

	if c.Name == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return errors.WithStack(err)
		}
		adjustString(&c.Name, fmt.Sprintf("%s-%s", defaultName, hostname))
	}
	adjustString(&c.DataDir, fmt.Sprintf("default.%s", c.Name))
	adjustString(&c.InfoAddr, defaultInfoAddr)
	adjustString(&c.APIAddr, defaultAPIAddr)
	adjustDuration(&c.TickerInterval, defaultTickerInterval)

	adjustInt(&c.Migration.Threads, defaultMigrateThreads)
	adjustInt(&c.Migration.MaxIncoming, defaultMaxIncoming)
	adjustDuration(&c.Migration.RetransmitInterval, defaultRetransmitInterval)
	adjustDuration(&c.Migration.AppealRetransmitInterval, defaultAppealRetransmitInt)

	seen := make(map[string]struct{}, len(c.Namespaces))
	for i := range c.Namespaces {
		ns := &c.Namespaces[i]
		if ns.Name == "" {
			return errors.New("namespace with empty name")
		}
		if _, dup := seen[ns.Name]; dup {
			return errors.Errorf("namespace %q declared twice", ns.Name)
		}
		seen[ns.Name] = struct{}{}
		adjustUint32(&ns.Partitions, defaultPartitions)
		adjustInt(&ns.ReplicationFactor, defaultReplicationFactor)
	}

	return c.Validate()
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.NodeID != "" {
		if _, err := core.ParseNodeID(c.NodeID); err != nil {
			return errors.Wrapf(err, "node-id %q", c.NodeID)
		}
	}
	if c.Migration.Threads < 0 || c.Migration.MaxIncoming < 0 {
		return errors.New("migration thread counts must not be negative")
	}
	if c.Migration.RecordsPerSecond < 0 {
		return errors.New("records-per-second must not be negative")
	}
	for _, ns := range c.Namespaces {
		if ns.ReplicationFactor < 1 {
			return errors.Errorf("namespace %q: replication factor must be at least 1", ns.Name)
		}
	}
	return nil
}

// LocalNodeID resolves this member's node id: the configured hex id, or
// a hash of the member name when none is set.
func (c *Config) LocalNodeID() core.NodeID {
	if c.NodeID != "" {
		id, err := core.ParseNodeID(c.NodeID)
		if err == nil {
			return id
		}
	}
	return core.DeriveNodeID(c.Name)
}

// NamespaceOptions converts one namespace block to core options.
func (n NamespaceConfig) NamespaceOptions() core.NamespaceOptions {
	return core.NamespaceOptions{
		Name:                  n.Name,
		Partitions:            n.Partitions,
		ReplicationFactor:     n.ReplicationFactor,
		StrongConsistency:     n.StrongConsistency,
		PreferUniformBalance:  n.PreferUniformBalance,
		MigrateOrder:          n.MigrateOrder,
		AdoptRosterOnExchange: n.AdoptRosterOnExchange,
		StayQuiesced:          n.StayQuiesced,
	}
}

// Clone returns a cloned configuration.
func (c *Config) Clone() *Config {
	cfg := &Config{}
	*cfg = *c
	cfg.Namespaces = append([]NamespaceConfig(nil), c.Namespaces...)
	return cfg
}

func (c *Config) String() string {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return "<nil>"
	}
	return string(data)
}

// configFromFile loads config from file.
func (c *Config) configFromFile(path string) (*toml.MetaData, error) {
	meta, err := toml.DecodeFile(path, c)
	return &meta, errors.WithStack(err)
}

// SetupLogger setup the logger.
func (c *Config) SetupLogger() error {
	lg, p, err := log.InitLogger(&c.Log, zap.AddStacktrace(zapcore.FatalLevel))
	if err != nil {
		return err
	}
	c.logger = lg
	c.logProps = p
	return nil
}

// GetZapLogger gets the created zap logger.
func (c *Config) GetZapLogger() *zap.Logger {
	return c.logger
}

// GetZapLogProperties gets properties of the zap logger.
func (c *Config) GetZapLogProperties() *log.ZapProperties {
	return c.logProps
}
