package main

import (
	"errors"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"time"

	"corechain/debug"
	"corechain/p2p"
	"corechain/protocol/params"

	flags "github.com/jessevdk/go-flags"
)

const (
	defaultMaxInbound     = 64
	defaultMaxOutbound    = 16
	defaultExpireInterval = time.Minute
)

// reorgConfig bounds how far the chain may be rewound.
type reorgConfig struct {
	MaxDepth uint64 `long:"maxdepth" description:"Deepest reorganization accepted without applying --reorg.policy"`
	Policy   string `long:"policy" description:"What to do with deeper reorganizations" choice:"reject" choice:"warn"`
}

type mempoolConfig struct {
	MaxSize    int           `long:"maxsize" description:"Maximum number of pooled transactions"`
	MaxBytes   int           `long:"maxbytes" description:"Maximum total serialized size of the pool in bytes"`
	MinFeeRate float64       `long:"minfeerate" description:"Minimum fee per byte accepted into the pool"`
	Expiry     time.Duration `long:"expiry" description:"How long a transaction may wait in the pool"`
}

type miningConfig struct {
	Enable       bool   `long:"enable" description:"Run the built-in CPU miner"`
	Threads      int    `long:"threads" description:"Number of mining threads"`
	Address      string `long:"addr" description:"Address receiving block rewards"`
	WithoutPeers bool   `long:"withoutpeers" description:"Mine even when no peer is connected"`
}

type metricsConfig struct {
	Listen string `long:"listen" description:"Address of the Prometheus exporter (empty disables it)"`
}

type lockTraceConfig struct {
	Enable  bool          `long:"enable" description:"Log chain lock wait and hold times at LOCK=debug"`
	MinWait time.Duration `long:"minwait" description:"Only log acquisitions that waited at least this long"`
	MinHold time.Duration `long:"minhold" description:"Only log releases of locks held at least this long"`
}

// config defines the configuration options for corechaind.
//
// See loadConfig for details on the configuration load process.
type config struct {
	ShowVersion bool   `short:"V" long:"version" description:"Display version information and exit"`
	ConfigFile  string `short:"C" long:"configfile" description:"Path to configuration file"`
	DataDir     string `short:"b" long:"datadir" description:"The directory to store chain data within"`
	LogDir      string `long:"logdir" description:"Directory to log output"`

	MaxLogFiles    int    `long:"maxlogfiles" description:"Maximum logfiles to keep (0 for no rotation)"`
	MaxLogFileSize int    `long:"maxlogfilesize" description:"Maximum logfile size in MB"`
	DebugLevel     string `short:"d" long:"debuglevel" description:"Logging level for all subsystems {trace, debug, info, warn, error, critical} -- You may also specify <subsystem>=<level>,<subsystem2>=<level>,... to set the log level for individual subsystems -- Use show to list available subsystems"`

	RegTest bool `long:"regtest" description:"Use the regression test network"`

	Listeners   []string `long:"listen" description:"Add a multiaddr to listen for peer connections"`
	Seeds       []string `long:"seed" description:"Add a seed peer multiaddr (with /p2p/ suffix)"`
	AddPeers    []string `long:"addpeer" description:"Add a peer multiaddr to connect with at startup, lifting any ban on it"`
	NoNetwork   bool     `long:"nonetwork" description:"Do not start the P2P node"`
	MaxInbound  int      `long:"maxinbound" description:"Maximum inbound peer connections"`
	MaxOutbound int      `long:"maxoutbound" description:"Maximum outbound peer connections"`

	Reorg     reorgConfig     `group:"reorg" namespace:"reorg"`
	Mempool   mempoolConfig   `group:"mempool" namespace:"mempool"`
	Mining    miningConfig    `group:"mining" namespace:"mining"`
	Metrics   metricsConfig   `group:"metrics" namespace:"metrics"`
	LockTrace lockTraceConfig `group:"locktrace" namespace:"locktrace"`

	// The following are derived in validateConfig.
	params      *params.ChainParams
	reorgPolicy ReorgPolicy
}

// defaultConfig returns all default values for the config struct.
func defaultConfig() config {
	mp := DefaultMempoolConfig()

	return config{
		ConfigFile:     DefaultConfigFilename,
		DataDir:        DefaultDataDirname,
		MaxLogFiles:    DefaultMaxLogFiles,
		MaxLogFileSize: DefaultMaxLogFileSize,
		DebugLevel:     DefaultDebugLevel,
		Listeners:      []string{DefaultListenAddr},
		MaxInbound:     defaultMaxInbound,
		MaxOutbound:    defaultMaxOutbound,
		Reorg: reorgConfig{
			MaxDepth: DefaultReorgMaxDepth,
			Policy:   DefaultReorgPolicy,
		},
		Mempool: mempoolConfig{
			MaxSize:    mp.MaxSize,
			MaxBytes:   mp.MaxSizeBytes,
			MinFeeRate: mp.MinFeeRate,
			Expiry:     mp.ExpirationTime,
		},
		Mining: miningConfig{
			Threads: 1,
		},
		Metrics: metricsConfig{
			Listen: DefaultMetricsListen,
		},
		LockTrace: lockTraceConfig{
			MinWait: time.Millisecond,
			MinHold: 5 * time.Millisecond,
		},
	}
}

// loadConfig initializes and parses the config using a config file and
// command line options.
//
// The configuration proceeds as follows:
//  1. Start with a default config with sane settings
//  2. Pre-parse the command line to check for an alternative config file
//  3. Load configuration file overwriting defaults with any specified options
//  4. Parse CLI options and overwrite/add any specified options
func loadConfig() (*config, error) {
	preCfg := defaultConfig()
	if _, err := flags.Parse(&preCfg); err != nil {
		return nil, err
	}

	appName := filepath.Base(os.Args[0])
	appName = strings.TrimSuffix(appName, filepath.Ext(appName))
	if preCfg.ShowVersion {
		fmt.Println(appName, "version", Version)
		os.Exit(0)
	}

	// Unless given explicitly, the config file lives in the data dir.
	configFilePath := cleanAndExpandPath(preCfg.ConfigFile)
	if preCfg.ConfigFile == DefaultConfigFilename {
		configFilePath = filepath.Join(cleanAndExpandPath(preCfg.DataDir), DefaultConfigFilename)
	}

	var configFileError error
	cfg := preCfg
	if err := flags.IniParse(configFilePath, &cfg); err != nil {
		// A missing file is fine, a malformed one is not.
		var iniErr *flags.IniError
		if errors.As(err, &iniErr) {
			return nil, err
		}
		configFileError = err
	}

	// Command line options take precedence over the file.
	if _, err := flags.Parse(&cfg); err != nil {
		return nil, err
	}

	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}

	if configFileError != nil {
		dmonLog.Debugf("No config file loaded: %v", configFileError)
	}
	return &cfg, nil
}

// validateConfig checks option values and fills the derived fields. Paths
// are expanded and the data and log directories are moved under the network
// name.
func validateConfig(cfg *config) error {
	cfg.params = &params.MainNetParams
	if cfg.RegTest {
		cfg.params = &params.RegTestParams
	}

	cfg.DataDir = filepath.Join(cleanAndExpandPath(cfg.DataDir), cfg.params.Name)
	if cfg.LogDir == "" {
		cfg.LogDir = filepath.Join(cfg.DataDir, "logs")
	}
	cfg.LogDir = cleanAndExpandPath(cfg.LogDir)

	if cfg.DebugLevel == "show" {
		fmt.Println("Supported subsystems", supportedSubsystems())
		os.Exit(0)
	}
	if err := parseAndSetDebugLevels(cfg.DebugLevel); err != nil {
		return err
	}

	policy, err := ParseReorgPolicy(cfg.Reorg.Policy)
	if err != nil {
		return err
	}
	cfg.reorgPolicy = policy

	switch {
	case cfg.MaxInbound < 0 || cfg.MaxOutbound < 0:
		return fmt.Errorf("peer limits must not be negative")
	case cfg.Mempool.MaxSize <= 0 || cfg.Mempool.MaxBytes <= 0:
		return fmt.Errorf("mempool limits must be positive")
	case cfg.Mempool.MinFeeRate < 0:
		return fmt.Errorf("mempool.minfeerate must not be negative")
	case cfg.Mining.Threads < 1:
		return fmt.Errorf("mining.threads must be at least 1")
	}

	if cfg.Mining.Enable {
		if cfg.Mining.Address == "" {
			return fmt.Errorf("mining.enable requires mining.addr")
		}
		if err := Address(cfg.Mining.Address).Validate(); err != nil {
			return fmt.Errorf("invalid mining.addr: %w", err)
		}
	}

	debug.Configure(debug.TraceConfig{
		Enabled: cfg.LockTrace.Enable,
		MinWait: cfg.LockTrace.MinWait,
		MinHold: cfg.LockTrace.MinHold,
	})

	return nil
}

// daemonConfig translates the parsed options.
func (cfg *config) daemonConfig() DaemonConfig {
	dc := DefaultDaemonConfig()
	dc.Params = cfg.params
	dc.DataDir = cfg.DataDir
	dc.ReorgMaxDepth = cfg.Reorg.MaxDepth
	dc.ReorgPolicy = cfg.reorgPolicy
	dc.MetricsListen = cfg.Metrics.Listen
	dc.ExpireInterval = defaultExpireInterval

	dc.Mempool = MempoolConfig{
		MaxSize:        cfg.Mempool.MaxSize,
		MaxSizeBytes:   cfg.Mempool.MaxBytes,
		MinFeeRate:     cfg.Mempool.MinFeeRate,
		ExpirationTime: cfg.Mempool.Expiry,
	}

	dc.Miner = MinerConfig{
		Address: Address(cfg.Mining.Address),
		Threads: cfg.Mining.Threads,
	}
	if cfg.Mining.WithoutPeers {
		dc.Miner.PeerCount = func() int { return 1 }
	}

	dc.EnableNetwork = !cfg.NoNetwork
	nodeCfg := p2p.DefaultNodeConfig()
	nodeCfg.ListenAddrs = cfg.Listeners
	nodeCfg.SeedNodes = cfg.Seeds
	nodeCfg.AddPeers = cfg.AddPeers
	nodeCfg.MaxInbound = cfg.MaxInbound
	nodeCfg.MaxOutbound = cfg.MaxOutbound
	nodeCfg.IdentityPath = filepath.Join(cfg.DataDir, DefaultIdentityFilename)
	nodeCfg.UserAgent = "corechain/" + Version
	dc.Node = nodeCfg

	return dc
}

// cleanAndExpandPath expands environment variables and leading ~ in the
// passed path, cleans the result, and returns it.
func cleanAndExpandPath(path string) string {
	if path == "" {
		return ""
	}

	// Expand initial ~ to OS specific home directory.
	if strings.HasPrefix(path, "~") {
		var homeDir string
		u, err := user.Current()
		if err == nil {
			homeDir = u.HomeDir
		} else {
			homeDir = os.Getenv("HOME")
		}

		path = strings.Replace(path, "~", homeDir, 1)
	}

	return filepath.Clean(os.ExpandEnv(path))
}
