package config

import (
	"encoding/json"
	"path"
	"strings"
	"sync"

	"github.com/go-ini/ini"
	"github.com/pkg/errors"

	"github.com/gorcnet/gorc/engine/consts"
	"github.com/gorcnet/gorc/engine/gorclog"
)

const (
	_DEFAULT_CONFIG_FILE = "gorc.ini"
	_DEFAULT_LOG_LEVEL   = "debug"
)

var (
	configFilePath = _DEFAULT_CONFIG_FILE
	gorcConfig     *GorcConfig
	configLock     sync.Mutex
)

// WorldConfig defines fields of the world section
type WorldConfig struct {
	TickIntervalMS int
	LogFile        string
	LogStderr      bool
	LogLevel       string
	GoMaxProcs     int
}

// ReplicationConfig defines the tunables of the subscription/encode path.
// These are the parameters the replication design leaves open on purpose:
// they must come from configuration, never from code.
type ReplicationConfig struct {
	HysteresisMargin         float64
	ResyncIntervalTicks      int
	InterestPromoteThreshold float64
	InterestDemoteThreshold  float64
	InterestWeight           float64
	ProximityWeight          float64
	RelationshipTier         int
}

// SpatialConfig defines fields of the spatial index config
type SpatialConfig struct {
	CellCapacity   int
	MergeOccupancy int
	MaxDepth       int
	WorldExtent    float64
}

// DispatchConfig defines fields of the channel dispatcher config
type DispatchConfig struct {
	OutboundQueueLen  int
	PassBudgetBytes   int
	CompressFormat    string
	CompressThreshold int
}

// GorcConfig defines the total gorc config file structure
type GorcConfig struct {
	World       WorldConfig
	Replication ReplicationConfig
	Spatial     SpatialConfig
	Dispatch    DispatchConfig
}

// SetConfigFile sets the config file path (gorc.ini by default)
func SetConfigFile(f string) {
	configFilePath = f
}

// GetConfigDir returns the directory of gorc.ini
func GetConfigDir() string {
	dir, _ := path.Split(configFilePath)
	return dir
}

// GetConfigFilePath returns the config file path
func GetConfigFilePath() string {
	return configFilePath
}

// Get returns the total gorc config
func Get() *GorcConfig {
	configLock.Lock()
	defer configLock.Unlock() // protect concurrent access from world & transport goroutines
	if gorcConfig == nil {
		gorcConfig = readGorcConfig()
	}
	return gorcConfig
}

// Reload forces gorc to reload the whole config
func Reload() *GorcConfig {
	configLock.Lock()
	gorcConfig = nil
	configLock.Unlock()

	return Get()
}

// Default returns a config carrying only the built-in defaults, without
// touching the filesystem. Used by tests and by embedders that configure
// everything through code.
func Default() *GorcConfig {
	config := &GorcConfig{}
	setWorldDefaults(&config.World)
	setReplicationDefaults(&config.Replication)
	setSpatialDefaults(&config.Spatial)
	setDispatchDefaults(&config.Dispatch)
	return config
}

// DumpPretty format config to string in pretty format
func DumpPretty(cfg interface{}) string {
	s, err := json.MarshalIndent(cfg, "", "    ")
	if err != nil {
		return err.Error()
	}
	return string(s)
}

func readGorcConfig() *GorcConfig {
	config := Default()
	gorclog.Infof("Using config file: %s", configFilePath)
	iniFile, err := ini.Load(configFilePath)
	checkConfigError(err, "")

	for _, sec := range iniFile.Sections() {
		secName := strings.ToLower(sec.Name())
		switch secName {
		case "default":
			continue
		case "world":
			readWorldConfig(sec, &config.World)
		case "replication":
			readReplicationConfig(sec, &config.Replication)
		case "spatial":
			readSpatialConfig(sec, &config.Spatial)
		case "dispatch":
			readDispatchConfig(sec, &config.Dispatch)
		default:
			gorclog.Errorf("unknown section: %s", secName)
		}
	}

	checkConfigError(Validate(config), "")
	return config
}

func setWorldDefaults(wc *WorldConfig) {
	wc.TickIntervalMS = int(consts.DEFAULT_TICK_INTERVAL.Milliseconds())
	wc.LogFile = ""
	wc.LogStderr = true
	wc.LogLevel = _DEFAULT_LOG_LEVEL
	wc.GoMaxProcs = 0
}

func readWorldConfig(sec *ini.Section, wc *WorldConfig) {
	for _, key := range sec.Keys() {
		name := strings.ToLower(key.Name())
		if name == "tick_interval_ms" {
			wc.TickIntervalMS = key.MustInt(wc.TickIntervalMS)
		} else if name == "log_file" {
			wc.LogFile = key.MustString(wc.LogFile)
		} else if name == "log_stderr" {
			wc.LogStderr = key.MustBool(wc.LogStderr)
		} else if name == "log_level" {
			wc.LogLevel = key.MustString(wc.LogLevel)
		} else if name == "gomaxprocs" {
			wc.GoMaxProcs = key.MustInt(wc.GoMaxProcs)
		} else {
			gorclog.Panicf("section %s has unknown key: %s", sec.Name(), key.Name())
		}
	}
}

func setReplicationDefaults(rc *ReplicationConfig) {
	rc.HysteresisMargin = consts.DEFAULT_HYSTERESIS_MARGIN
	rc.ResyncIntervalTicks = consts.DEFAULT_RESYNC_INTERVAL_TICKS
	rc.InterestPromoteThreshold = consts.DEFAULT_INTEREST_PROMOTE_THRESHOLD
	rc.InterestDemoteThreshold = consts.DEFAULT_INTEREST_DEMOTE_THRESHOLD
	rc.InterestWeight = 0.6
	rc.ProximityWeight = 0.4
	rc.RelationshipTier = 2
}

func readReplicationConfig(sec *ini.Section, rc *ReplicationConfig) {
	for _, key := range sec.Keys() {
		name := strings.ToLower(key.Name())
		if name == "hysteresis_margin" {
			rc.HysteresisMargin = key.MustFloat64(rc.HysteresisMargin)
		} else if name == "resync_interval_ticks" {
			rc.ResyncIntervalTicks = key.MustInt(rc.ResyncIntervalTicks)
		} else if name == "interest_promote_threshold" {
			rc.InterestPromoteThreshold = key.MustFloat64(rc.InterestPromoteThreshold)
		} else if name == "interest_demote_threshold" {
			rc.InterestDemoteThreshold = key.MustFloat64(rc.InterestDemoteThreshold)
		} else if name == "interest_weight" {
			rc.InterestWeight = key.MustFloat64(rc.InterestWeight)
		} else if name == "proximity_weight" {
			rc.ProximityWeight = key.MustFloat64(rc.ProximityWeight)
		} else if name == "relationship_tier" {
			rc.RelationshipTier = key.MustInt(rc.RelationshipTier)
		} else {
			gorclog.Panicf("section %s has unknown key: %s", sec.Name(), key.Name())
		}
	}
}

func setSpatialDefaults(sc *SpatialConfig) {
	sc.CellCapacity = consts.DEFAULT_SPATIAL_CELL_CAPACITY
	sc.MergeOccupancy = consts.DEFAULT_SPATIAL_MERGE_OCCUPANCY
	sc.MaxDepth = consts.DEFAULT_SPATIAL_MAX_DEPTH
	sc.WorldExtent = consts.DEFAULT_WORLD_EXTENT
}

func readSpatialConfig(sec *ini.Section, sc *SpatialConfig) {
	for _, key := range sec.Keys() {
		name := strings.ToLower(key.Name())
		if name == "cell_capacity" {
			sc.CellCapacity = key.MustInt(sc.CellCapacity)
		} else if name == "merge_occupancy" {
			sc.MergeOccupancy = key.MustInt(sc.MergeOccupancy)
		} else if name == "max_depth" {
			sc.MaxDepth = key.MustInt(sc.MaxDepth)
		} else if name == "world_extent" {
			sc.WorldExtent = key.MustFloat64(sc.WorldExtent)
		} else {
			gorclog.Panicf("section %s has unknown key: %s", sec.Name(), key.Name())
		}
	}
}

func setDispatchDefaults(dc *DispatchConfig) {
	dc.OutboundQueueLen = consts.DEFAULT_OUTBOUND_QUEUE_LEN
	dc.PassBudgetBytes = consts.DEFAULT_PASS_BUDGET_BYTES
	dc.CompressFormat = "snappy"
	dc.CompressThreshold = consts.PACKET_PAYLOAD_COMPRESS_THRESHOLD
}

func readDispatchConfig(sec *ini.Section, dc *DispatchConfig) {
	for _, key := range sec.Keys() {
		name := strings.ToLower(key.Name())
		if name == "outbound_queue_len" {
			dc.OutboundQueueLen = key.MustInt(dc.OutboundQueueLen)
		} else if name == "pass_budget_bytes" {
			dc.PassBudgetBytes = key.MustInt(dc.PassBudgetBytes)
		} else if name == "compress_format" {
			dc.CompressFormat = key.MustString(dc.CompressFormat)
		} else if name == "compress_threshold" {
			dc.CompressThreshold = key.MustInt(dc.CompressThreshold)
		} else {
			gorclog.Panicf("section %s has unknown key: %s", sec.Name(), key.Name())
		}
	}
}

// Validate checks a config for contradictions. Configuration errors are fatal
// at load time, before any pass loop runs.
func Validate(config *GorcConfig) error {
	rc := &config.Replication
	if rc.HysteresisMargin <= 0 {
		return errors.Errorf("config: hysteresis_margin must be > 0, got %v", rc.HysteresisMargin)
	}
	if rc.ResyncIntervalTicks <= 0 {
		return errors.Errorf("config: resync_interval_ticks must be > 0, got %v", rc.ResyncIntervalTicks)
	}
	if rc.InterestDemoteThreshold >= rc.InterestPromoteThreshold {
		return errors.Errorf("config: interest_demote_threshold (%v) must be below interest_promote_threshold (%v)",
			rc.InterestDemoteThreshold, rc.InterestPromoteThreshold)
	}

	sc := &config.Spatial
	if sc.CellCapacity <= 1 {
		return errors.Errorf("config: cell_capacity must be > 1, got %d", sc.CellCapacity)
	}
	if sc.MergeOccupancy >= sc.CellCapacity {
		// equal thresholds would split and merge repeatedly at one boundary
		return errors.Errorf("config: merge_occupancy (%d) must be below cell_capacity (%d)",
			sc.MergeOccupancy, sc.CellCapacity)
	}
	if sc.WorldExtent <= 0 {
		return errors.Errorf("config: world_extent must be > 0, got %v", sc.WorldExtent)
	}

	dc := &config.Dispatch
	if dc.OutboundQueueLen <= 0 {
		return errors.Errorf("config: outbound_queue_len must be > 0, got %d", dc.OutboundQueueLen)
	}
	if dc.PassBudgetBytes <= 0 {
		return errors.Errorf("config: pass_budget_bytes must be > 0, got %d", dc.PassBudgetBytes)
	}
	switch strings.ToLower(dc.CompressFormat) {
	case "none", "snappy", "flate":
	default:
		return errors.Errorf("config: unknown compress_format: %s", dc.CompressFormat)
	}
	return nil
}

func checkConfigError(err error, msg string) {
	if err != nil {
		if msg == "" {
			msg = err.Error()
		}
		gorclog.Panicf("read config error: %s", msg)
	}
}
