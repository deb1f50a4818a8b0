// Package config loads the plugin host's runtime configuration.
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/wislap/N.E.K.O-sub001/errors"
)

// CheckpointMode selects how freezable plugin state is persisted.
type CheckpointMode string

const (
	CheckpointOff      CheckpointMode = "memory"
	CheckpointInterval CheckpointMode = "interval"
	CheckpointAlways   CheckpointMode = "always"
)

// QueueConfig bounds the per-plugin queue depths (§6 Environment).
type QueueConfig struct {
	EventQueueMax     int `mapstructure:"event_queue_max"`
	LifecycleQueueMax int `mapstructure:"lifecycle_queue_max"`
	MessageQueueMax   int `mapstructure:"message_queue_max"`
}

// TimeoutConfig bounds every dispatch/shutdown deadline named in §6.
type TimeoutConfig struct {
	PluginExecution     time.Duration `mapstructure:"plugin_execution_timeout"`
	PluginTrigger       time.Duration `mapstructure:"plugin_trigger_timeout"`
	PluginShutdown      time.Duration `mapstructure:"plugin_shutdown_timeout"`
	PluginShutdownTotal time.Duration `mapstructure:"plugin_shutdown_total_timeout"`
	QueueGet            time.Duration `mapstructure:"queue_get_timeout"`
	ProcessTerminate    time.Duration `mapstructure:"process_terminate_timeout"`
}

// CommunicationConfig bounds the IPC fabric (§4.2).
type CommunicationConfig struct {
	ThreadPoolMaxWorkers int    `mapstructure:"communication_thread_pool_max_workers"`
	MessagePlaneEndpoint string `mapstructure:"message_plane_endpoint"`
	EnvelopeValidation   string `mapstructure:"message_plane_validation"` // off|warn|strict
}

// CheckpointConfig configures the freezable-state persistence backend.
type CheckpointConfig struct {
	PersistMode     CheckpointMode `mapstructure:"checkpoint_persist_mode"`
	PersistInterval time.Duration  `mapstructure:"checkpoint_persist_interval"`
	Dir             string         `mapstructure:"checkpoint_dir"`
}

// RunConfig configures the Run protocol (§6).
type RunConfig struct {
	TokenSecret     string `mapstructure:"run_token_secret"`
	TokenTTL        time.Duration `mapstructure:"run_token_ttl_seconds"`
	BlobUploadMax   int64  `mapstructure:"blob_upload_max_bytes"`
}

// BusConfig configures the event-bus store's capacity limits (§4.3).
type BusConfig struct {
	TopicMaxLen      int `mapstructure:"topic_maxlen"`
	MaxTopicsPerBus  int `mapstructure:"max_topics_per_bus"`
	MaxTopicNameLen  int `mapstructure:"max_topic_name_len"`
	MaxPayloadBytes  int `mapstructure:"max_payload_bytes"`
	TombstoneCap     int `mapstructure:"tombstone_cap"`
}

// DispatchConfig configures the bus subscription dispatcher (§4.4).
type DispatchConfig struct {
	Concurrency        int           `mapstructure:"dispatch_concurrency"`
	PushTimeout         time.Duration `mapstructure:"dispatch_push_timeout"`
	CircuitThreshold    int           `mapstructure:"dispatch_circuit_threshold"`
	CircuitPause        time.Duration `mapstructure:"dispatch_circuit_pause"`
	LogDedupeWindow     time.Duration `mapstructure:"dispatch_log_dedupe_window"`
}

// PluginHostConfig is the top-level configuration for this service,
// following the nested mapstructure-tagged shape of am.Config.
type PluginHostConfig struct {
	Debug         bool                 `mapstructure:"debug"`
	ListenAddr    string               `mapstructure:"listen_addr"`
	PluginPaths   []string             `mapstructure:"plugin_paths"`
	PluginEnabled []string             `mapstructure:"plugin_enabled"`
	Queue         QueueConfig          `mapstructure:"queue"`
	Timeout       TimeoutConfig        `mapstructure:"timeout"`
	Communication CommunicationConfig  `mapstructure:"communication"`
	Checkpoint    CheckpointConfig     `mapstructure:"checkpoint"`
	Run           RunConfig            `mapstructure:"run"`
	Bus           BusConfig            `mapstructure:"bus"`
	Dispatch      DispatchConfig       `mapstructure:"dispatch"`
}

// Default returns the documented defaults for every §6 environment setting.
func Default() *PluginHostConfig {
	return &PluginHostConfig{
		Debug:      false,
		ListenAddr: "127.0.0.1:8765",
		Queue: QueueConfig{
			EventQueueMax:     10000,
			LifecycleQueueMax: 10000,
			MessageQueueMax:   10000,
		},
		Timeout: TimeoutConfig{
			PluginExecution:     30 * time.Second,
			PluginTrigger:       30 * time.Second,
			PluginShutdown:      10 * time.Second,
			PluginShutdownTotal: 60 * time.Second,
			QueueGet:            200 * time.Millisecond,
			ProcessTerminate:    5 * time.Second,
		},
		Communication: CommunicationConfig{
			ThreadPoolMaxWorkers: 16,
			EnvelopeValidation:   "warn",
		},
		Checkpoint: CheckpointConfig{
			PersistMode:     CheckpointInterval,
			PersistInterval: 30 * time.Second,
			Dir:             ".checkpoints",
		},
		Run: RunConfig{
			TokenTTL:      1 * time.Hour,
			BlobUploadMax: 64 << 20,
		},
		Bus: BusConfig{
			TopicMaxLen:     10000,
			MaxTopicsPerBus: 1024,
			MaxTopicNameLen: 256,
			MaxPayloadBytes: 1 << 20,
			TombstoneCap:    20000,
		},
		Dispatch: DispatchConfig{
			Concurrency:      64,
			PushTimeout:      1 * time.Second,
			CircuitThreshold: 3,
			CircuitPause:     5 * time.Second,
			LogDedupeWindow:  3 * time.Second,
		},
	}
}

// Load reads configuration from the environment (prefix NEKO_) and an
// optional file at path, overlaying on top of Default(), following
// am/load.go's viper-based loading pattern.
func Load(path string) (*PluginHostConfig, error) {
	cfg := Default()

	v := viper.New()
	v.SetEnvPrefix("NEKO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrap(err, "failed to read plugin host config file")
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal plugin host config")
	}

	if cfg.Run.TokenSecret == "" {
		cfg.Run.TokenSecret = v.GetString("run_token_secret")
	}

	return cfg, nil
}
