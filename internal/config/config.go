package config

import (
	"encoding/json"
	"errors"
	"os"
)

// StoreForwardConfig mirrors the configuration options recognized by the
// module (spec.md §6).
type StoreForwardConfig struct {
	Enabled              bool   `json:"enabled"`
	IsServer             bool   `json:"is_server"`
	Records              uint32 `json:"records"`
	HistoryReturnMax     uint32 `json:"history_return_max"`
	HistoryReturnWindow  uint32 `json:"history_return_window"`
	Heartbeat            bool   `json:"heartbeat"`
	HeartbeatIntervalSec uint32 `json:"heartbeat_interval_s"`
}

// DiagnosticsConfig configures the optional fleet diagnostics exporter.
type DiagnosticsConfig struct {
	Enabled          bool   `json:"enabled"`
	Host             string `json:"host"`
	Port             uint64 `json:"port"`
	Username         string `json:"username"`
	Password         string `json:"password"`
	Database         string `json:"database"`
	UseTLS           bool   `json:"use_tls"`
	ConnectTimeout   string `json:"connect_timeout"`
	SocketTimeout    string `json:"socket_timeout"`
	OperationTimeout string `json:"operation_timeout"`
	Heartbeat        string `json:"heartbeat"`
	MinPoolSize      uint64 `json:"min_pool_size"`
	MaxPoolSize      uint64 `json:"max_pool_size"`
}

type Config struct {
	StoreForward   StoreForwardConfig `json:"store_forward"`
	Diagnostics    DiagnosticsConfig  `json:"diagnostics"`
	PersistDir     string             `json:"persist_dir"`
	AuxMemoryBytes uint64             `json:"aux_memory_bytes"`
	DebugMode      bool               `json:"debug_mode"`
	AppName        string             `json:"app_name"`
}

var config Config
var initialized = false

func defaultConfig() Config {
	return Config{
		StoreForward: StoreForwardConfig{
			Enabled:              true,
			IsServer:             false,
			Records:              0,
			HistoryReturnMax:     25,
			HistoryReturnWindow:  240,
			Heartbeat:            true,
			HeartbeatIntervalSec: 900,
		},
		PersistDir:     "history",
		AuxMemoryBytes: 1 << 20,
		AppName:        "storeforward-node",
	}
}

func ReadConfig() (Config, error) {
	bytes, err := os.ReadFile("config.json")

	if err != nil {
		config = defaultConfig()
		writer, _ := os.OpenFile("config.json", os.O_RDWR|os.O_CREATE, 0644)
		data, _ := json.MarshalIndent(config, "", "\t")
		_, _ = writer.Write(data)
		_ = writer.Close()
		return config, errors.New("the configuration file does not exist and has been created. Please try again after editing the configuration file")
	}

	err = json.Unmarshal(bytes, &config)

	if err != nil {
		return config, errors.New("the configuration file does not contain valid JSON")
	}

	initialized = true
	return config, nil
}

func GetConfig() (Config, error) {
	if initialized {
		return config, nil
	}
	return ReadConfig()
}
