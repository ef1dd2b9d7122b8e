package config

import (
	"fmt"

	"github.com/spf13/viper"
)

// StorageConfig selects and parameterizes the annotation storage backend.
type StorageConfig struct {
	Type     string         `json:"type" mapstructure:"type"`
	JSONFile JSONFileConfig `json:"jsonfile" mapstructure:"jsonfile"`
	SQLite   SQLiteConfig   `json:"sqlite" mapstructure:"sqlite"`
}

// JSONFileConfig holds file-backed storage settings. Each bridge folder
// keeps its annotations under <dataDir>/<folder>/annotations/.
type JSONFileConfig struct {
	DataDir string `json:"dataDir" mapstructure:"dataDir"`
}

// SQLiteConfig holds local database storage settings.
type SQLiteConfig struct {
	Path string `json:"path" mapstructure:"path"`
}

// InfluxConfig holds the metrics sink settings.
type InfluxConfig struct {
	Enabled   bool   `json:"enabled" mapstructure:"enabled"`
	Host      string `json:"host" mapstructure:"host"`
	Port      string `json:"port" mapstructure:"port"`
	Protocol  string `json:"protocol" mapstructure:"protocol"`
	Token     string `json:"token" mapstructure:"token"`
	Org       string `json:"org" mapstructure:"org"`
	BackupDir string `json:"backupDir" mapstructure:"backupDir"`
}

// Load reads configuration from JSON file and sets default values.
// configDir is the directory containing the config file.
func Load(configDir string) error {
	// Set default values
	viper.SetDefault("logLevel", "info")
	viper.SetDefault("logsDir", "./logs")

	viper.SetDefault("server.listenAddr", ":8080")
	viper.SetDefault("server.staticDir", "./web")
	viper.SetDefault("server.readOnly", false)

	viper.SetDefault("bridge.default", "bridge1_20241103")

	viper.SetDefault("storage.type", "jsonfile")
	viper.SetDefault("storage.jsonfile.dataDir", "./data")
	viper.SetDefault("storage.sqlite.path", "./data/annotations.db")

	viper.SetDefault("db.host", "localhost")
	viper.SetDefault("db.port", "5432")
	viper.SetDefault("db.username", "postgres")
	viper.SetDefault("db.password", "postgres")
	viper.SetDefault("db.database", "annotator")

	viper.SetDefault("influx.enabled", false)
	viper.SetDefault("influx.host", "localhost")
	viper.SetDefault("influx.port", "8086")
	viper.SetDefault("influx.protocol", "http")
	viper.SetDefault("influx.token", "")
	viper.SetDefault("influx.org", "annotator-metrics")
	viper.SetDefault("influx.backupDir", "./logs")

	viper.SetDefault("graylog.enabled", false)
	viper.SetDefault("graylog.address", "localhost:12201")

	viper.SetConfigName("annotator.cfg.json")
	viper.AddConfigPath(configDir)
	viper.SetConfigType("json")

	err := viper.ReadInConfig()
	if err != nil {
		return fmt.Errorf("error reading config file: %v", err)
	}

	return nil
}

// GetStorageConfig returns the storage backend configuration.
func GetStorageConfig() StorageConfig {
	return StorageConfig{
		Type: viper.GetString("storage.type"),
		JSONFile: JSONFileConfig{
			DataDir: viper.GetString("storage.jsonfile.dataDir"),
		},
		SQLite: SQLiteConfig{
			Path: viper.GetString("storage.sqlite.path"),
		},
	}
}

// GetInfluxConfig returns the metrics sink configuration.
func GetInfluxConfig() InfluxConfig {
	return InfluxConfig{
		Enabled:   viper.GetBool("influx.enabled"),
		Host:      viper.GetString("influx.host"),
		Port:      viper.GetString("influx.port"),
		Protocol:  viper.GetString("influx.protocol"),
		Token:     viper.GetString("influx.token"),
		Org:       viper.GetString("influx.org"),
		BackupDir: viper.GetString("influx.backupDir"),
	}
}

// GetString returns a string config value.
func GetString(key string) string {
	return viper.GetString(key)
}

// GetInt returns an int config value.
func GetInt(key string) int {
	return viper.GetInt(key)
}

// GetBool returns a bool config value.
func GetBool(key string) bool {
	return viper.GetBool(key)
}
