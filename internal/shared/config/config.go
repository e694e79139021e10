package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/ini.v1"

	"liuproxy_validator/internal/shared/types"
)

// LoadIni 加载 validator.ini。文件中缺失的键保留 cfg 中已有的值，
// 因此调用方通常传入 types.Default()。
func LoadIni(cfg *types.Config, fileName string) error {
	iniFile, err := ini.Load(fileName)
	if err != nil {
		return err
	}
	if err := iniFile.MapTo(cfg); err != nil {
		return fmt.Errorf("failed to map %s: %w", fileName, err)
	}
	applyEnv(cfg)
	return Validate(cfg)
}

// Load returns the defaults overlaid with fileName. A missing file is not an error.
func Load(fileName string) (*types.Config, error) {
	cfg := types.Default()
	if _, err := os.Stat(fileName); os.IsNotExist(err) {
		applyEnv(cfg)
		return cfg, Validate(cfg)
	}
	if err := LoadIni(cfg, fileName); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values the engine cannot run with.
func Validate(cfg *types.Config) error {
	if cfg.Workers <= 0 {
		return fmt.Errorf("common.workers must be positive, got %d", cfg.Workers)
	}
	if cfg.BasePort <= 0 || cfg.BasePort+cfg.Workers-1 > 65535 {
		return fmt.Errorf("port range %d..%d is out of bounds", cfg.BasePort, cfg.BasePort+cfg.Workers-1)
	}
	if cfg.EngineConf.Binary == "" {
		return fmt.Errorf("engine.binary is empty")
	}
	if !strings.Contains(cfg.EngineConf.Args, "{config}") {
		return fmt.Errorf("engine.args must contain the {config} placeholder")
	}
	switch cfg.EngineConf.Inbound {
	case "socks", "http":
	default:
		return fmt.Errorf("engine.inbound must be socks or http, got %q", cfg.EngineConf.Inbound)
	}
	if cfg.ProbeConf.TimeoutMs <= 0 {
		return fmt.Errorf("probe.timeout_ms must be positive")
	}
	return nil
}

// ResolvePaths makes relative storage and geo paths relative to configDir.
func ResolvePaths(cfg *types.Config, configDir string) {
	for _, p := range []*string{
		&cfg.StorageConf.URLsFile,
		&cfg.StorageConf.SavedFile,
		&cfg.StorageConf.ResultsFile,
		&cfg.GeoConf.Countries,
		&cfg.GeoConf.DBPath,
	} {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(configDir, *p)
		}
	}
}

func applyEnv(cfg *types.Config) {
	overrideFromEnvString(&cfg.EngineConf.Binary, "ENGINE_BINARY")
	overrideFromEnvInt(&cfg.LocalConf.WebPort, "WEB_PORT")
	overrideFromEnvInt(&cfg.CommonConf.Workers, "VALIDATOR_WORKERS")
	overrideFromEnvString(&cfg.LogConf.Level, "LOG_LEVEL")
}

func overrideFromEnvInt(target *int, envName string) {
	envValue := os.Getenv(envName)
	if envValue != "" {
		if intValue, err := strconv.Atoi(envValue); err == nil {
			*target = intValue
		}
	}
}

func overrideFromEnvString(target *string, envName string) {
	if envValue := os.Getenv(envName); envValue != "" {
		*target = envValue
	}
}
