package types

// CommonConf 包含引擎的并发与端口配置
type CommonConf struct {
	Workers  int `ini:"workers"`   // 端口池大小，也是唯一的并发上限
	BasePort int `ini:"base_port"` // 端口池从该端口开始连续分配
}

// EngineConf 描述外部代理引擎 (xray 兼容) 的启动方式
type EngineConf struct {
	Binary      string `ini:"binary"`
	Args        string `ini:"args"` // {config} 会被替换为临时配置文件路径
	Env         string `ini:"env"`  // 空格分隔的 KEY=VALUE，追加到引擎进程环境变量
	VersionArgs string `ini:"version_args"`
	Inbound     string `ini:"inbound"` // "socks" or "http"
	SettleMs    int    `ini:"settle_ms"`
	StopGraceMs int    `ini:"stop_grace_ms"`
	TempDir     string `ini:"temp_dir"`
}

// ProbeConf controls the latency probe
type ProbeConf struct {
	Target    string `ini:"target"` // host:port, CONNECT 时按域名发送
	TimeoutMs int    `ini:"timeout_ms"`
	Mode      string `ini:"mode"` // "handshake" (default) or "dial"
}

// GeoConf 地理位置查询配置
type GeoConf struct {
	Provider      string `ini:"provider"` // "ipapi", "geoip2" or "none"
	DBPath        string `ini:"db_path"`
	Countries     string `ini:"countries"`
	RatePerMinute int    `ini:"rate_per_minute"`
	TimeoutMs     int    `ini:"timeout_ms"`
}

// LocalConf 包含 Web UI 相关配置
type LocalConf struct {
	WebPort     int    `ini:"web_port"`
	WebUser     string `ini:"web_user"`
	WebPassword string `ini:"web_password"`
}

// StorageConf 文件路径，相对路径以配置目录为基准
type StorageConf struct {
	URLsFile    string `ini:"urls_file"`
	SavedFile   string `ini:"saved_file"`
	ResultsFile string `ini:"results_file"`
}

// HealthConf 控制对已保存服务器的周期性复检
type HealthConf struct {
	IntervalS int `ini:"interval_s"` // 0 disables
}

// LogConf contains logging specific configuration
type LogConf struct {
	Level  string `ini:"level"`
	Format string `ini:"format"`
}

// Config 是项目的统一配置结构体
type Config struct {
	CommonConf  `ini:"common"`
	EngineConf  `ini:"engine"`
	ProbeConf   `ini:"probe"`
	GeoConf     `ini:"geo"`
	LocalConf   `ini:"local"`
	StorageConf `ini:"storage"`
	HealthConf  `ini:"health"`
	LogConf     `ini:"log"`
}

// Default returns a Config populated with the values used when a key is absent from the ini file.
func Default() *Config {
	return &Config{
		CommonConf: CommonConf{Workers: 30, BasePort: 11000},
		EngineConf: EngineConf{
			Binary:      "xray",
			Args:        "run -config {config}",
			VersionArgs: "version",
			Inbound:     "socks",
			SettleMs:    800,
			StopGraceMs: 2000,
		},
		ProbeConf: ProbeConf{Target: "www.google.com:443", TimeoutMs: 5000, Mode: "handshake"},
		GeoConf: GeoConf{
			Provider:      "ipapi",
			Countries:     "countries.json",
			RatePerMinute: 45,
			TimeoutMs:     5000,
		},
		LocalConf: LocalConf{WebPort: 5001},
		StorageConf: StorageConf{
			URLsFile:    "urls.txt",
			SavedFile:   "slist.txt",
			ResultsFile: "results.txt",
		},
		LogConf: LogConf{Level: "info", Format: "console"},
	}
}
