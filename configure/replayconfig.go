package configure

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"

	"github.com/kr/pretty"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

/*
level: info
api_addr: ":8090"
capture_file: recordings/login.js
capture_dir: recordings
mode: realtime
traffic: auto
autostart: true
jwt:
  secret: ""
*/

type JWT struct {
	Secret    string `mapstructure:"secret" json:"secret"`
	Algorithm string `mapstructure:"algorithm" json:"algorithm"`
}

type ReplayCfg struct {
	Level              string `mapstructure:"level" json:"level"`
	ConfigFile         string `mapstructure:"config_file" json:"config_file"`
	APIAddr            string `mapstructure:"api_addr" json:"api_addr"`
	CaptureFile        string `mapstructure:"capture_file" json:"capture_file"`
	CaptureDir         string `mapstructure:"capture_dir" json:"capture_dir"`
	Mode               string `mapstructure:"mode" json:"mode"`
	Traffic            string `mapstructure:"traffic" json:"traffic"`
	Autostart          bool   `mapstructure:"autostart" json:"autostart"`
	ExitOnFinish       bool   `mapstructure:"exit_on_finish" json:"exit_on_finish"`
	SettleDelayMs      int    `mapstructure:"settle_delay_ms" json:"settle_delay_ms"`
	ProgressIntervalMs int    `mapstructure:"progress_interval_ms" json:"progress_interval_ms"`
	RenderCostUs       int    `mapstructure:"render_cost_us" json:"render_cost_us"`
	RenderQueue        int    `mapstructure:"render_queue" json:"render_queue"`
	SessionTTL         int    `mapstructure:"session_ttl" json:"session_ttl"`
	CaptureCacheTTL    int    `mapstructure:"capture_cache_ttl" json:"capture_cache_ttl"`
	RedisAddr          string `mapstructure:"redis_addr" json:"redis_addr"`
	RedisPwd           string `mapstructure:"redis_pwd" json:"redis_pwd"`
	JWT                JWT    `mapstructure:"jwt" json:"jwt"`
}

// default config
var defaultConf = ReplayCfg{
	Level:              "info",
	ConfigFile:         "rfbreplay.yaml",
	APIAddr:            ":8090",
	CaptureDir:         ".",
	Mode:               "realtime",
	Traffic:            "auto",
	SettleDelayMs:      100,
	ProgressIntervalMs: 1000,
	RenderQueue:        64,
	SessionTTL:         300,
	CaptureCacheTTL:    600,
}

var (
	Config = viper.New()

	// BypassInit can be used to bypass flag and file loading in Load by
	// setting this value to True at compile time.
	//
	// go build -ldflags "-X 'github.com/kokoavailable/rfbreplay/configure.BypassInit=true'" -o rfbreplay main.go
	BypassInit string = ""
)

func initLog() {
	if l, err := log.ParseLevel(Config.GetString("level")); err == nil {
		log.SetLevel(l)
		log.SetReportCaller(l == log.DebugLevel)
	}
}

func init() {
	loadDefaults()
}

// Load layers flags, the config file and the environment over the defaults
// and connects the key store. With BypassInit set only the key store is
// initialized.
func Load() {
	if BypassInit != "" {
		Init()
		return
	}
	initDefault()
}

func loadDefaults() {
	b, _ := json.Marshal(defaultConf)
	defaultConfig := bytes.NewReader(b)
	viper.SetConfigType("json")
	viper.ReadConfig(defaultConfig)
	Config.MergeConfigMap(viper.AllSettings())
}

func initDefault() {
	defer Init()

	// Default config
	// 기본 설정값을 먼저 깔고 그 위에 플래그, 파일, 환경 변수 순으로 덮어쓴다.
	loadDefaults()

	// Flags
	pflag.String("api_addr", ":8090", "HTTP control interface listen address, empty to disable")
	pflag.String("config_file", "rfbreplay.yaml", "configure filename")
	pflag.String("level", "info", "Log level")
	pflag.String("capture_file", "", "capture to load into the default session")
	pflag.String("capture_dir", ".", "directory the HTTP API may load captures from")
	pflag.String("mode", "realtime", "playback mode: realtime or fullspeed")
	pflag.String("traffic", "auto", "traffic management: auto, on or off")
	pflag.Bool("autostart", false, "start the default session right away")
	pflag.Bool("exit_on_finish", false, "exit once the default session finishes")
	pflag.Int("settle_delay_ms", 100, "wait after a seek before playback resumes")
	pflag.Int("progress_interval_ms", 1000, "progress stream sample interval")
	pflag.Int("render_cost_us", 0, "simulated render cost per message")
	pflag.Int("render_queue", 64, "render queue high-water mark")
	pflag.Int("session_ttl", 300, "seconds an inactive session is kept")
	pflag.Int("capture_cache_ttl", 600, "seconds a decoded capture stays cached")
	pflag.Parse()
	Config.BindPFlags(pflag.CommandLine)

	// File
	Config.SetConfigFile(Config.GetString("config_file"))
	Config.AddConfigPath(".")
	err := Config.ReadInConfig()
	if err != nil {
		log.Warning(err)
		log.Info("Using default config")
	} else {
		Config.MergeInConfig()
	}

	// Environment
	// jwt.secret 같은 키는 JWT_SECRET 환경 변수로 읽힌다.
	replacer := strings.NewReplacer(".", "_")
	Config.SetEnvKeyReplacer(replacer)
	Config.AllowEmptyEnv(true)
	Config.AutomaticEnv()

	// Log
	initLog()

	// Print final config
	c := ReplayCfg{}
	Config.Unmarshal(&c)
	log.Debugf("Current configurations: \n%# v", pretty.Formatter(c))
}

func Current() ReplayCfg {
	c := ReplayCfg{}
	Config.Unmarshal(&c)
	return c
}

func (c ReplayCfg) SettleDelay() time.Duration {
	return time.Duration(c.SettleDelayMs) * time.Millisecond
}

func (c ReplayCfg) ProgressInterval() time.Duration {
	return time.Duration(c.ProgressIntervalMs) * time.Millisecond
}

func (c ReplayCfg) RenderCost() time.Duration {
	return time.Duration(c.RenderCostUs) * time.Microsecond
}

func (c ReplayCfg) SessionIdle() time.Duration {
	return time.Duration(c.SessionTTL) * time.Second
}

func (c ReplayCfg) CaptureTTL() time.Duration {
	return time.Duration(c.CaptureCacheTTL) * time.Second
}
