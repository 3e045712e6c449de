package main

import (
	"os"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Conf 全局配置, read once from TOML + environment at startup and
// passed explicitly to every constructor.
type Conf struct {
	App struct {
		Version string `mapstructure:"version"`
		Title   string `mapstructure:"title"`
	} `mapstructure:"app"`
	Output struct {
		Directory   string `mapstructure:"directory"`
		LogDir      string `mapstructure:"logdir"`
		Format      string `mapstructure:"format"` // mbtiles | mysql
		Conn        string `mapstructure:"conn"`   // mysql dsn
		Attribution string `mapstructure:"attribution"`
	} `mapstructure:"output"`
	Warp struct {
		CacheMB int `mapstructure:"cachemb"`
	} `mapstructure:"warp"`
	Store struct {
		BatchSize    int `mapstructure:"batchsize"`
		Checkpoint   int `mapstructure:"checkpoint"` // writes between WAL checkpoints
		WriteDelayMs int `mapstructure:"writedelay"`
		BatchDelayMs int `mapstructure:"batchdelay"`
	} `mapstructure:"store"`
	Watchdog struct {
		MemoryMB   int `mapstructure:"memorymb"` // 0 disables
		TimeSec    int `mapstructure:"timesec"`  // 0 disables
		IntervalMs int `mapstructure:"intervalms"`
	} `mapstructure:"watchdog"`
	Progress struct {
		Interval int `mapstructure:"interval"` // tiles between progress reports
	} `mapstructure:"progress"`
	Redis struct {
		Enable bool   `mapstructure:"enable"`
		Addr   string `mapstructure:"addr"`
	} `mapstructure:"redis"`
}

func (c *Conf) writeDelay() time.Duration {
	return time.Duration(c.Store.WriteDelayMs) * time.Millisecond
}

func (c *Conf) batchDelay() time.Duration {
	return time.Duration(c.Store.BatchDelayMs) * time.Millisecond
}

func (c *Conf) watchdogInterval() time.Duration {
	return time.Duration(c.Watchdog.IntervalMs) * time.Millisecond
}

// initConf 初始化配置
func initConf(cfgFile string) *Conf {
	if cfgFile != "" {
		if _, err := os.Stat(cfgFile); os.IsNotExist(err) {
			log.Warnf("config file(%s) not exist", cfgFile)
		}
		viper.SetConfigType("toml")
		viper.SetConfigFile(cfgFile)
	}
	viper.AutomaticEnv() // read in environment variables that match
	if cfgFile != "" {
		if err := viper.ReadInConfig(); err != nil {
			log.Warnf("read config file(%s) error, details: %s", viper.ConfigFileUsed(), err)
		}
	}
	viper.SetDefault("app.version", "v 0.1.0")
	viper.SetDefault("app.title", "Terra Tiler")
	viper.SetDefault("output.directory", "")
	viper.SetDefault("output.logdir", "")
	viper.SetDefault("output.format", "mbtiles")
	viper.SetDefault("output.attribution", "国土地理院 (GSI Japan)")
	viper.SetDefault("warp.cachemb", 256)
	viper.SetDefault("store.batchsize", 512)
	viper.SetDefault("store.checkpoint", 10000)
	viper.SetDefault("store.writedelay", 0)
	viper.SetDefault("store.batchdelay", 1)
	viper.SetDefault("watchdog.memorymb", 0)
	viper.SetDefault("watchdog.timesec", 0)
	viper.SetDefault("watchdog.intervalms", 500)
	viper.SetDefault("progress.interval", 200)
	viper.SetDefault("redis.enable", false)
	viper.SetDefault("redis.addr", "127.0.0.1:6379")

	conf := new(Conf)
	if err := viper.Unmarshal(conf); err != nil {
		log.Fatalf("unable to decode configuration: %v", err)
	}
	return conf
}
