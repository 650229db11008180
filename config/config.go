// Package config 解析 xr-proxy 的toml配置文件.
// 配置加载后不可变, 没有热重载; 改配置就重启, 这样防火墙规则的
// 安装/拆除生命周期才简单.
package config

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/asaskevich/govalidator"
	"github.com/biter777/countries"
	"github.com/dronrider/xr-proxy/netLayer"
	"github.com/dronrider/xr-proxy/obfsLayer"
	"github.com/dronrider/xr-proxy/utils"
)

const (
	DefaultClientListenPort = 1080
	DefaultClientMaxConns   = 256
	DefaultServerMaxConns   = 1024
	DefaultServerRateLimit  = 10 //每源ip每秒新连接数
	DefaultSalt             = 0xDEADBEEF
	DefaultModifier         = "positional_xor_rotate"
	DefaultOnServerDown     = "direct"
	DefaultLogLevel         = "info"
	MinKeyLen               = 32
)

// ServerSection 在客户端配置里描述上游服务器, 在服务端配置里描述监听.
type ServerSection struct {
	//客户端侧: 上游定位
	Address string `toml:"address"`
	Port    uint16 `toml:"port"`

	//服务端侧
	Bind           string `toml:"bind"`
	MaxConnections int    `toml:"max_connections"`
	RateLimitPerIP int    `toml:"rate_limit_per_ip"`
	DNSServer      string `toml:"dns_server"`
	FallbackFile   string `toml:"fallback_file"`
	LogLevel       string `toml:"log_level"`
	LogFile        string `toml:"log_file"`
}

type ObfuscationSection struct {
	Key        string  `toml:"key"` //base64
	Modifier   string  `toml:"modifier"`
	Salt       *uint32 `toml:"salt"`
	PaddingMin *uint16 `toml:"padding_min"`
	PaddingMax *uint16 `toml:"padding_max"`
}

type RoutingRule struct {
	Action  string   `toml:"action"`
	Domains []string `toml:"domains"`
	Geoip   []string `toml:"geoip"`
	Cidrs   []string `toml:"cidrs"`
}

type RoutingSection struct {
	DefaultAction string        `toml:"default_action"`
	Rules         []RoutingRule `toml:"rules"`
}

type GeoipSection struct {
	Database string `toml:"database"`
}

type ClientSection struct {
	ListenPort     uint16 `toml:"listen_port"`
	AutoRedirect   *bool  `toml:"auto_redirect"`
	OnServerDown   string `toml:"on_server_down"`
	MaxConnections int    `toml:"max_connections"`
	LogLevel       string `toml:"log_level"`
	LogFile        string `toml:"log_file"`
}

type ClientConfig struct {
	Server      ServerSection      `toml:"server"`
	Obfuscation ObfuscationSection `toml:"obfuscation"`
	Routing     RoutingSection     `toml:"routing"`
	Geoip       GeoipSection       `toml:"geoip"`
	Client      ClientSection      `toml:"client"`
}

type ServerConfig struct {
	Server      ServerSection      `toml:"server"`
	Obfuscation ObfuscationSection `toml:"obfuscation"`
}

func decodeFileStrict(path string, v any) error {
	md, err := toml.DecodeFile(path, v)
	if err != nil {
		return err
	}
	//未知key直接当配置错误, 拼错的key静默生效才是大坑
	if un := md.Undecoded(); len(un) > 0 {
		return utils.ErrInErr{ErrDesc: "unknown config keys", Data: fmt.Sprint(un)}
	}
	return nil
}

func LoadClientConfig(path string) (*ClientConfig, error) {
	cfg := &ClientConfig{}
	if err := decodeFileStrict(path, cfg); err != nil {
		return nil, err
	}

	if cfg.Client.ListenPort == 0 {
		cfg.Client.ListenPort = DefaultClientListenPort
	}
	if cfg.Client.AutoRedirect == nil {
		t := true
		cfg.Client.AutoRedirect = &t
	}
	if cfg.Client.OnServerDown == "" {
		cfg.Client.OnServerDown = DefaultOnServerDown
	}
	if cfg.Client.MaxConnections <= 0 {
		cfg.Client.MaxConnections = DefaultClientMaxConns
	}
	if cfg.Client.LogLevel == "" {
		cfg.Client.LogLevel = DefaultLogLevel
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func LoadServerConfig(path string) (*ServerConfig, error) {
	cfg := &ServerConfig{}
	if err := decodeFileStrict(path, cfg); err != nil {
		return nil, err
	}

	if cfg.Server.Bind == "" {
		cfg.Server.Bind = "0.0.0.0"
	}
	if cfg.Server.MaxConnections <= 0 {
		cfg.Server.MaxConnections = DefaultServerMaxConns
	}
	if cfg.Server.RateLimitPerIP <= 0 {
		cfg.Server.RateLimitPerIP = DefaultServerRateLimit
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = DefaultLogLevel
	}

	if cfg.Server.Port == 0 {
		return nil, utils.ErrInErr{ErrDesc: "server port missing"}
	}
	if !govalidator.IsIP(cfg.Server.Bind) {
		return nil, utils.ErrInErr{ErrDesc: "server bind is not an ip", Data: cfg.Server.Bind}
	}
	if _, err := cfg.Obfuscation.ToObfsConfig(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (cfg *ClientConfig) validate() error {
	if cfg.Server.Address == "" || cfg.Server.Port == 0 {
		return utils.ErrInErr{ErrDesc: "server address/port missing"}
	}
	if !govalidator.IsIP(cfg.Server.Address) && !govalidator.IsDNSName(cfg.Server.Address) {
		return utils.ErrInErr{ErrDesc: "server address invalid", Data: cfg.Server.Address}
	}
	switch cfg.Client.OnServerDown {
	case "direct", "block", "retry":
	default:
		return utils.ErrInErr{ErrDesc: "on_server_down invalid", Data: cfg.Client.OnServerDown}
	}
	if _, err := cfg.Obfuscation.ToObfsConfig(); err != nil {
		return err
	}
	if _, err := cfg.BuildRoutePolicy(netLayer.NoopCountryResolver{}); err != nil {
		return err
	}
	return nil
}

// ToObfsConfig 把配置段转换成协议层参数. key是base64, 解码后至少32字节.
func (o *ObfuscationSection) ToObfsConfig() (obfsLayer.Config, error) {
	var c obfsLayer.Config

	key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(o.Key))
	if err != nil {
		return c, utils.ErrInErr{ErrDesc: "obfuscation key is not valid base64", ErrDetail: err}
	}
	if len(key) < MinKeyLen {
		return c, utils.ErrInErr{ErrDesc: "obfuscation key too short", Data: len(key)}
	}

	modStr := o.Modifier
	if modStr == "" {
		modStr = DefaultModifier
	}
	kind, ok := obfsLayer.ModKindFromStr(modStr)
	if !ok {
		return c, utils.ErrInErr{ErrDesc: "unknown modifier", Data: modStr}
	}

	c.Secret = key
	c.Kind = kind

	if o.Salt != nil {
		c.Salt = *o.Salt
	} else {
		c.Salt = DefaultSalt
	}

	if o.PaddingMin != nil {
		c.PadMin = *o.PaddingMin
	} else {
		c.PadMin = obfsLayer.DefaultPadMin
	}
	if o.PaddingMax != nil {
		c.PadMax = *o.PaddingMax
	} else {
		c.PadMax = obfsLayer.DefaultPadMax
	}

	if c.PadMin > c.PadMax {
		return c, utils.ErrInErr{ErrDesc: "padding_min greater than padding_max"}
	}
	if c.PadMax > obfsLayer.MaxPadLen {
		return c, utils.ErrInErr{ErrDesc: "padding_max too large", Data: c.PadMax}
	}

	return c, nil
}

// BuildRoutePolicy 把routing段编译成路由引擎.
func (cfg *ClientConfig) BuildRoutePolicy(geo netLayer.CountryResolver) (*netLayer.RoutePolicy, error) {
	def := netLayer.VerdictDirect
	if cfg.Routing.DefaultAction != "" {
		v, ok := netLayer.VerdictFromStr(cfg.Routing.DefaultAction)
		if !ok {
			return nil, utils.ErrInErr{ErrDesc: "default_action invalid", Data: cfg.Routing.DefaultAction}
		}
		def = v
	}

	rp := netLayer.NewRoutePolicy(def)
	if geo != nil {
		rp.Geo = geo
	}

	for i, r := range cfg.Routing.Rules {
		action, ok := netLayer.VerdictFromStr(r.Action)
		if !ok {
			return nil, utils.ErrInErr{ErrDesc: "rule action invalid", Data: r.Action}
		}
		rs := netLayer.NewRouteSet(action)
		for _, d := range r.Domains {
			rs.AddDomainGlob(d)
		}
		for _, iso := range r.Geoip {
			if !validISO2(iso) {
				return nil, utils.ErrInErr{ErrDesc: "rule geoip code invalid", Data: fmt.Sprintf("rule %d: %s", i, iso)}
			}
			rs.AddCountry(iso)
		}
		for _, cidr := range r.Cidrs {
			if err := rs.AddCIDR(cidr); err != nil {
				return nil, utils.ErrInErr{ErrDesc: "rule cidr invalid", ErrDetail: err, Data: cidr}
			}
		}
		rp.AddRouteSet(rs)
	}
	return rp, nil
}

func validISO2(code string) bool {
	if len(code) != 2 {
		return false
	}
	up := strings.ToUpper(code)
	for _, c := range countries.All() {
		if c.Alpha2() == up {
			return true
		}
	}
	return false
}
