// xr-client 是路由器侧的透明代理: 安装重定向规则, 接住被重定向的tcp,
// 按路由规则 直连 或 送进混淆隧道.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"runtime/debug"
	"strconv"
	"syscall"
	"time"

	"github.com/dronrider/xr-proxy/config"
	"github.com/dronrider/xr-proxy/netLayer"
	"github.com/dronrider/xr-proxy/proxy"
	"github.com/dronrider/xr-proxy/redirect"
	"github.com/dronrider/xr-proxy/utils"
	"go.uber.org/zap"
)

// 退出码约定
const (
	exitOK       = 0
	exitConfig   = 1
	exitBind     = 2
	exitFirewall = 3
	exitPlatform = 4
	exitUsage    = 64
)

const defaultConfFn = "/etc/xr-proxy/config.toml"

func main() {
	os.Exit(mainFunc())
}

func mainFunc() (result int) {
	defer func() {
		if r := recover(); r != nil {
			if ce := utils.CanLogErr("Captured panic!"); ce != nil {
				ce.Write(zap.Any("panic", r), zap.String("stack", string(debug.Stack())))
			}
			result = exitConfig
		}
	}()

	fs := flag.NewFlagSet("xr-client", flag.ContinueOnError)
	var configFileName, logLevelStr string
	fs.StringVar(&configFileName, "c", defaultConfFn, "config file name")
	fs.StringVar(&logLevelStr, "l", "", "log level, trace|debug|info|warn|error")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return exitUsage
	}

	cfg, err := config.LoadClientConfig(configFileName)
	if err != nil {
		fmt.Fprintln(os.Stderr, "load config failed:", err)
		return exitConfig
	}

	if logLevelStr == "" {
		logLevelStr = cfg.Client.LogLevel
	}
	utils.LogLevel = utils.ParseLogLevelStr(logLevelStr)
	utils.LogOutFileName = cfg.Client.LogFile
	utils.InitLog()

	if !netLayer.OriginalDstSupported() {
		if ce := utils.CanLogErr("transparent proxy requires linux SO_ORIGINAL_DST"); ce != nil {
			ce.Write()
		}
		return exitPlatform
	}

	obfs, err := cfg.Obfuscation.ToObfsConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		return exitConfig
	}

	var geo netLayer.CountryResolver = netLayer.NoopCountryResolver{}
	if cfg.Geoip.Database != "" {
		mm, err := netLayer.LoadMaxmindFile(cfg.Geoip.Database)
		if err != nil {
			//数据库缺失不致命: geoip谓词一律按不命中算
			if ce := utils.CanLogWarn("geoip database unavailable"); ce != nil {
				ce.Write(zap.String("file", cfg.Geoip.Database), zap.Error(err))
			}
		} else {
			geo = mm
			defer mm.Close()
		}
	}

	policy, err := cfg.BuildRoutePolicy(geo)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		return exitConfig
	}

	upstream := netLayer.Addr{Port: int(cfg.Server.Port)}
	if ip := net.ParseIP(cfg.Server.Address); ip != nil {
		upstream.IP = ip
	} else {
		upstream.Name = cfg.Server.Address
	}

	lis, err := net.Listen("tcp", ":"+strconv.Itoa(int(cfg.Client.ListenPort)))
	if err != nil {
		if ce := utils.CanLogErr("listen failed"); ce != nil {
			ce.Write(zap.Uint16("port", cfg.Client.ListenPort), zap.Error(err))
		}
		return exitBind
	}

	var fw redirect.Backend
	if *cfg.Client.AutoRedirect {
		fw = redirect.Detect()
		if fw == nil {
			if ce := utils.CanLogWarn("no firewall backend found, skipping auto redirect"); ce != nil {
				ce.Write()
			}
		} else {
			spec := redirect.RuleSpec{
				ListenPort: cfg.Client.ListenPort,
				ServerIP:   upstreamIPStr(upstream, cfg.Server.Address),
			}
			if err := fw.Install(spec); err != nil {
				if ce := utils.CanLogErr("firewall setup failed"); ce != nil {
					ce.Write(zap.String("backend", fw.Name()), zap.Error(err))
				}
				lis.Close()
				return exitFirewall
			}
			//无论怎么退出都要拆规则. 进程直接被杀的情况交给外部watchdog
			defer fw.Teardown()
		}
	}

	client := proxy.NewClient(proxy.ClientOpts{
		Obfs:           obfs,
		Policy:         policy,
		Upstream:       upstream,
		ListenPort:     cfg.Client.ListenPort,
		OnServerDown:   cfg.Client.OnServerDown,
		MaxConnections: cfg.Client.MaxConnections,
	})

	if ce := utils.CanLogInfo("xr-client started"); ce != nil {
		ce.Write(zap.Uint16("listen", cfg.Client.ListenPort),
			zap.String("upstream", upstream.String()))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client.Serve(ctx, lis)

	//给在途连接收尾的时间, 与连接侧的 CancelGrace 对齐
	waitDrained(client.Active, proxy.CancelGrace)

	if ce := utils.CanLogInfo("xr-client stopped"); ce != nil {
		ce.Write()
	}
	return exitOK
}

func upstreamIPStr(upstream netLayer.Addr, raw string) string {
	if upstream.IP != nil {
		return upstream.IP.String()
	}
	//上游写的是域名时, 解析一次用于防火墙排除; 解析不了就不排除,
	// 隧道流量靠 环路保护 兜底
	if ips, err := net.LookupIP(raw); err == nil && len(ips) > 0 {
		return ips[0].String()
	}
	return ""
}

func waitDrained(active func() int64, grace time.Duration) {
	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if active() == 0 {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
}
