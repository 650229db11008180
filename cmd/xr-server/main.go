// xr-server 是出口侧的代理服务端: 接受混淆流, 认证后代拨真实目标并转发;
// 对认不出的访客回一个普通web页面.
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
	"github.com/dronrider/xr-proxy/proxy"
	"github.com/dronrider/xr-proxy/utils"
	"go.uber.org/zap"
)

const (
	exitOK     = 0
	exitConfig = 1
	exitBind   = 2
	exitUsage  = 64
)

const defaultConfFn = "/etc/xr-proxy/server.toml"

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

	fs := flag.NewFlagSet("xr-server", flag.ContinueOnError)
	var configFileName, logLevelStr string
	fs.StringVar(&configFileName, "c", defaultConfFn, "config file name")
	fs.StringVar(&logLevelStr, "l", "", "log level, trace|debug|info|warn|error")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return exitUsage
	}

	cfg, err := config.LoadServerConfig(configFileName)
	if err != nil {
		fmt.Fprintln(os.Stderr, "load config failed:", err)
		return exitConfig
	}

	if logLevelStr == "" {
		logLevelStr = cfg.Server.LogLevel
	}
	utils.LogLevel = utils.ParseLogLevelStr(logLevelStr)
	utils.LogOutFileName = cfg.Server.LogFile
	utils.InitLog()

	obfs, err := cfg.Obfuscation.ToObfsConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		return exitConfig
	}

	bindAddr := net.JoinHostPort(cfg.Server.Bind, strconv.Itoa(int(cfg.Server.Port)))
	lis, err := net.Listen("tcp", bindAddr)
	if err != nil {
		if ce := utils.CanLogErr("listen failed"); ce != nil {
			ce.Write(zap.String("bind", bindAddr), zap.Error(err))
		}
		return exitBind
	}

	server := proxy.NewServer(proxy.ServerOpts{
		Obfs:           obfs,
		MaxConnections: cfg.Server.MaxConnections,
		RateLimitPerIP: cfg.Server.RateLimitPerIP,
		DNSServer:      cfg.Server.DNSServer,
		DecoyFile:      cfg.Server.FallbackFile,
	})

	if ce := utils.CanLogInfo("xr-server started"); ce != nil {
		ce.Write(zap.String("bind", bindAddr))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	server.Serve(ctx, lis)

	deadline := time.Now().Add(proxy.CancelGrace)
	for time.Now().Before(deadline) && server.Active() > 0 {
		time.Sleep(50 * time.Millisecond)
	}

	if ce := utils.CanLogInfo("xr-server stopped"); ce != nil {
		ce.Write()
	}
	return exitOK
}
