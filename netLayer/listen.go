package netLayer

import (
	"context"
	"net"
	"strings"
	"time"

	"github.com/dronrider/xr-proxy/utils"
	"go.uber.org/zap"
)

// LoopAccept 循环accept并把每条连接交给 acceptFunc (各自的goroutine).
// listener被关闭 或 ctx结束 时返回.
func LoopAccept(ctx context.Context, listener net.Listener, acceptFunc func(net.Conn)) {
	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	for {
		newc, err := listener.Accept()
		if err != nil {
			errStr := err.Error()
			if strings.Contains(errStr, "closed") {
				if ce := utils.CanLogDebug("listener closed"); ce != nil {
					ce.Write(zap.Error(err))
				}
				return
			}
			if ce := utils.CanLogWarn("failed to accept connection"); ce != nil {
				ce.Write(zap.Error(err))
			}
			if strings.Contains(errStr, "too many") {
				//fd耗尽时稍等, 疯狂accept只会打满日志
				time.Sleep(time.Millisecond * 500)
			}
			continue
		}
		go acceptFunc(newc)
	}
}
