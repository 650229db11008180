//go:build !linux

package netLayer

import (
	"net"

	"github.com/dronrider/xr-proxy/utils"
)

// 透明代理依赖 linux 的 SO_ORIGINAL_DST. 其它平台直接快速失败,
// 客户端会以 unsupported platform 退出.
func GetOriginalDst(conn *net.TCPConn) (Addr, error) {
	return Addr{}, utils.ErrUnsupportedPlatform
}

func OriginalDstSupported() bool { return false }
