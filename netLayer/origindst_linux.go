package netLayer

import (
	"net"
	"syscall"

	"github.com/dronrider/xr-proxy/utils"
	"golang.org/x/sys/unix"
)

// GetOriginalDst 恢复一条被 REDIRECT 改写过的tcp连接的原始目的地址.
// 内核的nat表里存着改写前的四元组, SO_ORIGINAL_DST 就是查它.
//
// 关键点: REDIRECT 之后 conn.LocalAddr() 是我们监听的地址, 真实目标
// 只能从内核问出来. 可参考
// https://github.com/cybozu-go/transocks/blob/master/original_dst_linux.go
func GetOriginalDst(conn *net.TCPConn) (Addr, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return Addr{}, err
	}

	var addr Addr
	var opErr error

	err = raw.Control(func(fd uintptr) {
		//IPv6Mreq 的 Multiaddr 字段正好16字节, 容得下 sockaddr_in, 历代透明代理都这么借用
		mreq, e := unix.GetsockoptIPv6Mreq(int(fd), unix.IPPROTO_IP, unix.SO_ORIGINAL_DST)
		if e != nil {
			opErr = e
			return
		}
		addr.IP = net.IPv4(mreq.Multiaddr[4], mreq.Multiaddr[5], mreq.Multiaddr[6], mreq.Multiaddr[7])
		addr.Port = int(mreq.Multiaddr[2])<<8 | int(mreq.Multiaddr[3])
	})
	if err != nil {
		return Addr{}, err
	}
	if opErr != nil {
		if opErr == syscall.ENOPROTOOPT || opErr == syscall.ENOENT {
			//没走nat表的连接(比如直接连到监听端口)查不到
			return Addr{}, utils.ErrInErr{ErrDesc: "no original dst for conn", ErrDetail: opErr}
		}
		return Addr{}, opErr
	}
	return addr, nil
}

// OriginalDstSupported 本平台是否支持原始目的地址恢复.
func OriginalDstSupported() bool { return true }
