// Package netLayer 提供网络层的基础设施: 目标地址、拨号、双向转发、
// 分流路由、GeoIP、SNI嗅探 以及 透明代理的原始目的地址恢复.
package netLayer

import (
	"net"
	"strconv"
	"time"
)

// Addr represents an address that you want to access by proxy. Either Name or IP is used exclusively.
// Addr完整地表示了一个 传输层的目标.
type Addr struct {
	Name string // domain name
	IP   net.IP
	Port int
}

func NewAddrFromTCPAddr(a *net.TCPAddr) Addr {
	return Addr{IP: a.IP, Port: a.Port}
}

// HostStr 返回 域名 或 ip字符串, 域名优先.
func (a Addr) HostStr() string {
	if a.Name != "" {
		return a.Name
	}
	return a.IP.String()
}

func (a Addr) String() string {
	return net.JoinHostPort(a.HostStr(), strconv.Itoa(a.Port))
}

// DialTimeout 拨号本目标. 有域名时用域名(让系统解析), 否则用ip.
func (a Addr) DialTimeout(timeout time.Duration) (net.Conn, error) {
	return net.DialTimeout("tcp", a.String(), timeout)
}
