/*
Package redirect 管理路由器上的透明代理重定向规则.

在 nat prerouting 把局域网发往 80/443 的tcp捕获到本机监听端口,
同时放行 RFC1918 目的地址 和 上游服务器ip, 保证 LAN互访 和 到路由器
自身的ssh 不受影响, 也防止 到上游的隧道流量 被再次重定向成环.

两种后端 二选一: 优先 nftables, 没有才用 iptables. 规则表/链名固定
(ip xr_proxy / XR_PROXY), 这样外部的watchdog在进程死掉后也能拆规则.
拆除是幂等的, 规则不存在时拆除不算错误.
*/
package redirect

import (
	"os/exec"
	"path/filepath"
)

// RuleSpec 与后端无关的规则描述.
type RuleSpec struct {
	ListenPort uint16
	ServerIP   string //上游服务器ip, 要排除
}

// 放行的目的网段: RFC1918 + loopback.
var excludedCIDRs = []string{
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"127.0.0.0/8",
}

// 捕获的目的端口.
var redirectPorts = []string{"80", "443"}

// Backend 由具体的防火墙实现. Install 失败时实现者自己负责回滚已装的部分.
type Backend interface {
	Name() string
	Install(spec RuleSpec) error
	Teardown() error
}

// Detect 探测可用的防火墙后端, 优先nftables. 都没有时返回nil.
func Detect() Backend {
	if bin := findBinary(nftPaths); bin != "" {
		return &nftBackend{bin: bin}
	}
	if bin := findBinary(iptPaths); bin != "" {
		return &iptBackend{bin: bin}
	}
	return nil
}

// procd/systemd 下 PATH 可能很寒酸, 所以先试固定的完整路径,
// 最后才靠 exec.LookPath.
func findBinary(candidates []string) string {
	for _, p := range candidates {
		if _, err := exec.LookPath(p); err == nil {
			return p
		}
	}
	if len(candidates) > 0 {
		bare := filepath.Base(candidates[0])
		if p, err := exec.LookPath(bare); err == nil {
			return p
		}
	}
	return ""
}
