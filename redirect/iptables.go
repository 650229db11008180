package redirect

import (
	"fmt"
	"strings"

	"github.com/dronrider/xr-proxy/utils"
	"go.uber.org/zap"
)

// IptChain 是外部watchdog依赖的链名, 不要改.
const IptChain = "XR_PROXY"

var iptPaths = []string{"/usr/sbin/iptables", "/sbin/iptables", "/usr/bin/iptables"}

type iptBackend struct {
	bin string
}

func (b *iptBackend) Name() string { return "iptables" }

// BuildIptablesCmds 生成按顺序执行的iptables命令(不含binary本身).
func BuildIptablesCmds(spec RuleSpec) []string {
	cmds := []string{
		"-t nat -N " + IptChain,
	}
	if spec.ServerIP != "" {
		cmds = append(cmds, fmt.Sprintf("-t nat -A %s -d %s -j RETURN", IptChain, spec.ServerIP))
	}
	for _, cidr := range excludedCIDRs {
		cmds = append(cmds, fmt.Sprintf("-t nat -A %s -d %s -j RETURN", IptChain, cidr))
	}
	cmds = append(cmds,
		fmt.Sprintf("-t nat -A %s -p tcp -m multiport --dports %s -j REDIRECT --to-ports %d",
			IptChain, strings.Join(redirectPorts, ","), spec.ListenPort),
		"-t nat -A PREROUTING -j "+IptChain,
	)
	return cmds
}

func (b *iptBackend) Install(spec RuleSpec) error {
	b.Teardown()

	for _, args := range BuildIptablesCmds(spec) {
		if err := utils.ExecCmd(b.bin + " " + args); err != nil {
			//装到一半失败, 把已装的拆掉, 不能留半套规则
			b.Teardown()
			return utils.ErrInErr{ErrDesc: "iptables install failed", ErrDetail: err, Data: args}
		}
	}

	if ce := utils.CanLogInfo("iptables redirect rules installed"); ce != nil {
		ce.Write(zap.String("chain", IptChain), zap.Uint16("port", spec.ListenPort))
	}
	return nil
}

func (b *iptBackend) Teardown() error {
	//顺序固定: 先摘钩子, 再清链, 再删链. 每步都可能因为本来就不存在而报错, 无视.
	utils.ExecCmd(b.bin + " -t nat -D PREROUTING -j " + IptChain)
	utils.ExecCmd(b.bin + " -t nat -F " + IptChain)
	utils.ExecCmd(b.bin + " -t nat -X " + IptChain)
	return nil
}
