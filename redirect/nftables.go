package redirect

import (
	"fmt"
	"strings"

	"github.com/dronrider/xr-proxy/utils"
	"go.uber.org/zap"
)

// NftTable 是外部watchdog依赖的表名, 不要改.
const NftTable = "xr_proxy"

var nftPaths = []string{"/usr/sbin/nft", "/sbin/nft", "/usr/bin/nft"}

type nftBackend struct {
	bin string
}

func (n *nftBackend) Name() string { return "nftables" }

// BuildRuleset 生成喂给 nft -f - 的完整规则文本. 单独拆出来是为了可测.
func BuildRuleset(spec RuleSpec) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "table ip %s {\n", NftTable)
	sb.WriteString("\tchain prerouting {\n")
	sb.WriteString("\t\ttype nat hook prerouting priority dstnat; policy accept;\n")
	if spec.ServerIP != "" {
		fmt.Fprintf(&sb, "\t\tip daddr %s return\n", spec.ServerIP)
	}
	for _, cidr := range excludedCIDRs {
		fmt.Fprintf(&sb, "\t\tip daddr %s return\n", cidr)
	}
	fmt.Fprintf(&sb, "\t\ttcp dport { %s } redirect to :%d\n", strings.Join(redirectPorts, ", "), spec.ListenPort)
	sb.WriteString("\t}\n")
	sb.WriteString("}\n")
	return sb.String()
}

func (n *nftBackend) Install(spec RuleSpec) error {
	//上次崩溃可能留了旧规则, 先拆干净再装
	n.Teardown()

	if err := utils.ExecCmdStdin(BuildRuleset(spec), n.bin, "-f", "-"); err != nil {
		n.Teardown()
		return utils.ErrInErr{ErrDesc: "nft install failed", ErrDetail: err}
	}

	if ce := utils.CanLogInfo("nftables redirect rules installed"); ce != nil {
		ce.Write(zap.String("table", NftTable), zap.Uint16("port", spec.ListenPort))
	}
	return nil
}

func (n *nftBackend) Teardown() error {
	//表不存在时 delete 会报错, 这正是幂等想要的, 忽略即可
	utils.ExecCmd(n.bin + " delete table ip " + NftTable)
	return nil
}
