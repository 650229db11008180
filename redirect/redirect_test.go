package redirect

import (
	"strings"
	"testing"
)

var testSpec = RuleSpec{ListenPort: 1080, ServerIP: "203.0.113.1"}

func TestNftRuleset(t *testing.T) {
	rs := BuildRuleset(testSpec)

	for _, want := range []string{
		"table ip xr_proxy",
		"type nat hook prerouting priority dstnat",
		"ip daddr 203.0.113.1 return",
		"ip daddr 10.0.0.0/8 return",
		"ip daddr 172.16.0.0/12 return",
		"ip daddr 192.168.0.0/16 return",
		"ip daddr 127.0.0.0/8 return",
		"tcp dport { 80, 443 } redirect to :1080",
	} {
		if !strings.Contains(rs, want) {
			t.Errorf("ruleset missing %q:\n%s", want, rs)
		}
	}

	//排除必须出现在redirect之前, 否则上游流量也会被捕获成环
	if strings.Index(rs, "203.0.113.1 return") > strings.Index(rs, "redirect to") {
		t.Fatal("server exclusion after redirect rule")
	}
}

func TestNftRulesetNoServerIP(t *testing.T) {
	rs := BuildRuleset(RuleSpec{ListenPort: 1080})
	if strings.Contains(rs, "daddr  return") {
		t.Fatal("empty server ip produced a broken rule")
	}
}

func TestIptablesCmds(t *testing.T) {
	cmds := BuildIptablesCmds(testSpec)

	if !strings.Contains(cmds[0], "-N XR_PROXY") {
		t.Fatalf("first command must create the chain, got %q", cmds[0])
	}
	last := cmds[len(cmds)-1]
	if !strings.Contains(last, "-A PREROUTING -j XR_PROXY") {
		t.Fatalf("last command must hook PREROUTING, got %q", last)
	}

	joined := strings.Join(cmds, "\n")
	for _, want := range []string{
		"-d 203.0.113.1 -j RETURN",
		"-d 10.0.0.0/8 -j RETURN",
		"-d 172.16.0.0/12 -j RETURN",
		"-d 192.168.0.0/16 -j RETURN",
		"-d 127.0.0.0/8 -j RETURN",
		"--dports 80,443 -j REDIRECT --to-ports 1080",
	} {
		if !strings.Contains(joined, want) {
			t.Errorf("commands missing %q", want)
		}
	}

	//挂钩必须是最后一步: 规则没配全之前链不能生效
	for i, c := range cmds[:len(cmds)-1] {
		if strings.Contains(c, "PREROUTING") {
			t.Fatalf("command %d hooks PREROUTING too early", i)
		}
	}
}
