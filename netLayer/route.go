package netLayer

import (
	"net"
	"strings"

	"github.com/yl2chen/cidranger"
)

// Verdict 是路由引擎对一条连接的判定.
type Verdict uint8

const (
	VerdictDirect Verdict = iota
	VerdictProxy
)

func (v Verdict) String() string {
	if v == VerdictProxy {
		return "proxy"
	}
	return "direct"
}

func VerdictFromStr(s string) (Verdict, bool) {
	switch s {
	case "proxy":
		return VerdictProxy, true
	case "direct":
		return VerdictDirect, true
	}
	return VerdictDirect, false
}

// RouteSet 把同属一个路由策略的一组 网络层特征 放到一起:
// 域名(精确 与 *.通配)、目的ip的CIDR范围、目的ip的GeoIP国家.
// 任意一个特征匹配, 整条规则就算命中, 连接发往 Action 指定的方向.
type RouteSet struct {
	Action Verdict

	//Full只匹配完整域名
	Full map[string]bool

	//Suffixes 存 "*.example.com" 规则去掉星号后的 ".example.com";
	// 只匹配真子域名, 不匹配 example.com 本身.
	Suffixes []string

	//Countries 使用 ISO 3166 两字母大写字符串 作为key
	Countries map[string]bool

	NetRanger cidranger.Ranger
}

func NewRouteSet(action Verdict) *RouteSet {
	return &RouteSet{
		Action:    action,
		Full:      make(map[string]bool),
		Countries: make(map[string]bool),
	}
}

// AddDomainGlob 添加一条域名规则. 只支持一个前导 "*." 通配.
func (rs *RouteSet) AddDomainGlob(g string) {
	g = strings.ToLower(g)
	if rest, ok := strings.CutPrefix(g, "*."); ok {
		rs.Suffixes = append(rs.Suffixes, "."+rest)
	} else {
		rs.Full[g] = true
	}
}

func (rs *RouteSet) AddCountry(iso string) {
	if len(iso) == 2 {
		rs.Countries[strings.ToUpper(iso)] = true
	}
}

func (rs *RouteSet) AddCIDR(cidr string) error {
	if rs.NetRanger == nil {
		rs.NetRanger = cidranger.NewPCTrieRanger()
	}
	_, network, err := net.ParseCIDR(cidr)
	if err != nil {
		return err
	}
	return rs.NetRanger.Insert(cidranger.NewBasicRangerEntry(*network))
}

func (rs *RouteSet) matchDomain(host string) bool {
	if rs.Full[host] {
		return true
	}
	for _, suf := range rs.Suffixes {
		//label级后缀: "a.example.com" 以 ".example.com" 结尾即命中;
		// "aexample.com" 和 "example.com.evil.io" 都不会命中
		if strings.HasSuffix(host, suf) {
			return true
		}
	}
	return false
}

// Matches 判断 (sni, 目的ip) 是否命中本规则. sni优先;
// sni为空时 只走ip类特征, 不做反向dns.
func (rs *RouteSet) Matches(sni string, ip net.IP, geo CountryResolver) bool {
	if sni != "" && rs.matchDomain(strings.ToLower(sni)) {
		return true
	}

	if ip == nil {
		return false
	}
	if ip4 := ip.To4(); ip4 != nil { //有时传入的是ipv6形式的ipv4, 会干扰过滤
		ip = ip4
	}

	if rs.NetRanger != nil {
		if has, _ := rs.NetRanger.Contains(ip); has {
			return true
		}
	}

	if len(rs.Countries) > 0 && geo != nil {
		//数据库缺失时 Lookup 返回 "", 该特征按不命中处理, 继续往下走
		if iso := geo.Lookup(ip); iso != "" {
			if rs.Countries[iso] {
				return true
			}
		}
	}

	return false
}

// RoutePolicy 是有序的规则列表, 自上而下, 第一条命中即终止;
// 全不命中时用 Default.
type RoutePolicy struct {
	List    []*RouteSet
	Default Verdict

	Geo CountryResolver
}

func NewRoutePolicy(def Verdict) *RoutePolicy {
	return &RoutePolicy{
		List:    make([]*RouteSet, 0, 2),
		Default: def,
		Geo:     NoopCountryResolver{},
	}
}

func (rp *RoutePolicy) AddRouteSet(rs *RouteSet) {
	if rs != nil {
		rp.List = append(rp.List, rs)
	}
}

// CalcuVerdict 对同样的输入永远给出同样的结果, 与调用顺序无关.
func (rp *RoutePolicy) CalcuVerdict(sni string, ip net.IP) Verdict {
	for _, rs := range rp.List {
		if rs.Matches(sni, ip, rp.Geo) {
			return rs.Action
		}
	}
	return rp.Default
}
