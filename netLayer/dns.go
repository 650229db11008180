package netLayer

import (
	"context"
	"errors"
	"net"
	"os"

	"github.com/dronrider/xr-proxy/utils"
	"github.com/miekg/dns"
	"go.uber.org/zap"
)

// ResolveHost 把域名解析成一个ip. host本身是字面ip时直接返回.
//
// dnsServer 非空时 ("ip:53" 形式) 用 miekg/dns 直接查它, 否则走系统解析器.
// 查无此域名时返回 os.ErrNotExist, 调用方据此区分 "NXDOMAIN" 和 "解析器挂了".
// 超时由 ctx 控制.
func ResolveHost(ctx context.Context, host string, dnsServer string) (net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		return ip, nil
	}

	if dnsServer != "" {
		return dnsQuery(ctx, host, dnsServer)
	}

	ips, err := net.DefaultResolver.LookupIP(ctx, "ip", host)
	if err != nil {
		var de *net.DNSError
		if errors.As(err, &de) && de.IsNotFound {
			return nil, os.ErrNotExist
		}
		return nil, err
	}
	if len(ips) == 0 {
		return nil, os.ErrNotExist
	}
	return ips[0], nil
}

func dnsQuery(ctx context.Context, host string, server string) (net.IP, error) {
	c := new(dns.Client)
	var rcodeErr error

	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		m := new(dns.Msg)
		m.SetQuestion(dns.Fqdn(host), qtype)

		r, _, err := c.ExchangeContext(ctx, m, server)
		if err != nil {
			return nil, utils.ErrInErr{ErrDesc: "dns query failed", ErrDetail: err, Data: host}
		}
		if r.Rcode == dns.RcodeNameError {
			return nil, os.ErrNotExist
		}
		if r.Rcode != dns.RcodeSuccess {
			if ce := utils.CanLogDebug("dns query bad rcode"); ce != nil {
				ce.Write(zap.String("host", host), zap.Int("rcode", r.Rcode))
			}
			rcodeErr = utils.ErrInErr{ErrDesc: "dns query bad rcode", Data: r.Rcode}
			continue
		}

		for _, ans := range r.Answer {
			switch a := ans.(type) {
			case *dns.A:
				return a.A, nil
			case *dns.AAAA:
				return a.AAAA, nil
			}
		}
	}

	if rcodeErr != nil {
		return nil, rcodeErr
	}
	return nil, os.ErrNotExist
}
