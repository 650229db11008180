package proxy

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/dronrider/xr-proxy/netLayer"
	"github.com/dronrider/xr-proxy/obfsLayer"
	"github.com/dronrider/xr-proxy/utils"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// OnServerDown 上游不可达时客户端的三种策略.
const (
	FallbackDirect = "direct"
	FallbackBlock  = "block"
	FallbackRetry  = "retry"
)

const (
	retryAttempts     = 3
	retryBackoffStart = 500 * time.Millisecond
)

type ClientOpts struct {
	Obfs           obfsLayer.Config
	Policy         *netLayer.RoutePolicy
	Upstream       netLayer.Addr
	ListenPort     uint16
	OnServerDown   string
	MaxConnections int
}

// Client 是路由器侧的连接桥. 每条被重定向进来的tcp连接由它
// 恢复原始目标、嗅探sni、算verdict, 然后 直连 或 走混淆隧道.
type Client struct {
	ClientOpts

	current  atomic.Int64
	Counters Counters
}

func NewClient(opts ClientOpts) *Client {
	return &Client{ClientOpts: opts}
}

// Active 当前仍在服务的连接数.
func (c *Client) Active() int64 { return c.current.Load() }

func (c *Client) Serve(ctx context.Context, lis net.Listener) {
	netLayer.LoopAccept(ctx, lis, func(conn net.Conn) {
		c.handleConn(ctx, conn)
	})
}

func (c *Client) handleConn(ctx context.Context, conn net.Conn) {
	rec := newConnRecord()
	defer recoverConn(rec.ID)

	if c.current.Inc() > int64(c.MaxConnections) {
		c.current.Dec()
		c.Counters.Overload.Inc()
		conn.Close()
		if ce := utils.CanLogWarn("overload"); ce != nil {
			ce.Write(zap.Uint64("conn", rec.ID), zap.String("from", conn.RemoteAddr().String()))
		}
		return
	}
	defer c.current.Dec()

	done := make(chan struct{})
	defer close(done)
	defer func() { rec.State = StateClosed }()

	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		conn.Close()
		return
	}

	origin, err := netLayer.GetOriginalDst(tcpConn)
	if err != nil {
		if ce := utils.CanLogDebug("original dst lookup failed"); ce != nil {
			ce.Write(zap.Uint64("conn", rec.ID), zap.Error(err))
		}
		conn.Close()
		return
	}

	//环路保护: 原始目标就是我们自己的监听端口, 说明有人直接从外面
	// 连代理端口, 转发它会无限循环
	if origin.Port == int(c.ListenPort) {
		if ce := utils.CanLogDebug("loop detected, dropping"); ce != nil {
			ce.Write(zap.Uint64("conn", rec.ID), zap.String("origin", origin.String()))
		}
		conn.Close()
		return
	}
	rec.Origin = origin

	sni, initial := sniffClientHello(conn)
	rec.SNI = sni
	rec.State = StateClassified
	rec.Verdict = c.Policy.CalcuVerdict(sni, origin.IP)

	if ce := utils.CanLogInfo("connection classified"); ce != nil {
		sniDisplay := sni
		if sniDisplay == "" {
			sniDisplay = "-"
		}
		ce.Write(zap.Uint64("conn", rec.ID),
			zap.String("origin", origin.String()),
			zap.String("sni", sniDisplay),
			zap.String("verdict", rec.Verdict.String()))
	}

	if rec.Verdict == netLayer.VerdictProxy {
		c.serveProxied(ctx, done, conn, rec, initial)
	} else {
		c.serveDirect(ctx, done, conn, rec, initial)
	}
}

// sniffClientHello 在 ClassifyTimeout 内最多读 sniffLimit 字节, 尝试
// 取出 TLS ClientHello 里的sni. 读到的字节原样返回, 拨号成功后要先转发它们.
func sniffClientHello(conn net.Conn) (string, []byte) {
	conn.SetReadDeadline(time.Now().Add(ClassifyTimeout))
	defer conn.SetReadDeadline(time.Time{})

	buf := make([]byte, sniffLimit)
	filled := 0

	for filled < sniffLimit {
		n, err := conn.Read(buf[filled:])
		filled += n
		if err != nil {
			break //超时/出错都按现有数据分类
		}
		if filled == 0 {
			continue
		}
		if buf[0] != 0x16 {
			break //不是tls, 不必等更多数据
		}
		if s := netLayer.ExtractSNI(buf[:filled]); s != "" {
			return s, buf[:filled]
		}
		//ClientHello 可能跨tcp段; record完整了还没有sni, 那就是没带
		if filled >= 5 {
			recordLen := int(buf[3])<<8 | int(buf[4])
			if filled >= 5+recordLen {
				break
			}
		}
	}

	return netLayer.ExtractSNI(buf[:filled]), buf[:filled]
}

func (c *Client) serveDirect(ctx context.Context, done chan struct{}, conn net.Conn, rec *ConnRecord, initial []byte) {
	target, err := rec.Origin.DialTimeout(DialTimeout)
	if err != nil {
		if ce := utils.CanLogInfo("direct dial failed"); ce != nil {
			ce.Write(zap.Uint64("conn", rec.ID), zap.String("origin", rec.Origin.String()), zap.Error(err))
		}
		conn.Close()
		return
	}
	rec.State = StateDirect

	go watchCancel(ctx, done, conn, target)

	if len(initial) > 0 {
		if _, err := target.Write(initial); err != nil {
			conn.Close()
			target.Close()
			return
		}
		rec.BytesUp.Add(int64(len(initial)))
	}

	netLayer.Relay(conn, target, &rec.BytesUp, &rec.BytesDown)
	rec.State = StateClosing
}

func (c *Client) serveProxied(ctx context.Context, done chan struct{}, conn net.Conn, rec *ConnRecord, initial []byte) {
	sess, upstream, err := c.dialUpstream(rec)
	if err != nil {
		if isProtocolErr(err) {
			c.Counters.ProtocolErr.Inc()
		}
		if ce := utils.CanLogWarn("tunnel setup failed"); ce != nil {
			ce.Write(zap.Uint64("conn", rec.ID),
				zap.String("origin", rec.Origin.String()),
				zap.String("fallback", c.OnServerDown),
				zap.Error(err))
		}

		if c.OnServerDown == FallbackDirect {
			c.serveDirect(ctx, done, conn, rec, initial)
			return
		}
		//block, 或 retry耗尽
		conn.Close()
		return
	}
	rec.State = StateProxied

	go watchCancel(ctx, done, conn, upstream)

	if len(initial) > 0 {
		if err := sess.Write(upstream, initial); err != nil {
			conn.Close()
			upstream.Close()
			return
		}
		rec.BytesUp.Add(int64(len(initial)))
	}

	err = relayFramed(conn, upstream, sess, &rec.BytesUp, &rec.BytesDown)
	if isProtocolErr(err) {
		c.Counters.ProtocolErr.Inc()
	}
	rec.State = StateClosing
}

// dialUpstream 拨上游并完成握手. on_server_down 为 retry 时做
// 指数退避的重试, 最多 retryAttempts 次.
func (c *Client) dialUpstream(rec *ConnRecord) (*obfsLayer.Session, net.Conn, error) {
	attempts := 1
	if c.OnServerDown == FallbackRetry {
		attempts = retryAttempts
	}

	host := rec.SNI
	if host == "" {
		host = rec.Origin.IP.String()
	}

	backoff := retryBackoffStart
	var lastErr error

	for i := 0; i < attempts; i++ {
		if i > 0 {
			time.Sleep(backoff)
			backoff *= 2
		}

		uc, err := c.Upstream.DialTimeout(DialTimeout)
		if err != nil {
			lastErr = err
			continue
		}

		uc.SetDeadline(time.Now().Add(HandshakeTimeout))
		sess, err := obfsLayer.ClientHandshake(uc, c.Obfs, host, uint16(rec.Origin.Port))
		if err != nil {
			uc.Close()
			lastErr = err
			continue
		}
		uc.SetDeadline(time.Time{})
		return sess, uc, nil
	}
	return nil, nil, lastErr
}

func isProtocolErr(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, obfsLayer.ErrBadLen) ||
		errors.Is(err, obfsLayer.ErrTruncated) ||
		errors.Is(err, obfsLayer.ErrBadTag) ||
		errors.Is(err, obfsLayer.ErrSeqMismatch) ||
		errors.Is(err, obfsLayer.ErrVersionMismatch)
}
