/*
Package proxy 包含两端的数据面: 客户端的 连接桥 (透明代理侧) 和
服务端的 分发器 (出口侧).

客户端每条被重定向的连接走一个状态机:

	Accepted → Classified → (Direct|Proxied) → Closing → Closed

服务端每条连接: 读nonce → 解第一帧 → (认证失败则回decoy) → 查重放 →
解析目标 → 拨号 → 回ack → 双向转发.
*/
package proxy

import (
	"context"
	"io"
	"net"
	"runtime/debug"
	"time"

	"github.com/dronrider/xr-proxy/netLayer"
	"github.com/dronrider/xr-proxy/obfsLayer"
	"github.com/dronrider/xr-proxy/utils"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

const (
	// ClassifyTimeout 嗅探sni的总预算. 超时就按 无sni 分类.
	ClassifyTimeout = 500 * time.Millisecond

	//嗅探最多读这么多字节, 足够覆盖一个ClientHello.
	sniffLimit = 4096

	// DialTimeout 拨上游/拨目标 的超时.
	DialTimeout = 5 * time.Second

	// HandshakeTimeout 服务端等 nonce+hello 的预算, 客户端等ack同限.
	HandshakeTimeout = 10 * time.Second

	// DNSTimeout 服务端解析 target_host 的预算.
	DNSTimeout = 2 * time.Second

	// CancelGrace 收到退出信号后给每条连接的收尾时间, 之后硬关.
	CancelGrace = 2 * time.Second
)

type ConnState uint8

const (
	StateAccepted ConnState = iota
	StateClassified
	StateDirect
	StateProxied
	StateClosing
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateAccepted:
		return "accepted"
	case StateClassified:
		return "classified"
	case StateDirect:
		return "direct"
	case StateProxied:
		return "proxied"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// ConnRecord 一条连接的全程记录, 只归属于它自己的goroutine.
type ConnRecord struct {
	ID      uint64
	Origin  netLayer.Addr
	SNI     string
	Verdict netLayer.Verdict
	State   ConnState

	BytesUp   atomic.Int64
	BytesDown atomic.Int64
	StartedAt time.Time
}

var nextConnID atomic.Uint64

func newConnRecord() *ConnRecord {
	return &ConnRecord{
		ID:        nextConnID.Inc(),
		StartedAt: time.Now(),
	}
}

// Counters 进程级事件计数. 协议错误等都是连接级的, 杀连接不杀进程,
// 这里只记账.
type Counters struct {
	ProtocolErr atomic.Int64 //BadLen/Truncated/BadTag/SeqMismatch/VersionMismatch
	Overload    atomic.Int64
	Replay      atomic.Int64
	RateLimited atomic.Int64
	Decoy       atomic.Int64
}

// 单个连接goroutine里的panic只杀它自己, 不能带崩整个进程
// (客户端进程一死, watchdog拆规则, 整个局域网断代理).
func recoverConn(id uint64) {
	if r := recover(); r != nil {
		if ce := utils.CanLogErr("connection task panic"); ce != nil {
			ce.Write(zap.Uint64("conn", id), zap.Any("panic", r), zap.String("stack", string(debug.Stack())))
		}
	}
}

// watchCancel 把进程级取消传播到一条连接: 先给 CancelGrace 的收尾时间,
// 还没退出就直接关socket硬中止. done 关闭时本函数返回.
func watchCancel(ctx context.Context, done <-chan struct{}, conns ...net.Conn) {
	select {
	case <-done:
		return
	case <-ctx.Done():
	}

	t := time.NewTimer(CancelGrace)
	defer t.Stop()
	select {
	case <-done:
	case <-t.C:
		for _, c := range conns {
			if c != nil {
				c.Close()
			}
		}
	}
}

// relayFramed 在 明文连接 和 混淆隧道 间双向转发.
// raw→framed 方向切帧编码, framed→raw 方向解帧还原.
// 一侧的EOF以 tcp half-close 传播到另一侧, 两个方向都结束才返回.
//
// 转发阶段没有deadline, 所以 任一方向的硬错误 都要立刻关两端,
// 把对向pump从阻塞的Read里放出来; 干净EOF则等另一方向自然结束.
func relayFramed(raw, framed net.Conn, s *obfsLayer.Session, up, down *atomic.Int64) error {
	done := make(chan struct{})
	var encErr error

	go func() {
		defer close(done)
		buf := utils.GetPumpBuf()
		defer utils.PutPumpBuf(buf)

		for {
			n, rerr := raw.Read(buf)
			if n > 0 {
				if up != nil {
					up.Add(int64(n))
				}
				if werr := s.Write(framed, buf[:n]); werr != nil {
					encErr = werr
					break
				}
			}
			if rerr != nil {
				if cw, ok := framed.(netLayer.CloseWriter); ok {
					cw.CloseWrite()
				}
				if rerr != io.EOF {
					encErr = rerr
				}
				break
			}
		}

		if encErr != nil {
			raw.Close()
			framed.Close()
		}
	}()

	var decErr error
	for {
		payload, rerr := s.ReadFrame(framed)
		if len(payload) > 0 {
			if down != nil {
				down.Add(int64(len(payload)))
			}
			if _, werr := raw.Write(payload); werr != nil {
				decErr = werr
				break
			}
		}
		if rerr != nil {
			if cw, ok := raw.(netLayer.CloseWriter); ok {
				cw.CloseWrite()
			}
			if rerr != io.EOF {
				decErr = rerr
			}
			break
		}
	}

	if decErr != nil {
		raw.Close()
		framed.Close()
	}

	<-done

	raw.Close()
	framed.Close()

	if decErr != nil {
		return decErr
	}
	return encErr
}
