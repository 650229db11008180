package proxy

import (
	"context"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dronrider/xr-proxy/httpLayer"
	"github.com/dronrider/xr-proxy/netLayer"
	"github.com/dronrider/xr-proxy/obfsLayer"
	"github.com/dronrider/xr-proxy/utils"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

type ServerOpts struct {
	Obfs           obfsLayer.Config
	MaxConnections int
	RateLimitPerIP int //每源ip每秒新建连接数, burst为它的3倍
	DNSServer      string
	DecoyFile      string
}

// Server 是出口侧的分发器: 接受混淆流、认证、解析目标、转发.
// 对解不开第一帧的连接回decoy页面, 让监听端口在简单探测下
// 看起来是个普通web服务器.
type Server struct {
	ServerOpts

	decoy   *httpLayer.Decoy
	replay  *NonceWindow
	limiter *ipRateLimiter

	current  atomic.Int64
	Counters Counters
}

func NewServer(opts ServerOpts) *Server {
	return &Server{
		ServerOpts: opts,
		decoy:      httpLayer.NewDecoy(opts.DecoyFile),
		replay:     NewNonceWindow(MinReplayWindow),
		limiter:    newIPRateLimiter(opts.RateLimitPerIP, opts.RateLimitPerIP*3),
	}
}

// Active 当前仍在服务的连接数.
func (s *Server) Active() int64 { return s.current.Load() }

func (s *Server) Serve(ctx context.Context, lis net.Listener) {
	defer s.limiter.stop()
	netLayer.LoopAccept(ctx, lis, func(conn net.Conn) {
		s.handleConn(ctx, conn)
	})
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	rec := newConnRecord()
	defer recoverConn(rec.ID)

	if s.current.Inc() > int64(s.MaxConnections) {
		s.current.Dec()
		s.Counters.Overload.Inc()
		conn.Close()
		if ce := utils.CanLogWarn("overload"); ce != nil {
			ce.Write(zap.Uint64("conn", rec.ID), zap.String("from", conn.RemoteAddr().String()))
		}
		return
	}
	defer s.current.Dec()

	done := make(chan struct{})
	defer close(done)
	go watchCancel(ctx, done, conn)
	defer func() { rec.State = StateClosed }()

	//握手整体限时. 之后转发阶段不设deadline
	conn.SetDeadline(time.Now().Add(HandshakeTimeout))

	nonce, err := obfsLayer.ReadNonce(conn)
	if err != nil {
		conn.Close()
		return
	}

	//明显是http请求的探针直接回decoy, 不让它干等到deadline;
	// 真网页服务器不会让curl挂10秒
	if looksLikeHTTP(nonce[:]) {
		s.Counters.Decoy.Inc()
		s.serveDecoy(conn, rec, utils.ErrInvalidData)
		return
	}

	sess := obfsLayer.NewSession(s.Obfs, nonce)

	helloPayload, err := sess.ReadFrame(conn)
	if err != nil {
		//解不出合法的第一帧: 扫描流量、好奇的http探针、或配置不一致的
		// 客户端. 统统当访客, 回decoy页关连接
		s.Counters.Decoy.Inc()
		s.serveDecoy(conn, rec, err)
		return
	}

	hello, err := obfsLayer.ParseHello(helloPayload)
	if err != nil {
		if err == obfsLayer.ErrVersionMismatch {
			s.Counters.ProtocolErr.Inc()
			s.sendAck(conn, sess, obfsLayer.ReasonVersion)
			conn.Close()
			return
		}
		s.Counters.Decoy.Inc()
		s.serveDecoy(conn, rec, err)
		return
	}

	srcIP := ""
	if ta, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		srcIP = ta.IP.String()
	}
	if !s.limiter.Allow(srcIP) {
		s.Counters.RateLimited.Inc()
		s.sendAck(conn, sess, obfsLayer.ReasonRateLimited)
		conn.Close()
		return
	}

	if !s.replay.Observe(nonce) {
		s.Counters.Replay.Inc()
		if ce := utils.CanLogInfo("replayed nonce rejected"); ce != nil {
			ce.Write(zap.Uint64("conn", rec.ID), zap.String("from", conn.RemoteAddr().String()))
		}
		s.sendAck(conn, sess, obfsLayer.ReasonReplay)
		conn.Close()
		return
	}

	target, err := s.dialTarget(ctx, hello)
	if err != nil {
		if ce := utils.CanLogInfo("target unreachable"); ce != nil {
			ce.Write(zap.Uint64("conn", rec.ID),
				zap.String("host", hello.TargetHost),
				zap.Uint16("port", hello.TargetPort),
				zap.Error(err))
		}
		s.sendAck(conn, sess, obfsLayer.ReasonTargetRefused)
		conn.Close()
		return
	}

	if err := s.sendAck(conn, sess, 0); err != nil {
		conn.Close()
		target.Close()
		return
	}
	conn.SetDeadline(time.Time{})

	rec.State = StateProxied
	go watchCancel(ctx, done, target)

	if ce := utils.CanLogInfo("relaying"); ce != nil {
		ce.Write(zap.Uint64("conn", rec.ID),
			zap.String("from", conn.RemoteAddr().String()),
			zap.String("target", net.JoinHostPort(hello.TargetHost, strconv.Itoa(int(hello.TargetPort)))))
	}

	err = relayFramed(target, conn, sess, &rec.BytesDown, &rec.BytesUp)
	if isProtocolErr(err) {
		s.Counters.ProtocolErr.Inc()
	}
}

// dialTarget 解析 target_host 并拨号. 字面ip直接用, 域名做2秒限时解析.
func (s *Server) dialTarget(ctx context.Context, hello *obfsLayer.Hello) (net.Conn, error) {
	dnsCtx, cancel := context.WithTimeout(ctx, DNSTimeout)
	defer cancel()

	ip, err := netLayer.ResolveHost(dnsCtx, hello.TargetHost, s.DNSServer)
	if err != nil {
		if err == os.ErrNotExist {
			return nil, utils.ErrInErr{ErrDesc: "no such host", Data: hello.TargetHost}
		}
		return nil, err
	}

	addr := netLayer.Addr{IP: ip, Port: int(hello.TargetPort)}
	return addr.DialTimeout(DialTimeout)
}

// 回ack帧. reason==0 即接受.
func (s *Server) sendAck(conn net.Conn, sess *obfsLayer.Session, reason byte) error {
	ack := obfsLayer.Ack{Reason: reason}
	if reason != 0 {
		ack.Status = 1
	}
	return sess.WriteFrame(conn, ack.Encode())
}

func (s *Server) serveDecoy(conn net.Conn, rec *ConnRecord, cause error) {
	if ce := utils.CanLogInfo("serving decoy"); ce != nil {
		ce.Write(zap.Uint64("conn", rec.ID),
			zap.String("from", conn.RemoteAddr().String()),
			zap.Error(cause))
	}
	conn.SetWriteDeadline(time.Now().Add(HandshakeTimeout))
	conn.Write(s.decoy.Response())
	conn.Close()
}

var httpMethods = []string{"GET ", "POST ", "HEAD ", "PUT ", "DELETE ", "OPTIONS ", "CONNECT "}

func looksLikeHTTP(b []byte) bool {
	for _, m := range httpMethods {
		if strings.HasPrefix(string(b), m) {
			return true
		}
	}
	return false
}
