package proxy

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/dronrider/xr-proxy/netLayer"
	"github.com/dronrider/xr-proxy/obfsLayer"
	"github.com/dronrider/xr-proxy/utils"
)

func TestMain(m *testing.M) {
	utils.LogLevel = utils.Log_error
	utils.InitLog()
	os.Exit(m.Run())
}

func testObfs(kind obfsLayer.ModKind) obfsLayer.Config {
	return obfsLayer.Config{
		Secret: []byte("e2e-test-key-32-bytes-long-ok!!!"),
		Salt:   42,
		Kind:   kind,
		PadMin: 4,
		PadMax: 16,
	}
}

// 起一个简单的echo服务, 返回监听地址.
func startEcho(t *testing.T) *net.TCPAddr {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { lis.Close() })

	go func() {
		for {
			c, err := lis.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				io.Copy(c, c)
				c.Close()
			}(c)
		}
	}()
	return lis.Addr().(*net.TCPAddr)
}

func startServer(t *testing.T, opts ServerOpts) *net.TCPAddr {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	srv := NewServer(opts)
	go srv.Serve(ctx, lis)

	return lis.Addr().(*net.TCPAddr)
}

// 场景: 完整回环隧道. 载荷必须逐字节原样到达echo端并原样回来.
func TestLoopbackTunnel(t *testing.T) {
	echoAddr := startEcho(t)
	srvAddr := startServer(t, ServerOpts{
		Obfs:           testObfs(obfsLayer.ModPositionalXorRotate),
		MaxConnections: 16,
		RateLimitPerIP: 100,
	})

	conn, err := net.Dial("tcp", srvAddr.String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	sess, err := obfsLayer.ClientHandshake(conn, testObfs(obfsLayer.ModPositionalXorRotate),
		"127.0.0.1", uint16(echoAddr.Port))
	if err != nil {
		t.Fatal(err)
	}

	payload := []byte("GET / HTTP/1.0\r\n\r\n")
	if err := sess.Write(conn, payload); err != nil {
		t.Fatal(err)
	}

	var got []byte
	for len(got) < len(payload) {
		p, err := sess.ReadFrame(conn)
		if err != nil {
			t.Fatal(err)
		}
		got = append(got, p...)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("echo mismatch: %q", got)
	}
}

// 场景: 两端modifier不一致. 客户端观察到协议错误, 服务端回decoy.
func TestModifierMismatchServesDecoy(t *testing.T) {
	echoAddr := startEcho(t)
	srvAddr := startServer(t, ServerOpts{
		Obfs:           testObfs(obfsLayer.ModRotatingSalt),
		MaxConnections: 16,
		RateLimitPerIP: 100,
	})

	//客户端用 substitution_table, 握手必然失败
	conn, err := net.Dial("tcp", srvAddr.String())
	if err != nil {
		t.Fatal(err)
	}
	conn.SetDeadline(time.Now().Add(5 * time.Second))
	_, err = obfsLayer.ClientHandshake(conn, testObfs(obfsLayer.ModSubstitutionTable),
		"127.0.0.1", uint16(echoAddr.Port))
	conn.Close()
	if err == nil {
		t.Fatal("mismatched modifier handshake succeeded")
	}

	//裸探测: 16字节假nonce + 垃圾, 应收到一个http 200页面
	probe, err := net.Dial("tcp", srvAddr.String())
	if err != nil {
		t.Fatal(err)
	}
	defer probe.Close()
	probe.SetDeadline(time.Now().Add(5 * time.Second))

	junk := make([]byte, 64)
	utils.RandCryptoBytes(junk)
	if _, err := probe.Write(junk); err != nil {
		t.Fatal(err)
	}
	//半关写方向, 让服务端在等不满一帧时立刻看到EOF
	probe.(*net.TCPConn).CloseWrite()

	resp, _ := io.ReadAll(probe)
	if !strings.HasPrefix(string(resp), "HTTP/1.1 200 OK") {
		t.Fatalf("want decoy http page, got %q", resp)
	}
}

// http探针不用等到超时, 立刻拿到decoy.
func TestHTTPProbeGetsDecoyQuickly(t *testing.T) {
	srvAddr := startServer(t, ServerOpts{
		Obfs:           testObfs(obfsLayer.ModPositionalXorRotate),
		MaxConnections: 16,
		RateLimitPerIP: 100,
	})

	conn, err := net.Dial("tcp", srvAddr.String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(3 * time.Second))

	if _, err := conn.Write([]byte("GET / HTTP/1.1\r\nHost: example.com\r\n\r\n")); err != nil {
		t.Fatal(err)
	}
	resp, _ := io.ReadAll(conn)
	if !strings.HasPrefix(string(resp), "HTTP/1.1 200 OK") {
		t.Fatalf("want immediate decoy, got %q", resp)
	}
}

// 场景: 重放的nonce被拒, 新nonce照常成功.
func TestReplayedNonceRejected(t *testing.T) {
	echoAddr := startEcho(t)
	srvAddr := startServer(t, ServerOpts{
		Obfs:           testObfs(obfsLayer.ModPositionalXorRotate),
		MaxConnections: 16,
		RateLimitPerIP: 100,
	})

	var nonce [obfsLayer.NonceLen]byte
	copy(nonce[:], "fixed-nonce-0001")

	dialWithNonce := func() (*obfsLayer.Ack, error) {
		conn, err := net.Dial("tcp", srvAddr.String())
		if err != nil {
			t.Fatal(err)
		}
		defer conn.Close()
		conn.SetDeadline(time.Now().Add(5 * time.Second))

		if _, err := conn.Write(nonce[:]); err != nil {
			return nil, err
		}
		sess := obfsLayer.NewSession(testObfs(obfsLayer.ModPositionalXorRotate), nonce)
		hello := obfsLayer.Hello{TargetHost: "127.0.0.1", TargetPort: uint16(echoAddr.Port)}
		if err := sess.WriteFrame(conn, hello.Encode()); err != nil {
			return nil, err
		}
		p, err := sess.ReadFrame(conn)
		if err != nil {
			return nil, err
		}
		return obfsLayer.ParseAck(p)
	}

	ack, err := dialWithNonce()
	if err != nil {
		t.Fatal(err)
	}
	if ack.Status != obfsLayer.AckAccepted {
		t.Fatalf("first connection refused: %+v", ack)
	}

	ack, err = dialWithNonce()
	if err != nil {
		t.Fatal(err)
	}
	if ack.Status == obfsLayer.AckAccepted || ack.Reason != obfsLayer.ReasonReplay {
		t.Fatalf("replay not rejected: %+v", ack)
	}

	//换个新鲜nonce, 正常走
	conn, err := net.Dial("tcp", srvAddr.String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))
	if _, err := obfsLayer.ClientHandshake(conn, testObfs(obfsLayer.ModPositionalXorRotate),
		"127.0.0.1", uint16(echoAddr.Port)); err != nil {
		t.Fatal(err)
	}
}

// 场景: 目标拨不通, 客户端收到 target-refused.
func TestTargetRefused(t *testing.T) {
	srvAddr := startServer(t, ServerOpts{
		Obfs:           testObfs(obfsLayer.ModRotatingSalt),
		MaxConnections: 16,
		RateLimitPerIP: 100,
	})

	//先占一个端口再关掉, 得到一个大概率没人听的端口
	probe, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	deadPort := probe.Addr().(*net.TCPAddr).Port
	probe.Close()

	conn, err := net.Dial("tcp", srvAddr.String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(10 * time.Second))

	_, err = obfsLayer.ClientHandshake(conn, testObfs(obfsLayer.ModRotatingSalt),
		"127.0.0.1", uint16(deadPort))
	var refused *obfsLayer.AckRefusedError
	if !errors.As(err, &refused) {
		t.Fatalf("want AckRefusedError, got %v", err)
	}
	if refused.Reason != obfsLayer.ReasonTargetRefused {
		t.Fatalf("want target refused, got reason %d", refused.Reason)
	}
}

// 场景: 源ip超速, 收到 rate-limited.
func TestRateLimitedAck(t *testing.T) {
	echoAddr := startEcho(t)
	srvAddr := startServer(t, ServerOpts{
		Obfs:           testObfs(obfsLayer.ModPositionalXorRotate),
		MaxConnections: 64,
		RateLimitPerIP: 1, //burst 3
	})

	var sawRateLimited bool
	for i := 0; i < 5; i++ {
		conn, err := net.Dial("tcp", srvAddr.String())
		if err != nil {
			t.Fatal(err)
		}
		conn.SetDeadline(time.Now().Add(5 * time.Second))
		_, err = obfsLayer.ClientHandshake(conn, testObfs(obfsLayer.ModPositionalXorRotate),
			"127.0.0.1", uint16(echoAddr.Port))
		conn.Close()

		var refused *obfsLayer.AckRefusedError
		if errors.As(err, &refused) && refused.Reason == obfsLayer.ReasonRateLimited {
			sawRateLimited = true
			break
		}
	}
	if !sawRateLimited {
		t.Fatal("burst of 5 connections never hit the rate limit")
	}
}

// 客户端侧: 上游拨不通, on_server_down=direct 时直接连原始目标.
func TestClientFallbackDirect(t *testing.T) {
	echoAddr := startEcho(t)

	//一个必然拒绝的上游端口
	probe, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	deadPort := probe.Addr().(*net.TCPAddr).Port
	probe.Close()

	c := NewClient(ClientOpts{
		Obfs:           testObfs(obfsLayer.ModPositionalXorRotate),
		Policy:         netLayer.NewRoutePolicy(netLayer.VerdictProxy),
		Upstream:       netLayer.Addr{IP: net.ParseIP("127.0.0.1"), Port: deadPort},
		ListenPort:     1,
		OnServerDown:   FallbackDirect,
		MaxConnections: 4,
	})

	rec := newConnRecord()
	rec.Origin = netLayer.Addr{IP: echoAddr.IP, Port: echoAddr.Port}

	local, remote := net.Pipe()
	done := make(chan struct{})
	defer close(done)

	finished := make(chan struct{})
	go func() {
		defer close(finished)
		c.serveProxied(context.Background(), done, remote, rec, nil)
	}()

	local.SetDeadline(time.Now().Add(10 * time.Second))
	if _, err := local.Write([]byte("ping")); err != nil {
		t.Fatal(err)
	}
	got := make([]byte, 4)
	if _, err := io.ReadFull(local, got); err != nil {
		t.Fatal(err)
	}
	if string(got) != "ping" {
		t.Fatalf("echo through fallback mismatch: %q", got)
	}
	if rec.State != StateDirect {
		t.Fatalf("record state %v, want direct", rec.State)
	}

	local.Close()
	<-finished
}
