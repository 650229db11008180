package netLayer

import (
	"io"
	"net"
	"sync"

	"github.com/dronrider/xr-proxy/utils"
	"go.uber.org/atomic"
)

// CloseWriter 能单独关闭写方向. *net.TCPConn 实现了它.
type CloseWriter interface {
	CloseWrite() error
}

// copyOneWay 用一个固定32k的buf 单向拷贝到EOF或出错, 然后把EOF传播到
// write端的写方向(half-close). 读不会超前于写, 天然有对称的背压.
func copyOneWay(dst net.Conn, src net.Conn, counter *atomic.Int64) error {
	buf := utils.GetPumpBuf()
	defer utils.PutPumpBuf(buf)

	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			if counter != nil {
				counter.Add(int64(n))
			}
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if rerr != nil {
			if cw, ok := dst.(CloseWriter); ok {
				cw.CloseWrite()
			}
			if rerr == io.EOF {
				return nil
			}
			return rerr
		}
	}
}

// Relay 在两条连接间双向转发, 直到两个方向都结束.
// up/down 计数器可以为nil. 返回非EOF错误; 两个方向都出错时
// 返回 上行(local→remote) 方向的那个, 不论谁先发生.
//
// 任一方向出硬错误都说明连接已死, 要立刻关闭两端, 把对向pump从
// 阻塞的Read里放出来; 干净的EOF则不关, half-close期间另一个方向还能继续传.
func Relay(local, remote net.Conn, up, down *atomic.Int64) error {
	var wg sync.WaitGroup
	var upErr, downErr error

	wg.Add(1)
	go func() {
		defer wg.Done()
		upErr = copyOneWay(remote, local, up)
		if upErr != nil {
			local.Close()
			remote.Close()
		}
	}()

	downErr = copyOneWay(local, remote, down)
	if downErr != nil {
		local.Close()
		remote.Close()
	}

	wg.Wait()

	local.Close()
	remote.Close()

	if upErr != nil {
		return upErr
	}
	return downErr
}
