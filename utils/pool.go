package utils

import (
	"bytes"
	"sync"
)

// 每个连接的每方向就一个 固定32k的buf, 不搞无界队列.
// 作为参考对比，tcp默认是 16384, 16k; io.Copy 内部默认buffer大小为 32k.
const PumpBufLen = 32 * 1024

var (
	pumpBufPool sync.Pool //专门储存 长度为 PumpBufLen 的 []byte

	bufPool sync.Pool //储存 *bytes.Buffer
)

func init() {
	pumpBufPool = sync.Pool{
		New: func() any {
			return make([]byte, PumpBufLen)
		},
	}

	bufPool = sync.Pool{
		New: func() any {
			return &bytes.Buffer{}
		},
	}
}

// 从Pool中获取一个 长度为 PumpBufLen 的 []byte
func GetPumpBuf() []byte {
	return pumpBufPool.Get().([]byte)
}

func PutPumpBuf(b []byte) {
	if cap(b) != PumpBufLen {
		return
	}
	pumpBufPool.Put(b[:PumpBufLen])
}

// 从Pool中获取一个 *bytes.Buffer
func GetBuf() *bytes.Buffer {
	return bufPool.Get().(*bytes.Buffer)
}

// 将 buf 放回 Pool
func PutBuf(buf *bytes.Buffer) {
	buf.Reset()
	bufPool.Put(buf)
}
