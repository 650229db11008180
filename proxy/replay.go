package proxy

import (
	"sync"

	"github.com/dronrider/xr-proxy/obfsLayer"
)

// MinReplayWindow 重放窗口的最小容量.
const MinReplayWindow = 1024

// NonceWindow 服务端的 最近nonce 滑动集合. 窗口内见过的nonce一律拒绝,
// 超容后按插入顺序淘汰最老的.
//
// v2ray系的防重放是按时间过期的; 这里按条数滑动, 窗口大小与流量无关,
// 语义更好测.
type NonceWindow struct {
	mu sync.Mutex

	set   map[[obfsLayer.NonceLen]byte]struct{}
	order [][obfsLayer.NonceLen]byte //环形, next指向下一个要覆盖的位置
	next  int
	full  bool
}

func NewNonceWindow(capacity int) *NonceWindow {
	if capacity < MinReplayWindow {
		capacity = MinReplayWindow
	}
	return &NonceWindow{
		set:   make(map[[obfsLayer.NonceLen]byte]struct{}, capacity),
		order: make([][obfsLayer.NonceLen]byte, capacity),
	}
}

// Observe 记录一个nonce. 窗口内已存在时返回false(重放), 否则插入并返回true.
func (w *NonceWindow) Observe(n [obfsLayer.NonceLen]byte) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, seen := w.set[n]; seen {
		return false
	}

	if w.full {
		delete(w.set, w.order[w.next])
	}
	w.order[w.next] = n
	w.set[n] = struct{}{}
	w.next++
	if w.next == len(w.order) {
		w.next = 0
		w.full = true
	}
	return true
}
