package proxy

import (
	"encoding/binary"
	"testing"

	"github.com/dronrider/xr-proxy/obfsLayer"
)

func nonceN(i uint64) (n [obfsLayer.NonceLen]byte) {
	binary.BigEndian.PutUint64(n[:8], i)
	return
}

func TestReplayRejected(t *testing.T) {
	w := NewNonceWindow(MinReplayWindow)

	if !w.Observe(nonceN(1)) {
		t.Fatal("fresh nonce rejected")
	}
	if w.Observe(nonceN(1)) {
		t.Fatal("replayed nonce accepted")
	}
	if !w.Observe(nonceN(2)) {
		t.Fatal("second fresh nonce rejected")
	}
}

func TestReplayWithinWindowOf1024(t *testing.T) {
	w := NewNonceWindow(1024)

	w.Observe(nonceN(0))
	//再来1023个, 第一个仍然在窗口内
	for i := uint64(1); i < 1024; i++ {
		w.Observe(nonceN(i))
	}
	if w.Observe(nonceN(0)) {
		t.Fatal("nonce still inside the window was accepted")
	}
}

func TestReplayEvictionOrder(t *testing.T) {
	w := NewNonceWindow(1024)

	for i := uint64(0); i < 1024; i++ {
		w.Observe(nonceN(i))
	}
	//第1025个把最老的0号挤出去
	w.Observe(nonceN(9999))

	if !w.Observe(nonceN(0)) {
		t.Fatal("evicted nonce should be accepted again")
	}
	if w.Observe(nonceN(9999)) {
		t.Fatal("recent nonce should still be rejected")
	}
}

func TestReplayMinimumCapacity(t *testing.T) {
	w := NewNonceWindow(1)
	if len(w.order) < MinReplayWindow {
		t.Fatalf("capacity %d below minimum", len(w.order))
	}
}
