package proxy

import "testing"

func TestRateLimiterBurst(t *testing.T) {
	l := newIPRateLimiter(10, 30)
	defer l.stop()

	//burst内全放行
	for i := 0; i < 30; i++ {
		if !l.Allow("203.0.113.5") {
			t.Fatalf("connection %d inside burst denied", i)
		}
	}
	//burst打满后立刻再来, 拒
	if l.Allow("203.0.113.5") {
		t.Fatal("connection above burst allowed")
	}
	//别的源ip不受影响
	if !l.Allow("203.0.113.6") {
		t.Fatal("unrelated ip denied")
	}
}
