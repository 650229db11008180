package proxy

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const limiterIdleTimeout = 5 * time.Minute

type limiterEntry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// ipRateLimiter 按源ip做新建连接的令牌桶限速.
type ipRateLimiter struct {
	sync.Mutex
	m map[string]*limiterEntry

	r rate.Limit
	b int

	ticker   *time.Ticker
	stopChan chan struct{}
	closed   bool
}

func newIPRateLimiter(perSecond int, burst int) *ipRateLimiter {
	l := &ipRateLimiter{
		m:        make(map[string]*limiterEntry),
		r:        rate.Limit(perSecond),
		b:        burst,
		ticker:   time.NewTicker(limiterIdleTimeout),
		stopChan: make(chan struct{}),
	}

	//定时清理闲置的源ip, 避免map无限增长
	go func(l *ipRateLimiter) {
		for {
			select {
			case <-l.stopChan:
				return
			case now := <-l.ticker.C:
				l.Lock()
				for ip, e := range l.m {
					if now.Sub(e.lastSeen) > limiterIdleTimeout {
						delete(l.m, ip)
					}
				}
				l.Unlock()
			}
		}
	}(l)

	return l
}

// Allow 判断来自 ip 的一次新建连接是否放行.
func (l *ipRateLimiter) Allow(ip string) bool {
	l.Lock()
	e, found := l.m[ip]
	if !found {
		e = &limiterEntry{lim: rate.NewLimiter(l.r, l.b)}
		l.m[ip] = e
	}
	e.lastSeen = time.Now()
	l.Unlock()

	return e.lim.Allow()
}

func (l *ipRateLimiter) stop() {
	l.Lock()
	defer l.Unlock()

	if l.closed {
		return
	}
	l.closed = true
	close(l.stopChan)
	l.ticker.Stop()
}
