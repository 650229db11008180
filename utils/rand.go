package utils

import (
	crand "crypto/rand"
	"math/rand"
)

// 填充密码学安全的随机字节. padding 和 nonce 都要用这个, 不能用 math/rand,
// 否则混淆后的流可能带上可预测的结构.
func RandCryptoBytes(b []byte) {
	if _, err := crand.Read(b); err != nil {
		panic(err) //系统随机源坏了的话没有任何办法, 继续跑只会泄密
	}
}

// [min, max] 内均匀取值; min > max 时返回 min.
func RandIntBetween(min, max int) int {
	if min >= max {
		return min
	}
	return min + rand.Intn(max-min+1)
}
