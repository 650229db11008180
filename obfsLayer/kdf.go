package obfsLayer

import (
	"encoding/binary"

	"golang.org/x/crypto/blake2s"
)

var (
	labelStream = []byte("xr/stream")
	labelMac    = []byte("xr/mac")
)

// DeriveSessionKeys 从 (共享密钥, salt, 连接nonce) 派生本连接的 流密钥 和 mac密钥.
// 两个密钥的生命周期都只有一条tcp连接, 不跨连接缓存.
func DeriveSessionKeys(secret []byte, salt uint32, nonce [NonceLen]byte) (kStream, kMac [32]byte) {
	var saltBe [4]byte
	binary.BigEndian.PutUint32(saltBe[:], salt)

	kStream = hashConcat(labelStream, secret, saltBe[:], nonce[:])
	kMac = hashConcat(labelMac, secret, saltBe[:], nonce[:])
	return
}

func hashConcat(parts ...[]byte) [32]byte {
	h, err := blake2s.New256(nil)
	if err != nil {
		panic(err) //blake2s.New256(nil) 只在key超长时报错, 这里不可能
	}
	for _, p := range parts {
		h.Write(p)
	}
	var out [32]byte
	h.Sum(out[:0])
	return out
}
