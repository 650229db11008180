package obfsLayer

import (
	"encoding/binary"
	"math/bits"
	"math/rand"

	"golang.org/x/crypto/blake2s"
)

// ModKind 是可选的三种字节混淆方案. 三种方案输出的指纹不同,
// 某一种被识别后, 运营者可以切换到另一种. 两端必须配置一致,
// 不一致时第一帧就解码失败: 长度前缀也被混淆, 还原出的长度多半越界,
// 报 ErrBadLen; 长度碰巧合法时报 ErrBadTag 或 ErrTruncated.
type ModKind uint8

const (
	ModPositionalXorRotate ModKind = iota
	ModRotatingSalt
	ModSubstitutionTable
)

func ModKindFromStr(s string) (ModKind, bool) {
	switch s {
	case "positional_xor_rotate":
		return ModPositionalXorRotate, true
	case "rotating_salt":
		return ModRotatingSalt, true
	case "substitution_table":
		return ModSubstitutionTable, true
	}
	return 0, false
}

func (k ModKind) String() string {
	switch k {
	case ModPositionalXorRotate:
		return "positional_xor_rotate"
	case ModRotatingSalt:
		return "rotating_salt"
	case ModSubstitutionTable:
		return "substitution_table"
	}
	return "unknown"
}

// Modifier 对整个编码后的记录(含头部和tag)做可逆的字节变换.
// 除 seq 之外跨帧无状态, 同一个 Modifier 可同时用于收发两个方向.
type Modifier struct {
	kind    ModKind
	kStream [32]byte

	//substitution_table 专用, 会话开始时一次性派生.
	perm [256]byte
	inv  [256]byte
}

func NewModifier(kind ModKind, kStream [32]byte) *Modifier {
	m := &Modifier{kind: kind, kStream: kStream}

	if kind == ModSubstitutionTable {
		//Fisher–Yates, 用 kStream 做种子. 两端的go runtime对同一种子
		// 产生同一序列, 所以置换表必然一致.
		for i := range m.perm {
			m.perm[i] = byte(i)
		}
		rng := rand.New(rand.NewSource(int64(binary.BigEndian.Uint64(kStream[:8]))))
		for i := 255; i > 0; i-- {
			j := rng.Intn(i + 1)
			m.perm[i], m.perm[j] = m.perm[j], m.perm[i]
		}
		for i, v := range m.perm {
			m.inv[v] = byte(i)
		}
	}
	return m
}

func (m *Modifier) Kind() ModKind { return m.kind }

// Encode 就地混淆 b. seq 为本帧的序号.
func (m *Modifier) Encode(b []byte, seq uint32) {
	switch m.kind {
	case ModPositionalXorRotate:
		for i := range b {
			k := m.kStream[(uint32(i)+seq)%32]
			b[i] = bits.RotateLeft8(b[i]^k, int(k%7)+1)
		}
	case ModRotatingSalt:
		m.rotatingSaltXor(b, seq)
	case ModSubstitutionTable:
		for i := range b {
			k := m.kStream[(uint32(i)+seq)%32]
			b[i] = m.perm[b[i]^k]
		}
	}
}

// Decode 就地还原 b. 必须与 Encode 使用相同的 seq.
func (m *Modifier) Decode(b []byte, seq uint32) {
	switch m.kind {
	case ModPositionalXorRotate:
		//先逆转rotate再异或, 顺序与Encode相反
		for i := range b {
			k := m.kStream[(uint32(i)+seq)%32]
			b[i] = bits.RotateLeft8(b[i], -(int(k%7)+1)) ^ k
		}
	case ModRotatingSalt:
		//纯异或, 自身即是逆
		m.rotatingSaltXor(b, seq)
	case ModSubstitutionTable:
		for i := range b {
			k := m.kStream[(uint32(i)+seq)%32]
			b[i] = m.inv[b[i]] ^ k
		}
	}
}

// keystream ks = H(kStream ‖ seq_be), 每消耗64字节就 ks = H(ks) 换一轮.
func (m *Modifier) rotatingSaltXor(b []byte, seq uint32) {
	var seqBe [4]byte
	binary.BigEndian.PutUint32(seqBe[:], seq)
	ks := hashConcat(m.kStream[:], seqBe[:])

	for i := range b {
		if i > 0 && i%64 == 0 {
			ks = blake2s.Sum256(ks[:])
		}
		b[i] ^= ks[i%32]
	}
}
