package obfsLayer

import (
	"crypto/hmac"
	"encoding/binary"
	"hash"
	"io"

	"github.com/dronrider/xr-proxy/utils"
	"golang.org/x/crypto/blake2s"
)

// Session 是一条连接上的 帧编解码器. 收发两个方向各自维护严格递增的 seq,
// 从0开始. 编解码本身是同步、不阻塞的, 只消费调用方交给它的 io.
//
// 并发约束: 同方向的调用必须串行(每个方向一个pump goroutine), 收与发
// 互不共享可变状态, 可以并行.
type Session struct {
	mod  *Modifier
	kMac [32]byte

	padMin, padMax uint16

	sendSeq uint32
	recvSeq uint32
}

// NewSession 由 (配置, 本连接nonce) 派生会话密钥并建立编解码器.
// 连接关闭后 Session 直接丢弃, 密钥不跨连接存活.
func NewSession(cfg Config, nonce [NonceLen]byte) *Session {
	kStream, kMac := DeriveSessionKeys(cfg.Secret, cfg.Salt, nonce)

	//padding可以配成0; min>max 属于配置层就该拦下的错误, 这里收紧而不是猜
	padMin, padMax := cfg.PadMin, cfg.PadMax
	if padMax < padMin {
		padMax = padMin
	}

	return &Session{
		mod:    NewModifier(cfg.Kind, kStream),
		kMac:   kMac,
		padMin: padMin,
		padMax: padMax,
	}
}

func (s *Session) newMac() hash.Hash {
	return hmac.New(func() hash.Hash {
		h, _ := blake2s.New256(nil)
		return h
	}, s.kMac[:])
}

// tag = HMAC(K_mac, seq_be ‖ payload_len_be ‖ pad_len_be ‖ payload ‖ pad),
// 即 明文记录去掉tag的部分, 截断到16字节. 在混淆之前计算.
func (s *Session) computeTag(plain []byte) [tagLen]byte {
	mac := s.newMac()
	mac.Write(plain)
	var full [32]byte
	mac.Sum(full[:0])
	var t [tagLen]byte
	copy(t[:], full[:tagLen])
	return t
}

// WriteFrame 将一个 不超过 MaxPayloadLen 的载荷编码为单帧写出.
// 允许空载荷(比如以后想加心跳帧), 帧里仍有随机padding.
func (s *Session) WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxPayloadLen {
		return ErrBadLen
	}

	padLen := utils.RandIntBetween(int(s.padMin), int(s.padMax))
	recordLen := headerLen + len(payload) + padLen + tagLen

	//发送是热路径, 每帧的临时buf从池里拿
	bb := utils.GetBuf()
	defer utils.PutBuf(bb)
	bb.Grow(2 + recordLen)
	buf := bb.Bytes()[:2+recordLen]
	prefix, record := buf[:2], buf[2:]

	binary.BigEndian.PutUint32(record[0:4], s.sendSeq)
	binary.BigEndian.PutUint16(record[4:6], uint16(len(payload)))
	binary.BigEndian.PutUint16(record[6:8], uint16(padLen))
	copy(record[headerLen:], payload)
	utils.RandCryptoBytes(record[headerLen+len(payload) : headerLen+len(payload)+padLen])

	tag := s.computeTag(record[:headerLen+len(payload)+padLen])
	copy(record[recordLen-tagLen:], tag[:])

	//整条记录 包括头部和tag 都要混淆, 长度前缀也混淆
	s.mod.Encode(record, s.sendSeq)
	binary.BigEndian.PutUint16(prefix, uint16(recordLen))
	s.mod.Encode(prefix, s.sendSeq)

	s.sendSeq++

	//一次Write写完, 避免 前缀/记录 被拆成两个tcp段形成固定的2字节小包指纹
	_, err := w.Write(buf)
	return err
}

// Write 把任意长的数据切成若干帧写出.
func (s *Session) Write(w io.Writer, p []byte) error {
	for len(p) > 0 {
		n := len(p)
		if n > MaxPayloadLen {
			n = MaxPayloadLen
		}
		if err := s.WriteFrame(w, p[:n]); err != nil {
			return err
		}
		p = p[n:]
	}
	return nil
}

// ReadFrame 读取并验证一帧, 返回其载荷.
// 流正常结束于帧边界时返回 io.EOF; 其它任何协议错误对连接都是致命的.
func (s *Session) ReadFrame(r io.Reader) ([]byte, error) {
	var prefix [2]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, ErrTruncated
	}

	//解码方用 期待的seq 还原前缀. 发送方如果用的不是这个seq(乱序/重放),
	// 还原出的长度就是垃圾, 会落到 ErrBadLen 或后面的 ErrBadTag.
	s.mod.Decode(prefix[:], s.recvSeq)
	recordLen := int(binary.BigEndian.Uint16(prefix[:]))

	minLen := headerLen + int(s.padMin) + tagLen
	maxLen := headerLen + MaxPayloadLen + int(s.padMax) + tagLen
	if recordLen < minLen || recordLen > maxLen {
		return nil, ErrBadLen
	}

	record := make([]byte, recordLen)
	if _, err := io.ReadFull(r, record); err != nil {
		return nil, ErrTruncated
	}
	s.mod.Decode(record, s.recvSeq)

	seq := binary.BigEndian.Uint32(record[0:4])
	payloadLen := int(binary.BigEndian.Uint16(record[4:6]))
	padLen := int(binary.BigEndian.Uint16(record[6:8]))

	if payloadLen > MaxPayloadLen || headerLen+payloadLen+padLen+tagLen != recordLen {
		return nil, ErrBadLen
	}

	tag := s.computeTag(record[:headerLen+payloadLen+padLen])
	if !hmac.Equal(tag[:], record[recordLen-tagLen:]) {
		return nil, ErrBadTag
	}

	if seq != s.recvSeq {
		return nil, ErrSeqMismatch
	}
	s.recvSeq++

	return record[headerLen : headerLen+payloadLen], nil
}
