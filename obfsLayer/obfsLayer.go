/*
Package obfsLayer 实现 xr-proxy 的混淆流协议: 密钥派生、三种字节混淆、
带 HMAC 的帧编解码 以及 连接握手.

协议目标不是机密性, 而是让载荷的字节分布在被动检测下与随机数据不可区分.
完整性校验(HMAC)只用于本地篡改检测与 密钥/混淆配置不匹配 的快速失败.

wire format (大端):

	connection:
	  nonce[16]                       -- 明文, 只出现在连接最前
	  then repeated frames:
	    obf_len[2]                    -- 经过modifier混淆
	    obf_body[obf_len]             -- 经过modifier混淆
	  where plaintext of body is:
	    seq[4] payload_len[2] pad_len[2] payload[payload_len] pad[pad_len] tag[16]
*/
package obfsLayer

import "errors"

const (
	// NonceLen 每个连接一个的 随机nonce 长度.
	NonceLen = 16

	headerLen = 8  //seq[4] + payload_len[2] + pad_len[2]
	tagLen    = 16 //HMAC 截断到 128 bit

	// MaxPayloadLen 单帧的最大载荷. 对标tls record 的 16k.
	MaxPayloadLen = 16384

	DefaultPadMin = 16
	DefaultPadMax = 256

	// MaxPadLen 上限保证 最大记录 仍在2字节长度前缀的表示范围内.
	MaxPadLen = 4096
)

// 这些错误对单个连接都是致命的; 调用方应当 关闭连接并计数.
var (
	ErrBadLen          = errors.New("frame length out of range")
	ErrTruncated       = errors.New("truncated frame")
	ErrBadTag          = errors.New("bad hmac tag")
	ErrSeqMismatch     = errors.New("sequence mismatch")
	ErrVersionMismatch = errors.New("version mismatch")
	ErrReplay          = errors.New("replayed nonce")
)

// Config 是两端必须完全一致的 混淆参数. Secret 至少32字节.
type Config struct {
	Secret []byte
	Salt   uint32
	Kind   ModKind
	PadMin uint16
	PadMax uint16
}
