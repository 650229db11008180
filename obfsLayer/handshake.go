package obfsLayer

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"

	"github.com/dronrider/xr-proxy/utils"
)

// Version 目前只有1. 服务端遇到别的版本会以 ReasonVersion 拒绝.
const Version = 1

const (
	AckAccepted byte = 0

	ReasonVersion       byte = 1
	ReasonReplay        byte = 2
	ReasonTargetRefused byte = 3
	ReasonRateLimited   byte = 4
)

// Hello 是客户端第一帧(seq=0)的载荷:
//
//	version[1] flags[1] host_len[1] host[host_len] port[2]
//
// nonce 不在这里面, 它以明文形式位于连接最前的16字节, 服务端靠它确定KDF.
type Hello struct {
	Flags      byte
	TargetHost string
	TargetPort uint16
}

func (h *Hello) Encode() []byte {
	if len(h.TargetHost) > 255 {
		h.TargetHost = h.TargetHost[:255] //host_len只有1字节
	}
	buf := make([]byte, 0, 5+len(h.TargetHost))
	buf = append(buf, Version, h.Flags, byte(len(h.TargetHost)))
	buf = append(buf, h.TargetHost...)
	var pb [2]byte
	binary.BigEndian.PutUint16(pb[:], h.TargetPort)
	return append(buf, pb[:]...)
}

func ParseHello(p []byte) (*Hello, error) {
	if len(p) < 5 {
		return nil, utils.ErrInvalidData
	}
	if p[0] != Version {
		return nil, ErrVersionMismatch
	}
	hostLen := int(p[2])
	if len(p) != 5+hostLen {
		return nil, utils.ErrInvalidData
	}
	return &Hello{
		Flags:      p[1],
		TargetHost: string(p[3 : 3+hostLen]),
		TargetPort: binary.BigEndian.Uint16(p[3+hostLen:]),
	}, nil
}

// Ack 是服务端第一帧(seq=0)的载荷: status[1] reason[1].
type Ack struct {
	Status byte
	Reason byte
}

func (a *Ack) Encode() []byte {
	return []byte{a.Status, a.Reason}
}

func ParseAck(p []byte) (*Ack, error) {
	if len(p) < 1 {
		return nil, utils.ErrInvalidData
	}
	a := &Ack{Status: p[0]}
	if len(p) > 1 {
		a.Reason = p[1]
	}
	return a, nil
}

// AckRefusedError 表示服务端明确拒绝了hello.
type AckRefusedError struct {
	Reason byte
}

func (e *AckRefusedError) Error() string {
	switch e.Reason {
	case ReasonVersion:
		return "server refused: version"
	case ReasonReplay:
		return "server refused: replay"
	case ReasonTargetRefused:
		return "server refused: target"
	case ReasonRateLimited:
		return "server refused: rate limited"
	}
	return fmt.Sprintf("server refused: reason %d", e.Reason)
}

// ClientHandshake 在已建立的 上游tcp连接 上完成握手:
// 生成nonce → 明文写出 → 用它派生会话 → 发hello帧 → 读ack帧.
// 成功时返回可直接收发数据帧的 Session.
func ClientHandshake(conn net.Conn, cfg Config, targetHost string, targetPort uint16) (*Session, error) {
	var nonce [NonceLen]byte
	utils.RandCryptoBytes(nonce[:])

	if _, err := conn.Write(nonce[:]); err != nil {
		return nil, utils.ErrInErr{ErrDesc: "write nonce failed", ErrDetail: err}
	}

	s := NewSession(cfg, nonce)

	hello := Hello{TargetHost: targetHost, TargetPort: targetPort}
	if err := s.WriteFrame(conn, hello.Encode()); err != nil {
		return nil, utils.ErrInErr{ErrDesc: "write hello failed", ErrDetail: err}
	}

	ackPayload, err := s.ReadFrame(conn)
	if err != nil {
		return nil, utils.ErrInErr{ErrDesc: "read ack failed", ErrDetail: err}
	}
	ack, err := ParseAck(ackPayload)
	if err != nil {
		return nil, err
	}
	if ack.Status != AckAccepted {
		return nil, &AckRefusedError{Reason: ack.Reason}
	}
	return s, nil
}

// ReadNonce 服务端读取连接最前的明文nonce.
func ReadNonce(r io.Reader) (nonce [NonceLen]byte, err error) {
	_, err = io.ReadFull(r, nonce[:])
	return
}
