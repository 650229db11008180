package netLayer

// 从tcp连接的首段数据中嗅探 TLS ClientHello 里的SNI.
// 这是一个轻量解析器, 不需要tls库; 只认 record type 0x16 + handshake type 0x01,
// 然后在extension列表里找 server_name(0).
//
// record:    ContentType(1) | Version(2) | Length(2) | Fragment...
// handshake: HandshakeType(1) | Length(3) | ClientHello...
// ClientHello: Version(2) | Random(32) | SessionID(var) | CipherSuites(var) |
//              CompressionMethods(var) | Extensions(var)

// ExtractSNI 尽力从 buf 中取出SNI主机名. 不是tls或没带SNI时返回 "".
func ExtractSNI(buf []byte) string {
	// 最小的tls record: 5(record头) + 4(handshake头) + 2(version) +
	// 32(random) + 1(session id len) = 44
	if len(buf) < 44 {
		return ""
	}

	if buf[0] != 0x16 { //不是Handshake record
		return ""
	}

	recordLen := int(buf[3])<<8 | int(buf[4])
	recordEnd := 5 + recordLen
	if recordEnd > len(buf) {
		recordEnd = len(buf)
	}

	hs := buf[5:recordEnd]
	if len(hs) < 4 || hs[0] != 0x01 { //不是ClientHello
		return ""
	}

	hsLen := int(hs[1])<<16 | int(hs[2])<<8 | int(hs[3])
	if hsLen > len(hs)-4 {
		hsLen = len(hs) - 4
	}
	ch := hs[4 : 4+hsLen]

	//跳过 version(2) + random(32)
	if len(ch) < 35 {
		return ""
	}
	pos := 34

	//session id
	pos += 1 + int(ch[pos])
	if pos+2 > len(ch) {
		return ""
	}

	//cipher suites
	csLen := int(ch[pos])<<8 | int(ch[pos+1])
	pos += 2 + csLen
	if pos+1 > len(ch) {
		return ""
	}

	//compression methods
	pos += 1 + int(ch[pos])
	if pos+2 > len(ch) {
		return ""
	}

	//extensions
	extLen := int(ch[pos])<<8 | int(ch[pos+1])
	pos += 2

	extEnd := pos + extLen
	if extEnd > len(ch) {
		extEnd = len(ch)
	}

	for pos+4 <= extEnd {
		extType := int(ch[pos])<<8 | int(ch[pos+1])
		extDataLen := int(ch[pos+2])<<8 | int(ch[pos+3])
		pos += 4

		if extType == 0 { //server_name
			end := pos + extDataLen
			if end > len(ch) {
				end = len(ch)
			}
			return parseSNIExtension(ch[pos:end])
		}

		pos += extDataLen
	}

	return ""
}

func parseSNIExtension(data []byte) string {
	if len(data) < 5 {
		return ""
	}

	//前两字节是 ServerNameList 总长, 直接跳, 按顺序读条目
	pos := 2

	for pos+3 <= len(data) {
		nameType := data[pos]
		nameLen := int(data[pos+1])<<8 | int(data[pos+2])
		pos += 3

		if nameType == 0 { //host_name
			if pos+nameLen <= len(data) {
				return string(data[pos : pos+nameLen])
			}
			return ""
		}

		pos += nameLen
	}

	return ""
}
