package obfsLayer

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/dronrider/xr-proxy/utils"
)

func testConfig(kind ModKind) Config {
	return Config{
		Secret: []byte("test-key-32-bytes-long-enough!!!"),
		Salt:   0xDEADBEEF,
		Kind:   kind,
		PadMin: 8,
		PadMax: 32,
	}
}

func testNonce() (n [NonceLen]byte) {
	copy(n[:], "0123456789abcdef")
	return
}

// 一对会话, 一个当发送端一个当接收端, 同配置同nonce.
func sessionPair(kind ModKind) (*Session, *Session) {
	return NewSession(testConfig(kind), testNonce()), NewSession(testConfig(kind), testNonce())
}

func TestFrameRoundtrip(t *testing.T) {
	for _, kind := range allKinds {
		enc, dec := sessionPair(kind)

		var wire bytes.Buffer
		payloads := [][]byte{
			[]byte("Hello from xr-proxy!"),
			{},
			bytes.Repeat([]byte{0xAA}, MaxPayloadLen),
			[]byte{0},
		}

		for _, p := range payloads {
			if err := enc.WriteFrame(&wire, p); err != nil {
				t.Fatalf("%v: write: %v", kind, err)
			}
		}
		for i, p := range payloads {
			got, err := dec.ReadFrame(&wire)
			if err != nil {
				t.Fatalf("%v: read frame %d: %v", kind, i, err)
			}
			if !bytes.Equal(got, p) {
				t.Fatalf("%v: frame %d payload mismatch", kind, i)
			}
		}
		if _, err := dec.ReadFrame(&wire); err != io.EOF {
			t.Fatalf("%v: want io.EOF at end, got %v", kind, err)
		}
	}
}

func TestWriteSplitsLargePayload(t *testing.T) {
	enc, dec := sessionPair(ModRotatingSalt)

	big := make([]byte, MaxPayloadLen*2+777)
	utils.RandCryptoBytes(big)

	var wire bytes.Buffer
	if err := enc.Write(&wire, big); err != nil {
		t.Fatal(err)
	}

	var got []byte
	for {
		p, err := dec.ReadFrame(&wire)
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		got = append(got, p...)
	}
	if !bytes.Equal(got, big) {
		t.Fatal("reassembled payload mismatch")
	}
}

func TestBitFlipDetected(t *testing.T) {
	//任意单bit翻转都必须报 ErrBadTag (或者长度被破坏时 ErrBadLen/ErrTruncated)
	enc, _ := sessionPair(ModPositionalXorRotate)

	var wire bytes.Buffer
	if err := enc.WriteFrame(&wire, []byte("integrity protected payload")); err != nil {
		t.Fatal(err)
	}
	encoded := wire.Bytes()

	for bit := 0; bit < len(encoded)*8; bit++ {
		corrupted := append([]byte(nil), encoded...)
		corrupted[bit/8] ^= 1 << (bit % 8)

		_, dec := sessionPair(ModPositionalXorRotate)
		_, err := dec.ReadFrame(bytes.NewReader(corrupted))
		if err == nil {
			t.Fatalf("bit %d: corruption not detected", bit)
		}
		if !errors.Is(err, ErrBadTag) && !errors.Is(err, ErrBadLen) && !errors.Is(err, ErrTruncated) {
			t.Fatalf("bit %d: unexpected error %v", bit, err)
		}
	}
}

func TestSeqMonotonicity(t *testing.T) {
	enc, dec := sessionPair(ModSubstitutionTable)

	var f1, f2 bytes.Buffer
	if err := enc.WriteFrame(&f1, []byte("first")); err != nil {
		t.Fatal(err)
	}
	if err := enc.WriteFrame(&f2, []byte("second")); err != nil {
		t.Fatal(err)
	}

	//先喂seq=1的帧: 解码器期待seq=0, 前缀用错误的seq还原, 只能报错
	if _, err := dec.ReadFrame(bytes.NewReader(f2.Bytes())); err == nil {
		t.Fatal("out-of-order frame accepted")
	}

	//重放也一样: 正常消费seq=0后再喂一遍seq=0
	enc2, dec2 := sessionPair(ModSubstitutionTable)
	var wire bytes.Buffer
	if err := enc2.WriteFrame(&wire, []byte("data")); err != nil {
		t.Fatal(err)
	}
	saved := append([]byte(nil), wire.Bytes()...)
	if _, err := dec2.ReadFrame(&wire); err != nil {
		t.Fatal(err)
	}
	if _, err := dec2.ReadFrame(bytes.NewReader(saved)); err == nil {
		t.Fatal("replayed frame accepted")
	}
}

func TestTruncatedFrame(t *testing.T) {
	enc, dec := sessionPair(ModRotatingSalt)

	var wire bytes.Buffer
	if err := enc.WriteFrame(&wire, []byte("test payload")); err != nil {
		t.Fatal(err)
	}
	half := wire.Bytes()[:wire.Len()/2]

	if _, err := dec.ReadFrame(bytes.NewReader(half)); !errors.Is(err, ErrTruncated) {
		t.Fatalf("want ErrTruncated, got %v", err)
	}

	//连前缀都不完整
	_, dec2 := sessionPair(ModRotatingSalt)
	if _, err := dec2.ReadFrame(bytes.NewReader(wire.Bytes()[:1])); !errors.Is(err, ErrTruncated) {
		t.Fatalf("want ErrTruncated for 1-byte stream, got %v", err)
	}
}

func TestCleanEOF(t *testing.T) {
	_, dec := sessionPair(ModPositionalXorRotate)
	if _, err := dec.ReadFrame(bytes.NewReader(nil)); err != io.EOF {
		t.Fatalf("want io.EOF on empty stream, got %v", err)
	}
}

func TestZeroPaddingAllowed(t *testing.T) {
	cfg := testConfig(ModPositionalXorRotate)
	cfg.PadMin, cfg.PadMax = 0, 0

	enc := NewSession(cfg, testNonce())
	dec := NewSession(cfg, testNonce())

	var wire bytes.Buffer
	if err := enc.WriteFrame(&wire, []byte("no padding at all")); err != nil {
		t.Fatal(err)
	}
	got, err := dec.ReadFrame(&wire)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "no padding at all" {
		t.Fatalf("got %q", got)
	}
}

func TestModifierMismatchFailsAtFirstFrame(t *testing.T) {
	enc := NewSession(testConfig(ModRotatingSalt), testNonce())
	dec := NewSession(testConfig(ModSubstitutionTable), testNonce())

	var wire bytes.Buffer
	if err := enc.WriteFrame(&wire, []byte("hello")); err != nil {
		t.Fatal(err)
	}
	if _, err := dec.ReadFrame(&wire); err == nil {
		t.Fatal("mismatched modifiers decoded successfully")
	}
}

func TestWrongKeyFails(t *testing.T) {
	cfg2 := testConfig(ModPositionalXorRotate)
	cfg2.Secret = []byte("wrong-key-32-bytes-long-enough!!")

	enc := NewSession(testConfig(ModPositionalXorRotate), testNonce())
	dec := NewSession(cfg2, testNonce())

	var wire bytes.Buffer
	if err := enc.WriteFrame(&wire, []byte("secret payload")); err != nil {
		t.Fatal(err)
	}
	if _, err := dec.ReadFrame(&wire); err == nil {
		t.Fatal("wrong key decoded successfully")
	}
}

func TestKDFKeysDifferPerNonce(t *testing.T) {
	cfg := testConfig(ModPositionalXorRotate)

	n1 := testNonce()
	n2 := testNonce()
	n2[0] ^= 1

	s1a, m1a := DeriveSessionKeys(cfg.Secret, cfg.Salt, n1)
	s1b, m1b := DeriveSessionKeys(cfg.Secret, cfg.Salt, n1)
	s2, m2 := DeriveSessionKeys(cfg.Secret, cfg.Salt, n2)

	if s1a != s1b || m1a != m1b {
		t.Fatal("kdf not deterministic")
	}
	if s1a == s2 || m1a == m2 {
		t.Fatal("different nonce produced same keys")
	}
	if s1a == m1a {
		t.Fatal("stream key equals mac key")
	}
}

func TestOversizePayloadRejected(t *testing.T) {
	enc, _ := sessionPair(ModPositionalXorRotate)
	var wire bytes.Buffer
	if err := enc.WriteFrame(&wire, make([]byte, MaxPayloadLen+1)); !errors.Is(err, ErrBadLen) {
		t.Fatalf("want ErrBadLen, got %v", err)
	}
}
