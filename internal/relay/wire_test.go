package relay

import (
	"bytes"
	"errors"
	"testing"
)

func TestEncodeACK(t *testing.T) {
	t.Parallel()

	token := []byte("abc123")
	got := EncodeACK(token)

	want := append([]byte{0xFF, 0x12}, token...)
	if !bytes.Equal(got, want) {
		t.Errorf("EncodeACK(%q) = % x, want % x", token, got, want)
	}
}

func TestEncodeACKEmptyToken(t *testing.T) {
	t.Parallel()

	got := EncodeACK(nil)
	want := []byte{0xFF, 0x12}
	if !bytes.Equal(got, want) {
		t.Errorf("EncodeACK(nil) = % x, want % x", got, want)
	}
}

func buildEstablish(psk, token []byte) []byte {
	buf := make([]byte, 0, 4+len(psk)+len(token))
	buf = append(buf, OpcodeEstablishConnection[:]...)
	buf = append(buf, byte(len(psk)), byte(len(token)))
	buf = append(buf, psk...)
	buf = append(buf, token...)
	return buf
}

func TestDecodeEstablishValid(t *testing.T) {
	t.Parallel()

	psk := []byte("sharedsecret")
	token := []byte("pairing-token")
	frame, err := DecodeEstablish(buildEstablish(psk, token), psk)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bytes.Equal(frame.Token, token) {
		t.Errorf("decoded token = %q, want %q", frame.Token, token)
	}
}

func TestDecodeEstablishTokenDoesNotAliasInput(t *testing.T) {
	t.Parallel()

	psk := []byte("psk")
	token := []byte("token1")
	buf := buildEstablish(psk, token)

	frame, err := DecodeEstablish(buf, psk)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	buf[len(buf)-1] = 'X'
	if frame.Token[len(frame.Token)-1] == 'X' {
		t.Error("decoded token aliases the input buffer")
	}
}

func TestDecodeEstablishRejectsBadOpcode(t *testing.T) {
	t.Parallel()

	psk := []byte("psk")
	buf := buildEstablish(psk, []byte("tok"))
	buf[0] = 0x00

	_, err := DecodeEstablish(buf, psk)
	if !errors.Is(err, ErrBadOpcode) {
		t.Errorf("got error %v, want ErrBadOpcode", err)
	}
}

func TestDecodeEstablishRejectsWrongPSK(t *testing.T) {
	t.Parallel()

	buf := buildEstablish([]byte("correct-psk"), []byte("tok"))

	_, err := DecodeEstablish(buf, []byte("wrong-psk!!"))
	if !errors.Is(err, ErrPresharedKey) {
		t.Errorf("got error %v, want ErrPresharedKey", err)
	}
}

func TestDecodeEstablishRejectsTruncatedFrame(t *testing.T) {
	t.Parallel()

	psk := []byte("psk")
	buf := buildEstablish(psk, []byte("a-long-token"))
	truncated := buf[:len(buf)-3]

	_, err := DecodeEstablish(truncated, psk)
	if !errors.Is(err, ErrFieldOverrun) {
		t.Errorf("got error %v, want ErrFieldOverrun", err)
	}
}

func TestDecodeEstablishRejectsFrameShorterThanPSK(t *testing.T) {
	t.Parallel()

	psk := []byte("a-fairly-long-preshared-key")
	_, err := DecodeEstablish([]byte{0xFF, 0x05}, psk)
	if !errors.Is(err, ErrFrameTooShort) {
		t.Errorf("got error %v, want ErrFrameTooShort", err)
	}
}

func TestDecodeEstablishDoesNotAdmitMissingTokenLengthByte(t *testing.T) {
	t.Parallel()

	// A frame carrying only opcode+P+PSK, with no token-length byte S,
	// must be rejected, even though a looser "len > 2+PSK_len" check
	// (deliberately not implemented) would accept it, since P equals
	// len-3. The first PSK byte is then read as S and the declared fields
	// overrun the frame.
	psk := []byte("psk")
	buf := append([]byte{OpcodeEstablishConnection[0], OpcodeEstablishConnection[1], byte(len(psk))}, psk...)

	_, err := DecodeEstablish(buf, psk)
	if !errors.Is(err, ErrFieldOverrun) {
		t.Errorf("got error %v, want ErrFieldOverrun", err)
	}
}

func TestDropReason(t *testing.T) {
	t.Parallel()

	cases := []struct {
		err  error
		want string
	}{
		{ErrFrameTooShort, "length"},
		{ErrFieldOverrun, "length"},
		{ErrBadOpcode, "opcode"},
		{ErrPresharedKey, "psk"},
		{errors.New("some other error"), "unknown"},
	}

	for _, tc := range cases {
		if got := DropReason(tc.err); got != tc.want {
			t.Errorf("DropReason(%v) = %q, want %q", tc.err, got, tc.want)
		}
	}
}

func TestValidatePSKLen(t *testing.T) {
	t.Parallel()

	if err := ValidatePSKLen(make([]byte, MaxFieldLen)); err != nil {
		t.Errorf("unexpected error at max length: %v", err)
	}
	if err := ValidatePSKLen(make([]byte, MaxFieldLen+1)); err == nil {
		t.Error("expected error for a preshared key one byte over the maximum")
	}
}
