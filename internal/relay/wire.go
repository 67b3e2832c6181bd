package relay

import (
	"errors"
	"fmt"
)

// -------------------------------------------------------------------------
// Opcodes
// -------------------------------------------------------------------------

// Opcode is a two-byte control-frame prefix.
type Opcode [2]byte

// Defined opcodes. The relay emits OpcodeACK only; it accepts
// OpcodeEstablishConnection as the sole pairing request.
var (
	OpcodeACK                 = Opcode{0xFF, 0x12}
	OpcodeEstablishConnection = Opcode{0xFF, 0x05}
)

// opcodeLen is the size in bytes of a wire opcode.
const opcodeLen = len(Opcode{})

// establishHeaderLen is the fixed portion of an EstablishConnection frame
// before the variable-length PSK and token fields: opcode(2) + P(1) + S(1).
const establishHeaderLen = opcodeLen + 2

// MaxFieldLen is the largest value a single-byte length-prefixed field
// (PSK or token) can carry.
const MaxFieldLen = 255

// -------------------------------------------------------------------------
// ACK encoding
// -------------------------------------------------------------------------

// EncodeACK builds an ACK frame: OpcodeACK ‖ token. The caller owns the
// returned slice.
func EncodeACK(token []byte) []byte {
	buf := make([]byte, opcodeLen+len(token))
	copy(buf, OpcodeACK[:])
	copy(buf[opcodeLen:], token)
	return buf
}

// -------------------------------------------------------------------------
// EstablishConnection decoding
// -------------------------------------------------------------------------

// Establish frame field offsets.
const (
	offsetPSKLen   = opcodeLen     // P
	offsetTokenLen = opcodeLen + 1 // S
	offsetPSK      = establishHeaderLen
)

// Sentinel errors for control-frame rejection. Each maps one-to-one to a
// validation step below and is used to label the
// rendezvous_control_frames_dropped_total{reason} metric.
var (
	ErrFrameTooShort = errors.New("control frame shorter than minimum gate")
	ErrBadOpcode     = errors.New("control frame opcode is not EstablishConnection")
	ErrFieldOverrun  = errors.New("control frame too short for declared PSK/token lengths")
	ErrPresharedKey  = errors.New("control frame preshared key mismatch")
)

// EstablishFrame is a decoded, authenticated pairing request.
type EstablishFrame struct {
	Token []byte
}

// DecodeEstablish validates and decodes a raw datagram as an
// EstablishConnection control frame, applying each check in order below.
// Each failure is silent at the protocol level (the caller drops the
// datagram); the returned error exists for logging/metrics only.
//
// Token, if returned, references newly allocated memory — it does not
// alias buf.
func DecodeEstablish(buf, psk []byte) (EstablishFrame, error) {
	// Step 1: cheap minimum-length gate. The tightened invariant is
	// len(buf) >= 4+P+S (checked fully below); this early gate only rules
	// out datagrams too short to even hold the opcode and PSK.
	if len(buf) < opcodeLen+len(psk) {
		return EstablishFrame{}, ErrFrameTooShort
	}

	// Step 2: opcode.
	if buf[0] != OpcodeEstablishConnection[0] || buf[1] != OpcodeEstablishConnection[1] {
		return EstablishFrame{}, ErrBadOpcode
	}

	if len(buf) < establishHeaderLen {
		return EstablishFrame{}, ErrFrameTooShort
	}

	p := int(buf[offsetPSKLen])
	s := int(buf[offsetTokenLen])

	// Step 3: full minimum-length gate, covering both the PSK and token
	// fields. A looser check admitting frames missing the token-length
	// byte (when P equals len-3) is deliberately not reproduced here.
	need := establishHeaderLen + p + s
	if len(buf) < need {
		return EstablishFrame{}, ErrFieldOverrun
	}

	// Step 4: PSK byte-equality. A length mismatch (p != len(psk)) fails
	// here implicitly because the byte slices being compared differ in
	// length before any byte comparison is needed.
	gotPSK := buf[offsetPSK : offsetPSK+p]
	if !equalBytes(gotPSK, psk) {
		return EstablishFrame{}, ErrPresharedKey
	}

	tokenStart := offsetPSK + p
	token := make([]byte, s)
	copy(token, buf[tokenStart:tokenStart+s])

	return EstablishFrame{Token: token}, nil
}

func equalBytes(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// DropReason maps a DecodeEstablish error to the short label used by the
// rendezvous_control_frames_dropped_total{reason} metric.
func DropReason(err error) string {
	switch {
	case errors.Is(err, ErrFrameTooShort), errors.Is(err, ErrFieldOverrun):
		return "length"
	case errors.Is(err, ErrBadOpcode):
		return "opcode"
	case errors.Is(err, ErrPresharedKey):
		return "psk"
	default:
		return "unknown"
	}
}

// ValidatePSKLen reports an error if psk is too long to be represented in
// the single-byte length-prefixed PSK field.
func ValidatePSKLen(psk []byte) error {
	if len(psk) > MaxFieldLen {
		return fmt.Errorf("preshared key is %d bytes, maximum is %d", len(psk), MaxFieldLen)
	}
	return nil
}
