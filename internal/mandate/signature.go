package mandate

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
)

// eip191Digest builds the "\x19Ethereum Signed Message:\n<len>" personal-sign
// prefix and returns keccak256(prefix || hash), matching the EIP-191 scheme
// used throughout the pack's wallet code.
func eip191Digest(hash []byte) []byte {
	msg := fmt.Sprintf("\x19Ethereum Signed Message:\n%d", len(hash))
	return crypto.Keccak256(append([]byte(msg), hash...))
}

// VerifySignature checks that sigB64 (base64-encoded 65-byte r||s||v
// signature) recovers to claimedAddr over the EIP-191 personal-sign digest
// of hash. v is normalized between {0,1} and {27,28} before recovery, as in
// the keystore VerifySig pattern it is grounded on.
func VerifySignature(hash []byte, sigB64, claimedAddr string) error {
	sig, err := decodeSignature(sigB64)
	if err != nil {
		return err
	}

	digest := eip191Digest(hash)

	recoverSig := make([]byte, 65)
	copy(recoverSig, sig)
	if recoverSig[64] >= 27 {
		recoverSig[64] -= 27
	}

	pub, err := crypto.SigToPub(digest, recoverSig)
	if err != nil {
		return fmt.Errorf("mandate: recover pubkey: %w", err)
	}
	recovered := crypto.PubkeyToAddress(*pub)

	if !strings.EqualFold(recovered.Hex(), claimedAddr) {
		return fmt.Errorf("mandate: signature does not match claimed address %s", claimedAddr)
	}
	return nil
}

// decodeSignature accepts base64 or 0x-hex encoded 65-byte signatures.
func decodeSignature(s string) ([]byte, error) {
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		return decodeHex(s[2:])
	}
	sig, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("mandate: invalid signature encoding: %w", err)
	}
	if len(sig) != 65 {
		return nil, fmt.Errorf("mandate: signature must be 65 bytes, got %d", len(sig))
	}
	return sig, nil
}

func decodeHex(s string) ([]byte, error) {
	b := make([]byte, len(s)/2)
	for i := range b {
		hi := hexVal(s[2*i])
		lo := hexVal(s[2*i+1])
		if hi < 0 || lo < 0 {
			return nil, fmt.Errorf("mandate: invalid hex signature")
		}
		b[i] = byte(hi<<4 | lo)
	}
	if len(b) != 65 {
		return nil, fmt.Errorf("mandate: signature must be 65 bytes, got %d", len(b))
	}
	return b, nil
}

func hexVal(c byte) int {
	switch {
	case c >= '0' && c <= '9':
		return int(c - '0')
	case c >= 'a' && c <= 'f':
		return int(c-'a') + 10
	case c >= 'A' && c <= 'F':
		return int(c-'A') + 10
	default:
		return -1
	}
}
