package server

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mr-tron/base58"
)

// resetMessagePrefix is what operator wallets sign to authorize a reset.
const resetMessagePrefix = "OpenClawEffect admin reset"

// resetMessageMaxAge bounds replay of a captured reset message.
const resetMessageMaxAge = 5 * time.Minute

// BuildResetMessage returns the message an operator wallet must sign to
// authorize a game reset.
func BuildResetMessage(at time.Time) string {
	return fmt.Sprintf("%s\nTimestamp: %d", resetMessagePrefix, at.Unix())
}

// verifyOperator checks that message is a fresh reset message signed by the
// operator wallet.
func (s *Server) verifyOperator(wallet, message, signature string) error {
	ts, err := parseResetMessage(message)
	if err != nil {
		return err
	}
	age := s.cfg.Clock.Now().Sub(ts)
	if age < -resetMessageMaxAge || age > resetMessageMaxAge {
		return fmt.Errorf("reset message expired")
	}

	valid, err := verifyEd25519Signature(wallet, message, signature)
	if err != nil {
		return err
	}
	if !valid {
		return fmt.Errorf("invalid signature")
	}
	return nil
}

func parseResetMessage(message string) (time.Time, error) {
	if !strings.HasPrefix(message, resetMessagePrefix+"\nTimestamp: ") {
		return time.Time{}, fmt.Errorf("invalid message format")
	}
	raw := strings.TrimPrefix(message, resetMessagePrefix+"\nTimestamp: ")
	unix, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp: %w", err)
	}
	return time.Unix(unix, 0), nil
}

// verifyEd25519Signature verifies an ed25519 signature from a Solana wallet.
// The public key is base58, the signature base64 (wallets vary between
// standard, URL-safe and raw encodings).
func verifyEd25519Signature(publicKeyBase58, message, signatureBase64 string) (bool, error) {
	publicKeyBytes, err := base58.Decode(publicKeyBase58)
	if err != nil {
		return false, fmt.Errorf("failed to decode public key: %w", err)
	}
	if len(publicKeyBytes) != ed25519.PublicKeySize {
		return false, fmt.Errorf("invalid public key size: expected %d, got %d", ed25519.PublicKeySize, len(publicKeyBytes))
	}

	signatureBytes, err := base64.StdEncoding.DecodeString(signatureBase64)
	if err != nil {
		signatureBytes, err = base64.URLEncoding.DecodeString(signatureBase64)
		if err != nil {
			signatureBytes, err = base64.RawStdEncoding.DecodeString(signatureBase64)
			if err != nil {
				return false, fmt.Errorf("failed to decode signature: %w", err)
			}
		}
	}
	if len(signatureBytes) != ed25519.SignatureSize {
		return false, fmt.Errorf("invalid signature size: expected %d, got %d", ed25519.SignatureSize, len(signatureBytes))
	}

	return ed25519.Verify(ed25519.PublicKey(publicKeyBytes), []byte(message), signatureBytes), nil
}
