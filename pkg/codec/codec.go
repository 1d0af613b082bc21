// Package codec implements the payload encryption used for direct messages.
//
// Two generations are in circulation: NIP-44 (everything written today) and
// NIP-04 (events produced by older clients). Decryption tries the current
// generation first and falls back to the legacy one, so historical threads
// stay readable. Encryption only ever targets the current generation — the
// legacy algorithm is read-only compatibility, never a write path.
package codec

import (
	"errors"
	"fmt"

	"github.com/nbd-wtf/go-nostr/nip04"
	"github.com/nbd-wtf/go-nostr/nip44"
)

// Placeholder is substituted for message content when neither generation can
// recover the plaintext. The message keeps its slot in the thread; only its
// content is unreadable.
const Placeholder = "(message could not be decrypted)"

// ErrUndecryptable is returned when a ciphertext fails both generations.
var ErrUndecryptable = errors.New("ciphertext not decryptable with either generation")

// Encrypt encrypts plaintext for the given peer using the current generation.
func Encrypt(plaintext, localKey, peerPub string) (string, error) {
	conversationKey, err := nip44.GenerateConversationKey(peerPub, localKey)
	if err != nil {
		return "", fmt.Errorf("failed to derive conversation key: %w", err)
	}
	ciphertext, err := nip44.Encrypt(plaintext, conversationKey)
	if err != nil {
		return "", fmt.Errorf("failed to encrypt payload: %w", err)
	}
	return ciphertext, nil
}

// Decrypt recovers the plaintext of a ciphertext produced by either
// generation. The current generation is tried first; on failure the legacy
// one is attempted with the same key pair. When both fail the error wraps
// ErrUndecryptable — callers substitute Placeholder rather than dropping
// the message.
func Decrypt(ciphertext, localKey, peerPub string) (string, error) {
	conversationKey, ckErr := nip44.GenerateConversationKey(peerPub, localKey)
	if ckErr == nil {
		if plaintext, err := nip44.Decrypt(ciphertext, conversationKey); err == nil {
			return plaintext, nil
		}
	}

	sharedSecret, err := nip04.ComputeSharedSecret(peerPub, localKey)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUndecryptable, err)
	}
	plaintext, err := nip04.Decrypt(ciphertext, sharedSecret)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUndecryptable, err)
	}
	return plaintext, nil
}
