package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/cloudflare/circl/kem/mlkem/mlkem768"
	"golang.org/x/crypto/hkdf"
)

// Open verifies the payload against pinnedServerPk and then decrypts it.
// It is the only entry point callers outside this package should need.
func Open(p *EncryptedPayload, keypair *Keypair, pinnedServerPk []byte) ([]byte, error) {
	if err := VerifySignature(p, pinnedServerPk); err != nil {
		return nil, err
	}
	return Decrypt(p, keypair)
}

// Decrypt recovers the plaintext of a payload:
//  1. ML-KEM-768 decapsulation of ct_kem
//  2. HKDF-SHA-512 derivation of the AES key
//  3. AES-256-GCM open with the payload AAD
//
// Decrypt does not check the signature. Use [Open], or call
// [VerifySignature] first.
func Decrypt(p *EncryptedPayload, keypair *Keypair) ([]byte, error) {
	if keypair == nil {
		return nil, fmt.Errorf("%w: no keypair", ErrDecryptionFailed)
	}
	d, err := p.decode()
	if err != nil {
		return nil, err
	}

	var priv mlkem768.PrivateKey
	if err := priv.Unpack(keypair.SecretKey); err != nil {
		return nil, fmt.Errorf("unpack secret key: %w", err)
	}
	shared := make([]byte, MLKEMSharedKeySize)
	priv.DecapsulateTo(shared, d.ctKem)

	key, err := deriveKey(shared, d.aad, d.ctKem)
	if err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}

	plaintext, err := openAESGCM(key, d.nonce, d.aad, d.ciphertext)
	if err != nil {
		return nil, err
	}
	return plaintext, nil
}

// deriveKey runs HKDF-SHA-512 with salt = SHA-256(ct_kem) and
// info = context || len(aad) as uint32 BE || aad.
func deriveKey(shared, aad, ctKem []byte) ([]byte, error) {
	salt := sha256.Sum256(ctKem)

	info := make([]byte, 0, len(HKDFContext)+4+len(aad))
	info = append(info, HKDFContext...)
	info = binary.BigEndian.AppendUint32(info, uint32(len(aad)))
	info = append(info, aad...)

	key := make([]byte, AESKeySize)
	if _, err := io.ReadFull(hkdf.New(sha512.New, shared, salt[:], info), key); err != nil {
		return nil, err
	}
	return key, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != AESKeySize {
		return nil, fmt.Errorf("invalid key size %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func openAESGCM(key, nonce, aad, ciphertext []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	plaintext, err := gcm.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}
