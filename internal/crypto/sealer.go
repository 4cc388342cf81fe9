package crypto

import (
	"crypto/rand"
	"fmt"

	"github.com/cloudflare/circl/kem/mlkem/mlkem768"
	"github.com/cloudflare/circl/sign/mldsa/mldsa65"
)

// Sealer produces payloads the way the server does: encrypt to an inbox
// public key and sign with an ML-DSA-65 key. It backs the in-process
// fake server used by tests.
type Sealer struct {
	pub  *mldsa65.PublicKey
	priv *mldsa65.PrivateKey
}

// NewSealer generates a fresh server signing key.
func NewSealer() (*Sealer, error) {
	pub, priv, err := mldsa65.GenerateKey(randReader)
	if err != nil {
		return nil, err
	}
	return &Sealer{pub: pub, priv: priv}, nil
}

// PublicKey returns the packed ML-DSA-65 public key.
func (s *Sealer) PublicKey() []byte {
	b, _ := s.pub.MarshalBinary()
	return b
}

// Seal encrypts plaintext to recipientPk (a packed ML-KEM-768 public key)
// and signs the transcript.
func (s *Sealer) Seal(recipientPk, plaintext, aad []byte) (*EncryptedPayload, error) {
	var pk mlkem768.PublicKey
	if err := pk.Unpack(recipientPk); err != nil {
		return nil, fmt.Errorf("unpack recipient key: %w", err)
	}

	ctKem := make([]byte, MLKEMCiphertextSize)
	shared := make([]byte, MLKEMSharedKeySize)
	pk.EncapsulateTo(ctKem, shared, nil)

	key, err := deriveKey(shared, aad, ctKem)
	if err != nil {
		return nil, err
	}
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, AESNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	ciphertext := gcm.Seal(nil, nonce, plaintext, aad)

	d := &decodedPayload{
		ctKem:       ctKem,
		nonce:       nonce,
		aad:         aad,
		ciphertext:  ciphertext,
		serverSigPk: s.PublicKey(),
	}
	sig := make([]byte, mldsa65.SignatureSize)
	if err := mldsa65.SignTo(s.priv, d.transcript(ProtocolVersion, DefaultAlgorithms), nil, false, sig); err != nil {
		return nil, fmt.Errorf("sign: %w", err)
	}

	return &EncryptedPayload{
		V:           ProtocolVersion,
		Algs:        DefaultAlgorithms,
		CtKem:       ToBase64URL(ctKem),
		Nonce:       ToBase64URL(nonce),
		AAD:         ToBase64URL(aad),
		Ciphertext:  ToBase64URL(ciphertext),
		Sig:         ToBase64URL(sig),
		ServerSigPk: ToBase64URL(d.serverSigPk),
	}, nil
}
