package crypto

import (
	"io"

	"github.com/cloudflare/circl/kem/mlkem/mlkem768"
)

// randReader is the random source used for key generation. nil selects
// crypto/rand.
var randReader io.Reader

// Keypair is an ML-KEM-768 keypair owned by one encrypted inbox.
type Keypair struct {
	PublicKey []byte
	SecretKey []byte
}

// PublicKeyB64 returns the public key as URL-safe base64, the form the
// server expects in create-inbox requests.
func (k *Keypair) PublicKeyB64() string {
	return ToBase64URL(k.PublicKey)
}

// GenerateKeypair creates a new ML-KEM-768 keypair.
func GenerateKeypair() (*Keypair, error) {
	pub, priv, err := mlkem768.GenerateKeyPair(randReader)
	if err != nil {
		return nil, err
	}

	pubBytes, _ := pub.MarshalBinary()
	privBytes, _ := priv.MarshalBinary()

	return &Keypair{PublicKey: pubBytes, SecretKey: privBytes}, nil
}

// KeypairFromSecretKey rebuilds a keypair from a secret key, reading the
// embedded public key at PublicKeyOffset.
func KeypairFromSecretKey(secretKey []byte) (*Keypair, error) {
	if len(secretKey) != MLKEMSecretKeySize {
		return nil, ErrInvalidSecretKeySize
	}
	var priv mlkem768.PrivateKey
	if err := priv.Unpack(secretKey); err != nil {
		return nil, err
	}

	pub := make([]byte, MLKEMPublicKeySize)
	copy(pub, secretKey[PublicKeyOffset:PublicKeyOffset+MLKEMPublicKeySize])
	return &Keypair{PublicKey: pub, SecretKey: secretKey}, nil
}
