package crypto

import (
	"bytes"
	"fmt"

	"github.com/cloudflare/circl/sign/mldsa/mldsa65"
)

// AlgorithmSuite names the algorithms used to protect a payload.
type AlgorithmSuite struct {
	KEM  string `json:"kem"`
	Sig  string `json:"sig"`
	AEAD string `json:"aead"`
	KDF  string `json:"kdf"`
}

func (a AlgorithmSuite) String() string {
	return a.KEM + ":" + a.Sig + ":" + a.AEAD + ":" + a.KDF
}

// EncryptedPayload is the encrypted, signed envelope the server wraps
// around email metadata, parsed content and raw source. Binary fields
// are base64url encoded.
type EncryptedPayload struct {
	V           int            `json:"v"`
	Algs        AlgorithmSuite `json:"algs"`
	CtKem       string         `json:"ct_kem"`
	Nonce       string         `json:"nonce"`
	AAD         string         `json:"aad"`
	Ciphertext  string         `json:"ciphertext"`
	Sig         string         `json:"sig"`
	ServerSigPk string         `json:"server_sig_pk"`
}

// decodedPayload holds the binary form of an EncryptedPayload.
type decodedPayload struct {
	ctKem, nonce, aad, ciphertext, sig, serverSigPk []byte
}

func (p *EncryptedPayload) decode() (*decodedPayload, error) {
	if p == nil {
		return nil, fmt.Errorf("%w: nil payload", ErrInvalidPayload)
	}
	if p.V != ProtocolVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrInvalidPayload, p.V)
	}
	if p.Algs != DefaultAlgorithms {
		return nil, fmt.Errorf("%w: unsupported algorithms %s", ErrInvalidPayload, p.Algs)
	}

	d := &decodedPayload{}
	fields := []struct {
		name string
		in   string
		out  *[]byte
		size int
	}{
		{"ct_kem", p.CtKem, &d.ctKem, MLKEMCiphertextSize},
		{"nonce", p.Nonce, &d.nonce, AESNonceSize},
		{"aad", p.AAD, &d.aad, -1},
		{"ciphertext", p.Ciphertext, &d.ciphertext, -1},
		{"sig", p.Sig, &d.sig, MLDSASignatureSize},
		{"server_sig_pk", p.ServerSigPk, &d.serverSigPk, MLDSAPublicKeySize},
	}
	for _, f := range fields {
		b, err := FromBase64URL(f.in)
		if err != nil {
			return nil, fmt.Errorf("%w: decode %s: %v", ErrInvalidPayload, f.name, err)
		}
		if f.size >= 0 && len(b) != f.size {
			return nil, fmt.Errorf("%w: %s is %d bytes, want %d", ErrInvalidPayload, f.name, len(b), f.size)
		}
		*f.out = b
	}
	return d, nil
}

// transcript is the byte string the server signs:
// version || algs || context || ct_kem || nonce || aad || ciphertext || server_sig_pk.
func (d *decodedPayload) transcript(version int, algs AlgorithmSuite) []byte {
	var buf bytes.Buffer
	buf.WriteByte(byte(version))
	buf.WriteString(algs.String())
	buf.WriteString(HKDFContext)
	buf.Write(d.ctKem)
	buf.Write(d.nonce)
	buf.Write(d.aad)
	buf.Write(d.ciphertext)
	buf.Write(d.serverSigPk)
	return buf.Bytes()
}

// VerifySignature checks the ML-DSA-65 signature on the payload and that
// the signing key matches pinnedServerPk. It must succeed before Decrypt
// is called.
func VerifySignature(p *EncryptedPayload, pinnedServerPk []byte) error {
	d, err := p.decode()
	if err != nil {
		return err
	}
	if len(pinnedServerPk) > 0 && !bytes.Equal(d.serverSigPk, pinnedServerPk) {
		return ErrServerKeyMismatch
	}

	var pk mldsa65.PublicKey
	if err := pk.UnmarshalBinary(d.serverSigPk); err != nil {
		return fmt.Errorf("%w: server key: %v", ErrInvalidPayload, err)
	}
	if !mldsa65.Verify(&pk, d.transcript(p.V, p.Algs), nil, d.sig) {
		return ErrSignatureVerificationFailed
	}
	return nil
}
