package crypto

const (
	// HKDFContext is the domain-separation string used in key derivation
	// and in the signature transcript.
	HKDFContext = "vaultsandbox:email:v1"

	// ProtocolVersion is the payload format version understood by this package.
	ProtocolVersion = 1

	MLKEMPublicKeySize  = 1184
	MLKEMSecretKeySize  = 2400
	MLKEMCiphertextSize = 1088
	MLKEMSharedKeySize  = 32

	MLDSAPublicKeySize = 1952
	MLDSASignatureSize = 3309

	AESKeySize   = 32
	AESNonceSize = 12
	AESTagSize   = 16

	// PublicKeyOffset is where the public key is embedded inside an
	// ML-KEM-768 secret key.
	PublicKeyOffset = 1152
)

// DefaultAlgorithms is the only suite the server currently emits.
var DefaultAlgorithms = AlgorithmSuite{
	KEM:  "ML-KEM-768",
	Sig:  "ML-DSA-65",
	AEAD: "AES-256-GCM",
	KDF:  "HKDF-SHA-512",
}
