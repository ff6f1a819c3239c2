package mls

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
	"hash"
	"io"
	"math/big"

	"github.com/cisco/go-hpke"
	"github.com/cisco/go-tls-syntax"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

type CipherSuite uint16

const (
	X25519_SHA256_AES128GCM        CipherSuite = 0x0001
	P256_AES128GCM_SHA256_P256     CipherSuite = 0x0002
	X25519_SHA256_CHACHA20POLY1305 CipherSuite = 0x0003
	X448_SHA512_AES256GCM          CipherSuite = 0x0004
	P521_AES256GCM_SHA512_P521     CipherSuite = 0x0005
	X448_SHA512_CHACHA20POLY1305   CipherSuite = 0x0006
)

// suiteParams holds everything that varies per cipher suite: the HPKE KEM
// and AEAD identifiers it hands to go-hpke, the key/nonce/hash sizes it
// exposes to callers, and the signature scheme its credentials sign with.
type suiteParams struct {
	name   string
	kemID  hpke.KEMID
	kdfID  hpke.KDFID
	aeadID hpke.AEADID
	nk     int
	nn     int
	nh     int
	scheme SignatureScheme
}

var suiteTable = map[CipherSuite]suiteParams{
	X25519_SHA256_AES128GCM: {
		name: "X25519_SHA256_AES128GCM",
		kemID: hpke.DHKEM_X25519, kdfID: hpke.KDF_HKDF_SHA256, aeadID: hpke.AEAD_AESGCM128,
		nk: 16, nn: 12, nh: 32, scheme: Ed25519,
	},
	P256_AES128GCM_SHA256_P256: {
		name: "P256_AES128GCM_SHA256_P256",
		kemID: hpke.DHKEM_P256, kdfID: hpke.KDF_HKDF_SHA256, aeadID: hpke.AEAD_AESGCM128,
		nk: 16, nn: 12, nh: 32, scheme: ECDSA_SECP256R1_SHA256,
	},
	X25519_SHA256_CHACHA20POLY1305: {
		name: "X25519_SHA256_CHACHA20POLY1305",
		kemID: hpke.DHKEM_X25519, kdfID: hpke.KDF_HKDF_SHA256, aeadID: hpke.AEAD_CHACHA20POLY1305,
		nk: 32, nn: 12, nh: 32, scheme: Ed25519,
	},
	X448_SHA512_AES256GCM: {
		name: "X448_SHA512_AES256GCM",
		kemID: hpke.DHKEM_X448, kdfID: hpke.KDF_HKDF_SHA512, aeadID: hpke.AEAD_AESGCM256,
		nk: 32, nn: 12, nh: 64, scheme: Ed25519,
	},
	P521_AES256GCM_SHA512_P521: {
		name: "P521_AES256GCM_SHA512_P521",
		kemID: hpke.DHKEM_P521, kdfID: hpke.KDF_HKDF_SHA512, aeadID: hpke.AEAD_AESGCM256,
		nk: 32, nn: 12, nh: 64, scheme: ECDSA_SECP521R1_SHA512,
	},
	X448_SHA512_CHACHA20POLY1305: {
		name: "X448_SHA512_CHACHA20POLY1305",
		kemID: hpke.DHKEM_X448, kdfID: hpke.KDF_HKDF_SHA512, aeadID: hpke.AEAD_CHACHA20POLY1305,
		nk: 32, nn: 12, nh: 64, scheme: Ed25519,
	},
}

func (suite CipherSuite) params() suiteParams {
	p, ok := suiteTable[suite]
	if !ok {
		panic(fmt.Sprintf("mls.crypto: unknown cipher suite %04x", uint16(suite)))
	}
	return p
}

func (suite CipherSuite) String() string {
	p, ok := suiteTable[suite]
	if !ok {
		return "UnknownCipherSuite"
	}
	return p.name
}

// SuiteConstants exposes the per-suite sizes §6 calls Nk, Nn, Nh.
type SuiteConstants struct {
	KeySize, NonceSize, SecretSize int
}

func (suite CipherSuite) Constants() SuiteConstants {
	p := suite.params()
	return SuiteConstants{KeySize: p.nk, NonceSize: p.nn, SecretSize: p.nh}
}

func (suite CipherSuite) Scheme() SignatureScheme {
	return suite.params().scheme
}

func (suite CipherSuite) newHash() func() hash.Hash {
	if suite.params().nh == 64 {
		return sha512.New
	}
	return sha256.New
}

func (suite CipherSuite) Digest(data []byte) []byte {
	h := suite.newHash()()
	h.Write(data)
	return h.Sum(nil)
}

// MAC computes the confirmation tag over a confirmed transcript hash, per
// §4.H's `confirmation = HMAC(confirmation_key, confirmed_transcript_hash)`.
func (suite CipherSuite) MAC(key, data []byte) []byte {
	h := hmac.New(suite.newHash(), key)
	h.Write(data)
	return h.Sum(nil)
}

// NewAEAD constructs the suite's AEAD primitive over the given key, per the
// §6 `AEAD.seal/open` contract.
func (suite CipherSuite) NewAEAD(key []byte) (cipher.AEAD, error) {
	switch suite {
	case X25519_SHA256_CHACHA20POLY1305, X448_SHA512_CHACHA20POLY1305:
		return chacha20poly1305.New(key)
	default:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, err
		}
		return cipher.NewGCM(block)
	}
}

func (suite CipherSuite) hkdfExtract(salt, ikm []byte) []byte {
	return hkdf.Extract(suite.newHash(), ikm, salt)
}

// hkdfExpandLabel implements §6's `HKDF-Expand-Label(secret, label, context,
// length)`, where the wire label carries the "mls10 " prefix.
func (suite CipherSuite) hkdfExpandLabel(secret []byte, label string, context []byte, length int) []byte {
	mlsLabel := "mls10 " + label
	hkdfLabel := encodeHKDFLabel(uint16(length), mlsLabel, context)
	out := make([]byte, length)
	reader := hkdf.Expand(suite.newHash(), secret, hkdfLabel)
	io.ReadFull(reader, out)
	return out
}

// zero returns a secret-sized all-zero buffer, used as the PSK input to the
// key schedule when no external PSK is injected into an epoch.
func (suite CipherSuite) zero() []byte {
	return make([]byte, suite.Constants().SecretSize)
}

// deriveSecret implements Derive-Secret(Secret, Label) =
// HKDF-Expand-Label(Secret, Label, Context, Hash.length), where Context is
// the serialized GroupContext this epoch's secrets are bound to.
func (suite CipherSuite) deriveSecret(secret []byte, label string, context []byte) []byte {
	return suite.hkdfExpandLabel(secret, label, context, suite.Constants().SecretSize)
}

// keyScheduleContext is the Context input to Derive-App-Secret: it binds a
// ratchet's per-generation key material to the tree node it was derived
// for, so that handshake and application secrets at different nodes never
// collide even when derived from the same root secret.
type keyScheduleContext struct {
	Node       NodeIndex
	Generation uint32
}

// deriveAppSecret implements Derive-App-Secret(Secret, Label, Node,
// Generation, Length) = HKDF-Expand-Label(Secret, Label, Context, Length).
func (suite CipherSuite) deriveAppSecret(secret []byte, label string, node NodeIndex, generation uint32, length int) []byte {
	context, err := syntax.Marshal(keyScheduleContext{Node: node, Generation: generation})
	if err != nil {
		panic(err)
	}
	return suite.hkdfExpandLabel(secret, label, context, length)
}

// encodeHKDFLabel builds the struct:
//
//	struct {
//	    uint16 length;
//	    opaque label<7..255>;
//	    opaque context<0..2^32-1>;
//	} HKDFLabel;
func encodeHKDFLabel(length uint16, label string, context []byte) []byte {
	out := make([]byte, 0, 2+1+len(label)+4+len(context))
	out = append(out, byte(length>>8), byte(length))
	out = append(out, byte(len(label)))
	out = append(out, []byte(label)...)
	clen := len(context)
	out = append(out, byte(clen>>24), byte(clen>>16), byte(clen>>8), byte(clen))
	out = append(out, context...)
	return out
}

///
/// HPKE
///

// HPKEPublicKey is an opaque-encoded public key for the suite's KEM.
type HPKEPublicKey struct {
	Data []byte `tls:"head=2"`
}

func (k HPKEPublicKey) Equals(o HPKEPublicKey) bool {
	return string(k.Data) == string(o.Data)
}

// HPKEPrivateKey pairs an opaque-encoded private key with its public half.
type HPKEPrivateKey struct {
	Data      []byte `tls:"head=2"`
	PublicKey HPKEPublicKey
}

// HPKECiphertext is the output of an HPKE single-shot seal: an encapsulated
// key plus the AEAD ciphertext it protects.
type HPKECiphertext struct {
	KEMOutput  []byte `tls:"head=2"`
	Ciphertext []byte `tls:"head=4"`
}

type hpkeScheme struct {
	suite CipherSuite
}

func (suite CipherSuite) hpke() hpkeScheme {
	return hpkeScheme{suite: suite}
}

func (h hpkeScheme) ctxSuite() (hpke.CipherSuite, error) {
	p := h.suite.params()
	return hpke.AssembleCipherSuite(p.kemID, p.kdfID, p.aeadID)
}

func (h hpkeScheme) Generate() (HPKEPrivateKey, error) {
	suite, err := h.ctxSuite()
	if err != nil {
		return HPKEPrivateKey{}, err
	}

	ikm := make([]byte, suite.KEM.PrivateKeySize())
	if _, err := rand.Read(ikm); err != nil {
		return HPKEPrivateKey{}, err
	}

	skm, pkm, err := suite.KEM.DeriveKeyPair(ikm)
	if err != nil {
		return HPKEPrivateKey{}, err
	}

	return HPKEPrivateKey{
		Data:      suite.KEM.SerializePrivateKey(skm),
		PublicKey: HPKEPublicKey{Data: suite.KEM.SerializePublicKey(pkm)},
	}, nil
}

// Derive produces a deterministic keypair from seed material, per the §6
// KEM contract exercised by path-secret-to-keypair derivation in TreeKEM.
func (h hpkeScheme) Derive(seed []byte) (HPKEPrivateKey, error) {
	suite, err := h.ctxSuite()
	if err != nil {
		return HPKEPrivateKey{}, err
	}

	skm, pkm, err := suite.KEM.DeriveKeyPair(seed)
	if err != nil {
		return HPKEPrivateKey{}, err
	}

	return HPKEPrivateKey{
		Data:      suite.KEM.SerializePrivateKey(skm),
		PublicKey: HPKEPublicKey{Data: suite.KEM.SerializePublicKey(pkm)},
	}, nil
}

func (h hpkeScheme) Encrypt(pub HPKEPublicKey, aad, pt []byte) (HPKECiphertext, error) {
	suite, err := h.ctxSuite()
	if err != nil {
		return HPKECiphertext{}, err
	}

	pkR, err := suite.KEM.DeserializePublicKey(pub.Data)
	if err != nil {
		return HPKECiphertext{}, err
	}

	enc, ctx, err := hpke.SetupBaseS(suite, rand.Reader, pkR, []byte{})
	if err != nil {
		return HPKECiphertext{}, err
	}

	return HPKECiphertext{KEMOutput: enc, Ciphertext: ctx.Seal(aad, pt)}, nil
}

func (h hpkeScheme) Decrypt(priv HPKEPrivateKey, aad []byte, ct HPKECiphertext) ([]byte, error) {
	suite, err := h.ctxSuite()
	if err != nil {
		return nil, err
	}

	skR, err := suite.KEM.DeserializePrivateKey(priv.Data)
	if err != nil {
		return nil, err
	}

	ctx, err := hpke.SetupBaseR(suite, skR, ct.KEMOutput, []byte{})
	if err != nil {
		return nil, err
	}

	pt, err := ctx.Open(aad, ct.Ciphertext)
	if err != nil {
		return nil, wrapErr(CryptoError, err, "hpke open failed")
	}
	return pt, nil
}

///
/// Signatures
///

type SignatureScheme uint16

const (
	Ed25519                SignatureScheme = 0x0807
	ECDSA_SECP256R1_SHA256 SignatureScheme = 0x0403
	ECDSA_SECP521R1_SHA512 SignatureScheme = 0x0603
)

func (s SignatureScheme) String() string {
	switch s {
	case Ed25519:
		return "Ed25519"
	case ECDSA_SECP256R1_SHA256:
		return "ECDSA_SECP256R1_SHA256"
	case ECDSA_SECP521R1_SHA512:
		return "ECDSA_SECP521R1_SHA512"
	default:
		return "UnknownSignatureScheme"
	}
}

func (s SignatureScheme) curve() elliptic.Curve {
	switch s {
	case ECDSA_SECP256R1_SHA256:
		return elliptic.P256()
	case ECDSA_SECP521R1_SHA512:
		return elliptic.P521()
	default:
		panic("mls.crypto: signature scheme has no elliptic curve")
	}
}

// SignaturePublicKey holds an opaque-encoded verification key: raw Ed25519
// bytes, or an uncompressed elliptic-curve point for the ECDSA schemes.
type SignaturePublicKey struct {
	Data []byte `tls:"head=2"`
}

type SignaturePrivateKey struct {
	Data      []byte `tls:"head=2"`
	PublicKey SignaturePublicKey
}

func (s SignatureScheme) Generate() (SignaturePrivateKey, error) {
	switch s {
	case Ed25519:
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return SignaturePrivateKey{}, err
		}
		return SignaturePrivateKey{Data: priv, PublicKey: SignaturePublicKey{Data: pub}}, nil

	default:
		priv, err := ecdsa.GenerateKey(s.curve(), rand.Reader)
		if err != nil {
			return SignaturePrivateKey{}, err
		}
		return s.fromECDSA(priv), nil
	}
}

// Derive produces a deterministic signing keypair from seed material, used
// by deterministic test fixtures for reproducible multi-member scenarios.
func (s SignatureScheme) Derive(seed []byte) (SignaturePrivateKey, error) {
	switch s {
	case Ed25519:
		seed32 := make([]byte, ed25519.SeedSize)
		copy(seed32, seed)
		priv := ed25519.NewKeyFromSeed(seed32)
		return SignaturePrivateKey{Data: priv, PublicKey: SignaturePublicKey{Data: priv.Public().(ed25519.PublicKey)}}, nil

	default:
		curve := s.curve()
		d := new(big.Int).SetBytes(seed)
		order := curve.Params().N
		d.Mod(d, order)
		if d.Sign() == 0 {
			d.SetInt64(1)
		}
		x, y := curve.ScalarBaseMult(d.Bytes())
		priv := &ecdsa.PrivateKey{
			PublicKey: ecdsa.PublicKey{Curve: curve, X: x, Y: y},
			D:         d,
		}
		return s.fromECDSA(priv), nil
	}
}

func (s SignatureScheme) fromECDSA(priv *ecdsa.PrivateKey) SignaturePrivateKey {
	pubBytes := elliptic.Marshal(priv.Curve, priv.PublicKey.X, priv.PublicKey.Y)
	return SignaturePrivateKey{
		Data:      priv.D.Bytes(),
		PublicKey: SignaturePublicKey{Data: pubBytes},
	}
}

func (s SignatureScheme) Sign(priv *SignaturePrivateKey, message []byte) ([]byte, error) {
	switch s {
	case Ed25519:
		return ed25519.Sign(ed25519.PrivateKey(priv.Data), message), nil

	default:
		curve := s.curve()
		d := new(big.Int).SetBytes(priv.Data)
		r, sv, err := ecdsa.Sign(rand.Reader, &ecdsa.PrivateKey{
			PublicKey: ecdsa.PublicKey{Curve: curve},
			D:         d,
		}, s.digest(message))
		if err != nil {
			return nil, err
		}
		return append(r.Bytes(), sv.Bytes()...), nil
	}
}

func (s SignatureScheme) Verify(pub *SignaturePublicKey, message, signature []byte) bool {
	switch s {
	case Ed25519:
		return ed25519.Verify(ed25519.PublicKey(pub.Data), message, signature)

	default:
		curve := s.curve()
		x, y := elliptic.Unmarshal(curve, pub.Data)
		if x == nil {
			return false
		}
		byteLen := (curve.Params().BitSize + 7) / 8
		if len(signature) != 2*byteLen {
			return false
		}
		r := new(big.Int).SetBytes(signature[:byteLen])
		sv := new(big.Int).SetBytes(signature[byteLen:])
		return ecdsa.Verify(&ecdsa.PublicKey{Curve: curve, X: x, Y: y}, s.digest(message), r, sv)
	}
}

func (s SignatureScheme) digest(message []byte) []byte {
	if s == ECDSA_SECP521R1_SHA512 {
		h := sha512.Sum512(message)
		return h[:]
	}
	h := sha256.Sum256(message)
	return h[:]
}
