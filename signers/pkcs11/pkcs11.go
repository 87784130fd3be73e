// Package pkcs11 signs with keys held on a PKCS #11 token or HSM.
//
// Each signature loads the module, opens a session and logs in. Tokens
// return raw signatures: RSA PKCS #1 v1.5 input is wrapped in a DigestInfo
// and ECDSA output is converted to DER before it is returned.
package pkcs11

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"math/big"

	"github.com/miekg/pkcs11"
	"golang.org/x/crypto/cryptobyte"
	cbasn1 "golang.org/x/crypto/cryptobyte/asn1"
)

var (
	ErrModuleRequired       = errors.New("pkcs11: module path is required")
	ErrCertificateRequired  = errors.New("pkcs11: certificate is required")
	ErrKeyNotFound          = errors.New("pkcs11: private key not found")
	ErrUnsupportedAlgorithm = errors.New("pkcs11: unsupported key type or hash")
)

// DigestInfo prefixes for PKCS #1 v1.5, RFC 8017 section 9.2.
var digestInfoPrefix = map[crypto.Hash][]byte{
	crypto.SHA256: {0x30, 0x31, 0x30, 0x0d, 0x06, 0x09, 0x60, 0x86, 0x48, 0x01, 0x65, 0x03, 0x04, 0x02, 0x01, 0x05, 0x00, 0x04, 0x20},
	crypto.SHA384: {0x30, 0x41, 0x30, 0x0d, 0x06, 0x09, 0x60, 0x86, 0x48, 0x01, 0x65, 0x03, 0x04, 0x02, 0x02, 0x05, 0x00, 0x04, 0x30},
	crypto.SHA512: {0x30, 0x51, 0x30, 0x0d, 0x06, 0x09, 0x60, 0x86, 0x48, 0x01, 0x65, 0x03, 0x04, 0x02, 0x03, 0x05, 0x00, 0x04, 0x40},
}

var pssParams = map[crypto.Hash]struct{ hash, mgf uint }{
	crypto.SHA256: {pkcs11.CKM_SHA256, pkcs11.CKG_MGF1_SHA256},
	crypto.SHA384: {pkcs11.CKM_SHA384, pkcs11.CKG_MGF1_SHA384},
	crypto.SHA512: {pkcs11.CKM_SHA512, pkcs11.CKG_MGF1_SHA512},
}

type Config struct {
	// ModulePath is the PKCS #11 shared library.
	ModulePath string
	// TokenLabel selects the token, the first token with a key when empty.
	TokenLabel string
	// KeyLabel selects the private key by CKA_LABEL.
	KeyLabel    string
	PIN         string
	Certificate *x509.Certificate
	Chain       []*x509.Certificate
}

// Signer is a crypto.Signer backed by a private key on a token.
type Signer struct {
	cfg Config
}

func NewSigner(cfg Config) (*Signer, error) {
	if cfg.ModulePath == "" {
		return nil, ErrModuleRequired
	}
	if cfg.Certificate == nil {
		return nil, ErrCertificateRequired
	}
	return &Signer{cfg: cfg}, nil
}

func (s *Signer) Certificate() *x509.Certificate {
	return s.cfg.Certificate
}

func (s *Signer) Chain() []*x509.Certificate {
	return s.cfg.Chain
}

func (s *Signer) Public() crypto.PublicKey {
	return s.cfg.Certificate.PublicKey
}

func (s *Signer) Sign(_ io.Reader, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	return s.SignContext(context.Background(), digest, opts)
}

// SignContext signs digest on the token. Token calls cannot be
// interrupted, ctx is checked before the module is loaded.
func (s *Signer) SignContext(ctx context.Context, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	mech, input, err := mechanism(s.Public(), digest, opts)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p := pkcs11.New(s.cfg.ModulePath)
	if p == nil {
		return nil, fmt.Errorf("pkcs11: failed to load module %s", s.cfg.ModulePath)
	}
	if err := p.Initialize(); err != nil {
		p.Destroy()
		return nil, fmt.Errorf("pkcs11: error initializing module: %w", err)
	}
	defer func() {
		_ = p.Finalize()
		p.Destroy()
	}()

	session, err := s.openSession(p)
	if err != nil {
		return nil, err
	}
	defer func() { _ = p.CloseSession(session) }()

	if s.cfg.PIN != "" {
		if err := p.Login(session, pkcs11.CKU_USER, s.cfg.PIN); err != nil {
			return nil, fmt.Errorf("pkcs11: error logging in: %w", err)
		}
		defer func() { _ = p.Logout(session) }()
	}

	key, err := s.findKey(p, session)
	if err != nil {
		return nil, err
	}

	if err := p.SignInit(session, []*pkcs11.Mechanism{mech}, key); err != nil {
		return nil, fmt.Errorf("pkcs11: sign init failed: %w", err)
	}
	sig, err := p.Sign(session, input)
	if err != nil {
		return nil, fmt.Errorf("pkcs11: sign failed: %w", err)
	}

	if _, ok := s.Public().(*ecdsa.PublicKey); ok {
		return ecdsaDER(sig)
	}
	return sig, nil
}

func (s *Signer) openSession(p *pkcs11.Ctx) (pkcs11.SessionHandle, error) {
	slots, err := p.GetSlotList(true)
	if err != nil {
		return 0, fmt.Errorf("pkcs11: error getting slots: %w", err)
	}
	for _, slot := range slots {
		info, err := p.GetTokenInfo(slot)
		if err != nil {
			continue
		}
		if s.cfg.TokenLabel == "" || info.Label == s.cfg.TokenLabel {
			session, err := p.OpenSession(slot, pkcs11.CKF_SERIAL_SESSION)
			if err != nil {
				return 0, fmt.Errorf("pkcs11: error opening session: %w", err)
			}
			return session, nil
		}
	}
	return 0, fmt.Errorf("pkcs11: token with label %q not found", s.cfg.TokenLabel)
}

func (s *Signer) findKey(p *pkcs11.Ctx, session pkcs11.SessionHandle) (pkcs11.ObjectHandle, error) {
	template := []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_PRIVATE_KEY),
	}
	if s.cfg.KeyLabel != "" {
		template = append(template, pkcs11.NewAttribute(pkcs11.CKA_LABEL, s.cfg.KeyLabel))
	}

	if err := p.FindObjectsInit(session, template); err != nil {
		return 0, fmt.Errorf("pkcs11: error finding objects: %w", err)
	}
	objs, _, err := p.FindObjects(session, 1)
	_ = p.FindObjectsFinal(session)
	if err != nil {
		return 0, fmt.Errorf("pkcs11: error finding objects: %w", err)
	}
	if len(objs) == 0 {
		return 0, ErrKeyNotFound
	}
	return objs[0], nil
}

// mechanism returns the token mechanism for the key and the bytes to sign.
func mechanism(pub crypto.PublicKey, digest []byte, opts crypto.SignerOpts) (*pkcs11.Mechanism, []byte, error) {
	hash := opts.HashFunc()
	if len(digest) != hash.Size() {
		return nil, nil, fmt.Errorf("pkcs11: digest length %d does not match %s", len(digest), hash)
	}

	switch pub.(type) {
	case *rsa.PublicKey:
		if pss, ok := opts.(*rsa.PSSOptions); ok {
			params, ok := pssParams[hash]
			if !ok {
				break
			}
			salt := pss.SaltLength
			if salt <= 0 {
				salt = hash.Size()
			}
			return pkcs11.NewMechanism(pkcs11.CKM_RSA_PKCS_PSS, pkcs11.NewPSSParams(params.hash, params.mgf, uint(salt))), digest, nil
		}
		prefix, ok := digestInfoPrefix[hash]
		if !ok {
			break
		}
		return pkcs11.NewMechanism(pkcs11.CKM_RSA_PKCS, nil), append(append([]byte{}, prefix...), digest...), nil
	case *ecdsa.PublicKey:
		return pkcs11.NewMechanism(pkcs11.CKM_ECDSA, nil), digest, nil
	}
	return nil, nil, fmt.Errorf("%w: %T with %s", ErrUnsupportedAlgorithm, pub, hash)
}

// ecdsaDER converts the r || s output of CKM_ECDSA to ECDSA-Sig-Value.
func ecdsaDER(raw []byte) ([]byte, error) {
	if len(raw) == 0 || len(raw)%2 != 0 {
		return nil, fmt.Errorf("pkcs11: malformed ECDSA signature of %d bytes", len(raw))
	}
	n := len(raw) / 2

	var b cryptobyte.Builder
	b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1BigInt(new(big.Int).SetBytes(raw[:n]))
		b.AddASN1BigInt(new(big.Int).SetBytes(raw[n:]))
	})
	return b.Bytes()
}
