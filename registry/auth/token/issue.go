package token

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/go-jose/go-jose/v3/jwt"
)

// SigningKey is the instance key tokens are signed with.
type SigningKey struct {
	Key       crypto.Signer
	KeyID     string
	Algorithm jose.SignatureAlgorithm
}

// NewSigningKey wraps key, deriving its key id and algorithm.
func NewSigningKey(key crypto.Signer) (SigningKey, error) {
	var alg jose.SignatureAlgorithm
	switch k := key.(type) {
	case *ecdsa.PrivateKey:
		switch k.Curve.Params().BitSize {
		case 256:
			alg = jose.ES256
		case 384:
			alg = jose.ES384
		case 521:
			alg = jose.ES512
		default:
			return SigningKey{}, fmt.Errorf("unsupported curve %s", k.Curve.Params().Name)
		}
	case *rsa.PrivateKey:
		alg = jose.RS256
	default:
		return SigningKey{}, fmt.Errorf("unsupported signing key type %T", key)
	}
	return SigningKey{Key: key, KeyID: GetRFC7638Thumbprint(key.Public()), Algorithm: alg}, nil
}

// LoadSigningKey reads a PEM encoded EC or RSA private key.
func LoadSigningKey(path string) (SigningKey, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return SigningKey{}, fmt.Errorf("reading token signing key: %w", err)
	}
	block, _ := pem.Decode(b)
	if block == nil {
		return SigningKey{}, fmt.Errorf("no PEM block in token signing key %s", path)
	}

	var key interface{}
	switch block.Type {
	case "EC PRIVATE KEY":
		key, err = x509.ParseECPrivateKey(block.Bytes)
	case "RSA PRIVATE KEY":
		key, err = x509.ParsePKCS1PrivateKey(block.Bytes)
	default:
		key, err = x509.ParsePKCS8PrivateKey(block.Bytes)
	}
	if err != nil {
		return SigningKey{}, fmt.Errorf("parsing token signing key %s: %w", path, err)
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return SigningKey{}, fmt.Errorf("token signing key %s is not a signing key", path)
	}
	return NewSigningKey(signer)
}

// PublicKeys returns the verification key set holding key.
func (k SigningKey) PublicKeys() map[string]crypto.PublicKey {
	return map[string]crypto.PublicKey{k.KeyID: k.Key.Public()}
}

// IssueRequest describes a token to issue.
type IssueRequest struct {
	// Issuer is the registry hostname.
	Issuer string
	// Audience is the service the token is valid for.
	Audience string
	Subject  string
	Context  *Context
	Access   []*ResourceActions
	TTL      time.Duration

	// Now overrides the issue time.
	Now time.Time
}

// IssueToken returns a compact JWT carrying the request's claims, signed
// with key.
func IssueToken(req IssueRequest, key SigningKey) (string, error) {
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: key.Algorithm, Key: key.Key},
		(&jose.SignerOptions{}).WithType("JWT").WithHeader(jose.HeaderKey("kid"), key.KeyID))
	if err != nil {
		return "", fmt.Errorf("unable to create a signer: %w", err)
	}

	randomBytes := make([]byte, 15)
	if _, err := rand.Read(randomBytes); err != nil {
		return "", fmt.Errorf("unable to read random bytes for jwt id: %w", err)
	}

	now := req.Now
	if now.IsZero() {
		now = time.Now()
	}
	access := req.Access
	if access == nil {
		access = []*ResourceActions{}
	}
	claims := &ClaimSet{
		Issuer:     req.Issuer,
		Subject:    req.Subject,
		Audience:   AudienceList{req.Audience},
		Expiration: now.Add(req.TTL).Unix(),
		NotBefore:  now.Unix(),
		IssuedAt:   now.Unix(),
		JWTID:      base64.URLEncoding.EncodeToString(randomBytes),
		Access:     access,
		Context:    req.Context,
	}

	return jwt.Signed(signer).Claims(claims).CompactSerialize()
}

// DecodeBearer verifies the token in an Authorization header value and
// returns its claims.
func DecodeBearer(header string, opts VerifyOptions) (*ClaimSet, error) {
	scheme, raw, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return nil, errTokenRequired
	}
	token, err := NewToken(strings.TrimSpace(raw))
	if err != nil {
		return nil, err
	}
	claims, err := token.Verify(opts)
	if err != nil {
		if !errors.Is(err, ErrInvalidToken) {
			err = fmt.Errorf("%w: %v", ErrInvalidToken, err)
		}
		return nil, err
	}
	return claims, nil
}
