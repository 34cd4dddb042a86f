package attestation

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"

	"arbiter-escrow/internal/chain"
	"arbiter-escrow/internal/protoerr"
)

// SignatureService validates secp256k1 signatures locally.
type SignatureService struct{}

// ValidateSignature reports whether the signature verifies against the public key over
// the hash. Malformed keys or signatures are errors, not invalid results.
func (SignatureService) ValidateSignature(req SignatureRequest) (SignatureResult, error) {
	pub, err := btcec.ParsePubKey(req.PublicKey)
	if err != nil {
		return SignatureResult{}, fmt.Errorf("%w: public key: %v", protoerr.ErrInvalidIdentity, err)
	}
	sig, err := chain.ParseSignature(req.Signature)
	if err != nil {
		return SignatureResult{}, err
	}
	return SignatureResult{Valid: sig.Verify(req.Hash.Bytes(), pub)}, nil
}

var _ SignatureValidator = SignatureService{}
