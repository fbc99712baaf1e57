package driver

import (
	"math/big"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
)

// Address derives the account address of a secp256k1 public key: Keccak-256
// over the uncompressed X || Y coordinates, keeping the last 20 bytes. Both
// compressed and uncompressed encodings of the same key give the same address.
func Address(publicKey []byte) (string, error) {
	pub, err := btcec.ParsePubKey(publicKey)
	if err != nil {
		return "", errors.Wrap(err, "invalid public key")
	}
	uncompressed := pub.SerializeUncompressed()
	hash := crypto.Keccak256(uncompressed[1:])
	return common.BytesToAddress(hash[12:]).Hex(), nil
}

// UncompressedPublicKey encodes affine coordinates as a 65-byte public key,
// rejecting points that are not on the curve.
func UncompressedPublicKey(x, y *big.Int) ([]byte, error) {
	if x == nil || y == nil || x.Sign() < 0 || y.Sign() < 0 || x.BitLen() > 256 || y.BitLen() > 256 {
		return nil, errors.New("invalid public key coordinates")
	}
	out := make([]byte, 65)
	out[0] = 0x04
	x.FillBytes(out[1:33])
	y.FillBytes(out[33:65])
	if _, err := btcec.ParsePubKey(out); err != nil {
		return nil, errors.Wrap(err, "public key not on curve")
	}
	return out, nil
}
