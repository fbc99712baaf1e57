package ceremony

import (
	"encoding/hex"

	"github.com/pkg/errors"
)

func hexKey(id string) ([]byte, error) {
	key, err := hex.DecodeString(id)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid identity %q", id)
	}
	return key, nil
}
