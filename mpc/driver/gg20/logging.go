package gg20

import (
	"time"

	"github.com/bnb-chain/tss-lib/v2/ecdsa/keygen"
	logging "github.com/ipfs/go-log"
	"github.com/pkg/errors"
)

// tss-lib logs through go-log under this subsystem name.
const libraryLogger = "tss-lib"

// SetLibraryLogLevel sets the verbosity of tss-lib's internal logger, for
// example "error" or "debug".
func SetLibraryLogLevel(level string) error {
	return errors.Wrap(logging.SetLogLevel(libraryLogger, level), "failed to set tss-lib log level")
}

// GeneratePreParams computes the Paillier and safe prime parameters keygen
// needs. It is slow, so callers usually run it ahead of a ceremony.
func GeneratePreParams(timeout time.Duration) (*keygen.LocalPreParams, error) {
	pre, err := keygen.GeneratePreParams(timeout)
	if err != nil {
		return nil, ErrKeygen.WithCause(errors.Wrap(err, "failed to generate pre-parameters"))
	}
	return pre, nil
}
