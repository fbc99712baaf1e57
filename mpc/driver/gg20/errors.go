package gg20

import (
	"github.com/bnb-chain/tss-lib/v2/tss"

	mpcerrors "github.com/pushchain/mpc-relay/mpc/errors"
)

var (
	ErrKeygen = mpcerrors.New(mpcerrors.CodeCeremony, "gg20 keygen")
	ErrSign   = mpcerrors.New(mpcerrors.CodeCeremony, "gg20 sign")

	ErrUnknownSender      = mpcerrors.New(mpcerrors.CodeCeremony, "message from unknown party")
	ErrDuplicateShare     = mpcerrors.New(mpcerrors.CodeCeremony, "duplicate key share index")
	ErrMissingPartial     = mpcerrors.New(mpcerrors.CodeCeremony, "partial signature not produced")
	ErrInvalidKeyShare    = mpcerrors.New(mpcerrors.CodeCeremony, "invalid gg20 key share")
	ErrUnexpectedProtocol = mpcerrors.New(mpcerrors.CodeCeremony, "key share is not a gg20 share")
)

// wrapTss converts a tss-lib error into the given ceremony error. A nil
// *tss.Error must not reach an error interface, so it is checked here.
func wrapTss(kind *mpcerrors.Error, err *tss.Error) error {
	if err == nil {
		return nil
	}
	return kind.WithCause(err)
}
