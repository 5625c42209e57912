package engine

import (
	"errors"
	"fmt"

	syncerr "github.com/alexjbarnes/fieldsync/internal/errors"
)

// callerErrors are returned unwrapped. Everything else that escapes a
// state transaction is a storage failure.
var callerErrors = []error{
	syncerr.ErrRecordNotFound,
	syncerr.ErrInvalidEntityType,
	syncerr.ErrInvalidPayload,
	syncerr.ErrConflictNotFound,
	syncerr.ErrUnknownStrategy,
}

func storageErr(err error) error {
	if err == nil {
		return nil
	}

	for _, target := range callerErrors {
		if errors.Is(err, target) {
			return err
		}
	}

	return fmt.Errorf("%w: %w", syncerr.ErrStorage, err)
}
