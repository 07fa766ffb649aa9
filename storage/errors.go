package storage

import (
	"errors"

	"github.com/pior/memcache-binary/binprot"
)

var (
	ErrNotFound   = errors.New("storage: key not found")
	ErrExists     = errors.New("storage: key exists")
	ErrNotStored  = errors.New("storage: item not stored")
	ErrNonNumeric = errors.New("storage: cannot increment or decrement non-numeric value")
	ErrTooLarge   = errors.New("storage: value too large")
	ErrInvalidKey = errors.New("storage: invalid key")
)

// Status maps a store error to the binary protocol status answering it.
func Status(err error) binprot.Status {
	switch {
	case err == nil:
		return binprot.StatusSuccess
	case errors.Is(err, ErrNotFound):
		return binprot.StatusKeyNotFound
	case errors.Is(err, ErrExists):
		return binprot.StatusKeyExists
	case errors.Is(err, ErrNotStored):
		return binprot.StatusItemNotStored
	case errors.Is(err, ErrNonNumeric):
		return binprot.StatusDeltaBadValue
	case errors.Is(err, ErrTooLarge):
		return binprot.StatusValueTooLarge
	case errors.Is(err, ErrInvalidKey):
		return binprot.StatusInvalidArguments
	}
	return binprot.StatusInternalError
}
