package syncshm

import "fmt"

// Archiver is the adapter turning a user value of type T into a contiguous
// byte image and back into a validated view, exactly the boundary the
// component design describes: the core treats Serialize/Validate/Access as
// total functions over byte slices and never looks inside them.
//
// Implementations are expected to produce a layout that can be
// re-interpreted directly over raw bytes (a zero-copy view), for example by
// placing a validated footer at the end of the image that locates the root
// object. [github.com/shmsync/shmsync/pkg/framed] is a worked example that
// uses a fixed leading header and a record index instead. A trivial
// Archiver (see [RawArchiver]) is also valid: it treats T as []byte and
// performs no structural validation beyond rejecting a nil buffer.
type Archiver[T any] interface {
	// Serialize produces a self-describing byte image for value.
	Serialize(value T) ([]byte, error)

	// Validate performs structural validation (bounds, offsets,
	// discriminants) over data and returns the decoded view. data is
	// exactly the published prefix of a data buffer; callers must not
	// retain data beyond the reader counter's scope.
	Validate(data []byte) (T, error)

	// Access is the unchecked variant of Validate, for callers that have
	// already gated on the checksum and trust the bytes.
	Access(data []byte) (T, error)
}

// RawArchiver is the identity Archiver: T is []byte, Serialize and Access
// are no-ops, and Validate only checks that data is non-nil. It gives the
// engine a usable default so it is runnable standalone without a generated
// codec, and backs WriteRaw/read-raw usage directly.
type RawArchiver struct{}

func (RawArchiver) Serialize(value []byte) ([]byte, error) {
	return value, nil
}

func (RawArchiver) Validate(data []byte) ([]byte, error) {
	if data == nil {
		return nil, fmt.Errorf("%w: nil buffer", ErrValidationFailed)
	}

	return data, nil
}

func (RawArchiver) Access(data []byte) ([]byte, error) {
	return data, nil
}

var _ Archiver[[]byte] = RawArchiver{}
