package blendfile

import "errors"

var (
	// ErrMalformed indicates a file that is not a blend file or whose
	// header or block table cannot be parsed. It is fatal for the file
	// it names, not for a larger operation that spans multiple files.
	ErrMalformed = errors.New("blendfile: malformed file")

	// ErrNoDNA indicates a blend file without a struct table. Such
	// files cannot be interpreted beyond their raw block list.
	ErrNoDNA = errors.New("blendfile: missing DNA struct table")

	// ErrStructNotFound indicates a request to view a block through a
	// struct name the file's DNA does not define.
	ErrStructNotFound = errors.New("blendfile: struct not found in DNA")

	// ErrFieldNotFound indicates a field path that does not exist in
	// the struct a block is viewed through.
	ErrFieldNotFound = errors.New("blendfile: field not found")

	// ErrUnresolvedPointer indicates a stored pointer whose address is
	// not in the file's block table. Old addresses are only hints; a
	// dangling one is recoverable, never a fault.
	ErrUnresolvedPointer = errors.New("blendfile: pointer does not resolve to a block")

	// ErrFieldTooSmall indicates an in-place write larger than the
	// field's fixed on-disk size.
	ErrFieldTooSmall = errors.New("blendfile: value does not fit field")

	// ErrClosed indicates use of a File after Close.
	ErrClosed = errors.New("blendfile: file is closed")
)
