package fingerprint

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownProfile is returned for names the registry does not hold.
	ErrUnknownProfile = errors.New("unknown profile")
	// ErrUnsupportedCipherOrExtension is returned when a profile names a
	// cipher suite or extension the TLS engine cannot put on the wire.
	ErrUnsupportedCipherOrExtension = errors.New("unsupported cipher or extension")
	// ErrUnsupportedOS is returned when a profile has no variant for the
	// requested OS.
	ErrUnsupportedOS = errors.New("no variant for os")
	// ErrDuplicateProfile is returned by Register for a taken name.
	ErrDuplicateProfile = errors.New("profile already registered")
)

// ProfileError reports a failure to look up, compose or build a profile.
type ProfileError struct {
	Profile string
	Err     error
}

func (e *ProfileError) Error() string {
	if e.Profile == "" {
		return "profile: " + e.Err.Error()
	}
	return fmt.Sprintf("profile %q: %v", e.Profile, e.Err)
}

func (e *ProfileError) Unwrap() error { return e.Err }

func unsupportedCipher(id uint16) error {
	return fmt.Errorf("%w: cipher suite 0x%04x", ErrUnsupportedCipherOrExtension, id)
}

func unsupportedExtension(id uint16) error {
	return fmt.Errorf("%w: extension %d", ErrUnsupportedCipherOrExtension, id)
}
