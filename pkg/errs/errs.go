// Package errs defines the sentinel errors surfaced by the snapfolder engine.
// Call sites wrap them with fmt.Errorf("...: %w", errs.ErrX); callers match
// with errors.Is.
package errs

import "errors"

var (
	// Credential errors.
	ErrCredentialMissing = errors.New("credential missing")
	ErrMissingSecret     = errors.New("encryption secret missing")

	// Network and transfer errors.
	ErrNetworkUnavailable = errors.New("network unavailable")
	ErrUploadRejected     = errors.New("upload rejected")
	ErrDownloadFailed     = errors.New("download failed")
	ErrDownloadTimeout    = errors.New("download timed out")
	ErrEmptyPayload       = errors.New("empty payload")

	// Crypto errors.
	ErrEncryptionFailed     = errors.New("encryption failed")
	ErrDecryptionFailed     = errors.New("decryption failed")
	ErrPrimitiveUnavailable = errors.New("encryption primitive unavailable")

	// Directory errors.
	ErrMemberNotFound    = errors.New("member not found")
	ErrDirectoryNotFound = errors.New("directory not found")
	ErrInvalidAddress    = errors.New("invalid address")
)

var transient = []error{
	ErrNetworkUnavailable,
	ErrDownloadTimeout,
	ErrPrimitiveUnavailable,
}

// IsTransient reports whether err is a network-class failure worth retrying
// later.
func IsTransient(err error) bool {
	for _, t := range transient {
		if errors.Is(err, t) {
			return true
		}
	}
	return false
}

// Describe returns a short human-readable cause for err, phrased as guidance.
func Describe(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrCredentialMissing):
		return "You are not signed in or your session expired. Please re-enter your credentials."
	case errors.Is(err, ErrMissingSecret):
		return "An encryption secret is required. Please enter your secret and try again."
	case errors.Is(err, ErrDecryptionFailed):
		return "Could not decrypt the file: the secret is wrong or the data is corrupted."
	case errors.Is(err, ErrEncryptionFailed):
		return "Could not encrypt the file."
	case errors.Is(err, ErrPrimitiveUnavailable):
		return "Encryption is still loading. Please try again in a moment."
	case errors.Is(err, ErrDownloadTimeout):
		return "The download took too long. Check your connection and try again."
	case errors.Is(err, ErrNetworkUnavailable):
		return "The storage network is unreachable. Check your connection and try again."
	case errors.Is(err, ErrUploadRejected):
		return "The upload was rejected. Check your credentials and try again."
	case errors.Is(err, ErrDownloadFailed):
		return "The download failed. Please try again."
	case errors.Is(err, ErrEmptyPayload):
		return "The file is empty or could not be read."
	case errors.Is(err, ErrMemberNotFound):
		return "That file is no longer in this folder."
	case errors.Is(err, ErrDirectoryNotFound):
		return "That folder could not be found. Try reloading."
	case errors.Is(err, ErrInvalidAddress):
		return "That address is not valid."
	default:
		return "Something went wrong: " + err.Error()
	}
}
