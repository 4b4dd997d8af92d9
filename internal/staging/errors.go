package staging

import (
	"errors"
	"fmt"
)

var (
	// ErrUnrecognizedArtifactName is matched by errors for keys carrying neither reserved suffix
	ErrUnrecognizedArtifactName = errors.New("unrecognized staging artifact name")

	// ErrAlreadyClaimed is returned when another loader holds or has already retired an artifact
	ErrAlreadyClaimed = errors.New("staging artifact already claimed")

	// ErrObjectNotFound is matched by store errors for keys that do not exist
	ErrObjectNotFound = errors.New("staging object not found")
)

// UnrecognizedArtifactNameError reports a key outside the artifact naming contract
type UnrecognizedArtifactNameError struct {
	Key string
}

func (e *UnrecognizedArtifactNameError) Error() string {
	return fmt.Sprintf("unrecognized staging artifact name %q: expected suffix %q or %q", e.Key, DataSuffix, MarkerSuffix)
}

func (e *UnrecognizedArtifactNameError) Is(target error) bool {
	return target == ErrUnrecognizedArtifactName
}
