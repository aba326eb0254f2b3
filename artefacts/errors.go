package artefacts

import "fmt"

// ArtefactDoesNotExistError reports a download of a store path that holds no
// object.
type ArtefactDoesNotExistError struct {
	StorePath string
}

func (e *ArtefactDoesNotExistError) Error() string {
	return fmt.Sprintf("artefact %s does not exist", e.StorePath)
}
