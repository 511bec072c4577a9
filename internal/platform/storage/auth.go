package storage

import "errors"

// ErrPermissionDenied is returned when the caller lacks permission to access the asset.
var ErrPermissionDenied = errors.New("storage: permission denied")

// AuthorizeDownload validates whether the requester may access the asset owned by ownerID.
func AuthorizeDownload(requesterID, ownerID string, allowAnonymous bool) error {
	if allowAnonymous {
		return nil
	}
	if requesterID == "" {
		return ErrPermissionDenied
	}
	if ownerID == "" || requesterID == ownerID {
		return nil
	}
	return ErrPermissionDenied
}
