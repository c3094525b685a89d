// Package blobstore uploads registration photos to remote object storage.
package blobstore

import (
	"context"
	"path"
	"strings"
)

// Store saves one object under key.
type Store interface {
	Upload(ctx context.Context, key string, data []byte, mimeType string) error
}

// FaceKey builds the object key for a registration photo:
// faces/{classID}/{usn}.jpg, or faces/{classID}/{usn}_{pose}.jpg when a pose is given.
func FaceKey(classID, usn, pose string) string {
	name := usn
	if pose != "" {
		name += "_" + pose
	}
	return path.Join("faces", cleanSegment(classID), cleanSegment(name)+".jpg")
}

func cleanSegment(s string) string {
	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, "/", "-")
	s = strings.ReplaceAll(s, " ", "-")
	return s
}
