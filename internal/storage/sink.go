package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/google/uuid"
)

type ArtifactKind string

const (
	ArtifactAudio ArtifactKind = "audio"
	ArtifactImage ArtifactKind = "image"
)

// Sink saves run artifacts under predictable keys:
//
//	runs/<run>/scenes/<index>/<kind><ext>
//	runs/<run>/<name>
type Sink struct {
	store  Storage
	bucket string
}

func NewSink(store Storage, bucket string) *Sink {
	return &Sink{store: store, bucket: bucket}
}

func SceneKey(runID uuid.UUID, scene int, kind ArtifactKind, ext string) string {
	return fmt.Sprintf("runs/%s/scenes/%04d/%s%s", runID, scene, kind, ext)
}

func RunKey(runID uuid.UUID, name string) string {
	return fmt.Sprintf("runs/%s/%s", runID, name)
}

// SaveSceneArtifact stores one scene's payload as soon as it is produced and
// returns its key.
func (s *Sink) SaveSceneArtifact(ctx context.Context, runID uuid.UUID, scene int, kind ArtifactKind, data []byte, contentType, ext string) (string, error) {
	key := SceneKey(runID, scene, kind, ext)
	if err := s.store.Upload(ctx, s.bucket, key, bytes.NewReader(data), contentType); err != nil {
		return "", fmt.Errorf("save scene %d %s: %w", scene, kind, err)
	}
	return key, nil
}

// SaveRunArtifact stores a whole-run file such as the combined track.
func (s *Sink) SaveRunArtifact(ctx context.Context, runID uuid.UUID, name string, data io.Reader, contentType string) (string, error) {
	key := RunKey(runID, name)
	if err := s.store.Upload(ctx, s.bucket, key, data, contentType); err != nil {
		return "", fmt.Errorf("save %s: %w", name, err)
	}
	return key, nil
}

// Open reads back a stored artifact.
func (s *Sink) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	return s.store.Download(ctx, s.bucket, key)
}

func (s *Sink) URL(key string) string {
	return s.store.GetPublicURL(s.bucket, key)
}
