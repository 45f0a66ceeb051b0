package store

import (
	"encoding/base64"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/wojons/openchamber/internal/api"
)

type FileSource string

const (
	SourceLocal  FileSource = "local"
	SourceServer FileSource = "server"
)

// AttachedFile is a pending attachment for the next outgoing message.
// Ephemeral: cleared on send or explicit removal, never persisted.
type AttachedFile struct {
	ID         string
	Filename   string
	Mime       string
	DataURL    string
	ServerPath string
	Size       int64
	Source     FileSource
}

func (f AttachedFile) outgoing() api.OutgoingFile {
	url := f.DataURL
	if f.Source == SourceServer {
		url = f.ServerPath
	}
	return api.OutgoingFile{Filename: f.Filename, Mime: f.Mime, URL: url}
}

// FileStore holds attachments staged for the next send.
type FileStore struct {
	mu    sync.Mutex
	bus   *Bus
	files []AttachedFile
}

func NewFileStore(bus *Bus) *FileStore {
	return &FileStore{bus: bus}
}

func (s *FileStore) publish() {
	s.bus.Publish(Notice{Topic: TopicFiles})
}

// AttachLocal reads a file from disk and stages it as a data URL.
func (s *FileStore) AttachLocal(path string) (AttachedFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return AttachedFile{}, fmt.Errorf("reading attachment: %w", err)
	}
	mimeType := mime.TypeByExtension(filepath.Ext(path))
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	file := AttachedFile{
		ID:       uuid.NewString(),
		Filename: filepath.Base(path),
		Mime:     mimeType,
		DataURL:  "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(data),
		Size:     int64(len(data)),
		Source:   SourceLocal,
	}
	s.mu.Lock()
	s.files = append(s.files, file)
	s.mu.Unlock()
	s.publish()
	return file, nil
}

// AttachServer stages a server-side file reference.
func (s *FileStore) AttachServer(serverPath, filename, mimeType string) AttachedFile {
	if mimeType == "" {
		mimeType = mime.TypeByExtension(filepath.Ext(filename))
	}
	file := AttachedFile{
		ID:         uuid.NewString(),
		Filename:   filename,
		Mime:       mimeType,
		ServerPath: serverPath,
		Source:     SourceServer,
	}
	s.mu.Lock()
	s.files = append(s.files, file)
	s.mu.Unlock()
	s.publish()
	return file
}

func (s *FileStore) Remove(id string) {
	s.mu.Lock()
	for i, f := range s.files {
		if f.ID == id {
			s.files = append(s.files[:i], s.files[i+1:]...)
			break
		}
	}
	s.mu.Unlock()
	s.publish()
}

// Take drains all staged files, returning them. Called when a send is
// composed so the input is immediately reusable.
func (s *FileStore) Take() []AttachedFile {
	s.mu.Lock()
	files := s.files
	s.files = nil
	s.mu.Unlock()
	s.publish()
	return files
}

// Restore puts attachments from a failed send back so the user's work is not
// lost.
func (s *FileStore) Restore(files []AttachedFile) {
	if len(files) == 0 {
		return
	}
	s.mu.Lock()
	s.files = append(s.files, files...)
	s.mu.Unlock()
	s.publish()
}

func (s *FileStore) Files() []AttachedFile {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]AttachedFile, len(s.files))
	copy(out, s.files)
	return out
}

func (s *FileStore) Clear() {
	s.mu.Lock()
	s.files = nil
	s.mu.Unlock()
	s.publish()
}
