package model

import (
	"bytes"
	"encoding/json"
)

type UploadedFile struct {
	// Name is the generated stored name
	Name         string `json:"name"`
	OriginalName string `json:"original_name"`
	StoredPath   string `json:"stored_path"`
	URL          string `json:"url,omitempty"`
	MimeType     string `json:"mime_type"`
	SizeBytes    int64  `json:"size_bytes"`
}

// FileSet holds the files of one field. Single-file fields are stored as an object,
// multiple-file fields as an array.
type FileSet struct {
	Files []UploadedFile
	Multi bool
}

func Single(f UploadedFile) FileSet { return FileSet{Files: []UploadedFile{f}} }

func Multiple(files []UploadedFile) FileSet { return FileSet{Files: files, Multi: true} }

func (s FileSet) All() []UploadedFile { return s.Files }

func (s FileSet) MarshalJSON() ([]byte, error) {
	if !s.Multi && len(s.Files) == 1 {
		return json.Marshal(s.Files[0])
	}
	files := s.Files
	if files == nil {
		files = []UploadedFile{}
	}
	return json.Marshal(files)
}

func (s *FileSet) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '[' {
		var files []UploadedFile
		if err := json.Unmarshal(b, &files); err != nil {
			return err
		}
		*s = Multiple(files)
		return nil
	}
	if bytes.Equal(b, []byte("null")) {
		*s = FileSet{}
		return nil
	}
	var f UploadedFile
	if err := json.Unmarshal(b, &f); err != nil {
		return err
	}
	*s = Single(f)
	return nil
}

// FileMap maps file field ids to the files stored for them.
type FileMap map[string]FileSet

// All returns every file of every field.
func (m FileMap) All() []UploadedFile {
	var files []UploadedFile
	for _, s := range m {
		files = append(files, s.Files...)
	}
	return files
}
