package model

import "time"

// Executable is the registry record of a native executable.
type Executable struct {
	ID       ExecutableID `json:"id"`
	FileName string       `json:"file_name,omitempty"`
	// Size is zero until the bytes are available.
	Size int64 `json:"size"`
	// Blob is the object name of the stored bytes, empty when none are stored.
	Blob   string `json:"blob,omitempty"`
	Status Status `json:"status"`
	// Generation changes whenever the executable is invalidated, so results
	// computed against an older generation can be recognised and dropped.
	Generation    uint64    `json:"generation"`
	FetchAttempts uint32    `json:"fetch_attempts,omitempty"`
	NextFetch     time.Time `json:"next_fetch,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// HasBytes reports whether the executable has stored bytes.
func (e *Executable) HasBytes() bool { return e.Blob != "" }

// BlobName is the object name executable bytes are stored under.
func BlobName(id ExecutableID) string { return "executables/" + id.String() }
