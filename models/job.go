package models

import "time"

// FileKind is the semantic kind assigned to an uploaded file.
type FileKind int

const (
	KindUnknown FileKind = iota
	// KindStructuredConfig is a single-file wicked XML export.
	KindStructuredConfig
	// KindDistroConfig is a sysconfig-style file such as ifcfg-eth0 or routes.
	KindDistroConfig
	// KindNativeConnection is an already migrated NetworkManager profile.
	KindNativeConnection
)

func (k FileKind) String() string {
	switch k {
	case KindStructuredConfig:
		return "structured-config"
	case KindDistroConfig:
		return "distro-config"
	case KindNativeConnection:
		return "native-connection"
	default:
		return "unknown"
	}
}

// InputFile is one submitted file. It only lives for the duration of a
// submission.
type InputFile struct {
	Name        string
	ContentType string
	Content     []byte
	Kind        FileKind
}

// JobEntry is a ledger row.
type JobEntry struct {
	ID            string
	WorkspacePath string
	Log           string
	CreatedAt     time.Time
}

// ExecutionResult is the outcome of one converter run.
type ExecutionResult struct {
	Log       string
	Succeeded bool
}

// FileRecord is one converted file in the structured retrieval form.
type FileRecord struct {
	FileName    string `json:"fileName"`
	FileContent string `json:"fileContent"`
}

// RecordsResult is the JSON retrieval document.
type RecordsResult struct {
	Log   string       `json:"log"`
	Files []FileRecord `json:"files"`
}
