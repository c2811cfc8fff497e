package responses

// Publish reports a successfully stored package version.
type Publish struct {
	Name          string `json:"name"`
	Version       string `json:"version"`
	ArchiveSHA256 string `json:"archive_sha256"`
	Message       string `json:"message"`
}
