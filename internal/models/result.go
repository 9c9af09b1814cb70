package models

// ProcessResult summarizes one processing tick.
type ProcessResult struct {
	Processed  int   `json:"processed"`
	Succeeded  int   `json:"succeeded"`
	Failed     int   `json:"failed"`
	Deferred   int   `json:"deferred,omitempty"`
	DurationMS int64 `json:"duration_ms"`
}

// UploadOutcome reports the fate of a single record upload.
type UploadOutcome struct {
	ID       string `json:"id"`
	Success  bool   `json:"success"`
	Error    string `json:"error,omitempty"`
	Attempts int    `json:"attempts"`
}
