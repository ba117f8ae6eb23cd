package lifecycle

import "time"

// UploadStatus is the ledger-side state of an upload.
type UploadStatus string

const (
	StatusUploading UploadStatus = "uploading"
	// StatusMerging means a merge chose OutputName and may have published it.
	StatusMerging UploadStatus = "merging"
)

// UploadSession is the ledger's view of one logical upload.
type UploadSession struct {
	UploadID    string
	TotalChunks int

	// Received is sorted ascending with no duplicates.
	Received      []int
	ReceivedBytes int64

	Status     UploadStatus
	OutputName string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Complete reports whether every index in [0, TotalChunks) has arrived.
func (s UploadSession) Complete() bool {
	return s.TotalChunks > 0 && len(s.Received) == s.TotalChunks && len(s.Missing(s.TotalChunks)) == 0
}

// Missing lists the indices in [0, total) not yet received.
func (s UploadSession) Missing(total int) []int {
	have := make(map[int]struct{}, len(s.Received))
	for _, i := range s.Received {
		have[i] = struct{}{}
	}
	var missing []int
	for i := 0; i < total; i++ {
		if _, ok := have[i]; !ok {
			missing = append(missing, i)
		}
	}
	return missing
}

// Stale reports whether the session saw no activity since cutoff.
func (s UploadSession) Stale(cutoff time.Time) bool {
	return !s.UpdatedAt.After(cutoff)
}
