package enums

import "fmt"

// DownloadStatus records the outcome written to download history.
type DownloadStatus string

const (
	DownloadStatusCompleted     DownloadStatus = "completed"
	DownloadStatusFailed        DownloadStatus = "failed"
	DownloadStatusPaymentFailed DownloadStatus = "payment_failed"
)

var validDownloadStatuses = []DownloadStatus{
	DownloadStatusCompleted,
	DownloadStatusFailed,
	DownloadStatusPaymentFailed,
}

// IsValid reports whether the value is a known DownloadStatus.
func (s DownloadStatus) IsValid() bool {
	for _, candidate := range validDownloadStatuses {
		if candidate == s {
			return true
		}
	}
	return false
}

// ParseDownloadStatus converts raw input into a DownloadStatus.
func ParseDownloadStatus(value string) (DownloadStatus, error) {
	for _, candidate := range validDownloadStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid download status %q", value)
}
