package enrollment

// Enrollment is the slice of a care-program enrollment needed to announce it.
type Enrollment struct {
	ID        string `json:"id"`
	AccountID string `json:"account_id"`
}

// Event is the message published per enrollment. The tracking consumer reads
// accountId as the patient id.
type Event struct {
	EnrollmentID string `json:"enrollmentId"`
	AccountID    string `json:"accountId"`
}

// PublishResult is the per-item outcome of a publish call.
type PublishResult struct {
	EnrollmentID string `json:"enrollment_id"`
	Published    bool   `json:"published"`
	Error        string `json:"error,omitempty"`
}
