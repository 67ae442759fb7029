package errors

// ErrorCode represents a unique error code for identifying different error types.
type ErrorCode int

const (
	// General errors (1-99)
	ErrCodeUnknown ErrorCode = 1

	// Validation errors (100-199)
	ErrCodeInvalidRequest       ErrorCode = 100
	ErrCodeInvalidConfiguration ErrorCode = 101
	ErrCodeInvalidCondition     ErrorCode = 102
	ErrCodeInvalidTicker        ErrorCode = 103
	ErrCodeInvalidDateRange     ErrorCode = 104
	ErrCodeInvalidHorizon       ErrorCode = 105
	ErrCodeMissingParameter     ErrorCode = 106

	// Data errors (200-299)
	ErrCodeNoData           ErrorCode = 200
	ErrCodeMalformedPayload ErrorCode = 201
	ErrCodeSeriesMisaligned ErrorCode = 202

	// Pipeline errors (300-399)
	ErrCodeStageFailed    ErrorCode = 300
	ErrCodeTrainingFailed ErrorCode = 301
	ErrCodeRunSuperseded  ErrorCode = 302

	// Transport errors (400-499)
	ErrCodeTransport     ErrorCode = 400
	ErrCodeBackendStatus ErrorCode = 401
	ErrCodeFeedClosed    ErrorCode = 402
	ErrCodeFeedDial      ErrorCode = 403

	// Storage errors (500-599)
	ErrCodeStorage ErrorCode = 500
	ErrCodeExport  ErrorCode = 501

	// Notification errors (600-699)
	ErrCodeNotifyFailed ErrorCode = 600
)
