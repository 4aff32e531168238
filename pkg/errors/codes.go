package errors

// ErrorCodeInfo describes how a classified failure should be handled.
type ErrorCodeInfo struct {
	Code            ErrorCode
	Retryable       bool
	Description     string
	SuggestedAction string
}

func info(code ErrorCode, retryable bool, description, action string) ErrorCodeInfo {
	return ErrorCodeInfo{Code: code, Retryable: retryable, Description: description, SuggestedAction: action}
}

// ErrorCodeRegistry holds the metadata for every ErrorCode. The queue and
// the AI guard retry only codes marked Retryable.
var ErrorCodeRegistry = map[ErrorCode]ErrorCodeInfo{
	ErrTimeout: info(ErrTimeout, true,
		"AI or store call ran past its deadline",
		"raise ai.timeout or retry later with: freightdesk review retry"),
	ErrRateLimit: info(ErrRateLimit, true,
		"AI provider rejected the call for rate or quota",
		"lower ai.rate_per_second or raise the provider quota"),
	ErrModelUnavailable: info(ErrModelUnavailable, true,
		"AI endpoint or model could not serve the call",
		"check ai.endpoint and ai.model, then: freightdesk review retry"),
	ErrMalformedResponse: info(ErrMalformedResponse, false,
		"AI reply did not fit the expected shape",
		"classify the message by hand: freightdesk review list"),
	ErrContextCancelled: info(ErrContextCancelled, false,
		"run was cancelled before the message finished",
		"re-run; backfills continue with --resume"),
	ErrStoreUnavailable: info(ErrStoreUnavailable, true,
		"database unreachable or a query failed",
		"check the database with: freightdesk migrate --status"),
	ErrProcessingError: info(ErrProcessingError, false,
		"failure outside the known categories",
		"inspect with --log-level debug and re-run: freightdesk process <message-id>"),
}

// IsRetryable reports whether code is a transient failure.
func IsRetryable(code ErrorCode) bool {
	return ErrorCodeRegistry[code].Retryable
}

// GetSuggestedAction returns the operator hint for code.
func GetSuggestedAction(code ErrorCode) string {
	if i, ok := ErrorCodeRegistry[code]; ok {
		return i.SuggestedAction
	}
	return "inspect with --log-level debug"
}

// GetDescription returns the description for code, or "Unknown error".
func GetDescription(code ErrorCode) string {
	if i, ok := ErrorCodeRegistry[code]; ok {
		return i.Description
	}
	return "Unknown error"
}
