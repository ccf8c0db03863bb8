package errs

// Error codes of the delivery core. Validation, rate-limit and duplicate
// rejections are client-recoverable; delivery failures mean the send was
// aborted and may be retried with the same dedup key.
const (
	ServerInternalError = 500

	ValidationErrorCode   = 1001
	RateLimitExceededCode = 1002
	DuplicateMessageCode  = 1003
	DeliveryFailureCode   = 1004
	NotChatMemberCode     = 1005
)

var (
	ErrInternalServer    = NewCodeError(ServerInternalError, "server internal error")
	ErrValidation        = NewCodeError(ValidationErrorCode, "validation error")
	ErrRateLimitExceeded = NewCodeError(RateLimitExceededCode, "rate limit exceeded")
	ErrDuplicateMessage  = NewCodeError(DuplicateMessageCode, "duplicate message")
	ErrDeliveryFailure   = NewCodeError(DeliveryFailureCode, "delivery failure")
	ErrNotChatMember     = NewCodeError(NotChatMemberCode, "sender is not a chat member")
)
