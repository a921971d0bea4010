package errs

const (
	ServerInternalError = 500

	FormatErrorCode   = 1001 // 标识格式不合法
	ConflictCode      = 1002 // 绑定冲突
	NotFoundCode      = 1003 // 不存在
	ApiErrorCode      = 1010 // 上游接口错误（父级）
	ApiTransientCode  = 1004 // 上游暂时不可用，重试耗尽
	ApiFatalCode      = 1005 // 上游拒绝，不可重试
	TimeoutCode       = 1006 // 调用方截止时间到
	InvalidOptionCode = 1007 // 配置项或取值非法
	UnauthorizedCode  = 1008
)

var (
	ErrInternal      = NewCodeError(ServerInternalError, "internal error")
	ErrFormat        = NewCodeError(FormatErrorCode, "invalid identifier format")
	ErrConflict      = NewCodeError(ConflictCode, "binding conflict")
	ErrNotFound      = NewCodeError(NotFoundCode, "not found")
	ErrApi           = NewCodeError(ApiErrorCode, "upstream api error")
	ErrApiTransient  = NewCodeError(ApiTransientCode, "upstream temporarily unavailable")
	ErrApiFatal      = NewCodeError(ApiFatalCode, "upstream rejected request")
	ErrTimeout       = NewCodeError(TimeoutCode, "deadline exceeded")
	ErrInvalidOption = NewCodeError(InvalidOptionCode, "invalid option")
	ErrUnauthorized  = NewCodeError(UnauthorizedCode, "unauthorized")
)

func init() {
	// ErrApi 覆盖所有上游失败，包括超时
	_ = DefaultCodeRelation.Add(ApiErrorCode, ApiTransientCode)
	_ = DefaultCodeRelation.Add(ApiErrorCode, ApiFatalCode)
	_ = DefaultCodeRelation.Add(ApiErrorCode, TimeoutCode)
}
