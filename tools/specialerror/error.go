package specialerror

import (
	"context"
	"errors"

	"VBridge/tools/errs"
)

var handlers []func(err error) (errs.CodeError, bool)

// AddErrHandler 注册外部错误到错误码的映射，先注册先匹配
func AddErrHandler(h func(err error) (errs.CodeError, bool)) error {
	if h == nil {
		return errs.New("nil handler")
	}
	handlers = append(handlers, h)
	return nil
}

func init() {
	_ = AddErrHandler(func(err error) (errs.CodeError, bool) {
		if errors.Is(err, context.DeadlineExceeded) {
			return errs.ErrTimeout, true
		}
		return errs.CodeError{}, false
	})
}

// CodeError 链上已有 CodeError 直接返回，否则走注册的映射；都不命中返回 false
func CodeError(err error) (errs.CodeError, bool) {
	if err == nil {
		return errs.CodeError{}, false
	}
	var ce errs.CodeError
	if errors.As(err, &ce) {
		return ce, true
	}
	for _, h := range handlers {
		if c, ok := h(err); ok {
			return c, true
		}
	}
	return errs.CodeError{}, false
}

// Code 同 errs.Code，但识别注册过的外部错误；未知错误返回 ServerInternalError
func Code(err error) int {
	if c, ok := CodeError(err); ok {
		return c.Code
	}
	return errs.ServerInternalError
}
