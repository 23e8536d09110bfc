package config

import (
	"errors"
	"fmt"
)

// ErrInvalid 是所有字段校验错误的共同根，调用方可用 errors.Is 区分“配置写错”与“文件读不到”。
var ErrInvalid = errors.New("invalid config")

// FieldError 提供字段路径与错误原因，便于 CLI 向用户反馈。
type FieldError struct {
	Field  string
	Reason string
}

func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e FieldError) Unwrap() error {
	return ErrInvalid
}

func newFieldError(field, reason string) error {
	return FieldError{Field: field, Reason: reason}
}

// sourceField 拼接 Source[id].Field 形式的字段路径。
func sourceField(id, field string) string {
	if id == "" {
		return fmt.Sprintf("Source[].%s", field)
	}
	return fmt.Sprintf("Source[%s].%s", id, field)
}
