package model

import "errors"

var (
	// ErrNotFound 表示按 ID/名称查询的对象不存在。
	ErrNotFound = errors.New("not found")
	// ErrInvalid 表示入参不合法（枚举值越界、必填项为空等）。
	ErrInvalid = errors.New("invalid argument")
	// ErrConflict 表示与已有数据冲突（重名、仍有关联数据等）。
	ErrConflict = errors.New("conflict")
)
