package store

import "errors"

var (
	// ErrInsufficientCredits 表示条件扣减未命中（余额不足或组织不存在）。
	ErrInsufficientCredits = errors.New("积分余额不足")
	// ErrOrganizationNotFound 用于订阅回调等需要区分“组织不存在”的场景。
	ErrOrganizationNotFound = errors.New("组织不存在")
	// ErrDuplicateReference 表示同一外部引用（如 Stripe checkout session）已入账。
	ErrDuplicateReference = errors.New("交易引用已存在")
)
