package conn

import "errors"

var (
	// ErrNotConnected 连接未就绪,拒绝发送
	ErrNotConnected = errors.New("stream not connected")
	// ErrAlreadyClosed Close 之后不可复用底层连接
	ErrAlreadyClosed = errors.New("connection already closed")
	// ErrStaleConnection 心跳超时
	ErrStaleConnection = errors.New("stale connection, no ping received")
	// ErrManagerClosed 显式 Disconnect 之后的管理器
	ErrManagerClosed = errors.New("connection manager is closed")
	// ErrAlreadyStarted Connect 只能从 Closed 状态发起
	ErrAlreadyStarted = errors.New("connection manager already started")
)
