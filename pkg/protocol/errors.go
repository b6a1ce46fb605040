package protocol

import (
	"errors"
	"fmt"
)

// ErrNotConnected 仪器未连接
var ErrNotConnected = errors.New("仪器未连接")

// ConnectionError 套接字无法打开或意外关闭, 稍后重试即可
type ConnectionError struct {
	Address string
	Err     error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("仪器不可达 %s: %v", e.Address, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// ProtocolError 响应格式与预期不符, 丢弃本次样本但保留连接
type ProtocolError struct {
	Command  string
	Response string
	Reason   string
}

func (e *ProtocolError) Error() string {
	if e.Command == "" {
		return fmt.Sprintf("协议错误: %s, 响应: %q", e.Reason, e.Response)
	}
	return fmt.Sprintf("协议错误 [%s]: %s, 响应: %q", e.Command, e.Reason, e.Response)
}

// ReadError 查询期间的套接字错误 (含超时), 视为读数失败
type ReadError struct {
	Command string
	Err     error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("读取失败 [%s]: %v", e.Command, e.Err)
}

func (e *ReadError) Unwrap() error {
	return e.Err
}

// IsConnectionError 判断是否为连接错误
func IsConnectionError(err error) bool {
	var ce *ConnectionError
	return errors.As(err, &ce)
}

// IsProtocolError 判断是否为协议错误
func IsProtocolError(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}
