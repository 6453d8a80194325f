package sync

import (
	"errors"
	"fmt"

	"go.uber.org/zap"
)

var (
	// ErrPayloadTooLarge marks an aggregate that exceeds the upload size caps.
	ErrPayloadTooLarge = errors.New("sync: payload too large")
	// ErrUnsyncedReference marks an aggregate that references an exercise without a server id.
	ErrUnsyncedReference = errors.New("sync: referenced exercise has no server id")

	errMissingStore  = errors.New("sync: local store is required")
	errMissingRemote = errors.New("sync: remote api is required")
)

// ServiceError carries a dotted code of the form <package>.<operation>.<reason>.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opNew       = "sync.new"
	opDownload  = "sync.download"
	opUpload    = "sync.upload"
	opSync      = "sync.run"
	opWatermark = "sync.watermark"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

func logError(logger *zap.Logger, operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	logger.Error("sync error", attrs...)
}

func loggerOrNop(logger *zap.Logger) *zap.Logger {
	if logger == nil {
		return zap.NewNop()
	}
	return logger
}
