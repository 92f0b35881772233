// Package errdefs defines the error taxonomy shared by the inference gateway.
//
// It re-exports github.com/cockroachdb/errors so callers get stack traces and
// marker-based matching from one import:
//
//	if err := conn.RunJob(job); err != nil {
//	    return errdefs.Wrap(errdefs.ErrInferenceJob, err, "inference request failed")
//	}
//
//	if errdefs.Is(err, errdefs.ErrNotFound) { ... }
package errdefs

import (
	"context"

	crdb "github.com/cockroachdb/errors"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Core error creation and inspection
var (
	New           = crdb.New
	Newf          = crdb.Newf
	Errorf        = crdb.Errorf
	WithStack     = crdb.WithStack
	WithHint      = crdb.WithHint
	Mark          = crdb.Mark
	Is            = crdb.Is
	IsAny         = crdb.IsAny
	As            = crdb.As
	CombineErrors = crdb.CombineErrors
)

// Taxonomy sentinels. Match with Is; never compare error strings.
var (
	// ErrInvalidArgument marks malformed or missing request fields.
	ErrInvalidArgument = New("invalid argument")

	// ErrModelNotFound marks a model that can be neither found nor loaded.
	ErrModelNotFound = New("model not found")

	// ErrInputCountMismatch marks a request whose input count disagrees with the model.
	ErrInputCountMismatch = New("input count mismatch")

	// ErrCapture marks a failed capture hardware call.
	ErrCapture = New("capture error")

	// ErrNotFound marks an evicted or never-issued frame reference.
	ErrNotFound = New("not found")

	// ErrUnknownStream marks a stream id that is not registered.
	// Build it with UnknownStreamf so the result also matches ErrNotFound.
	ErrUnknownStream = New("stream not found")

	// ErrPreprocessing marks a failed resize/convert job.
	ErrPreprocessing = New("preprocessing error")

	// ErrInferenceJob marks a failed main accelerator job.
	ErrInferenceJob = New("inference job failed")

	// ErrIO marks temporary file or buffer read/write failures.
	ErrIO = New("io error")

	// ErrUnavailable marks a missing collaborator such as the accelerator connection.
	ErrUnavailable = New("unavailable")
)

// Wrap attaches msg to cause and marks the result with the sentinel kind.
// A nil cause yields a fresh error of that kind.
func Wrap(kind error, cause error, msg string) error {
	if cause == nil {
		return crdb.WrapWithDepth(1, kind, msg)
	}
	return crdb.Mark(crdb.WrapWithDepth(1, cause, msg), kind)
}

// Wrapf is Wrap with a format string.
func Wrapf(kind error, cause error, format string, args ...interface{}) error {
	if cause == nil {
		return crdb.WrapWithDepthf(1, kind, format, args...)
	}
	return crdb.Mark(crdb.WrapWithDepthf(1, cause, format, args...), kind)
}

// Kindf creates an error of the given kind with a formatted message.
func Kindf(kind error, format string, args ...interface{}) error {
	return crdb.WrapWithDepthf(1, kind, format, args...)
}

// UnknownStreamf reports an unregistered stream id. The result matches both
// ErrUnknownStream and ErrNotFound.
func UnknownStreamf(format string, args ...interface{}) error {
	return crdb.Mark(crdb.WrapWithDepthf(1, ErrUnknownStream, format, args...), ErrNotFound)
}

// GRPCCode maps an error to the status code reported to RPC callers.
func GRPCCode(err error) codes.Code {
	switch {
	case err == nil:
		return codes.OK
	case Is(err, ErrUnknownStream):
		return codes.FailedPrecondition
	case Is(err, ErrInvalidArgument), Is(err, ErrInputCountMismatch):
		return codes.InvalidArgument
	case Is(err, ErrModelNotFound), Is(err, ErrNotFound):
		return codes.NotFound
	case Is(err, ErrUnavailable):
		return codes.Unavailable
	case Is(err, context.Canceled):
		return codes.Canceled
	case Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	case IsAny(err, ErrCapture, ErrPreprocessing, ErrInferenceJob, ErrIO):
		return codes.Internal
	}
	if s, ok := status.FromError(err); ok {
		return s.Code()
	}
	return codes.Unknown
}

// ToStatus converts err to a gRPC status error carrying the mapped code.
func ToStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := err.(interface{ GRPCStatus() *status.Status }); ok {
		return err
	}
	return status.Error(GRPCCode(err), err.Error())
}

// Class returns a short label for metrics and logs.
func Class(err error) string {
	switch {
	case err == nil:
		return "ok"
	case Is(err, ErrInvalidArgument):
		return "invalid_argument"
	case Is(err, ErrModelNotFound):
		return "model_not_found"
	case Is(err, ErrInputCountMismatch):
		return "input_count_mismatch"
	case Is(err, ErrCapture):
		return "capture"
	case Is(err, ErrNotFound):
		return "not_found"
	case Is(err, ErrPreprocessing):
		return "preprocessing"
	case Is(err, ErrInferenceJob):
		return "inference_job"
	case Is(err, ErrIO):
		return "io"
	case Is(err, ErrUnavailable):
		return "unavailable"
	case IsAny(err, context.Canceled, context.DeadlineExceeded):
		return "canceled"
	}
	return "unknown"
}
