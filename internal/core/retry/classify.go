package retry

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"

	"google.golang.org/api/googleapi"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Classify maps a raw failure to exactly one class. Errors that are already
// classified are returned unchanged.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}

	var classified *Error
	if errors.As(err, &classified) {
		return classified
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return New(ClassTimeout, err)
	}

	if st, ok := status.FromError(err); ok && st.Code() != codes.OK {
		if c, ok := classFromGRPC(st.Code()); ok {
			return New(c, err)
		}
	}

	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return New(ClassFromHTTPStatus(gerr.Code), err)
	}

	var nerr net.Error
	if errors.As(err, &nerr) {
		if nerr.Timeout() {
			return New(ClassTimeout, err)
		}
		return New(ClassTransient, err)
	}

	if errors.Is(err, io.ErrUnexpectedEOF) {
		return New(ClassTransient, err)
	}

	return New(classFromText(err.Error()), err)
}

func classFromGRPC(code codes.Code) (Class, bool) {
	switch code {
	case codes.ResourceExhausted:
		return ClassRateLimited, true
	case codes.Unavailable, codes.Aborted, codes.Internal:
		return ClassTransient, true
	case codes.DeadlineExceeded:
		return ClassTimeout, true
	case codes.InvalidArgument, codes.OutOfRange:
		return ClassValidation, true
	case codes.Unknown:
		return "", false
	}
	return ClassSystem, true
}

// ClassFromHTTPStatus maps a provider's HTTP status code to a class.
func ClassFromHTTPStatus(code int) Class {
	switch {
	case code == http.StatusTooManyRequests:
		return ClassRateLimited
	case code == http.StatusRequestTimeout || code == http.StatusGatewayTimeout:
		return ClassTimeout
	case code == http.StatusBadRequest || code == http.StatusUnsupportedMediaType || code == http.StatusRequestEntityTooLarge:
		return ClassValidation
	case code >= 500:
		return ClassTransient
	}
	return ClassSystem
}

func classFromText(msg string) Class {
	msg = strings.ToLower(msg)
	switch {
	case strings.Contains(msg, "rate limit"), strings.Contains(msg, "quota"), strings.Contains(msg, "too many requests"):
		return ClassRateLimited
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "timed out"):
		return ClassTimeout
	case strings.Contains(msg, "connection reset"), strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "unavailable"), strings.Contains(msg, "broken pipe"):
		return ClassTransient
	}
	return ClassSystem
}
