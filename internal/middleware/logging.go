package middleware

import (
	"context"
	"log/slog"
	"time"

	"connectrpc.com/connect"
)

// LoggingInterceptor returns a Connect interceptor that logs every RPC call
// handled by component ("session", "notary", "control").
// Install it outside the auth interceptors so rejected calls are logged too.
func LoggingInterceptor(component string) connect.UnaryInterceptorFunc {
	return func(next connect.UnaryFunc) connect.UnaryFunc {
		return func(ctx context.Context, req connect.AnyRequest) (connect.AnyResponse, error) {
			start := time.Now()
			resp, err := next(ctx, req)

			level := slog.LevelDebug
			attrs := []any{
				"component", component,
				"procedure", req.Spec().Procedure,
				"remote_addr", req.Peer().Addr,
				"duration_ms", time.Since(start).Milliseconds(),
			}
			if err != nil {
				code := connect.CodeOf(err)
				attrs = append(attrs, "code", code, "error", err)
				level = levelFor(code)
			}
			slog.Log(ctx, level, "RPC handled", attrs...)
			return resp, err
		}
	}
}

// levelFor maps a failure code to a log level: caller mistakes and protocol
// refusals are warnings, server faults are errors.
func levelFor(code connect.Code) slog.Level {
	switch code {
	case connect.CodeInternal, connect.CodeUnknown, connect.CodeDataLoss, connect.CodeUnavailable:
		return slog.LevelError
	default:
		return slog.LevelWarn
	}
}
