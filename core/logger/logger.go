package logger

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Type for the context keys
type contextKeyMessageLoggerType struct{}

var contextKeyMessageLogger = &contextKeyMessageLoggerType{}

const (
	messageIDLoggerKey string = "messageID"
	identityLoggerKey  string = "identity"
)

// InitLogger sets up the custom time formatter for all log statements.
func InitLogger(logLevel logrus.Level) {
	customFormatter := new(logrus.TextFormatter)
	customFormatter.TimestampFormat = "2006-01-02 15:04:05"
	customFormatter.FullTimestamp = true
	logrus.SetFormatter(customFormatter)
	logrus.SetLevel(logLevel)
}

// AddRequestID adds a logger with a new message ID to every request on the router.
func AddRequestID(router *mux.Router) {
	reqID := func(h http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, _ := ContextWithLogger(r.Context())
			h.ServeHTTP(w, r.WithContext(ctx))
		})
	}
	router.Use(reqID)
}

// Default returns a logger without a message ID.
func Default() *logrus.Entry {
	return logrus.NewEntry(logrus.StandardLogger())
}

// ContextWithLogger returns a new context with a logger if the given context has no
// logger yet. If the context already has a logger the given context is returned.
//
// Every inbound message gets its own logger this way, so all log statements for one
// message share a message ID.
func ContextWithLogger(ctx context.Context) (context.Context, *logrus.Entry) {
	if ctx == nil {
		ctx = context.Background()
	} else {
		mlog := loggerFromContext(ctx)
		if mlog != nil {
			return ctx, mlog
		}
	}
	id, _ := uuid.NewUUID()
	mlog := logrus.WithField(messageIDLoggerKey, id.String())
	return context.WithValue(ctx, contextKeyMessageLogger, mlog), mlog
}

// ContextWithLoggerIdentity returns a new context with a logger carrying the
// device identity, typically "tenant/device".
func ContextWithLoggerIdentity(ctx context.Context, identity string) (context.Context, *logrus.Entry) {
	var mlog *logrus.Entry
	ctx, mlog = ContextWithLogger(ctx)
	mlog = mlog.WithField(identityLoggerKey, identity)
	ctx = context.WithValue(ctx, contextKeyMessageLogger, mlog)
	return ctx, mlog
}

func loggerFromContext(ctx context.Context) *logrus.Entry {
	if ctx == nil {
		return nil
	}
	mlog, ok := ctx.Value(contextKeyMessageLogger).(*logrus.Entry)
	if !ok {
		return nil
	}
	return mlog
}

// FromContext returns the logger from the context. If the context does not have a
// logger a new default logger is returned. If the provided context is nil, the
// default logger will be returned.
func FromContext(ctx context.Context) *logrus.Entry {
	if ctx == nil {
		return logrus.NewEntry(logrus.StandardLogger())
	}
	mlog := loggerFromContext(ctx)
	if mlog == nil {
		return logrus.NewEntry(logrus.StandardLogger())
	}
	return mlog
}

// MessageIDFromContext returns the message id for the given context.
func MessageIDFromContext(ctx context.Context) string {
	mlog := loggerFromContext(ctx)
	if mlog == nil {
		return ""
	}
	if s, ok := mlog.Data[messageIDLoggerKey].(string); ok {
		return s
	}
	return ""
}
