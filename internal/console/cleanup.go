package console

import (
	"context"
	"fmt"
	"io"
	"reflect"
	"time"

	apperrors "github.com/mark3labs/espagent/internal/errors"
	"github.com/mark3labs/espagent/internal/logger"
)

// CloseTimeout bounds how long Cleanup waits for the pool.
const CloseTimeout = 5 * time.Second

var closeTimeout = CloseTimeout

// Closer is a resource closed with a deadline, such as the connection
// pool.
type Closer interface {
	Close(ctx context.Context) error
}

// Cleanup closes pool within CloseTimeout. Errors and panics are logged
// and never returned, so shutdown always completes. A closer that ignores
// its context is abandoned when the timeout passes.
func Cleanup(pool Closer) {
	defer logger.Info("Console cleaned up")

	if isNil(pool) {
		logger.Debug("No connection pool to close")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- apperrors.Recover(func() error { return pool.Close(ctx) })
	}()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	if err != nil {
		logger.Warn("Pool close: %v (suppressed during shutdown)", err)
	}
}

// Stop closes every closer and returns all failures together.
func Stop(closers ...io.Closer) error {
	var errs apperrors.MultiError
	for _, c := range closers {
		if isNil(c) {
			continue
		}
		err := apperrors.Recover(c.Close)
		if err != nil {
			errs.Append(fmt.Errorf("close %T: %w", c, err))
		}
	}
	return errs.ErrorOrNil()
}

// isNil also catches typed nil pointers stored in an interface.
func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Ptr, reflect.Interface, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan:
		return rv.IsNil()
	}
	return false
}
