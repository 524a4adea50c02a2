package redis

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/StratusCode/paralyze"
)

var errUnexpectedReply = errors.New("unexpected script reply shape")

// replyToMap converts an HGETALL script reply (flat field/value array)
// into a string map.
func replyToMap(res any) (map[string]string, error) {
	arr, ok := res.([]any)
	if !ok || len(arr)%2 != 0 {
		return nil, errUnexpectedReply
	}

	vals := make(map[string]string, len(arr)/2)
	for i := 0; i < len(arr); i += 2 {
		field, fOK := arr[i].(string)
		value, vOK := arr[i+1].(string)
		if !fOK || !vOK {
			return nil, errUnexpectedReply
		}
		vals[field] = value
	}
	return vals, nil
}

func parseInt(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}

func parseMillis(s string) time.Time {
	return time.UnixMilli(parseInt(s)).UTC()
}

func formatInt(n int64) string {
	return strconv.FormatInt(n, 10)
}

// isTransient reports whether err is a connectivity failure a later retry
// against the same store could outlive.
func isTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, goredis.ErrClosed) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// wrapErr annotates a store error with the failing operation, joining in
// ErrStoreUnavailable when the failure is transient so callers can decide
// to retry.
func wrapErr(op string, err error) error {
	if isTransient(err) {
		return fmt.Errorf("paralyze/redis: %s: %w", op, errors.Join(paralyze.ErrStoreUnavailable, err))
	}
	return fmt.Errorf("paralyze/redis: %s: %w", op, err)
}
