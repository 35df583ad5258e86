/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package fieldbus

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"syscall"

	"github.com/goburrow/modbus"
)

// Category classifies bus failures for callers. The client never retries on
// its own; the self-healing schedule decides what to do with each category.
type Category string

const (
	CategoryTimeout   Category = "timeout"
	CategoryCRC       Category = "crc"
	CategoryException Category = "exception_code"
	CategoryRefused   Category = "refused"
	CategoryUnknown   Category = "unknown"
)

// BusError wraps a transport failure with its category and the logical
// operation that failed.
type BusError struct {
	Category Category
	Op       string
	Err      error
}

func (e *BusError) Error() string {
	return fmt.Sprintf("%s (%s), %v", e.Op, e.Category, e.Err)
}

func (e *BusError) Unwrap() error {
	return e.Err
}

// Categorize wraps err as a BusError, classifying protocol exceptions,
// timeouts and refused connections. A nil err returns nil.
func Categorize(op string, err error) error {
	if err == nil {
		return nil
	}
	return &BusError{Category: categoryOf(err), Op: op, Err: err}
}

func categoryOf(err error) Category {
	var mbErr *modbus.ModbusError
	if errors.As(err, &mbErr) {
		return CategoryException
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return CategoryTimeout
	}
	if os.IsTimeout(err) || errors.Is(err, os.ErrDeadlineExceeded) {
		return CategoryTimeout
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return CategoryRefused
	}
	// goburrow surfaces frame corruption as a plain error mentioning the
	// checksum; classify by content as a last resort.
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "crc") || strings.Contains(msg, "checksum") || strings.Contains(msg, "lrc") {
		return CategoryCRC
	}
	return CategoryUnknown
}

// CategoryOf extracts the category from a (possibly wrapped) bus error.
func CategoryOf(err error) Category {
	var busErr *BusError
	if errors.As(err, &busErr) {
		return busErr.Category
	}
	return CategoryUnknown
}

// IsTimeout returns true if the error is a bus error (even if it's wrapped)
// categorized as a timeout.
func IsTimeout(err error) bool {
	return CategoryOf(err) == CategoryTimeout
}

// IsException returns true if the device answered with a protocol exception
// code, meaning the request reached it but was rejected.
func IsException(err error) bool {
	return CategoryOf(err) == CategoryException
}

// IsRefused returns true if the connection was refused or torn down.
func IsRefused(err error) bool {
	return CategoryOf(err) == CategoryRefused
}
