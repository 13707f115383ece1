//go:build !linux || !cgo

package media

import (
	"errors"

	"github.com/rs/zerolog"
)

// NewDevices is only available on linux; elsewhere use Synthetic.
func NewDevices(_ *zerolog.Logger) (Capturer, error) {
	return nil, errors.New("device capture is not supported on this platform")
}
