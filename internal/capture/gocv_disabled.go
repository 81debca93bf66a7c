//go:build !gocv

package capture

import "go.uber.org/zap"

// NewGocvOpener reports that the binary was built without the gocv tag.
func NewGocvOpener(width, height int, logger *zap.Logger) (Opener, error) {
	return nil, ErrBackendUnavailable
}
