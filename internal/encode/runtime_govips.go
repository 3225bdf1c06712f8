//go:build govips && cgo

package encode

import (
	"sync"

	"github.com/davidbyttow/govips/v2/vips"
)

var (
	startupOnce sync.Once
	runtimeMu   sync.Mutex
	started     bool
)

// Startup initializes libvips once per process. It must run before the first
// encode and is paired with Shutdown at exit.
func Startup() error {
	startupOnce.Do(func() {
		vips.LoggingSettings(nil, vips.LogLevelWarning)
		vips.Startup(&vips.Config{
			ConcurrencyLevel: 1,
			MaxCacheFiles:    0,
			MaxCacheMem:      64 * 1024 * 1024,
			MaxCacheSize:     50,
		})

		runtimeMu.Lock()
		started = true
		runtimeMu.Unlock()
	})
	return nil
}

func Shutdown() {
	runtimeMu.Lock()
	defer runtimeMu.Unlock()
	if !started {
		return
	}
	vips.Shutdown()
	started = false
}

func newCodec() (Codec, error) {
	return govipsCodec{}, nil
}
