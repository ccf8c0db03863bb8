package safe

import (
	"github.com/nexus-chat/realtime/logger"
)

// Go starts a goroutine that recovers from panics, so a misbehaving
// handler never takes the serving process down.
func Go(name string, f func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Errorf("[%s] panic recovered: %v", name, r)
			}
		}()
		f()
	}()
}
