//go:build linux

package reactor

func newPreferredMultiplexer() (Multiplexer, error) {
	return newEpollMultiplexer()
}
