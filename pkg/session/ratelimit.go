package session

import "golang.org/x/time/rate"

// NewIngressLimiter builds a per-session token bucket guarding the rate of
// audio chunks accepted from a client (binary audio frames and audio_chunk
// control messages alike), independent of the
// bounded channels already sitting in front of the VAD/STT pipeline: this
// one turns a flooding or misbehaving client into an explicit Backpressure
// error instead of an unbounded goroutine pile-up, per spec §5/§7.
func NewIngressLimiter(chunksPerSecond, burst int) *rate.Limiter {
	if chunksPerSecond <= 0 {
		chunksPerSecond = 50
	}
	if burst <= 0 {
		burst = chunksPerSecond * 2
	}
	return rate.NewLimiter(rate.Limit(chunksPerSecond), burst)
}
