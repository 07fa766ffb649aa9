package memcache

import (
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/pior/memcache-binary/binprot"
)

// CircuitBreaker guards the requests sent to one server.
type CircuitBreaker = gobreaker.CircuitBreaker[*binprot.Response]

// NewCircuitBreakerConfig returns a function that creates circuit breakers for servers.
//
// The breaker trips once at least 3 requests were seen in the interval and 60%
// of them failed. Status errors such as a miss are successful exchanges and
// do not count as failures.
func NewCircuitBreakerConfig(maxRequests uint32, interval, timeout time.Duration) func(string) *CircuitBreaker {
	return func(serverAddr string) *CircuitBreaker {
		settings := gobreaker.Settings{
			Name:        serverAddr,
			MaxRequests: maxRequests,
			Interval:    interval,
			Timeout:     timeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
				return counts.Requests >= 3 && failureRatio >= 0.6
			},
			IsSuccessful: func(err error) bool {
				return !binprot.ShouldCloseConnection(err)
			},
		}
		return gobreaker.NewCircuitBreaker[*binprot.Response](settings)
	}
}
