package inlet

import (
	"time"

	"github.com/inletmail/inlet/ratelimit"
)

// LimiterFailedAuth refuses connections from remote IPs with too many recent
// authentication failures.
var LimiterFailedAuth *ratelimit.Limiter

func init() {
	LimitersInit()
}

// LimitersInit initializes the failed auth rate limiter.
func LimitersInit() {
	LimiterFailedAuth = &ratelimit.Limiter{
		WindowLimits: []ratelimit.WindowLimit{
			{
				Window: time.Minute,
				Limit:  10,
			},
			{
				Window: 24 * time.Hour,
				Limit:  50,
			},
		},
	}
}
