package strategy

import "time"

// Auxiliary-diagnostic window sizes: generous enough to smooth noise
// without mattering to gating, since Aux never affects Signal/Rejection.
const (
	defaultVWAPWindow  = 15 * time.Minute
	defaultVWAPSamples = 2000
	defaultTickWindow  = 500
)
