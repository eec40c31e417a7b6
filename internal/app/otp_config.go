package app

import "github.com/credkit/credkit/internal/otp"

// ServiceOptions converts OTPConfig into passcode service options. Zero or
// negative values fall back to the service defaults.
func (c OTPConfig) ServiceOptions() []otp.Option {
	opts := make([]otp.Option, 0, 5)
	if c.CodeLength > 0 {
		opts = append(opts, otp.WithCodeLength(c.CodeLength))
	}
	if c.TTL > 0 {
		opts = append(opts, otp.WithTTL(c.TTL))
	}
	if c.MaxAttempts > 0 {
		opts = append(opts, otp.WithMaxAttempts(c.MaxAttempts))
	}
	if c.RateCeiling > 0 {
		opts = append(opts, otp.WithRateCeiling(c.RateCeiling))
	}
	if c.RateWindow > 0 {
		opts = append(opts, otp.WithRateWindow(c.RateWindow))
	}
	return opts
}
