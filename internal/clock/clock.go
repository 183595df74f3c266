// Package clock abstracts time.Now so scheduler decisions can be tested
// deterministically.
package clock

import "time"

type Clock interface {
	Now() time.Time
}

// Real delegates to time.Now.
type Real struct{}

func (Real) Now() time.Time { return time.Now() }

// Fake returns a fixed instant that tests advance by hand.
type Fake struct {
	Current time.Time
}

func (f *Fake) Now() time.Time { return f.Current }

func (f *Fake) Advance(d time.Duration) { f.Current = f.Current.Add(d) }
