// Package dedupe throttles repeated log lines using a time-based cache so a
// failure that recurs every probe tick is reported once per window.
package dedupe
