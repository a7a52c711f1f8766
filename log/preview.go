// Package log holds logging helpers shared by shardline components.
package log

// defaultMaxLoggedStrLen bounds previews of message bodies and response payloads.
const defaultMaxLoggedStrLen = 100

// Preview returns str cut to a log-safe length, with an ellipsis when cut.
// maxLen is optional and defaults to defaultMaxLoggedStrLen.
func Preview(str string, maxLen ...int) string {
	l := defaultMaxLoggedStrLen
	if len(maxLen) > 0 {
		l = maxLen[0]
	}

	if l < 0 {
		l = 0
	}
	if len(str) <= l {
		return str
	}
	if l <= 3 {
		return str[:l]
	}
	return str[:l-3] + "..."
}
