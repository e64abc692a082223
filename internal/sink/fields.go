package sink

import (
	"strings"

	"github.com/tidwall/gjson"
)

// metricNameReplacer strips characters with a meaning in the statsd line
// protocol
var metricNameReplacer = strings.NewReplacer(":", "_", "|", "_", "@", "_", " ", "_", "\n", "_")

// extractName joins the values found at paths with ".". It reports false
// when one of the paths is missing from payload.
func extractName(payload []byte, paths []string) (string, bool) {
	parts := make([]string, 0, len(paths))
	for _, p := range paths {
		res := gjson.GetBytes(payload, p)
		if !res.Exists() {
			return "", false
		}
		parts = append(parts, metricNameReplacer.Replace(res.String()))
	}
	return strings.Join(parts, "."), true
}

// extractNumber returns the number found at path
func extractNumber(payload []byte, path string) (float64, bool) {
	res := gjson.GetBytes(payload, path)
	if res.Type != gjson.Number {
		return 0, false
	}
	return res.Float(), true
}
