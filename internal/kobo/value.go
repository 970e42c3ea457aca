package kobo

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

var sanitizer = strings.NewReplacer(" ", "_", "(", "", ")", "", ",", "", "'", "")

// Sanitize turns a submission value into the token Kobo uses for stored filenames.
func Sanitize(value string) string {
	return sanitizer.Replace(value)
}

// String renders a decoded JSON scalar the way it appeared in the submission.
func String(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprint(t)
	}
}

