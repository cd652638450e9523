package explorer

import "strings"

// ErrorKind is the outcome of inspecting a failed explorer envelope
type ErrorKind int

const (
	KindOther ErrorKind = iota
	KindRateLimited
	KindInvalidCredential
	KindNotFound
	KindTimeout
)

func (k ErrorKind) String() string {
	switch k {
	case KindRateLimited:
		return "rate_limited"
	case KindInvalidCredential:
		return "invalid_credential"
	case KindNotFound:
		return "not_found"
	case KindTimeout:
		return "timeout"
	default:
		return "other"
	}
}

var notFoundPhrases = []string{
	"no transactions found",
	"no transaction found",
	"no records found",
	"no record found",
}

// Classify maps the free-text message and result of a status "0" envelope
// to an ErrorKind. Matching is case-insensitive and checks both fields.
func Classify(message, result string) ErrorKind {
	text := strings.ToLower(message + " " + result)

	switch {
	case strings.Contains(text, "rate limit"):
		return KindRateLimited
	case strings.Contains(text, "api key"):
		return KindInvalidCredential
	}
	for _, phrase := range notFoundPhrases {
		if strings.Contains(text, phrase) {
			return KindNotFound
		}
	}
	return KindOther
}
