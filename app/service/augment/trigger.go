package augment

import "regexp"

var (
	intentPattern = regexp.MustCompile(`(?i)\b(find|search|look\s+up|recommend\w*|vendors?|caterers?|catering|menus?|venues?|near\s+me|nearby|restaurants?|florists?|photographers?|dj)\b`)
	placePattern  = regexp.MustCompile(`(?i)\b(near\s+me|nearby|venues?|restaurants?|caterers?|catering|florists?)\b`)
)

type intent int

const (
	intentNone intent = iota
	intentWeb
	intentPlace
)

func classify(text string) intent {
	switch {
	case !intentPattern.MatchString(text):
		return intentNone
	case placePattern.MatchString(text):
		return intentPlace
	default:
		return intentWeb
	}
}
